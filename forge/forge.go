// Package forge defines the review-host boundary of the bridge: the data
// the bridge reads about pull requests and the one write it performs
// (posting a comment as the bot identity).
package forge

import (
	"time"

	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/repository"
)

// Identity is a forge user as shown in bridged mail.
type Identity struct {
	Username string
	FullName string
	Email    string
}

// DisplayName returns the full name when known, the username otherwise.
func (i Identity) DisplayName() string {
	if i.FullName != "" {
		return i.FullName
	}
	return i.Username
}

// State is the lifecycle state of a pull request.
type State int

const (
	StateOpen State = iota
	StateClosed
	StateIntegrated
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateIntegrated:
		return "integrated"
	}
	return "unknown"
}

// PullRequest is the bridge's read-only view of a pull request.
type PullRequest struct {
	ID           entity.Id
	Title        string
	Body         string
	Author       Identity
	SourceBranch string
	TargetBranch string
	Head         repository.Hash
	Labels       []string
	State        State

	// SourceRepoURL is the clone URL of the contributor's repository.
	// Empty when the fork is no longer reachable, which rules out JSON
	// webrev generation.
	SourceRepoURL string
	WebURL        string
}

// HasLabel tell if the pull request currently carries the given label.
func (pr *PullRequest) HasLabel(label string) bool {
	for _, l := range pr.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Comment is a top-level pull request comment.
type Comment struct {
	ID        entity.Id
	Author    Identity
	Body      string
	CreatedAt time.Time
}

// ReviewComment is an inline comment anchored to a file position of a
// revision pair. Replies form a tree via InReplyTo.
type ReviewComment struct {
	ID        entity.Id
	Author    Identity
	Body      string
	CreatedAt time.Time

	Base repository.Hash
	Head repository.Hash
	Path string
	// Line is the post-image line the comment anchors to, 0 for
	// file-level comments.
	Line      int
	InReplyTo entity.Id
}

// Verdict is the conclusion of a review.
type Verdict int

const (
	NoVerdict Verdict = iota
	Approved
	Disapproved
)

// Review carries a reviewer's verdict. A later review by the same author
// supersedes the earlier one.
type Review struct {
	ID        entity.Id
	Author    Identity
	Verdict   Verdict
	Body      string
	CreatedAt time.Time
}

// Host is the review-host adapter consumed by the bridge. Implementations
// exist for Gitea and, for tests, in memory.
type Host interface {
	// RepoName returns the "owner/name" of the repository under bridge.
	RepoName() string

	// PullRequests lists the pull requests of the repository, open and
	// recently closed, newest last.
	PullRequests() ([]PullRequest, error)

	PullRequest(id entity.Id) (*PullRequest, error)
	Comments(id entity.Id) ([]Comment, error)
	ReviewComments(id entity.Id) ([]ReviewComment, error)
	Reviews(id entity.Id) ([]Review, error)

	// PostComment adds a comment to the pull request as the bot identity.
	PostComment(id entity.Id, body string) error

	// FetchRef returns the ref a user can fetch to obtain the pull
	// request head, e.g. "refs/pull/5/head".
	FetchRef(id entity.Id) string
}
