// Package repository contains helper methods for working with the Git
// repositories the bridge touches: the source repository under review,
// the webrev storage repository and the mail archive repository.
package repository

import (
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrNotARepo is returned when the given path is not inside a git repository
	ErrNotARepo = errors.New("not a git repository")

	// ErrNothingToCommit is returned by Commit when the tree is already
	// clean. A publish loop uses it to detect a resumed partial publish.
	ErrNothingToCommit = errors.New("nothing to commit, working tree clean")

	// ErrPushRejected is returned by Push when the remote reference has
	// moved since the local clone was fetched. The caller is expected to
	// fetch, rebase and retry.
	ErrPushRejected = errors.New("push rejected, remote reference has moved")
)

// Hash is a git object hash
type Hash string

func (h Hash) String() string {
	return string(h)
}

// IsZero tell if the hash is unset
func (h Hash) IsZero() bool {
	return h == ""
}

// Commit holds the metadata of a single commit, as shown in outgoing
// bridge messages.
type Commit struct {
	Hash    Hash
	Author  string
	Email   string
	Message string
	When    time.Time
}

// Summary returns the first line of the commit message.
func (c Commit) Summary() string {
	for i := 0; i < len(c.Message); i++ {
		if c.Message[i] == '\n' {
			return c.Message[:i]
		}
	}
	return c.Message
}

// Repo is the subset of git operations the bridge components consume.
// GitRepo implements it; tests may substitute their own.
type Repo interface {
	GetPath() string
	ResolveRef(ref string) (Hash, error)
	Head() (Hash, error)
	MergeBase(a, b Hash) (Hash, error)
	IsAncestor(ancestor, descendant Hash) (bool, error)
	CommitsBetween(base, head Hash) ([]Commit, error)
	Diff(base, head Hash) ([]FileDiff, error)
}
