package bridge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/repository"
)

// MessageKind tags the logical messages the conversation emits.
type MessageKind int

const (
	KindRequestForReview MessageKind = iota
	KindIncremental
	KindRebase
	KindFullUpdate
	KindIntegrated
	KindWithdrawn
	KindReviewVerdict
	KindComment
	KindReviewCommentGroup
)

// QuoteBlock is the parent text a reply quotes under an attribution line.
type QuoteBlock struct {
	Author forge.Identity
	Date   time.Time
	Body   string
}

// LogicalMessage is one unit of outgoing mail, before final rendering.
// Key is the stable dedup handle: evaluating the same activity twice
// yields the same keys, so the tracker and the archive can both tell a
// replay from new work.
type LogicalMessage struct {
	Key       string
	Kind      MessageKind
	Subject   string
	ParentKey string
	Author    forge.Identity
	Body      string
	Quote     *QuoteBlock
	Items     []entity.Id

	created time.Time
}

// RevisionKind classifies how a new head relates to the last bridged one.
type RevisionKind int

const (
	// RevisionFirst is the initial ready revision, opening the thread.
	RevisionFirst RevisionKind = iota
	// RevisionIncremental extends the prior head with the same merge base.
	RevisionIncremental
	// RevisionRebase moved the merge base with the target branch.
	RevisionRebase
	// RevisionForcePush rewrote history without changing the merge base.
	RevisionForcePush
)

// RevisionUpdate describes a newly discovered head revision together
// with the artifacts already generated for it.
type RevisionUpdate struct {
	Kind    RevisionKind
	Base    repository.Hash
	Head    repository.Hash
	Commits []repository.Commit
	Webrevs []WebrevDescription

	// Note carries extra wording about the revision, such as the merge
	// evaluation outcome when the head is a merge commit.
	Note string
}

// FetchSpec tells readers how to obtain the pull request head.
type FetchSpec struct {
	URL string
	Ref string
}

// ContextProvider returns the diff context lines surrounding an inline
// comment anchor, at most one line per side. nil means no context.
type ContextProvider func(path string, line int) []string

// Activity is the full observed state of one pull request during one
// pass, assembled by the orchestrator.
type Activity struct {
	PR             *forge.PullRequest
	Comments       []forge.Comment
	ReviewComments []forge.ReviewComment
	Reviews        []forge.Review
	Revision       *RevisionUpdate
	IntegratedHash repository.Hash
	Fetch          FetchSpec
	Context        ContextProvider
}

// integrationPattern matches the canonical marker comment posted when a
// pull request lands.
var integrationPattern = regexp.MustCompile("Pushed as commit `?([0-9a-fA-F]{8,})`?\\.")

// IntegrationHash extracts the integrated commit hash from the marker
// comment, if any comment carries one.
func IntegrationHash(comments []forge.Comment) repository.Hash {
	for _, comment := range comments {
		if m := integrationPattern.FindStringSubmatch(comment.Body); m != nil {
			return repository.Hash(m[1])
		}
	}
	return ""
}

var issuePattern = regexp.MustCompile(`^(\d+)[:\s]`)

// Conversation maps pull request activity onto an ordered sequence of
// logical messages, honoring what was already bridged.
type Conversation struct {
	cfg      *config.Config
	repoName string
	filter   *CommentFilter
}

func NewConversation(cfg *config.Config, repoName string) *Conversation {
	return &Conversation{
		cfg:      cfg,
		repoName: repoName,
		filter:   NewCommentFilter(cfg.IgnoredUsers, cfg.IgnoredBodies),
	}
}

// IsReady reports whether the pull request has received its ready signal:
// a configured ready label, or a comment from a configured user matching
// that user's ready pattern.
func (c *Conversation) IsReady(pr *forge.PullRequest, comments []forge.Comment) bool {
	for _, label := range c.cfg.ReadyLabels {
		if pr.HasLabel(label) {
			return true
		}
	}
	for _, comment := range comments {
		pattern, ok := c.cfg.ReadyComments[comment.Author.Username]
		if ok && pattern.MatchString(comment.Body) {
			return true
		}
	}
	return false
}

func (c *Conversation) baseSubject(pr *forge.PullRequest) string {
	var prefix string
	if c.cfg.RepoPrefix && c.repoName != "" {
		name := c.repoName
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}
		prefix += fmt.Sprintf("[%s] ", name)
	}
	if c.cfg.BranchPrefix {
		prefix += fmt.Sprintf("[%s] ", pr.TargetBranch)
	}
	return prefix + pr.Title
}

func versionSuffix(version int) string {
	if version >= 2 {
		return fmt.Sprintf(" [v%d]", version)
	}
	return ""
}

// Evaluate turns the pass's activity into logical messages, in emission
// order. The second return value lists forge items whose content was
// suppressed (empty after filtering, ignored author or pattern); the
// caller marks those as seen so they are not re-examined forever.
func (c *Conversation) Evaluate(activity *Activity, record *BridgeRecord) ([]*LogicalMessage, []entity.Id) {
	var out []*LogicalMessage
	var suppressed []entity.Id

	pr := activity.PR
	base := c.baseSubject(pr)
	integrated := record.Integrated || activity.IntegratedHash != ""

	// version in effect for everything emitted this pass
	version := record.Version
	if activity.Revision != nil {
		version++
	}
	if version == 0 {
		version = 1
	}

	rootKey := record.RootKey
	if rootKey == "" {
		rootKey = "rfr"
	}

	replyMarker := "RFR: "
	if integrated {
		replyMarker = "Integrated: "
	}
	replySubject := fmt.Sprintf("Re: %s%s%s", replyMarker, base, versionSuffix(version))

	if activity.Revision != nil {
		out = append(out, c.revisionMessage(activity, record, base, version, rootKey))
	}

	var pending []*LogicalMessage
	pending = append(pending, c.verdictMessages(activity, rootKey, replySubject)...)
	msgs, drop := c.commentMessages(activity, record, rootKey, replySubject)
	pending = append(pending, msgs...)
	suppressed = append(suppressed, drop...)

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].created.Before(pending[j].created)
	})
	out = append(out, pending...)

	if activity.IntegratedHash != "" && !record.Integrated &&
		(pr.State == forge.StateIntegrated || pr.State == forge.StateClosed) {
		parent := ""
		if record.HasThread() {
			parent = rootKey
		}
		body := fmt.Sprintf("This pull request has now been integrated.\n\nPushed as commit %s.",
			activity.IntegratedHash)
		out = append(out, &LogicalMessage{
			Key:       "integrated",
			Kind:      KindIntegrated,
			Subject:   fmt.Sprintf("Integrated: %s", base),
			ParentKey: parent,
			Author:    pr.Author,
			Body:      body,
		})
	}

	if pr.State == forge.StateClosed && activity.IntegratedHash == "" &&
		!record.Integrated && !record.Withdrawn && record.HasThread() {
		out = append(out, &LogicalMessage{
			Key:       "withdrawn",
			Kind:      KindWithdrawn,
			Subject:   fmt.Sprintf("Withdrawn: %s", base),
			ParentKey: rootKey,
			Author:    pr.Author,
			Body:      "This pull request has been closed without being integrated.",
		})
	}

	return out, suppressed
}

func (c *Conversation) revisionMessage(activity *Activity, record *BridgeRecord, base string, version int, rootKey string) *LogicalMessage {
	pr := activity.PR
	rev := activity.Revision
	var b strings.Builder

	switch rev.Kind {
	case RevisionFirst:
		body := c.filter.FilterBody(pr.Body)
		if body != "" {
			b.WriteString(body)
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "This pull request contains %s:\n",
			countCommits(len(rev.Commits)))
		writeCommitList(&b, rev.Commits)
	case RevisionIncremental:
		fmt.Fprintf(&b, "%s has updated the pull request incrementally with %s since the last revision:\n",
			pr.Author.DisplayName(), countAdditionalCommits(len(rev.Commits)))
		writeCommitList(&b, rev.Commits)
	case RevisionRebase:
		fmt.Fprintf(&b, "%s has updated the pull request with a new target base due to a merge or a rebase. ",
			pr.Author.DisplayName())
		b.WriteString("The incremental webrev excludes the unrelated changes brought in by the merge/rebase.")
		if len(rev.Commits) > 0 {
			fmt.Fprintf(&b, " The pull request contains %s:\n", countAdditionalCommits(len(rev.Commits)))
			writeCommitList(&b, rev.Commits)
		} else {
			b.WriteString("\n")
		}
	case RevisionForcePush:
		fmt.Fprintf(&b, "%s has refreshed the contents of this pull request, and previous commits have been removed. ",
			pr.Author.DisplayName())
		b.WriteString("The incremental views will show differences compared to the previous content of the PR.\n")
	}

	if rev.Note != "" {
		b.WriteString("\n")
		b.WriteString(rev.Note)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	c.writeTrailer(&b, activity, rev)

	subject := fmt.Sprintf("RFR: %s%s", base, versionSuffix(version))
	parent := ""
	key := "rfr"
	if rev.Kind != RevisionFirst {
		key = fmt.Sprintf("rev-%s", rev.Head)
		parent = rootKey
		if record.Integrated {
			subject = fmt.Sprintf("Re: Integrated: %s%s", base, versionSuffix(version))
		}
	}

	kind := KindRequestForReview
	switch rev.Kind {
	case RevisionIncremental:
		kind = KindIncremental
	case RevisionRebase:
		kind = KindRebase
	case RevisionForcePush:
		kind = KindFullUpdate
	}

	return &LogicalMessage{
		Key:       key,
		Kind:      kind,
		Subject:   subject,
		ParentKey: parent,
		Author:    pr.Author,
		Body:      b.String(),
	}
}

// writeTrailer appends the metadata block shared by all revision mails:
// issue link, fetch instructions and artifact links.
func (c *Conversation) writeTrailer(b *strings.Builder, activity *Activity, rev *RevisionUpdate) {
	if c.cfg.IssueTracker != "" {
		if m := issuePattern.FindStringSubmatch(activity.PR.Title); m != nil {
			fmt.Fprintf(b, "Issue: %s%s\n", c.cfg.IssueTracker, m[1])
		}
	}
	if activity.Fetch.URL != "" {
		fmt.Fprintf(b, "Fetch: git fetch %s %s\n", activity.Fetch.URL, activity.Fetch.Ref)
	}
	if len(rev.Webrevs) > 0 {
		b.WriteString("Webrevs:\n")
		for _, w := range rev.Webrevs {
			fmt.Fprintf(b, " - %s: %s\n", w.Label, w.URI)
		}
	}
}

func countCommits(n int) string {
	if n == 1 {
		return "one new commit"
	}
	return fmt.Sprintf("%d new commits", n)
}

func countAdditionalCommits(n int) string {
	if n == 1 {
		return "one additional commit"
	}
	return fmt.Sprintf("%d additional commits", n)
}

func writeCommitList(b *strings.Builder, commits []repository.Commit) {
	for _, commit := range commits {
		fmt.Fprintf(b, " - %.8s: %s\n", commit.Hash, commit.Summary())
	}
}

// verdictMessages emits one message per verdict change, skipping
// re-submissions of an author's standing verdict.
func (c *Conversation) verdictMessages(activity *Activity, rootKey, replySubject string) []*LogicalMessage {
	reviews := append([]forge.Review(nil), activity.Reviews...)
	sort.SliceStable(reviews, func(i, j int) bool {
		return reviews[i].CreatedAt.Before(reviews[j].CreatedAt)
	})

	var out []*LogicalMessage
	for _, review := range reviews {
		if review.Verdict == forge.NoVerdict {
			continue
		}
		if LastVerdict(reviews, review.Author.Username, review.CreatedAt) == review.Verdict {
			continue
		}

		var marker string
		switch review.Verdict {
		case forge.Approved:
			marker = fmt.Sprintf("Marked as reviewed by %s (%s).", review.Author.Username, review.Author.DisplayName())
		case forge.Disapproved:
			marker = fmt.Sprintf("Changes requested by %s (%s).", review.Author.Username, review.Author.DisplayName())
		}

		body := marker
		if filtered := c.filter.FilterBody(review.Body); strings.TrimSpace(filtered) != "" {
			body = filtered + "\n\n" + marker
		}

		out = append(out, &LogicalMessage{
			Key:       fmt.Sprintf("item-%s", review.ID),
			Kind:      KindReviewVerdict,
			Subject:   replySubject,
			ParentKey: rootKey,
			Author:    review.Author,
			Body:      body,
			Items:     []entity.Id{review.ID},
			created:   review.CreatedAt,
		})
	}
	return out
}

// commentMessages filters and combines the pass's new comments.
func (c *Conversation) commentMessages(activity *Activity, record *BridgeRecord, rootKey, replySubject string) ([]*LogicalMessage, []entity.Id) {
	var suppressed []entity.Id

	inlineByID := make(map[entity.Id]*forge.ReviewComment)
	for i := range activity.ReviewComments {
		inlineByID[activity.ReviewComments[i].ID] = &activity.ReviewComments[i]
	}

	var pendingComments []forge.Comment
	for _, comment := range activity.Comments {
		if _, done := record.KeyForItem(comment.ID); done {
			continue
		}
		if integrationPattern.MatchString(comment.Body) {
			// bridged as the Integrated message instead
			continue
		}
		res := c.filter.Classify(comment.Author, comment.Body)
		if res.Verdict != Keep {
			suppressed = append(suppressed, comment.ID)
			continue
		}
		comment.Body = res.Body
		pendingComments = append(pendingComments, comment)
	}

	var pendingInline []forge.ReviewComment
	for _, rc := range activity.ReviewComments {
		if _, done := record.KeyForItem(rc.ID); done {
			continue
		}
		res := c.filter.Classify(rc.Author, rc.Body)
		if res.Verdict != Keep {
			suppressed = append(suppressed, rc.ID)
			continue
		}
		rc.Body = res.Body
		pendingInline = append(pendingInline, rc)
	}

	candidates := Combine(pendingComments, pendingInline, activity.ReviewComments)

	// anchors may point at items bridged this very pass
	passKeys := make(map[entity.Id]string)
	var out []*LogicalMessage

	for _, candidate := range candidates {
		parent := rootKey
		var quote *QuoteBlock

		if candidate.AnchorID != "" {
			if key, ok := record.KeyForItem(candidate.AnchorID); ok {
				parent = key
			} else if key, ok := passKeys[candidate.AnchorID]; ok {
				parent = key
			}
			if anchor, ok := inlineByID[candidate.AnchorID]; ok {
				quote = &QuoteBlock{
					Author: anchor.Author,
					Date:   anchor.CreatedAt,
					Body:   c.filter.FilterBody(anchor.Body),
				}
			}
		} else if candidate.Kind == CandidateComment {
			// a fresh top-level comment replies to the thread opener
			if body := c.filter.FilterBody(activity.PR.Body); body != "" {
				quote = &QuoteBlock{
					Author: activity.PR.Author,
					Body:   body,
				}
			}
		}

		msg := &LogicalMessage{
			Key:       candidate.Key(),
			Subject:   replySubject,
			ParentKey: parent,
			Author:    candidate.Author(),
			Quote:     quote,
			Items:     candidate.ItemIDs(),
			created:   candidate.Created(),
		}

		if candidate.Kind == CandidateComment {
			msg.Kind = KindComment
			msg.Body = candidate.Comment.Body
		} else {
			msg.Kind = KindReviewCommentGroup
			msg.Body = c.renderReviewGroup(candidate, activity.Context)
		}

		for _, id := range candidate.ItemIDs() {
			passKeys[id] = candidate.Key()
		}
		out = append(out, msg)
	}

	return out, suppressed
}

// renderReviewGroup renders each inline comment with its own heading and
// at most one line of diff context per side. Comments combined into the
// group all share the same anchor, so a single context block suffices.
func (c *Conversation) renderReviewGroup(candidate *Candidate, context ContextProvider) string {
	var b strings.Builder

	first := candidate.Inline[0]
	if first.Line > 0 {
		fmt.Fprintf(&b, "%s line %d:\n", first.Path, first.Line)
	} else {
		fmt.Fprintf(&b, "%s:\n", first.Path)
	}
	if context != nil {
		for _, line := range context(first.Path, first.Line) {
			fmt.Fprintf(&b, "> %s\n", line)
		}
	}

	for _, rc := range candidate.Inline {
		b.WriteString("\n")
		if len(candidate.Inline) > 1 {
			fmt.Fprintf(&b, "%s:\n", rc.Author.DisplayName())
		}
		b.WriteString(rc.Body)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
