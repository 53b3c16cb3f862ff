package forge

import (
	"fmt"
	"sync"
	"time"

	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/repository"
)

// This is intended for testing only

var _ Host = &InMemoryHost{}

// InMemoryHost is a Host backed by in-process state, with mutators the
// tests use to simulate forge activity.
type InMemoryHost struct {
	mu sync.Mutex

	repoName string
	nextID   int
	clock    time.Time

	pulls          map[entity.Id]*PullRequest
	order          []entity.Id
	comments       map[entity.Id][]Comment
	reviewComments map[entity.Id][]ReviewComment
	reviews        map[entity.Id][]Review
}

func NewInMemoryHost(repoName string) *InMemoryHost {
	return &InMemoryHost{
		repoName:       repoName,
		clock:          time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC),
		pulls:          make(map[entity.Id]*PullRequest),
		comments:       make(map[entity.Id][]Comment),
		reviewComments: make(map[entity.Id][]ReviewComment),
		reviews:        make(map[entity.Id][]Review),
	}
}

func (h *InMemoryHost) tick() time.Time {
	h.clock = h.clock.Add(time.Minute)
	return h.clock
}

func (h *InMemoryHost) nextEntityId(prefix string) entity.Id {
	h.nextID++
	return entity.Id(fmt.Sprintf("%s-%d", prefix, h.nextID))
}

// CreatePullRequest registers a new pull request and returns its id.
func (h *InMemoryHost) CreatePullRequest(title, body string, head repository.Hash, source, target string) entity.Id {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := entity.Id(fmt.Sprintf("%d", len(h.order)+1))
	h.pulls[id] = &PullRequest{
		ID:            id,
		Title:         title,
		Body:          body,
		Author:        Identity{Username: "author", FullName: "Some Author"},
		SourceBranch:  source,
		TargetBranch:  target,
		Head:          head,
		State:         StateOpen,
		SourceRepoURL: "https://forge.test/" + h.repoName + ".git",
		WebURL:        "https://forge.test/" + h.repoName + "/pulls/" + id.String(),
	}
	h.order = append(h.order, id)
	return id
}

func (h *InMemoryHost) SetBody(id entity.Id, body string)       { h.mutate(id, func(pr *PullRequest) { pr.Body = body }) }
func (h *InMemoryHost) SetTitle(id entity.Id, title string)     { h.mutate(id, func(pr *PullRequest) { pr.Title = title }) }
func (h *InMemoryHost) SetHead(id entity.Id, head repository.Hash) {
	h.mutate(id, func(pr *PullRequest) { pr.Head = head })
}
func (h *InMemoryHost) SetState(id entity.Id, state State) {
	h.mutate(id, func(pr *PullRequest) { pr.State = state })
}
func (h *InMemoryHost) SetSourceRepoURL(id entity.Id, url string) {
	h.mutate(id, func(pr *PullRequest) { pr.SourceRepoURL = url })
}

func (h *InMemoryHost) AddLabel(id entity.Id, label string) {
	h.mutate(id, func(pr *PullRequest) {
		if !pr.HasLabel(label) {
			pr.Labels = append(pr.Labels, label)
		}
	})
}

func (h *InMemoryHost) RemoveLabel(id entity.Id, label string) {
	h.mutate(id, func(pr *PullRequest) {
		labels := pr.Labels[:0]
		for _, l := range pr.Labels {
			if l != label {
				labels = append(labels, l)
			}
		}
		pr.Labels = labels
	})
}

func (h *InMemoryHost) mutate(id entity.Id, f func(*PullRequest)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pr, ok := h.pulls[id]; ok {
		f(pr)
	}
}

// AddComment posts a top-level comment as the given user.
func (h *InMemoryHost) AddComment(id entity.Id, author Identity, body string) entity.Id {
	h.mu.Lock()
	defer h.mu.Unlock()

	cid := h.nextEntityId("comment")
	h.comments[id] = append(h.comments[id], Comment{
		ID:        cid,
		Author:    author,
		Body:      body,
		CreatedAt: h.tick(),
	})
	return cid
}

// AddReviewComment files an inline comment at the given anchor.
func (h *InMemoryHost) AddReviewComment(id entity.Id, author Identity, base, head repository.Hash, path string, line int, body string) entity.Id {
	h.mu.Lock()
	defer h.mu.Unlock()

	cid := h.nextEntityId("reviewcomment")
	h.reviewComments[id] = append(h.reviewComments[id], ReviewComment{
		ID:        cid,
		Author:    author,
		Body:      body,
		CreatedAt: h.tick(),
		Base:      base,
		Head:      head,
		Path:      path,
		Line:      line,
	})
	return cid
}

// AddReviewCommentReply replies to an existing inline comment.
func (h *InMemoryHost) AddReviewCommentReply(id entity.Id, author Identity, parent entity.Id, body string) entity.Id {
	h.mu.Lock()
	defer h.mu.Unlock()

	var anchor *ReviewComment
	for i := range h.reviewComments[id] {
		if h.reviewComments[id][i].ID == parent {
			anchor = &h.reviewComments[id][i]
			break
		}
	}
	if anchor == nil {
		panic(fmt.Sprintf("no such review comment: %s", parent))
	}

	cid := h.nextEntityId("reviewcomment")
	h.reviewComments[id] = append(h.reviewComments[id], ReviewComment{
		ID:        cid,
		Author:    author,
		Body:      body,
		CreatedAt: h.tick(),
		Base:      anchor.Base,
		Head:      anchor.Head,
		Path:      anchor.Path,
		Line:      anchor.Line,
		InReplyTo: parent,
	})
	return cid
}

// AddReview records a review verdict.
func (h *InMemoryHost) AddReview(id entity.Id, author Identity, verdict Verdict, body string) entity.Id {
	h.mu.Lock()
	defer h.mu.Unlock()

	rid := h.nextEntityId("review")
	h.reviews[id] = append(h.reviews[id], Review{
		ID:        rid,
		Author:    author,
		Verdict:   verdict,
		Body:      body,
		CreatedAt: h.tick(),
	})
	return rid
}

func (h *InMemoryHost) RepoName() string {
	return h.repoName
}

func (h *InMemoryHost) FetchRef(id entity.Id) string {
	return fmt.Sprintf("refs/pull/%s/head", id)
}

func (h *InMemoryHost) PullRequests() ([]PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]PullRequest, 0, len(h.order))
	for _, id := range h.order {
		result = append(result, *h.pulls[id])
	}
	return result, nil
}

func (h *InMemoryHost) PullRequest(id entity.Id) (*PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pr, ok := h.pulls[id]
	if !ok {
		return nil, fmt.Errorf("no such pull request: %s", id)
	}
	out := *pr
	return &out, nil
}

func (h *InMemoryHost) Comments(id entity.Id) ([]Comment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Comment(nil), h.comments[id]...), nil
}

func (h *InMemoryHost) ReviewComments(id entity.Id) ([]ReviewComment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ReviewComment(nil), h.reviewComments[id]...), nil
}

func (h *InMemoryHost) Reviews(id entity.Id) ([]Review, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Review(nil), h.reviews[id]...), nil
}

func (h *InMemoryHost) PostComment(id entity.Id, body string) error {
	h.AddComment(id, Identity{Username: "bridge-bot", FullName: "Bridge Bot"}, body)
	return nil
}
