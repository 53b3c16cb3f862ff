package bridge

import (
	"sort"
	"strings"
	"time"

	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/forge"
)

// CandidateKind distinguishes the two shapes of comment-derived mail.
type CandidateKind int

const (
	// CandidateComment is a single top-level pull request comment.
	CandidateComment CandidateKind = iota
	// CandidateReviewGroup is one or more inline review comments sharing
	// a file and line, rendered as a single message.
	CandidateReviewGroup
)

// Candidate is a not-yet-composed outgoing message derived from new
// comments found in one activity pass.
type Candidate struct {
	Kind    CandidateKind
	Comment *forge.Comment
	Inline  []forge.ReviewComment

	// AnchorID is the forge id of the item this candidate replies to.
	// Empty means the candidate threads directly under the RFR root.
	AnchorID entity.Id

	created time.Time
}

// ItemIDs lists the forge items consumed by this candidate, for
// bookkeeping in the bridge record.
func (c *Candidate) ItemIDs() []entity.Id {
	if c.Kind == CandidateComment {
		return []entity.Id{c.Comment.ID}
	}
	ids := make([]entity.Id, len(c.Inline))
	for i, rc := range c.Inline {
		ids[i] = rc.ID
	}
	return ids
}

// Key returns the stable dedup key for the candidate, derived from the
// full set of originating items. A group that gains a member on a later
// pass therefore gets a fresh key instead of being absorbed by an
// already-archived one.
func (c *Candidate) Key() string {
	ids := c.ItemIDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	sort.Strings(parts)
	return "item-" + strings.Join(parts, "+")
}

// Author of the candidate's first item.
func (c *Candidate) Author() forge.Identity {
	if c.Kind == CandidateComment {
		return c.Comment.Author
	}
	return c.Inline[0].Author
}

// Created is the timestamp of the candidate's first item.
func (c *Candidate) Created() time.Time {
	return c.created
}

// Combine turns the new comments of one pass into message candidates.
//
// Top-level comments are never combined with anything. Inline review
// comments on the same file and line are combined into one candidate as
// long as none of them has a reply; the moment any comment is replied
// to (by anything in allInline, bridged or not) it stands alone so the
// reply can thread under it. Replies always stand alone and anchor at
// their parent. Candidates come out ordered by the creation time of
// their first item.
func Combine(comments []forge.Comment, inline []forge.ReviewComment, allInline []forge.ReviewComment) []*Candidate {
	replied := make(map[entity.Id]bool)
	for _, rc := range allInline {
		if rc.InReplyTo != "" {
			replied[rc.InReplyTo] = true
		}
	}

	var out []*Candidate

	for i := range comments {
		c := &comments[i]
		out = append(out, &Candidate{
			Kind:    CandidateComment,
			Comment: c,
			created: c.CreatedAt,
		})
	}

	type anchor struct {
		path string
		line int
	}
	groups := make(map[anchor]*Candidate)

	for _, rc := range inline {
		if rc.InReplyTo != "" || replied[rc.ID] {
			out = append(out, &Candidate{
				Kind:     CandidateReviewGroup,
				Inline:   []forge.ReviewComment{rc},
				AnchorID: rc.InReplyTo,
				created:  rc.CreatedAt,
			})
			continue
		}

		key := anchor{path: rc.Path, line: rc.Line}
		if g, ok := groups[key]; ok {
			g.Inline = append(g.Inline, rc)
			continue
		}
		g := &Candidate{
			Kind:    CandidateReviewGroup,
			Inline:  []forge.ReviewComment{rc},
			created: rc.CreatedAt,
		}
		groups[key] = g
		out = append(out, g)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].created.Before(out[j].created)
	})

	return out
}
