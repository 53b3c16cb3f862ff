// Package bridge projects pull request activity onto a mailing list: it
// filters and combines forge comments, tracks the conversation state of
// every pull request, generates webrev artifacts and composes the
// resulting mail exactly once each.
package bridge

import (
	"regexp"
	"strings"

	"github.com/daedaleanai/mlbridge/forge"
)

// DefaultHiddenMarker ends the visible part of a pull request body;
// everything below it is status boilerplate maintained by other bots.
const DefaultHiddenMarker = "<!-- Anything below this marker will be hidden -->"

var (
	htmlCommentPattern = regexp.MustCompile(`(?s)<!--.*?-->`)
	commandPattern     = regexp.MustCompile(`^\s*/[a-zA-Z]+`)
)

// FilterVerdict classifies what should happen to a comment body.
type FilterVerdict int

const (
	// Keep the filtered body.
	Keep FilterVerdict = iota
	// DropEmpty drops a body with no content left after filtering. The
	// comment is still marked as bridged so it is not re-examined on
	// every subsequent pass.
	DropEmpty
	// DropIgnoredPattern drops a body matching a configured ignore pattern.
	DropIgnoredPattern
	// DropIgnoredAuthor drops anything authored by an ignored identity.
	DropIgnoredAuthor
)

// FilterResult is the outcome of classifying one comment.
type FilterResult struct {
	Verdict FilterVerdict
	Body    string
}

// CommentFilter strips machine directives and hidden sections out of raw
// comment bodies, and drops comments that should never reach the list.
type CommentFilter struct {
	HiddenMarker  string
	IgnoredBodies []*regexp.Regexp
	IgnoredUsers  []string
}

// NewCommentFilter builds a filter from the configured ignore rules.
func NewCommentFilter(ignoredUsers []string, ignoredBodies []*regexp.Regexp) *CommentFilter {
	return &CommentFilter{
		HiddenMarker:  DefaultHiddenMarker,
		IgnoredBodies: ignoredBodies,
		IgnoredUsers:  ignoredUsers,
	}
}

// Classify runs the full filter pipeline for a comment.
func (f *CommentFilter) Classify(author forge.Identity, body string) FilterResult {
	for _, user := range f.IgnoredUsers {
		if author.Username == user {
			return FilterResult{Verdict: DropIgnoredAuthor}
		}
	}

	for _, pattern := range f.IgnoredBodies {
		if pattern.MatchString(body) {
			return FilterResult{Verdict: DropIgnoredPattern}
		}
	}

	filtered := f.FilterBody(body)
	if strings.TrimSpace(filtered) == "" {
		return FilterResult{Verdict: DropEmpty}
	}

	return FilterResult{Verdict: Keep, Body: filtered}
}

// FilterBody strips the hidden section, HTML comments and bot command
// lines, then collapses the blank lines left behind. Pure function.
func (f *CommentFilter) FilterBody(body string) string {
	marker := f.HiddenMarker
	if marker == "" {
		marker = DefaultHiddenMarker
	}

	// everything below the hidden marker is invisible
	if idx := strings.Index(body, marker); idx >= 0 {
		body = body[:idx]
	}

	body = htmlCommentPattern.ReplaceAllString(body, "")
	body = stripCommandLines(body)
	body = collapseBlankLines(body)

	return body
}

// stripCommandLines removes lines whose first token is a slash command,
// together with any continuation lines fused to them (no blank separator).
// A command embedded after prose on the same line is left alone.
func stripCommandLines(body string) string {
	lines := strings.Split(body, "\n")
	var out []string

	for i := 0; i < len(lines); i++ {
		if !commandPattern.MatchString(lines[i]) {
			out = append(out, lines[i])
			continue
		}
		// skip the command line and the block fused to it
		for i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			i++
		}
	}

	return strings.Join(out, "\n")
}

// collapseBlankLines reduces runs of two or more blank lines to a single
// one and trims blank lines from both ends.
func collapseBlankLines(body string) string {
	lines := strings.Split(body, "\n")
	var out []string
	blanks := 0

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blanks++
			continue
		}
		if blanks > 0 && len(out) > 0 {
			out = append(out, "")
		}
		blanks = 0
		out = append(out, line)
	}

	return strings.Join(out, "\n")
}
