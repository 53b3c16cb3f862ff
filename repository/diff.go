package repository

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileDiff is the parsed diff of a single file between two revisions.
type FileDiff struct {
	OldPath string
	NewPath string
	Hunks   []Hunk
}

// Path returns the post-image path, falling back to the pre-image path
// for deleted files.
func (d FileDiff) Path() string {
	if d.NewPath != "" && d.NewPath != "/dev/null" {
		return d.NewPath
	}
	return d.OldPath
}

// LinesChanged counts added plus removed lines.
func (d FileDiff) LinesChanged() int {
	n := 0
	for _, h := range d.Hunks {
		for _, l := range h.Lines {
			if l.Kind != DiffContext {
				n++
			}
		}
	}
	return n
}

// Hunk is a contiguous run of diff lines with its post-image position.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []DiffLine
}

type DiffLineKind int

const (
	DiffContext DiffLineKind = iota
	DiffAdded
	DiffRemoved
)

// DiffLine is a single line of a hunk, with its post-image line number
// (0 for removed lines).
type DiffLine struct {
	Kind    DiffLineKind
	NewLine int
	Text    string
}

// Diff returns the per-file diff between two revisions, parsed with one
// line of context per side. The single context line bounds how much
// surrounding code an inline comment quote can leak.
func (repo *GitRepo) Diff(base, head Hash) ([]FileDiff, error) {
	stdout, err := repo.runGitCommand("diff", "-U1", "--no-color", base.String(), head.String())
	if err != nil {
		return nil, errors.Wrapf(err, "unable to diff %s..%s", base, head)
	}
	return parseUnifiedDiff(stdout)
}

func parseUnifiedDiff(text string) ([]FileDiff, error) {
	var diffs []FileDiff
	var cur *FileDiff
	var hunk *Hunk
	newLine := 0

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			diffs = append(diffs, *cur)
		}
		cur = nil
	}

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			flushFile()
			cur = &FileDiff{}
		case strings.HasPrefix(line, "--- "):
			if cur != nil {
				cur.OldPath = strings.TrimPrefix(strings.TrimPrefix(line[4:], "a/"), "\"")
			}
		case strings.HasPrefix(line, "+++ "):
			if cur != nil {
				cur.NewPath = strings.TrimPrefix(strings.TrimPrefix(line[4:], "b/"), "\"")
			}
		case strings.HasPrefix(line, "@@ "):
			flushHunk()
			h, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			hunk = &h
			newLine = h.NewStart
		case hunk != nil && strings.HasPrefix(line, "+"):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: DiffAdded, NewLine: newLine, Text: line[1:]})
			newLine++
		case hunk != nil && strings.HasPrefix(line, "-"):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: DiffRemoved, Text: line[1:]})
		case hunk != nil && strings.HasPrefix(line, " "):
			hunk.Lines = append(hunk.Lines, DiffLine{Kind: DiffContext, NewLine: newLine, Text: line[1:]})
			newLine++
		}
	}
	flushFile()

	return diffs, nil
}

func parseHunkHeader(line string) (Hunk, error) {
	// @@ -oldStart,oldLines +newStart,newLines @@ ...
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return Hunk{}, errors.Errorf("malformed hunk header: %q", line)
	}

	parseRange := func(s string) (int, int, error) {
		s = strings.TrimLeft(s, "-+")
		parts := strings.SplitN(s, ",", 2)
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return 0, 0, err
		}
		lines := 1
		if len(parts) == 2 {
			lines, err = strconv.Atoi(parts[1])
			if err != nil {
				return 0, 0, err
			}
		}
		return start, lines, nil
	}

	var h Hunk
	var err error
	if h.OldStart, h.OldLines, err = parseRange(fields[1]); err != nil {
		return Hunk{}, errors.Wrapf(err, "malformed hunk header: %q", line)
	}
	if h.NewStart, h.NewLines, err = parseRange(fields[2]); err != nil {
		return Hunk{}, errors.Wrapf(err, "malformed hunk header: %q", line)
	}
	return h, nil
}
