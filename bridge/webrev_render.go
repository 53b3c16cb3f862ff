package bridge

import (
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/daedaleanai/mlbridge/repository"
)

// StandardRenderer is the built-in webrev renderer: an HTML index with a
// per-file patch page, and the JSON triple consumed by tool frontends.
type StandardRenderer struct{}

// RenderHTML writes index.html plus one patch page per changed file.
func (StandardRenderer) RenderHTML(outputDir string, diffs []repository.FileDiff, meta WebrevMeta) error {
	var index strings.Builder
	index.WriteString("<!DOCTYPE html>\n<html>\n<head><title>Webrev " + html.EscapeString(meta.Identifier) + "</title></head>\n<body>\n")
	fmt.Fprintf(&index, "<h1>%s webrev %s</h1>\n", html.EscapeString(string(meta.PR)), html.EscapeString(meta.Identifier))
	fmt.Fprintf(&index, "<p>%s .. %s</p>\n", meta.Base, meta.Head)

	if len(meta.Commits) > 0 {
		index.WriteString("<h2>Commits</h2>\n<ul>\n")
		for _, commit := range meta.Commits {
			fmt.Fprintf(&index, "<li><code>%.8s</code>: %s</li>\n", commit.Hash, html.EscapeString(commit.Summary()))
		}
		index.WriteString("</ul>\n")
	}

	index.WriteString("<h2>Changes</h2>\n<ul>\n")
	for i, diff := range diffs {
		page := fmt.Sprintf("%04d.patch.html", i)
		fmt.Fprintf(&index, "<li><a href=\"%s\">%s</a> (%d lines changed)</li>\n",
			page, html.EscapeString(diff.Path()), diff.LinesChanged())

		if err := writePatchPage(filepath.Join(outputDir, page), diff); err != nil {
			return err
		}
	}
	index.WriteString("</ul>\n</body>\n</html>\n")

	return errors.Wrap(os.WriteFile(filepath.Join(outputDir, "index.html"), []byte(index.String()), 0666),
		"writing webrev index")
}

func writePatchPage(path string, diff repository.FileDiff) error {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head><title>" + html.EscapeString(diff.Path()) + "</title></head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n<pre>\n", html.EscapeString(diff.Path()))

	for _, hunk := range diff.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", hunk.OldStart, hunk.OldLines, hunk.NewStart, hunk.NewLines)
		for _, line := range hunk.Lines {
			var marker string
			switch line.Kind {
			case repository.DiffAdded:
				marker = "+"
			case repository.DiffRemoved:
				marker = "-"
			default:
				marker = " "
			}
			b.WriteString(marker + html.EscapeString(line.Text) + "\n")
		}
	}

	b.WriteString("</pre>\n</body>\n</html>\n")
	return os.WriteFile(path, []byte(b.String()), 0666)
}

// RenderJSON writes the commits/metadata/comparison triple.
func (StandardRenderer) RenderJSON(outputDir string, diffs []repository.FileDiff, meta WebrevMeta) error {
	type jsonCommit struct {
		Hash    string `json:"hash"`
		Author  string `json:"author"`
		Email   string `json:"email"`
		Message string `json:"message"`
	}
	commits := make([]jsonCommit, 0, len(meta.Commits))
	for _, commit := range meta.Commits {
		commits = append(commits, jsonCommit{
			Hash:    commit.Hash.String(),
			Author:  commit.Author,
			Email:   commit.Email,
			Message: commit.Message,
		})
	}

	type jsonFile struct {
		Path         string `json:"path"`
		LinesChanged int    `json:"linesChanged"`
	}
	files := make([]jsonFile, 0, len(diffs))
	for _, diff := range diffs {
		files = append(files, jsonFile{Path: diff.Path(), LinesChanged: diff.LinesChanged()})
	}

	outputs := map[string]interface{}{
		"commits.json": commits,
		"metadata.json": map[string]string{
			"pr":         string(meta.PR),
			"identifier": meta.Identifier,
			"base":       meta.Base.String(),
			"head":       meta.Head.String(),
		},
		"comparison.json": map[string]interface{}{"files": files},
	}

	for name, value := range outputs {
		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(outputDir, name), data, 0666); err != nil {
			return errors.Wrapf(err, "writing %s", name)
		}
	}
	return nil
}
