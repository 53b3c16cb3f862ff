package bridge

import (
	"fmt"
	"strings"
	"time"

	termtext "github.com/MichaelMure/go-term-text"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/daedaleanai/mlbridge/config"
	"github.com/daedaleanai/mlbridge/email"
)

const bodyWidth = 78

// Composer renders logical messages into final mail: markdown flattened
// to plain text, long prose lines wrapped, parent text quoted, recipients
// resolved from the pull request's labels.
type Composer struct {
	cfg      *config.Config
	markdown goldmark.Markdown
}

func NewComposer(cfg *config.Config) *Composer {
	return &Composer{
		cfg:      cfg,
		markdown: goldmark.New(),
	}
}

// Recipients returns the union of all configured lists whose label
// filter is empty or intersects the pull request's labels.
func (c *Composer) Recipients(labels []string) []email.Address {
	labelSet := make(map[string]bool)
	for _, label := range labels {
		labelSet[label] = true
	}

	var out []email.Address
	for _, list := range c.cfg.Lists {
		matched := len(list.Labels) == 0
		for _, label := range list.Labels {
			if labelSet[label] {
				matched = true
				break
			}
		}
		if matched {
			out = append(out, email.Address{Address: list.Address})
		}
	}
	return out
}

// Compose renders one logical message. messageID and parentID are the
// already-derived archive identities; date is the emission time.
func (c *Composer) Compose(msg *LogicalMessage, labels []string, messageID, parentID string, date time.Time) *email.Email {
	var b strings.Builder

	// quoted text is not flattened: markdown would eat the quote
	// markers of an already-quoted passage
	if msg.Quote != nil {
		b.WriteString(attributionLine(msg.Quote))
		for _, line := range strings.Split(msg.Quote.Body, "\n") {
			b.WriteString(quoteLine(line))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(wrapProse(c.flatten(msg.Body), bodyWidth))

	headers := make(map[string]string, len(c.cfg.ExtraHeaders))
	for name, value := range c.cfg.ExtraHeaders {
		headers[name] = value
	}

	return &email.Email{
		MessageID: messageID,
		InReplyTo: parentID,
		Subject:   msg.Subject,
		From: email.Address{
			Name:    msg.Author.DisplayName(),
			Address: c.cfg.SenderAddress,
		},
		To:      c.Recipients(labels),
		Date:    date,
		Headers: headers,
		Body:    b.String(),
	}
}

func attributionLine(quote *QuoteBlock) string {
	if quote.Date.IsZero() {
		return fmt.Sprintf("%s wrote:\n", quote.Author.DisplayName())
	}
	return fmt.Sprintf("On %s, %s wrote:\n",
		quote.Date.UTC().Format("Mon, 2 Jan 2006 15:04:05 -0700"),
		quote.Author.DisplayName())
}

// quoteLine prefixes a line with "> ", deepening existing quote markers
// so nested quotes render as ">>".
func quoteLine(line string) string {
	if strings.HasPrefix(line, ">") {
		return ">" + line
	}
	return "> " + line
}

// flatten reduces a markdown body to readable plain text: links become
// "text <url>", code blocks are indented, emphasis markers disappear.
func (c *Composer) flatten(src string) string {
	source := []byte(src)
	root := c.markdown.Parser().Parse(gmtext.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				b.Write(node.Segment.Value(source))
				if node.SoftLineBreak() || node.HardLineBreak() {
					b.WriteString("\n")
				}
			}
		case *ast.Paragraph, *ast.Heading:
			if !entering {
				b.WriteString("\n\n")
			}
		case *ast.TextBlock:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.FencedCodeBlock:
			if entering {
				writeCodeLines(&b, node.Lines(), source)
				b.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeBlock:
			if entering {
				writeCodeLines(&b, node.Lines(), source)
				b.WriteString("\n")
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			if !entering {
				fmt.Fprintf(&b, " <%s>", node.Destination)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if !entering {
				b.WriteString("\n")
			}
		case *ast.ListItem:
			if entering {
				b.WriteString(" - ")
			}
		case *ast.ThematicBreak:
			if entering {
				b.WriteString("-------------\n\n")
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimRight(b.String(), "\n")
}

func writeCodeLines(b *strings.Builder, lines *gmtext.Segments, source []byte) {
	for i := 0; i < lines.Len(); i++ {
		segment := lines.At(i)
		b.WriteString("    ")
		b.Write(segment.Value(source))
	}
}

// wrapProse wraps long prose lines while leaving quoted text, indented
// code and list-style lines alone.
func wrapProse(body string, width int) string {
	var out []string
	for _, line := range strings.Split(body, "\n") {
		if len(line) <= width ||
			strings.HasPrefix(line, ">") ||
			strings.HasPrefix(line, "    ") ||
			strings.HasPrefix(line, " - ") {
			out = append(out, line)
			continue
		}
		wrapped, _ := termtext.Wrap(line, width)
		out = append(out, strings.Split(wrapped, "\n")...)
	}
	return strings.Join(out, "\n")
}
