// Package email holds the mail value types the bridge emits. An Email is
// rendered once and append-only archived; nothing here talks to the
// network.
package email

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Address is a mail address with an optional display name.
type Address struct {
	Name    string
	Address string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// Domain returns the part after the @, or an empty string.
func (a Address) Domain() string {
	idx := strings.LastIndex(a.Address, "@")
	if idx < 0 {
		return ""
	}
	return a.Address[idx+1:]
}

// Email is a single outgoing message.
type Email struct {
	MessageID string
	InReplyTo string
	Subject   string
	From      Address
	To        []Address
	Date      time.Time
	Headers   map[string]string
	Body      string
}

// MessageID derives the stable message id of a logical message. It is a
// pure function of the sender domain and the logical key so that replayed
// passes regenerate the same id, which is what archive re-scans match on.
func MessageID(domain string, key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("<%s@%s>", hex.EncodeToString(sum[:16]), domain)
}

// Render produces the on-the-wire representation: headers, a blank line
// and the body.
func (e *Email) Render() string {
	var b strings.Builder

	writeHeader := func(name, value string) {
		fmt.Fprintf(&b, "%s: %s\n", name, value)
	}

	writeHeader("Message-ID", e.MessageID)
	writeHeader("Date", e.Date.UTC().Format(time.RFC1123Z))
	writeHeader("Subject", e.Subject)
	writeHeader("From", e.From.String())

	tos := make([]string, len(e.To))
	for i, to := range e.To {
		tos[i] = to.String()
	}
	writeHeader("To", strings.Join(tos, ", "))

	if e.InReplyTo != "" {
		writeHeader("In-Reply-To", e.InReplyTo)
		writeHeader("References", e.InReplyTo)
	}

	// deterministic order for the extra headers
	names := make([]string, 0, len(e.Headers))
	for name := range e.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeHeader(name, e.Headers[name])
	}

	b.WriteString("\n")
	b.WriteString(e.Body)
	if !strings.HasSuffix(e.Body, "\n") {
		b.WriteString("\n")
	}

	return b.String()
}
