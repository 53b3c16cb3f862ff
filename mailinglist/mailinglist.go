// Package mailinglist covers the outgoing side of the bridge: a transport
// that delivers mail to the configured lists and an append-only archive
// that is the durable record of everything ever sent.
package mailinglist

import (
	"strings"
	"sync"

	"github.com/daedaleanai/mlbridge/email"
	"github.com/daedaleanai/mlbridge/entity"
)

// Transport delivers a rendered email to its recipients.
type Transport interface {
	Send(mail *email.Email) error
}

// Archive is the append-only mail record, one mbox per pull request. The
// archive, not local bridge state, is the authority on what has been
// emitted; Contains is what idempotence re-scans consult.
type Archive interface {
	Append(pr entity.Id, mail *email.Email) error
	Contains(pr entity.Id, messageID string) (bool, error)
}

// MemoryTransport collects sent mail in memory. Testing only.
type MemoryTransport struct {
	mu   sync.Mutex
	Sent []*email.Email
}

func (t *MemoryTransport) Send(mail *email.Email) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Sent = append(t.Sent, mail)
	return nil
}

// Count returns how many mails have been sent so far.
func (t *MemoryTransport) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Sent)
}

// MemoryArchive keeps the mbox contents in memory. Testing only.
type MemoryArchive struct {
	mu    sync.Mutex
	boxes map[entity.Id][]*email.Email
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{boxes: make(map[entity.Id][]*email.Email)}
}

func (a *MemoryArchive) Append(pr entity.Id, mail *email.Email) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.boxes[pr] = append(a.boxes[pr], mail)
	return nil
}

func (a *MemoryArchive) Contains(pr entity.Id, messageID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, mail := range a.boxes[pr] {
		if mail.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

// Mails returns the archived mail of a pull request, oldest first.
func (a *MemoryArchive) Mails(pr entity.Id) []*email.Email {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*email.Email(nil), a.boxes[pr]...)
}

// Contents returns the rendered mbox of a pull request.
func (a *MemoryArchive) Contents(pr entity.Id) string {
	var b strings.Builder
	for _, mail := range a.Mails(pr) {
		b.WriteString("From " + mail.From.Address + "\n")
		b.WriteString(mail.Render())
		b.WriteString("\n")
	}
	return b.String()
}
