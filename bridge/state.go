package bridge

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/daedaleanai/mlbridge/email"
	"github.com/daedaleanai/mlbridge/entity"
	"github.com/daedaleanai/mlbridge/forge"
	"github.com/daedaleanai/mlbridge/mailinglist"
	"github.com/daedaleanai/mlbridge/repository"
)

// EmittedMessage records the archive identity of one bridged message.
type EmittedMessage struct {
	MessageID string    `json:"messageId"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sentAt"`
}

// BridgeRecord is the per-pull-request bookkeeping persisted between
// passes. It is a cache over the archive, never the other way around:
// anything recorded here must already be durable in the archive.
type BridgeRecord struct {
	PR           entity.Id                 `json:"pr"`
	LastRevision repository.Hash           `json:"lastRevision"`
	LastBase     repository.Hash           `json:"lastBase"`
	Version      int                       `json:"version"`
	Integrated   bool                      `json:"integrated"`
	Withdrawn    bool                      `json:"withdrawn"`
	LastSent     time.Time                 `json:"lastSent"`
	RootKey      string                    `json:"rootKey,omitempty"`
	Emitted      map[string]EmittedMessage `json:"emitted"`
	Items        map[entity.Id]string      `json:"items"`
}

// NewBridgeRecord returns an empty record for a pull request that has
// never been bridged.
func NewBridgeRecord(pr entity.Id) *BridgeRecord {
	return &BridgeRecord{
		PR:      pr,
		Emitted: make(map[string]EmittedMessage),
		Items:   make(map[entity.Id]string),
	}
}

// HasThread reports whether any message has been emitted for the PR.
func (r *BridgeRecord) HasThread() bool {
	return len(r.Emitted) > 0
}

// KeyForItem resolves a forge item id to the logical key of the message
// that bridged it, if any.
func (r *BridgeRecord) KeyForItem(id entity.Id) (string, bool) {
	key, ok := r.Items[id]
	return key, ok
}

const trackerCacheSize = 4096

// Tracker loads and stores BridgeRecords and answers the idempotence
// question. The local record is consulted first as a fast path, but the
// archive is the authority: after a crash between archive append and
// record save, the re-scan finds the message and the record catches up.
type Tracker struct {
	dir     string
	domain  string
	archive mailinglist.Archive
	cache   *lru.Cache
}

// NewTracker stores records as JSON files under dir. domain is the
// sender address domain used to derive deterministic message ids.
func NewTracker(dir string, domain string, archive mailinglist.Archive) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0777); err != nil {
		return nil, errors.Wrap(err, "creating state directory")
	}
	cache, err := lru.New(trackerCacheSize)
	if err != nil {
		return nil, err
	}
	return &Tracker{dir: dir, domain: domain, archive: archive, cache: cache}, nil
}

func (t *Tracker) recordPath(pr entity.Id) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s.json", pr))
}

// MessageID derives the deterministic message id for a logical key of a
// pull request. Replaying the same activity always yields the same id,
// which is what makes archive re-scans a reliable dedup authority.
func (t *Tracker) MessageID(pr entity.Id, key string) string {
	return email.MessageID(t.domain, fmt.Sprintf("%s/%s", pr, key))
}

// Load reads the record for a pull request, or returns a fresh one.
func (t *Tracker) Load(pr entity.Id) (*BridgeRecord, error) {
	data, err := ioutil.ReadFile(t.recordPath(pr))
	if os.IsNotExist(err) {
		return NewBridgeRecord(pr), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading bridge record")
	}

	record := NewBridgeRecord(pr)
	if err := json.Unmarshal(data, record); err != nil {
		return nil, errors.Wrapf(err, "corrupt bridge record for %s", pr)
	}
	return record, nil
}

// Save writes the record atomically (write to temp file, then rename).
func (t *Tracker) Save(record *BridgeRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := ioutil.TempFile(t.dir, fmt.Sprintf("%s-*", record.PR))
	if err != nil {
		return errors.Wrap(err, "writing bridge record")
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return errors.Wrap(err, "writing bridge record")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return errors.Wrap(err, "writing bridge record")
	}
	return errors.Wrap(os.Rename(name, t.recordPath(record.PR)), "writing bridge record")
}

// HasBeenBridged reports whether the logical key has already produced a
// message for this pull request, checking the local record first and
// falling back to an archive re-scan.
func (t *Tracker) HasBeenBridged(record *BridgeRecord, key string) (bool, error) {
	if _, ok := record.Emitted[key]; ok {
		return true, nil
	}

	id := t.MessageID(record.PR, key)
	if cached, ok := t.cache.Get(id); ok {
		return cached.(bool), nil
	}

	found, err := t.archive.Contains(record.PR, id)
	if err != nil {
		return false, errors.Wrap(err, "re-scanning archive")
	}
	if found {
		// catch the record up so the slow path is not taken again
		record.Emitted[key] = EmittedMessage{MessageID: id}
		t.cache.Add(id, true)
	}
	return found, nil
}

// RecordBridged marks a logical key and its originating forge items as
// emitted. Call only after the archive append has succeeded.
func (t *Tracker) RecordBridged(record *BridgeRecord, key string, items []entity.Id, msg EmittedMessage) {
	record.Emitted[key] = msg
	for _, id := range items {
		record.Items[id] = key
	}
	if record.RootKey == "" {
		record.RootKey = key
	}
	record.LastSent = msg.SentAt
	t.cache.Add(msg.MessageID, true)
}

// LastVerdict walks an author's reviews in order and returns the verdict
// in force before the given review, so verdict changes can be told apart
// from re-submissions of the same verdict.
func LastVerdict(reviews []forge.Review, author string, before time.Time) forge.Verdict {
	last := forge.NoVerdict
	for _, review := range reviews {
		if review.Author.Username != author || !review.CreatedAt.Before(before) {
			continue
		}
		if review.Verdict != forge.NoVerdict {
			last = review.Verdict
		}
	}
	return last
}
