// Package notify keeps the bounded change ledger that seeds and feeds
// every connected review tab.
//
// The ledger is an append-only log of human-readable change records,
// capped at a fixed number of entries with the oldest evicted first.
// It is independent of the annotation store: deleting a ledger entry
// never touches annotation data.
package notify

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modeltest/reviewboard/internal/annotation"
)

// ErrNotFound is returned when a notification id is not in the ledger.
var ErrNotFound = errors.New("notification not found")

// DefaultCapacity is the server-side ledger bound.
const DefaultCapacity = 200

// Record is a single ledger entry.
//
// ID is the sole identity and ordering key: it increases strictly for
// the lifetime of the process and is never reused, even after the
// entry is evicted or deleted.
type Record struct {
	ID        int64              `json:"id"`
	FileID    string             `json:"fileId"`
	Section   annotation.Section `json:"section"`
	Message   string             `json:"message"`
	SenderID  string             `json:"senderId"`
	Timestamp time.Time          `json:"timestamp"`
}

// Ledger is a bounded, ordered notification log. The zero value is not
// usable, call NewLedger.
type Ledger struct {
	mu       sync.Mutex
	capacity int
	nextID   int64
	entries  []Record // most recent first
}

// NewLedger creates a ledger with the default capacity.
func NewLedger() *Ledger {
	return NewLedgerWithCapacity(DefaultCapacity)
}

// NewLedgerWithCapacity creates a ledger holding at most capacity
// entries. Non-positive capacities fall back to the default.
func NewLedgerWithCapacity(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{capacity: capacity, nextID: 1}
}

// FormatMessage renders the fixed per-section message template. It is
// exported so clients can synthesize identical messages for changes
// discovered by polling while the push transport is down.
func FormatMessage(fileID string, section annotation.Section) string {
	switch section {
	case annotation.SectionDiagnosis:
		return fmt.Sprintf("model diagnosis updated for %s", fileID)
	case annotation.SectionSuggestion:
		return fmt.Sprintf("repair suggestion updated for %s", fileID)
	default:
		return fmt.Sprintf("annotations updated for %s", fileID)
	}
}

// Append assigns the next id, formats the message for the section, and
// prepends the record. The oldest entry is evicted once the ledger
// exceeds its capacity.
func (l *Ledger) Append(fileID string, section annotation.Section, senderID string) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		ID:        l.nextID,
		FileID:    fileID,
		Section:   section,
		Message:   FormatMessage(fileID, section),
		SenderID:  senderID,
		Timestamp: time.Now(),
	}
	l.nextID++

	l.entries = append(l.entries, Record{})
	copy(l.entries[1:], l.entries)
	l.entries[0] = rec
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	return rec
}

// List returns a copy of the ledger, most recent first.
func (l *Ledger) List() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.entries))
	copy(out, l.entries)
	return out
}

// Remove deletes the entry with the given id. It returns ErrNotFound
// for unknown ids so callers can answer with a 404 instead of silently
// succeeding.
func (l *Ledger) Remove(id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, rec := range l.entries {
		if rec.ID == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// Len returns the current entry count.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
