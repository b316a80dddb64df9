// Package oplog provides the durable, timestamp-ordered journal of
// mutations awaiting transmission. The journal is independent of the
// coarser per-record sync status: it exists for retry ordering,
// diagnostics, and replay after restart. There is no backoff and no
// maximum-attempt cutoff; every sync pass retries every outstanding entry.
package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zakari90/centersync/internal/entity"
)

var (
	ErrQueueFull     = errors.New("journal full")
	ErrEntryNotFound = errors.New("journal entry not found")
)

// Op is the mutation kind recorded by a journal entry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// EntryStatus tracks one entry through a sync pass. A failed entry stays
// eligible for the next pass; the status exists so operators can tell a
// never-attempted entry from one the server has been rejecting.
type EntryStatus string

const (
	StatusPending EntryStatus = "pending"
	StatusSyncing EntryStatus = "syncing"
	StatusFailed  EntryStatus = "failed"
)

// Entry is one journaled mutation attempt. Payload is the snapshot taken
// at enqueue time.
type Entry struct {
	ID         string          `json:"id"`
	Operation  Op              `json:"operation"`
	EntityType entity.Type     `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Attempts   int             `json:"attempts"`
	Status     EntryStatus     `json:"status"`
	Error      string          `json:"error,omitempty"`
	seq        uint64
}

// Journal is the durable mutation log. Implementations are safe for
// concurrent use.
type Journal interface {
	// Enqueue appends a mutation with status pending and zero attempts.
	// The returned entry carries the assigned id and timestamp.
	Enqueue(e Entry) (Entry, error)

	// NextBatch returns every pending and failed entry sorted by
	// timestamp ascending, so entries for the same entity id come back in
	// non-decreasing mutation order.
	NextBatch() []Entry

	// MarkSyncing flags an entry as in-flight for the current pass.
	MarkSyncing(id string) error

	// MarkFailed increments the attempt counter and records the failure
	// message. The entry remains eligible for the next pass.
	MarkFailed(id, message string) error

	// Complete removes an entry whose push succeeded.
	Complete(id string) error

	// CancelEntity drops every entry for one entity id. Used when a
	// never-synced record is deleted locally: its queued create/update
	// must not reach the server.
	CancelEntity(typ entity.Type, entityID string) int

	// Snapshot returns a copy of every entry for the debug surface.
	Snapshot() []Entry

	Depth() int
	Capacity() int
	Close() error
}

type memoryJournal struct {
	mu       sync.Mutex
	capacity int
	nextSeq  uint64
	entries  map[string]*Entry
}

// NewMemoryJournal returns a volatile journal, mainly for tests and the
// in-memory agent profile.
func NewMemoryJournal(capacity int) Journal {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryJournal{
		capacity: capacity,
		entries:  map[string]*Entry{},
	}
}

func (j *memoryJournal) Enqueue(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) >= j.capacity {
		return Entry{}, ErrQueueFull
	}
	prepareEntry(&e, &j.nextSeq)
	j.entries[e.ID] = &e
	return e, nil
}

func (j *memoryJournal) NextBatch() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBatch(j.entries)
}

func (j *memoryJournal) MarkSyncing(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e.Status = StatusSyncing
	return nil
}

func (j *memoryJournal) MarkFailed(id, message string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	e.Attempts++
	e.Status = StatusFailed
	e.Error = message
	return nil
}

func (j *memoryJournal) Complete(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.entries[id]; !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(j.entries, id)
	return nil
}

func (j *memoryJournal) CancelEntity(typ entity.Type, entityID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	removed := 0
	for id, e := range j.entries {
		if e.EntityType == typ && e.EntityID == entityID {
			delete(j.entries, id)
			removed++
		}
	}
	return removed
}

func (j *memoryJournal) Snapshot() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

func (j *memoryJournal) Depth() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *memoryJournal) Capacity() int { return j.capacity }

func (j *memoryJournal) Close() error { return nil }

func prepareEntry(e *Entry, nextSeq *uint64) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.Error = ""
	*nextSeq++
	e.seq = *nextSeq
}

func sortedBatch(entries map[string]*Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Status == StatusPending || e.Status == StatusFailed {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out
}

// sortEntries orders by timestamp ascending with enqueue order as the
// tie-break, preserving per-entity mutation order.
func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, k int) bool {
		if entries[i].Timestamp.Equal(entries[k].Timestamp) {
			return entries[i].seq < entries[k].seq
		}
		return entries[i].Timestamp.Before(entries[k].Timestamp)
	})
}
