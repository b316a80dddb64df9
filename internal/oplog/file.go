package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zakari90/centersync/internal/entity"
)

type fileJournal struct {
	path     string
	capacity int
	mu       sync.Mutex
	nextSeq  uint64
	entries  map[string]*Entry
}

type fileJournalState struct {
	Entries []Entry `json:"entries"`
}

// NewFileJournal returns a journal persisted as a JSON snapshot at path.
// Every mutation rewrites the snapshot via tmp-file-and-rename so a crash
// never leaves a torn journal; outstanding entries survive restart and are
// replayed on the next sync pass.
func NewFileJournal(path string, capacity int) (Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if capacity <= 0 {
		capacity = 1024
	}
	j := &fileJournal{
		path:     path,
		capacity: capacity,
		entries:  map[string]*Entry{},
	}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *fileJournal) Enqueue(e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) >= j.capacity {
		return Entry{}, ErrQueueFull
	}
	prepareEntry(&e, &j.nextSeq)
	j.entries[e.ID] = &e
	if err := j.saveLocked(); err != nil {
		delete(j.entries, e.ID)
		return Entry{}, fmt.Errorf("failed to persist journal: %w", err)
	}
	return e, nil
}

func (j *fileJournal) NextBatch() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return sortedBatch(j.entries)
}

func (j *fileJournal) MarkSyncing(id string) error {
	return j.mutate(id, func(e *Entry) {
		e.Status = StatusSyncing
	})
}

func (j *fileJournal) MarkFailed(id, message string) error {
	return j.mutate(id, func(e *Entry) {
		e.Attempts++
		e.Status = StatusFailed
		e.Error = message
	})
}

func (j *fileJournal) Complete(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	delete(j.entries, id)
	if err := j.saveLocked(); err != nil {
		j.entries[id] = e
		return fmt.Errorf("failed to persist journal: %w", err)
	}
	return nil
}

func (j *fileJournal) CancelEntity(typ entity.Type, entityID string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	removed := 0
	for id, e := range j.entries {
		if e.EntityType == typ && e.EntityID == entityID {
			delete(j.entries, id)
			removed++
		}
	}
	if removed > 0 {
		_ = j.saveLocked()
	}
	return removed
}

func (j *fileJournal) Snapshot() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

func (j *fileJournal) Depth() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *fileJournal) Capacity() int { return j.capacity }

func (j *fileJournal) Close() error { return nil }

func (j *fileJournal) mutate(id string, fn func(*Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	before := *e
	fn(e)
	if err := j.saveLocked(); err != nil {
		*e = before
		return fmt.Errorf("failed to persist journal: %w", err)
	}
	return nil
}

func (j *fileJournal) load() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileJournalState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to parse journal %s: %w", j.path, err)
	}
	items := snapshot.Entries
	if len(items) > j.capacity {
		items = items[len(items)-j.capacity:]
	}
	for i := range items {
		e := items[i]
		// An entry interrupted mid-flight by a crash goes back to pending.
		if e.Status == StatusSyncing {
			e.Status = StatusPending
		}
		j.nextSeq++
		e.seq = j.nextSeq
		j.entries[e.ID] = &e
	}
	return nil
}

func (j *fileJournal) saveLocked() error {
	entries := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		entries = append(entries, *e)
	}
	sortEntries(entries)
	data, err := json.Marshal(fileJournalState{Entries: entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return err
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, j.path)
}
