package oplog

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/zakari90/centersync/internal/entity"
)

func TestMemoryJournalOrdersBatchByTimestamp(t *testing.T) {
	j := NewMemoryJournal(10)
	base := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"s1", "s2", "s3"} {
		_, err := j.Enqueue(Entry{
			Operation:  OpCreate,
			EntityType: entity.TypeStudent,
			EntityID:   id,
			Payload:    json.RawMessage(`{"name":"x","centerId":"c1"}`),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("enqueue %s failed: %v", id, err)
		}
	}

	batch := j.NextBatch()
	if len(batch) != 3 {
		t.Fatalf("expected 3 eligible entries, got %d", len(batch))
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		if batch[i].EntityID != want {
			t.Fatalf("expected entity %s at position %d, got %s", want, i, batch[i].EntityID)
		}
	}
}

func TestMemoryJournalFailedEntryStaysEligible(t *testing.T) {
	j := NewMemoryJournal(10)
	e, err := j.Enqueue(Entry{Operation: OpUpdate, EntityType: entity.TypeCenter, EntityID: "c1"})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if e.ID == "" || e.Status != StatusPending {
		t.Fatalf("expected enqueued entry to get an id and pending status, got %+v", e)
	}

	if err := j.MarkSyncing(e.ID); err != nil {
		t.Fatalf("mark syncing failed: %v", err)
	}
	if got := len(j.NextBatch()); got != 0 {
		t.Fatalf("in-flight entry must not reappear in a batch, got %d entries", got)
	}

	if err := j.MarkFailed(e.ID, "server rejected payload"); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	batch := j.NextBatch()
	if len(batch) != 1 {
		t.Fatalf("failed entry must stay eligible, got %d entries", len(batch))
	}
	if batch[0].Attempts != 1 || batch[0].Error != "server rejected payload" {
		t.Fatalf("expected attempt count and error recorded, got %+v", batch[0])
	}

	if err := j.Complete(e.ID); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if j.Depth() != 0 {
		t.Fatalf("expected empty journal after complete, depth=%d", j.Depth())
	}
	if err := j.Complete(e.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound for double complete, got %v", err)
	}
}

func TestMemoryJournalCancelEntity(t *testing.T) {
	j := NewMemoryJournal(10)
	for _, op := range []Op{OpCreate, OpUpdate, OpUpdate} {
		if _, err := j.Enqueue(Entry{Operation: op, EntityType: entity.TypeStudent, EntityID: "s1"}); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}
	if _, err := j.Enqueue(Entry{Operation: OpUpdate, EntityType: entity.TypeStudent, EntityID: "s2"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if n := j.CancelEntity(entity.TypeStudent, "s1"); n != 3 {
		t.Fatalf("expected 3 cancelled entries, got %d", n)
	}
	batch := j.NextBatch()
	if len(batch) != 1 || batch[0].EntityID != "s2" {
		t.Fatalf("expected only the s2 entry to survive, got %+v", batch)
	}
	if n := j.CancelEntity(entity.TypeStudent, "missing"); n != 0 {
		t.Fatalf("expected 0 cancelled entries for unknown entity, got %d", n)
	}
}

func TestMemoryJournalCapacity(t *testing.T) {
	j := NewMemoryJournal(2)
	for i := 0; i < 2; i++ {
		if _, err := j.Enqueue(Entry{Operation: OpCreate, EntityType: entity.TypeCenter, EntityID: "c1"}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if _, err := j.Enqueue(Entry{Operation: OpCreate, EntityType: entity.TypeCenter, EntityID: "c1"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull at capacity, got %v", err)
	}
	if j.Capacity() != 2 || j.Depth() != 2 {
		t.Fatalf("expected capacity 2 depth 2, got capacity=%d depth=%d", j.Capacity(), j.Depth())
	}
}
