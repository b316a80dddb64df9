package serverstore

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zakari90/centersync/internal/entity"
)

// FatalRequestError rejects a whole batch before any item is applied:
// the request shape itself is wrong, so per-item results would mislead.
type FatalRequestError struct {
	Reason string
}

func (e *FatalRequestError) Error() string { return e.Reason }

// BatchResult is the per-collection outcome of a batch sync.
type BatchResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

// BatchUpsert applies a heterogeneous batch for one owner. Item failures
// are isolated: a record that fails validation counts against its
// collection and the rest of the batch still lands. Only a malformed
// request envelope aborts with *FatalRequestError.
func (s *Store) BatchUpsert(ownerID string, entities map[string][]json.RawMessage) (map[string]BatchResult, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if entities == nil {
		return nil, &FatalRequestError{Reason: "entities object is required"}
	}

	// Apply in the canonical type order, then unknown keys, so results and
	// referential inserts (centers before students) are deterministic.
	keys := make([]string, 0, len(entities))
	for key := range entities {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		left, right := typeOrder(keys[i]), typeOrder(keys[j])
		if left == right {
			return keys[i] < keys[j]
		}
		return left < right
	})

	results := make(map[string]BatchResult, len(entities))
	for _, key := range keys {
		items := entities[key]
		result := BatchResult{Errors: []string{}}
		typ, err := entity.ParseType(key)
		if err != nil {
			result.Failed = len(items)
			result.Errors = append(result.Errors, fmt.Sprintf("unknown entity collection %q", key))
			results[key] = result
			continue
		}
		for i, raw := range items {
			rec, err := entity.UnmarshalWire(typ, raw)
			if err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("item %d: %v", i, err))
				continue
			}
			if err := s.UpsertRecord(ownerID, rec); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.ID, err))
				continue
			}
			result.Success++
		}
		results[key] = result
	}
	return results, nil
}

func typeOrder(key string) int {
	for i, typ := range entity.Types() {
		if string(typ) == key {
			return i
		}
	}
	return len(entity.Types())
}
