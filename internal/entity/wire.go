package entity

import (
	"encoding/json"
	"time"
)

// Wire format: a record travels as a single flat JSON object carrying the
// client-supplied id, both timestamps, and the domain fields at the top
// level, e.g. {"id":"s1","name":"Ali","grade":"G5","updatedAt":"..."}.
// These helpers split and rebuild that shape around the Record envelope.

const (
	wireKeyID         = "id"
	wireKeyCreatedAt  = "createdAt"
	wireKeyUpdatedAt  = "updatedAt"
	wireKeySyncStatus = "syncStatus"
)

// MarshalWire flattens rec into its wire object.
func MarshalWire(rec Record) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(rec.Payload) > 0 {
		if err := json.Unmarshal(rec.Payload, &fields); err != nil {
			return nil, &ValidationError{Type: rec.Type, Reason: err.Error()}
		}
	}
	fields[wireKeyID] = rec.ID
	if !rec.CreatedAt.IsZero() {
		fields[wireKeyCreatedAt] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !rec.UpdatedAt.IsZero() {
		fields[wireKeyUpdatedAt] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(fields)
}

// UnmarshalWire splits a wire object back into a Record envelope and
// validates the remaining domain fields against the payload schema for typ.
// The id must be present and non-empty; timestamps are optional (a missing
// updatedAt is treated as the zero time and loses every conflict).
func UnmarshalWire(typ Type, raw json.RawMessage) (Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Record{}, &ValidationError{Type: typ, Reason: "not a JSON object: " + err.Error()}
	}
	id, _ := fields[wireKeyID].(string)
	if id == "" {
		return Record{}, &ValidationError{Type: typ, Reason: "missing id"}
	}
	rec := Record{ID: id, Type: typ}
	if ts, ok := fields[wireKeyCreatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.CreatedAt = t
		}
	}
	if ts, ok := fields[wireKeyUpdatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			rec.UpdatedAt = t
		}
	}
	delete(fields, wireKeyID)
	delete(fields, wireKeyCreatedAt)
	delete(fields, wireKeyUpdatedAt)
	delete(fields, wireKeySyncStatus)

	payload, err := json.Marshal(fields)
	if err != nil {
		return Record{}, &ValidationError{Type: typ, Reason: err.Error()}
	}
	if err := ValidatePayload(typ, payload); err != nil {
		return Record{}, err
	}
	rec.Payload = payload
	return rec, nil
}

// MergeWire overlays the fields of a partial wire object onto an existing
// record, so PATCH bodies only need the fields that changed. Bookkeeping
// keys in the patch are ignored except updatedAt, which, when absent,
// defaults to now so the merged record wins against the pre-patch version.
func MergeWire(existing Record, patch json.RawMessage) (Record, error) {
	var fields map[string]any
	if err := json.Unmarshal(patch, &fields); err != nil {
		return Record{}, &ValidationError{Type: existing.Type, Reason: "not a JSON object: " + err.Error()}
	}
	merged := map[string]any{}
	if len(existing.Payload) > 0 {
		if err := json.Unmarshal(existing.Payload, &merged); err != nil {
			return Record{}, &ValidationError{Type: existing.Type, Reason: err.Error()}
		}
	}
	updatedAt := time.Now().UTC()
	if ts, ok := fields[wireKeyUpdatedAt].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			updatedAt = t
		}
	}
	delete(fields, wireKeyID)
	delete(fields, wireKeyCreatedAt)
	delete(fields, wireKeyUpdatedAt)
	delete(fields, wireKeySyncStatus)
	for key, value := range fields {
		merged[key] = value
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return Record{}, &ValidationError{Type: existing.Type, Reason: err.Error()}
	}
	if err := ValidatePayload(existing.Type, payload); err != nil {
		return Record{}, err
	}
	existing.Payload = payload
	existing.UpdatedAt = updatedAt
	return existing, nil
}
