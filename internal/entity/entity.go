// Package entity defines the syncable record model shared by the client
// engine and the server: the fixed set of entity types, their typed
// payloads, the per-record sync status state machine, and payload
// validation at the sync boundary.
package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownType      = errors.New("unknown entity type")
	ErrInvalidTransition = errors.New("invalid sync status transition")
)

// Type identifies one of the fixed entity kinds moved through the sync
// protocol. The wire names double as collection keys in the batch request.
type Type string

const (
	TypeUser           Type = "users"
	TypeCenter         Type = "centers"
	TypeTeacher        Type = "teachers"
	TypeStudent        Type = "students"
	TypeSubject        Type = "subjects"
	TypeTeacherSubject Type = "teacher_subjects"
	TypeStudentSubject Type = "student_subjects"
	TypeReceipt        Type = "receipts"
	TypeSchedule       Type = "schedules"
)

// Types lists every entity type in a stable order. Batch processing and
// table creation iterate this slice so output ordering is deterministic.
func Types() []Type {
	return []Type{
		TypeUser,
		TypeCenter,
		TypeTeacher,
		TypeStudent,
		TypeSubject,
		TypeTeacherSubject,
		TypeStudentSubject,
		TypeReceipt,
		TypeSchedule,
	}
}

// ParseType validates a wire name against the known entity types.
func ParseType(raw string) (Type, error) {
	typ := Type(raw)
	for _, known := range Types() {
		if typ == known {
			return typ, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
}

// Status is the per-record sync status.
type Status string

const (
	// StatusPending marks a create/update awaiting first successful
	// transmission to the server.
	StatusPending Status = "pending"
	// StatusSynced marks a record whose exact version the server holds.
	StatusSynced Status = "synced"
	// StatusPendingDelete marks a locally deleted record whose server copy
	// has not yet been removed.
	StatusPendingDelete Status = "pending_delete"
)

// CanTransition reports whether the status machine permits from -> to.
// The empty status stands for a record that does not exist yet; removal is
// modeled by the store deleting the row, not by a status value.
func CanTransition(from, to Status) bool {
	switch from {
	case "":
		return to == StatusPending || to == StatusSynced
	case StatusPending:
		return to == StatusSynced
	case StatusSynced:
		// A local edit re-dirties the record; a local delete parks it until
		// the server copy is removed.
		return to == StatusPending || to == StatusPendingDelete
	default:
		return false
	}
}

// CheckTransition is CanTransition with a typed error for callers that
// want to surface the rejected pair.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// Record is the syncable envelope stored locally for every entity. ID is
// client-generated at creation time and stable across the offline/online
// boundary; UpdatedAt is the sole input to conflict resolution.
type Record struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	SyncStatus Status          `json:"syncStatus"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewID returns a fresh client-generated record identifier.
func NewID() string {
	return uuid.NewString()
}

// User is an account payload. PasswordHash is a bcrypt hash; it travels to
// the client cache so offline login can verify credentials locally.
type User struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"passwordHash,omitempty"`
	Role         string `json:"role"`
}

// Center is an education center managed by one admin account.
type Center struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

type Teacher struct {
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	CenterID string `json:"centerId"`
}

type Student struct {
	Name     string `json:"name"`
	Grade    string `json:"grade,omitempty"`
	Phone    string `json:"phone,omitempty"`
	CenterID string `json:"centerId"`
}

type Subject struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	CenterID string  `json:"centerId"`
}

// TeacherSubject links a teacher to a subject they teach, with the revenue
// percentage the teacher keeps.
type TeacherSubject struct {
	TeacherID  string  `json:"teacherId"`
	SubjectID  string  `json:"subjectId"`
	Percentage float64 `json:"percentage,omitempty"`
}

// StudentSubject enrolls a student in a subject.
type StudentSubject struct {
	StudentID string `json:"studentId"`
	SubjectID string `json:"subjectId"`
}

type Receipt struct {
	StudentID string  `json:"studentId"`
	Amount    float64 `json:"amount"`
	Month     string  `json:"month"`
	Paid      bool    `json:"paid"`
}

type Schedule struct {
	TeacherID string `json:"teacherId"`
	SubjectID string `json:"subjectId"`
	Day       string `json:"day"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// DecodePayload decodes raw into the typed payload for typ. The shape is
// schema-validated first, so a malformed payload is rejected with a
// *ValidationError instead of propagating into the store or onto the wire.
func DecodePayload(typ Type, raw json.RawMessage) (any, error) {
	if err := ValidatePayload(typ, raw); err != nil {
		return nil, err
	}
	var out any
	switch typ {
	case TypeUser:
		out = &User{}
	case TypeCenter:
		out = &Center{}
	case TypeTeacher:
		out = &Teacher{}
	case TypeStudent:
		out = &Student{}
	case TypeSubject:
		out = &Subject{}
	case TypeTeacherSubject:
		out = &TeacherSubject{}
	case TypeStudentSubject:
		out = &StudentSubject{}
	case TypeReceipt:
		out = &Receipt{}
	case TypeSchedule:
		out = &Schedule{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, &ValidationError{Type: typ, Reason: err.Error()}
	}
	return out, nil
}
