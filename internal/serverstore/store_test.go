package serverstore

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/zakari90/centersync/internal/entity"
)

func TestCreateAccountAndAuthenticate(t *testing.T) {
	s := NewStore()
	defer s.Close()

	account, err := s.CreateAccount("Owner@Example.com", "Owner", "owner", "secret123")
	if err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	if account.ID == "" || account.Email != "owner@example.com" {
		t.Fatalf("expected a normalized account, got %+v", account)
	}
	if account.PasswordHash == "secret123" {
		t.Fatalf("password must not be stored in the clear")
	}

	if _, err := s.CreateAccount("owner@example.com", "Dup", "owner", "other"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken for a reused email, got %v", err)
	}
	if _, err := s.CreateAccount("", "NoEmail", "owner", "pw"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for an empty email, got %v", err)
	}

	got, err := s.Authenticate("owner@example.com", "secret123")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if got.ID != account.ID {
		t.Fatalf("expected the created account back, got %+v", got)
	}
	if _, err := s.Authenticate("owner@example.com", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials for a wrong password, got %v", err)
	}
	if _, err := s.Authenticate("nobody@example.com", "secret123"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("unknown email must fail the same way, got %v", err)
	}
}

func TestUpsertRecordKeepsNewerCopy(t *testing.T) {
	s := NewStore()
	defer s.Close()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	rec := entity.Record{
		ID:        "s1",
		Type:      entity.TypeStudent,
		Payload:   json.RawMessage(`{"name":"Ali","centerId":"c1"}`),
		CreatedAt: base,
		UpdatedAt: base,
	}
	if err := s.UpsertRecord("owner1", rec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	stale := rec
	stale.Payload = json.RawMessage(`{"name":"Old","centerId":"c1"}`)
	stale.UpdatedAt = base.Add(-time.Minute)
	if err := s.UpsertRecord("owner1", stale); err != nil {
		t.Fatalf("stale upsert must be accepted without effect, got %v", err)
	}
	got, err := s.GetRecord("owner1", entity.TypeStudent, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(got.Payload, &fields); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if fields["name"] != "Ali" {
		t.Fatalf("an older copy must not roll the record back, got %v", fields)
	}

	// A timestamp tie keeps the stored copy, so redelivering the same
	// write is a no-op.
	tie := rec
	tie.Payload = json.RawMessage(`{"name":"Tied","centerId":"c1"}`)
	if err := s.UpsertRecord("owner1", tie); err != nil {
		t.Fatalf("tied upsert must be accepted without effect, got %v", err)
	}
	got, _ = s.GetRecord("owner1", entity.TypeStudent, "s1")
	if err := json.Unmarshal(got.Payload, &fields); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if fields["name"] != "Ali" {
		t.Fatalf("an equal timestamp must keep the stored copy, got %v", fields)
	}

	fresh := rec
	fresh.Payload = json.RawMessage(`{"name":"New","centerId":"c1"}`)
	fresh.UpdatedAt = base.Add(time.Minute)
	fresh.CreatedAt = base.Add(time.Hour) // must be ignored on update
	if err := s.UpsertRecord("owner1", fresh); err != nil {
		t.Fatalf("newer upsert failed: %v", err)
	}
	got, _ = s.GetRecord("owner1", entity.TypeStudent, "s1")
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("updates must preserve the original createdAt, got %s", got.CreatedAt)
	}
	if got.SyncStatus != entity.StatusSynced {
		t.Fatalf("server records are always synced, got %q", got.SyncStatus)
	}
}

func TestRecordsAreScopedByOwner(t *testing.T) {
	s := NewStore()
	defer s.Close()
	now := time.Now().UTC()

	rec := entity.Record{
		ID: "s1", Type: entity.TypeStudent,
		Payload:   json.RawMessage(`{"name":"Ali","centerId":"c1"}`),
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.UpsertRecord("owner1", rec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	if _, err := s.GetRecord("owner2", entity.TypeStudent, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("another owner must not see the record, got %v", err)
	}
	if got := s.ListRecords("owner2", entity.TypeStudent); len(got) != 0 {
		t.Fatalf("expected an empty listing for another owner, got %+v", got)
	}
	if err := s.DeleteRecord("owner2", entity.TypeStudent, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("another owner must not delete the record, got %v", err)
	}
	if _, err := s.GetRecord("owner1", entity.TypeStudent, "s1"); err != nil {
		t.Fatalf("the record must survive the foreign delete attempt: %v", err)
	}
}

func TestListRecordsOrdered(t *testing.T) {
	s := NewStore()
	defer s.Close()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"s3", "s1", "s2"} {
		rec := entity.Record{
			ID: id, Type: entity.TypeStudent,
			Payload:   json.RawMessage(`{"name":"Ali","centerId":"c1"}`),
			CreatedAt: base.Add(time.Duration(2-i) * time.Minute),
		}
		rec.UpdatedAt = rec.CreatedAt
		if err := s.UpsertRecord("owner1", rec); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}
	got := s.ListRecords("owner1", entity.TypeStudent)
	if len(got) != 3 || got[0].ID != "s2" || got[1].ID != "s1" || got[2].ID != "s3" {
		t.Fatalf("expected creation order s2,s1,s3, got %+v", got)
	}
}

func TestStoreStatePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStoreWithOptions(StoreOptions{StateFile: path})

	if _, err := s.CreateAccount("owner@example.com", "Owner", "owner", "secret123"); err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	now := time.Now().UTC()
	if err := s.UpsertRecord("owner1", entity.Record{
		ID: "s1", Type: entity.TypeStudent,
		Payload:   json.RawMessage(`{"name":"Ali","centerId":"c1"}`),
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	s.Close()

	reopened := NewStoreWithOptions(StoreOptions{StateFile: path})
	defer reopened.Close()
	if _, err := reopened.Authenticate("owner@example.com", "secret123"); err != nil {
		t.Fatalf("account must survive reopen: %v", err)
	}
	if _, err := reopened.GetRecord("owner1", entity.TypeStudent, "s1"); err != nil {
		t.Fatalf("record must survive reopen: %v", err)
	}
}

func TestStats(t *testing.T) {
	s := NewStore()
	defer s.Close()

	if _, err := s.CreateAccount("owner@example.com", "Owner", "owner", "secret123"); err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	now := time.Now().UTC()
	for _, id := range []string{"s1", "s2"} {
		if err := s.UpsertRecord("owner1", entity.Record{
			ID: id, Type: entity.TypeStudent,
			Payload:   json.RawMessage(`{"name":"Ali","centerId":"c1"}`),
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("upsert %s failed: %v", id, err)
		}
	}

	stats := s.Stats()
	if stats.Accounts != 1 || stats.Owners != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Records[entity.TypeStudent] != 2 {
		t.Fatalf("expected 2 students in stats, got %+v", stats.Records)
	}
}
