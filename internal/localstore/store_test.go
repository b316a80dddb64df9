package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zakari90/centersync/internal/entity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func studentRecord(id string, status entity.Status, updated time.Time) entity.Record {
	return entity.Record{
		ID:         id,
		Type:       entity.TypeStudent,
		Payload:    json.RawMessage(`{"name":"Ali","grade":"G5","centerId":"c1"}`),
		SyncStatus: status,
		CreatedAt:  updated.Add(-time.Hour),
		UpdatedAt:  updated,
	}
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	updated := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Put(ctx, studentRecord("s1", entity.StatusPending, updated)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, err := s.Get(ctx, entity.TypeStudent, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.SyncStatus != entity.StatusPending || !got.UpdatedAt.Equal(updated) {
		t.Fatalf("round trip changed the record: %+v", got)
	}
	if _, err := s.Get(ctx, entity.TypeStudent, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestStoreListHidesPendingDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Put(ctx, studentRecord("s1", entity.StatusSynced, base)); err != nil {
		t.Fatalf("put s1 failed: %v", err)
	}
	if err := s.Put(ctx, studentRecord("s2", entity.StatusPendingDelete, base.Add(time.Minute))); err != nil {
		t.Fatalf("put s2 failed: %v", err)
	}
	if err := s.Put(ctx, studentRecord("s3", entity.StatusPending, base.Add(2*time.Minute))); err != nil {
		t.Fatalf("put s3 failed: %v", err)
	}

	visible, err := s.List(ctx, entity.TypeStudent)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(visible) != 2 || visible[0].ID != "s1" || visible[1].ID != "s3" {
		t.Fatalf("expected s1 and s3 visible in creation order, got %+v", visible)
	}

	deletes, err := s.ListByStatus(ctx, entity.TypeStudent, entity.StatusPendingDelete)
	if err != nil {
		t.Fatalf("list by status failed: %v", err)
	}
	if len(deletes) != 1 || deletes[0].ID != "s2" {
		t.Fatalf("expected only s2 in pending_delete, got %+v", deletes)
	}
}

func TestStoreSetStatusEnforcesTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	updated := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Put(ctx, studentRecord("s1", entity.StatusPending, updated)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.SetStatus(ctx, entity.TypeStudent, "s1", entity.StatusPendingDelete); !errors.Is(err, entity.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for pending -> pending_delete, got %v", err)
	}
	if err := s.SetStatus(ctx, entity.TypeStudent, "s1", entity.StatusSynced); err != nil {
		t.Fatalf("pending -> synced failed: %v", err)
	}
	if err := s.SetStatus(ctx, entity.TypeStudent, "s1", entity.StatusPendingDelete); err != nil {
		t.Fatalf("synced -> pending_delete failed: %v", err)
	}
	if err := s.SetStatus(ctx, entity.TypeStudent, "missing", entity.StatusSynced); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestStoreApplyRemoteLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	if err := s.Put(ctx, studentRecord("s1", entity.StatusSynced, base)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	older := studentRecord("s1", entity.StatusSynced, base.Add(-time.Minute))
	older.Payload = json.RawMessage(`{"name":"Stale","centerId":"c1"}`)
	changed, err := s.ApplyRemote(ctx, older)
	if err != nil {
		t.Fatalf("apply older remote failed: %v", err)
	}
	if changed {
		t.Fatalf("older remote copy must not overwrite the local record")
	}

	tie := studentRecord("s1", entity.StatusSynced, base)
	changed, err = s.ApplyRemote(ctx, tie)
	if err != nil {
		t.Fatalf("apply equal-timestamp remote failed: %v", err)
	}
	if changed {
		t.Fatalf("equal timestamps must keep the local copy")
	}

	newer := studentRecord("s1", entity.StatusSynced, base.Add(time.Minute))
	newer.Payload = json.RawMessage(`{"name":"Fresh","centerId":"c1"}`)
	changed, err = s.ApplyRemote(ctx, newer)
	if err != nil {
		t.Fatalf("apply newer remote failed: %v", err)
	}
	if !changed {
		t.Fatalf("strictly newer remote copy must win")
	}
	got, err := s.Get(ctx, entity.TypeStudent, "s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if payload["name"] != "Fresh" || got.SyncStatus != entity.StatusSynced {
		t.Fatalf("expected the newer server copy applied as synced, got %+v", got)
	}

	inserted, err := s.ApplyRemote(ctx, studentRecord("s9", entity.StatusSynced, base))
	if err != nil {
		t.Fatalf("apply remote insert failed: %v", err)
	}
	if !inserted {
		t.Fatalf("a record absent locally must be inserted")
	}
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, studentRecord("s1", entity.StatusSynced, time.Now().UTC())); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Delete(ctx, entity.TypeStudent, "s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete(ctx, entity.TypeStudent, "s1"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
	if _, err := s.Get(ctx, entity.TypeStudent, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStoreCountByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, status := range []entity.Status{entity.StatusPending, entity.StatusPending, entity.StatusSynced} {
		rec := studentRecord("s"+string(rune('1'+i)), status, base.Add(time.Duration(i)*time.Minute))
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put %d failed: %v", i, err)
		}
	}
	counts, err := s.CountByStatus(ctx, entity.TypeStudent)
	if err != nil {
		t.Fatalf("count by status failed: %v", err)
	}
	if counts[entity.StatusPending] != 2 || counts[entity.StatusSynced] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestCachedUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt failed: %v", err)
	}
	u := CachedUser{
		UserID:       "u1",
		Email:        "owner@example.com",
		Name:         "Owner",
		Role:         "owner",
		PasswordHash: string(hash),
		Token:        "tok-1",
		CachedAt:     time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := s.PutCachedUser(ctx, u); err != nil {
		t.Fatalf("put cached user failed: %v", err)
	}

	got, err := s.CachedUserByEmail(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("cached user lookup failed: %v", err)
	}
	if got.UserID != "u1" || got.Role != "owner" || got.Token != "tok-1" {
		t.Fatalf("round trip changed the cached user: %+v", got)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(got.PasswordHash), []byte("secret123")); err != nil {
		t.Fatalf("stored hash must verify the password: %v", err)
	}

	u.Token = "tok-2"
	if err := s.PutCachedUser(ctx, u); err != nil {
		t.Fatalf("refresh cached user failed: %v", err)
	}
	got, err = s.CachedUserByEmail(ctx, "owner@example.com")
	if err != nil {
		t.Fatalf("cached user lookup failed: %v", err)
	}
	if got.Token != "tok-2" {
		t.Fatalf("expected refreshed token, got %+v", got)
	}

	if _, err := s.CachedUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown email, got %v", err)
	}
}
