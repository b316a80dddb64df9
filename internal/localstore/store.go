// Package localstore provides the embedded SQLite store that holds the
// authoritative local view of every entity plus its sync status. It is the
// client-side half of the sync protocol: records live here while offline
// and carry a sync status column that the engine drives through the
// pending / synced / pending_delete machine.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zakari90/centersync/internal/entity"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

// Store wraps a SQLite database with one table per entity type. The
// database is safe for use from a single process; SQLite's WAL mode covers
// concurrent readers during writes.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the local database at path and ensures the
// schema exists. The caller must Close the store when done.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to checkpoint WAL: %v\n", err)
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initSchema creates one table per entity type plus the credential cache.
// Idempotent; safe to call on every open.
func (s *Store) initSchema(ctx context.Context) error {
	for _, typ := range entity.Types() {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			sync_status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %q ON %q(sync_status);
		`, string(typ), "idx_"+string(typ)+"_status", string(typ))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to initialize table %s: %w", typ, err)
		}
	}
	credDDL := `
	CREATE TABLE IF NOT EXISTS cached_credentials (
		email TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		password_hash TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		cached_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, credDDL); err != nil {
		return fmt.Errorf("failed to initialize credential cache: %w", err)
	}
	return nil
}

// Put upserts rec by id, overwriting any stored payload and status. A
// second local edit while a record is still pending lands here and simply
// replaces the pending snapshot (history coalesces).
func (s *Store) Put(ctx context.Context, rec entity.Record) error {
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	if err := entity.ValidatePayload(rec.Type, rec.Payload); err != nil {
		return err
	}
	query := fmt.Sprintf(`
	INSERT INTO %q (id, payload, sync_status, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at
	`, string(rec.Type))
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Payload),
		string(rec.SyncStatus),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", rec.Type, rec.ID, err)
	}
	return nil
}

// Get returns the record regardless of its sync status.
func (s *Store) Get(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	query := fmt.Sprintf(
		`SELECT id, payload, sync_status, created_at, updated_at FROM %q WHERE id = ?`,
		string(typ))
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id), typ)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Record{}, ErrNotFound
	}
	return rec, err
}

// List returns every visible record of typ in creation order. Records
// marked pending_delete are hidden: they are locally deleted and only kept
// until the server confirms.
func (s *Store) List(ctx context.Context, typ entity.Type) ([]entity.Record, error) {
	query := fmt.Sprintf(`
	SELECT id, payload, sync_status, created_at, updated_at
	FROM %q
	WHERE sync_status != ?
	ORDER BY created_at ASC, id ASC`, string(typ))
	return s.queryRecords(ctx, typ, query, string(entity.StatusPendingDelete))
}

// ListByStatus returns records of typ with the given status in creation
// order. The engine drains pending and pending_delete sets through this.
func (s *Store) ListByStatus(ctx context.Context, typ entity.Type, status entity.Status) ([]entity.Record, error) {
	query := fmt.Sprintf(`
	SELECT id, payload, sync_status, created_at, updated_at
	FROM %q
	WHERE sync_status = ?
	ORDER BY created_at ASC, id ASC`, string(typ))
	return s.queryRecords(ctx, typ, query, string(status))
}

// SetStatus moves a record to a new sync status, enforcing the state
// machine. Returns ErrNotFound if the record does not exist.
func (s *Store) SetStatus(ctx context.Context, typ entity.Type, id string, status entity.Status) error {
	rec, err := s.Get(ctx, typ, id)
	if err != nil {
		return err
	}
	if rec.SyncStatus == status {
		return nil
	}
	if err := entity.CheckTransition(rec.SyncStatus, status); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %q SET sync_status = ? WHERE id = ?`, string(typ))
	if _, err := s.db.ExecContext(ctx, query, string(status), id); err != nil {
		return fmt.Errorf("failed to set status on %s/%s: %w", typ, id, err)
	}
	return nil
}

// Delete physically removes the record. Idempotent.
func (s *Store) Delete(ctx context.Context, typ entity.Type, id string) error {
	query := fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, string(typ))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", typ, id, err)
	}
	return nil
}

// ApplyRemote merges one authoritative server record using last-write-wins:
// the local copy is overwritten only when the incoming UpdatedAt is strictly
// newer; equal timestamps keep the local copy. Records absent locally are
// inserted as synced. Returns true when the local store changed.
func (s *Store) ApplyRemote(ctx context.Context, rec entity.Record) (bool, error) {
	local, err := s.Get(ctx, rec.Type, rec.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err == nil && !rec.UpdatedAt.After(local.UpdatedAt) {
		return false, nil
	}
	rec.SyncStatus = entity.StatusSynced
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	if err := s.Put(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}

// CountByStatus reports how many records of typ sit in each status. Used
// by the agent's status/debug surface.
func (s *Store) CountByStatus(ctx context.Context, typ entity.Type) (map[entity.Status]int, error) {
	query := fmt.Sprintf(`SELECT sync_status, COUNT(*) FROM %q GROUP BY sync_status`, string(typ))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", typ, err)
	}
	defer rows.Close()
	counts := map[entity.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[entity.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *Store) queryRecords(ctx context.Context, typ entity.Type, query string, args ...any) ([]entity.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", typ, err)
	}
	defer rows.Close()

	var records []entity.Record
	for rows.Next() {
		rec, err := scanRecordRow(rows, typ)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", typ, err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner, typ entity.Type) (entity.Record, error) {
	return scanRecordRow(row, typ)
}

func scanRecordRow(row rowScanner, typ entity.Type) (entity.Record, error) {
	var rec entity.Record
	var payload, createdAt, updatedAt, status string
	if err := row.Scan(&rec.ID, &payload, &status, &createdAt, &updatedAt); err != nil {
		return entity.Record{}, err
	}
	rec.Type = typ
	rec.Payload = []byte(payload)
	rec.SyncStatus = entity.Status(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}
