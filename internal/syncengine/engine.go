// Package syncengine drives the offline-first reconciliation loop: every
// mutation goes to the network first, falls back to the local replica plus
// the journal when the server is unreachable, and a sync pass later
// replays the journal and merges the authoritative state back in.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zakari90/centersync/internal/entity"
	"github.com/zakari90/centersync/internal/netclient"
	"github.com/zakari90/centersync/internal/oplog"
)

var ErrNoLocalRecord = errors.New("record not found locally")

// LocalStore is the replica the engine reads and writes between syncs.
type LocalStore interface {
	Put(ctx context.Context, rec entity.Record) error
	Get(ctx context.Context, typ entity.Type, id string) (entity.Record, error)
	List(ctx context.Context, typ entity.Type) ([]entity.Record, error)
	ListByStatus(ctx context.Context, typ entity.Type, status entity.Status) ([]entity.Record, error)
	SetStatus(ctx context.Context, typ entity.Type, id string, status entity.Status) error
	Delete(ctx context.Context, typ entity.Type, id string) error
	ApplyRemote(ctx context.Context, rec entity.Record) (bool, error)
}

// APIClient is the slice of the remote API the engine needs.
type APIClient interface {
	CreateRecord(ctx context.Context, rec entity.Record) error
	UpdateRecord(ctx context.Context, rec entity.Record) error
	DeleteRecord(ctx context.Context, typ entity.Type, id string) error
	ListRecords(ctx context.Context, typ entity.Type) ([]entity.Record, error)
	Login(ctx context.Context, email, password string) (netclient.LoginResponse, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store       LocalStore
	Journal     oplog.Journal
	Client      APIClient
	Credentials CredentialStore
	Probe       netclient.Probe
	Logger      Logger
	Now         func() time.Time
}

// Engine owns the local replica, the journal, and the API client. All
// methods are safe for concurrent use; at most one sync pass runs at a
// time.
type Engine struct {
	store       LocalStore
	journal     oplog.Journal
	client      APIClient
	credentials CredentialStore
	probe       netclient.Probe
	logger      Logger
	now         func() time.Time
	syncing     atomic.Bool
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Journal == nil {
		return nil, fmt.Errorf("journal is required")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	probe := opts.Probe
	if probe == nil {
		probe = netclient.AlwaysOnline
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:       opts.Store,
		journal:     opts.Journal,
		client:      opts.Client,
		credentials: opts.Credentials,
		probe:       probe,
		logger:      opts.Logger,
		now:         now,
	}, nil
}

// Create makes a new record with a client-generated id, network first.
// When the server is unreachable the record lands locally as pending and a
// create entry joins the journal; an application rejection surfaces to the
// caller and nothing is stored.
func (e *Engine) Create(ctx context.Context, typ entity.Type, payload json.RawMessage) (entity.Record, error) {
	if err := entity.ValidatePayload(typ, payload); err != nil {
		return entity.Record{}, err
	}
	now := e.now().UTC()
	rec := entity.Record{
		ID:         entity.NewID(),
		Type:       typ,
		Payload:    payload,
		SyncStatus: entity.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err := e.client.CreateRecord(ctx, rec)
	switch {
	case err == nil:
		rec.SyncStatus = entity.StatusSynced
	case netclient.IsNetworkError(err):
		e.logf("create %s/%s queued offline: %v", typ, rec.ID, err)
		if _, jerr := e.journal.Enqueue(oplog.Entry{
			Operation:  oplog.OpCreate,
			EntityType: typ,
			EntityID:   rec.ID,
			Payload:    payload,
		}); jerr != nil {
			return entity.Record{}, jerr
		}
	default:
		return entity.Record{}, err
	}
	if err := e.store.Put(ctx, rec); err != nil {
		return entity.Record{}, err
	}
	return rec, nil
}

// Update replaces the payload of an existing record. Offline, the record
// re-enters pending and an update entry is journaled behind any earlier
// entries for the same id.
func (e *Engine) Update(ctx context.Context, typ entity.Type, id string, payload json.RawMessage) (entity.Record, error) {
	if err := entity.ValidatePayload(typ, payload); err != nil {
		return entity.Record{}, err
	}
	rec, err := e.store.Get(ctx, typ, id)
	if err != nil {
		return entity.Record{}, fmt.Errorf("%w: %s/%s", ErrNoLocalRecord, typ, id)
	}
	rec.Payload = payload
	rec.UpdatedAt = e.now().UTC()

	err = e.client.UpdateRecord(ctx, rec)
	switch {
	case err == nil:
		rec.SyncStatus = entity.StatusSynced
	case netclient.IsNetworkError(err):
		e.logf("update %s/%s queued offline: %v", typ, id, err)
		rec.SyncStatus = entity.StatusPending
		if _, jerr := e.journal.Enqueue(oplog.Entry{
			Operation:  oplog.OpUpdate,
			EntityType: typ,
			EntityID:   id,
			Payload:    payload,
		}); jerr != nil {
			return entity.Record{}, jerr
		}
	default:
		return entity.Record{}, err
	}
	if err := e.store.Put(ctx, rec); err != nil {
		return entity.Record{}, err
	}
	return rec, nil
}

// Delete removes a record. A record the server has never seen is dropped
// locally along with its queued mutations; a synced record is deleted
// server-side first, or parked as pending_delete when offline.
func (e *Engine) Delete(ctx context.Context, typ entity.Type, id string) error {
	rec, err := e.store.Get(ctx, typ, id)
	if err != nil {
		return fmt.Errorf("%w: %s/%s", ErrNoLocalRecord, typ, id)
	}
	if rec.SyncStatus == entity.StatusPending {
		// Never reached the server; cancel the queued create/update so the
		// record does not materialize remotely after the fact.
		dropped := e.journal.CancelEntity(typ, id)
		if dropped > 0 {
			e.logf("delete %s/%s cancelled %d queued mutation(s)", typ, id, dropped)
		}
		return e.store.Delete(ctx, typ, id)
	}
	if rec.SyncStatus == entity.StatusPendingDelete {
		// Delete already requested and journaled; the queued server delete
		// still runs on the next pass. Just drop the local copy now.
		return e.store.Delete(ctx, typ, id)
	}

	err = e.client.DeleteRecord(ctx, typ, id)
	switch {
	case err == nil:
		return e.store.Delete(ctx, typ, id)
	case netclient.IsNetworkError(err):
		e.logf("delete %s/%s queued offline: %v", typ, id, err)
		if serr := e.store.SetStatus(ctx, typ, id, entity.StatusPendingDelete); serr != nil {
			return serr
		}
		_, jerr := e.journal.Enqueue(oplog.Entry{
			Operation:  oplog.OpDelete,
			EntityType: typ,
			EntityID:   id,
		})
		return jerr
	default:
		return err
	}
}

// Result summarizes one sync pass.
type Result struct {
	Synced         int
	Failed         int
	Deleted        int
	Pulled         int
	Errors         []string
	AlreadyRunning bool
	Offline        bool
}

// SyncAll runs one push pass: journal drain, pending sweep, delete sweep.
// It is a no-op returning AlreadyRunning when a pass is in flight, and
// idempotent otherwise: with nothing queued or dirty it touches the
// network zero times. Pulling authoritative state is a separate trigger,
// see Pull.
func (e *Engine) SyncAll(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{AlreadyRunning: true}, nil
	}
	defer e.syncing.Store(false)

	var res Result
	if !e.probe.Online() {
		// Advisory only; a stale probe must not block delivery, so an
		// offline hint still costs us one cheap attempt below.
		e.logf("probe reports offline; attempting anyway")
	}

	if offline := e.drainJournal(ctx, &res); offline {
		res.Offline = true
		return res, nil
	}
	if offline := e.pushPending(ctx, &res); offline {
		res.Offline = true
		return res, nil
	}
	if offline := e.pushDeletes(ctx, &res); offline {
		res.Offline = true
		return res, nil
	}
	return res, nil
}

// Pull merges the authoritative server state into the replica without
// pushing first. Triggered on its own: after login for the initial
// bootstrap, and when the server announces new data.
func (e *Engine) Pull(ctx context.Context) (Result, error) {
	if !e.syncing.CompareAndSwap(false, true) {
		return Result{AlreadyRunning: true}, nil
	}
	defer e.syncing.Store(false)

	var res Result
	if offline := e.pull(ctx, &res); offline {
		res.Offline = true
	}
	return res, nil
}

// Syncing reports whether a pass is currently running.
func (e *Engine) Syncing() bool { return e.syncing.Load() }

// drainJournal replays queued mutations oldest first. A network failure
// aborts the pass (the server is unreachable, later entries would fail the
// same way); an application rejection marks the entry failed and moves on.
func (e *Engine) drainJournal(ctx context.Context, res *Result) (offline bool) {
	for _, entry := range e.journal.NextBatch() {
		if err := e.journal.MarkSyncing(entry.ID); err != nil {
			continue
		}
		err := e.replayEntry(ctx, entry)
		switch {
		case err == nil:
			_ = e.journal.Complete(entry.ID)
			res.Synced++
		case netclient.IsNetworkError(err):
			_ = e.journal.MarkFailed(entry.ID, err.Error())
			e.logf("sync pass aborted, server unreachable: %v", err)
			return true
		default:
			_ = e.journal.MarkFailed(entry.ID, err.Error())
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s/%s: %v", entry.Operation, entry.EntityType, entry.EntityID, err))
		}
	}
	return false
}

func (e *Engine) replayEntry(ctx context.Context, entry oplog.Entry) error {
	switch entry.Operation {
	case oplog.OpCreate, oplog.OpUpdate:
		rec, err := e.store.Get(ctx, entry.EntityType, entry.EntityID)
		if err != nil {
			// Deleted locally after being queued; nothing to deliver.
			return nil
		}
		// Push the current local version, not the enqueue-time snapshot, so
		// several queued edits collapse into one delivery of the latest.
		if err := e.client.CreateRecord(ctx, rec); err != nil {
			return err
		}
		rec.SyncStatus = entity.StatusSynced
		return e.store.Put(ctx, rec)
	case oplog.OpDelete:
		if err := e.client.DeleteRecord(ctx, entry.EntityType, entry.EntityID); err != nil {
			return err
		}
		return e.store.Delete(ctx, entry.EntityType, entry.EntityID)
	default:
		return fmt.Errorf("unknown journal operation %q", entry.Operation)
	}
}

// pushPending sweeps records still marked pending after the journal
// drain. These exist when the journal was lost or truncated; the status
// column is the source of truth, the journal only preserves ordering.
func (e *Engine) pushPending(ctx context.Context, res *Result) (offline bool) {
	for _, typ := range entity.Types() {
		records, err := e.store.ListByStatus(ctx, typ, entity.StatusPending)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("list pending %s: %v", typ, err))
			continue
		}
		for _, rec := range records {
			err := e.client.CreateRecord(ctx, rec)
			switch {
			case err == nil:
				rec.SyncStatus = entity.StatusSynced
				if perr := e.store.Put(ctx, rec); perr != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("mark synced %s/%s: %v", typ, rec.ID, perr))
					continue
				}
				res.Synced++
			case netclient.IsNetworkError(err):
				return true
			default:
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("push %s/%s: %v", typ, rec.ID, err))
			}
		}
	}
	return false
}

func (e *Engine) pushDeletes(ctx context.Context, res *Result) (offline bool) {
	for _, typ := range entity.Types() {
		records, err := e.store.ListByStatus(ctx, typ, entity.StatusPendingDelete)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("list pending_delete %s: %v", typ, err))
			continue
		}
		for _, rec := range records {
			err := e.client.DeleteRecord(ctx, typ, rec.ID)
			switch {
			case err == nil:
				if derr := e.store.Delete(ctx, typ, rec.ID); derr != nil {
					res.Errors = append(res.Errors, fmt.Sprintf("drop %s/%s: %v", typ, rec.ID, derr))
					continue
				}
				res.Deleted++
			case netclient.IsNetworkError(err):
				return true
			default:
				res.Failed++
				res.Errors = append(res.Errors, fmt.Sprintf("delete %s/%s: %v", typ, rec.ID, err))
			}
		}
	}
	return false
}

// pull merges the server collections into the replica. The server wins
// only with a strictly newer updatedAt; on a tie the local copy stays.
// Synced records absent from the server were deleted elsewhere and are
// dropped; pending and pending_delete records are local intent and are
// left alone. A rejected collection is recorded and skipped; only an
// unreachable server ends the pass.
func (e *Engine) pull(ctx context.Context, res *Result) (offline bool) {
	for _, typ := range entity.Types() {
		remote, err := e.client.ListRecords(ctx, typ)
		if netclient.IsNetworkError(err) {
			return true
		}
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("pull %s: %v", typ, err))
			continue
		}
		seen := make(map[string]struct{}, len(remote))
		for _, rec := range remote {
			seen[rec.ID] = struct{}{}
			changed, err := e.store.ApplyRemote(ctx, rec)
			if err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("apply %s/%s: %v", typ, rec.ID, err))
				continue
			}
			if changed {
				res.Pulled++
			}
		}
		local, err := e.store.ListByStatus(ctx, typ, entity.StatusSynced)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("list synced %s: %v", typ, err))
			continue
		}
		for _, rec := range local {
			if _, ok := seen[rec.ID]; ok {
				continue
			}
			if err := e.store.Delete(ctx, typ, rec.ID); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("prune %s/%s: %v", typ, rec.ID, err))
				continue
			}
			res.Deleted++
		}
	}
	return false
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
