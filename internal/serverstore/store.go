// Package serverstore holds the authoritative server state: accounts and
// per-owner entity collections. The working set lives in memory behind a
// RWMutex and every mutation is snapshotted through a pluggable state
// backend, so restarts resume from the last committed write.
package serverstore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/zakari90/centersync/internal/entity"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrEmailTaken     = errors.New("email already registered")
	ErrBadCredentials = errors.New("invalid email or password")
	ErrNotImplemented = errors.New("not implemented")
)

// Account is a server-side login. Distinct from the "users" entity
// collection: accounts authenticate, entity records sync.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

type persistedState struct {
	Accounts map[string]Account                              `json:"accounts"`
	Records  map[string]map[entity.Type]map[string]entity.Record `json:"records"`
}

// StateBackend persists the full snapshot. Implementations must treat
// Save as atomic: a torn write may not be observed by a later Load.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type StoreOptions struct {
	// StateFile is a convenience for the JSON file backend; ignored when
	// StateBackend is set.
	StateFile    string
	StateBackend StateBackend
}

type Store struct {
	mu        sync.RWMutex
	accounts  map[string]Account // keyed by lowercased email
	records   map[string]map[entity.Type]map[string]entity.Record
	backend   StateBackend
	closeOnce sync.Once
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.StateBackend
	if backend == nil && strings.TrimSpace(opts.StateFile) != "" {
		backend = NewJSONFileStateBackend(opts.StateFile)
	}
	s := &Store{
		accounts: map[string]Account{},
		records:  map[string]map[entity.Type]map[string]entity.Record{},
		backend:  backend,
	}
	_ = s.loadFromBackend()
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if closer, ok := s.backend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (s *Store) loadFromBackend() error {
	if s.backend == nil {
		return nil
	}
	snapshot, err := s.backend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	if snapshot.Accounts != nil {
		s.accounts = snapshot.Accounts
	}
	if snapshot.Records != nil {
		s.records = snapshot.Records
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Save(&persistedState{
		Accounts: s.accounts,
		Records:  s.records,
	})
}

// CreateAccount registers a login with a bcrypt password hash.
func (s *Store) CreateAccount(email, name, role, password string) (Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Account{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[email]; exists {
		return Account{}, ErrEmailTaken
	}
	account := Account{
		ID:           entity.NewID(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		Role:         strings.TrimSpace(role),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	s.accounts[email] = account
	_ = s.saveLocked()
	return account, nil
}

// Authenticate verifies a password against the stored bcrypt hash. An
// unknown email and a wrong password return the same error.
func (s *Store) Authenticate(email, password string) (Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	account, ok := s.accounts[email]
	s.mu.RUnlock()
	if !ok {
		return Account{}, ErrBadCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return Account{}, ErrBadCredentials
	}
	return account, nil
}

// AccountByEmail exists so login responses can include the hash for the
// client's offline credential cache.
func (s *Store) AccountByEmail(email string) (Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[email]
	if !ok {
		return Account{}, ErrNotFound
	}
	return account, nil
}

// UpsertRecord inserts or replaces a record by its client-generated id.
// Redelivery is harmless: an incoming copy older than the stored one is
// accepted without effect, so a retried batch cannot roll a record back.
func (s *Store) UpsertRecord(ownerID string, rec entity.Record) error {
	if ownerID == "" || rec.ID == "" {
		return fmt.Errorf("%w: owner and record id are required", ErrInvalidInput)
	}
	if _, err := entity.ParseType(string(rec.Type)); err != nil {
		return err
	}
	if err := entity.ValidatePayload(rec.Type, rec.Payload); err != nil {
		return err
	}
	rec.SyncStatus = entity.StatusSynced
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	collection := s.ensureCollectionLocked(ownerID, rec.Type)
	if existing, ok := collection[rec.ID]; ok {
		// Only a strictly newer copy replaces the stored one; a tie keeps
		// it, so redelivering the same write is a no-op.
		if !rec.UpdatedAt.After(existing.UpdatedAt) {
			return nil
		}
		rec.CreatedAt = existing.CreatedAt
	}
	collection[rec.ID] = rec
	return s.saveLocked()
}

func (s *Store) GetRecord(ownerID string, typ entity.Type, id string) (entity.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owned, ok := s.records[ownerID]
	if !ok {
		return entity.Record{}, ErrNotFound
	}
	rec, ok := owned[typ][id]
	if !ok {
		return entity.Record{}, ErrNotFound
	}
	return rec, nil
}

// ListRecords returns the owner's collection ordered by creation time,
// id as the tiebreaker, so pagination and pulls are deterministic.
func (s *Store) ListRecords(ownerID string, typ entity.Type) []entity.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	collection := s.records[ownerID][typ]
	out := make([]entity.Record, 0, len(collection))
	for _, rec := range collection {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) DeleteRecord(ownerID string, typ entity.Type, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	collection := s.records[ownerID][typ]
	if _, ok := collection[id]; !ok {
		return ErrNotFound
	}
	delete(collection, id)
	return s.saveLocked()
}

// Stats summarizes stored state for the status page.
type Stats struct {
	Accounts int                 `json:"accounts"`
	Owners   int                 `json:"owners"`
	Records  map[entity.Type]int `json:"records"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{
		Accounts: len(s.accounts),
		Owners:   len(s.records),
		Records:  map[entity.Type]int{},
	}
	for _, owned := range s.records {
		for typ, collection := range owned {
			stats.Records[typ] += len(collection)
		}
	}
	return stats
}

func (s *Store) ensureCollectionLocked(ownerID string, typ entity.Type) map[string]entity.Record {
	owned, ok := s.records[ownerID]
	if !ok {
		owned = map[entity.Type]map[string]entity.Record{}
		s.records[ownerID] = owned
	}
	collection, ok := owned[typ]
	if !ok {
		collection = map[string]entity.Record{}
		owned[typ] = collection
	}
	return collection
}
