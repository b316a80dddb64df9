// Package httpapi is the server's HTTP surface: authentication, per-entity
// CRUD, the batch sync endpoint, and the websocket notification feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zakari90/centersync/internal/entity"
	"github.com/zakari90/centersync/internal/serverstore"
)

type ServerConfig struct {
	JWTSecret       string
	TokenTTL        time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *serverstore.Store
	hub         *Hub
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *serverstore.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *serverstore.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		store:       store,
		hub:         NewHub(),
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

// Hub exposes the notification hub so the binary can push announcements
// such as app updates.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" && r.Method == http.MethodGet {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	// Unauthenticated routes.
	if parts[1] == "auth" {
		switch {
		case len(parts) == 3 && parts[2] == "login" && r.Method == http.MethodPost:
			s.handleLogin(w, r, correlationID)
		case len(parts) == 3 && parts[2] == "register" && r.Method == http.MethodPost:
			s.handleRegister(w, r, correlationID)
		default:
			writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		}
		return
	}

	claims, authErr := s.authorize(r)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.AccountID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch {
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "batch" && r.Method == http.MethodPost:
		s.handleBatchSync(w, r, claims, correlationID)
	case len(parts) == 3 && parts[1] == "notifications" && parts[2] == "ws" && r.Method == http.MethodGet:
		s.handleNotificationsWS(w, r, claims)
	case len(parts) == 2:
		s.handleCollection(w, r, claims, parts[1], correlationID)
	case len(parts) == 3:
		s.handleItem(w, r, claims, parts[1], parts[2], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// authorize accepts the bearer header or, for websocket clients that
// cannot set headers, a token query parameter.
func (s *Server) authorize(r *http.Request) (tokenClaims, *authError) {
	now := time.Now().UTC()
	if header := r.Header.Get("Authorization"); header != "" {
		return authorizeBearer(header, s.cfg.JWTSecret, now)
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return parseToken(token, s.cfg.JWTSecret, now)
	}
	return tokenClaims{}, &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	account, err := s.store.Authenticate(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password", correlationID)
		return
	}
	token, err := signToken(s.cfg.JWTSecret, account.ID, account.Email, account.Role, s.cfg.TokenTTL, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	// The hash travels back so the client can cache it for offline login.
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]string{
			"id":           account.ID,
			"email":        account.Email,
			"name":         account.Name,
			"role":         account.Role,
			"passwordHash": account.PasswordHash,
		},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Role     string `json:"role"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	account, err := s.store.CreateAccount(req.Email, req.Name, req.Role, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, serverstore.ErrEmailTaken):
			writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
		case errors.Is(err, serverstore.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    account.ID,
		"email": account.Email,
		"name":  account.Name,
		"role":  account.Role,
	})
}

func (s *Server) handleBatchSync(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	var req struct {
		Entities map[string][]json.RawMessage `json:"entities"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	results, err := s.store.BatchUpsert(claims.AccountID, req.Entities)
	if err != nil {
		var fatal *serverstore.FatalRequestError
		if errors.As(err, &fatal) {
			writeError(w, http.StatusBadRequest, "bad_request", fatal.Reason, correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	applied := 0
	for _, result := range results {
		applied += result.Success
	}
	if applied > 0 {
		s.hub.BroadcastSync(claims.AccountID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Batch sync completed",
		"results": results,
	})
}

func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, claims tokenClaims, collection, correlationID string) {
	typ, err := entity.ParseType(collection)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity collection", correlationID)
		return
	}
	switch r.Method {
	case http.MethodGet:
		records := s.store.ListRecords(claims.AccountID, typ)
		items := make([]json.RawMessage, 0, len(records))
		for _, rec := range records {
			wire, err := entity.MarshalWire(rec)
			if err != nil {
				continue
			}
			items = append(items, wire)
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		body, ok := s.readRequestBody(w, r, correlationID)
		if !ok {
			return
		}
		raw, ok := s.ensureWireID(w, body, correlationID)
		if !ok {
			return
		}
		rec, err := entity.UnmarshalWire(typ, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		if err := s.store.UpsertRecord(claims.AccountID, rec); err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		s.hub.BroadcastSync(claims.AccountID)
		stored, err := s.store.GetRecord(claims.AccountID, typ, rec.ID)
		if err != nil {
			stored = rec
		}
		wire, _ := entity.MarshalWire(stored)
		writeJSON(w, http.StatusCreated, wire)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request, claims tokenClaims, collection, id, correlationID string) {
	typ, err := entity.ParseType(collection)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "unknown entity collection", correlationID)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.store.GetRecord(claims.AccountID, typ, id)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
			return
		}
		wire, _ := entity.MarshalWire(rec)
		writeJSON(w, http.StatusOK, wire)
	case http.MethodPatch, http.MethodPut:
		s.handleItemUpdate(w, r, claims, typ, id, correlationID)
	case http.MethodDelete:
		if err := s.store.DeleteRecord(claims.AccountID, typ, id); err != nil {
			writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
			return
		}
		s.hub.BroadcastSync(claims.AccountID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", correlationID)
	}
}

// handleItemUpdate overlays the request fields onto the stored payload so
// a PATCH with a partial body does not blank missing fields.
func (s *Server) handleItemUpdate(w http.ResponseWriter, r *http.Request, claims tokenClaims, typ entity.Type, id, correlationID string) {
	existing, err := s.store.GetRecord(claims.AccountID, typ, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	merged, err := entity.MergeWire(existing, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := s.store.UpsertRecord(claims.AccountID, merged); err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	s.hub.BroadcastSync(claims.AccountID)
	stored, err := s.store.GetRecord(claims.AccountID, typ, id)
	if err != nil {
		stored = merged
	}
	wire, _ := entity.MarshalWire(stored)
	writeJSON(w, http.StatusOK, wire)
}

// ensureWireID injects a fresh id into a create body that lacks one, for
// plain REST consumers that do not generate ids client-side.
func (s *Server) ensureWireID(w http.ResponseWriter, body []byte, correlationID string) (json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return nil, false
	}
	if raw, ok := fields["id"]; ok {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil && strings.TrimSpace(id) != "" {
			return body, true
		}
	}
	encoded, err := json.Marshal(entity.NewID())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return nil, false
	}
	fields["id"] = encoded
	patched, err := json.Marshal(fields)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return nil, false
	}
	return patched, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var validationErr *entity.ValidationError
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "bad_request", validationErr.Error(), correlationID)
	case errors.Is(err, serverstore.ErrInvalidInput), errors.Is(err, entity.ErrUnknownType):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, serverstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
