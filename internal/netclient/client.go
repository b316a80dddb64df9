// Package netclient wraps the remote API with a timeout-bounded HTTP
// client that classifies every failure as either a network error (the
// server was never reached) or an application error (the server answered
// and said no). The distinction is load-bearing: only network errors may
// trigger the offline-queuing fallback; an application error must surface
// to the caller so a rejected request is never silently retried.
package netclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zakari90/centersync/internal/entity"
)

// DefaultTimeout bounds every request; a hung connection surfaces as a
// NetworkError rather than blocking a sync pass.
const DefaultTimeout = 10 * time.Second

// NetworkError means the request never produced an HTTP response:
// timeout, refused connection, DNS failure, reset. The browser-world
// equivalent is a fetch rejection or status 0.
type NetworkError struct {
	Op  string
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError means the server was reached and explicitly rejected the
// request with an HTTP 4xx/5xx and a decoded error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// IsNetworkError reports whether err (anywhere in its chain) is a
// NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// Probe is a best-effort offline hint, the navigator.onLine analog. It is
// advisory only: callers must still attempt the network on login and treat
// only a classified NetworkError as proof of being offline.
type Probe interface {
	Online() bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func() bool

func (f ProbeFunc) Online() bool { return f() }

// AlwaysOnline is the default probe; it never suppresses a network attempt.
var AlwaysOnline Probe = ProbeFunc(func() bool { return true })

// Client talks to the centersync server. The zero credential is valid for
// login; every other call sends the bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

// SetToken replaces the bearer credential, e.g. after a fresh login.
func (c *Client) SetToken(token string) {
	c.token = strings.TrimSpace(token)
}

// CreateRecord pushes a new record. The server upserts by the
// client-supplied id, so redelivery after a crash is harmless.
func (c *Client) CreateRecord(ctx context.Context, rec entity.Record) error {
	body, err := entity.MarshalWire(rec)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/api/"+string(rec.Type), body, nil)
}

// UpdateRecord pushes changed fields for an existing record.
func (c *Client) UpdateRecord(ctx context.Context, rec entity.Record) error {
	body, err := entity.MarshalWire(rec)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/api/%s/%s", rec.Type, url.PathEscape(rec.ID))
	return c.doJSON(ctx, http.MethodPatch, path, body, nil)
}

// DeleteRecord removes a record server-side. A 404 counts as success:
// the goal state (record absent) already holds.
func (c *Client) DeleteRecord(ctx context.Context, typ entity.Type, id string) error {
	path := fmt.Sprintf("/api/%s/%s", typ, url.PathEscape(id))
	err := c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// GetRecord fetches one authoritative record.
func (c *Client) GetRecord(ctx context.Context, typ entity.Type, id string) (entity.Record, error) {
	path := fmt.Sprintf("/api/%s/%s", typ, url.PathEscape(id))
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return entity.Record{}, err
	}
	return entity.UnmarshalWire(typ, raw)
}

// ListRecords fetches the full authoritative collection for typ.
func (c *Client) ListRecords(ctx context.Context, typ entity.Type) ([]entity.Record, error) {
	var payload struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/"+string(typ), nil, &payload); err != nil {
		return nil, err
	}
	records := make([]entity.Record, 0, len(payload.Items))
	for _, raw := range payload.Items {
		rec, err := entity.UnmarshalWire(typ, raw)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// BatchRequest carries independent per-type arrays of wire records.
type BatchRequest struct {
	Entities map[string][]json.RawMessage `json:"entities"`
}

// BatchResult reports per-type outcomes; errors are human-readable and
// keyed by item id.
type BatchResult struct {
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors"`
}

type BatchResponse struct {
	Message string                 `json:"message"`
	Results map[string]BatchResult `json:"results"`
}

// BatchSync posts a heterogeneous batch to the reconciliation endpoint.
func (c *Client) BatchSync(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return BatchResponse{}, err
	}
	var out BatchResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/sync/batch", body, &out); err != nil {
		return BatchResponse{}, err
	}
	return out, nil
}

// LoginResponse is the successful authentication payload.
type LoginResponse struct {
	Token string `json:"token"`
	User  struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		Name         string `json:"name"`
		Role         string `json:"role"`
		PasswordHash string `json:"passwordHash"`
	} `json:"user"`
}

// Login authenticates against the server. Callers decide how to react to
// a NetworkError (offline fallback) versus an APIError (bad credentials).
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return LoginResponse{}, err
	}
	var out LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return LoginResponse{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// No HTTP response at all: timeout, refused, DNS, reset. This is
		// the only failure class allowed to trigger offline queuing.
		return &NetworkError{Op: method, URL: c.baseURL + requestPath, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return &NetworkError{Op: method, URL: c.baseURL + requestPath, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		return json.Unmarshal(payload, out)
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	if errPayload.Message == "" {
		errPayload.Message = strings.TrimSpace(string(payload))
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}
