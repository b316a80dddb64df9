package netclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/zakari90/centersync/internal/entity"
)

func TestClientClassifiesApplicationErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":"invalid_credentials","message":"email or password is incorrect"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	_, err := c.Login(context.Background(), "owner@example.com", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError from a 401 response, got %v", err)
	}
	if apiErr.StatusCode != http.StatusUnauthorized || apiErr.Code != "invalid_credentials" {
		t.Fatalf("unexpected decoded error: %+v", apiErr)
	}
	if IsNetworkError(err) {
		t.Fatalf("a server rejection must never classify as a network error")
	}
}

func TestClientClassifiesNetworkErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c := NewClient(srv.URL, "tok", &http.Client{Timeout: 500 * time.Millisecond})
	err := c.CreateRecord(context.Background(), entity.Record{
		ID:      "s1",
		Type:    entity.TypeStudent,
		Payload: json.RawMessage(`{"name":"Ali","centerId":"c1"}`),
	})
	if !IsNetworkError(err) {
		t.Fatalf("expected NetworkError for an unreachable server, got %v", err)
	}
	var netErr *NetworkError
	if !errors.As(err, &netErr) || netErr.Op != http.MethodPost {
		t.Fatalf("expected POST network error details, got %+v", netErr)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"items":[]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", nil)
	c.SetToken("session-token")
	if _, err := c.ListRecords(context.Background(), entity.TypeCenter); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if gotAuth != "Bearer session-token" {
		t.Fatalf("expected bearer token header, got %q", gotAuth)
	}
}

func TestClientDeleteTreatsNotFoundAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"no such record"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	if err := c.DeleteRecord(context.Background(), entity.TypeStudent, "gone"); err != nil {
		t.Fatalf("delete of an already absent record must succeed, got %v", err)
	}
}

func TestClientListDecodesWireRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/students" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"s1","name":"Ali","centerId":"c1","updatedAt":"2026-02-01T10:00:00Z"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	records, err := c.ListRecords(context.Background(), entity.TypeStudent)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "s1" {
		t.Fatalf("unexpected records: %+v", records)
	}
	want := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	if !records[0].UpdatedAt.Equal(want) {
		t.Fatalf("expected updatedAt %s, got %s", want, records[0].UpdatedAt)
	}
}

func TestClientBatchSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/batch" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode batch request: %v", err)
		}
		if len(req.Entities["students"]) != 2 {
			t.Errorf("expected 2 student items, got %d", len(req.Entities["students"]))
		}
		_, _ = w.Write([]byte(`{"message":"Batch sync completed","results":{"students":{"success":1,"failed":1,"errors":["s2: missing name"]}}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", nil)
	resp, err := c.BatchSync(context.Background(), BatchRequest{
		Entities: map[string][]json.RawMessage{
			"students": {
				json.RawMessage(`{"id":"s1","name":"Ali","centerId":"c1"}`),
				json.RawMessage(`{"id":"s2","centerId":"c1"}`),
			},
		},
	})
	if err != nil {
		t.Fatalf("batch sync failed: %v", err)
	}
	result := resp.Results["students"]
	if result.Success != 1 || result.Failed != 1 || len(result.Errors) != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
}
