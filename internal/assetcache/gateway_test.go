package assetcache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newUpstream(t *testing.T) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/static/"):
			w.Header().Set("Content-Type", "text/css")
			_, _ = w.Write([]byte("body{}"))
		case strings.HasPrefix(r.URL.Path, "/api/"):
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"items":[]}`))
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>app shell</html>"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestGateway(t *testing.T, upstream string) *Gateway {
	t.Helper()
	g, err := NewGateway(GatewayOptions{Upstream: upstream})
	if err != nil {
		t.Fatalf("new gateway failed: %v", err)
	}
	return g
}

func get(t *testing.T, g *Gateway, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	return rec
}

func TestStaticAssetsServeCacheFirst(t *testing.T) {
	upstream, hits := newUpstream(t)
	g := newTestGateway(t, upstream.URL)

	first := get(t, g, "/static/app.css")
	if first.Code != http.StatusOK || first.Header().Get("X-Cache") != "miss" {
		t.Fatalf("expected a miss fetched from upstream, got %d %q", first.Code, first.Header().Get("X-Cache"))
	}
	second := get(t, g, "/static/app.css")
	if second.Code != http.StatusOK || second.Header().Get("X-Cache") != "hit" {
		t.Fatalf("expected a cache hit, got %d %q", second.Code, second.Header().Get("X-Cache"))
	}
	if hits.Load() != 1 {
		t.Fatalf("a cache hit must not reach upstream, hits=%d", hits.Load())
	}

	// Cached asset survives the upstream going away.
	upstream.Close()
	offline := get(t, g, "/static/app.css")
	if offline.Code != http.StatusOK || offline.Header().Get("X-Cache") != "hit" {
		t.Fatalf("cached asset must serve while offline, got %d", offline.Code)
	}
}

func TestAPIResponsesServeNetworkFirstWithStaleFallback(t *testing.T) {
	upstream, hits := newUpstream(t)
	g := newTestGateway(t, upstream.URL)

	first := get(t, g, "/api/students")
	if first.Code != http.StatusOK || first.Header().Get("X-Cache") != "network" {
		t.Fatalf("expected a network answer, got %d %q", first.Code, first.Header().Get("X-Cache"))
	}
	second := get(t, g, "/api/students")
	if second.Header().Get("X-Cache") != "network" {
		t.Fatalf("network-first must always try upstream, got %q", second.Header().Get("X-Cache"))
	}
	if hits.Load() != 2 {
		t.Fatalf("expected both requests upstream, hits=%d", hits.Load())
	}

	upstream.Close()
	stale := get(t, g, "/api/students")
	if stale.Code != http.StatusOK || stale.Header().Get("X-Cache") != "stale" {
		t.Fatalf("expected the cached answer offline, got %d %q", stale.Code, stale.Header().Get("X-Cache"))
	}

	missing := get(t, g, "/api/receipts")
	if missing.Code != http.StatusServiceUnavailable || missing.Header().Get("X-Cache") != "offline" {
		t.Fatalf("an uncached API route must 503 offline, got %d %q", missing.Code, missing.Header().Get("X-Cache"))
	}
	body, _ := io.ReadAll(missing.Body)
	if !strings.Contains(string(body), `"error":"offline"`) {
		t.Fatalf("expected a JSON offline error, got %s", body)
	}
}

func TestPageNavigationOfflineFallback(t *testing.T) {
	upstream, _ := newUpstream(t)
	g := newTestGateway(t, upstream.URL)

	if resp := get(t, g, "/dashboard"); resp.Code != http.StatusOK {
		t.Fatalf("online page fetch failed: %d", resp.Code)
	}
	upstream.Close()

	cached := get(t, g, "/dashboard")
	if cached.Code != http.StatusOK || cached.Header().Get("X-Cache") != "stale" {
		t.Fatalf("a visited page must serve from cache offline, got %d", cached.Code)
	}

	unvisited := get(t, g, "/reports")
	if unvisited.Code != http.StatusServiceUnavailable {
		t.Fatalf("an unvisited page must 503 offline, got %d", unvisited.Code)
	}
	body, _ := io.ReadAll(unvisited.Body)
	if !strings.Contains(string(body), "offline") {
		t.Fatalf("expected the offline page, got %s", body)
	}
}

func TestMutationsAreNeverCached(t *testing.T) {
	var posts atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)
	g := newTestGateway(t, upstream.URL)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/students", strings.NewReader(`{"name":"Ali","centerId":"c1"}`))
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("proxied mutation %d failed: %d", i, rec.Code)
		}
	}
	if posts.Load() != 2 {
		t.Fatalf("every mutation must reach upstream, posts=%d", posts.Load())
	}

	upstream.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/students", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("an offline mutation must 503, got %d", rec.Code)
	}
}

func TestPrecacheWarmsStaticCache(t *testing.T) {
	upstream, _ := newUpstream(t)
	g, err := NewGateway(GatewayOptions{
		Upstream:     upstream.URL,
		PrecacheURLs: []string{"/static/app.css", "/static/app.js"},
	})
	if err != nil {
		t.Fatalf("new gateway failed: %v", err)
	}

	upstream.Close()
	resp := get(t, g, "/static/app.css")
	if resp.Code != http.StatusOK || resp.Header().Get("X-Cache") != "hit" {
		t.Fatalf("precached asset must serve offline, got %d %q", resp.Code, resp.Header().Get("X-Cache"))
	}
}

func TestGatewayRejectsRelativeUpstream(t *testing.T) {
	if _, err := NewGateway(GatewayOptions{Upstream: "/not-absolute"}); err == nil {
		t.Fatalf("expected an error for a relative upstream")
	}
}
