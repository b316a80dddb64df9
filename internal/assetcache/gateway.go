// Package assetcache is the offline bootstrap layer: a caching reverse
// proxy that keeps the app shell, static assets, and recent API responses
// available when the upstream is unreachable. Three named caches with
// distinct strategies: static assets are served cache-first, API responses
// and pages network-first with a cached fallback.
package assetcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	cacheStatic  = "static-assets"
	cacheAPI     = "api-responses"
	cacheDynamic = "dynamic-pages"
)

const (
	// ControlPath accepts ControlMessage posts from the foreground app.
	ControlPath = "/_gateway/control"
	// StatusPath reports versions and cache sizes.
	StatusPath = "/_gateway/status"
	// ReloadHeader marks the first response after a generation promotion,
	// telling the app to reload under the new version.
	ReloadHeader = "X-Centersync-Reload"
)

type Logger interface {
	Printf(format string, args ...any)
}

type cachedResponse struct {
	Status      int
	ContentType string
	Body        []byte
	StoredAt    time.Time
}

type namedCache struct {
	mu      sync.RWMutex
	entries map[string]cachedResponse
}

func newNamedCache() *namedCache {
	return &namedCache{entries: map[string]cachedResponse{}}
}

func (c *namedCache) get(key string) (cachedResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok
}

func (c *namedCache) put(key string, entry cachedResponse) {
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

func (c *namedCache) clear() {
	c.mu.Lock()
	c.entries = map[string]cachedResponse{}
	c.mu.Unlock()
}

func (c *namedCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

type GatewayOptions struct {
	// Upstream is the origin being fronted, e.g. the app server.
	Upstream string
	// Version names the active cache generation. Bumping it and promoting
	// the waiting generation is how stale caches get retired.
	Version string
	// PrecacheURLs are fetched into the static cache by Precache.
	PrecacheURLs []string
	// OfflinePage is served for page navigations when the upstream is
	// down and nothing is cached.
	OfflinePage []byte
	Client      *http.Client
	Logger      Logger
}

// Gateway is an http.Handler fronting one upstream origin.
type Gateway struct {
	upstream *url.URL
	client   *http.Client
	logger   Logger

	static  *namedCache
	api     *namedCache
	dynamic *namedCache

	offlinePage []byte

	mu             sync.Mutex
	activeVersion  string
	waitingVersion string
	reloadPending  bool
}

func NewGateway(opts GatewayOptions) (*Gateway, error) {
	upstream, err := url.Parse(strings.TrimSpace(opts.Upstream))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute URL: %q", opts.Upstream)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		version = "v1"
	}
	offlinePage := opts.OfflinePage
	if len(offlinePage) == 0 {
		offlinePage = []byte(defaultOfflinePage)
	}
	g := &Gateway{
		upstream:      upstream,
		client:        client,
		logger:        opts.Logger,
		static:        newNamedCache(),
		api:           newNamedCache(),
		dynamic:       newNamedCache(),
		offlinePage:   offlinePage,
		activeVersion: version,
	}
	if len(opts.PrecacheURLs) > 0 {
		g.Precache(opts.PrecacheURLs)
	}
	return g, nil
}

// Precache warms the static cache. Failures are logged and skipped; a
// partial precache still improves the offline experience.
func (g *Gateway) Precache(urls []string) {
	for _, path := range urls {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		entry, err := g.fetch(http.MethodGet, path, nil)
		if err != nil {
			g.logf("precache %s failed: %v", path, err)
			continue
		}
		g.static.put(path, entry)
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case ControlPath:
		g.serveControl(w, r)
		return
	case StatusPath:
		g.serveStatus(w, r)
		return
	}
	if g.ConsumeReloadSignal() {
		w.Header().Set(ReloadHeader, "true")
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		// Mutations are never cached or replayed from cache.
		g.proxyPassthrough(w, r)
		return
	}
	key := r.URL.RequestURI()
	switch {
	case isStaticAsset(r.URL.Path):
		g.serveCacheFirst(w, r, g.static, key)
	case strings.HasPrefix(r.URL.Path, "/api/"):
		g.serveNetworkFirst(w, r, g.api, key, g.apiOfflineFallback)
	default:
		g.serveNetworkFirst(w, r, g.dynamic, key, g.pageOfflineFallback)
	}
}

func isStaticAsset(path string) bool {
	return strings.HasPrefix(path, "/_next/static/") || strings.HasPrefix(path, "/static/")
}

// serveCacheFirst answers from cache when possible; fingerprinted asset
// URLs never change content, so a hit needs no revalidation.
func (g *Gateway) serveCacheFirst(w http.ResponseWriter, r *http.Request, cache *namedCache, key string) {
	if entry, ok := cache.get(key); ok {
		writeCached(w, entry, "hit")
		return
	}
	entry, err := g.fetch(r.Method, key, r.Header)
	if err != nil {
		w.Header().Set("X-Cache", "miss")
		http.Error(w, "asset unavailable offline", http.StatusServiceUnavailable)
		return
	}
	if entry.Status == http.StatusOK {
		cache.put(key, entry)
	}
	writeCached(w, entry, "miss")
}

func (g *Gateway) serveNetworkFirst(w http.ResponseWriter, r *http.Request, cache *namedCache, key string, fallback func(http.ResponseWriter, *http.Request, *namedCache, string)) {
	entry, err := g.fetch(r.Method, key, r.Header)
	if err == nil {
		if entry.Status == http.StatusOK {
			cache.put(key, entry)
		}
		writeCached(w, entry, "network")
		return
	}
	g.logf("upstream unreachable for %s: %v", key, err)
	fallback(w, r, cache, key)
}

func (g *Gateway) apiOfflineFallback(w http.ResponseWriter, _ *http.Request, cache *namedCache, key string) {
	if entry, ok := cache.get(key); ok {
		writeCached(w, entry, "stale")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(`{"error":"offline","message":"This request is not available offline."}`))
}

func (g *Gateway) pageOfflineFallback(w http.ResponseWriter, _ *http.Request, cache *namedCache, key string) {
	if entry, ok := cache.get(key); ok {
		writeCached(w, entry, "stale")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Cache", "offline")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write(g.offlinePage)
}

func (g *Gateway) serveControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "control messages must be POSTed", http.StatusMethodNotAllowed)
		return
	}
	var msg ControlMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&msg); err != nil {
		http.Error(w, "invalid control message", http.StatusBadRequest)
		return
	}
	reload := g.Control(msg)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"reload": reload})
}

func (g *Gateway) serveStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active, waiting := g.Versions()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"activeVersion":  active,
		"waitingVersion": waiting,
		"caches":         g.CacheSizes(),
	})
}

func (g *Gateway) proxyPassthrough(w http.ResponseWriter, r *http.Request) {
	target := *g.upstream
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	req.Header = r.Header.Clone()
	resp, err := g.client.Do(req)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"offline","message":"The server is unreachable."}`))
		return
	}
	defer resp.Body.Close()
	for name, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func (g *Gateway) fetch(method, key string, header http.Header) (cachedResponse, error) {
	target := *g.upstream
	if i := strings.IndexByte(key, '?'); i >= 0 {
		target.Path = key[:i]
		target.RawQuery = key[i+1:]
	} else {
		target.Path = key
		target.RawQuery = ""
	}
	req, err := http.NewRequest(method, target.String(), nil)
	if err != nil {
		return cachedResponse{}, err
	}
	if header != nil {
		if auth := header.Get("Authorization"); auth != "" {
			req.Header.Set("Authorization", auth)
		}
		if accept := header.Get("Accept"); accept != "" {
			req.Header.Set("Accept", accept)
		}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return cachedResponse{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachedResponse{}, err
	}
	return cachedResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		StoredAt:    time.Now().UTC(),
	}, nil
}

func writeCached(w http.ResponseWriter, entry cachedResponse, cacheState string) {
	if entry.ContentType != "" {
		w.Header().Set("Content-Type", entry.ContentType)
	}
	w.Header().Set("X-Cache", cacheState)
	w.WriteHeader(entry.Status)
	_, _ = io.Copy(w, bytes.NewReader(entry.Body))
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

const defaultOfflinePage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Offline</title>
  <style>
    body { font-family: "Segoe UI", sans-serif; display: grid; place-items: center; min-height: 100vh; margin: 0; background: #f8f4ea; color: #102223; }
    .card { text-align: center; padding: 32px; border: 1px solid #d7cbb3; border-radius: 18px; background: #fffdf9; }
    h1 { margin: 0 0 8px; }
    p { color: #6f7d7d; margin: 0; }
  </style>
</head>
<body>
  <div class="card">
    <h1>You are offline</h1>
    <p>This page has not been cached yet. Reconnect and try again.</p>
  </div>
</body>
</html>
`
