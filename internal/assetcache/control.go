package assetcache

import "strings"

// Control message types, mirrored from the update protocol the app uses:
// a new generation installs as "waiting" until promoted.
const (
	ControlSkipWaiting = "SKIP_WAITING"
	ControlCacheURLs   = "CACHE_URLS"
	ControlClearCache  = "CLEAR_CACHE"
)

type ControlMessage struct {
	Type string      `json:"type"`
	Data ControlData `json:"data,omitempty"`
}

type ControlData struct {
	URLs []string `json:"urls,omitempty"`
	// CacheName selects the cache a CLEAR_CACHE drops. Empty clears all.
	CacheName string `json:"cacheName,omitempty"`
}

// InstallVersion registers a new cache generation as waiting. The active
// generation keeps serving until a SKIP_WAITING promotes the new one.
func (g *Gateway) InstallVersion(version string) {
	version = strings.TrimSpace(version)
	if version == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if version == g.activeVersion {
		return
	}
	g.waitingVersion = version
}

// Control applies one control message. Returns true when the caller
// should signal clients to reload (a waiting version was promoted).
func (g *Gateway) Control(msg ControlMessage) bool {
	switch msg.Type {
	case ControlSkipWaiting:
		return g.skipWaiting()
	case ControlCacheURLs:
		g.Precache(msg.Data.URLs)
		return false
	case ControlClearCache:
		g.clearCache(msg.Data.CacheName)
		return false
	default:
		return false
	}
}

// clearCache drops one named cache, or every cache when name is empty.
func (g *Gateway) clearCache(name string) {
	switch strings.TrimSpace(name) {
	case cacheStatic:
		g.static.clear()
	case cacheAPI:
		g.api.clear()
	case cacheDynamic:
		g.dynamic.clear()
	case "":
		g.static.clear()
		g.api.clear()
		g.dynamic.clear()
	default:
		g.logf("clear cache ignored, unknown cache %q", name)
	}
}

// skipWaiting promotes the waiting generation and drops every cache so the
// next fetches repopulate under the new version. The reload signal fires
// once per promotion.
func (g *Gateway) skipWaiting() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waitingVersion == "" {
		return false
	}
	g.activeVersion = g.waitingVersion
	g.waitingVersion = ""
	g.reloadPending = true
	g.static.clear()
	g.api.clear()
	g.dynamic.clear()
	g.logf("cache generation promoted to %s", g.activeVersion)
	return true
}

// ConsumeReloadSignal reports and clears the pending reload flag.
func (g *Gateway) ConsumeReloadSignal() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	pending := g.reloadPending
	g.reloadPending = false
	return pending
}

// Versions reports the active and waiting generation names.
func (g *Gateway) Versions() (active, waiting string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeVersion, g.waitingVersion
}

// CacheSizes reports entry counts per named cache, for status surfaces.
func (g *Gateway) CacheSizes() map[string]int {
	return map[string]int{
		cacheStatic:  g.static.size(),
		cacheAPI:     g.api.size(),
		cacheDynamic: g.dynamic.size(),
	}
}
