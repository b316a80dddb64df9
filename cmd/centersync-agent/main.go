package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zakari90/centersync/internal/assetcache"
	"github.com/zakari90/centersync/internal/localstore"
	"github.com/zakari90/centersync/internal/netclient"
	"github.com/zakari90/centersync/internal/oplog"
	"github.com/zakari90/centersync/internal/syncengine"
)

func main() {
	serverURL := flag.String("server", envOrDefault("CENTERSYNC_SERVER_URL", "http://127.0.0.1:8080"), "centersync server URL")
	email := flag.String("email", strings.TrimSpace(os.Getenv("CENTERSYNC_EMAIL")), "account email")
	password := flag.String("password", os.Getenv("CENTERSYNC_PASSWORD"), "account password")
	dataDir := flag.String("data-dir", envOrDefault("CENTERSYNC_AGENT_DATA_DIR", ".centersync-agent"), "local replica directory")
	interval := flag.Duration("interval", durationEnv("CENTERSYNC_SYNC_INTERVAL", 30*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("CENTERSYNC_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("CENTERSYNC_SYNC_TIMEOUT", 10*time.Second), "per-request timeout")
	journalCapacity := flag.Int("journal-capacity", intEnv("CENTERSYNC_JOURNAL_CAPACITY", 1000), "max queued offline mutations")
	gatewayAddr := flag.String("gateway-addr", strings.TrimSpace(os.Getenv("CENTERSYNC_GATEWAY_ADDR")), "optional address for the offline asset gateway")
	appVersion := flag.String("app-version", envOrDefault("CENTERSYNC_APP_VERSION", "v1"), "cache generation for the asset gateway")
	once := flag.Bool("once", false, "run one sync pass and exit")
	flag.Parse()

	if strings.TrimSpace(*email) == "" {
		log.Fatalf("email is required (--email or CENTERSYNC_EMAIL)")
	}
	if *password == "" {
		log.Fatalf("password is required (--password or CENTERSYNC_PASSWORD)")
	}
	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 10 * time.Second
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}
	store, err := localstore.Open(filepath.Join(*dataDir, "local.db"))
	if err != nil {
		log.Fatalf("failed to open local replica: %v", err)
	}
	defer store.Close()

	journalPath := filepath.Join(*dataDir, "journal.json")
	journal, err := oplog.NewFileJournal(journalPath, *journalCapacity)
	if err != nil {
		log.Fatalf("failed to open mutation journal: %v", err)
	}
	defer journal.Close()

	client := netclient.NewClient(*serverURL, "", &http.Client{Timeout: *timeout})
	engine, err := syncengine.New(syncengine.Options{
		Store:       store,
		Journal:     journal,
		Client:      client,
		Credentials: store,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loginCtx, cancel := context.WithTimeout(rootCtx, *timeout)
	session, err := engine.Login(loginCtx, strings.TrimSpace(*email), *password)
	cancel()
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	client.SetToken(session.Token)
	if session.Offline {
		log.Printf("logged in offline as %s (cached credentials)", session.Email)
	} else {
		log.Printf("logged in as %s", session.Email)
	}

	if *once {
		res, err := engine.SyncAll(rootCtx)
		if err != nil {
			log.Fatalf("sync pass failed: %v", err)
		}
		pulled, err := engine.Pull(rootCtx)
		if err != nil {
			log.Fatalf("pull failed: %v", err)
		}
		log.Printf("sync pass: pushed=%d deleted=%d pulled=%d failed=%d offline=%v",
			res.Synced, res.Deleted, pulled.Pulled, res.Failed+pulled.Failed, res.Offline || pulled.Offline)
		return
	}

	runner := syncengine.NewRunner(engine, syncengine.RunnerOptions{
		Interval:    *interval,
		JitterRatio: *intervalJitter,
		WatchPath:   journalPath,
		Logger:      log.Default(),
	})

	var gateway *assetcache.Gateway
	if *gatewayAddr != "" {
		gateway, err = assetcache.NewGateway(assetcache.GatewayOptions{
			Upstream: *serverURL,
			Version:  *appVersion,
			Logger:   log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize asset gateway: %v", err)
		}
		go func() {
			log.Printf("asset gateway listening on %s", *gatewayAddr)
			if err := http.ListenAndServe(*gatewayAddr, gateway); err != nil {
				log.Printf("asset gateway stopped: %v", err)
			}
		}()
	}

	subscriber := &syncengine.Subscriber{
		URL:    websocketURL(*serverURL, session.Token),
		Runner: runner,
		Logger: log.Default(),
		OnMessage: func(note syncengine.Notification) {
			if note.Type == "app-update" && gateway != nil {
				if version, ok := note.Data["version"].(string); ok {
					// Installs as waiting; a SKIP_WAITING control message
					// on the gateway promotes it.
					gateway.InstallVersion(version)
				}
			}
			log.Printf("notification: %s %s", note.Title, note.Body)
		},
	}
	go func() {
		if err := subscriber.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			log.Printf("notification feed stopped: %v", err)
		}
	}()

	if !session.Offline {
		// Bootstrap the replica from the authoritative state before the
		// push loop starts.
		if res, err := engine.Pull(rootCtx); err == nil && res.Pulled > 0 {
			log.Printf("bootstrap pull: %d record(s)", res.Pulled)
		}
	}

	runner.Kick()
	if err := runner.Run(rootCtx); err != nil && rootCtx.Err() == nil {
		log.Fatalf("sync loop failed: %v", err)
	}
	log.Printf("agent stopping: %v", rootCtx.Err())
}

// websocketURL maps the HTTP base URL to the notification feed endpoint,
// carrying the token as a query parameter since websocket clients cannot
// always set headers.
func websocketURL(baseURL, token string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/notifications/ws?token=" + token
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
