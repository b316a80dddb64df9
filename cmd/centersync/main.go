package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/zakari90/centersync/internal/httpapi"
	"github.com/zakari90/centersync/internal/serverstore"
)

func main() {
	addr := os.Getenv("CENTERSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := serverstore.NewStoreWithOptions(serverstore.StoreOptions{
		StateBackend: stateBackend,
		StateFile:    os.Getenv("CENTERSYNC_STATE_FILE"),
	})
	defer store.Close()
	seedAdminAccount(store)

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("CENTERSYNC_JWT_SECRET"),
		TokenTTL:        durationEnv("CENTERSYNC_TOKEN_TTL", 24*time.Hour),
		RateLimitMax:    intEnv("CENTERSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CENTERSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CENTERSYNC_MAX_BODY_BYTES", 0),
	})
	if version := strings.TrimSpace(os.Getenv("CENTERSYNC_APP_VERSION")); version != "" {
		server.Hub().BroadcastUpdate(version)
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("centersync listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

// seedAdminAccount makes a fresh deployment usable without a manual
// registration call. Skipped when the email already exists.
func seedAdminAccount(store *serverstore.Store) {
	email := strings.TrimSpace(os.Getenv("CENTERSYNC_ADMIN_EMAIL"))
	password := os.Getenv("CENTERSYNC_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}
	name := strings.TrimSpace(os.Getenv("CENTERSYNC_ADMIN_NAME"))
	if name == "" {
		name = "Administrator"
	}
	_, err := store.CreateAccount(email, name, "admin", password)
	if err != nil {
		if errors.Is(err, serverstore.ErrEmailTaken) {
			return
		}
		log.Printf("admin seed failed: %v", err)
		return
	}
	log.Printf("seeded admin account %s", email)
}

func buildStateBackendFromEnv() (serverstore.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("CENTERSYNC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("CENTERSYNC_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return serverstore.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return serverstore.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return serverstore.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CENTERSYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("CENTERSYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".centersync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("CENTERSYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("CENTERSYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("CENTERSYNC_PRODUCTION_DSN or CENTERSYNC_POSTGRES_DSN is required when CENTERSYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported CENTERSYNC_BACKEND_PROFILE: %s", profile)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
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

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
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
