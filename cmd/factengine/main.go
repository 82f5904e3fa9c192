// Package main runs the bi-temporal test-observability fact engine: an
// HTTP service that ingests test run/test/signal/artifact records and
// answers timeshift, causality, resonance, and stability queries over
// their accumulated history.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/bitempora/factengine/internal/api"
	"github.com/bitempora/factengine/internal/api/middleware"
	"github.com/bitempora/factengine/internal/config"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/observability"
	"github.com/bitempora/factengine/internal/query"
	"github.com/bitempora/factengine/internal/storage"
	"github.com/bitempora/factengine/internal/temporal"
)

const (
	name    = "factengine"
	version = "1.0.0-dev"

	// exitOK marks a clean shutdown.
	exitOK = 0
	// exitStartupError marks a fatal configuration or dependency error before
	// the server began serving traffic.
	exitStartupError = 1
	// exitRuntimeError marks a fatal error once the server was running.
	exitRuntimeError = 2
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	configFile := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(exitOK)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Printf("%s: configuration error: %v\n", name, err)
		os.Exit(exitStartupError)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	logger.Info("starting fact engine", slog.String("service", name), slog.String("version", version))

	manager, queryStore, closeStore, err := newStore(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", slog.String("error", err.Error()))
		os.Exit(exitStartupError)
	}

	defer closeStore()

	serverConfig := api.NewServerConfig(cfg)

	var rateLimiter middleware.RateLimiter
	if cfg.IngestRateLimit > 0 {
		rateLimiter = middleware.NewInMemoryRateLimiter(cfg.IngestRateLimit)
	}

	server := api.NewServer(serverConfig, manager, queryStore, rateLimiter, observability.NewLogSink(logger))

	if err := server.Start(); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
		os.Exit(exitRuntimeError)
	}

	logger.Info("fact engine stopped")
}

// newStore selects the storage backend from cfg.StorageURL: "memory" (or
// "memory://") for the in-memory store used in tests and local runs,
// anything else for PostgreSQL via DATABASE_URL.
func newStore(cfg *config.Config, logger *slog.Logger) (fact.Manager, query.Store, func(), error) {
	clock := temporal.NewMonotonicClock()

	if strings.HasPrefix(cfg.StorageURL, "memory") {
		store := storage.NewMemoryFactStore(clock)

		return store, store, func() {}, nil
	}

	storageConfig := storage.LoadConfig()
	if err := storageConfig.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("storage config: %w", err)
	}

	conn, err := storage.NewConnection(storageConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect to storage: %w", err)
	}

	logger.Info("connected to postgres storage", slog.String("database_url", storageConfig.MaskDatabaseURL()))

	store := storage.NewPostgresFactStore(conn, clock, logger)

	return store, store, func() { _ = conn.Close() }, nil
}
