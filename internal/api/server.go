// Package api provides the HTTP API server for the bi-temporal fact engine.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitempora/factengine/internal/api/middleware"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/observability"
	"github.com/bitempora/factengine/internal/query"
)

// Server is the fact engine's HTTP API server.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	config      ServerConfig
	startTime   time.Time
	manager     fact.Manager
	queryStore  query.Store
	sink        observability.Sink
	rateLimiter middleware.RateLimiter
}

// NewServer wires the ingest/query handlers behind the middleware chain.
// manager and queryStore are required; rateLimiter is optional (nil
// disables rate limiting) and sink defaults to observability.NoopSink.
func NewServer(
	cfg ServerConfig,
	manager fact.Manager,
	queryStore query.Store,
	rateLimiter middleware.RateLimiter,
	sink observability.Sink,
) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	if manager == nil || queryStore == nil {
		logger.Error("fact.Manager and query.Store are required - cannot start server")
		panic("api: manager and queryStore cannot be nil - this indicates a configuration error")
	}

	if sink == nil {
		sink = observability.NoopSink{}
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:      logger,
		config:      cfg,
		manager:     manager,
		queryStore:  queryStore,
		rateLimiter: rateLimiter,
		sink:        sink,
	}

	server.setupRoutes(mux)

	if rateLimiter != nil {
		logger.Info("rate limiting middleware enabled")
	} else {
		logger.Warn("rate limiter not configured - rate limiting middleware disabled")
	}

	// Middleware executes top-to-bottom. Auth and rate limiting are applied
	// by setupRoutes to the protected sub-mux only, so that /ping, /ready,
	// and /health stay reachable without a token:
	//   1. CorrelationID - stamp every response with a correlation id
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RequestLogger - log every request, including unauthenticated ones
	//   4. CORS - lightweight header manipulation
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
		middleware.WithCORS(cfg.ToCORSConfig()),
	)

	server.httpServer = &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return server
}

// Start starts the HTTP server and blocks until a shutdown signal or fatal
// server error. It handles graceful shutdown on SIGINT and SIGTERM.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting fact engine API server",
			slog.String("address", s.config.BindAddr),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server failed to start",
				slog.String("address", s.config.BindAddr), slog.String("error", err.Error()))

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully drains in-flight requests before returning.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating server shutdown", slog.Duration("shutdown_timeout", s.config.ShutdownTimeout))

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("server shutdown failed", slog.String("error", err.Error()))

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("server shutdown completed successfully")

	return nil
}
