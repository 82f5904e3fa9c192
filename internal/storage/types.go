// Package storage provides the persistence adapters for the fact engine:
// a PostgreSQL-backed implementation for production and an in-memory one
// for tests and local development, both satisfying fact.Manager and
// query.Store.
package storage

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection wraps a database connection pool with the health-check and
// stats helpers the ingest front-end's readiness/backpressure logic needs.
type Connection struct {
	*sql.DB
}

// NewConnection opens a pooled connection to config's database and verifies
// it is reachable before returning.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck checks if the database connection is healthy, with a timeout.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint: contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the connection pool gracefully. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns connection pool statistics. No request path reads it: pool
// exhaustion is not detected, and the ingest front-end's 503 Busy comes only
// from the rate limiter.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// SecureCompare performs a constant-time comparison of two strings, used by
// the bearer-token auth middleware so a mismatched token's length or prefix
// can't be inferred from response timing.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
