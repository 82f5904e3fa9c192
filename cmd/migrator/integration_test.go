package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestMigrationRunnerIntegration applies the embedded schema against a real
// PostgreSQL container, then rolls it back, checking that Up, Status, Version
// and Down each complete without error.
func TestMigrationRunnerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("factengine_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	runner, err := NewMigrationRunner(&Config{DatabaseURL: connStr, MigrationTable: "schema_migrations"})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = runner.Close()
	})

	require.NoError(t, runner.Up())
	require.NoError(t, runner.Status())
	require.NoError(t, runner.Version())
	require.NoError(t, runner.Down())
}
