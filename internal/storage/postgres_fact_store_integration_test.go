//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/bitempora/factengine/internal/config"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/temporal"
)

func setupPostgresFactStore(t *testing.T) *PostgresFactStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{testDB.Connection}

	return NewPostgresFactStore(conn, temporal.NewMonotonicClock(), nil)
}

func TestPostgresUpsertRunAndTestFactLifecycle(t *testing.T) {
	store := setupPostgresFactStore(t)
	ctx := context.Background()

	runID, err := store.UpsertRun(ctx, fact.UpsertRunInput{
		PlanName:  "integration-smoke",
		StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC)
	t1 := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)

	firstID, late, err := store.UpsertTestFact(ctx, fact.UpsertTestFactInput{
		RunID: runID, TestName: "pkg/TestFoo", Suite: "pkg",
		Status: fact.StatusFail, ValidFrom: t0,
	})
	require.NoError(t, err)
	assert.False(t, late)

	secondID, _, err := store.UpsertTestFact(ctx, fact.UpsertTestFactInput{
		RunID: runID, TestName: "pkg/TestFoo", Suite: "pkg",
		Status: fact.StatusPass, ValidFrom: t1,
	})
	require.NoError(t, err)
	assert.NotEqual(t, firstID, secondID)

	open, err := store.CurrentTestFacts(ctx, runID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, secondID, open[0].FactID)

	history, err := store.TimeshiftTestFacts(ctx, runID, t0, nil)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, firstID, history[0].FactID)
}

func TestPostgresUpsertTestFactIsIdempotent(t *testing.T) {
	store := setupPostgresFactStore(t)
	ctx := context.Background()

	runID, err := store.UpsertRun(ctx, fact.UpsertRunInput{
		PlanName: "integration-smoke", StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	in := fact.UpsertTestFactInput{
		RunID: runID, TestName: "pkg/TestFoo", Suite: "pkg",
		Status: fact.StatusPass, ValidFrom: time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
	}

	firstID, _, err := store.UpsertTestFact(ctx, in)
	require.NoError(t, err)

	secondID, _, err := store.UpsertTestFact(ctx, in)
	require.NoError(t, err)

	assert.Equal(t, firstID, secondID)
}

func TestPostgresConcurrentUpsertsSerializeOnKey(t *testing.T) {
	store := setupPostgresFactStore(t)
	ctx := context.Background()

	runID, err := store.UpsertRun(ctx, fact.UpsertRunInput{
		PlanName: "integration-smoke", StartedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	const n = 10

	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			_, _, err := store.UpsertTestFact(ctx, fact.UpsertTestFactInput{
				RunID: runID, TestName: "pkg/TestConcurrent", Suite: "pkg",
				Status:    fact.StatusPass,
				ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Millisecond),
			})
			errs <- err
		}(i)
	}

	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	open, err := store.CurrentTestFacts(ctx, runID)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
