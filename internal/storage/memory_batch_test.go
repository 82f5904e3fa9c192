package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitempora/factengine/internal/fact"
)

func TestIngestBatchCommitsRunTestsSignalsArtifacts(t *testing.T) {
	store := newTestStore()
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	validFrom := startedAt.Add(time.Minute)

	result, err := store.IngestBatch(context.Background(), fact.BatchInput{
		Run:       fact.UpsertRunInput{PlanName: "smoke", StartedAt: startedAt},
		ValidFrom: validFrom,
		Tests: []fact.UpsertTestFactInput{
			{TestName: "test_login", Suite: "auth", Status: fact.StatusPass, ValidFrom: validFrom},
		},
		Signals: []fact.Signal{
			{TestName: "test_login", Kind: fact.SignalSystem, At: validFrom},
		},
		Artifacts: []fact.Artifact{
			{TestName: "test_login", Kind: fact.ArtifactScreenshot, Path: "s.png", ContentHash: "abc123"},
		},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, result.RunID)
	assert.Len(t, result.FactIDs, 1)
	assert.Len(t, result.SignalIDs, 1)
	assert.Len(t, result.ArtifactIDs, 1)
	assert.Zero(t, result.LateDataCount)

	facts, err := store.CurrentTestFacts(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fact.StatusPass, facts[0].Status)
}

func TestIngestBatchRejectsWholeBatchOnAnyInvalidRecord(t *testing.T) {
	store := newTestStore()
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	validFrom := startedAt.Add(time.Minute)

	_, err := store.IngestBatch(context.Background(), fact.BatchInput{
		Run:       fact.UpsertRunInput{PlanName: "smoke", StartedAt: startedAt},
		ValidFrom: validFrom,
		Tests: []fact.UpsertTestFactInput{
			{TestName: "test_login", Suite: "auth", Status: fact.StatusPass, ValidFrom: validFrom},
		},
		Signals: []fact.Signal{
			{TestName: "test_login", Kind: fact.SignalSystem}, // missing At: invalid
		},
	})

	require.Error(t, err)

	// No run was created by the rejected batch: current_test_facts against
	// any run_id derived from this batch returns nothing.
	store.mu.RLock()
	defer store.mu.RUnlock()
	assert.Empty(t, store.runs)
	assert.Empty(t, store.facts)
}

func TestIngestBatchMultipleVersionsOfSameTestWithinOneBatch(t *testing.T) {
	store := newTestStore()
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t0 := startedAt.Add(time.Minute)
	t1 := t0.Add(time.Minute)

	result, err := store.IngestBatch(context.Background(), fact.BatchInput{
		Run:       fact.UpsertRunInput{PlanName: "smoke", StartedAt: startedAt},
		ValidFrom: t0,
		Tests: []fact.UpsertTestFactInput{
			{TestName: "test_login", Suite: "auth", Status: fact.StatusFail, ValidFrom: t0},
			{TestName: "test_login", Suite: "auth", Status: fact.StatusPass, ValidFrom: t1},
		},
	})

	require.NoError(t, err)
	require.Len(t, result.FactIDs, 2)
	assert.NotEqual(t, result.FactIDs[0], result.FactIDs[1])

	facts, err := store.CurrentTestFacts(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, fact.StatusPass, facts[0].Status)

	timeshifted, err := store.TimeshiftTestFacts(context.Background(), result.RunID, t0.Add(time.Second), nil)
	require.NoError(t, err)
	require.Len(t, timeshifted, 1)
	assert.Equal(t, fact.StatusFail, timeshifted[0].Status)
}

func TestIngestBatchIdempotentIdenticalTestVersionIsReused(t *testing.T) {
	store := newTestStore()
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	validFrom := startedAt.Add(time.Minute)

	in := fact.BatchInput{
		Run:       fact.UpsertRunInput{PlanName: "smoke", StartedAt: startedAt},
		ValidFrom: validFrom,
		Tests: []fact.UpsertTestFactInput{
			{TestName: "test_login", Suite: "auth", Status: fact.StatusPass, ValidFrom: validFrom},
		},
	}

	first, err := store.IngestBatch(context.Background(), in)
	require.NoError(t, err)

	in.Run.RunID = first.RunID
	second, err := store.IngestBatch(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, first.FactIDs[0], second.FactIDs[0])

	facts, err := store.CurrentTestFacts(context.Background(), first.RunID)
	require.NoError(t, err)
	assert.Len(t, facts, 1)
}

func TestIngestBatchFlagsLateDataWhenRunAlreadyClosed(t *testing.T) {
	store := newTestStore()
	startedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	endedAt := startedAt.Add(time.Hour)
	validFrom := endedAt.Add(time.Minute)

	runID := mustUpsertRun(t, store, "")
	_, err := store.UpsertRun(context.Background(), fact.UpsertRunInput{
		RunID: runID, PlanName: "smoke", StartedAt: startedAt, EndedAt: &endedAt,
	})
	require.NoError(t, err)

	result, err := store.IngestBatch(context.Background(), fact.BatchInput{
		Run:       fact.UpsertRunInput{RunID: runID, PlanName: "smoke", StartedAt: startedAt},
		ValidFrom: validFrom,
		Tests: []fact.UpsertTestFactInput{
			{TestName: "test_login", Suite: "auth", Status: fact.StatusPass, ValidFrom: validFrom},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 1, result.LateDataCount)
}
