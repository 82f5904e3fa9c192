package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitempora/factengine/internal/fact"
)

func seedFailingTest(t *testing.T, store *MemoryFactStore, runID, testName string, completedAt time.Time) {
	t.Helper()

	_, _, err := store.UpsertTestFact(context.Background(), fact.UpsertTestFactInput{
		RunID: runID, TestName: testName, Suite: "pkg", Status: fact.StatusFail,
		CompletedAt: &completedAt, ValidFrom: completedAt,
	})
	require.NoError(t, err)
}

func TestCausalityWalkFindsSignalsWithinWindow(t *testing.T) {
	store := newTestStore()
	runID := mustUpsertRun(t, store, "")

	completedAt := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	seedFailingTest(t, store, runID, "pkg/TestFoo", completedAt)

	inWindow := completedAt.Add(2 * time.Minute)
	outOfWindow := completedAt.Add(time.Hour)

	_, _, err := store.AppendSignal(context.Background(), fact.Signal{
		RunID: runID, Kind: fact.SignalAPI, At: inWindow,
	})
	require.NoError(t, err)

	_, _, err = store.AppendSignal(context.Background(), fact.Signal{
		RunID: runID, Kind: fact.SignalDatabase, At: outOfWindow,
	})
	require.NoError(t, err)

	hits, err := store.CausalityWalk(context.Background(), runID, 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "pkg/TestFoo", hits[0].TestName)
	assert.InDelta(t, 120, hits[0].DeltaSecs, 0.01)
}

func TestResonanceMapBucketsByStatus(t *testing.T) {
	store := newTestStore()
	runID := mustUpsertRun(t, store, "")

	bucketStart := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)

	_, _, err := store.UpsertTestFact(context.Background(), fact.UpsertTestFactInput{
		RunID: runID, TestName: "pkg/TestA", Suite: "pkg", Status: fact.StatusFail, ValidFrom: bucketStart,
	})
	require.NoError(t, err)

	_, _, err = store.UpsertTestFact(context.Background(), fact.UpsertTestFactInput{
		RunID: runID, TestName: "pkg/TestB", Suite: "pkg", Status: fact.StatusFail,
		ValidFrom: bucketStart.Add(10 * time.Second),
	})
	require.NoError(t, err)

	buckets, err := store.ResonanceMap(context.Background(), runID, time.Minute)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 2, buckets[0].Count)
	assert.Equal(t, fact.StatusFail, buckets[0].Status)
}

func TestTestStabilityScorePerfectAgreement(t *testing.T) {
	store := newTestStore()

	for i := 0; i < 3; i++ {
		runID := mustUpsertRun(t, store, "")
		_, _, err := store.UpsertTestFact(context.Background(), fact.UpsertTestFactInput{
			RunID: runID, TestName: "pkg/TestStable", Suite: "pkg", Status: fact.StatusPass,
			ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	score, ok, err := store.TestStabilityScore(context.Background(), "pkg/TestStable", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)
}

func TestTestStabilityScoreNoDataReturnsNotOK(t *testing.T) {
	store := newTestStore()

	_, ok, err := store.TestStabilityScore(context.Background(), "pkg/TestNeverSeen", 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTestStabilityScoreDegradesWithDisagreement(t *testing.T) {
	store := newTestStore()

	statuses := []fact.TestStatus{fact.StatusPass, fact.StatusFail, fact.StatusPass, fact.StatusPass}
	for _, status := range statuses {
		runID := mustUpsertRun(t, store, "")
		_, _, err := store.UpsertTestFact(context.Background(), fact.UpsertTestFactInput{
			RunID: runID, TestName: "pkg/TestFlaky", Suite: "pkg", Status: status,
			ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	score, ok, err := store.TestStabilityScore(context.Background(), "pkg/TestFlaky", 10)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, score, 1.0)
	assert.Greater(t, score, 0.0)
}

func TestPatternScanSurfacesRecurringFailures(t *testing.T) {
	store := newTestStore()

	for i := 0; i < 3; i++ {
		runID := mustUpsertRun(t, store, "")
		seedFailingTest(t, store, runID, "pkg/TestRecurring", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	}

	resonances, err := store.PatternScan(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, resonances, 1)
	assert.Equal(t, []string{"pkg/TestRecurring"}, resonances[0].AffectedTests)
	assert.Equal(t, 3, resonances[0].Occurrences)
}
