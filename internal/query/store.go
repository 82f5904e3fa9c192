// Package query provides the read-only analytic query layer: causality
// walk, resonance map, stability score, and the optional pattern scan. It is
// kept as a separate interface from fact.Manager, following the teacher
// repo's split between internal/ingestion.Store (writes) and
// internal/correlation.Store (reads over materialized views).
package query

import (
	"context"
	"time"

	"github.com/bitempora/factengine/internal/fact"
)

const (
	// DefaultCausalityWindow is the §4.4 default window around a failing
	// fact's completion time.
	DefaultCausalityWindow = 5 * time.Minute
	// DefaultResonanceBucket is the §4.4 default bucket width.
	DefaultResonanceBucket = time.Minute
	// DefaultLookbackRuns is the §4.4 default number of runs considered by
	// test_stability_score.
	DefaultLookbackRuns = 10
)

// CausalityHit is one signal emitted by CausalityWalk, annotated with its
// signed offset from the failing fact's completion time.
type CausalityHit struct {
	TestName  string      `json:"test_name"`
	FactID    string      `json:"fact_id"`
	Signal    fact.Signal `json:"signal"`
	DeltaSecs float64     `json:"delta_secs"`
}

// ResonanceBucket is one row of ResonanceMap: a count of open facts sharing
// a status within a time bucket.
type ResonanceBucket struct {
	Bucket time.Time       `json:"bucket"`
	Status fact.TestStatus `json:"status"`
	Count  int             `json:"count"`
}

// Store is the read-only analytic query surface backed by the same storage
// engine as fact.Manager.
type Store interface {
	// CausalityWalk implements §4.4: for every currently-open fact in the
	// run with a failing status, emit every signal within window of its
	// completion time, ordered by (test_name, |delta|).
	CausalityWalk(ctx context.Context, runID string, window time.Duration) ([]CausalityHit, error)

	// ResonanceMap implements §4.4: counts of open facts bucketed by
	// (floor(valid_from, bucket), status), ordered by bucket then status.
	ResonanceMap(ctx context.Context, runID string, bucket time.Duration) ([]ResonanceBucket, error)

	// TestStabilityScore implements §4.4. Returns (score, false) when there
	// is no data for testName, matching the spec's "returns null" case.
	TestStabilityScore(ctx context.Context, testName string, lookbackRuns int) (score float64, ok bool, err error)

	// PatternScan is the optional best-effort scan for recurring
	// instability patterns (§4.4, not required for correctness).
	PatternScan(ctx context.Context, lookbackRuns int) ([]fact.Resonance, error)
}
