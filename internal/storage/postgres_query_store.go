package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/query"
	"github.com/bitempora/factengine/internal/temporal"
)

// CausalityWalk implements query.Store, mirroring MemoryFactStore's
// semantics with a join pushed down to SQL: every open, failing fact's
// completion time against every signal on the same run within window.
func (s *PostgresFactStore) CausalityWalk(
	ctx context.Context, runID string, window time.Duration,
) ([]query.CausalityHit, error) {
	if window <= 0 {
		window = query.DefaultCausalityWindow
	}

	const factsQuery = `
		SELECT fact_id, test_name, completed_at
		FROM test_facts
		WHERE run_id = $1 AND valid_to = $2 AND status IN ('fail', 'timeout') AND completed_at IS NOT NULL
	`

	rows, err := s.conn.QueryContext(ctx, factsQuery, runID, temporal.Infinity)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "causality walk: list failing facts failed", err)
	}

	type failingFact struct {
		factID      string
		testName    string
		completedAt time.Time
	}

	var failing []failingFact

	for rows.Next() {
		var f failingFact
		if err := rows.Scan(&f.factID, &f.testName, &f.completedAt); err != nil {
			rows.Close()

			return nil, apierr.Wrap(apierr.StorageError, "causality walk: scan failing fact failed", err)
		}

		failing = append(failing, f)
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		return nil, apierr.Wrap(apierr.StorageError, "causality walk: iterate failing facts failed", err)
	}

	rows.Close()

	var hits []query.CausalityHit

	const signalsQuery = `
		SELECT signal_id, test_name, test_id, kind, latency_ms, value, meta, at, tx_at
		FROM signals
		WHERE run_id = $1 AND at BETWEEN $2 AND $3
	`

	for _, f := range failing {
		lo := f.completedAt.Add(-window)
		hi := f.completedAt.Add(window)

		sigRows, err := s.conn.QueryContext(ctx, signalsQuery, runID, lo, hi)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "causality walk: list signals failed", err)
		}

		for sigRows.Next() {
			var (
				sig      fact.Signal
				testID   nullString
				kind     string
				metaJSON []byte
			)

			if err := sigRows.Scan(&sig.SignalID, &sig.TestName, &testID, &kind,
				&sig.LatencyMs, &sig.Value, &metaJSON, &sig.At, &sig.TxAt); err != nil {
				sigRows.Close()

				return nil, apierr.Wrap(apierr.StorageError, "causality walk: scan signal failed", err)
			}

			sig.RunID = runID
			sig.TestID = testID.value
			sig.Kind = fact.SignalKind(kind)

			meta, err := unmarshalErrorMap(metaJSON)
			if err != nil {
				sigRows.Close()

				return nil, apierr.Wrap(apierr.StorageError, "causality walk: decode signal meta failed", err)
			}

			sig.Meta = meta

			hits = append(hits, query.CausalityHit{
				TestName:  f.testName,
				FactID:    f.factID,
				Signal:    sig,
				DeltaSecs: sig.At.Sub(f.completedAt).Seconds(),
			})
		}

		if err := sigRows.Err(); err != nil {
			sigRows.Close()

			return nil, apierr.Wrap(apierr.StorageError, "causality walk: iterate signals failed", err)
		}

		sigRows.Close()
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].TestName != hits[j].TestName {
			return hits[i].TestName < hits[j].TestName
		}

		return math.Abs(hits[i].DeltaSecs) < math.Abs(hits[j].DeltaSecs)
	})

	return hits, nil
}

// nullString scans a nullable text column into a plain string, treating
// SQL NULL as "".
type nullString struct {
	value string
	valid bool
}

func (n *nullString) Scan(src interface{}) error {
	if src == nil {
		n.value, n.valid = "", false

		return nil
	}

	switch v := src.(type) {
	case string:
		n.value, n.valid = v, true
	case []byte:
		n.value, n.valid = string(v), true
	default:
		return fmt.Errorf("storage: cannot scan %T into nullString", src)
	}

	return nil
}

// ResonanceMap implements query.Store, bucketing open facts by
// (floor(valid_from, bucket), status) in SQL via a width-bucket epoch trick,
// mirroring MemoryFactStore.ResonanceMap's semantics.
func (s *PostgresFactStore) ResonanceMap(
	ctx context.Context, runID string, bucket time.Duration,
) ([]query.ResonanceBucket, error) {
	if bucket <= 0 {
		bucket = query.DefaultResonanceBucket
	}

	const queryStr = `
		SELECT
			to_timestamp(floor(extract(epoch FROM valid_from) / $2) * $2) AS bucket,
			status,
			COUNT(*)
		FROM test_facts
		WHERE run_id = $1 AND valid_to = $3
		GROUP BY bucket, status
		ORDER BY bucket, status
	`

	rows, err := s.conn.QueryContext(ctx, queryStr, runID, bucket.Seconds(), temporal.Infinity)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "resonance map query failed", err)
	}
	defer rows.Close()

	var result []query.ResonanceBucket

	for rows.Next() {
		var (
			b      query.ResonanceBucket
			status string
		)

		if err := rows.Scan(&b.Bucket, &status, &b.Count); err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "resonance map scan failed", err)
		}

		b.Status = fact.TestStatus(status)
		result = append(result, b)
	}

	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "resonance map iterate failed", err)
	}

	return result, nil
}

// TestStabilityScore implements query.Store over the most recent
// lookbackRuns open facts for testName, fetched ordered by tx_at and
// scored the same way MemoryFactStore.TestStabilityScore does.
func (s *PostgresFactStore) TestStabilityScore(
	ctx context.Context, testName string, lookbackRuns int,
) (float64, bool, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = query.DefaultLookbackRuns
	}

	const queryStr = `
		SELECT status
		FROM test_facts
		WHERE test_name = $1 AND valid_to = $2
		ORDER BY tx_at DESC
		LIMIT $3
	`

	rows, err := s.conn.QueryContext(ctx, queryStr, testName, temporal.Infinity, lookbackRuns)
	if err != nil {
		return 0, false, apierr.Wrap(apierr.StorageError, "test stability score query failed", err)
	}
	defer rows.Close()

	counts := make(map[string]int)

	n := 0

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, false, apierr.Wrap(apierr.StorageError, "test stability score scan failed", err)
		}

		counts[status]++
		n++
	}

	if err := rows.Err(); err != nil {
		return 0, false, apierr.Wrap(apierr.StorageError, "test stability score iterate failed", err)
	}

	if n == 0 {
		return 0, false, nil
	}

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	if maxCount == n {
		return 1.0, true, nil
	}

	distinct := len(counts)

	return 1.0 - float64(distinct)/float64(n), true, nil
}

// PatternScan implements query.Store's optional best-effort recurring
// instability scan, fetching failing open facts and bucketing them by test
// name in Go the same way MemoryFactStore.PatternScan does (per-test
// top-N-by-recency doesn't map cleanly to a single aggregate query).
func (s *PostgresFactStore) PatternScan(ctx context.Context, lookbackRuns int) ([]fact.Resonance, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = query.DefaultLookbackRuns
	}

	const queryStr = `
		SELECT test_name, tx_at
		FROM test_facts
		WHERE valid_to = $1 AND status IN ('fail', 'timeout')
		ORDER BY test_name, tx_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, queryStr, temporal.Infinity)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "pattern scan query failed", err)
	}
	defer rows.Close()

	byTest := make(map[string][]time.Time)

	for rows.Next() {
		var (
			testName string
			txAt     time.Time
		)

		if err := rows.Scan(&testName, &txAt); err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "pattern scan scan failed", err)
		}

		byTest[testName] = append(byTest[testName], txAt)
	}

	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "pattern scan iterate failed", err)
	}

	var resonances []fact.Resonance

	for testName, occs := range byTest {
		if len(occs) > lookbackRuns {
			occs = occs[:lookbackRuns]
		}

		if len(occs) < 2 {
			continue
		}

		score := float64(len(occs)) / float64(lookbackRuns)
		if score > 1.0 {
			score = 1.0
		}

		firstSeen, lastSeen := occs[len(occs)-1], occs[0]

		resonances = append(resonances, fact.Resonance{
			PatternID:     fmt.Sprintf("recurring-failure:%s", testName),
			Description:   fmt.Sprintf("%s has failed or timed out in %d of its last %d runs", testName, len(occs), lookbackRuns),
			Score:         score,
			Occurrences:   len(occs),
			FirstSeen:     firstSeen,
			LastSeen:      lastSeen,
			AffectedTests: []string{testName},
		})
	}

	sort.Slice(resonances, func(i, j int) bool { return resonances[i].Score > resonances[j].Score })

	return resonances, nil
}

var _ query.Store = (*PostgresFactStore)(nil)
