package storage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/query"
)

// CausalityWalk implements query.Store over the in-memory facts/signals.
func (m *MemoryFactStore) CausalityWalk(_ context.Context, runID string, window time.Duration) ([]query.CausalityHit, error) {
	if window <= 0 {
		window = query.DefaultCausalityWindow
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []query.CausalityHit

	for key, versions := range m.facts {
		if key.runID != runID {
			continue
		}

		for _, v := range versions {
			if !v.Open() || !v.Status.IsFailing() || v.CompletedAt == nil {
				continue
			}

			lo := v.CompletedAt.Add(-window)
			hi := v.CompletedAt.Add(window)

			for _, sig := range m.signals[runID] {
				if sig.At.Before(lo) || sig.At.After(hi) {
					continue
				}

				hits = append(hits, query.CausalityHit{
					TestName:  v.TestName,
					FactID:    v.FactID,
					Signal:    sig,
					DeltaSecs: sig.At.Sub(*v.CompletedAt).Seconds(),
				})
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].TestName != hits[j].TestName {
			return hits[i].TestName < hits[j].TestName
		}

		return math.Abs(hits[i].DeltaSecs) < math.Abs(hits[j].DeltaSecs)
	})

	return hits, nil
}

// ResonanceMap implements query.Store over the in-memory facts.
func (m *MemoryFactStore) ResonanceMap(_ context.Context, runID string, bucket time.Duration) ([]query.ResonanceBucket, error) {
	if bucket <= 0 {
		bucket = query.DefaultResonanceBucket
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type bucketKey struct {
		bucket time.Time
		status fact.TestStatus
	}

	counts := make(map[bucketKey]int)

	for key, versions := range m.facts {
		if key.runID != runID {
			continue
		}

		for _, v := range versions {
			if !v.Open() {
				continue
			}

			bk := bucketKey{bucket: floorTime(v.ValidFrom, bucket), status: v.Status}
			counts[bk]++
		}
	}

	result := make([]query.ResonanceBucket, 0, len(counts))
	for bk, n := range counts {
		result = append(result, query.ResonanceBucket{Bucket: bk.bucket, Status: bk.status, Count: n})
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Bucket.Equal(result[j].Bucket) {
			return result[i].Bucket.Before(result[j].Bucket)
		}

		return result[i].Status < result[j].Status
	})

	return result, nil
}

func floorTime(t time.Time, bucket time.Duration) time.Time {
	return t.Truncate(bucket)
}

// TestStabilityScore implements query.Store: among the most recent
// lookbackRuns distinct runs carrying an open fact for testName, score is
// 1.0 if every one agrees on status, degrading toward 0 as the status
// distribution spreads out.
func (m *MemoryFactStore) TestStabilityScore(
	_ context.Context, testName string, lookbackRuns int,
) (float64, bool, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = query.DefaultLookbackRuns
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type observation struct {
		status fact.TestStatus
		txAt   time.Time
	}

	var observations []observation

	for key, versions := range m.facts {
		if key.testName != testName {
			continue
		}

		for _, v := range versions {
			if v.Open() {
				observations = append(observations, observation{status: v.Status, txAt: v.TxAt})
			}
		}
	}

	if len(observations) == 0 {
		return 0, false, nil
	}

	sort.Slice(observations, func(i, j int) bool { return observations[i].txAt.After(observations[j].txAt) })

	if len(observations) > lookbackRuns {
		observations = observations[:lookbackRuns]
	}

	counts := make(map[fact.TestStatus]int)
	for _, o := range observations {
		counts[o.status]++
	}

	n := len(observations)

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

// PatternScan implements query.Store's optional best-effort instability
// scan: tests whose open fact has failed or timed out in at least two of
// their most recent lookbackRuns runs are surfaced as a recurring pattern.
func (m *MemoryFactStore) PatternScan(_ context.Context, lookbackRuns int) ([]fact.Resonance, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = query.DefaultLookbackRuns
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type occurrence struct {
		txAt time.Time
	}

	byTest := make(map[string][]occurrence)
	firstSeen := make(map[string]time.Time)
	lastSeen := make(map[string]time.Time)

	for key, versions := range m.facts {
		for _, v := range versions {
			if !v.Open() || !v.Status.IsFailing() {
				continue
			}

			byTest[key.testName] = append(byTest[key.testName], occurrence{txAt: v.TxAt})

			if fs, ok := firstSeen[key.testName]; !ok || v.TxAt.Before(fs) {
				firstSeen[key.testName] = v.TxAt
			}

			if ls, ok := lastSeen[key.testName]; !ok || v.TxAt.After(ls) {
				lastSeen[key.testName] = v.TxAt
			}
		}
	}

	var resonances []fact.Resonance

	for testName, occs := range byTest {
		sort.Slice(occs, func(i, j int) bool { return occs[i].txAt.After(occs[j].txAt) })

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

		resonances = append(resonances, fact.Resonance{
			PatternID:     fmt.Sprintf("recurring-failure:%s", testName),
			Description:   fmt.Sprintf("%s has failed or timed out in %d of its last %d runs", testName, len(occs), lookbackRuns),
			Score:         score,
			Occurrences:   len(occs),
			FirstSeen:     firstSeen[testName],
			LastSeen:      lastSeen[testName],
			AffectedTests: []string{testName},
		})
	}

	sort.Slice(resonances, func(i, j int) bool { return resonances[i].Score > resonances[j].Score })

	return resonances, nil
}

var _ query.Store = (*MemoryFactStore)(nil)
