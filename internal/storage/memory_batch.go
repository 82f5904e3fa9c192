package storage

import (
	"context"
	"time"

	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/identifier"
	"github.com/bitempora/factengine/internal/temporal"
)

// IngestBatch implements fact.Manager's all-or-nothing batch operation. The
// whole batch is validated under a single write lock before any field of
// the store is mutated, so a failure partway through never leaves a
// partially-applied batch visible to readers.
func (m *MemoryFactStore) IngestBatch(_ context.Context, in fact.BatchInput) (fact.BatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	runID, run, err := m.planRunUpsert(in.Run)
	if err != nil {
		return fact.BatchResult{}, err
	}

	lateData := run.State == fact.RunClosed

	factCandidates, err := m.planTestFacts(runID, in.Tests)
	if err != nil {
		return fact.BatchResult{}, err
	}

	signalCandidates, err := m.planSignals(runID, in.Signals)
	if err != nil {
		return fact.BatchResult{}, err
	}

	artifactCandidates, err := m.planArtifacts(runID, in.Artifacts)
	if err != nil {
		return fact.BatchResult{}, err
	}

	// Every record validated successfully: commit the whole batch.
	m.runs[runID] = run

	result := fact.BatchResult{RunID: runID}

	if lateData {
		result.LateDataCount = len(in.Tests) + len(in.Signals) + len(in.Artifacts)
	}

	for _, c := range factCandidates {
		key := factKey{runID: runID, testName: c.candidate.TestName}

		if !c.reused {
			versions := m.facts[key]
			if c.openIdx >= 0 {
				versions[c.openIdx].ValidTo = c.candidate.ValidFrom
			} else if n := len(versions); n > 0 && versions[n-1].Open() {
				// An earlier version of this test from the same batch.
				versions[n-1].ValidTo = c.candidate.ValidFrom
			}

			m.facts[key] = append(versions, c.candidate)
		}

		result.FactIDs = append(result.FactIDs, c.candidate.FactID)
	}

	for _, s := range signalCandidates {
		m.signals[runID] = append(m.signals[runID], s)
		result.SignalIDs = append(result.SignalIDs, s.SignalID)
	}

	for _, a := range artifactCandidates {
		m.artifacts[runID] = append(m.artifacts[runID], a)
		result.ArtifactIDs = append(result.ArtifactIDs, a.ArtifactID)
	}

	return result, nil
}

// planRunUpsert mirrors UpsertRun's merge logic but returns the resulting
// Run without mutating the store, so batch validation can fail without
// side effects.
func (m *MemoryFactStore) planRunUpsert(in fact.UpsertRunInput) (string, fact.Run, error) {
	runID, err := identifier.Accept(in.RunID)
	if err != nil {
		return "", fact.Run{}, apierr.Wrap(apierr.InvalidInput, "malformed run_id", err)
	}

	existing, ok := m.runs[runID]
	if !ok {
		run := fact.Run{
			RunID:         runID,
			BuildID:       in.BuildID,
			PlanName:      in.PlanName,
			Env:           in.Env,
			StartedAt:     in.StartedAt,
			EndedAt:       in.EndedAt,
			RunnerVersion: in.RunnerVersion,
			State:         fact.RunOpen,
			TxAt:          m.clock.Now(),
		}

		if run.EndedAt != nil {
			run.State = fact.RunClosed
		}

		if err := run.Validate(); err != nil {
			return "", fact.Run{}, apierr.Wrap(apierr.InvalidInput, "invalid run", err)
		}

		return runID, run, nil
	}

	merged := existing
	merged.TxAt = m.clock.Now()

	if in.PlanName != "" {
		merged.PlanName = in.PlanName
	}

	if in.Env != nil {
		merged.Env = in.Env
	}

	if in.RunnerVersion != "" {
		merged.RunnerVersion = in.RunnerVersion
	}

	if in.EndedAt != nil && (merged.EndedAt == nil || in.EndedAt.After(*merged.EndedAt)) {
		merged.EndedAt = in.EndedAt
		merged.State = fact.RunClosed
	}

	if err := merged.Validate(); err != nil {
		return "", fact.Run{}, apierr.Wrap(apierr.InvalidInput, "invalid run", err)
	}

	return runID, merged, nil
}

// testFactCandidate is a validated, not-yet-committed test fact version,
// plus enough context to apply it once the whole batch has validated.
type testFactCandidate struct {
	candidate fact.TestFact
	openIdx   int
	reused    bool // true when candidate is an existing, identity-equal version
}

// planTestFacts validates every test in tests against the store's current
// state (read-only) and returns the resulting candidates in order. It does
// not mutate m.facts.
func (m *MemoryFactStore) planTestFacts(
	runID string, tests []fact.UpsertTestFactInput,
) ([]testFactCandidate, error) {
	// Track in-batch open-version overrides per test name, since a batch
	// may carry multiple versions of the same test.
	pending := make(map[string]fact.TestFact)

	result := make([]testFactCandidate, 0, len(tests))

	for _, t := range tests {
		key := factKey{runID: runID, testName: t.TestName}
		versions := m.facts[key]

		openIdx := -1

		for i := range versions {
			if versions[i].Open() {
				openIdx = i

				break
			}
		}

		var previousValidFrom time.Time

		open, hasPending := pending[t.TestName]

		switch {
		case hasPending:
			previousValidFrom = open.ValidFrom
		case openIdx >= 0:
			previousValidFrom = versions[openIdx].ValidFrom
		}

		candidate := fact.TestFact{
			RunID:       runID,
			TestName:    t.TestName,
			Suite:       t.Suite,
			Guidance:    t.Guidance,
			Status:      t.Status,
			DurationMs:  t.DurationMs,
			Error:       t.Error,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
			ValidFrom:   t.ValidFrom,
			ValidTo:     temporal.Infinity,
		}

		if err := candidate.Validate(previousValidFrom); err != nil {
			return nil, apierr.Wrap(apierr.InvalidInput, "invalid test fact", err)
		}

		if hasPending && open.IdentityEqual(candidate) {
			result = append(result, testFactCandidate{candidate: open, openIdx: -1, reused: true})

			continue
		}

		if !hasPending && openIdx >= 0 && versions[openIdx].IdentityEqual(candidate) {
			result = append(result, testFactCandidate{candidate: versions[openIdx], openIdx: -1, reused: true})

			continue
		}

		candidate.FactID = identifier.New()
		candidate.TxAt = m.clock.Now()

		resolvedOpenIdx := -1
		if !hasPending {
			resolvedOpenIdx = openIdx
		}

		result = append(result, testFactCandidate{candidate: candidate, openIdx: resolvedOpenIdx})
		pending[t.TestName] = candidate
	}

	return result, nil
}

func (m *MemoryFactStore) planSignals(runID string, signals []fact.Signal) ([]fact.Signal, error) {
	result := make([]fact.Signal, 0, len(signals))

	for _, s := range signals {
		s.RunID = runID

		if err := s.Validate(); err != nil {
			return nil, apierr.Wrap(apierr.InvalidInput, "invalid signal", err)
		}

		signalID, err := identifier.Accept(s.SignalID)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidInput, "malformed signal_id", err)
		}

		s.SignalID = signalID
		s.TxAt = m.clock.Now()
		result = append(result, s)
	}

	return result, nil
}

func (m *MemoryFactStore) planArtifacts(runID string, artifacts []fact.Artifact) ([]fact.Artifact, error) {
	result := make([]fact.Artifact, 0, len(artifacts))

	for _, a := range artifacts {
		a.RunID = runID

		if err := a.Validate(); err != nil {
			return nil, apierr.Wrap(apierr.InvalidInput, "invalid artifact", err)
		}

		artifactID, err := identifier.Accept(a.ArtifactID)
		if err != nil {
			return nil, apierr.Wrap(apierr.InvalidInput, "malformed artifact_id", err)
		}

		a.ArtifactID = artifactID
		if a.CreatedAt.IsZero() {
			a.CreatedAt = m.clock.Now()
		}

		result = append(result, a)
	}

	return result, nil
}
