package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/identifier"
	"github.com/bitempora/factengine/internal/temporal"
)

// factKey identifies the family of bi-temporal versions for one
// (run_id, test_name) pair — the unit the spec requires upserts to
// serialize on.
type factKey struct {
	runID    string
	testName string
}

// keyLocks is a lazily-populated sharded lock table keyed by an arbitrary
// string, generalizing the copy-on-read/copy-on-write map idiom the teacher
// repo uses for its in-memory API key store and rate limiter to the
// per-(run_id,test_name) serialization §4.3 and §9 require.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock blocks until key's lock is held and returns a function to release it.
func (k *keyLocks) Lock(key string) func() {
	k.mu.Lock()

	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}

	k.mu.Unlock()

	l.Lock()

	return l.Unlock
}

// MemoryFactStore is an in-process implementation of fact.Manager and
// query.Store, intended for unit tests and local/dev runs where spinning up
// PostgreSQL is unnecessary overhead. Per-key serialization is provided by a
// sharded lock table rather than SELECT ... FOR UPDATE.
type MemoryFactStore struct {
	clock temporal.Clock

	mu        sync.RWMutex
	runs      map[string]fact.Run
	facts     map[factKey][]fact.TestFact
	signals   map[string][]fact.Signal   // keyed by run_id
	artifacts map[string][]fact.Artifact // keyed by run_id

	locks *keyLocks
}

// NewMemoryFactStore returns an empty MemoryFactStore using clock for
// tx_at assignment. A nil clock defaults to a fresh MonotonicClock.
func NewMemoryFactStore(clock temporal.Clock) *MemoryFactStore {
	if clock == nil {
		clock = temporal.NewMonotonicClock()
	}

	return &MemoryFactStore{
		clock:     clock,
		runs:      make(map[string]fact.Run),
		facts:     make(map[factKey][]fact.TestFact),
		signals:   make(map[string][]fact.Signal),
		artifacts: make(map[string][]fact.Artifact),
		locks:     newKeyLocks(),
	}
}

func runLockKey(runID string) string {
	return "run:" + runID
}

func factLockKey(k factKey) string {
	return "fact:" + k.runID + "\x00" + k.testName
}

// UpsertRun implements fact.Manager.
func (m *MemoryFactStore) UpsertRun(_ context.Context, in fact.UpsertRunInput) (string, error) {
	runID, err := identifier.Accept(in.RunID)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "malformed run_id", err)
	}

	unlock := m.locks.Lock(runLockKey(runID))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

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
			TxAt:          now,
		}

		if run.EndedAt != nil {
			run.State = fact.RunClosed
		}

		if err := run.Validate(); err != nil {
			return "", apierr.Wrap(apierr.InvalidInput, "invalid run", err)
		}

		m.runs[runID] = run

		return runID, nil
	}

	merged := existing
	merged.TxAt = now

	if in.PlanName != "" {
		merged.PlanName = in.PlanName
	}

	if in.Env != nil {
		merged.Env = in.Env
	}

	if in.RunnerVersion != "" {
		merged.RunnerVersion = in.RunnerVersion
	}

	// Re-ingest with a later ended_at updates the close; an earlier one is
	// ignored (idempotent monotonic close, §4.7).
	if in.EndedAt != nil && (merged.EndedAt == nil || in.EndedAt.After(*merged.EndedAt)) {
		merged.EndedAt = in.EndedAt
		merged.State = fact.RunClosed
	}

	if err := merged.Validate(); err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid run", err)
	}

	m.runs[runID] = merged

	return runID, nil
}

// GetRun implements fact.Manager.
func (m *MemoryFactStore) GetRun(_ context.Context, runID string) (fact.Run, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]

	return run, ok, nil
}

// UpsertTestFact implements fact.Manager's core bi-temporal operation
// (§4.3): find the open version for (run_id, test_name), close it at the
// new fact's valid_from, and insert the new open version, all serialized by
// the per-key lock.
func (m *MemoryFactStore) UpsertTestFact(_ context.Context, in fact.UpsertTestFactInput) (string, bool, error) {
	key := factKey{runID: in.RunID, testName: in.TestName}

	unlock := m.locks.Lock(factLockKey(key))
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[in.RunID]
	if !ok {
		return "", false, apierr.New(apierr.NotFound, "run does not exist")
	}

	lateData := run.State == fact.RunClosed

	versions := m.facts[key]

	openIdx := -1

	for i := range versions {
		if versions[i].Open() {
			openIdx = i

			break
		}
	}

	var previousValidFrom time.Time

	if openIdx >= 0 {
		previousValidFrom = versions[openIdx].ValidFrom
	}

	candidate := fact.TestFact{
		RunID:       in.RunID,
		TestName:    in.TestName,
		Suite:       in.Suite,
		Guidance:    in.Guidance,
		Status:      in.Status,
		DurationMs:  in.DurationMs,
		Error:       in.Error,
		StartedAt:   in.StartedAt,
		CompletedAt: in.CompletedAt,
		ValidFrom:   in.ValidFrom,
		ValidTo:     temporal.Infinity,
	}

	if err := candidate.Validate(previousValidFrom); err != nil {
		return "", lateData, apierr.Wrap(apierr.InvalidInput, "invalid test fact", err)
	}

	if openIdx >= 0 && versions[openIdx].IdentityEqual(candidate) {
		return versions[openIdx].FactID, lateData, nil
	}

	candidate.FactID = identifier.New()
	candidate.TxAt = m.clock.Now()

	if openIdx >= 0 {
		versions[openIdx].ValidTo = in.ValidFrom
	}

	m.facts[key] = append(versions, candidate)

	return candidate.FactID, lateData, nil
}

// CurrentTestFacts implements fact.Manager.
func (m *MemoryFactStore) CurrentTestFacts(_ context.Context, runID string) ([]fact.TestFact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var open []fact.TestFact

	for key, versions := range m.facts {
		if key.runID != runID {
			continue
		}

		for _, v := range versions {
			if v.Open() {
				open = append(open, v)

				break
			}
		}
	}

	sort.Slice(open, func(i, j int) bool { return open[i].TestName < open[j].TestName })

	return open, nil
}

// TimeshiftTestFacts implements fact.Manager.
func (m *MemoryFactStore) TimeshiftTestFacts(
	_ context.Context, runID string, validAt time.Time, txAt *time.Time,
) ([]fact.TestFact, error) {
	cutoff := time.Now().UTC()
	if txAt != nil {
		cutoff = *txAt
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []fact.TestFact

	for key, versions := range m.facts {
		if key.runID != runID {
			continue
		}

		for _, v := range versions {
			iv := temporal.Interval{From: v.ValidFrom, To: v.ValidTo}
			if iv.Contains(validAt) && !v.TxAt.After(cutoff) {
				result = append(result, v)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].TestName < result[j].TestName })

	return result, nil
}

// FindTestByName implements fact.Manager.
func (m *MemoryFactStore) FindTestByName(_ context.Context, runID, testName string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.facts[factKey{runID: runID, testName: testName}] {
		if v.Open() {
			return v.FactID, true, nil
		}
	}

	return "", false, nil
}

// AppendSignal implements fact.Manager.
func (m *MemoryFactStore) AppendSignal(_ context.Context, in fact.Signal) (string, bool, error) {
	if err := in.Validate(); err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "invalid signal", err)
	}

	signalID, err := identifier.Accept(in.SignalID)
	if err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "malformed signal_id", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[in.RunID]
	if !ok {
		return "", false, apierr.New(apierr.NotFound, "run does not exist")
	}

	in.SignalID = signalID
	in.TxAt = m.clock.Now()
	m.signals[in.RunID] = append(m.signals[in.RunID], in)

	return signalID, run.State == fact.RunClosed, nil
}

// AppendArtifact implements fact.Manager.
func (m *MemoryFactStore) AppendArtifact(_ context.Context, in fact.Artifact) (string, bool, error) {
	if err := in.Validate(); err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "invalid artifact", err)
	}

	artifactID, err := identifier.Accept(in.ArtifactID)
	if err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "malformed artifact_id", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[in.RunID]
	if !ok {
		return "", false, apierr.New(apierr.NotFound, "run does not exist")
	}

	in.ArtifactID = artifactID
	if in.CreatedAt.IsZero() {
		in.CreatedAt = m.clock.Now()
	}

	m.artifacts[in.RunID] = append(m.artifacts[in.RunID], in)

	return artifactID, run.State == fact.RunClosed, nil
}

// HealthCheck implements fact.Manager. The in-memory store is always healthy.
func (m *MemoryFactStore) HealthCheck(_ context.Context) error {
	return nil
}

var _ fact.Manager = (*MemoryFactStore)(nil)
