package fact

import (
	"context"
	"time"
)

// Manager is what the ingest front-end needs from the bi-temporal fact
// engine: upsert-with-close-previous, timeshift reads, and run lifecycle
// management. Concrete implementations (PostgreSQL, in-memory) live in
// internal/storage, following the same dependency-inversion split the
// teacher repo uses between internal/ingestion.Store and internal/storage.
type Manager interface {
	// UpsertRun creates or updates a Run, applying the §4.7 lifecycle
	// transitions (unknown -> open -> closed, monotonic ended_at close).
	UpsertRun(ctx context.Context, in UpsertRunInput) (runID string, err error)

	// GetRun returns the current state of a run.
	GetRun(ctx context.Context, runID string) (Run, bool, error)

	// UpsertTestFact applies the close-previous-insert-new sequence from
	// §4.3 atomically for a single (run_id, test_name) key. lateData
	// reports whether the run was already closed when this fact arrived,
	// for the caller to flag in observability per §4.7.
	UpsertTestFact(ctx context.Context, in UpsertTestFactInput) (factID string, lateData bool, err error)

	// CurrentTestFacts returns the open facts for a run, sorted by test_name.
	CurrentTestFacts(ctx context.Context, runID string) ([]TestFact, error)

	// TimeshiftTestFacts returns facts whose valid-time interval contains
	// validAt and whose tx_at is at or before the given knowledge cut-off
	// (now, if txAt is nil).
	TimeshiftTestFacts(ctx context.Context, runID string, validAt time.Time, txAt *time.Time) ([]TestFact, error)

	// FindTestByName resolves a test name to the fact_id of its currently
	// open fact, used by signal/artifact ingest.
	FindTestByName(ctx context.Context, runID, testName string) (factID string, ok bool, err error)

	// AppendSignal stores an append-only Signal. lateData reports whether
	// the run was already closed when the signal arrived.
	AppendSignal(ctx context.Context, in Signal) (signalID string, lateData bool, err error)

	// AppendArtifact stores an append-only Artifact. lateData reports
	// whether the run was already closed when the artifact arrived.
	AppendArtifact(ctx context.Context, in Artifact) (artifactID string, lateData bool, err error)

	// IngestBatch applies a run upsert plus its tests, signals, and
	// artifacts as a single all-or-nothing unit: either every record in
	// in is persisted, or none is. This is stricter than the per-record
	// ingest endpoints, which report partial success per record.
	IngestBatch(ctx context.Context, in BatchInput) (BatchResult, error)

	// HealthCheck verifies the storage backend is reachable.
	HealthCheck(ctx context.Context) error
}

// BatchInput carries the arguments to the spec's /ingest/batch operation.
type BatchInput struct {
	Run       UpsertRunInput
	ValidFrom time.Time
	Tests     []UpsertTestFactInput
	Signals   []Signal
	Artifacts []Artifact
}

// BatchResult reports what IngestBatch persisted.
type BatchResult struct {
	RunID         string
	FactIDs       []string
	SignalIDs     []string
	ArtifactIDs   []string
	LateDataCount int
}

// UpsertRunInput carries the fields a Run ingest call may supply.
type UpsertRunInput struct {
	RunID         string
	BuildID       string
	PlanName      string
	Env           map[string]string
	StartedAt     time.Time
	EndedAt       *time.Time
	RunnerVersion string
}

// UpsertTestFactInput carries the arguments to the spec's upsert_test_fact
// operation (§4.3).
type UpsertTestFactInput struct {
	RunID       string
	TestName    string
	Suite       string
	Guidance    string
	Status      TestStatus
	DurationMs  *int64
	Error       map[string]interface{}
	StartedAt   *time.Time
	CompletedAt *time.Time
	ValidFrom   time.Time
}
