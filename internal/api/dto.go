package api

import (
	"time"

	"github.com/bitempora/factengine/internal/fact"
)

// RunDTO is the wire shape of POST /ingest/run.
type RunDTO struct {
	RunID         string            `json:"run_id,omitempty"`
	BuildID       string            `json:"build_id,omitempty"`
	PlanName      string            `json:"plan_name"`
	Env           map[string]string `json:"env,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       *time.Time        `json:"ended_at,omitempty"`
	RunnerVersion string            `json:"runner_version,omitempty"`
}

// RunResponse is the success body for POST /ingest/run.
type RunResponse struct {
	RunID string `json:"run_id"`
}

// TestDTO is the wire shape of one test entry within POST /ingest/tests or
// the tests section of POST /ingest/batch.
type TestDTO struct {
	Name        string                 `json:"name"`
	Suite       string                 `json:"suite"`
	Guidance    string                 `json:"guidance,omitempty"`
	Status      string                 `json:"status"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
	Error       map[string]interface{} `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// TestsRequest is the wire shape of POST /ingest/tests.
type TestsRequest struct {
	RunID     string    `json:"run_id"`
	ValidFrom time.Time `json:"valid_from"`
	Tests     []TestDTO `json:"tests"`
}

// RecordResult reports the outcome of one record within a per-record
// ingest endpoint's request body, generalizing the teacher's EventResult
// (index/status/error) across tests, signals, and artifacts.
type RecordResult struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TestsResponse is the success body for POST /ingest/tests. FactIDs holds
// the spec's documented `{fact_ids:[…]}` contract (§6) — the IDs of the
// records actually stored, in input order, skipping failed entries; Stored/
// Failed/Results are an additive extension exposing per-record partial
// success, unlike /ingest/batch's all-or-nothing semantics.
type TestsResponse struct {
	RunID   string         `json:"run_id"`
	FactIDs []string       `json:"fact_ids"`
	Stored  int            `json:"stored"`
	Failed  int            `json:"failed"`
	Results []RecordResult `json:"results"`
}

// SignalDTO is the wire shape of one signal entry.
type SignalDTO struct {
	Kind      string                 `json:"kind"`
	TestName  string                 `json:"test_name,omitempty"`
	TestID    string                 `json:"test_id,omitempty"`
	LatencyMs *int64                 `json:"latency_ms,omitempty"`
	Value     *float64               `json:"value,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	At        time.Time              `json:"at"`
}

// SignalsRequest is the wire shape of POST /ingest/signals.
type SignalsRequest struct {
	RunID   string      `json:"run_id"`
	Signals []SignalDTO `json:"signals"`
}

// SignalsResponse is the success body for POST /ingest/signals. SignalIDs
// holds the spec's documented `{signal_ids:[…]}` contract (§6); Stored/
// Failed/Results are an additive extension.
type SignalsResponse struct {
	RunID     string         `json:"run_id"`
	SignalIDs []string       `json:"signal_ids"`
	Stored    int            `json:"stored"`
	Failed    int            `json:"failed"`
	Results   []RecordResult `json:"results"`
}

// ArtifactDTO is the wire shape of one artifact entry.
type ArtifactDTO struct {
	Kind        string `json:"kind"`
	TestName    string `json:"test_name,omitempty"`
	TestID      string `json:"test_id,omitempty"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	SizeBytes   *int64 `json:"size_bytes,omitempty"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ArtifactsRequest is the wire shape of POST /ingest/artifacts.
type ArtifactsRequest struct {
	RunID     string        `json:"run_id"`
	Artifacts []ArtifactDTO `json:"artifacts"`
}

// ArtifactsResponse is the success body for POST /ingest/artifacts.
// ArtifactIDs holds the spec's documented `{artifact_ids:[…]}` contract
// (§6); Stored/Failed/Results are an additive extension.
type ArtifactsResponse struct {
	RunID       string         `json:"run_id"`
	ArtifactIDs []string       `json:"artifact_ids"`
	Stored      int            `json:"stored"`
	Failed      int            `json:"failed"`
	Results     []RecordResult `json:"results"`
}

// BatchRequest is the wire shape of POST /ingest/batch: an all-or-nothing
// envelope around a run plus its tests, signals, and artifacts.
type BatchRequest struct {
	Run       RunDTO        `json:"run"`
	ValidFrom time.Time     `json:"valid_from"`
	Tests     []TestDTO     `json:"tests,omitempty"`
	Signals   []SignalDTO   `json:"signals,omitempty"`
	Artifacts []ArtifactDTO `json:"artifacts,omitempty"`
}

// BatchResponse is the success body for POST /ingest/batch.
type BatchResponse struct {
	RunID  string         `json:"run_id"`
	Counts map[string]int `json:"counts"`
}

// QueryRequest is the tagged-union wire shape of POST /query, selected by
// Kind. Unused fields for a given Kind are ignored.
type QueryRequest struct {
	Kind          string     `json:"kind"`
	RunID         string     `json:"run_id,omitempty"`
	ValidAt       *time.Time `json:"valid_at,omitempty"`
	TxAt          *time.Time `json:"tx_at,omitempty"`
	WindowSeconds *int       `json:"window_seconds,omitempty"`
	BucketSeconds *int       `json:"bucket_seconds,omitempty"`
	TestName      string     `json:"test_name,omitempty"`
	LookbackRuns  *int       `json:"lookback_runs,omitempty"`
}

// QueryResponse wraps every query shape's result rows uniformly.
type QueryResponse struct {
	Rows []interface{} `json:"rows"`
}

// HealthResponse is the body for GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	Service string `json:"service"`
	Version string `json:"version"`
}

func testDTOToFact(runID string, validFrom time.Time, d TestDTO) fact.UpsertTestFactInput {
	return fact.UpsertTestFactInput{
		RunID:       runID,
		TestName:    d.Name,
		Suite:       d.Suite,
		Guidance:    d.Guidance,
		Status:      fact.TestStatus(d.Status),
		DurationMs:  d.DurationMs,
		Error:       d.Error,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
		ValidFrom:   validFrom,
	}
}

func signalDTOToFact(runID string, d SignalDTO) fact.Signal {
	return fact.Signal{
		RunID:     runID,
		TestName:  d.TestName,
		TestID:    d.TestID,
		Kind:      fact.SignalKind(d.Kind),
		LatencyMs: d.LatencyMs,
		Value:     d.Value,
		Meta:      d.Meta,
		At:        d.At,
	}
}

func artifactDTOToFact(runID string, d ArtifactDTO) fact.Artifact {
	return fact.Artifact{
		RunID:       runID,
		TestName:    d.TestName,
		TestID:      d.TestID,
		Kind:        fact.ArtifactKind(d.Kind),
		ContentHash: d.ContentHash,
		Path:        d.Path,
		SizeBytes:   d.SizeBytes,
		MimeType:    d.MimeType,
	}
}
