// Package fact defines the entity model of the bi-temporal test-observability
// store: System, Build, Run, TestFact, Signal, Artifact, and Resonance, along
// with their field-level validation.
package fact

import (
	"errors"
	"time"

	"github.com/bitempora/factengine/internal/temporal"
)

// maxTestNameLength bounds the test_name field, mirroring the conservative
// length limit test frameworks like JUnit and pytest tolerate in practice.
const maxTestNameLength = 750

// Sentinel validation errors. Each maps to apierr.InvalidInput at the HTTP
// boundary; kept here, not in apierr, so the domain package has no import
// of the transport-facing error taxonomy.
var (
	ErrRunIDEmpty        = errors.New("fact: run_id cannot be empty")
	ErrTestNameEmpty     = errors.New("fact: test_name cannot be empty")
	ErrTestNameTooLong   = errors.New("fact: test_name exceeds maximum length")
	ErrSuiteEmpty        = errors.New("fact: suite cannot be empty")
	ErrInvalidStatus     = errors.New("fact: status is not a recognized value")
	ErrInvalidKind       = errors.New("fact: kind is not a recognized value")
	ErrValidFromZero     = errors.New("fact: valid_from must be set")
	ErrValidFromRegress  = errors.New("fact: valid_from precedes the currently open fact")
	ErrNegativeDuration  = errors.New("fact: duration_ms cannot be negative")
	ErrPlanNameEmpty     = errors.New("fact: plan_name cannot be empty")
	ErrStartedAtZero     = errors.New("fact: started_at must be set")
	ErrEndedBeforeStart  = errors.New("fact: ended_at precedes started_at")
	ErrSignalAtZero      = errors.New("fact: at must be set")
	ErrArtifactPathEmpty = errors.New("fact: path cannot be empty")
	ErrArtifactHashEmpty = errors.New("fact: content_hash cannot be empty")
	ErrSystemNameEmpty   = errors.New("fact: name cannot be empty")
	ErrCommitSHAEmpty    = errors.New("fact: commit_sha cannot be empty")
	ErrSystemIDEmpty     = errors.New("fact: system_id cannot be empty")
)

// TestStatus is the outcome of a single test execution.
type TestStatus string

const (
	StatusPass    TestStatus = "pass"
	StatusFail    TestStatus = "fail"
	StatusXFail   TestStatus = "xfail"
	StatusFlake   TestStatus = "flake"
	StatusTimeout TestStatus = "timeout"
	StatusSkip    TestStatus = "skip"
)

// IsValid reports whether s is one of the recognized test statuses.
func (s TestStatus) IsValid() bool {
	switch s {
	case StatusPass, StatusFail, StatusXFail, StatusFlake, StatusTimeout, StatusSkip:
		return true
	default:
		return false
	}
}

// IsFailing reports whether s counts toward causality-walk inclusion:
// the spec scopes that query to fail and timeout outcomes.
func (s TestStatus) IsFailing() bool {
	return s == StatusFail || s == StatusTimeout
}

// SignalKind categorizes a low-level observation attached to a run.
type SignalKind string

const (
	SignalUI        SignalKind = "ui"
	SignalAPI       SignalKind = "api"
	SignalWebsocket SignalKind = "websocket"
	SignalGRPC      SignalKind = "grpc"
	SignalDatabase  SignalKind = "database"
	SignalNetwork   SignalKind = "network"
	SignalSystem    SignalKind = "system"
)

// IsValid reports whether k is one of the recognized signal kinds.
func (k SignalKind) IsValid() bool {
	switch k {
	case SignalUI, SignalAPI, SignalWebsocket, SignalGRPC, SignalDatabase, SignalNetwork, SignalSystem:
		return true
	default:
		return false
	}
}

// ArtifactKind categorizes a captured byproduct of a test execution.
type ArtifactKind string

const (
	ArtifactScreenshot  ArtifactKind = "screenshot"
	ArtifactAPIResponse ArtifactKind = "api_response"
	ArtifactWSMessage   ArtifactKind = "ws_message"
	ArtifactGRPCTrace   ArtifactKind = "grpc_trace"
	ArtifactLog         ArtifactKind = "log"
	ArtifactVideo       ArtifactKind = "video"
	ArtifactTrace       ArtifactKind = "trace"
)

// IsValid reports whether k is one of the recognized artifact kinds.
func (k ArtifactKind) IsValid() bool {
	switch k {
	case ArtifactScreenshot, ArtifactAPIResponse, ArtifactWSMessage, ArtifactGRPCTrace,
		ArtifactLog, ArtifactVideo, ArtifactTrace:
		return true
	default:
		return false
	}
}

// RunState is a position in the Run lifecycle state machine (§4.7).
type RunState string

const (
	RunUnknown RunState = "unknown"
	RunOpen    RunState = "open"
	RunClosed  RunState = "closed"
)

// System is an immutable record of a codebase producing test runs.
type System struct {
	SystemID   string
	Name       string
	Version    string
	Repository string
	CreatedAt  time.Time
}

// Validate checks System field invariants.
func (s System) Validate() error {
	if s.Name == "" {
		return ErrSystemNameEmpty
	}

	return nil
}

// Build is an immutable record of a compiled artifact of a System.
type Build struct {
	BuildID   string
	SystemID  string
	CommitSHA string
	Branch    string
	Version   string
	CreatedAt time.Time
}

// Validate checks Build field invariants.
func (b Build) Validate() error {
	if b.SystemID == "" {
		return ErrSystemIDEmpty
	}

	if b.CommitSHA == "" {
		return ErrCommitSHAEmpty
	}

	return nil
}

// Run is one hermetic execution of a test plan.
type Run struct {
	RunID         string
	BuildID       string
	PlanName      string
	Env           map[string]string
	StartedAt     time.Time
	EndedAt       *time.Time
	RunnerVersion string
	State         RunState
	TxAt          time.Time
}

// Validate checks Run field invariants.
func (r Run) Validate() error {
	if r.RunID == "" {
		return ErrRunIDEmpty
	}

	if r.PlanName == "" {
		return ErrPlanNameEmpty
	}

	if r.StartedAt.IsZero() {
		return ErrStartedAtZero
	}

	if r.EndedAt != nil && r.EndedAt.Before(r.StartedAt) {
		return ErrEndedBeforeStart
	}

	return nil
}

// TestFact is one bi-temporal version of what the engine believed about a
// test's outcome. Multiple versions may exist for the same (RunID, TestName);
// at most one has ValidTo = temporal.Infinity at any instant.
type TestFact struct {
	FactID      string                 `json:"fact_id"`
	RunID       string                 `json:"run_id"`
	TestName    string                 `json:"test_name"`
	Suite       string                 `json:"suite"`
	Guidance    string                 `json:"guidance,omitempty"`
	Status      TestStatus             `json:"status"`
	DurationMs  *int64                 `json:"duration_ms,omitempty"`
	Error       map[string]interface{} `json:"error,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ValidFrom   time.Time              `json:"valid_from"`
	ValidTo     time.Time              `json:"valid_to"`
	TxAt        time.Time              `json:"tx_at"`
}

// Open reports whether the fact is the currently-believed-true version.
func (f TestFact) Open() bool {
	return temporal.IsOpen(f.ValidTo)
}

// Validate checks TestFact field invariants per §3/§4.3. previousValidFrom is
// the ValidFrom of the fact currently open for (RunID, TestName), or the zero
// value if none exists; a new upsert must not regress before it.
func (f TestFact) Validate(previousValidFrom time.Time) error {
	if f.RunID == "" {
		return ErrRunIDEmpty
	}

	if f.TestName == "" {
		return ErrTestNameEmpty
	}

	if len(f.TestName) > maxTestNameLength {
		return ErrTestNameTooLong
	}

	if f.Suite == "" {
		return ErrSuiteEmpty
	}

	if !f.Status.IsValid() {
		return ErrInvalidStatus
	}

	if f.DurationMs != nil && *f.DurationMs < 0 {
		return ErrNegativeDuration
	}

	if f.ValidFrom.IsZero() {
		return ErrValidFromZero
	}

	if !previousValidFrom.IsZero() && f.ValidFrom.Before(previousValidFrom) {
		return ErrValidFromRegress
	}

	return nil
}

// IdentityEqual reports whether f and other agree on Status, DurationMs,
// CompletedAt, ValidFrom and Error; every other field is ignored — the
// idempotence check from §4.3.
func (f TestFact) IdentityEqual(other TestFact) bool {
	if f.Status != other.Status {
		return false
	}

	if !durationEqual(f.DurationMs, other.DurationMs) {
		return false
	}

	if !timePtrEqual(f.CompletedAt, other.CompletedAt) {
		return false
	}

	if !f.ValidFrom.Equal(other.ValidFrom) {
		return false
	}

	return errorEqual(f.Error, other.Error)
}

func durationEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}

	return *a == *b
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}

func errorEqual(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}

	for k, v := range a {
		other, ok := b[k]
		if !ok || other != v {
			return false
		}
	}

	return true
}

// Signal is an append-only, non-bi-temporal observation attached to a run.
type Signal struct {
	SignalID  string                 `json:"signal_id"`
	RunID     string                 `json:"run_id"`
	TestName  string                 `json:"test_name,omitempty"`
	TestID    string                 `json:"test_id,omitempty"`
	Kind      SignalKind             `json:"kind"`
	LatencyMs *int64                 `json:"latency_ms,omitempty"`
	Value     *float64               `json:"value,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
	At        time.Time              `json:"at"`
	TxAt      time.Time              `json:"tx_at"`
}

// Validate checks Signal field invariants.
func (s Signal) Validate() error {
	if s.RunID == "" {
		return ErrRunIDEmpty
	}

	if !s.Kind.IsValid() {
		return ErrInvalidKind
	}

	if s.At.IsZero() {
		return ErrSignalAtZero
	}

	return nil
}

// Artifact is an append-only byproduct captured during a test execution.
type Artifact struct {
	ArtifactID  string       `json:"artifact_id"`
	RunID       string       `json:"run_id"`
	TestName    string       `json:"test_name,omitempty"`
	TestID      string       `json:"test_id,omitempty"`
	Kind        ArtifactKind `json:"kind"`
	ContentHash string       `json:"content_hash"`
	Path        string       `json:"path"`
	SizeBytes   *int64       `json:"size_bytes,omitempty"`
	MimeType    string       `json:"mime_type,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Validate checks Artifact field invariants.
func (a Artifact) Validate() error {
	if a.RunID == "" {
		return ErrRunIDEmpty
	}

	if !a.Kind.IsValid() {
		return ErrInvalidKind
	}

	if a.Path == "" {
		return ErrArtifactPathEmpty
	}

	if a.ContentHash == "" {
		return ErrArtifactHashEmpty
	}

	return nil
}

// Resonance is a derived, recomputable record of a recurring instability
// pattern across tests and runs.
type Resonance struct {
	ResonanceID   string    `json:"resonance_id,omitempty"`
	PatternID     string    `json:"pattern_id"`
	Description   string    `json:"description"`
	Score         float64   `json:"score"`
	Occurrences   int       `json:"occurrences"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	AffectedTests []string  `json:"affected_tests"`
	RootCause     string    `json:"root_cause,omitempty"`
}
