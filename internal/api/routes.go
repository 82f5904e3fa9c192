// Package api provides the HTTP API server for the bi-temporal fact engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bitempora/factengine/internal/api/middleware"
	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/query"
)

const healthCheckTimeout = 2 * time.Second

// setupRoutes registers every route on mux. Health/readiness probes are
// mounted on the outer, unauthenticated mux; every ingest/query endpoint is
// mounted on a protected mux wrapped in auth and rate-limit middleware, so
// k8s probes keep working even when the API token or limiter reject a
// caller, mirroring the teacher's public-vs-protected route split.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)

	protected := http.NewServeMux()
	protected.HandleFunc("POST /ingest/run", s.handleIngestRun)
	protected.HandleFunc("POST /ingest/tests", s.handleIngestTests)
	protected.HandleFunc("POST /ingest/signals", s.handleIngestSignals)
	protected.HandleFunc("POST /ingest/artifacts", s.handleIngestArtifacts)
	protected.HandleFunc("POST /ingest/batch", s.handleIngestBatch)
	protected.HandleFunc("POST /query", s.handleQuery)

	protectedHandler := middleware.Apply(protected,
		middleware.WithAuth(s.config.APIToken, s.logger),
		middleware.WithRateLimit(s.rateLimiter, s.logger),
	)

	mux.Handle("/", protectedHandler)
}

// handlePing answers a bare liveness probe.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleReady answers a readiness probe by checking the storage backend.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.manager.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth answers GET /health per spec §6.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := HealthResponse{OK: true, Service: "factengine", Version: "v1"}

	data, err := json.Marshal(body)
	if err != nil {
		WriteError(w, r, s.logger, apierr.Wrap(apierr.StorageError, "failed to encode health response", err))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// decodeJSONBody enforces Content-Type and size limits, then decodes body
// into dst. A caller-facing error (already an *apierr.Error) is returned on
// any failure, ready to hand to WriteError.
func (s *Server) decodeJSONBody(r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(strings.TrimSpace(ct), "application/json") {
		return apierr.New(apierr.InvalidInput, "Content-Type must be application/json")
	}

	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return apierr.New(apierr.PayloadTooLarge, "request body exceeds the configured size limit")
	}

	body := http.MaxBytesReader(nil, r.Body, s.config.MaxRequestSize)

	decoder := json.NewDecoder(body)
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return apierr.New(apierr.PayloadTooLarge, "request body exceeds the configured size limit")
		}

		return apierr.Wrap(apierr.InvalidInput, "malformed request body", err)
	}

	return nil
}

// handleIngestRun implements POST /ingest/run.
func (s *Server) handleIngestRun(w http.ResponseWriter, r *http.Request) {
	var req RunDTO
	if err := s.decodeJSONBody(r, &req); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	runID, err := s.manager.UpsertRun(r.Context(), fact.UpsertRunInput{
		RunID: req.RunID, BuildID: req.BuildID, PlanName: req.PlanName, Env: req.Env,
		StartedAt: req.StartedAt, EndedAt: req.EndedAt, RunnerVersion: req.RunnerVersion,
	})
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.sink.Counter("factengine_runs_ingested_total", 1)
	s.writeJSON(w, r, http.StatusOK, RunResponse{RunID: runID})
}

// handleIngestTests implements POST /ingest/tests: per-record partial
// success, unlike /ingest/batch's all-or-nothing semantics.
func (s *Server) handleIngestTests(w http.ResponseWriter, r *http.Request) {
	var req TestsRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	results := make([]RecordResult, len(req.Tests))
	factIDs := make([]string, 0, len(req.Tests))
	stored, failed := 0, 0
	lateDataCount := 0

	for i, t := range req.Tests {
		in := testDTOToFact(req.RunID, req.ValidFrom, t)

		factID, lateData, err := s.manager.UpsertTestFact(r.Context(), in)
		if err != nil {
			results[i] = RecordResult{Index: i, Status: apierr.KindOf(err).StatusCode(), Error: err.Error()}
			failed++

			continue
		}

		if lateData {
			lateDataCount++
		}

		results[i] = RecordResult{Index: i, ID: factID, Status: http.StatusOK}
		factIDs = append(factIDs, factID)
		stored++
	}

	if lateDataCount > 0 {
		s.sink.Counter("factengine_late_data_total", float64(lateDataCount), "endpoint", "tests")
	}

	s.sink.Counter("factengine_tests_ingested_total", float64(stored))
	s.writeJSON(w, r, statusForRecords(results, stored, failed), TestsResponse{
		RunID: req.RunID, FactIDs: factIDs, Stored: stored, Failed: failed, Results: results,
	})
}

// resolveTestLink implements spec invariant #4: when a signal or artifact
// references a test by test_name rather than an explicit test_id, resolve
// it via FindTestByName. An unresolved name is not rejected — the record
// is stored with a null test link and a structured warning is logged.
// An explicit testID always takes the reference as given, no resolution.
func (s *Server) resolveTestLink(ctx context.Context, runID, testID, testName, kind string) (string, error) {
	if testID != "" || testName == "" {
		return testID, nil
	}

	factID, ok, err := s.manager.FindTestByName(ctx, runID, testName)
	if err != nil {
		return "", err
	}

	if !ok {
		s.logger.Warn("unresolved test_name reference, storing null test link",
			slog.String("run_id", runID), slog.String("test_name", testName), slog.String("kind", kind))

		return "", nil
	}

	return factID, nil
}

// handleIngestSignals implements POST /ingest/signals.
func (s *Server) handleIngestSignals(w http.ResponseWriter, r *http.Request) {
	var req SignalsRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	results := make([]RecordResult, len(req.Signals))
	signalIDs := make([]string, 0, len(req.Signals))
	stored, failed := 0, 0

	for i, sig := range req.Signals {
		testID, err := s.resolveTestLink(r.Context(), req.RunID, sig.TestID, sig.TestName, "signal")
		if err != nil {
			results[i] = RecordResult{Index: i, Status: apierr.KindOf(err).StatusCode(), Error: err.Error()}
			failed++

			continue
		}

		in := signalDTOToFact(req.RunID, sig)
		in.TestID = testID

		signalID, _, err := s.manager.AppendSignal(r.Context(), in)
		if err != nil {
			results[i] = RecordResult{Index: i, Status: apierr.KindOf(err).StatusCode(), Error: err.Error()}
			failed++

			continue
		}

		results[i] = RecordResult{Index: i, ID: signalID, Status: http.StatusOK}
		signalIDs = append(signalIDs, signalID)
		stored++
	}

	s.sink.Counter("factengine_signals_ingested_total", float64(stored))
	s.writeJSON(w, r, statusForRecords(results, stored, failed), SignalsResponse{
		RunID: req.RunID, SignalIDs: signalIDs, Stored: stored, Failed: failed, Results: results,
	})
}

// handleIngestArtifacts implements POST /ingest/artifacts.
func (s *Server) handleIngestArtifacts(w http.ResponseWriter, r *http.Request) {
	var req ArtifactsRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	results := make([]RecordResult, len(req.Artifacts))
	artifactIDs := make([]string, 0, len(req.Artifacts))
	stored, failed := 0, 0

	for i, a := range req.Artifacts {
		testID, err := s.resolveTestLink(r.Context(), req.RunID, a.TestID, a.TestName, "artifact")
		if err != nil {
			results[i] = RecordResult{Index: i, Status: apierr.KindOf(err).StatusCode(), Error: err.Error()}
			failed++

			continue
		}

		in := artifactDTOToFact(req.RunID, a)
		in.TestID = testID

		artifactID, _, err := s.manager.AppendArtifact(r.Context(), in)
		if err != nil {
			results[i] = RecordResult{Index: i, Status: apierr.KindOf(err).StatusCode(), Error: err.Error()}
			failed++

			continue
		}

		results[i] = RecordResult{Index: i, ID: artifactID, Status: http.StatusOK}
		artifactIDs = append(artifactIDs, artifactID)
		stored++
	}

	s.sink.Counter("factengine_artifacts_ingested_total", float64(stored))
	s.writeJSON(w, r, statusForRecords(results, stored, failed), ArtifactsResponse{
		RunID: req.RunID, ArtifactIDs: artifactIDs, Stored: stored, Failed: failed, Results: results,
	})
}

// handleIngestBatch implements POST /ingest/batch: one all-or-nothing
// transaction spanning the run plus every test/signal/artifact, per the
// spec's deliberate redesign away from the per-record endpoints above.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	in := fact.BatchInput{
		Run: fact.UpsertRunInput{
			RunID: req.Run.RunID, BuildID: req.Run.BuildID, PlanName: req.Run.PlanName, Env: req.Run.Env,
			StartedAt: req.Run.StartedAt, EndedAt: req.Run.EndedAt, RunnerVersion: req.Run.RunnerVersion,
		},
		ValidFrom: req.ValidFrom,
	}

	for _, t := range req.Tests {
		in.Tests = append(in.Tests, testDTOToFact("", req.ValidFrom, t))
	}

	for _, sig := range req.Signals {
		in.Signals = append(in.Signals, signalDTOToFact("", sig))
	}

	for _, a := range req.Artifacts {
		in.Artifacts = append(in.Artifacts, artifactDTOToFact("", a))
	}

	result, err := s.manager.IngestBatch(r.Context(), in)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	if result.LateDataCount > 0 {
		s.sink.Counter("factengine_late_data_total", float64(result.LateDataCount), "endpoint", "batch")
	}

	s.sink.Counter("factengine_batches_ingested_total", 1)
	s.writeJSON(w, r, http.StatusOK, BatchResponse{
		RunID: result.RunID,
		Counts: map[string]int{
			"tests":     len(result.FactIDs),
			"signals":   len(result.SignalIDs),
			"artifacts": len(result.ArtifactIDs),
		},
	})
}

// handleQuery implements POST /query: the tagged-union analytic query
// surface from spec §6, dispatching on Kind.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := s.decodeJSONBody(r, &req); err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	rows, err := s.runQuery(r.Context(), req)
	if err != nil {
		WriteError(w, r, s.logger, err)

		return
	}

	s.sink.Counter("factengine_queries_total", 1, "kind", req.Kind)
	s.writeJSON(w, r, http.StatusOK, QueryResponse{Rows: rows})
}

func (s *Server) runQuery(ctx context.Context, req QueryRequest) ([]interface{}, error) {
	switch req.Kind {
	case "current_tests":
		if req.RunID == "" {
			return nil, apierr.New(apierr.InvalidInput, "current_tests requires run_id")
		}

		facts, err := s.manager.CurrentTestFacts(ctx, req.RunID)

		return toRows(facts, err)

	case "timeshift":
		if req.RunID == "" || req.ValidAt == nil {
			return nil, apierr.New(apierr.InvalidInput, "timeshift requires run_id and valid_at")
		}

		facts, err := s.manager.TimeshiftTestFacts(ctx, req.RunID, *req.ValidAt, req.TxAt)

		return toRows(facts, err)

	case "causality":
		if req.RunID == "" {
			return nil, apierr.New(apierr.InvalidInput, "causality requires run_id")
		}

		window := query.DefaultCausalityWindow
		if req.WindowSeconds != nil {
			window = time.Duration(*req.WindowSeconds) * time.Second
		}

		hits, err := s.queryStore.CausalityWalk(ctx, req.RunID, window)

		return toRows(hits, err)

	case "resonance":
		if req.RunID == "" {
			return nil, apierr.New(apierr.InvalidInput, "resonance requires run_id")
		}

		bucket := query.DefaultResonanceBucket
		if req.BucketSeconds != nil {
			bucket = time.Duration(*req.BucketSeconds) * time.Second
		}

		buckets, err := s.queryStore.ResonanceMap(ctx, req.RunID, bucket)

		return toRows(buckets, err)

	case "stability":
		if req.TestName == "" {
			return nil, apierr.New(apierr.InvalidInput, "stability requires test_name")
		}

		lookback := query.DefaultLookbackRuns
		if req.LookbackRuns != nil {
			lookback = *req.LookbackRuns
		}

		score, ok, err := s.queryStore.TestStabilityScore(ctx, req.TestName, lookback)
		if err != nil {
			return nil, err
		}

		return []interface{}{map[string]interface{}{"test_name": req.TestName, "score": score, "has_data": ok}}, nil

	default:
		return nil, apierr.New(apierr.InvalidInput, "unknown query kind: "+req.Kind)
	}
}

// toRows flattens a typed slice into []interface{}, the uniform shape
// QueryResponse.Rows carries across every query kind.
func toRows[T any](items []T, err error) ([]interface{}, error) {
	if err != nil {
		return nil, err
	}

	rows := make([]interface{}, len(items))
	for i, item := range items {
		rows[i] = item
	}

	return rows, nil
}

// statusForRecords picks the response status for a per-record ingest
// endpoint. Per spec.md §6, these endpoints document only 200/400/401/404 —
// unlike the teacher's own per-event endpoint, there is no 207/422 in the
// documented contract, so a partial success (or a per-record failure mix)
// always reports 200, with the detail carried in the body's Results/*IDs
// fields. Only when every record failed for the *same* documented reason
// does that reason's status code surface at the top level.
func statusForRecords(results []RecordResult, stored, failed int) int {
	if failed == 0 || stored > 0 {
		return http.StatusOK
	}

	common := results[0].Status

	for _, r := range results[1:] {
		if r.Status != common {
			return http.StatusOK
		}
	}

	switch common {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound:
		return common
	default:
		return http.StatusOK
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		WriteError(w, r, s.logger, apierr.Wrap(apierr.StorageError, "failed to encode response", err))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
}
