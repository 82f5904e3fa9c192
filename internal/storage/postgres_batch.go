package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/identifier"
	"github.com/bitempora/factengine/internal/temporal"
)

// IngestBatch implements fact.Manager's all-or-nothing batch operation:
// one transaction spans the run upsert and every test/signal/artifact
// record, generalizing upsertTestFactOnce's single-key transaction to a
// whole batch envelope per SPEC §4.5's deliberate redesign away from the
// teacher's per-event partial-success pattern. Retried on serialization
// failure the same way a single upsert_test_fact call is.
func (s *PostgresFactStore) IngestBatch(ctx context.Context, in fact.BatchInput) (fact.BatchResult, error) {
	var result fact.BatchResult

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryBudget), ctx)

	err := backoff.Retry(func() error {
		r, err := s.ingestBatchOnce(ctx, in)

		switch {
		case err == nil:
			result = r

			return nil
		case isSerializationFailure(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)

	if err != nil {
		if isSerializationFailure(err) {
			return fact.BatchResult{}, apierr.Wrap(apierr.Conflict, "ingest_batch exceeded retry budget", err)
		}

		return fact.BatchResult{}, err
	}

	return result, nil
}

func (s *PostgresFactStore) ingestBatchOnce(ctx context.Context, in fact.BatchInput) (fact.BatchResult, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fact.BatchResult{}, apierr.Wrap(apierr.StorageError, "begin transaction failed", err)
	}

	defer func() { _ = tx.Rollback() }()

	runID, lateData, err := s.batchUpsertRun(ctx, tx, in.Run)
	if err != nil {
		return fact.BatchResult{}, err
	}

	result := fact.BatchResult{RunID: runID}

	for _, t := range in.Tests {
		t.RunID = runID

		factID, err := s.batchUpsertTestFact(ctx, tx, t)
		if err != nil {
			return fact.BatchResult{}, err
		}

		result.FactIDs = append(result.FactIDs, factID)
	}

	for _, sig := range in.Signals {
		sig.RunID = runID

		signalID, err := s.batchInsertSignal(ctx, tx, sig)
		if err != nil {
			return fact.BatchResult{}, err
		}

		result.SignalIDs = append(result.SignalIDs, signalID)
	}

	for _, a := range in.Artifacts {
		a.RunID = runID

		artifactID, err := s.batchInsertArtifact(ctx, tx, a)
		if err != nil {
			return fact.BatchResult{}, err
		}

		result.ArtifactIDs = append(result.ArtifactIDs, artifactID)
	}

	if lateData {
		result.LateDataCount = len(in.Tests) + len(in.Signals) + len(in.Artifacts)
	}

	if err := tx.Commit(); err != nil {
		return fact.BatchResult{}, apierr.Wrap(apierr.StorageError, "commit batch failed", err)
	}

	return result, nil
}

func (s *PostgresFactStore) batchUpsertRun(
	ctx context.Context, tx *sql.Tx, in fact.UpsertRunInput,
) (string, bool, error) {
	runID, err := identifier.Accept(in.RunID)
	if err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "malformed run_id", err)
	}

	state := string(fact.RunOpen)
	if in.EndedAt != nil {
		state = string(fact.RunClosed)
	}

	run := fact.Run{RunID: runID, BuildID: in.BuildID, PlanName: in.PlanName, StartedAt: in.StartedAt, EndedAt: in.EndedAt}
	if err := run.Validate(); err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "invalid run", err)
	}

	envJSON, err := marshalJSON(in.Env)
	if err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "invalid env map", err)
	}

	const query = `
		INSERT INTO runs (run_id, build_id, plan_name, env, started_at, ended_at, runner_version, state, tx_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (run_id) DO UPDATE
		SET
			plan_name = CASE WHEN EXCLUDED.plan_name <> '' THEN EXCLUDED.plan_name ELSE runs.plan_name END,
			env = COALESCE(EXCLUDED.env, runs.env),
			runner_version = CASE
				WHEN EXCLUDED.runner_version <> '' THEN EXCLUDED.runner_version ELSE runs.runner_version
			END,
			ended_at = CASE
				WHEN EXCLUDED.ended_at IS NOT NULL AND (runs.ended_at IS NULL OR EXCLUDED.ended_at > runs.ended_at)
				THEN EXCLUDED.ended_at ELSE runs.ended_at
			END,
			state = CASE
				WHEN EXCLUDED.ended_at IS NOT NULL AND (runs.ended_at IS NULL OR EXCLUDED.ended_at > runs.ended_at)
				THEN 'closed' ELSE runs.state
			END,
			tx_at = NOW()
		RETURNING state
	`

	var resultState string

	err = tx.QueryRowContext(ctx, query,
		runID, in.BuildID, in.PlanName, envJSON, in.StartedAt, in.EndedAt, in.RunnerVersion, state).
		Scan(&resultState)
	if err != nil {
		return "", false, apierr.Wrap(apierr.StorageError, "upsert run failed", err)
	}

	return runID, resultState == string(fact.RunClosed), nil
}

func (s *PostgresFactStore) batchUpsertTestFact(ctx context.Context, tx *sql.Tx, in fact.UpsertTestFactInput) (string, error) {
	open, err := fetchOpenTestFact(ctx, tx, in.RunID, in.TestName)
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "fetch open test fact failed", err)
	}

	var previousValidFrom time.Time
	if open != nil {
		previousValidFrom = open.ValidFrom
	}

	candidate := fact.TestFact{
		RunID: in.RunID, TestName: in.TestName, Suite: in.Suite, Guidance: in.Guidance,
		Status: in.Status, DurationMs: in.DurationMs, Error: in.Error,
		StartedAt: in.StartedAt, CompletedAt: in.CompletedAt,
		ValidFrom: in.ValidFrom, ValidTo: temporal.Infinity,
	}

	if err := candidate.Validate(previousValidFrom); err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid test fact", err)
	}

	if open != nil && open.IdentityEqual(candidate) {
		return open.FactID, nil
	}

	if open != nil {
		const closeQuery = `UPDATE test_facts SET valid_to = $1 WHERE fact_id = $2`
		if _, err := tx.ExecContext(ctx, closeQuery, in.ValidFrom, open.FactID); err != nil {
			return "", apierr.Wrap(apierr.StorageError, "close previous fact failed", err)
		}
	}

	factID := identifier.New()

	errorJSON, err := marshalJSON(in.Error)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid error payload", err)
	}

	const insertQuery = `
		INSERT INTO test_facts (
			fact_id, run_id, test_name, suite, guidance, status, duration_ms,
			error, started_at, completed_at, valid_from, valid_to, tx_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
	`

	_, err = tx.ExecContext(ctx, insertQuery,
		factID, in.RunID, in.TestName, in.Suite, in.Guidance, string(in.Status), in.DurationMs,
		errorJSON, in.StartedAt, in.CompletedAt, in.ValidFrom, temporal.Infinity)
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "insert test fact failed", err)
	}

	return factID, nil
}

func (s *PostgresFactStore) batchInsertSignal(ctx context.Context, tx *sql.Tx, in fact.Signal) (string, error) {
	if err := in.Validate(); err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid signal", err)
	}

	signalID, err := identifier.Accept(in.SignalID)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "malformed signal_id", err)
	}

	metaJSON, err := marshalJSON(in.Meta)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid meta payload", err)
	}

	const query = `
		INSERT INTO signals (signal_id, run_id, test_name, test_id, kind, latency_ms, value, meta, at, tx_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`

	_, err = tx.ExecContext(ctx, query,
		signalID, in.RunID, in.TestName, nullableString(in.TestID), string(in.Kind),
		in.LatencyMs, in.Value, metaJSON, in.At)
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "append signal failed", err)
	}

	return signalID, nil
}

func (s *PostgresFactStore) batchInsertArtifact(ctx context.Context, tx *sql.Tx, in fact.Artifact) (string, error) {
	if err := in.Validate(); err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid artifact", err)
	}

	artifactID, err := identifier.Accept(in.ArtifactID)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "malformed artifact_id", err)
	}

	if in.CreatedAt.IsZero() {
		in.CreatedAt = s.clock.Now()
	}

	const query = `
		INSERT INTO artifacts (
			artifact_id, run_id, test_name, test_id, kind, content_hash, path, size_bytes,
			mime_type, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = tx.ExecContext(ctx, query,
		artifactID, in.RunID, in.TestName, nullableString(in.TestID), string(in.Kind),
		in.ContentHash, in.Path, in.SizeBytes, in.MimeType, in.CreatedAt)
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "append artifact failed", err)
	}

	return artifactID, nil
}
