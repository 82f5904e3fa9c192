package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"

	"github.com/bitempora/factengine/internal/apierr"
	"github.com/bitempora/factengine/internal/fact"
	"github.com/bitempora/factengine/internal/identifier"
	"github.com/bitempora/factengine/internal/temporal"
)

// pqSerializationFailure is the SQLSTATE PostgreSQL returns for a
// transaction aborted by another connection's concurrent update to a
// row it was waiting to lock — the only conflict retryBudget guards
// against, since the FOR UPDATE lock itself prevents true lost updates.
const pqSerializationFailure = "40001"

// retryBudget bounds how many times PostgresFactStore re-attempts an
// upsert transaction after a serialization failure before surfacing
// apierr.Conflict, matching §7's "conflict retried once": the FOR UPDATE
// lock already rules out lost updates, so this exists only to ride out a
// single concurrent-writer abort, not to paper over a real conflict.
const retryBudget = 1

// PostgresFactStore is the production fact.Manager/query.Store
// implementation, generalizing the teacher's LineageStore: per-key
// serialization via SELECT ... FOR UPDATE inside a transaction rather
// than an in-process lock table, so correctness holds across replicas.
type PostgresFactStore struct {
	conn   *Connection
	logger *slog.Logger
	clock  temporal.Clock
}

// NewPostgresFactStore returns a PostgresFactStore backed by conn. A nil
// clock defaults to a fresh MonotonicClock; a nil logger discards output.
func NewPostgresFactStore(conn *Connection, clock temporal.Clock, logger *slog.Logger) *PostgresFactStore {
	if clock == nil {
		clock = temporal.NewMonotonicClock()
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &PostgresFactStore{conn: conn, logger: logger, clock: clock}
}

// HealthCheck implements fact.Manager.
func (s *PostgresFactStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// UpsertRun implements fact.Manager.
func (s *PostgresFactStore) UpsertRun(ctx context.Context, in fact.UpsertRunInput) (string, error) {
	runID, err := identifier.Accept(in.RunID)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "malformed run_id", err)
	}

	state := string(fact.RunOpen)
	if in.EndedAt != nil {
		state = string(fact.RunClosed)
	}

	run := fact.Run{
		RunID: runID, BuildID: in.BuildID, PlanName: in.PlanName,
		StartedAt: in.StartedAt, EndedAt: in.EndedAt,
	}
	if err := run.Validate(); err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid run", err)
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
	`

	envJSON, err := marshalJSON(in.Env)
	if err != nil {
		return "", apierr.Wrap(apierr.InvalidInput, "invalid env map", err)
	}

	_, err = s.conn.ExecContext(ctx, query,
		runID, in.BuildID, in.PlanName, envJSON, in.StartedAt, in.EndedAt, in.RunnerVersion, state)
	if err != nil {
		return "", apierr.Wrap(apierr.StorageError, "upsert run failed", err)
	}

	return runID, nil
}

// GetRun implements fact.Manager.
func (s *PostgresFactStore) GetRun(ctx context.Context, runID string) (fact.Run, bool, error) {
	const query = `
		SELECT run_id, build_id, plan_name, env, started_at, ended_at, runner_version, state, tx_at
		FROM runs WHERE run_id = $1
	`

	var (
		run     fact.Run
		envJSON []byte
		state   string
		endedAt sql.NullTime
	)

	row := s.conn.QueryRowContext(ctx, query, runID)

	err := row.Scan(&run.RunID, &run.BuildID, &run.PlanName, &envJSON,
		&run.StartedAt, &endedAt, &run.RunnerVersion, &state, &run.TxAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fact.Run{}, false, nil
	}

	if err != nil {
		return fact.Run{}, false, apierr.Wrap(apierr.StorageError, "get run failed", err)
	}

	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}

	run.State = fact.RunState(state)
	run.Env, err = unmarshalEnv(envJSON)

	if err != nil {
		return fact.Run{}, false, apierr.Wrap(apierr.StorageError, "decode run env failed", err)
	}

	return run, true, nil
}

// UpsertTestFact implements fact.Manager's core bi-temporal operation,
// generalizing the teacher's fetchJobRunState/executeJobRunUpsert split:
// a FOR UPDATE lock on the currently open row, then close-and-insert in
// the same transaction.
func (s *PostgresFactStore) UpsertTestFact(
	ctx context.Context, in fact.UpsertTestFactInput,
) (string, bool, error) {
	var (
		factID   string
		lateData bool
	)

	op := func() error {
		id, late, err := s.upsertTestFactOnce(ctx, in)
		factID, lateData = id, late

		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retryBudget), ctx)

	err := backoff.Retry(func() error {
		err := op()

		switch {
		case err == nil:
			return nil
		case isSerializationFailure(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, policy)

	if err != nil {
		if isSerializationFailure(err) {
			return "", lateData, apierr.Wrap(apierr.Conflict, "upsert_test_fact exceeded retry budget", err)
		}

		return "", lateData, err
	}

	return factID, lateData, nil
}

func (s *PostgresFactStore) upsertTestFactOnce(ctx context.Context, in fact.UpsertTestFactInput) (string, bool, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", false, apierr.Wrap(apierr.StorageError, "begin transaction failed", err)
	}

	defer func() { _ = tx.Rollback() }()

	var runState string

	err = tx.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id = $1 FOR UPDATE`, in.RunID).Scan(&runState)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, apierr.New(apierr.NotFound, "run does not exist")
	}

	if err != nil {
		return "", false, apierr.Wrap(apierr.StorageError, "lock run failed", err)
	}

	lateData := runState == string(fact.RunClosed)

	open, err := fetchOpenTestFact(ctx, tx, in.RunID, in.TestName)
	if err != nil {
		return "", lateData, apierr.Wrap(apierr.StorageError, "fetch open test fact failed", err)
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
		return "", lateData, apierr.Wrap(apierr.InvalidInput, "invalid test fact", err)
	}

	if open != nil && open.IdentityEqual(candidate) {
		if err := tx.Commit(); err != nil {
			return "", lateData, apierr.Wrap(apierr.StorageError, "commit failed", err)
		}

		return open.FactID, lateData, nil
	}

	if open != nil {
		const closeQuery = `UPDATE test_facts SET valid_to = $1 WHERE fact_id = $2`
		if _, err := tx.ExecContext(ctx, closeQuery, in.ValidFrom, open.FactID); err != nil {
			return "", lateData, apierr.Wrap(apierr.StorageError, "close previous fact failed", err)
		}
	}

	factID := identifier.New()
	errorJSON, err := marshalJSON(in.Error)

	if err != nil {
		return "", lateData, apierr.Wrap(apierr.InvalidInput, "invalid error payload", err)
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
		return "", lateData, apierr.Wrap(apierr.StorageError, "insert test fact failed", err)
	}

	if err := tx.Commit(); err != nil {
		return "", lateData, apierr.Wrap(apierr.StorageError, "commit failed", err)
	}

	return factID, lateData, nil
}

func fetchOpenTestFact(ctx context.Context, tx *sql.Tx, runID, testName string) (*fact.TestFact, error) {
	const query = `
		SELECT fact_id, suite, guidance, status, duration_ms, error, started_at, completed_at,
			valid_from, valid_to, tx_at
		FROM test_facts
		WHERE run_id = $1 AND test_name = $2 AND valid_to = $3
		FOR UPDATE
	`

	var (
		f         fact.TestFact
		status    string
		errorJSON []byte
	)

	row := tx.QueryRowContext(ctx, query, runID, testName, temporal.Infinity)

	err := row.Scan(&f.FactID, &f.Suite, &f.Guidance, &status, &f.DurationMs, &errorJSON,
		&f.StartedAt, &f.CompletedAt, &f.ValidFrom, &f.ValidTo, &f.TxAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	f.RunID = runID
	f.TestName = testName
	f.Status = fact.TestStatus(status)

	f.Error, err = unmarshalErrorMap(errorJSON)
	if err != nil {
		return nil, err
	}

	return &f, nil
}

// CurrentTestFacts implements fact.Manager.
func (s *PostgresFactStore) CurrentTestFacts(ctx context.Context, runID string) ([]fact.TestFact, error) {
	const query = `
		SELECT fact_id, test_name, suite, guidance, status, duration_ms, error,
			started_at, completed_at, valid_from, valid_to, tx_at
		FROM test_facts
		WHERE run_id = $1 AND valid_to = $2
		ORDER BY test_name
	`

	rows, err := s.conn.QueryContext(ctx, query, runID, temporal.Infinity)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "list current test facts failed", err)
	}
	defer rows.Close()

	return scanTestFacts(rows, runID)
}

// TimeshiftTestFacts implements fact.Manager.
func (s *PostgresFactStore) TimeshiftTestFacts(
	ctx context.Context, runID string, validAt time.Time, txAt *time.Time,
) ([]fact.TestFact, error) {
	cutoff := time.Now().UTC()
	if txAt != nil {
		cutoff = *txAt
	}

	const query = `
		SELECT fact_id, test_name, suite, guidance, status, duration_ms, error,
			started_at, completed_at, valid_from, valid_to, tx_at
		FROM test_facts
		WHERE run_id = $1 AND valid_from <= $2 AND valid_to > $2 AND tx_at <= $3
		ORDER BY test_name
	`

	rows, err := s.conn.QueryContext(ctx, query, runID, validAt, cutoff)
	if err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "timeshift query failed", err)
	}
	defer rows.Close()

	return scanTestFacts(rows, runID)
}

func scanTestFacts(rows *sql.Rows, runID string) ([]fact.TestFact, error) {
	var facts []fact.TestFact

	for rows.Next() {
		var (
			f         fact.TestFact
			status    string
			errorJSON []byte
		)

		if err := rows.Scan(&f.FactID, &f.TestName, &f.Suite, &f.Guidance, &status, &f.DurationMs,
			&errorJSON, &f.StartedAt, &f.CompletedAt, &f.ValidFrom, &f.ValidTo, &f.TxAt); err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "scan test fact failed", err)
		}

		f.RunID = runID
		f.Status = fact.TestStatus(status)

		errMap, err := unmarshalErrorMap(errorJSON)
		if err != nil {
			return nil, apierr.Wrap(apierr.StorageError, "decode test fact error failed", err)
		}

		f.Error = errMap
		facts = append(facts, f)
	}

	if err := rows.Err(); err != nil {
		return nil, apierr.Wrap(apierr.StorageError, "iterate test facts failed", err)
	}

	return facts, nil
}

// FindTestByName implements fact.Manager.
func (s *PostgresFactStore) FindTestByName(ctx context.Context, runID, testName string) (string, bool, error) {
	const query = `SELECT fact_id FROM test_facts WHERE run_id = $1 AND test_name = $2 AND valid_to = $3`

	var factID string

	err := s.conn.QueryRowContext(ctx, query, runID, testName, temporal.Infinity).Scan(&factID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}

	if err != nil {
		return "", false, apierr.Wrap(apierr.StorageError, "find test by name failed", err)
	}

	return factID, true, nil
}

// AppendSignal implements fact.Manager.
func (s *PostgresFactStore) AppendSignal(ctx context.Context, in fact.Signal) (string, bool, error) {
	if err := in.Validate(); err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "invalid signal", err)
	}

	signalID, err := identifier.Accept(in.SignalID)
	if err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "malformed signal_id", err)
	}

	lateData, err := s.isRunClosed(ctx, in.RunID)
	if err != nil {
		return "", false, err
	}

	metaJSON, err := marshalJSON(in.Meta)
	if err != nil {
		return "", lateData, apierr.Wrap(apierr.InvalidInput, "invalid meta payload", err)
	}

	const query = `
		INSERT INTO signals (signal_id, run_id, test_name, test_id, kind, latency_ms, value, meta, at, tx_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`

	_, err = s.conn.ExecContext(ctx, query,
		signalID, in.RunID, in.TestName, nullableString(in.TestID), string(in.Kind),
		in.LatencyMs, in.Value, metaJSON, in.At)
	if err != nil {
		return "", lateData, apierr.Wrap(apierr.StorageError, "append signal failed", err)
	}

	return signalID, lateData, nil
}

// AppendArtifact implements fact.Manager.
func (s *PostgresFactStore) AppendArtifact(ctx context.Context, in fact.Artifact) (string, bool, error) {
	if err := in.Validate(); err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "invalid artifact", err)
	}

	artifactID, err := identifier.Accept(in.ArtifactID)
	if err != nil {
		return "", false, apierr.Wrap(apierr.InvalidInput, "malformed artifact_id", err)
	}

	lateData, err := s.isRunClosed(ctx, in.RunID)
	if err != nil {
		return "", false, err
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

	_, err = s.conn.ExecContext(ctx, query,
		artifactID, in.RunID, in.TestName, nullableString(in.TestID), string(in.Kind),
		in.ContentHash, in.Path, in.SizeBytes, in.MimeType, in.CreatedAt)
	if err != nil {
		return "", lateData, apierr.Wrap(apierr.StorageError, "append artifact failed", err)
	}

	return artifactID, lateData, nil
}

func (s *PostgresFactStore) isRunClosed(ctx context.Context, runID string) (bool, error) {
	var state string

	err := s.conn.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id = $1`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, apierr.New(apierr.NotFound, "run does not exist")
	}

	if err != nil {
		return false, apierr.Wrap(apierr.StorageError, "lookup run state failed", err)
	}

	return state == string(fact.RunClosed), nil
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqSerializationFailure
	}

	return false
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	return json.Marshal(v)
}

func isJSONNull(b []byte) bool {
	return len(b) == 0 || strings.EqualFold(strings.TrimSpace(string(b)), "null")
}

func unmarshalEnv(b []byte) (map[string]string, error) {
	if isJSONNull(b) {
		return nil, nil
	}

	m := make(map[string]string)

	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}

	return m, nil
}

func unmarshalErrorMap(b []byte) (map[string]interface{}, error) {
	if isJSONNull(b) {
		return nil, nil
	}

	m := make(map[string]interface{})

	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode error map: %w", err)
	}

	return m, nil
}

var _ fact.Manager = (*PostgresFactStore)(nil)
