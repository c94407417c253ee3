package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRunNotFound is returned by GetRun when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// RunSummary is one row of the run history.
type RunSummary struct {
	RunID           string
	PackID          string
	PackName        string
	OverallResult   string
	StartedAt       time.Time
	DurationMs      int64
	ConfidenceScore float64
	ConfidenceLabel string
}

// Store persists pack reports in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("store requires a database pool")
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Open connects a pgx pool to url and wraps it in a Store. The returned
// function closes the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id           TEXT PRIMARY KEY,
    pack_id          TEXT NOT NULL,
    pack_name        TEXT NOT NULL,
    overall_result   TEXT NOT NULL,
    started_at       TIMESTAMPTZ NOT NULL,
    finished_at      TIMESTAMPTZ NOT NULL,
    duration_ms      BIGINT NOT NULL,
    confidence_score DOUBLE PRECISION NOT NULL,
    confidence_label TEXT NOT NULL,
    report           JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS journey_results (
    run_id      TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
    journey_id  TEXT NOT NULL,
    priority    TEXT NOT NULL,
    result      TEXT NOT NULL,
    reason      TEXT NOT NULL,
    duration_ms BIGINT NOT NULL,
    PRIMARY KEY (run_id, journey_id)
);
CREATE TABLE IF NOT EXISTS fix_queue (
    run_id       TEXT NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
    rank         INTEGER NOT NULL,
    category     TEXT NOT NULL,
    failure_type TEXT NOT NULL,
    journey_id   TEXT NOT NULL,
    flow_id      TEXT NOT NULL,
    title        TEXT NOT NULL,
    occurrences  INTEGER NOT NULL,
    packet       JSONB NOT NULL,
    PRIMARY KEY (run_id, rank)
);
`

// EnsureSchema creates the tables the store writes to when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveRun stores a built report, its journey results and its fix queue in a
// single transaction. Saving a run id again replaces the earlier rows.
func (s *Store) SaveRun(ctx context.Context, report *schemas.PackReport) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("cannot save a report without a run id")
	}
	doc, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	var score float64
	label := ""
	if report.Confidence != nil {
		score = report.Confidence.Score
		label = report.Confidence.Label
	}
	if _, err := tx.Exec(ctx, sqlUpsertRun,
		report.RunID, report.PackID, report.PackName, report.OverallResult,
		report.StartedAt.UTC(), report.FinishedAt.UTC(), report.DurationMs,
		score, label, doc,
	); err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", report.RunID, err)
	}

	if err := s.persistJourneys(ctx, tx, report); err != nil {
		return err
	}
	if err := s.persistFixQueue(ctx, tx, report); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Run persisted.", zap.String("run_id", report.RunID),
		zap.Int("journeys", len(report.JourneyResults)), zap.Int("fix_queue", len(report.FixQueue)))
	return nil
}

const sqlUpsertRun = `
        INSERT INTO runs (run_id, pack_id, pack_name, overall_result, started_at, finished_at, duration_ms, confidence_score, confidence_label, report)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (run_id) DO UPDATE SET
            overall_result = EXCLUDED.overall_result,
            finished_at = EXCLUDED.finished_at,
            duration_ms = EXCLUDED.duration_ms,
            confidence_score = EXCLUDED.confidence_score,
            confidence_label = EXCLUDED.confidence_label,
            report = EXCLUDED.report;
    `

const sqlUpsertJourney = `
        INSERT INTO journey_results (run_id, journey_id, priority, result, reason, duration_ms)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (run_id, journey_id) DO UPDATE SET
            priority = EXCLUDED.priority,
            result = EXCLUDED.result,
            reason = EXCLUDED.reason,
            duration_ms = EXCLUDED.duration_ms;
    `

func (s *Store) persistJourneys(ctx context.Context, tx pgx.Tx, report *schemas.PackReport) error {
	if len(report.JourneyResults) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, jr := range report.JourneyResults {
		batch.Queue(sqlUpsertJourney, report.RunID, jr.JourneyID, jr.Priority, jr.Result, jr.Reason, jr.DurationMs)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for i, jr := range report.JourneyResults {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to upsert journey %s (index %d): %w", jr.JourneyID, i, err)
		}
	}
	return nil
}

var fixQueueColumns = []string{"run_id", "rank", "category", "failure_type", "journey_id", "flow_id", "title", "occurrences", "packet"}

func (s *Store) persistFixQueue(ctx context.Context, tx pgx.Tx, report *schemas.PackReport) error {
	if _, err := tx.Exec(ctx, `DELETE FROM fix_queue WHERE run_id = $1;`, report.RunID); err != nil {
		return fmt.Errorf("failed to clear fix queue: %w", err)
	}
	if len(report.FixQueue) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(report.FixQueue))
	for i, item := range report.FixQueue {
		packet, err := json.Marshal(item.Packet)
		if err != nil {
			return fmt.Errorf("failed to encode fix packet %d: %w", item.Rank, err)
		}
		rows[i] = []interface{}{
			report.RunID, item.Rank, item.Category, item.FailureType,
			item.JourneyID, item.FlowID, item.Title, item.Occurrences,
			packet,
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"fix_queue"}, fixQueueColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy fix queue: %w", err)
	}
	if int(copyCount) != len(rows) {
		return fmt.Errorf("mismatch in copied fix queue count: expected %d, got %d", len(rows), copyCount)
	}
	return nil
}

// GetRun loads the stored report for runID.
func (s *Store) GetRun(ctx context.Context, runID string) (*schemas.PackReport, error) {
	rows, err := s.pool.Query(ctx, `SELECT report FROM runs WHERE run_id = $1;`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("error during row iteration: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var doc []byte
	if err := rows.Scan(&doc); err != nil {
		return nil, fmt.Errorf("failed to scan run row: %w", err)
	}

	var report schemas.PackReport
	if err := json.Unmarshal(doc, &report); err != nil {
		return nil, fmt.Errorf("failed to decode stored report %s: %w", runID, err)
	}
	return &report, nil
}

const sqlListRuns = `
        SELECT run_id, pack_id, pack_name, overall_result, started_at, duration_ms, confidence_score, confidence_label
        FROM runs
        WHERE ($1 = '' OR pack_id = $1)
        ORDER BY started_at DESC
        LIMIT $2;
    `

// ListRuns returns the most recent runs, newest first. An empty packID lists
// every pack.
func (s *Store) ListRuns(ctx context.Context, packID string, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, sqlListRuns, packID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		var r RunSummary
		if err := rows.Scan(&r.RunID, &r.PackID, &r.PackName, &r.OverallResult,
			&r.StartedAt, &r.DurationMs, &r.ConfidenceScore, &r.ConfidenceLabel); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
