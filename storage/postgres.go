package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/songzhibin97/omniflow/types"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// PostgresStorage is a PostgreSQL implementation of the Storage interface.
type PostgresStorage struct {
	db *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgresStorage on an existing pool.
func NewPostgresStorage(db *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// OpenPostgres connects to dsn, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	s := NewPostgresStorage(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the workflow tables if they do not exist.
func (s *PostgresStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

// SaveWorkflow upserts a workflow definition.
func (s *PostgresStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	updated := wf.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO workflows (id, tenant_id, name, status, graph_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = EXCLUDED.name, status = EXCLUDED.status,
		    graph_json = EXCLUDED.graph_json, updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.TenantID, wf.Name, string(wf.Status), wf.Graph, updated)
	if err != nil {
		return fmt.Errorf("postgres: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id within a tenant.
func (s *PostgresStorage) GetWorkflow(ctx context.Context, id, tenantID string) (types.WorkflowDefinition, error) {
	var (
		wf     types.WorkflowDefinition
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, status, graph_json, updated_at
		FROM workflows WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&wf.ID, &wf.TenantID, &wf.Name, &status, &wf.Graph, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: %s/%s", ErrWorkflowNotFound, tenantID, id)
	}
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("postgres: get workflow %s: %w", id, err)
	}
	wf.Status = types.WorkflowStatus(status)
	return wf, nil
}

// CreateRun inserts a new run.
func (s *PostgresStorage) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, tenant_id, status, trigger_data, context_data, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		int64(run.ID), run.WorkflowID, run.TenantID, string(run.Status),
		orEmpty(run.TriggerData), orEmpty(run.ContextData), run.StartedAt)
	if err != nil {
		return fmt.Errorf("postgres: create run %d: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrRunExists, run.ID)
	}
	return nil
}

// AppendLog inserts a log entry only while its run is RUNNING.
func (s *PostgresStorage) AppendLog(ctx context.Context, e types.WorkflowLogEntry) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO workflow_logs
			(id, run_id, seq, node_id, node_type, status, input_data, output_data, error_message, duration_ms, created_at)
		SELECT $1::bigint, $2::bigint, $3::integer, $4::text, $5::text, $6::text,
		       $7::jsonb, $8::jsonb, NULLIF($9::text, ''), $10::bigint, $11::timestamptz
		WHERE EXISTS (SELECT 1 FROM workflow_runs WHERE id = $2::bigint AND status = 'RUNNING')`,
		int64(e.ID), int64(e.RunID), e.Seq, e.NodeID, string(e.NodeType), string(e.Status),
		orEmpty(e.Input), orEmpty(e.Output), e.Error, e.DurationMs, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append log for run %d: %w", e.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notRunning(ctx, e.RunID)
	}
	return nil
}

// FinalizeRun moves a RUNNING run to its terminal state.
func (s *PostgresStorage) FinalizeRun(ctx context.Context, fin Finalization) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $1, result = $2, error = NULLIF($3::text, ''), completed_at = $4
		WHERE id = $5 AND status = 'RUNNING'`,
		string(fin.Status), fin.Result, fin.Error, fin.CompletedAt, int64(fin.RunID))
	if err != nil {
		return fmt.Errorf("postgres: finalize run %d: %w", fin.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notRunning(ctx, fin.RunID)
	}
	return nil
}

// notRunning explains why a conditional write on a run matched no row.
func (s *PostgresStorage) notRunning(ctx context.Context, runID uint64) error {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, int64(runID)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("postgres: get run %d status: %w", runID, err)
	}
	return fmt.Errorf("%w: %d is %s", ErrRunNotRunning, runID, status)
}

// GetRun retrieves a run by ID.
func (s *PostgresStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	var (
		run    types.WorkflowRun
		runID  int64
		status string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, workflow_id, tenant_id, status, trigger_data, context_data,
		       COALESCE(result, 'null'::jsonb), COALESCE(error, ''), started_at, completed_at
		FROM workflow_runs WHERE id = $1`, int64(id),
	).Scan(&runID, &run.WorkflowID, &run.TenantID, &status, &run.TriggerData, &run.ContextData,
		&run.Result, &run.Error, &run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowRun{}, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("postgres: get run %d: %w", id, err)
	}
	run.ID = uint64(runID)
	run.Status = types.RunStatus(status)
	return run, nil
}

// ListLogs returns the log entries of a run ordered by seq.
func (s *PostgresStorage) ListLogs(ctx context.Context, runID uint64) ([]types.WorkflowLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, run_id, seq, node_id, node_type, status, input_data, output_data,
		       COALESCE(error_message, ''), duration_ms, created_at
		FROM workflow_logs WHERE run_id = $1 ORDER BY seq ASC`, int64(runID))
	if err != nil {
		return nil, fmt.Errorf("postgres: list logs of run %d: %w", runID, err)
	}
	defer rows.Close()

	var entries []types.WorkflowLogEntry
	for rows.Next() {
		var (
			e               types.WorkflowLogEntry
			id, rid         int64
			nodeType, state string
		)
		if err := rows.Scan(&id, &rid, &e.Seq, &e.NodeID, &nodeType, &state,
			&e.Input, &e.Output, &e.Error, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan log entry: %w", err)
		}
		e.ID, e.RunID = uint64(id), uint64(rid)
		e.NodeType, e.Status = types.NodeType(nodeType), types.LogStatus(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearCompleted removes terminal runs completed before cutoff and their
// logs in one statement.
func (s *PostgresStorage) ClearCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		WITH expired AS (
			SELECT id FROM workflow_runs
			WHERE status <> 'RUNNING' AND completed_at < $1
		), dropped_logs AS (
			DELETE FROM workflow_logs WHERE run_id IN (SELECT id FROM expired)
		)
		DELETE FROM workflow_runs WHERE id IN (SELECT id FROM expired)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: clear completed runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Close closes the connection pool.
func (s *PostgresStorage) Close() error {
	s.db.Close()
	return nil
}

var _ Storage = (*PostgresStorage)(nil)
