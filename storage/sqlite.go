package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/omniflow/types"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLiteStorage persists workflows and runs to a SQLite database. It suits
// single-node deployments and local runs of the CLI.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite database at dsn.
func OpenSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// SaveWorkflow upserts a workflow definition.
func (s *SQLiteStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	graph, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("sqlite: marshal graph: %w", err)
	}
	updated := wf.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, tenant_id, name, status, graph_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO UPDATE
		SET name = excluded.name, status = excluded.status,
		    graph_json = excluded.graph_json, updated_at = excluded.updated_at`,
		wf.ID, wf.TenantID, wf.Name, string(wf.Status), string(graph), formatTime(updated))
	if err != nil {
		return fmt.Errorf("sqlite: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by id within a tenant.
func (s *SQLiteStorage) GetWorkflow(ctx context.Context, id, tenantID string) (types.WorkflowDefinition, error) {
	var (
		wf                       types.WorkflowDefinition
		status, graph, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, graph_json, updated_at
		FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&wf.ID, &wf.TenantID, &wf.Name, &status, &graph, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkflowDefinition{}, fmt.Errorf("%w: %s/%s", ErrWorkflowNotFound, tenantID, id)
	}
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("sqlite: get workflow %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(graph), &wf.Graph); err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("sqlite: unmarshal graph: %w", err)
	}
	wf.Status = types.WorkflowStatus(status)
	if wf.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return types.WorkflowDefinition{}, err
	}
	return wf, nil
}

// CreateRun inserts a new run.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	trigger, err := marshalMap(run.TriggerData)
	if err != nil {
		return err
	}
	contextData, err := marshalMap(run.ContextData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, tenant_id, status, trigger_data, context_data, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		int64(run.ID), run.WorkflowID, run.TenantID, string(run.Status), trigger, contextData, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create run %d: %w", run.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrRunExists, run.ID)
	}
	return nil
}

// AppendLog inserts a log entry only while its run is RUNNING.
func (s *SQLiteStorage) AppendLog(ctx context.Context, e types.WorkflowLogEntry) error {
	input, err := marshalMap(e.Input)
	if err != nil {
		return err
	}
	output, err := marshalMap(e.Output)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_logs
			(id, run_id, seq, node_id, node_type, status, input_data, output_data, error_message, duration_ms, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?
		WHERE EXISTS (SELECT 1 FROM workflow_runs WHERE id = ? AND status = 'RUNNING')`,
		int64(e.ID), int64(e.RunID), e.Seq, e.NodeID, string(e.NodeType), string(e.Status),
		input, output, e.Error, e.DurationMs, formatTime(e.CreatedAt), int64(e.RunID))
	if err != nil {
		return fmt.Errorf("sqlite: append log for run %d: %w", e.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notRunning(ctx, e.RunID)
	}
	return nil
}

// FinalizeRun moves a RUNNING run to its terminal state.
func (s *SQLiteStorage) FinalizeRun(ctx context.Context, fin Finalization) error {
	var result sql.NullString
	if fin.Result != nil {
		data, err := json.Marshal(fin.Result)
		if err != nil {
			return fmt.Errorf("sqlite: marshal result: %w", err)
		}
		result = sql.NullString{String: string(data), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, result = ?, error = NULLIF(?, ''), completed_at = ?
		WHERE id = ? AND status = 'RUNNING'`,
		string(fin.Status), result, fin.Error, formatTime(fin.CompletedAt), int64(fin.RunID))
	if err != nil {
		return fmt.Errorf("sqlite: finalize run %d: %w", fin.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.notRunning(ctx, fin.RunID)
	}
	return nil
}

func (s *SQLiteStorage) notRunning(ctx context.Context, runID uint64) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM workflow_runs WHERE id = ?`, int64(runID)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("sqlite: get run %d status: %w", runID, err)
	}
	return fmt.Errorf("%w: %d is %s", ErrRunNotRunning, runID, status)
}

// GetRun retrieves a run by ID.
func (s *SQLiteStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	var (
		run                                   types.WorkflowRun
		runID                                 int64
		status, trigger, contextData, started string
		result, errMsg, completed             sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, tenant_id, status, trigger_data, context_data, result, error, started_at, completed_at
		FROM workflow_runs WHERE id = ?`, int64(id),
	).Scan(&runID, &run.WorkflowID, &run.TenantID, &status, &trigger, &contextData, &result, &errMsg, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkflowRun{}, fmt.Errorf("%w: %d", ErrRunNotFound, id)
	}
	if err != nil {
		return types.WorkflowRun{}, fmt.Errorf("sqlite: get run %d: %w", id, err)
	}

	run.ID = uint64(runID)
	run.Status = types.RunStatus(status)
	run.Error = errMsg.String
	if run.TriggerData, err = unmarshalMap(trigger); err != nil {
		return types.WorkflowRun{}, err
	}
	if run.ContextData, err = unmarshalMap(contextData); err != nil {
		return types.WorkflowRun{}, err
	}
	if result.Valid {
		if run.Result, err = unmarshalMap(result.String); err != nil {
			return types.WorkflowRun{}, err
		}
	}
	if run.StartedAt, err = parseTime(started); err != nil {
		return types.WorkflowRun{}, err
	}
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return types.WorkflowRun{}, err
		}
		run.CompletedAt = &t
	}
	return run, nil
}

// ListLogs returns the log entries of a run ordered by seq.
func (s *SQLiteStorage) ListLogs(ctx context.Context, runID uint64) ([]types.WorkflowLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, seq, node_id, node_type, status, input_data, output_data,
		       COALESCE(error_message, ''), duration_ms, created_at
		FROM workflow_logs WHERE run_id = ? ORDER BY seq ASC`, int64(runID))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs of run %d: %w", runID, err)
	}
	defer rows.Close()

	var entries []types.WorkflowLogEntry
	for rows.Next() {
		var (
			e                                         types.WorkflowLogEntry
			id, rid                                   int64
			nodeType, state, input, output, createdAt string
		)
		if err := rows.Scan(&id, &rid, &e.Seq, &e.NodeID, &nodeType, &state,
			&input, &output, &e.Error, &e.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan log entry: %w", err)
		}
		e.ID, e.RunID = uint64(id), uint64(rid)
		e.NodeType, e.Status = types.NodeType(nodeType), types.LogStatus(state)
		if e.Input, err = unmarshalMap(input); err != nil {
			return nil, err
		}
		if e.Output, err = unmarshalMap(output); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ClearCompleted removes terminal runs completed before cutoff and their logs.
func (s *SQLiteStorage) ClearCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const expired = `SELECT id FROM workflow_runs
		WHERE status <> 'RUNNING' AND julianday(completed_at) < julianday(?)`
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_logs WHERE run_id IN (`+expired+`)`, formatTime(cutoff)); err != nil {
		return 0, fmt.Errorf("sqlite: clear logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM workflow_runs WHERE id IN (`+expired+`)`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: clear runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return int(n), nil
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t, nil
}

func marshalMap(m map[string]interface{}) (string, error) {
	data, err := json.Marshal(orEmpty(m))
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(s string) (map[string]interface{}, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal: %w", err)
	}
	return m, nil
}

var _ Storage = (*SQLiteStorage)(nil)
