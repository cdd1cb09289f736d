// Package ledger owns the durable record of workflow runs: opening a run,
// appending one entry per visited node and finalizing the run exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/omniflow/storage"
	"github.com/songzhibin97/omniflow/types"
)

var (
	// ErrAlreadyFinalized is returned by a second Finalize of the same run.
	ErrAlreadyFinalized = errors.New("run already finalized")
	// ErrNotTerminal is returned when Finalize is asked for a non-terminal status.
	ErrNotTerminal = errors.New("status is not terminal")
)

// NodeLog is the outcome of one visited node, as handed over by the orchestrator.
type NodeLog struct {
	RunID    uint64
	NodeID   string
	NodeType types.NodeType
	Status   types.LogStatus
	Input    map[string]interface{}
	Output   map[string]interface{}
	Error    string
	Duration time.Duration
}

type openRun struct {
	seq int
}

// Ledger writes runs and node logs through a storage.RunStore.
type Ledger struct {
	store   storage.RunStore
	gen     generator.Generator
	logger  *slog.Logger
	now     func() time.Time
	backOff func() backoff.BackOff

	mu   sync.Mutex
	open map[uint64]*openRun
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger used for swallowed log-append failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithFinalizeBackOff sets the retry policy for transient finalize failures.
// The factory is called once per Finalize.
func WithFinalizeBackOff(f func() backoff.BackOff) Option {
	return func(l *Ledger) {
		if f != nil {
			l.backOff = f
		}
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 5)
}

// New creates a Ledger. gen supplies run and log entry IDs.
func New(store storage.RunStore, gen generator.Generator, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errors.New("run store is required")
	}
	if gen == nil {
		return nil, errors.New("generator is required")
	}
	l := &Ledger{
		store:   store,
		gen:     gen,
		logger:  slog.Default(),
		now:     time.Now,
		backOff: defaultBackOff,
		open:    make(map[uint64]*openRun),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// OpenRun creates a RUNNING run and returns its ID.
func (l *Ledger) OpenRun(ctx context.Context, workflowID, tenantID string, trigger, contextData map[string]interface{}) (uint64, error) {
	id, err := l.gen.NextID()
	if err != nil {
		return 0, fmt.Errorf("%w: generate run id: %w", types.ErrPersistence, err)
	}
	run := types.WorkflowRun{
		ID:          id,
		WorkflowID:  workflowID,
		TenantID:    tenantID,
		Status:      types.RunRunning,
		TriggerData: trigger,
		ContextData: contextData,
		StartedAt:   l.now().UTC(),
	}
	if err := l.store.CreateRun(ctx, run); err != nil {
		return 0, fmt.Errorf("%w: open run: %w", types.ErrPersistence, err)
	}

	l.mu.Lock()
	l.open[id] = &openRun{}
	l.mu.Unlock()
	return id, nil
}

// LogNode appends the entry for one visited node. Failures never abort the
// run; they are logged and dropped.
func (l *Ledger) LogNode(ctx context.Context, entry NodeLog) {
	var seq int
	l.mu.Lock()
	run, ok := l.open[entry.RunID]
	if ok {
		run.seq++
		seq = run.seq
	}
	l.mu.Unlock()

	if !ok {
		l.logger.WarnContext(ctx, "dropping node log for run that is not open",
			"run_id", entry.RunID, "node_id", entry.NodeID)
		return
	}

	id, err := l.gen.NextID()
	if err != nil {
		l.logger.WarnContext(ctx, "failed to generate log entry id",
			"run_id", entry.RunID, "node_id", entry.NodeID, "error", err)
		return
	}
	err = l.store.AppendLog(ctx, types.WorkflowLogEntry{
		ID:         id,
		RunID:      entry.RunID,
		Seq:        seq,
		NodeID:     entry.NodeID,
		NodeType:   entry.NodeType,
		Status:     entry.Status,
		Input:      entry.Input,
		Output:     entry.Output,
		Error:      entry.Error,
		DurationMs: entry.Duration.Milliseconds(),
		CreatedAt:  l.now().UTC(),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "failed to append node log",
			"run_id", entry.RunID, "node_id", entry.NodeID, "seq", seq, "error", err)
	}
}

// Finalize moves the run to status. Only the first call for a run takes
// effect; later calls return ErrAlreadyFinalized. Transient store failures
// are retried and surface as types.ErrPersistence once retries run out.
func (l *Ledger) Finalize(ctx context.Context, runID uint64, status types.RunStatus, result map[string]interface{}, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s", ErrNotTerminal, status)
	}

	// Closing the run first stops late LogNode calls from landing after the
	// terminal write.
	l.mu.Lock()
	delete(l.open, runID)
	l.mu.Unlock()

	fin := storage.Finalization{
		RunID:       runID,
		Status:      status,
		Result:      result,
		Error:       errMsg,
		CompletedAt: l.now().UTC(),
	}
	op := func() error {
		err := l.store.FinalizeRun(ctx, fin)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, storage.ErrRunNotRunning):
			return backoff.Permanent(fmt.Errorf("%w: %d", ErrAlreadyFinalized, runID))
		case errors.Is(err, storage.ErrRunNotFound):
			return backoff.Permanent(fmt.Errorf("%w: finalize run: %w", types.ErrPersistence, err))
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(l.backOff(), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyFinalized) || errors.Is(err, types.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: finalize run %d: %w", types.ErrPersistence, runID, err)
}

// isOpen reports whether runID was opened here and is not finalized yet.
func (l *Ledger) isOpen(runID uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.open[runID]
	return ok
}
