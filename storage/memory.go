package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/omniflow/types"
)

type workflowKey struct {
	tenantID string
	id       string
}

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	workflows map[workflowKey]types.WorkflowDefinition
	runs      map[uint64]types.WorkflowRun
	logs      map[uint64][]types.WorkflowLogEntry
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		workflows: make(map[workflowKey]types.WorkflowDefinition),
		runs:      make(map[uint64]types.WorkflowRun),
		logs:      make(map[uint64][]types.WorkflowLogEntry),
	}
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, key K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[key]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %v", errNotFound, key)
		}
		return item, nil
	})
}

// SaveWorkflow saves a workflow to memory.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.workflows[workflowKey{tenantID: wf.TenantID, id: wf.ID}] = wf
		return nil
	})
}

// GetWorkflow retrieves a workflow from memory.
func (s *MemoryStorage) GetWorkflow(ctx context.Context, id, tenantID string) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.workflows, workflowKey{tenantID: tenantID, id: id}, ErrWorkflowNotFound)
}

// CreateRun stores a new run.
func (s *MemoryStorage) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.runs[run.ID]; ok {
			return fmt.Errorf("%w: %d", ErrRunExists, run.ID)
		}
		run.TriggerData = cloneMap(run.TriggerData)
		run.ContextData = cloneMap(run.ContextData)
		s.runs[run.ID] = run
		return nil
	})
}

// AppendLog appends a log entry to a running run.
func (s *MemoryStorage) AppendLog(ctx context.Context, entry types.WorkflowLogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		run, ok := s.runs[entry.RunID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrRunNotFound, entry.RunID)
		}
		if run.Status != types.RunRunning {
			return fmt.Errorf("%w: %d", ErrRunNotRunning, entry.RunID)
		}
		entry.Input = cloneMap(entry.Input)
		entry.Output = cloneMap(entry.Output)
		s.logs[entry.RunID] = append(s.logs[entry.RunID], entry)
		return nil
	})
}

// FinalizeRun transitions a running run to its terminal state.
func (s *MemoryStorage) FinalizeRun(ctx context.Context, fin Finalization) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		run, ok := s.runs[fin.RunID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrRunNotFound, fin.RunID)
		}
		if run.Status != types.RunRunning {
			return fmt.Errorf("%w: %d is %s", ErrRunNotRunning, fin.RunID, run.Status)
		}
		completed := fin.CompletedAt
		run.Status = fin.Status
		run.Result = cloneMap(fin.Result)
		run.Error = fin.Error
		run.CompletedAt = &completed
		s.runs[fin.RunID] = run
		return nil
	})
}

// GetRun retrieves a run from memory.
func (s *MemoryStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	return getItem(ctx, &s.mu, s.runs, id, ErrRunNotFound)
}

// ListLogs returns the log entries of a run ordered by Seq.
func (s *MemoryStorage) ListLogs(ctx context.Context, runID uint64) ([]types.WorkflowLogEntry, error) {
	return withContext(ctx, func() ([]types.WorkflowLogEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		out := make([]types.WorkflowLogEntry, len(s.logs[runID]))
		copy(out, s.logs[runID])
		sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
		return out, nil
	})
}

// ClearCompleted removes terminal runs completed before cutoff and their logs.
func (s *MemoryStorage) ClearCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, run := range s.runs {
			if expired(run, cutoff) {
				delete(s.runs, id)
				delete(s.logs, id)
				removed++
			}
		}
		return removed, nil
	})
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ Storage = (*MemoryStorage)(nil)
