package ledger

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/omniflow/storage"
	"github.com/songzhibin97/omniflow/types"
)

type sequenceGenerator struct {
	id atomic.Uint64
}

func (g *sequenceGenerator) NextID() (uint64, error) {
	return g.id.Add(1), nil
}

type failingGenerator struct{}

func (failingGenerator) NextID() (uint64, error) {
	return 0, errors.New("clock moved backwards")
}

// flakyStore fails the first failFinalize FinalizeRun calls and every
// AppendLog when failAppend is set.
type flakyStore struct {
	*storage.MemoryStorage
	failCreate    bool
	failAppend    bool
	failFinalize  int32
	finalizeCalls atomic.Int32
}

func (s *flakyStore) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	if s.failCreate {
		return errors.New("connection refused")
	}
	return s.MemoryStorage.CreateRun(ctx, run)
}

func (s *flakyStore) AppendLog(ctx context.Context, e types.WorkflowLogEntry) error {
	if s.failAppend {
		return errors.New("disk full")
	}
	return s.MemoryStorage.AppendLog(ctx, e)
}

func (s *flakyStore) FinalizeRun(ctx context.Context, fin storage.Finalization) error {
	if s.finalizeCalls.Add(1) <= s.failFinalize {
		return errors.New("timeout")
	}
	return s.MemoryStorage.FinalizeRun(ctx, fin)
}

func noWait() backoff.BackOff {
	return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3)
}

func newTestLedger(t *testing.T, store storage.RunStore, opts ...Option) *Ledger {
	t.Helper()
	opts = append([]Option{WithFinalizeBackOff(noWait)}, opts...)
	l, err := New(store, &sequenceGenerator{}, opts...)
	require.NoError(t, err)
	return l
}

func TestNew(t *testing.T) {
	_, err := New(nil, &sequenceGenerator{})
	assert.EqualError(t, err, "run store is required")
	_, err = New(storage.NewMemoryStorage(), nil)
	assert.EqualError(t, err, "generator is required")
}

func TestOpenRun(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store, WithClock(func() time.Time { return started }))

	id, err := l.OpenRun(ctx, "wf-1", "t1", map[string]interface{}{"score": 80}, map[string]interface{}{"leadId": "L1"})
	require.NoError(t, err)
	assert.True(t, l.isOpen(id))

	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.RunRunning, run.Status)
	assert.Equal(t, "wf-1", run.WorkflowID)
	assert.Equal(t, "t1", run.TenantID)
	assert.Equal(t, started, run.StartedAt)
	assert.Equal(t, 80, run.TriggerData["score"])
}

func TestOpenRunFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("StoreError", func(t *testing.T) {
		l := newTestLedger(t, &flakyStore{MemoryStorage: storage.NewMemoryStorage(), failCreate: true})
		_, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
		assert.ErrorIs(t, err, types.ErrPersistence)
		assert.Equal(t, types.KindPersistence, types.Kind(err))
	})

	t.Run("GeneratorError", func(t *testing.T) {
		l, err := New(storage.NewMemoryStorage(), failingGenerator{})
		require.NoError(t, err)
		_, err = l.OpenRun(ctx, "wf", "t1", nil, nil)
		assert.ErrorIs(t, err, types.ErrPersistence)
	})
}

func TestLogNode(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	l := newTestLedger(t, store)

	id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
	require.NoError(t, err)

	l.LogNode(ctx, NodeLog{RunID: id, NodeID: "t", NodeType: types.NodeTrigger, Status: types.LogSuccess,
		Output: map[string]interface{}{"triggered": true}, Duration: 2 * time.Millisecond})
	l.LogNode(ctx, NodeLog{RunID: id, NodeID: "a", NodeType: types.NodeAction, Status: types.LogError,
		Error: "gateway down"})

	logs, err := store.ListLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].Seq)
	assert.Equal(t, "t", logs[0].NodeID)
	assert.Equal(t, int64(2), logs[0].DurationMs)
	assert.Equal(t, 2, logs[1].Seq)
	assert.Equal(t, types.LogError, logs[1].Status)
	assert.Equal(t, "gateway down", logs[1].Error)
	assert.NotEqual(t, logs[0].ID, logs[1].ID)
}

func TestLogNodeFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), failAppend: true}
	l := newTestLedger(t, store, WithLogger(logger))

	id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		l.LogNode(ctx, NodeLog{RunID: id, NodeID: "t", NodeType: types.NodeTrigger, Status: types.LogSuccess})
	})
	assert.Contains(t, buf.String(), "failed to append node log")
	assert.Contains(t, buf.String(), "level=WARN")

	require.NoError(t, l.Finalize(ctx, id, types.RunCompleted, nil, ""))
}

func TestLogNodeAfterFinalizeIsDropped(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	store := storage.NewMemoryStorage()
	l := newTestLedger(t, store, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, l.Finalize(ctx, id, types.RunCompleted, map[string]interface{}{"ok": true}, ""))

	l.LogNode(ctx, NodeLog{RunID: id, NodeID: "late", NodeType: types.NodeAction, Status: types.LogSuccess})

	logs, err := store.ListLogs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Contains(t, buf.String(), "not open")
}

func TestFinalize(t *testing.T) {
	ctx := context.Background()

	t.Run("ExactlyOnce", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		l := newTestLedger(t, store)
		id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
		require.NoError(t, err)

		require.NoError(t, l.Finalize(ctx, id, types.RunFailed, nil, "Node a failed: boom"))
		assert.False(t, l.isOpen(id))

		err = l.Finalize(ctx, id, types.RunCompleted, nil, "")
		assert.ErrorIs(t, err, ErrAlreadyFinalized)

		run, err := store.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.RunFailed, run.Status)
		assert.Equal(t, "Node a failed: boom", run.Error)
		require.NotNil(t, run.CompletedAt)
		assert.False(t, run.CompletedAt.Before(run.StartedAt))
	})

	t.Run("ConcurrentCallsFinalizeOnce", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		l := newTestLedger(t, store)
		id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		var succeeded atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if l.Finalize(ctx, id, types.RunCompleted, nil, "") == nil {
					succeeded.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), succeeded.Load())
	})

	t.Run("RetriesTransientFailures", func(t *testing.T) {
		store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), failFinalize: 2}
		l := newTestLedger(t, store)
		id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
		require.NoError(t, err)

		require.NoError(t, l.Finalize(ctx, id, types.RunCompleted, nil, ""))
		assert.Equal(t, int32(3), store.finalizeCalls.Load())
	})

	t.Run("ExhaustedRetries", func(t *testing.T) {
		store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), failFinalize: 100}
		l := newTestLedger(t, store)
		id, err := l.OpenRun(ctx, "wf", "t1", nil, nil)
		require.NoError(t, err)

		err = l.Finalize(ctx, id, types.RunCompleted, nil, "")
		assert.ErrorIs(t, err, types.ErrPersistence)
		assert.Equal(t, int32(4), store.finalizeCalls.Load())
	})

	t.Run("UnknownRun", func(t *testing.T) {
		l := newTestLedger(t, storage.NewMemoryStorage())
		err := l.Finalize(ctx, 42, types.RunCompleted, nil, "")
		assert.ErrorIs(t, err, types.ErrPersistence)
		assert.ErrorIs(t, err, storage.ErrRunNotFound)
	})

	t.Run("NonTerminalStatus", func(t *testing.T) {
		l := newTestLedger(t, storage.NewMemoryStorage())
		err := l.Finalize(ctx, 1, types.RunRunning, nil, "")
		assert.ErrorIs(t, err, ErrNotTerminal)
	})
}
