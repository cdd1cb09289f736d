package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/omniflow/types"
)

// scriptedExecutor returns the scripted errors in order, then succeeds.
type scriptedExecutor struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (e *scriptedExecutor) Execute(ctx context.Context, req types.ExecutionRequest) (types.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	res := types.ExecutionResult{RunID: uint64(e.calls)}
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		res.Status = types.RunFailed
		return res, err
	}
	res.Status = types.RunCompleted
	return res, nil
}

func (e *scriptedExecutor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noDelay() backoff.BackOff { return &backoff.ZeroBackOff{} }

// startWorker runs w in the background and returns a func that stops it and
// waits for Run to return.
func startWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitForStats(t *testing.T, w *Worker, want Stats) {
	t.Helper()
	assert.Eventually(t, func() bool { return w.Stats() == want }, 2*time.Second, 10*time.Millisecond,
		"stats: %+v", w.Stats())
}

func external(msg string) error {
	return fmt.Errorf("%w: %s", types.ErrExternal, msg)
}

func TestWorker_Completes(t *testing.T) {
	q := NewMemoryQueue(8)
	exec := &scriptedExecutor{}
	w := NewWorker(q, exec, WithConcurrency(2), WithWorkerLogger(quietLogger()))
	stop := startWorker(t, w)
	defer stop()

	for i := 0; i < 5; i++ {
		_, err := Submit(context.Background(), q, newRequest(fmt.Sprintf("wf-%d", i)))
		require.NoError(t, err)
	}

	waitForStats(t, w, Stats{Completed: 5})
}

func TestWorker_RetriesExternalErrors(t *testing.T) {
	q := NewMemoryQueue(8)
	exec := &scriptedExecutor{errs: []error{external("timeout"), external("503")}}
	w := NewWorker(q, exec, WithMaxAttempts(3), WithBackOff(noDelay), WithWorkerLogger(quietLogger()))
	stop := startWorker(t, w)
	defer stop()

	_, err := Submit(context.Background(), q, newRequest("wf-1"))
	require.NoError(t, err)

	waitForStats(t, w, Stats{Completed: 1, Failed: 2, Retried: 2})
	assert.Equal(t, 3, exec.Calls())

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestWorker_DeadLettersConfigErrors(t *testing.T) {
	q := NewMemoryQueue(8)
	exec := &scriptedExecutor{errs: []error{fmt.Errorf("%w: missing template", types.ErrConfig)}}
	w := NewWorker(q, exec, WithBackOff(noDelay), WithWorkerLogger(quietLogger()))
	stop := startWorker(t, w)
	defer stop()

	job, err := Submit(context.Background(), q, newRequest("wf-1"))
	require.NoError(t, err)

	waitForStats(t, w, Stats{Failed: 1, DeadLettered: 1})
	assert.Equal(t, 1, exec.Calls())

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, 1, dead[0].Attempt)
	assert.Equal(t, "invalid configuration: missing template", dead[0].LastError)
}

func TestWorker_DeadLettersAfterMaxAttempts(t *testing.T) {
	q := NewMemoryQueue(8)
	exec := &scriptedExecutor{errs: []error{external("a"), external("b"), external("c")}}
	w := NewWorker(q, exec, WithMaxAttempts(2), WithBackOff(noDelay), WithWorkerLogger(quietLogger()))
	stop := startWorker(t, w)
	defer stop()

	_, err := Submit(context.Background(), q, newRequest("wf-1"))
	require.NoError(t, err)

	waitForStats(t, w, Stats{Failed: 2, Retried: 1, DeadLettered: 1})

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempt)
	assert.Equal(t, "external call failed: b", dead[0].LastError)
}

func TestWorker_StopsWhenQueueCloses(t *testing.T) {
	q := NewMemoryQueue(8)
	w := NewWorker(q, &scriptedExecutor{}, WithWorkerLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestWorker_RetryDelay(t *testing.T) {
	w := NewWorker(NewMemoryQueue(1), &scriptedExecutor{}, WithBackOff(func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = 3 * time.Second
		return b
	}))

	assert.Equal(t, time.Second, w.retryDelay(1))
	assert.Equal(t, 2*time.Second, w.retryDelay(2))
	assert.Equal(t, 3*time.Second, w.retryDelay(3))
	assert.Equal(t, 3*time.Second, w.retryDelay(6))

	w = NewWorker(NewMemoryQueue(1), &scriptedExecutor{}, WithBackOff(func() backoff.BackOff {
		return &backoff.StopBackOff{}
	}))
	assert.Equal(t, time.Duration(0), w.retryDelay(2))
}

func TestSubmit(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	_, err := Submit(context.Background(), q, types.ExecutionRequest{TenantID: "t"})
	assert.ErrorIs(t, err, types.ErrConfig)
	_, err = Submit(context.Background(), q, types.ExecutionRequest{WorkflowID: "wf"})
	assert.ErrorIs(t, err, types.ErrConfig)

	job, err := Submit(context.Background(), q, newRequest("wf-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	_, err = Submit(context.Background(), q, newRequest("wf-2"))
	assert.True(t, errors.Is(err, ErrQueueFull))
}
