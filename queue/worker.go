package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/omniflow/types"
)

// Executor runs one execution request. *workflow.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req types.ExecutionRequest) (types.ExecutionResult, error)
}

// Stats counts what a worker has done since it started.
type Stats struct {
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
}

// Worker consumes jobs with a fixed number of concurrent executions. Jobs
// that fail with a retryable error are re-enqueued with exponential backoff
// until MaxAttempts; the rest go to the dead-letter list.
type Worker struct {
	queue       Queue
	exec        Executor
	concurrency int
	maxAttempts int
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger

	completed    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithConcurrency sets how many jobs run at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithMaxAttempts sets the total number of attempts per job.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithBackOff sets the retry delay policy. The factory is called per retry
// and advanced once per previous attempt.
func WithBackOff(f func() backoff.BackOff) WorkerOption {
	return func(w *Worker) {
		if f != nil {
			w.newBackOff = f
		}
	}
}

// WithWorkerLogger sets the worker logger.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker creates a worker reading q and running jobs on exec.
func NewWorker(q Queue, exec Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       q,
		exec:        exec,
		concurrency: 4,
		maxAttempts: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes jobs until ctx is done or the queue is closed. Executions in
// flight when ctx ends see a cancelled context.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				job, err := w.queue.Dequeue(ctx)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
						return nil
					}
					w.logger.Error("dequeue failed", "error", err)
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				job.Attempt++
				if delay := w.handle(ctx, job); delay >= 0 {
					g.Go(func() error {
						w.requeue(ctx, job, delay)
						return nil
					})
				}
			}
		})
	}
	return g.Wait()
}

// handle executes job and returns the delay before it should be retried,
// or -1 when it must not be retried.
func (w *Worker) handle(ctx context.Context, job Job) time.Duration {
	log := w.logger.With("job_id", job.ID, "workflow_id", job.Request.WorkflowID,
		"tenant_id", job.Request.TenantID, "attempt", job.Attempt)

	res, err := w.exec.Execute(ctx, job.Request)
	if err == nil {
		w.completed.Add(1)
		log.Info("job completed", "run_id", res.RunID, "status", res.Status)
		return -1
	}

	w.failed.Add(1)
	kind := types.Kind(err)
	log.Warn("job failed", "run_id", res.RunID, "kind", kind, "error", err)

	// A run interrupted by worker shutdown is re-enqueued regardless of kind.
	shutdown := ctx.Err() != nil
	if job.Attempt >= w.maxAttempts || (!shutdown && !types.Retryable(err)) {
		job.LastError = err.Error()
		if dlErr := w.queue.DeadLetter(context.WithoutCancel(ctx), job); dlErr != nil {
			log.Error("failed to dead-letter job", "error", dlErr)
		}
		w.deadLettered.Add(1)
		return -1
	}
	if shutdown {
		return 0
	}
	return w.retryDelay(job.Attempt)
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	b := w.newBackOff()
	b.Reset()
	delay := time.Duration(0)
	for i := 0; i < attempt; i++ {
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		delay = next
	}
	return delay
}

// requeue waits delay and puts job back on the queue. Shutdown cuts the
// wait short but still re-enqueues, so the job is not lost.
func (w *Worker) requeue(ctx context.Context, job Job, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	enqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.queue.Enqueue(enqCtx, job); err != nil {
		w.logger.Error("failed to re-enqueue job", "job_id", job.ID, "error", err)
		return
	}
	w.retried.Add(1)
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Completed:    w.completed.Load(),
		Failed:       w.failed.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
	}
}

// Submit is a convenience for producers: it wraps req in a new job and
// enqueues it.
func Submit(ctx context.Context, q Queue, req types.ExecutionRequest) (Job, error) {
	if req.WorkflowID == "" || req.TenantID == "" {
		return Job{}, fmt.Errorf("%w: workflowId and tenantId are required", types.ErrConfig)
	}
	job := NewJob(req)
	if err := q.Enqueue(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}
