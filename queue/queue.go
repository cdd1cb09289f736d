// Package queue carries execution requests from producers (API, scheduler,
// CLI) to the worker pool that runs them.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/omniflow/types"
)

var (
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
	// ErrQueueFull is returned when a bounded queue cannot take another job.
	ErrQueueFull = errors.New("queue is full")
)

// Job is one execution request plus its delivery bookkeeping.
type Job struct {
	ID         string                 `json:"id"`
	Request    types.ExecutionRequest `json:"request"`
	Attempt    int                    `json:"attempt"`
	EnqueuedAt time.Time              `json:"enqueuedAt"`
	LastError  string                 `json:"lastError,omitempty"`
}

// NewJob wraps req in a job with a fresh id.
func NewJob(req types.ExecutionRequest) Job {
	return Job{
		ID:         uuid.NewString(),
		Request:    req,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Queue is a FIFO of jobs with a dead-letter list for jobs that will not be
// retried again.
type Queue interface {
	// Enqueue adds job to the tail of the queue.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue blocks until a job is available or ctx is done.
	Dequeue(ctx context.Context) (Job, error)

	// DeadLetter records a job that failed permanently.
	DeadLetter(ctx context.Context, job Job) error

	// DeadLetters lists dead-lettered jobs, oldest first.
	DeadLetters(ctx context.Context) ([]Job, error)

	// Close releases the queue. Blocked Dequeue calls return ErrQueueClosed.
	Close() error
}
