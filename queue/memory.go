package queue

import (
	"context"
	"sync"
)

// MemoryQueue is a bounded in-process queue. Jobs are lost when the process exits.
type MemoryQueue struct {
	jobs chan Job
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	dead []Job
}

// NewMemoryQueue creates a queue holding at most capacity pending jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryQueue{
		jobs: make(chan Job, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds job without blocking; a full queue returns ErrQueueFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job is available.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Job, error) {
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-q.done:
		return Job{}, ErrQueueClosed
	case job := <-q.jobs:
		return job, nil
	}
}

// DeadLetter records job as permanently failed.
func (q *MemoryQueue) DeadLetter(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, job)
	return nil
}

// DeadLetters returns a copy of the dead-letter list.
func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Len returns the number of pending jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Close wakes every blocked Dequeue. Pending jobs are dropped.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
