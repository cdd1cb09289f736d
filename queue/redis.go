package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultRedisKey = "omniflow:jobs"

// RedisQueue keeps jobs in a Redis list: LPUSH to enqueue, BRPOP to dequeue.
// Dead letters live in a second list under "<key>:dead".
type RedisQueue struct {
	client      *redis.Client
	key         string
	deadKey     string
	pollTimeout time.Duration
}

// RedisQueueOption configures a RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKey sets the list key. The dead-letter list is derived from it.
func WithKey(key string) RedisQueueOption {
	return func(q *RedisQueue) {
		if key != "" {
			q.key = key
			q.deadKey = key + ":dead"
		}
	}
}

// WithPollTimeout bounds each BRPOP so Dequeue notices a cancelled context.
func WithPollTimeout(d time.Duration) RedisQueueOption {
	return func(q *RedisQueue) {
		if d > 0 {
			q.pollTimeout = d
		}
	}
}

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	q := &RedisQueue{
		client:      client,
		key:         defaultRedisKey,
		deadKey:     defaultRedisKey + ":dead",
		pollTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue pushes job onto the list.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue pops the oldest job, polling until one arrives or ctx is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, redis.ErrClosed) {
			return Job{}, ErrQueueClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return Job{}, ctx.Err()
			}
			return Job{}, fmt.Errorf("failed to dequeue: %w", err)
		}
		// res is [key, value]
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return job, nil
	}
}

// DeadLetter appends job to the dead-letter list.
func (q *RedisQueue) DeadLetter(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, q.deadKey, data).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", job.ID, err)
	}
	return nil
}

// DeadLetters lists the dead-letter list.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Job, error) {
	items, err := q.client.LRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(items))
	for _, item := range items {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close closes the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
