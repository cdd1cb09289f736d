package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/omniflow/types"
)

const (
	workflowPrefix = "workflow:"
	runPrefix      = "run:"
	logsSuffix     = ":logs"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Runs are JSON values; a run's log entries are a list appended with RPUSH.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func workflowKeyOf(tenantID, id string) string {
	return workflowPrefix + tenantID + ":" + id
}

func runKeyOf(id uint64) string {
	return runPrefix + strconv.FormatUint(id, 10)
}

// saveToRedis saves a value to Redis under key.
func (s *RedisStorage) saveToRedis(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %w", key, err)
		}
		return nil
	})
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// SaveWorkflow saves a workflow to Redis.
func (s *RedisStorage) SaveWorkflow(ctx context.Context, wf types.WorkflowDefinition) error {
	return s.saveToRedis(ctx, workflowKeyOf(wf.TenantID, wf.ID), wf)
}

// GetWorkflow retrieves a workflow from Redis.
func (s *RedisStorage) GetWorkflow(ctx context.Context, id, tenantID string) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, workflowKeyOf(tenantID, id), ErrWorkflowNotFound)
}

// CreateRun stores a new run; it fails if the run key already exists.
func (s *RedisStorage) CreateRun(ctx context.Context, run types.WorkflowRun) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run %d: %w", run.ID, err)
		}
		ok, err := s.client.SetNX(ctx, runKeyOf(run.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create run %d: %w", run.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrRunExists, run.ID)
		}
		return nil
	})
}

// watchRunning runs fn in a transaction that aborts if the run changes,
// after checking the run is still RUNNING.
func (s *RedisStorage) watchRunning(ctx context.Context, runID uint64, fn func(tx *redis.Tx, run types.WorkflowRun) error) error {
	key := runKeyOf(runID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		run, err := getFromRedis[types.WorkflowRun](ctx, tx, key, ErrRunNotFound)
		if err != nil {
			return err
		}
		if run.Status != types.RunRunning {
			return fmt.Errorf("%w: %d is %s", ErrRunNotRunning, runID, run.Status)
		}
		return fn(tx, run)
	}, key)
}

// AppendLog appends a log entry to a running run.
func (s *RedisStorage) AppendLog(ctx context.Context, entry types.WorkflowLogEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry: %w", err)
		}
		return s.watchRunning(ctx, entry.RunID, func(tx *redis.Tx, _ types.WorkflowRun) error {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.RPush(ctx, runKeyOf(entry.RunID)+logsSuffix, data)
				return nil
			})
			return err
		})
	})
}

// FinalizeRun transitions a running run to its terminal state.
func (s *RedisStorage) FinalizeRun(ctx context.Context, fin Finalization) error {
	return withContextError(ctx, func() error {
		return s.watchRunning(ctx, fin.RunID, func(tx *redis.Tx, run types.WorkflowRun) error {
			completed := fin.CompletedAt
			run.Status = fin.Status
			run.Result = fin.Result
			run.Error = fin.Error
			run.CompletedAt = &completed
			data, err := json.Marshal(run)
			if err != nil {
				return fmt.Errorf("failed to marshal run %d: %w", run.ID, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, runKeyOf(run.ID), data, 0)
				return nil
			})
			return err
		})
	})
}

// GetRun retrieves a run from Redis.
func (s *RedisStorage) GetRun(ctx context.Context, id uint64) (types.WorkflowRun, error) {
	return getFromRedis[types.WorkflowRun](ctx, s.client, runKeyOf(id), ErrRunNotFound)
}

// ListLogs returns the log entries of a run ordered by Seq.
func (s *RedisStorage) ListLogs(ctx context.Context, runID uint64) ([]types.WorkflowLogEntry, error) {
	return withContext(ctx, func() ([]types.WorkflowLogEntry, error) {
		items, err := s.client.LRange(ctx, runKeyOf(runID)+logsSuffix, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list logs of run %d: %w", runID, err)
		}
		entries := make([]types.WorkflowLogEntry, 0, len(items))
		for _, item := range items {
			var e types.WorkflowLogEntry
			if err := json.Unmarshal([]byte(item), &e); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
			}
			entries = append(entries, e)
		}
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		return entries, nil
	})
}

// ClearCompleted removes terminal runs completed before cutoff and their
// logs from Redis.
func (s *RedisStorage) ClearCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	return withContext(ctx, func() (int, error) {
		iter := s.client.Scan(ctx, 0, runPrefix+"*", 100).Iterator()
		pipe := s.client.Pipeline()
		removed := 0
		for iter.Next(ctx) {
			key := iter.Val()
			if strings.HasSuffix(key, logsSuffix) {
				continue
			}
			run, err := getFromRedis[types.WorkflowRun](ctx, s.client, key, ErrRunNotFound)
			if errors.Is(err, ErrRunNotFound) {
				continue
			} else if err != nil {
				return removed, err
			}
			if expired(run, cutoff) {
				pipe.Del(ctx, key, key+logsSuffix)
				removed++
			}
		}
		if err := iter.Err(); err != nil {
			return 0, fmt.Errorf("failed to scan run keys: %w", err)
		}
		if removed == 0 {
			return 0, nil
		}
		if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

var _ Storage = (*RedisStorage)(nil)
