// Package cli implements the omniflow command line: a queue worker, the API
// server, and local run and validate commands for definition files.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/omniflow/channels"
	"github.com/songzhibin97/omniflow/config"
	"github.com/songzhibin97/omniflow/events"
	"github.com/songzhibin97/omniflow/nodes"
	"github.com/songzhibin97/omniflow/queue"
	"github.com/songzhibin97/omniflow/scheduler"
	"github.com/songzhibin97/omniflow/storage"
	"github.com/songzhibin97/omniflow/telemetry"
	"github.com/songzhibin97/omniflow/workflow"
)

// App is the set of components built from one configuration.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Store     storage.Storage
	Queue     queue.Queue
	Engine    *workflow.Engine
	Telemetry *telemetry.Provider

	redis   *redis.Client
	closers []func(context.Context) error
}

// NewApp wires storage, queue, evaluator and engine according to cfg. On
// error everything built so far is released.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	app = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close(context.WithoutCancel(ctx))
			app = nil
		}
	}()

	app.Telemetry, err = telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Telemetry.Shutdown)

	if app.Store, err = app.openStorage(ctx); err != nil {
		return nil, err
	}
	if app.Queue, err = app.openQueue(); err != nil {
		return nil, err
	}

	evalOpts := []nodes.Option{nodes.WithLogger(logger)}
	if cfg.Engine.ActionTimeout > 0 {
		evalOpts = append(evalOpts, nodes.WithActionTimeout(cfg.Engine.ActionTimeout))
	}
	if cfg.Engine.HTTPTimeout > 0 {
		evalOpts = append(evalOpts, nodes.WithHTTPTimeout(cfg.Engine.HTTPTimeout))
	}
	if cfg.Gateway.BaseURL != "" {
		gw, err := channels.NewGateway(cfg.Gateway.BaseURL, channels.WithToken(cfg.Gateway.Token))
		if err != nil {
			return nil, err
		}
		evalOpts = append(evalOpts, nodes.WithChannelSender(gw), nodes.WithLeadCreator(gw))
	}

	bus := events.NewEventBus(events.WithLogger(logger))
	metrics, err := telemetry.NewMetricsHandler(app.Telemetry.MeterProvider.Meter("omniflow"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	bus.SubscribeAll(metrics)

	engineOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithEventBus(bus),
		workflow.WithTracer(app.Telemetry.Tracer("omniflow")),
	}
	if cfg.Engine.Branching {
		engineOpts = append(engineOpts, workflow.WithBranching())
	}
	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), cfg.Engine.MachineID)
	app.Engine, err = workflow.NewEngine(app.Store, snowflake, nodes.NewEvaluator(evalOpts...), engineOpts...)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, app.Engine.Stop)
	return app, nil
}

func (a *App) redisClient() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	client, err := storage.NewRedisClient(storage.RedisOptions{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *App) openStorage(ctx context.Context) (storage.Storage, error) {
	switch a.Config.Storage.Driver {
	case "memory":
		return storage.NewMemoryStorage(), nil
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStorageWithClient(client), nil
	case "postgres":
		s, err := storage.OpenPostgres(ctx, a.Config.Storage.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	case "sqlite":
		s, err := storage.OpenSQLite(a.Config.Storage.DSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage driver %q", a.Config.Storage.Driver)
}

func (a *App) openQueue() (queue.Queue, error) {
	switch a.Config.Queue.Driver {
	case "memory":
		q := queue.NewMemoryQueue(a.Config.Queue.Capacity)
		a.closers = append(a.closers, func(context.Context) error { return q.Close() })
		return q, nil
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(client, queue.WithKey(a.Config.Queue.Key)), nil
	}
	return nil, fmt.Errorf("unknown queue driver %q", a.Config.Queue.Driver)
}

// Worker builds a queue worker running jobs on the engine.
func (a *App) Worker() *queue.Worker {
	cfg := a.Config.Worker
	return queue.NewWorker(a.Queue, a.Engine,
		queue.WithConcurrency(cfg.Concurrency),
		queue.WithMaxAttempts(cfg.MaxAttempts),
		queue.WithBackOff(func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.BackOff
			b.MaxInterval = cfg.MaxBackOff
			b.MaxElapsedTime = 0
			return b
		}),
		queue.WithWorkerLogger(a.Logger),
	)
}

// retentionTask is the scheduler entry name of the run pruning job.
const retentionTask = "retention"

// Scheduler builds a scheduler holding every configured schedule, plus the
// retention job when retention.max_age is set.
func (a *App) Scheduler() (*scheduler.Scheduler, error) {
	s := scheduler.New(a.Queue, scheduler.WithLogger(a.Logger))
	for _, e := range a.Config.Schedules {
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	if maxAge := a.Config.Retention.MaxAge; maxAge > 0 {
		err := s.AddTask(retentionTask, a.Config.Retention.Schedule, time.Minute, func(ctx context.Context) error {
			_, err := a.PruneRuns(ctx, maxAge)
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PruneRuns deletes finished runs, and their logs, completed more than maxAge
// ago.
func (a *App) PruneRuns(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	n, err := a.Store.ClearCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.Logger.Info("pruned finished runs", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Close releases everything in reverse order of creation.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	a.closers = nil
	return errors.Join(errs...)
}
