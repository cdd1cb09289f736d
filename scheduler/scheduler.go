// Package scheduler enqueues workflow executions on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/songzhibin97/omniflow/queue"
	"github.com/songzhibin97/omniflow/types"
)

// Schedules are five-field UTC expressions; descriptors such as "@hourly"
// and "@every 10m" are accepted too.
var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Entry is one scheduled execution.
type Entry struct {
	Name    string                 `mapstructure:"name" yaml:"name"`
	Spec    string                 `mapstructure:"spec" yaml:"spec"`
	Request types.ExecutionRequest `mapstructure:"request" yaml:"request"`
}

// ParseSpec validates a cron expression.
func ParseSpec(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("%w: cron expression is required", types.ErrConfig)
	}
	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("%w: cron expression must be UTC-only", types.ErrConfig)
	}
	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %w", types.ErrConfig, clean, err)
	}
	return schedule, nil
}

// Scheduler submits the request of each entry to a queue when its schedule
// fires. A tick never runs the workflow itself; workers do. Maintenance
// tasks added with AddTask run in process.
type Scheduler struct {
	cron   *cron.Cron
	queue  queue.Queue
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scheduler that enqueues onto q.
func New(q queue.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:   q,
		logger:  slog.Default(),
		entries: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(
		cron.WithParser(standardCronParser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.logger}),
		cron.WithChain(cron.Recover(cronLogger{s.logger})),
	)
	return s
}

// Add registers e. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("%w: schedule name is required", types.ErrConfig)
	}
	if e.Request.WorkflowID == "" || e.Request.TenantID == "" {
		return fmt.Errorf("%w: schedule %s: workflowId and tenantId are required", types.ErrConfig, e.Name)
	}
	schedule, err := ParseSpec(e.Spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", e.Name, err)
	}

	return s.schedule(e.Name, schedule, func() { s.fire(e) })
}

// AddTask registers an in-process task, such as run retention, under name.
// Each tick runs task with timeout; errors are logged.
func (s *Scheduler) AddTask(name, spec string, timeout time.Duration, task func(ctx context.Context) error) error {
	if name == "" {
		return fmt.Errorf("%w: task name is required", types.ErrConfig)
	}
	schedule, err := ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("task %s: %w", name, err)
	}
	return s.schedule(name, schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := task(ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", name, "error", err)
		}
	})
}

func (s *Scheduler) schedule(name string, schedule cron.Schedule, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: schedule %s already exists", types.ErrConfig, name)
	}
	s.entries[name] = s.cron.Schedule(schedule, cron.FuncJob(fn))
	return nil
}

// Remove unregisters the entry called name.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Next returns the next activation time of the entry called name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Start begins firing schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for in-flight ticks or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) fire(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := queue.Submit(ctx, s.queue, e.Request)
	if err != nil {
		s.logger.Error("failed to enqueue scheduled execution",
			"schedule", e.Name, "workflow_id", e.Request.WorkflowID, "error", err)
		return
	}
	s.logger.Info("scheduled execution enqueued",
		"schedule", e.Name, "workflow_id", e.Request.WorkflowID, "job_id", job.ID)
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
