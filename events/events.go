// Package events fans run lifecycle events out to subscribers such as
// metrics, live dashboards and audit sinks.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Run lifecycle event types.
const (
	RunStarted   = "run_started"
	NodeExecuted = "node_executed"
	RunFinished  = "run_finished"
)

// Event is one step in the life of a workflow run.
type Event struct {
	Type       string
	RunID      uint64
	WorkflowID string
	TenantID   string
	Time       time.Time
	Data       map[string]interface{}

	// flushed marks a dispatcher barrier; it is closed when reached.
	flushed chan struct{}
}

// EventHandler handles published events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// EventBus dispatches events to handlers subscribed by event type.
// Asynchronous events are handled in publish order by one dispatcher goroutine.
type EventBus struct {
	handlers     map[string][]EventHandler
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	syncTimeout  time.Duration
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler sets the function called for every handler error of an
// asynchronously published event.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger reports handler errors on logger instead of slog.Default().
func WithLogger(logger *slog.Logger) EventBusOption {
	return WithErrorHandler(func(event Event, err error) {
		logger.Error("event handler failed", "event", event.Type, "run_id", event.RunID, "error", err)
	})
}

// WithSyncTimeout bounds PublishSync when the caller's context has no deadline.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.syncTimeout = d
		}
	}
}

// NewEventBus creates an EventBus and starts its dispatcher. The default
// buffer holds 256 events and errors are logged on slog.Default().
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]EventHandler),
		eventCh:     make(chan Event, 256),
		errHandler:  defaultErrorHandler,
		syncTimeout: 5 * time.Second,
	}
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) {
	eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// SubscribeAll subscribes handler to every run lifecycle event.
func (eb *EventBus) SubscribeAll(handler EventHandler) {
	for _, t := range []string{RunStarted, NodeExecuted, RunFinished} {
		eb.Subscribe(t, handler)
	}
}

// Unsubscribe removes handler from an event type and reports whether it was
// subscribed. Handlers are matched by identity, so only comparable handlers
// (pointers, named types) can be removed.
func (eb *EventBus) Unsubscribe(eventType string, handler EventHandler) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers, exists := eb.handlers[eventType]
	if !exists {
		return false
	}
	for i, h := range handlers {
		if sameHandler(h, handler) {
			eb.handlers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			if len(eb.handlers[eventType]) == 0 {
				delete(eb.handlers, eventType)
			}
			return true
		}
	}
	return false
}

func sameHandler(a, b EventHandler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

// Publish queues event for asynchronous delivery. It never blocks: a full
// buffer returns ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event to all handlers and waits for them, returning
// every handler error. Events published asynchronously before the call are
// delivered first, so subscribers see a consistent order.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eb.syncTimeout)
		defer cancel()
	}
	if err := eb.flush(ctx); err != nil {
		return []error{err}
	}
	return eb.executeHandlers(ctx, handlers, event)
}

// flush waits until the dispatcher has handled every queued event.
func (eb *EventBus) flush(ctx context.Context) error {
	marker := make(chan struct{})
	eb.closeMu.RLock()
	if eb.closed {
		eb.closeMu.RUnlock()
		return ErrBusClosed
	}
	select {
	case eb.eventCh <- Event{flushed: marker}:
	case <-ctx.Done():
		eb.closeMu.RUnlock()
		return ctx.Err()
	}
	eb.closeMu.RUnlock()

	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the bus. Events already queued are delivered before Stop returns.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		if event.flushed != nil {
			close(event.flushed)
			continue
		}
		eb.mu.RLock()
		handlers := eb.handlers[event.Type]
		eb.mu.RUnlock()
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()
		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs all handlers concurrently and collects their errors.
// A panicking handler is reported as an error.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func defaultErrorHandler(event Event, err error) {
	slog.Error("event handler failed", "event", event.Type, "run_id", event.RunID, "error", err)
}
