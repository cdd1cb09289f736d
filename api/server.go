// Package api contains the operator HTTP handlers: definition upserts,
// execution requests, run inspection and cancellation.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/songzhibin97/omniflow/graph"
	"github.com/songzhibin97/omniflow/queue"
	"github.com/songzhibin97/omniflow/storage"
	"github.com/songzhibin97/omniflow/types"
)

// Canceller stops an in-flight run. *workflow.Engine implements it.
type Canceller interface {
	Cancel(runID uint64) bool
}

// Server holds the dependencies for the API server.
type Server struct {
	Store     storage.Storage
	Queue     queue.Queue
	Canceller Canceller
	Logger    *slog.Logger
}

// ExecuteRequest is the body of an execution request.
type ExecuteRequest struct {
	TriggerData map[string]interface{} `json:"triggerData"`
	ContextData map[string]interface{} `json:"contextData"`
}

// ExecuteResponse acknowledges an enqueued execution.
type ExecuteResponse struct {
	JobID string `json:"jobId"`
}

// ValidationError lists every problem found in a definition.
type ValidationError struct {
	Message string   `json:"message"`
	Errors  []string `json:"errors"`
}

// NewServer creates a new Server.
func NewServer(store storage.Storage, q queue.Queue, c Canceller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Store: store, Queue: q, Canceller: c, Logger: logger}
}

// Handler builds the echo instance with every route registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("omniflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				s.Logger.WarnContext(c.Request().Context(), "request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			s.Logger.DebugContext(c.Request().Context(), "request", attrs...)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)

	v1 := e.Group("/v1")
	v1.PUT("/tenants/:tenant/workflows/:id", s.PutWorkflow)
	v1.GET("/tenants/:tenant/workflows/:id", s.GetWorkflow)
	v1.POST("/tenants/:tenant/workflows/:id/executions", s.Execute)
	v1.GET("/tenants/:tenant/runs/:id", s.GetRun)
	v1.GET("/tenants/:tenant/runs/:id/logs", s.ListLogs)
	v1.POST("/tenants/:tenant/runs/:id/cancel", s.CancelRun)
	return e
}

// ListenAndServe serves the API on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	e := s.Handler()
	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.Logger.Info("api listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Health reports liveness
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// PutWorkflow creates or replaces a workflow definition. Published
// definitions must pass full graph validation; drafts are stored as given.
// (PUT /v1/tenants/:tenant/workflows/:id)
func (s *Server) PutWorkflow(c echo.Context) error {
	ctx := c.Request().Context()

	var wf types.WorkflowDefinition
	if err := c.Bind(&wf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	wf.ID = c.Param("id")
	wf.TenantID = c.Param("tenant")
	if wf.Status == "" {
		wf.Status = types.StatusDraft
	}
	switch wf.Status {
	case types.StatusDraft, types.StatusPublished, types.StatusArchived:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid status: "+string(wf.Status))
	}

	if wf.Status == types.StatusPublished {
		if problems := validate(wf.Graph); len(problems) > 0 {
			return c.JSON(http.StatusUnprocessableEntity, ValidationError{
				Message: "workflow graph is invalid",
				Errors:  problems,
			})
		}
	}

	wf.UpdatedAt = time.Now().UTC()
	if err := s.Store.SaveWorkflow(ctx, wf); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save workflow: "+err.Error())
	}
	return c.JSON(http.StatusOK, wf)
}

// GetWorkflow returns one definition
// (GET /v1/tenants/:tenant/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	wf, err := s.Store.GetWorkflow(c.Request().Context(), c.Param("id"), c.Param("tenant"))
	if errors.Is(err, storage.ErrWorkflowNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, wf)
}

// Execute enqueues an execution of the workflow. The run itself happens on a
// worker; the response carries the job id only.
// (POST /v1/tenants/:tenant/workflows/:id/executions)
func (s *Server) Execute(c echo.Context) error {
	ctx := c.Request().Context()

	var body ExecuteRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
		}
	}

	job, err := queue.Submit(ctx, s.Queue, types.ExecutionRequest{
		WorkflowID:  c.Param("id"),
		TenantID:    c.Param("tenant"),
		TriggerData: body.TriggerData,
		ContextData: body.ContextData,
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, ExecuteResponse{JobID: job.ID})
	case errors.Is(err, types.ErrConfig):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, queue.ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to enqueue execution: "+err.Error())
	}
}

// GetRun returns a run record
// (GET /v1/tenants/:tenant/runs/:id)
func (s *Server) GetRun(c echo.Context) error {
	run, err := s.tenantRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// ListLogs returns the node log of a run in visitation order
// (GET /v1/tenants/:tenant/runs/:id/logs)
func (s *Server) ListLogs(c echo.Context) error {
	run, err := s.tenantRun(c)
	if err != nil {
		return err
	}
	logs, err := s.Store.ListLogs(c.Request().Context(), run.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if logs == nil {
		logs = []types.WorkflowLogEntry{}
	}
	return c.JSON(http.StatusOK, logs)
}

// CancelRun asks the engine to stop an in-flight run. Only runs executing
// in this process can be cancelled.
// (POST /v1/tenants/:tenant/runs/:id/cancel)
func (s *Server) CancelRun(c echo.Context) error {
	run, err := s.tenantRun(c)
	if err != nil {
		return err
	}
	if s.Canceller == nil || !s.Canceller.Cancel(run.ID) {
		return echo.NewHTTPError(http.StatusNotFound, "run is not in flight")
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{"runId": run.ID, "cancelled": true})
}

// tenantRun loads the run named by the path. A run owned by another tenant
// is reported as not found.
func (s *Server) tenantRun(c echo.Context) (types.WorkflowRun, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return types.WorkflowRun{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid run id: "+c.Param("id"))
	}
	run, err := s.Store.GetRun(c.Request().Context(), id)
	if errors.Is(err, storage.ErrRunNotFound) || (err == nil && run.TenantID != c.Param("tenant")) {
		return types.WorkflowRun{}, echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	if err != nil {
		return types.WorkflowRun{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return run, nil
}

func validate(g types.Graph) []string {
	compiled, err := graph.Compile(g)
	if err != nil {
		return []string{err.Error()}
	}
	var problems []string
	for _, err := range compiled.Validate() {
		problems = append(problems, err.Error())
	}
	return problems
}
