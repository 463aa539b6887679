// Package http provides the todosync HTTP API: queue status and control,
// connectivity, the to-do domain, a websocket status stream and Prometheus
// metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	"github.com/fyrsmithlabs/todosync/internal/logging"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/fyrsmithlabs/todosync/internal/telemetry"
	"github.com/fyrsmithlabs/todosync/internal/todo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// QueueManager is the queue surface the API drives. *queue.Manager
// implements it.
type QueueManager interface {
	QueueOperation(ctx context.Context, opType queue.OpType, table queue.Table, data queue.Payload, originalID string) (string, error)
	UpdateQueueStatus(ctx context.Context) (queue.QueueStatus, error)
	Status() queue.QueueStatus
	ClearQueue(ctx context.Context) (int, error)
	ClearErrors()
	DiscardOperation(ctx context.Context, id string) error
	Subscribe(fn func(queue.QueueStatus)) (unsubscribe func())
	Store() queue.Store
}

// SyncEngine is the engine surface the API drives. *syncengine.Engine
// implements it.
type SyncEngine interface {
	ForceSync(ctx context.Context) (syncengine.DrainResult, error)
	RetryNow(ctx context.Context, id string) (syncengine.Outcome, error)
	PendingRetries() []string
	IsDraining() bool
}

// ConnectivityMonitor is the connectivity surface the API exposes.
// *connectivity.Monitor implements it.
type ConnectivityMonitor interface {
	State() connectivity.State
	SetNetworkHint(online bool)
	TestConnectivity(ctx context.Context) bool
}

// Deps are the components behind the API. Queue is required; Todo and
// Events are optional and their routes answer 404 or 503 without them.
type Deps struct {
	Queue        QueueManager
	Engine       SyncEngine
	Connectivity ConnectivityMonitor
	Todo         *todo.Service

	// Events enables GET /api/v1/events, streamed from NATS.
	Events        *nats.Conn
	EventsSubject string

	// Meter records request metrics. The global meter provider is used
	// when nil.
	Meter metric.Meter
	// Telemetry, when set, is reported by GET /health.
	Telemetry TelemetryHealth

	Version string
}

// TelemetryHealth reports whether trace and metric exporters came up.
// *telemetry.Telemetry implements it.
type TelemetryHealth interface {
	Health() telemetry.HealthStatus
}

// Server provides HTTP endpoints for todosync.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue manager cannot be nil")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("sync engine cannot be nil")
	}
	if deps.Connectivity == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8787,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics, err := newRequestMetrics(deps.Meter)
	if err != nil {
		logger.Warn("http instruments unavailable, request metrics disabled", zap.Error(err))
	}
	e.Use(metrics.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(req.WithContext(ctx))
			err := next(c)

			logger.Debug("http request", append(logging.ContextFields(ctx),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)...)
			return err
		}
	})

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")

	q := v1.Group("/queue")
	q.GET("/status", s.handleStatus)
	q.GET("/stream", s.handleStatusStream)
	q.GET("/operations", s.handleListOperations)
	q.POST("/operations", s.handleEnqueue)
	q.DELETE("/operations/:id", s.handleDiscardOperation)
	q.POST("/operations/:id/retry", s.handleRetryOperation)
	q.POST("/sync", s.handleSync)
	q.POST("/clear", s.handleClear)
	q.DELETE("/errors", s.handleClearErrors)

	v1.GET("/connectivity", s.handleConnectivity)
	v1.PUT("/connectivity/hint", s.handleNetworkHint)
	v1.POST("/connectivity/probe", s.handleProbe)

	v1.GET("/events", s.handleEvents)

	v1.GET("/lists", s.handleLists)
	v1.POST("/lists", s.handleCreateList)
	v1.PATCH("/lists/:id", s.handleRenameList)
	v1.DELETE("/lists/:id", s.handleDeleteList)
	v1.GET("/lists/:id/tasks", s.handleListTasks)
	v1.POST("/lists/:id/tasks", s.handleCreateTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.PATCH("/tasks/:id", s.handleUpdateTask)
	v1.DELETE("/tasks/:id", s.handleDeleteTask)
}

// Handler returns the server's http.Handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth answers 200 whenever the daemon serves requests. Degraded
// telemetry is reported in the body but does not fail the check.
func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.deps.Version}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
		if h.Degraded {
			resp.Status = "degraded"
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// errorHandler renders every error as ErrorResponse.
func errorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code := http.StatusInternalServerError
		msg := err.Error()
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			e.Logger.Error(err)
		}
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
