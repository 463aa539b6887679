package http

import (
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/todosync/internal/optimistic"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/fyrsmithlabs/todosync/internal/todo"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound), errors.Is(err, optimistic.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidOperation), errors.Is(err, todo.ErrEmptyTitle):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrStorageFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, syncengine.ErrAlreadyDraining), errors.Is(err, optimistic.ErrExists):
		return http.StatusConflict
	case errors.Is(err, syncengine.ErrOffline), errors.Is(err, syncengine.ErrStopped), errors.Is(err, todo.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, syncengine.ErrNoIdentity):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(err error, msg string) error {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	}
	return echo.NewHTTPError(code, err.Error())
}

// handleStatus recomputes and returns the queue status.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	status, err := s.deps.Queue.UpdateQueueStatus(ctx)
	if err != nil {
		return s.fail(err, "failed to compute queue status")
	}
	ops, err := s.deps.Queue.Store().QueuedOperations(ctx)
	if err != nil {
		return s.fail(err, "failed to list operations")
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Queue:          status,
		Connectivity:   s.deps.Connectivity.State(),
		Draining:       s.deps.Engine.IsDraining(),
		RetriesPending: len(s.deps.Engine.PendingRetries()),
		Counts:         CountOperations(ops),
		Version:        s.deps.Version,
	})
}

// handleListOperations lists pending operations in replay order.
func (s *Server) handleListOperations(c echo.Context) error {
	ops, err := s.deps.Queue.Store().QueuedOperations(c.Request().Context())
	if err != nil {
		return s.fail(err, "failed to list operations")
	}
	scheduled := make(map[string]bool)
	for _, id := range s.deps.Engine.PendingRetries() {
		scheduled[id] = true
	}
	views := make([]OperationView, 0, len(ops))
	for _, op := range ops {
		views = append(views, OperationView{Operation: op, RetryScheduled: scheduled[op.ID]})
	}
	return c.JSON(http.StatusOK, views)
}

// handleEnqueue queues a raw operation.
func (s *Server) handleEnqueue(c echo.Context) error {
	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.deps.Queue.QueueOperation(c.Request().Context(), req.Type, req.Table, req.Data, req.OriginalID)
	if err != nil {
		return s.fail(err, "failed to enqueue operation")
	}
	return c.JSON(http.StatusAccepted, EnqueueResponse{ID: id})
}

// handleDiscardOperation drops one operation without applying it.
func (s *Server) handleDiscardOperation(c echo.Context) error {
	if err := s.deps.Queue.DiscardOperation(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(err, "failed to discard operation")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleRetryOperation attempts one operation now.
func (s *Server) handleRetryOperation(c echo.Context) error {
	out, err := s.deps.Engine.RetryNow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err, "retry failed")
	}
	return c.JSON(http.StatusOK, out)
}

// handleSync runs a pass now. A pass stopped by a guard is not an error.
func (s *Server) handleSync(c echo.Context) error {
	result, err := s.deps.Engine.ForceSync(c.Request().Context())
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, SyncResponse{Result: result})
	case errors.Is(err, syncengine.ErrAlreadyDraining):
		return c.JSON(http.StatusOK, SyncResponse{Skipped: "already_draining"})
	case errors.Is(err, syncengine.ErrOffline):
		return c.JSON(http.StatusOK, SyncResponse{Skipped: "offline"})
	case errors.Is(err, syncengine.ErrNoIdentity):
		return c.JSON(http.StatusOK, SyncResponse{Skipped: "no_identity"})
	default:
		return s.fail(err, "sync failed")
	}
}

// handleClear discards every pending operation.
func (s *Server) handleClear(c echo.Context) error {
	n, err := s.deps.Queue.ClearQueue(c.Request().Context())
	if err != nil {
		return s.fail(err, "failed to clear queue")
	}
	return c.JSON(http.StatusOK, ClearResponse{Removed: n})
}

// handleClearErrors clears the displayed error list.
func (s *Server) handleClearErrors(c echo.Context) error {
	s.deps.Queue.ClearErrors()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleConnectivity(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Connectivity.State())
}

// handleNetworkHint records a link-level online/offline signal.
func (s *Server) handleNetworkHint(c echo.Context) error {
	var req HintRequest
	if err := c.Bind(&req); err != nil || req.Online == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "online field is required")
	}
	s.deps.Connectivity.SetNetworkHint(*req.Online)
	return c.JSON(http.StatusOK, s.deps.Connectivity.State())
}

// handleProbe runs the active reachability probe.
func (s *Server) handleProbe(c echo.Context) error {
	ok := s.deps.Connectivity.TestConnectivity(c.Request().Context())
	return c.JSON(http.StatusOK, ProbeResponse{Reachable: ok, State: s.deps.Connectivity.State()})
}
