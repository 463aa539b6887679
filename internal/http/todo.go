package http

import (
	"net/http"

	"github.com/fyrsmithlabs/todosync/internal/todo"
	"github.com/labstack/echo/v4"
)

// Changes are acknowledged with 202: the response carries the optimistic
// value, and the change reaches the server when the queue drains.

func (s *Server) todoService() (*todo.Service, error) {
	if s.deps.Todo == nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, "to-do service is not enabled")
	}
	return s.deps.Todo, nil
}

func (s *Server) handleLists(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, svc.Lists())
}

func (s *Server) handleCreateList(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	var req ListRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	h, err := svc.CreateList(c.Request().Context(), req.Title)
	if err != nil {
		return s.fail(err, "failed to create list")
	}
	l, _ := svc.List(h.ID())
	return c.JSON(http.StatusAccepted, ChangeResponse{ID: h.ID(), Entity: l})
}

func (s *Server) handleRenameList(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	var req ListRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	h, err := svc.RenameList(c.Request().Context(), c.Param("id"), req.Title)
	if err != nil {
		return s.fail(err, "failed to rename list")
	}
	l, _ := svc.List(h.ID())
	return c.JSON(http.StatusAccepted, ChangeResponse{ID: h.ID(), Entity: l})
}

func (s *Server) handleDeleteList(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	h, err := svc.DeleteList(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err, "failed to delete list")
	}
	return c.JSON(http.StatusAccepted, ChangeResponse{ID: h.ID()})
}

// handleListTasks serves both /tasks and /lists/:id/tasks.
func (s *Server) handleListTasks(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	listID := c.Param("id")
	if listID == "" {
		listID = c.QueryParam("list_id")
	}
	return c.JSON(http.StatusOK, svc.Tasks(listID))
}

func (s *Server) handleCreateTask(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	h, err := svc.CreateTask(c.Request().Context(), c.Param("id"), req.Title)
	if err != nil {
		return s.fail(err, "failed to create task")
	}
	t, _ := svc.Task(h.ID())
	return c.JSON(http.StatusAccepted, ChangeResponse{ID: h.ID(), Entity: t})
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	var patch todo.TaskPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if patch.Empty() {
		return echo.NewHTTPError(http.StatusBadRequest, "nothing to update")
	}
	h, err := svc.UpdateTask(c.Request().Context(), c.Param("id"), patch)
	if err != nil {
		return s.fail(err, "failed to update task")
	}
	t, _ := svc.Task(h.ID())
	return c.JSON(http.StatusAccepted, ChangeResponse{ID: h.ID(), Entity: t})
}

func (s *Server) handleDeleteTask(c echo.Context) error {
	svc, err := s.todoService()
	if err != nil {
		return err
	}
	h, err := svc.DeleteTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err, "failed to delete task")
	}
	return c.JSON(http.StatusAccepted, ChangeResponse{ID: h.ID()})
}
