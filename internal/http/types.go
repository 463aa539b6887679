package http

import (
	"time"

	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/fyrsmithlabs/todosync/internal/telemetry"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"` // ok or degraded
	Version   string                  `json:"version,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the response body for GET /api/v1/queue/status.
type StatusResponse struct {
	Queue          queue.QueueStatus  `json:"queue"`
	Connectivity   connectivity.State `json:"connectivity"`
	Draining       bool               `json:"draining"`
	RetriesPending int                `json:"retries_pending"`
	Counts         OperationCounts    `json:"counts"`
	Version        string             `json:"version,omitempty"`
}

// OperationView is one pending operation as listed by
// GET /api/v1/queue/operations.
type OperationView struct {
	queue.Operation
	RetryScheduled bool `json:"retry_scheduled"`
}

// EnqueueRequest is the request body for POST /api/v1/queue/operations.
type EnqueueRequest struct {
	Type       queue.OpType  `json:"type"`
	Table      queue.Table   `json:"table"`
	Data       queue.Payload `json:"data"`
	OriginalID string        `json:"original_id,omitempty"`
}

// EnqueueResponse is the response body for POST /api/v1/queue/operations.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// SyncResponse is the response body for POST /api/v1/queue/sync. Skipped
// names the guard that stopped the pass, if any.
type SyncResponse struct {
	Result  syncengine.DrainResult `json:"result"`
	Skipped string                 `json:"skipped,omitempty"`
}

// ClearResponse is the response body for POST /api/v1/queue/clear.
type ClearResponse struct {
	Removed int `json:"removed"`
}

// HintRequest is the request body for PUT /api/v1/connectivity/hint.
type HintRequest struct {
	Online *bool `json:"online"`
}

// ProbeResponse is the response body for POST /api/v1/connectivity/probe.
type ProbeResponse struct {
	Reachable bool               `json:"reachable"`
	State     connectivity.State `json:"state"`
}

// StreamMessage is one websocket frame on GET /api/v1/queue/stream.
type StreamMessage struct {
	Type      string            `json:"type"`
	Status    queue.QueueStatus `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
}

// ListRequest is the request body for creating or renaming a list.
type ListRequest struct {
	Title string `json:"title"`
}

// TaskRequest is the request body for creating a task.
type TaskRequest struct {
	Title string `json:"title"`
}

// ChangeResponse acknowledges an optimistic change. Entity is the
// optimistic value; ID is a placeholder until the change syncs.
type ChangeResponse struct {
	ID     string `json:"id"`
	Entity any    `json:"entity,omitempty"`
}
