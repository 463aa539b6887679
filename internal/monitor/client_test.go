package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	api "github.com/fyrsmithlabs/todosync/internal/http"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func newStubDaemon(t *testing.T) (*Client, *http.ServeMux) {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", time.Second), mux
}

func TestClient_Status(t *testing.T) {
	client, mux := newStubDaemon(t)
	mux.HandleFunc("GET /api/v1/queue/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, api.StatusResponse{
			Queue:   queue.QueueStatus{PendingOperations: 3, Errors: []string{"boom"}},
			Counts:  api.OperationCounts{MaxRetryCount: 2},
			Version: "1.2.3",
		})
	})

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Queue.PendingOperations)
	assert.Equal(t, []string{"boom"}, status.Queue.Errors)
	assert.Equal(t, 2, status.Counts.MaxRetryCount)
	assert.Equal(t, "1.2.3", status.Version)
}

func TestClient_Enqueue(t *testing.T) {
	client, mux := newStubDaemon(t)
	var got api.EnqueueRequest
	mux.HandleFunc("POST /api/v1/queue/operations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, http.StatusAccepted, api.EnqueueResponse{ID: "op-1"})
	})

	id, err := client.Enqueue(context.Background(), api.EnqueueRequest{
		Type:  queue.OpUpdate,
		Table: queue.TableTasks,
		Data:  queue.Payload{"id": "t1", "completed": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.Equal(t, queue.OpUpdate, got.Type)
	assert.Equal(t, "t1", got.Data.ID())
}

func TestClient_ErrorResponses(t *testing.T) {
	client, mux := newStubDaemon(t)
	mux.HandleFunc("DELETE /api/v1/queue/operations/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, api.ErrorResponse{Error: "operation " + r.PathValue("id") + " not found"})
	})
	mux.HandleFunc("POST /api/v1/queue/clear", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	})

	err := client.Discard(context.Background(), "op-9")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusNotFound))
	assert.EqualError(t, err, "server returned status 404: operation op-9 not found")

	_, err = client.Clear(context.Background())
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadGateway))
	assert.Contains(t, err.Error(), "upstream broke")
}

func TestClient_NoContent(t *testing.T) {
	client, mux := newStubDaemon(t)
	mux.HandleFunc("DELETE /api/v1/queue/errors", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	assert.NoError(t, client.ClearErrors(context.Background()))
}

func TestClient_SyncAndRetry(t *testing.T) {
	client, mux := newStubDaemon(t)
	mux.HandleFunc("POST /api/v1/queue/sync", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, api.SyncResponse{Skipped: "offline"})
	})
	mux.HandleFunc("POST /api/v1/queue/operations/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, syncengine.Outcome{
			Kind:      syncengine.OutcomeApplied,
			Operation: queue.Operation{ID: r.PathValue("id")},
			Attempts:  2,
		})
	})

	resp, err := client.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "offline", resp.Skipped)

	out, err := client.Retry(context.Background(), "op-3")
	require.NoError(t, err)
	assert.Equal(t, syncengine.OutcomeApplied, out.Kind)
	assert.Equal(t, "op-3", out.Operation.ID)
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 200*time.Millisecond).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request to "+url+" failed")
}
