package daemon

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	"github.com/fyrsmithlabs/todosync/internal/events"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/remote"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Queue.Path = t.TempDir()
	cfg.Queue.BackoffBase = 10 * time.Millisecond
	cfg.Queue.BackoffMax = 50 * time.Millisecond
	cfg.Auth.UserID = "u-1"
	cfg.Auth.AccessToken = config.Secret("token")
	cfg.Server.ShutdownTimeout = 2 * time.Second
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), nil, zap.NewNop(), Options{})
	assert.ErrorContains(t, err, "config is required")

	cfg := testConfig(t)
	cfg.Queue.Backend = "bolt"
	_, err = New(context.Background(), cfg, zap.NewNop(), Options{})
	assert.ErrorContains(t, err, `unknown queue backend "bolt"`)

	cfg = testConfig(t)
	cfg.Remote.Backend = "graphql"
	_, err = New(context.Background(), cfg, zap.NewNop(), Options{})
	assert.ErrorContains(t, err, `unknown remote backend "graphql"`)
}

func TestNew_RESTRemote(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Backend = config.RemoteREST
	cfg.Remote.URL = "http://127.0.0.1:1"

	d, err := New(context.Background(), cfg, zap.NewNop(), Options{Prober: connectivity.NewStaticProber()})
	require.NoError(t, err)
	assert.IsType(t, &remote.RESTClient{}, d.client)
	require.NoError(t, d.Shutdown(context.Background()))
}

func TestDaemon_RunDrainsLeftoverOperations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = freePort(t)

	leftover, err := queue.NewFileStore(cfg.Queue.Path, queue.Options{}, zap.NewNop())
	require.NoError(t, err)
	_, err = leftover.QueueOperation(context.Background(), queue.OpCreate, queue.TableLists, queue.Payload{"title": "Inbox"}, "")
	require.NoError(t, err)
	require.NoError(t, leftover.Close())

	client := remote.NewMemoryClient()
	d, err := New(context.Background(), cfg, zap.NewNop(), Options{
		Version: "test",
		Client:  client,
		Prober:  connectivity.NewStaticProber(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(client.Rows(queue.TableLists)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	url := "http://" + cfg.Server.Addr() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	assert.Zero(t, d.Manager().Status().PendingOperations)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop in time")
	}
}

func TestDaemon_SQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Backend = config.BackendSQLite
	cfg.Queue.Path = t.TempDir() + "/queue.db"

	client := remote.NewMemoryClient()
	d, err := New(context.Background(), cfg, zap.NewNop(), Options{Client: client, Prober: connectivity.NewStaticProber()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/lists", strings.NewReader(`{"title":"Groceries"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Len(t, d.Todo().Lists(), 1)
	assert.Equal(t, 1, d.Manager().Status().PendingOperations)

	result, err := d.Engine().ForceSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)

	require.Eventually(t, func() bool {
		lists := d.Todo().Lists()
		return len(lists) == 1 && !queue.IsTempID(lists[0].ID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDaemon_PublishesEvents(t *testing.T) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	require.True(t, srv.ReadyForConnections(5*time.Second))
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	cfg := testConfig(t)
	cfg.Events.Enabled = true
	cfg.Events.NATSURL = srv.ClientURL()

	d, err := New(context.Background(), cfg, zap.NewNop(), Options{Client: remote.NewMemoryClient(), Prober: connectivity.NewStaticProber()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Shutdown(context.Background()) })
	require.NotNil(t, d.Publisher())

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	msgs := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe("todosync.queue.status", msgs)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, nc.Flush())

	_, err = d.Manager().QueueOperation(context.Background(), queue.OpDelete, queue.TableTasks, queue.Payload{"id": "t1"}, "")
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		var ev events.Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, events.TypeQueueStatus, ev.Type)
		var status queue.QueueStatus
		require.NoError(t, ev.Decode(&status))
		assert.Equal(t, 1, status.PendingOperations)
	case <-time.After(3 * time.Second):
		t.Fatal("no queue status event received")
	}
}
