package todo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/auth"
	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	"github.com/fyrsmithlabs/todosync/internal/optimistic"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/remote"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	store   *queue.FileStore
	mgr     *queue.Manager
	client  *remote.MemoryClient
	monitor *connectivity.Monitor
	engine  *syncengine.Engine
	svc     *Service
}

func newFixture(t *testing.T, cfg syncengine.Config) *fixture {
	t.Helper()
	f := &fixture{client: remote.NewMemoryClient()}

	store, err := queue.NewFileStore(t.TempDir(), queue.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store

	f.monitor = connectivity.NewMonitor(connectivity.NewStaticProber(), connectivity.Options{InitialHint: true}, zap.NewNop())
	f.mgr = queue.NewManager(store, f.monitor, zap.NewNop())
	f.engine = syncengine.New(syncengine.Deps{
		Store:        store,
		Client:       f.client,
		Status:       f.mgr,
		Connectivity: f.monitor,
		Identity:     auth.NewSession(auth.Identity{UserID: "u-1", AccessToken: config.Secret("tok")}),
	}, cfg, zap.NewNop())
	f.mgr.SetDrainer(f.engine)
	f.engine.ListenForOnline(f.monitor)
	f.engine.Start(context.Background())
	t.Cleanup(f.engine.Stop)

	f.svc = NewService(f.mgr, f.engine, zap.NewNop())
	t.Cleanup(f.svc.Close)
	return f
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_OfflineCreateReplacedOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{})
	f.monitor.SetNetworkHint(false)

	h, err := f.svc.CreateTask(ctx, "l1", "X")
	require.NoError(t, err)
	tempID := h.ID()
	require.True(t, queue.IsTempID(tempID))

	visible := f.svc.Tasks("l1")
	require.Len(t, visible, 1)
	assert.Equal(t, Task{ID: tempID, ListID: "l1", Title: "X"}, visible[0])
	assert.Equal(t, 1, f.mgr.Status().PendingOperations)
	assert.Empty(t, f.client.Calls())

	f.monitor.SetNetworkHint(true)

	task, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.False(t, queue.IsTempID(task.ID))
	assert.Equal(t, "X", task.Title)
	assert.Equal(t, "l1", task.ListID)
	assert.Equal(t, "u-1", task.UserID)
	assert.Equal(t, task.ID, h.ID())

	got, ok := f.svc.Task(task.ID)
	require.True(t, ok)
	assert.Equal(t, task, got)
	byPlaceholder, ok := f.svc.Task(tempID)
	require.True(t, ok)
	assert.Equal(t, task.ID, byPlaceholder.ID)
	assert.Len(t, f.svc.Tasks(""), 1)
	assert.Zero(t, f.svc.PendingChanges())

	require.Eventually(t, func() bool {
		s := f.mgr.Status()
		return s.PendingOperations == 0 && !s.NeverSynced()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_RejectedChangeRollsBackExactly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{MaxRetries: 2, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond})
	original := Task{ID: "t1", ListID: "l1", Title: "A"}
	f.svc.Load(nil, []Task{original})
	f.client.SetFailureFunc(func(remote.Call) error {
		return &remote.Error{StatusCode: 500, Message: "boom"}
	})

	h, err := f.svc.UpdateTask(ctx, "t1", TaskPatch{Title: ptr("B")})
	require.NoError(t, err)

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "boom")

	got, ok := f.svc.Task("t1")
	require.True(t, ok)
	assert.Equal(t, original, got)

	require.Eventually(t, func() bool {
		for _, msg := range f.mgr.Status().Errors {
			if strings.Contains(msg, "UPDATE tasks t1") && strings.Contains(msg, "giving up") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_OfflineChainRemapsPlaceholders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{})
	f.monitor.SetNetworkHint(false)

	lh, err := f.svc.CreateList(ctx, "Groceries")
	require.NoError(t, err)
	th, err := f.svc.CreateTask(ctx, lh.ID(), "milk")
	require.NoError(t, err)
	uh, err := f.svc.CompleteTask(ctx, th.ID(), true)
	require.NoError(t, err)

	pending, ok := f.svc.Task(th.ID())
	require.True(t, ok)
	assert.True(t, pending.Completed)
	assert.Equal(t, lh.ID(), pending.ListID)
	assert.Equal(t, 3, f.mgr.Status().PendingOperations)

	f.monitor.SetNetworkHint(true)

	list, err := lh.Wait(waitCtx(t))
	require.NoError(t, err)
	_, err = th.Wait(waitCtx(t))
	require.NoError(t, err)
	task, err := uh.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.False(t, queue.IsTempID(list.ID))
	assert.Equal(t, list.ID, task.ListID)
	assert.True(t, task.Completed)

	row, ok := f.client.Get(queue.TableTasks, task.ID)
	require.True(t, ok)
	assert.Equal(t, list.ID, row["list_id"])
	assert.Equal(t, true, row["completed"])

	assert.Len(t, f.svc.Tasks(list.ID), 1)
	assert.Len(t, f.svc.Lists(), 1)
}

func TestService_ClearQueueRollsBackPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{})
	f.monitor.SetNetworkHint(false)

	h, err := f.svc.CreateList(ctx, "Inbox")
	require.NoError(t, err)
	require.Len(t, f.svc.Lists(), 1)

	_, err = f.mgr.ClearQueue(ctx)
	require.NoError(t, err)

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrDiscarded)
	assert.Empty(t, f.svc.Lists())
}

func TestService_DiscardOperationRollsBackOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{})
	f.svc.Load([]List{{ID: "l1", Title: "Inbox"}}, nil)
	f.monitor.SetNetworkHint(false)

	rename, err := f.svc.RenameList(ctx, "l1", "Work")
	require.NoError(t, err)
	create, err := f.svc.CreateList(ctx, "Home")
	require.NoError(t, err)

	ops, err := f.store.QueuedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	require.NoError(t, f.mgr.DiscardOperation(ctx, ops[0].ID))

	_, err = rename.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrDiscarded)
	got, _ := f.svc.List("l1")
	assert.Equal(t, "Inbox", got.Title)

	select {
	case <-create.Done():
		t.Fatal("unrelated change settled")
	default:
	}
	assert.Len(t, f.svc.Lists(), 2)
}

func TestService_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{})

	_, err := f.svc.CreateList(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyTitle)
	_, err = f.svc.CreateTask(ctx, "l1", "")
	assert.ErrorIs(t, err, ErrEmptyTitle)
	_, err = f.svc.UpdateTask(ctx, "missing", TaskPatch{Title: ptr("x")})
	assert.ErrorIs(t, err, optimistic.ErrNotFound)
	_, err = f.svc.DeleteList(ctx, "missing")
	assert.ErrorIs(t, err, optimistic.ErrNotFound)

	ops, err := f.store.QueuedOperations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestService_CloseKeepsOperationsQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, syncengine.Config{})
	f.monitor.SetNetworkHint(false)

	h, err := f.svc.CreateList(ctx, "Inbox")
	require.NoError(t, err)
	f.svc.Close()

	_, err = h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrClosed)

	ops, err := f.store.QueuedOperations(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 1)

	_, err = f.svc.CreateList(ctx, "Again")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDecodeEntity(t *testing.T) {
	task, err := decodeEntity[Task](remote.Entity{
		"id":         "t1",
		"list_id":    "l1",
		"title":      "write tests",
		"completed":  true,
		"user_id":    "u-1",
		"created_at": "2026-01-02T03:04:05Z",
		"position":   3.0,
	})
	require.NoError(t, err)
	assert.Equal(t, Task{
		ID:        "t1",
		ListID:    "l1",
		UserID:    "u-1",
		Title:     "write tests",
		Completed: true,
		CreatedAt: "2026-01-02T03:04:05Z",
	}, task)
}

func TestTaskPatch(t *testing.T) {
	p := TaskPatch{Completed: ptr(true)}
	assert.False(t, p.Empty())
	assert.True(t, TaskPatch{}.Empty())
	assert.Equal(t, queue.Payload{"id": "t1", "completed": true}, p.payload("t1"))
	assert.Equal(t, Task{ID: "t1", Title: "A", Completed: true}, p.apply(Task{ID: "t1", Title: "A"}))
}

func ptr[T any](v T) *T { return &v }
