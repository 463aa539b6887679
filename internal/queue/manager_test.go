package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubOnline struct{ online atomic.Bool }

func (s *stubOnline) IsOnline() bool { return s.online.Load() }

type stubDrainer struct {
	triggers atomic.Int32
	cancels  atomic.Int32
	draining atomic.Bool

	mu        sync.Mutex
	cancelled []string
}

func (d *stubDrainer) TriggerSync()     { d.triggers.Add(1) }
func (d *stubDrainer) IsDraining() bool { return d.draining.Load() }
func (d *stubDrainer) CancelRetries()   { d.cancels.Add(1) }

func (d *stubDrainer) CancelRetry(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	return true
}

func newTestManager(t *testing.T) (*Manager, *stubOnline, *stubDrainer) {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), Options{MaxOperations: 3}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	online := &stubOnline{}
	drainer := &stubDrainer{}
	m := NewManager(s, online, zap.NewNop())
	m.SetDrainer(drainer)
	return m, online, drainer
}

func TestManager_QueueOperation_TriggersDrainWhenOnline(t *testing.T) {
	ctx := context.Background()
	m, online, drainer := newTestManager(t)

	_, err := m.QueueOperation(ctx, OpCreate, TableTasks, Payload{"title": "offline"}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(0), drainer.triggers.Load())

	online.online.Store(true)
	_, err = m.QueueOperation(ctx, OpCreate, TableTasks, Payload{"title": "online"}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), drainer.triggers.Load())

	drainer.draining.Store(true)
	_, err = m.QueueOperation(ctx, OpCreate, TableTasks, Payload{"title": "busy"}, "")
	require.NoError(t, err)
	assert.Equal(t, int32(1), drainer.triggers.Load())

	assert.Equal(t, 3, m.Status().PendingOperations)
}

func TestManager_QueueOperation_StorageFull(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.QueueOperation(ctx, OpCreate, TableLists, Payload{"name": fmt.Sprint(i)}, "")
		require.NoError(t, err)
	}
	id, err := m.QueueOperation(ctx, OpCreate, TableLists, Payload{"name": "overflow"}, "")
	assert.ErrorIs(t, err, ErrStorageFull)
	assert.Empty(t, id)
	assert.Equal(t, 3, m.Status().PendingOperations)
}

func TestManager_ErrorsCappedAtFive(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	for i := 1; i <= 7; i++ {
		m.RecordError(fmt.Sprintf("error %d", i))
	}
	m.RecordError("")

	status, err := m.UpdateQueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"error 3", "error 4", "error 5", "error 6", "error 7"}, status.Errors)
}

func TestManager_ClearErrorsKeepsOperations(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	_, err := m.QueueOperation(ctx, OpUpdate, TableTasks, Payload{"id": "t1", "completed": true}, "")
	require.NoError(t, err)
	m.RecordError("UPDATE tasks t1: HTTP 500")
	_, err = m.UpdateQueueStatus(ctx)
	require.NoError(t, err)

	m.ClearErrors()
	status := m.Status()
	assert.Empty(t, status.Errors)
	assert.Equal(t, 1, status.PendingOperations)

	status, err = m.UpdateQueueStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, status.Errors)
}

func TestManager_ClearQueueCancelsRetries(t *testing.T) {
	ctx := context.Background()
	m, _, drainer := newTestManager(t)

	for i := 0; i < 2; i++ {
		_, err := m.QueueOperation(ctx, OpCreate, TableTasks, Payload{"title": "x"}, "")
		require.NoError(t, err)
	}

	var discarded []string
	m.OnDiscard(func(ids []string) { discarded = append(discarded, ids...) })

	n, err := m.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(1), drainer.cancels.Load())
	assert.Zero(t, m.Status().PendingOperations)
	assert.Len(t, discarded, 2)
}

func TestManager_DiscardOperation(t *testing.T) {
	ctx := context.Background()
	m, _, drainer := newTestManager(t)

	keep, err := m.QueueOperation(ctx, OpCreate, TableTasks, Payload{"title": "keep"}, "")
	require.NoError(t, err)
	drop, err := m.QueueOperation(ctx, OpUpdate, TableTasks, Payload{"id": "t1", "title": "drop"}, "")
	require.NoError(t, err)

	var discarded []string
	unsubscribe := m.OnDiscard(func(ids []string) { discarded = append(discarded, ids...) })
	defer unsubscribe()

	require.NoError(t, m.DiscardOperation(ctx, drop))
	assert.Equal(t, []string{drop}, discarded)
	assert.Equal(t, []string{drop}, drainer.cancelled)
	assert.Equal(t, 1, m.Status().PendingOperations)

	ops, err := m.Store().QueuedOperations(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, keep, ops[0].ID)

	err = m.DiscardOperation(ctx, drop)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, discarded, 1)
}

func TestManager_Subscribe(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	var mu sync.Mutex
	var seen []QueueStatus
	unsubscribe := m.Subscribe(func(s QueueStatus) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	// A panicking listener must not break publication.
	m.Subscribe(func(QueueStatus) { panic("listener bug") })

	_, err := m.QueueOperation(ctx, OpCreate, TableLists, Payload{"name": "x"}, "")
	require.NoError(t, err)
	m.SetProcessing(true)
	m.SetProcessing(true)
	m.SetProcessing(false)

	mu.Lock()
	require.Len(t, seen, 3)
	assert.Equal(t, 1, seen[0].PendingOperations)
	assert.True(t, seen[1].IsProcessing)
	assert.False(t, seen[2].IsProcessing)
	mu.Unlock()

	unsubscribe()
	m.ClearErrors()
	mu.Lock()
	assert.Len(t, seen, 3)
	mu.Unlock()
}

func TestManager_LastSyncInStatus(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)

	status, err := m.UpdateQueueStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.NeverSynced())

	at := timeNow().UTC()
	require.NoError(t, SetLastSync(ctx, m.Store(), at))
	status, err = m.UpdateQueueStatus(ctx)
	require.NoError(t, err)
	assert.True(t, at.Equal(status.LastSync))
}
