package optimistic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type task struct {
	ID        string
	Title     string
	Completed bool
}

var taskKeys = Keyer[task]{
	ID:    func(t task) string { return t.ID },
	SetID: func(t task, id string) task { t.ID = id; return t },
}

func newTasks(items ...task) *Collection[task] {
	c := NewCollection(taskKeys, zap.NewNop())
	c.Load(items)
	return c
}

// gated returns an action that blocks until release is closed.
func gated(release <-chan struct{}, result task, err error) Action[task] {
	return func(ctx context.Context) (task, error) {
		<-release
		return result, err
	}
}

func wait(t *testing.T, h *Handle[task]) (task, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func setTitle(title string) func(task) task {
	return func(t task) task { t.Title = title; return t }
}

func TestCollection_FailedUpdateRestoresExactly(t *testing.T) {
	c := newTasks(task{ID: "t1", Title: "A"})
	release := make(chan struct{})

	h, err := c.Update(context.Background(), "t1", setTitle("B"), gated(release, task{}, errors.New("HTTP 500")))
	require.NoError(t, err)

	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task{ID: "t1", Title: "B"}, got)

	close(release)
	_, err = wait(t, h)
	assert.EqualError(t, err, "HTTP 500")

	got, ok = c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, task{ID: "t1", Title: "A"}, got)
	assert.Zero(t, c.Pending())
}

func TestCollection_CreateSwapsPlaceholderID(t *testing.T) {
	c := newTasks(task{ID: "t0", Title: "first"})
	release := make(chan struct{})

	h, err := c.Create(context.Background(), task{ID: "temp-1", Title: "X"},
		gated(release, task{ID: "srv-1", Title: "X"}, nil))
	require.NoError(t, err)

	got, ok := c.Get("temp-1")
	require.True(t, ok)
	assert.Equal(t, "X", got.Title)
	assert.Equal(t, "temp-1", h.ID())

	close(release)
	result, err := wait(t, h)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", result.ID)
	assert.Equal(t, "srv-1", h.ID())

	_, ok = c.Get("temp-1")
	assert.False(t, ok)
	confirmed, ok := c.Confirmed("srv-1")
	require.True(t, ok)
	assert.Equal(t, task{ID: "srv-1", Title: "X"}, confirmed)

	assert.Equal(t, []task{{ID: "t0", Title: "first"}, {ID: "srv-1", Title: "X"}}, c.Items())
}

func TestCollection_FailedCreateRemovesEntry(t *testing.T) {
	c := newTasks()
	h, err := c.Create(context.Background(), task{ID: "temp-1", Title: "X"}, func(context.Context) (task, error) {
		return task{}, errors.New("offline")
	})
	require.NoError(t, err)

	_, err = wait(t, h)
	assert.Error(t, err)
	assert.Empty(t, c.Items())
	_, ok := c.Get("temp-1")
	assert.False(t, ok)
}

func TestCollection_FailedDeleteRestoresEntity(t *testing.T) {
	original := task{ID: "t1", Title: "keep me", Completed: true}
	c := newTasks(original)
	release := make(chan struct{})

	h, err := c.Delete(context.Background(), "t1", gated(release, task{}, errors.New("HTTP 403")))
	require.NoError(t, err)
	_, ok := c.Get("t1")
	assert.False(t, ok)
	assert.Empty(t, c.Items())

	close(release)
	_, err = wait(t, h)
	assert.Error(t, err)

	got, ok := c.Get("t1")
	require.True(t, ok)
	assert.Equal(t, original, got)
}

func TestCollection_SuccessfulDelete(t *testing.T) {
	c := newTasks(task{ID: "t1"})
	h, err := c.Delete(context.Background(), "t1", func(context.Context) (task, error) { return task{}, nil })
	require.NoError(t, err)
	_, err = wait(t, h)
	require.NoError(t, err)

	_, ok := c.Get("t1")
	assert.False(t, ok)
	_, ok = c.Confirmed("t1")
	assert.False(t, ok)
}

// A failed first edit drops only its own change; the second edit, still
// pending, stays visible.
func TestCollection_DoubleEditRollsBackOnlyFailedMutation(t *testing.T) {
	c := newTasks(task{ID: "t1", Title: "A"})
	release1 := make(chan struct{})
	var secondStarted atomic.Bool
	var firstDone atomic.Bool

	h1, err := c.Update(context.Background(), "t1", setTitle("B"), func(context.Context) (task, error) {
		<-release1
		firstDone.Store(true)
		return task{}, errors.New("validation failed")
	})
	require.NoError(t, err)

	h2, err := c.Update(context.Background(), "t1",
		func(t task) task { t.Completed = true; return t },
		func(context.Context) (task, error) {
			secondStarted.Store(true)
			if !firstDone.Load() {
				return task{}, errors.New("ran before first mutation finished")
			}
			return task{ID: "t1", Title: "A", Completed: true}, nil
		})
	require.NoError(t, err)

	got, _ := c.Get("t1")
	assert.Equal(t, task{ID: "t1", Title: "B", Completed: true}, got)

	time.Sleep(20 * time.Millisecond)
	assert.False(t, secondStarted.Load())

	close(release1)
	_, err = wait(t, h1)
	assert.Error(t, err)
	_, err = wait(t, h2)
	require.NoError(t, err)

	got, _ = c.Get("t1")
	assert.Equal(t, task{ID: "t1", Title: "A", Completed: true}, got)
}

func TestCollection_UpdateFollowsCreateRekey(t *testing.T) {
	c := newTasks()
	release := make(chan struct{})
	var updateSawID atomic.Value

	hc, err := c.Create(context.Background(), task{ID: "temp-1", Title: "draft"},
		gated(release, task{ID: "srv-1", Title: "draft"}, nil))
	require.NoError(t, err)

	hu, err := c.Update(context.Background(), "temp-1", setTitle("final"), func(context.Context) (task, error) {
		updateSawID.Store("ran")
		return task{ID: "srv-1", Title: "final"}, nil
	})
	require.NoError(t, err)

	got, _ := c.Get("temp-1")
	assert.Equal(t, "final", got.Title)

	close(release)
	_, err = wait(t, hc)
	require.NoError(t, err)
	_, err = wait(t, hu)
	require.NoError(t, err)

	assert.Equal(t, "srv-1", hu.ID())
	got, ok := c.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, task{ID: "srv-1", Title: "final"}, got)
	assert.Len(t, c.Items(), 1)
	assert.Equal(t, "ran", updateSawID.Load())
}

func TestCollection_Errors(t *testing.T) {
	c := newTasks(task{ID: "t1"})
	noop := func(context.Context) (task, error) { return task{}, nil }

	_, err := c.Create(context.Background(), task{ID: "t1"}, noop)
	assert.ErrorIs(t, err, ErrExists)
	_, err = c.Update(context.Background(), "missing", setTitle("x"), noop)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Delete(context.Background(), "missing", noop)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollection_ActionOutlivesCallerContext(t *testing.T) {
	c := newTasks(task{ID: "t1", Title: "A"})
	ctx, cancel := context.WithCancel(context.Background())

	h, err := c.Update(ctx, "t1", setTitle("B"), func(actionCtx context.Context) (task, error) {
		cancel()
		if actionCtx.Err() != nil {
			return task{}, actionCtx.Err()
		}
		return task{ID: "t1", Title: "B"}, nil
	})
	require.NoError(t, err)
	_, err = wait(t, h)
	require.NoError(t, err)
}

func TestCollection_OnChange(t *testing.T) {
	c := newTasks()
	var changes atomic.Int32
	unsubscribe := c.OnChange(func() { changes.Add(1) })

	h, err := c.Create(context.Background(), task{ID: "temp-1"}, func(context.Context) (task, error) {
		return task{ID: "srv-1"}, nil
	})
	require.NoError(t, err)
	_, err = wait(t, h)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return changes.Load() == 2 }, time.Second, time.Millisecond)

	unsubscribe()
	c.Load(nil)
	assert.Equal(t, int32(2), changes.Load())
}

func TestCollection_LoadKeepsPending(t *testing.T) {
	c := newTasks(task{ID: "t1", Title: "A"})
	release := make(chan struct{})
	defer close(release)

	_, err := c.Update(context.Background(), "t1", setTitle("mine"), gated(release, task{}, errors.New("x")))
	require.NoError(t, err)

	c.Load([]task{{ID: "t1", Title: "theirs"}, {ID: "t2", Title: "new"}})
	got, _ := c.Get("t1")
	assert.Equal(t, "mine", got.Title)
	confirmed, _ := c.Confirmed("t1")
	assert.Equal(t, "theirs", confirmed.Title)
	assert.Len(t, c.Items(), 2)
}
