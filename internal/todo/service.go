package todo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/todosync/internal/optimistic"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"go.uber.org/zap"
)

var (
	// ErrRejected wraps the last remote error of an operation evicted at
	// the retry ceiling. The optimistic change has been rolled back.
	ErrRejected = errors.New("todo: change rejected by server")

	// ErrDiscarded is returned for changes whose queued operation was
	// cleared or discarded before it reached the server.
	ErrDiscarded = errors.New("todo: change discarded")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("todo: service closed")

	// ErrEmptyTitle is returned when a list or task title is blank.
	ErrEmptyTitle = errors.New("todo: title is required")
)

// OutcomeSource publishes sync engine outcomes. *syncengine.Engine
// implements it.
type OutcomeSource interface {
	OnOutcome(fn func(syncengine.Outcome)) (unsubscribe func())
}

type settlement struct {
	outcome syncengine.Outcome
	err     error
}

// Service applies list and task changes optimistically and queues them for
// the sync engine. A change's handle resolves when its operation is applied
// (the entity is replaced by the server row) or evicted (the change is
// rolled back). While offline handles stay pending.
type Service struct {
	manager *queue.Manager
	logger  *zap.Logger

	lists *optimistic.Collection[List]
	tasks *optimistic.Collection[Task]

	mu      sync.Mutex
	waiters map[string]chan settlement
	aliases map[string]string // placeholder -> server id
	closed  chan struct{}
	unsubs  []func()
	once    sync.Once
}

// NewService creates a Service. It listens to outcomes and to discarded
// operations until Close.
func NewService(manager *queue.Manager, outcomes OutcomeSource, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		manager: manager,
		logger:  logger,
		lists:   optimistic.NewCollection(listKeys, logger),
		tasks:   optimistic.NewCollection(taskKeys, logger),
		waiters: make(map[string]chan settlement),
		aliases: make(map[string]string),
		closed:  make(chan struct{}),
	}
	s.unsubs = append(s.unsubs,
		outcomes.OnOutcome(s.onOutcome),
		manager.OnDiscard(s.onDiscard),
	)
	return s
}

// Close stops listening. Pending handles fail with ErrClosed and their
// changes roll back; the queued operations themselves stay queued.
func (s *Service) Close() {
	s.once.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		close(s.closed)
	})
}

// Load replaces the confirmed state, typically with a fresh fetch from the
// server. Pending changes stay applied on top.
func (s *Service) Load(lists []List, tasks []Task) {
	s.lists.Load(lists)
	s.tasks.Load(tasks)
}

// Lists returns every visible list.
func (s *Service) Lists() []List {
	return s.lists.Items()
}

// List returns one visible list. Placeholder ids of applied creates
// resolve to the server id.
func (s *Service) List(id string) (List, bool) {
	return s.lists.Get(s.resolveID(id))
}

// Tasks returns visible tasks, filtered by list when listID is set.
func (s *Service) Tasks(listID string) []Task {
	all := s.tasks.Items()
	if listID == "" {
		return all
	}
	listID = s.resolveID(listID)
	out := make([]Task, 0, len(all))
	for _, t := range all {
		if s.resolveID(t.ListID) == listID {
			out = append(out, t)
		}
	}
	return out
}

// Task returns one visible task.
func (s *Service) Task(id string) (Task, bool) {
	return s.tasks.Get(s.resolveID(id))
}

// PendingChanges returns how many changes await the server.
func (s *Service) PendingChanges() int {
	return s.lists.Pending() + s.tasks.Pending()
}

// OnChange registers fn for every visible change and returns a function
// that removes it.
func (s *Service) OnChange(fn func()) (unsubscribe func()) {
	a := s.lists.OnChange(fn)
	b := s.tasks.OnChange(fn)
	return func() {
		a()
		b()
	}
}

// CreateList adds a list under a placeholder id.
func (s *Service) CreateList(ctx context.Context, title string) (*optimistic.Handle[List], error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	l := List{ID: queue.NewTempID(), Title: title}

	opID, ch, err := s.enqueue(ctx, queue.OpCreate, queue.TableLists, queue.Payload{"id": l.ID, "title": title})
	if err != nil {
		return nil, err
	}
	h, err := s.lists.Create(ctx, l, func(context.Context) (List, error) {
		out, err := s.await(ch)
		if err != nil {
			return List{}, err
		}
		return decodeEntity[List](out.Entity)
	})
	return h, s.undoOnError(ctx, opID, err)
}

// RenameList changes a list's title.
func (s *Service) RenameList(ctx context.Context, id, title string) (*optimistic.Handle[List], error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	id = s.resolveID(id)
	if _, ok := s.lists.Get(id); !ok {
		return nil, fmt.Errorf("%w: list %s", optimistic.ErrNotFound, id)
	}
	rename := func(l List) List { l.Title = title; return l }

	opID, ch, err := s.enqueue(ctx, queue.OpUpdate, queue.TableLists, queue.Payload{"id": id, "title": title})
	if err != nil {
		return nil, err
	}
	h, err := s.lists.Update(ctx, id, rename, func(context.Context) (List, error) {
		out, err := s.await(ch)
		if err != nil {
			return List{}, err
		}
		if len(out.Entity) == 0 {
			base, _ := s.lists.Confirmed(out.ResolvedID)
			return rename(base), nil
		}
		return decodeEntity[List](out.Entity)
	})
	return h, s.undoOnError(ctx, opID, err)
}

// DeleteList removes a list.
func (s *Service) DeleteList(ctx context.Context, id string) (*optimistic.Handle[List], error) {
	id = s.resolveID(id)
	if _, ok := s.lists.Get(id); !ok {
		return nil, fmt.Errorf("%w: list %s", optimistic.ErrNotFound, id)
	}
	opID, ch, err := s.enqueue(ctx, queue.OpDelete, queue.TableLists, queue.Payload{"id": id})
	if err != nil {
		return nil, err
	}
	h, err := s.lists.Delete(ctx, id, func(context.Context) (List, error) {
		_, err := s.await(ch)
		return List{}, err
	})
	return h, s.undoOnError(ctx, opID, err)
}

// CreateTask adds a task to a list under a placeholder id. listID may
// itself be a placeholder.
func (s *Service) CreateTask(ctx context.Context, listID, title string) (*optimistic.Handle[Task], error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	t := Task{ID: queue.NewTempID(), ListID: s.resolveID(listID), Title: title}

	opID, ch, err := s.enqueue(ctx, queue.OpCreate, queue.TableTasks, queue.Payload{
		"id":        t.ID,
		"list_id":   t.ListID,
		"title":     t.Title,
		"completed": false,
	})
	if err != nil {
		return nil, err
	}
	h, err := s.tasks.Create(ctx, t, func(context.Context) (Task, error) {
		out, err := s.await(ch)
		if err != nil {
			return Task{}, err
		}
		return decodeEntity[Task](out.Entity)
	})
	return h, s.undoOnError(ctx, opID, err)
}

// UpdateTask applies patch to a task.
func (s *Service) UpdateTask(ctx context.Context, id string, patch TaskPatch) (*optimistic.Handle[Task], error) {
	id = s.resolveID(id)
	if _, ok := s.tasks.Get(id); !ok {
		return nil, fmt.Errorf("%w: task %s", optimistic.ErrNotFound, id)
	}

	opID, ch, err := s.enqueue(ctx, queue.OpUpdate, queue.TableTasks, patch.payload(id))
	if err != nil {
		return nil, err
	}
	h, err := s.tasks.Update(ctx, id, patch.apply, func(context.Context) (Task, error) {
		out, err := s.await(ch)
		if err != nil {
			return Task{}, err
		}
		if len(out.Entity) == 0 {
			base, _ := s.tasks.Confirmed(out.ResolvedID)
			return patch.apply(base), nil
		}
		return decodeEntity[Task](out.Entity)
	})
	return h, s.undoOnError(ctx, opID, err)
}

// CompleteTask marks a task done or not done.
func (s *Service) CompleteTask(ctx context.Context, id string, completed bool) (*optimistic.Handle[Task], error) {
	return s.UpdateTask(ctx, id, TaskPatch{Completed: &completed})
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) (*optimistic.Handle[Task], error) {
	id = s.resolveID(id)
	if _, ok := s.tasks.Get(id); !ok {
		return nil, fmt.Errorf("%w: task %s", optimistic.ErrNotFound, id)
	}
	opID, ch, err := s.enqueue(ctx, queue.OpDelete, queue.TableTasks, queue.Payload{"id": id})
	if err != nil {
		return nil, err
	}
	h, err := s.tasks.Delete(ctx, id, func(context.Context) (Task, error) {
		_, err := s.await(ch)
		return Task{}, err
	})
	return h, s.undoOnError(ctx, opID, err)
}

// enqueue queues an operation and registers its waiter. The lock is held
// across the enqueue so an outcome published before it returns still finds
// the waiter.
func (s *Service) enqueue(ctx context.Context, opType queue.OpType, table queue.Table, data queue.Payload) (string, <-chan settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return "", nil, ErrClosed
	default:
	}

	id, err := s.manager.QueueOperation(ctx, opType, table, data, "")
	if err != nil {
		return "", nil, err
	}
	ch := make(chan settlement, 1)
	s.waiters[id] = ch
	return id, ch, nil
}

// undoOnError discards the queued operation when the optimistic apply
// failed after it was enqueued.
func (s *Service) undoOnError(ctx context.Context, opID string, err error) error {
	if err == nil {
		return nil
	}
	if derr := s.manager.DiscardOperation(ctx, opID); derr != nil && !errors.Is(derr, queue.ErrNotFound) {
		s.logger.Warn("failed to discard operation", zap.String("operation.id", opID), zap.Error(derr))
	}
	return err
}

func (s *Service) await(ch <-chan settlement) (syncengine.Outcome, error) {
	select {
	case st := <-ch:
		return st.outcome, st.err
	case <-s.closed:
		return syncengine.Outcome{}, ErrClosed
	}
}

func (s *Service) onOutcome(out syncengine.Outcome) {
	if !out.Final() {
		return
	}

	s.mu.Lock()
	ch, ok := s.waiters[out.Operation.ID]
	delete(s.waiters, out.Operation.ID)
	if out.Kind == syncengine.OutcomeApplied && out.Operation.Type == queue.OpCreate {
		if temp := out.Operation.Data.ID(); queue.IsTempID(temp) && out.ResolvedID != "" {
			s.aliases[temp] = out.ResolvedID
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	st := settlement{outcome: out}
	if out.Kind == syncengine.OutcomeEvicted {
		st.err = fmt.Errorf("%w: %s", ErrRejected, out.Error)
		s.logger.Info("change rolled back",
			zap.String("operation", out.Operation.Describe()),
			zap.String("error", out.Error))
	}
	ch <- st
}

func (s *Service) onDiscard(ids []string) {
	s.mu.Lock()
	chans := make([]chan settlement, 0, len(ids))
	for _, id := range ids {
		if ch, ok := s.waiters[id]; ok {
			chans = append(chans, ch)
			delete(s.waiters, id)
		}
	}
	s.mu.Unlock()

	for _, ch := range chans {
		ch <- settlement{err: ErrDiscarded}
	}
}

// resolveID maps a placeholder of an applied create to its server id.
func (s *Service) resolveID(id string) string {
	if !queue.IsTempID(id) {
		return id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if serverID, ok := s.aliases[id]; ok {
		return serverID
	}
	return id
}
