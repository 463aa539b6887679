package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Drainer is the part of the sync engine the manager drives. It is an
// interface so the engine can depend on this package and not the reverse.
type Drainer interface {
	// TriggerSync requests a drain without blocking.
	TriggerSync()

	// IsDraining reports whether a drain is in flight.
	IsDraining() bool

	// CancelRetries stops every scheduled per-operation retry.
	CancelRetries()

	// CancelRetry stops the scheduled retry of one operation.
	CancelRetry(id string) bool
}

// OnlineChecker reports the connectivity hint used to decide whether an
// enqueue should kick off a drain.
type OnlineChecker interface {
	IsOnline() bool
}

// Manager enqueues mutations and maintains QueueStatus. It is safe for
// concurrent use.
type Manager struct {
	store   Store
	online  OnlineChecker
	logger  *zap.Logger
	drainer Drainer

	mu        sync.RWMutex
	status    QueueStatus
	errs      []string
	listeners map[int]func(QueueStatus)
	discards  map[int]func(ids []string)
	nextID    int
}

// NewManager creates a Manager over store. online may be nil, in which case
// enqueues never trigger a drain on their own.
func NewManager(store Store, online OnlineChecker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		online:    online,
		logger:    logger,
		listeners: make(map[int]func(QueueStatus)),
		discards:  make(map[int]func([]string)),
		status:    QueueStatus{Errors: []string{}},
	}
}

// SetDrainer attaches the engine. It must be called before the first
// QueueOperation that should trigger a drain.
func (m *Manager) SetDrainer(d Drainer) {
	m.mu.Lock()
	m.drainer = d
	m.mu.Unlock()
}

// Store returns the underlying store.
func (m *Manager) Store() Store {
	return m.store
}

// QueueOperation durably enqueues a mutation and, when online with no drain
// in flight, requests one. A storage failure is returned to the caller and
// nothing is queued.
func (m *Manager) QueueOperation(ctx context.Context, opType OpType, table Table, data Payload, originalID string) (string, error) {
	id, err := m.store.QueueOperation(ctx, opType, table, data, originalID)
	if err != nil {
		result := "error"
		if errors.Is(err, ErrStorageFull) {
			result = "full"
		}
		EnqueueTotal.WithLabelValues(string(table), string(opType), result).Inc()
		m.logger.Error("failed to queue operation",
			zap.String("type", string(opType)),
			zap.String("table", string(table)),
			zap.Error(err))
		return "", fmt.Errorf("queue %s %s: %w", opType, table, err)
	}
	EnqueueTotal.WithLabelValues(string(table), string(opType), "success").Inc()

	m.logger.Debug("operation queued",
		zap.String("operation.id", id),
		zap.String("type", string(opType)),
		zap.String("table", string(table)))

	if _, err := m.UpdateQueueStatus(ctx); err != nil {
		m.logger.Warn("failed to refresh queue status", zap.Error(err))
	}

	m.mu.RLock()
	d := m.drainer
	m.mu.RUnlock()
	if d != nil && m.online != nil && m.online.IsOnline() && !d.IsDraining() {
		d.TriggerSync()
	}
	return id, nil
}

// UpdateQueueStatus recomputes the pending count and lastSync from the
// store, publishes the result and returns it.
func (m *Manager) UpdateQueueStatus(ctx context.Context) (QueueStatus, error) {
	ops, err := m.store.QueuedOperations(ctx)
	if err != nil {
		// Keep the last known count but still surface recorded errors.
		m.mu.Lock()
		m.status.Errors = append([]string(nil), m.errs...)
		snapshot := m.status.Clone()
		m.mu.Unlock()
		m.publish(snapshot)
		return snapshot, fmt.Errorf("read queue: %w", err)
	}
	lastSync, err := LastSync(ctx, m.store)
	if err != nil {
		m.logger.Warn("unreadable lastSync metadata", zap.Error(err))
	}

	m.mu.Lock()
	m.status.PendingOperations = len(ops)
	m.status.LastSync = lastSync
	m.status.Errors = append([]string(nil), m.errs...)
	snapshot := m.status.Clone()
	m.mu.Unlock()

	PendingOperations.Set(float64(len(ops)))
	m.publish(snapshot)
	return snapshot, nil
}

// SetProcessing flips IsProcessing and publishes the change.
func (m *Manager) SetProcessing(processing bool) {
	m.mu.Lock()
	if m.status.IsProcessing == processing {
		m.mu.Unlock()
		return
	}
	m.status.IsProcessing = processing
	snapshot := m.status.Clone()
	m.mu.Unlock()

	m.publish(snapshot)
}

// RecordError appends msg to the displayed error list, keeping only the
// most recent MaxStatusErrors entries. It does not publish; the next
// UpdateQueueStatus does.
func (m *Manager) RecordError(msg string) {
	if msg == "" {
		return
	}
	m.mu.Lock()
	m.errs = append(m.errs, msg)
	if len(m.errs) > MaxStatusErrors {
		m.errs = append([]string(nil), m.errs[len(m.errs)-MaxStatusErrors:]...)
	}
	m.mu.Unlock()
	ErrorsRecorded.Inc()
}

// ClearErrors empties the displayed error list. Queued operations are
// untouched.
func (m *Manager) ClearErrors() {
	m.mu.Lock()
	m.errs = nil
	m.status.Errors = []string{}
	snapshot := m.status.Clone()
	m.mu.Unlock()

	m.publish(snapshot)
}

// ClearQueue discards every pending operation and cancels scheduled
// retries. It returns how many operations were removed.
func (m *Manager) ClearQueue(ctx context.Context) (int, error) {
	m.mu.RLock()
	d := m.drainer
	m.mu.RUnlock()
	if d != nil {
		d.CancelRetries()
	}

	ops, err := m.store.QueuedOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n, err := m.store.Clear(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	ClearedOperations.Add(float64(n))
	m.logger.Info("queue cleared", zap.Int("removed", n))

	if _, err := m.UpdateQueueStatus(ctx); err != nil {
		m.logger.Warn("failed to refresh queue status", zap.Error(err))
	}

	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	m.notifyDiscarded(ids)
	return n, nil
}

// DiscardOperation removes one pending operation without applying it and
// cancels its retry timer. It is the manual "discard" resolution for an
// operation the remote keeps rejecting.
func (m *Manager) DiscardOperation(ctx context.Context, id string) error {
	if _, err := m.store.Operation(ctx, id); err != nil {
		return err
	}

	m.mu.RLock()
	d := m.drainer
	m.mu.RUnlock()
	if d != nil {
		d.CancelRetry(id)
	}

	if err := m.store.RemoveOperation(ctx, id); err != nil {
		return fmt.Errorf("discard operation %s: %w", id, err)
	}
	ClearedOperations.Inc()
	m.logger.Info("operation discarded", zap.String("operation.id", id))

	if _, err := m.UpdateQueueStatus(ctx); err != nil {
		m.logger.Warn("failed to refresh queue status", zap.Error(err))
	}
	m.notifyDiscarded([]string{id})
	return nil
}

// OnDiscard registers fn to receive the ids of operations removed by
// ClearQueue or DiscardOperation, and returns a function that removes it.
func (m *Manager) OnDiscard(fn func(ids []string)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.discards[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.discards, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notifyDiscarded(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.RLock()
	fns := make([]func([]string), 0, len(m.discards))
	for _, fn := range m.discards {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(ids)
	}
}

// Status returns the last computed status.
func (m *Manager) Status() QueueStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Clone()
}

// Subscribe registers fn to receive every published status and returns a
// function that removes it. fn runs on the publishing goroutine.
func (m *Manager) Subscribe(fn func(QueueStatus)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) publish(status QueueStatus) {
	m.mu.RLock()
	listeners := make([]func(QueueStatus), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		m.notify(fn, status.Clone())
	}
}

func (m *Manager) notify(fn func(QueueStatus), status QueueStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("queue status listener panic", zap.Any("panic", r))
		}
	}()
	fn(status)
}
