package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/queue"
	"go.uber.org/zap"
)

// busyRetryDelay re-arms a timer that fired while a pass was running.
const busyRetryDelay = 100 * time.Millisecond

// schedule arms (or re-arms) the retry timer for one operation.
func (e *Engine) schedule(id string, delay time.Duration) {
	e.arm(id, delay, true)
}

// scheduleIfAbsent arms a timer only when the operation has none. It
// reports whether a timer was armed.
func (e *Engine) scheduleIfAbsent(id string, delay time.Duration) bool {
	return e.arm(id, delay, false)
}

func (e *Engine) arm(id string, delay time.Duration, replace bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	if t, ok := e.timers[id]; ok {
		if !replace {
			return false
		}
		t.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() { e.fireRetry(id) })
	ScheduledRetries.Set(float64(len(e.timers)))
	RetryDelay.Observe(delay.Seconds())
	return true
}

func (e *Engine) hasTimer(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.timers[id]
	return ok
}

func (e *Engine) cancelTimer(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.timers[id]
	if ok {
		t.Stop()
		delete(e.timers, id)
		ScheduledRetries.Set(float64(len(e.timers)))
	}
	return ok
}

// stopTimersLocked must be called with mu held.
func (e *Engine) stopTimersLocked() {
	for id, t := range e.timers {
		t.Stop()
		delete(e.timers, id)
	}
	ScheduledRetries.Set(0)
}

func (e *Engine) fireRetry(id string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	delete(e.timers, id)
	ScheduledRetries.Set(float64(len(e.timers)))
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	out, err := e.retryOne(e.ctx, id)
	switch {
	case errors.Is(err, ErrAlreadyDraining):
		// The running pass may have armed a full backoff for this op.
		e.scheduleIfAbsent(id, busyRetryDelay)
	case err != nil && !isSkip(err) && !errors.Is(err, queue.ErrNotFound):
		e.logger.Warn("retry attempt failed", zap.String("operation.id", id), zap.Error(err))
	case err == nil && out.Kind == OutcomeApplied:
		// Operations deferred behind this one can go now.
		e.TriggerSync()
	}
}

// CancelRetry stops the retry timer for one operation. The operation stays
// queued.
func (e *Engine) CancelRetry(id string) bool {
	return e.cancelTimer(id)
}

// RetryNow cancels the operation's retry timer and attempts it
// immediately. It is the manual "retry" resolution for a failing operation.
func (e *Engine) RetryNow(ctx context.Context, id string) (Outcome, error) {
	e.cancelTimer(id)
	return e.retryOne(ctx, id)
}

// retryOne attempts a single queued operation under the drain guard.
func (e *Engine) retryOne(ctx context.Context, id string) (Outcome, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyDraining
	}
	defer e.draining.Store(false)

	if e.isStopped() {
		return Outcome{}, ErrStopped
	}
	if !e.conn.TestConnectivity(ctx) {
		// Left queued without a timer; the next online transition drains it.
		return Outcome{}, ErrOffline
	}
	identity, ok := e.currentIdentity()
	if !ok {
		return Outcome{}, ErrNoIdentity
	}

	op, err := e.store.Operation(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	ids, err := loadIDMap(ctx, e.store)
	if err != nil {
		return Outcome{}, err
	}

	e.status.SetProcessing(true)
	defer func() {
		e.status.SetProcessing(false)
		if _, err := e.status.UpdateQueueStatus(ctx); err != nil {
			e.logger.Warn("failed to refresh queue status", zap.Error(err))
		}
	}()

	if op.RetryCount >= e.cfg.MaxRetries {
		return e.evictExhausted(ctx, op), nil
	}

	out, ok := e.attempt(ctx, op, ids.resolve(op), ids, identity)
	if !ok {
		return Outcome{}, fmt.Errorf("retry %s: %w", id, ctx.Err())
	}
	return out, nil
}
