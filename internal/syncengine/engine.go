// Package syncengine drains the operation queue against the remote service.
//
// One Engine owns the drain guard, the per-operation retry timers and the
// outcome observers. A pass attempts every queued operation in enqueue
// order; each failure is isolated to its own operation, which is retried on
// its own timer with exponential backoff until the retry ceiling, then
// evicted with its error left visible in the queue status.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/auth"
	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/logging"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/remote"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Drain skip reasons. Automatic triggers treat these as silent no-ops.
var (
	ErrAlreadyDraining = errors.New("syncengine: drain already in progress")
	ErrOffline         = errors.New("syncengine: remote unreachable")
	ErrNoIdentity      = errors.New("syncengine: no authenticated identity")
	ErrStopped         = errors.New("syncengine: engine stopped")
)

// StatusSink receives queue status updates. *queue.Manager implements it.
type StatusSink interface {
	SetProcessing(bool)
	RecordError(msg string)
	UpdateQueueStatus(ctx context.Context) (queue.QueueStatus, error)
}

// Connectivity is the authoritative reachability check.
type Connectivity interface {
	TestConnectivity(ctx context.Context) bool
}

// Config is the retry policy.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// ConfigFromQueue reads the retry policy from the queue config section.
func ConfigFromQueue(q config.QueueConfig) Config {
	return Config{MaxRetries: q.MaxRetries, BackoffBase: q.BackoffBase, BackoffMax: q.BackoffMax}
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store        queue.Store
	Client       remote.Client
	Status       StatusSink
	Connectivity Connectivity
	Identity     auth.Provider
	// Tracer is optional.
	Tracer trace.Tracer
}

// Engine is the synchronization engine. Create with New, then Start.
type Engine struct {
	store    queue.Store
	client   remote.Client
	status   StatusSink
	conn     Connectivity
	identity auth.Provider
	tracer   trace.Tracer
	cfg      Config
	backoff  Backoff
	logger   *zap.Logger

	draining  atomic.Bool
	triggerCh chan struct{}

	mu        sync.Mutex
	timers    map[string]*time.Timer
	observers map[int]func(Outcome)
	nextObs   int
	stopped   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ queue.Drainer = (*Engine)(nil)

	timeNow = time.Now
)

// New creates an engine. It does nothing until Start or Drain is called.
func New(deps Deps, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("syncengine")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     deps.Store,
		client:    deps.Client,
		status:    deps.Status,
		conn:      deps.Connectivity,
		identity:  deps.Identity,
		tracer:    tracer,
		cfg:       cfg,
		backoff:   Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		logger:    logger,
		triggerCh: make(chan struct{}, 1),
		timers:    make(map[string]*time.Timer),
		observers: make(map[int]func(Outcome)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the trigger loop until Stop or ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.ctx.Done():
				return
			case <-e.triggerCh:
				if _, err := e.Drain(e.ctx); err != nil && !isSkip(err) {
					e.logger.Warn("sync pass failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels every retry timer, ends the trigger loop and waits for
// in-flight work.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	e.stopTimersLocked()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// TriggerSync requests a drain without blocking. Requests coalesce while
// one is pending.
func (e *Engine) TriggerSync() {
	select {
	case e.triggerCh <- struct{}{}:
	default:
	}
}

// IsDraining reports whether a pass or retry attempt is in flight.
func (e *Engine) IsDraining() bool {
	return e.draining.Load()
}

// CancelRetries stops every armed retry timer. The operations stay queued
// and are picked up by the next pass.
func (e *Engine) CancelRetries() {
	e.mu.Lock()
	n := len(e.timers)
	e.stopTimersLocked()
	e.mu.Unlock()
	if n > 0 {
		e.logger.Debug("retry timers cancelled", zap.Int("count", n))
	}
}

// PendingRetries returns the ids of operations waiting on a timer.
func (e *Engine) PendingRetries() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.timers))
	for id := range e.timers {
		ids = append(ids, id)
	}
	return ids
}

// OnOutcome registers fn for every attempt outcome and returns a function
// that removes it. fn runs on the draining goroutine and must not block.
func (e *Engine) OnOutcome(fn func(Outcome)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextObs
	e.nextObs++
	e.observers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

// OnlineNotifier emits BecameOnline transitions. *connectivity.Monitor
// implements it.
type OnlineNotifier interface {
	OnOnline(fn func()) (unsubscribe func())
}

// ListenForOnline requests a drain on every BecameOnline transition.
// Offline transitions are ignored.
func (e *Engine) ListenForOnline(n OnlineNotifier) (unsubscribe func()) {
	return n.OnOnline(func() {
		e.logger.Debug("connectivity restored, triggering sync")
		e.TriggerSync()
	})
}

// ForceSync is the manual "sync now" action. It is still subject to the
// drain guard and the connectivity check.
func (e *Engine) ForceSync(ctx context.Context) (DrainResult, error) {
	return e.Drain(ctx)
}

// Drain runs one synchronization pass. It returns ErrAlreadyDraining,
// ErrOffline or ErrNoIdentity without touching any state when the pass
// cannot run.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	var result DrainResult

	if !e.draining.CompareAndSwap(false, true) {
		DrainsTotal.WithLabelValues("busy").Inc()
		return result, ErrAlreadyDraining
	}
	defer e.draining.Store(false)

	if e.isStopped() {
		return result, ErrStopped
	}
	if !e.conn.TestConnectivity(ctx) {
		DrainsTotal.WithLabelValues("offline").Inc()
		return result, ErrOffline
	}
	identity, ok := e.currentIdentity()
	if !ok {
		DrainsTotal.WithLabelValues("no_identity").Inc()
		return result, ErrNoIdentity
	}

	ctx, span := e.tracer.Start(ctx, "syncengine.Drain")
	defer span.End()

	start := timeNow()
	e.status.SetProcessing(true)
	defer func() {
		e.status.SetProcessing(false)
		if _, err := e.status.UpdateQueueStatus(ctx); err != nil {
			e.logger.Warn("failed to refresh queue status", zap.Error(err))
		}
	}()

	ops, err := e.store.QueuedOperations(ctx)
	if err == nil {
		var ids *idMap
		ids, err = loadIDMap(ctx, e.store)
		if err == nil {
			e.runPass(ctx, ops, ids, identity, &result)
		}
	}
	if err != nil {
		DrainsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.status.RecordError(fmt.Sprintf("sync pass failed: %v", err))
		e.logger.Error("sync pass failed", zap.Error(err))
		return result, err
	}

	if err := ctx.Err(); err != nil {
		DrainsTotal.WithLabelValues("failed").Inc()
		e.logger.Info("sync pass interrupted", zap.Error(err))
		return result, err
	}

	if err := queue.SetLastSync(ctx, e.store, timeNow()); err != nil {
		e.logger.Warn("failed to persist lastSync", zap.Error(err))
	}

	result.Duration = timeNow().Sub(start)
	DrainsTotal.WithLabelValues("completed").Inc()
	DrainDuration.Observe(result.Duration.Seconds())
	span.SetAttributes(
		attribute.Int("sync.operations", len(ops)),
		attribute.Int("sync.applied", result.Applied),
		attribute.Int("sync.retrying", result.Retrying),
		attribute.Int("sync.evicted", result.Evicted),
	)
	e.logger.Info("sync pass completed",
		zap.Int("operations", len(ops)),
		zap.Int("applied", result.Applied),
		zap.Int("retrying", result.Retrying),
		zap.Int("evicted", result.Evicted),
		zap.Int("deferred", result.Deferred),
		zap.Int("waiting", result.Waiting),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (e *Engine) runPass(ctx context.Context, ops []queue.Operation, ids *idMap, identity auth.Identity, result *DrainResult) {
	// Placeholders introduced by CREATEs still in the queue. Operations
	// referencing them wait for the CREATE instead of failing against the
	// remote with an id it has never seen.
	pendingTemps := make(map[string]bool)
	for _, op := range ops {
		if op.Type == queue.OpCreate && queue.IsTempID(op.Data.ID()) {
			pendingTemps[op.Data.ID()] = true
		}
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}
		if e.hasTimer(op.ID) {
			result.Waiting++
			continue
		}

		if op.RetryCount >= e.cfg.MaxRetries {
			result.add(e.evictExhausted(ctx, op).Kind)
			continue
		}

		r := ids.resolve(op)
		if r.unresolved != "" && pendingTemps[r.unresolved] {
			result.Deferred++
			OperationOutcomes.WithLabelValues("deferred").Inc()
			e.logger.Debug("operation deferred until its placeholder is created", logFields(logging.WithOperationID(ctx, op.ID),
				zap.String("placeholder", r.unresolved))...)
			continue
		}

		out, ok := e.attempt(ctx, op, r, ids, identity)
		if !ok {
			return
		}
		result.add(out.Kind)
		if r.temp != "" && out.Kind != OutcomeRetrying {
			delete(pendingTemps, r.temp)
		}
	}

	if ctx.Err() != nil {
		return
	}
	remaining, err := e.store.QueuedOperations(ctx)
	if err == nil && len(remaining) == 0 {
		if err := ids.prune(ctx); err != nil {
			e.logger.Warn("failed to prune id map", zap.Error(err))
		}
	}
}

// attempt applies one operation and records the outcome. ok is false when
// the context ended mid-call; nothing is recorded in that case.
func (e *Engine) attempt(ctx context.Context, op queue.Operation, r resolved, ids *idMap, identity auth.Identity) (Outcome, bool) {
	ctx, span := e.tracer.Start(ctx, "syncengine.Apply", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("operation.type", string(op.Type)),
		attribute.String("operation.table", string(op.Table)),
		attribute.Int("operation.retry_count", op.RetryCount),
	))
	defer span.End()
	ctx = logging.WithOperationID(logging.WithUserID(ctx, identity.UserID), op.ID)

	entity, err := e.dispatch(ctx, op, r, identity)
	if err != nil && ctx.Err() != nil {
		span.SetStatus(codes.Error, "interrupted")
		return Outcome{}, false
	}

	if err == nil {
		return e.applied(ctx, op, r, ids, entity), true
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return e.failed(ctx, op, err), true
}

// dispatch translates op into the remote mutation for its table and type.
func (e *Engine) dispatch(ctx context.Context, op queue.Operation, r resolved, identity auth.Identity) (remote.Entity, error) {
	switch op.Type {
	case queue.OpCreate:
		if _, ok := r.payload["user_id"]; !ok {
			r.payload["user_id"] = identity.UserID
		}
		return e.client.Insert(ctx, op.Table, r.payload)
	case queue.OpUpdate:
		return e.client.Update(ctx, op.Table, r.target, r.payload)
	case queue.OpDelete:
		return nil, e.client.Delete(ctx, op.Table, r.target)
	default:
		return nil, fmt.Errorf("unsupported operation %s on %s", op.Type, op.Table)
	}
}

func (e *Engine) applied(ctx context.Context, op queue.Operation, r resolved, ids *idMap, entity remote.Entity) Outcome {
	out := Outcome{Kind: OutcomeApplied, Operation: op, Entity: entity, Attempts: op.RetryCount + 1, ResolvedID: r.target}

	if op.Type == queue.OpCreate {
		out.ResolvedID = entity.ID()
		if r.temp != "" && out.ResolvedID != "" {
			if err := ids.assign(ctx, r.temp, out.ResolvedID); err != nil {
				e.logger.Error("failed to record placeholder id",
					zap.String("placeholder", r.temp),
					zap.String("id", out.ResolvedID),
					zap.Error(err))
			}
		}
	}

	if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
		// The mutation is applied; a stale copy would replay it. Surface it.
		e.logger.Error("applied operation could not be removed", logFields(ctx,
			zap.Error(err))...)
		e.status.RecordError(fmt.Sprintf("%s: applied but not removed: %v", op.Describe(), err))
	}

	OperationOutcomes.WithLabelValues(string(OutcomeApplied)).Inc()
	e.logger.Debug("operation applied", logFields(ctx,
		zap.String("operation", op.Describe()),
		zap.String("resolved_id", out.ResolvedID))...)
	e.publish(out)
	return out
}

func (e *Engine) failed(ctx context.Context, op queue.Operation, cause error) Outcome {
	msg := cause.Error()
	attempts, err := e.store.UpdateOperationRetry(ctx, op.ID, msg)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			// Cleared while the call was in flight.
			return Outcome{Kind: OutcomeEvicted, Operation: op, Error: msg, Attempts: op.RetryCount + 1}
		}
		e.logger.Error("failed to record retry", logFields(ctx,
			zap.Error(err))...)
		attempts = op.RetryCount + 1
	}
	op.RetryCount = attempts
	op.Error = msg

	out := Outcome{Operation: op, Error: msg, Attempts: attempts}

	if attempts >= e.cfg.MaxRetries {
		if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
			e.logger.Error("failed to evict operation", logFields(ctx,
				zap.Error(err))...)
		}
		out.Kind = OutcomeEvicted
		e.status.RecordError(fmt.Sprintf("%s: giving up after %d attempts: %s", op.Describe(), attempts, msg))
		e.logger.Warn("operation evicted", logFields(ctx,
			zap.String("operation", op.Describe()),
			zap.Int("attempts", attempts),
			zap.String("error", msg))...)
	} else {
		out.Kind = OutcomeRetrying
		out.RetryIn = e.backoff.Delay(attempts - 1)
		e.status.RecordError(fmt.Sprintf("%s: %s", op.Describe(), msg))
		e.schedule(op.ID, out.RetryIn)
		e.logger.Info("operation failed, retry scheduled", logFields(ctx,
			zap.String("operation", op.Describe()),
			zap.Int("attempts", attempts),
			zap.Duration("retry_in", out.RetryIn),
			zap.String("error", msg))...)
	}

	OperationOutcomes.WithLabelValues(string(out.Kind)).Inc()
	e.publish(out)
	return out
}

// evictExhausted removes an operation that already reached the retry ceiling
// without sending it to the remote. This covers a ceiling lowered between
// runs and an earlier eviction whose removal failed.
func (e *Engine) evictExhausted(ctx context.Context, op queue.Operation) Outcome {
	ctx = logging.WithOperationID(ctx, op.ID)
	out := Outcome{Kind: OutcomeEvicted, Operation: op, Error: op.Error, Attempts: op.RetryCount}
	if err := e.store.RemoveOperation(ctx, op.ID); err != nil {
		e.logger.Error("failed to evict operation", logFields(ctx, zap.Error(err))...)
	}
	msg := op.Error
	if msg == "" {
		msg = "retry limit reached"
	}
	e.status.RecordError(fmt.Sprintf("%s: giving up after %d attempts: %s", op.Describe(), op.RetryCount, msg))
	e.logger.Warn("operation evicted", logFields(ctx,
		zap.String("operation", op.Describe()),
		zap.Int("attempts", op.RetryCount),
		zap.Int("max_retries", e.cfg.MaxRetries))...)
	OperationOutcomes.WithLabelValues(string(OutcomeEvicted)).Inc()
	e.publish(out)
	return out
}

// logFields prefixes fields with the trace, user and operation ids carried
// by ctx.
func logFields(ctx context.Context, fields ...zap.Field) []zap.Field {
	return append(logging.ContextFields(ctx), fields...)
}

func (e *Engine) publish(out Outcome) {
	e.mu.Lock()
	observers := make([]func(Outcome), 0, len(e.observers))
	for _, fn := range e.observers {
		observers = append(observers, fn)
	}
	e.mu.Unlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("outcome observer panic", zap.Any("panic", r))
				}
			}()
			fn(out)
		}()
	}
}

func (e *Engine) currentIdentity() (auth.Identity, bool) {
	if e.identity == nil {
		return auth.Identity{}, false
	}
	id, ok := e.identity.Current()
	if !ok || id.UserID == "" {
		return auth.Identity{}, false
	}
	return id, true
}

func (e *Engine) isStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

func isSkip(err error) bool {
	return errors.Is(err, ErrAlreadyDraining) || errors.Is(err, ErrOffline) ||
		errors.Is(err, ErrNoIdentity) || errors.Is(err, ErrStopped)
}
