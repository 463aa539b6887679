package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Transition is an observable change of the combined online state.
type Transition int

const (
	BecameOffline Transition = iota
	BecameOnline
)

func (t Transition) String() string {
	if t == BecameOnline {
		return "online"
	}
	return "offline"
}

// State is a read-only snapshot of the monitor.
type State struct {
	IsOnline            bool          `json:"is_online"`
	NetworkHint         bool          `json:"network_hint"`
	LastOnline          time.Time     `json:"last_online,omitempty"`
	LastProbe           time.Time     `json:"last_probe,omitempty"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// Options configures a Monitor.
type Options struct {
	// InitialHint is the network hint before the first SetNetworkHint.
	InitialHint bool
	// ProbeTimeout bounds each probe. Default 5s.
	ProbeTimeout time.Duration
	// ProbeInterval enables a periodic probe loop when > 0.
	ProbeInterval time.Duration
}

// Monitor owns ConnectivityState. It is safe for concurrent use.
type Monitor struct {
	prober Prober
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	hint      bool
	probeOK   bool
	state     State
	listeners map[int]func(Transition, State)
	nextID    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var timeNow = time.Now

// NewMonitor creates a monitor. A nil prober means the hint alone decides.
func NewMonitor(prober Prober, opts Options, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	m := &Monitor{
		prober:    prober,
		opts:      opts,
		logger:    logger,
		hint:      opts.InitialHint,
		probeOK:   true,
		listeners: make(map[int]func(Transition, State)),
	}
	m.state.NetworkHint = opts.InitialHint
	m.state.IsOnline = opts.InitialHint
	if opts.InitialHint {
		m.state.LastOnline = timeNow()
		Online.Set(1)
	} else {
		Online.Set(0)
	}
	return m
}

// Start begins the periodic probe loop and, when the prober supports it,
// channel state watching. Stop ends both.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)

	if w, ok := m.prober.(StateWatcher); ok {
		if err := w.WatchState(m.ctx, m.recordProbe); err != nil {
			m.logger.Warn("connectivity state watch unavailable", zap.Error(err))
		}
	}

	if m.opts.ProbeInterval > 0 {
		m.wg.Add(1)
		go m.runPeriodicProbe()
	}
}

func (m *Monitor) runPeriodicProbe() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.TestConnectivity(m.ctx)
		}
	}
}

// Stop ends background probing and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// IsOnline reports the combined state: hint online and last probe not failed.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsOnline
}

// IsOffline is !IsOnline.
func (m *Monitor) IsOffline() bool {
	return !m.IsOnline()
}

// State returns a snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SetNetworkHint records a link-level online/offline signal. Going online
// clears a previous probe failure; the next probe re-checks.
func (m *Monitor) SetNetworkHint(online bool) {
	m.mu.Lock()
	m.hint = online
	m.state.NetworkHint = online
	if online {
		m.probeOK = true
	}
	t, s, changed := m.recompute()
	m.mu.Unlock()

	m.logger.Debug("network hint", zap.Bool("online", online))
	if changed {
		m.emit(t, s)
	}
}

// TestConnectivity runs the active probe. It returns false without probing
// when the hint is offline. A probe failure makes the monitor offline. If ctx
// is cancelled the result is false and the monitor state is left alone.
func (m *Monitor) TestConnectivity(ctx context.Context) bool {
	m.mu.RLock()
	hint := m.hint
	m.mu.RUnlock()
	if !hint {
		return false
	}
	if m.prober == nil {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	start := timeNow()
	err := m.prober.Probe(probeCtx)
	latency := timeNow().Sub(start)
	if ctx.Err() != nil {
		// The caller gave up; that says nothing about the network.
		return false
	}
	ProbeDuration.Observe(latency.Seconds())

	m.mu.Lock()
	m.state.LastProbe = start
	m.state.LastLatency = latency
	if err != nil {
		m.state.ConsecutiveFailures++
		m.state.LastError = err.Error()
	} else {
		m.state.ConsecutiveFailures = 0
		m.state.LastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		ProbesTotal.WithLabelValues("error").Inc()
		m.logger.Debug("connectivity probe failed",
			zap.Duration("latency", latency),
			zap.Error(err))
	} else {
		ProbesTotal.WithLabelValues("success").Inc()
	}

	m.recordProbe(err == nil)
	return err == nil
}

func (m *Monitor) recordProbe(ok bool) {
	m.mu.Lock()
	m.probeOK = ok
	t, s, changed := m.recompute()
	m.mu.Unlock()

	if changed {
		m.emit(t, s)
	}
}

// recompute must be called with mu held.
func (m *Monitor) recompute() (Transition, State, bool) {
	online := m.hint && m.probeOK
	if online == m.state.IsOnline {
		return 0, m.state, false
	}
	m.state.IsOnline = online
	t := BecameOffline
	if online {
		t = BecameOnline
		m.state.LastOnline = timeNow()
	}
	return t, m.state, true
}

func (m *Monitor) emit(t Transition, s State) {
	if t == BecameOnline {
		Online.Set(1)
	} else {
		Online.Set(0)
	}
	TransitionsTotal.WithLabelValues(t.String()).Inc()
	m.logger.Info("connectivity changed",
		zap.Stringer("transition", t),
		zap.Int("consecutive_failures", s.ConsecutiveFailures))

	m.mu.RLock()
	listeners := make([]func(Transition, State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.RUnlock()

	for _, fn := range listeners {
		m.notify(fn, t, s)
	}
}

func (m *Monitor) notify(fn func(Transition, State), t Transition, s State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connectivity listener panic", zap.Any("panic", r))
		}
	}()
	fn(t, s)
}

// Subscribe registers fn for every transition and returns a function that
// removes it. fn runs on the goroutine that caused the transition and must
// not block.
func (m *Monitor) Subscribe(fn func(Transition, State)) (unsubscribe func()) {
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

// OnOnline registers fn for BecameOnline transitions only.
func (m *Monitor) OnOnline(fn func()) (unsubscribe func()) {
	return m.Subscribe(func(t Transition, _ State) {
		if t == BecameOnline {
			fn()
		}
	})
}
