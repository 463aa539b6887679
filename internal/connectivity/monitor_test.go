package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type transitionLog struct {
	mu   sync.Mutex
	seen []Transition
}

func (l *transitionLog) record(t Transition, _ State) {
	l.mu.Lock()
	l.seen = append(l.seen, t)
	l.mu.Unlock()
}

func (l *transitionLog) get() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.seen...)
}

func TestMonitor_HintTransitions(t *testing.T) {
	m := NewMonitor(nil, Options{InitialHint: false}, zap.NewNop())
	log := &transitionLog{}
	m.Subscribe(log.record)

	assert.True(t, m.IsOffline())

	m.SetNetworkHint(true)
	m.SetNetworkHint(true)
	assert.True(t, m.IsOnline())
	assert.False(t, m.State().LastOnline.IsZero())

	m.SetNetworkHint(false)
	assert.True(t, m.IsOffline())

	assert.Equal(t, []Transition{BecameOnline, BecameOffline}, log.get())
}

func TestMonitor_ProbeIsAuthoritative(t *testing.T) {
	prober := NewStaticProber()
	m := NewMonitor(prober, Options{InitialHint: true}, zap.NewNop())
	log := &transitionLog{}
	m.Subscribe(log.record)
	ctx := context.Background()

	assert.True(t, m.TestConnectivity(ctx))

	prober.SetReachable(false)
	assert.False(t, m.TestConnectivity(ctx))
	assert.False(t, m.IsOnline())
	assert.False(t, m.TestConnectivity(ctx))
	st := m.State()
	assert.Equal(t, 2, st.ConsecutiveFailures)
	assert.Contains(t, st.LastError, "unreachable")

	prober.SetReachable(true)
	assert.True(t, m.TestConnectivity(ctx))
	assert.Zero(t, m.State().ConsecutiveFailures)

	assert.Equal(t, []Transition{BecameOffline, BecameOnline}, log.get())
}

func TestMonitor_CancelledCheckLeavesStateAlone(t *testing.T) {
	prober := NewStaticProber()
	m := NewMonitor(prober, Options{InitialHint: true}, zap.NewNop())
	log := &transitionLog{}
	m.Subscribe(log.record)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, m.TestConnectivity(ctx))
	assert.True(t, m.IsOnline())
	st := m.State()
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Empty(t, st.LastError)
	assert.True(t, st.LastProbe.IsZero())
	assert.Empty(t, log.get())

	assert.True(t, m.TestConnectivity(context.Background()))
	assert.Empty(t, log.get())
}

func TestMonitor_OfflineHintSkipsProbe(t *testing.T) {
	prober := NewStaticProber()
	m := NewMonitor(prober, Options{InitialHint: false}, zap.NewNop())

	assert.False(t, m.TestConnectivity(context.Background()))
	assert.Zero(t, prober.Calls())
}

func TestMonitor_OnOnlineOnlyFiresForOnline(t *testing.T) {
	m := NewMonitor(nil, Options{InitialHint: true}, zap.NewNop())
	fired := 0
	unsubscribe := m.OnOnline(func() { fired++ })

	m.SetNetworkHint(false)
	assert.Equal(t, 0, fired)
	m.SetNetworkHint(true)
	assert.Equal(t, 1, fired)

	unsubscribe()
	m.SetNetworkHint(false)
	m.SetNetworkHint(true)
	assert.Equal(t, 1, fired)
}

func TestMonitor_ListenerPanicRecovered(t *testing.T) {
	m := NewMonitor(nil, Options{}, zap.NewNop())
	m.Subscribe(func(Transition, State) { panic("bad listener") })
	log := &transitionLog{}
	m.Subscribe(log.record)

	require.NotPanics(t, func() { m.SetNetworkHint(true) })
	assert.Equal(t, []Transition{BecameOnline}, log.get())
}

func TestMonitor_PeriodicProbe(t *testing.T) {
	prober := NewStaticProber()
	prober.SetReachable(false)
	m := NewMonitor(prober, Options{InitialHint: true, ProbeInterval: 10 * time.Millisecond}, zap.NewNop())
	log := &transitionLog{}
	m.Subscribe(log.record)

	m.Start(context.Background())
	defer m.Stop()

	require.Eventually(t, m.IsOffline, time.Second, 5*time.Millisecond)
	prober.SetReachable(true)
	require.Eventually(t, func() bool { return len(log.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Transition{BecameOffline, BecameOnline}, log.get())
}
