// Package events fans queue status, connectivity transitions and operation
// outcomes out to NATS.
//
// Subjects, under a configurable prefix (default "todosync"):
//
//	{prefix}.queue.status
//	{prefix}.connectivity.online
//	{prefix}.connectivity.offline
//	{prefix}.operations.{operation_id}.applied
//	{prefix}.operations.{operation_id}.retrying
//	{prefix}.operations.{operation_id}.evicted
//
// Every message is a JSON Event envelope.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/config"
	"github.com/fyrsmithlabs/todosync/internal/connectivity"
	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/fyrsmithlabs/todosync/internal/syncengine"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeQueueStatus  = "queue.status"
	TypeConnectivity = "connectivity"
	TypeOutcome      = "operation"
)

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("events: publisher closed")

// Event is the envelope of every published message.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Subject string          `json:"subject"`
	Time    time.Time       `json:"time"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// StatusSource publishes queue status. *queue.Manager implements it.
type StatusSource interface {
	Subscribe(fn func(queue.QueueStatus)) (unsubscribe func())
}

// TransitionSource publishes connectivity transitions.
// *connectivity.Monitor implements it.
type TransitionSource interface {
	Subscribe(fn func(connectivity.Transition, connectivity.State)) (unsubscribe func())
}

// OutcomeSource publishes operation outcomes. *syncengine.Engine
// implements it.
type OutcomeSource interface {
	OnOutcome(fn func(syncengine.Outcome)) (unsubscribe func())
}

// NATSPublisher publishes events to a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// Connect dials the configured NATS server. The returned publisher owns the
// connection and drains it on Close.
func Connect(cfg config.EventsConfig, logger *zap.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("todosync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", cfg.NATSURL, err)
	}
	p := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "todosync"
	}
	return &NATSPublisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

// Conn returns the underlying connection.
func (p *NATSPublisher) Conn() *nats.Conn {
	return p.nc
}

// Subject joins parts under the prefix.
func (p *NATSPublisher) Subject(parts ...string) string {
	return p.prefix + "." + strings.Join(parts, ".")
}

// Wildcard matches every subject the publisher writes.
func (p *NATSPublisher) Wildcard() string {
	return p.prefix + ".>"
}

// PublishStatus publishes a queue status snapshot.
func (p *NATSPublisher) PublishStatus(s queue.QueueStatus) error {
	return p.publish(p.Subject("queue", "status"), TypeQueueStatus, s)
}

// PublishConnectivity publishes a connectivity transition.
func (p *NATSPublisher) PublishConnectivity(t connectivity.Transition, s connectivity.State) error {
	return p.publish(p.Subject("connectivity", t.String()), TypeConnectivity, s)
}

// PublishOutcome publishes one operation attempt outcome.
func (p *NATSPublisher) PublishOutcome(o syncengine.Outcome) error {
	return p.publish(p.Subject("operations", o.Operation.ID, string(o.Kind)), TypeOutcome, o)
}

func (p *NATSPublisher) publish(subject, typ string, payload any) error {
	if p.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		Published.WithLabelValues(typ, "error").Inc()
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	raw, err := json.Marshal(Event{
		ID:      uuid.NewString(),
		Type:    typ,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	})
	if err != nil {
		Published.WithLabelValues(typ, "error").Inc()
		return fmt.Errorf("marshal %s event: %w", typ, err)
	}
	if err := p.nc.Publish(subject, raw); err != nil {
		Published.WithLabelValues(typ, "error").Inc()
		return fmt.Errorf("publish %s event: %w", typ, err)
	}
	Published.WithLabelValues(typ, "ok").Inc()
	return nil
}

// Attach forwards every status, transition and outcome from the given
// sources. Nil sources are skipped. Publish failures are logged, never
// returned to the source. The returned function detaches.
func (p *NATSPublisher) Attach(status StatusSource, conn TransitionSource, outcomes OutcomeSource) (detach func()) {
	var unsubs []func()
	if status != nil {
		unsubs = append(unsubs, status.Subscribe(func(s queue.QueueStatus) {
			p.logFailure(p.PublishStatus(s))
		}))
	}
	if conn != nil {
		unsubs = append(unsubs, conn.Subscribe(func(t connectivity.Transition, s connectivity.State) {
			p.logFailure(p.PublishConnectivity(t, s))
		}))
	}
	if outcomes != nil {
		unsubs = append(unsubs, outcomes.OnOutcome(func(o syncengine.Outcome) {
			p.logFailure(p.PublishOutcome(o))
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (p *NATSPublisher) logFailure(err error) {
	if err != nil && !errors.Is(err, ErrClosed) {
		p.logger.Warn("event publish failed", zap.Error(err))
	}
}

// Close flushes pending messages. An owned connection is drained and
// closed.
func (p *NATSPublisher) Close() error {
	if p.nc.IsClosed() {
		return nil
	}
	if !p.owned {
		return p.nc.Flush()
	}
	return p.nc.Drain()
}
