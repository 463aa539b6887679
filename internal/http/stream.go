package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/todosync/internal/queue"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	heartbeatPeriod  = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin accepts non-browser clients and pages served from the same
// host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// handleStatusStream pushes the current queue status, then every published
// status, over a websocket. Slow clients only see the latest status.
func (s *Server) handleStatusStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	updates := make(chan queue.QueueStatus, 1)
	push := func(st queue.QueueStatus) {
		for {
			select {
			case updates <- st:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	}
	unsubscribe := s.deps.Queue.Subscribe(push)
	defer unsubscribe()
	push(s.deps.Queue.Status())

	// Reads only serve control frames and detect a closed peer.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case st := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			msg := StreamMessage{Type: "status", Status: st, Timestamp: time.Now().UTC()}
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("status stream closed", zap.Error(err))
				return nil
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// handleEvents streams NATS events as Server-Sent Events. The SSE event
// name is the subject without its prefix.
func (s *Server) handleEvents(c echo.Context) error {
	if s.deps.Events == nil || s.deps.EventsSubject == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming is not enabled")
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := s.deps.Events.ChanSubscribe(s.deps.EventsSubject, msgs)
	if err != nil {
		return s.fail(err, "failed to subscribe to events")
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	if err := s.deps.Events.Flush(); err != nil {
		return s.fail(err, "failed to subscribe to events")
	}

	prefix := strings.TrimSuffix(s.deps.EventsSubject, ">")

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-msgs:
			fmt.Fprintf(w, "event: %s\n", strings.TrimPrefix(msg.Subject, prefix))
			fmt.Fprintf(w, "data: %s\n\n", msg.Data)
			w.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			w.Flush()
		case <-c.Request().Context().Done():
			return nil
		}
	}
}
