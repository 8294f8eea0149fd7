package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"docsync/internal/middleware"
	"docsync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 54 * time.Second
)

// Session is the websocket-backed Transport for one connection. Outbound
// messages go through a buffered channel so one slow client never blocks a
// broadcast; a full buffer is reported as a delivery failure and the
// broadcaster disconnects the connection.
type Session struct {
	ConnID string
	conn   *websocket.Conn
	ctrl   *Controller
	send   chan *models.ServerMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps an upgraded websocket connection.
func NewSession(connID string, conn *websocket.Conn, ctrl *Controller, buffer int) *Session {
	return &Session{
		ConnID: connID,
		conn:   conn,
		ctrl:   ctrl,
		send:   make(chan *models.ServerMessage, buffer),
		closed: make(chan struct{}),
	}
}

// Send enqueues a message for the write pump. It never blocks: a closed or
// saturated transport returns an error instead.
func (s *Session) Send(msg *models.ServerMessage) error {
	select {
	case <-s.closed:
		return errors.New("transport closed")
	default:
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close shuts the transport down. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
	return nil
}

// ReadPump reads inbound events until the transport dies, then runs the
// disconnect path. Each session has its own reading goroutine.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.ctrl.Disconnect(s.ConnID)
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(readDeadline))
		s.ctrl.Touch(s.ConnID)
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on %s: %v", s.ConnID, err)
			}
			return
		}

		var ev models.ClientEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			// Malformed frames get an error reply and nothing else.
			_ = s.Send(models.NewServerMessage(models.MessageError, "",
				models.ErrorPayload{Code: "bad_request", Message: "invalid JSON"}))
			continue
		}

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessEvent",
			attribute.String("connection.id", s.ConnID),
			attribute.String("event.kind", string(ev.Kind)),
			attribute.Int("message.size", len(raw)),
		)
		if err := s.ctrl.HandleEvent(msgCtx, s.ConnID, &ev); err != nil {
			middleware.AddSpanError(msgCtx, err)
			span.End()
			return
		}
		span.End()
	}
}

// WritePump drains the send channel to the websocket and keeps the
// connection alive with pings. A separate goroutine per session prevents a
// slow write from blocking reads.
func (s *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()

	for {
		select {
		case <-s.closed:
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
