package bus

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pollenisator/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var errSessionClosed = errors.New("session closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsSession writes from a single goroutine so messages to one peer keep
// their emission order.
type wsSession struct {
	id        string
	conn      *websocket.Conn
	send      chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn) *wsSession {
	return &wsSession{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *wsSession) ID() string { return s.id }

// Send queues msg. A peer too slow to drain its buffer is disconnected.
func (s *wsSession) Send(msg Message) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		_ = s.Close()
		return errors.New("send buffer full")
	}
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// ServeHTTP upgrades the request to a websocket session and feeds its frames
// to Dispatch until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	s := newWSSession(conn)
	h.Attach(s)
	go s.writePump()

	h.logger.WithFields(logger.Fields{"sid": s.id, "remote": r.RemoteAddr}).Debug("Session connected")

	defer func() {
		_ = s.Close()
		h.Detach(s.id)
		h.logger.WithFields(logger.Fields{"sid": s.id}).Debug("Session disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.WithoutCancel(r.Context())
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithFields(logger.Fields{"sid": s.id, "error": err}).Debug("Session read failed")
			}
			return
		}
		h.Dispatch(ctx, s, msg)
	}
}
