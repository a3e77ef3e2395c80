package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 256
	pingInterval = 54 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	maxMessage   = 64 << 10
)

var (
	errSocketClosed = errors.New("socket closed")
	errSocketSlow   = errors.New("socket send buffer full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the HTTP layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSocket is a Socket over a gorilla connection. Writes go through a
// buffered channel drained by writePump; a client that lets the buffer
// fill is disconnected.
type wsSocket struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	// closeCode is set before done is closed.
	closeCode int
}

func (s *wsSocket) ID() string { return s.id }

func (s *wsSocket) Send(msg Outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSocketClosed
	default:
	}
	select {
	case s.send <- b:
		return nil
	case <-s.done:
		return errSocketClosed
	default:
		s.closeWith(websocket.CloseTryAgainLater)
		return errSocketSlow
	}
}

func (s *wsSocket) Close() {
	s.closeWith(websocket.CloseNormalClosure)
}

func (s *wsSocket) closeWith(code int) {
	s.once.Do(func() {
		s.closeCode = code
		close(s.done)
	})
}

// ServeWS upgrades the request and runs a socket on kind until either side
// closes it.
func (h *Hub) ServeWS(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		s := &wsSocket{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
			done: make(chan struct{}),
		}
		log := h.log.With(zap.String("socket", s.id), zap.String("channel", string(kind)))
		log.Debug("ws connected", zap.String("remote", conn.RemoteAddr().String()))

		go s.writePump()
		if !h.Attach(kind, s) {
			return
		}
		go h.readPump(context.WithoutCancel(r.Context()), kind, s, log)
	}
}

func (h *Hub) readPump(ctx context.Context, kind Kind, s *wsSocket, log *zap.Logger) {
	defer func() {
		h.Detach(s)
		s.Close()
		log.Debug("ws disconnected")
	}()

	s.conn.SetReadLimit(maxMessage)
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("ws read error", zap.Error(err))
			}
			return
		}
		h.Handle(ctx, kind, s, message)
	}
}

func (s *wsSocket) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.Close()
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}

		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			reason := ""
			if s.closeCode == websocket.CloseNormalClosure {
				// Flush what was queued before the close, e.g. a configuration error.
				for n := len(s.send); n > 0; n-- {
					if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
						return
					}
				}
			} else {
				reason = errSocketSlow.Error()
			}
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, reason))
			return
		}
	}
}
