package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/normalize"
)

// Session is one authenticated websocket connection. The read loop runs on
// the ServeWS goroutine and a dedicated goroutine owns all writes.
type Session struct {
	id       string
	identity auth.Identity
	hub      *Hub
	conn     *websocket.Conn

	// send is never closed; done signals shutdown to the writer.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	closeCode int
	closeText string
}

func newSession(h *Hub, conn *websocket.Conn, id auth.Identity) *Session {
	return &Session{
		id:        newSessionID(),
		identity:  id,
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, h.cfg.SendBuffer),
		done:      make(chan struct{}),
		closeCode: CloseNormal,
	}
}

func (s *Session) ID() string              { return s.id }
func (s *Session) Identity() auth.Identity { return s.identity }

// enqueue never blocks. It reports false when the session is closing or its
// buffer is full.
func (s *Session) enqueue(b []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// Close asks the writer to send a close frame with code and stop.
func (s *Session) Close(code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode, s.closeText = code, text
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) sendError(msg, room string) {
	s.enqueue(mustEncode(Event{Type: EventError, Payload: ErrorPayload{Message: msg, Room: room}}))
}

// readEndCode picks the close code for a read loop that ended with err. Only
// a close the peer asked for is answered with CloseNormal; a timeout or a
// broken connection must leave the client free to reconnect.
func readEndCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return CloseNormal
	}
	return CloseGoingAway
}

func (s *Session) readPump() {
	code := CloseGoingAway
	defer func() {
		s.hub.unregister(s)
		s.Close(code, "")
	}()

	s.conn.SetReadLimit(s.hub.cfg.MaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.cfg.PongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.hub.log.Debug("session read ended", zap.String("session_id", s.id), zap.Error(err))
			}
			code = readEndCode(err)
			return
		}
		s.handle(raw)
	}
}

// handle processes one client frame. Bad input produces an error event and
// the connection stays open.
func (s *Session) handle(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Type == "" {
		s.sendError("malformed frame", "")
		return
	}

	switch f.Type {
	case FramePing:
		s.enqueue(mustEncode(Event{Type: EventPong, Payload: struct{}{}}))
	case FrameJoin, FrameLeave:
		var p RoomPayload
		if len(f.Payload) == 0 || json.Unmarshal(f.Payload, &p) != nil {
			s.sendError("malformed frame", "")
			return
		}
		room := normalize.Room(p.Room)
		if room == "" {
			s.sendError("room is required", "")
			return
		}
		if f.Type == FrameJoin {
			s.hub.join(s, room)
		} else {
			s.hub.leave(s, room)
		}
	default:
		s.sendError("unknown frame type", "")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.Close(CloseGoingAway, "")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.hub.cfg.WriteWait)); err != nil {
				s.Close(CloseGoingAway, "")
				return
			}
		case <-s.done:
			s.flush()
			s.mu.Lock()
			code, text := s.closeCode, s.closeText
			s.mu.Unlock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text), time.Now().Add(s.hub.cfg.WriteWait))
			return
		}
	}
}

// flush writes whatever is already queued before the close frame.
func (s *Session) flush() {
	for {
		select {
		case b := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}
