// Package realtime runs the websocket session hub: it authenticates
// connections, tracks room membership and fans events out to room members.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
)

// Authenticator resolves the credential presented on connect.
type Authenticator interface {
	Authenticate(token string) (auth.Identity, error)
}

// RoomAuthorizer decides whether an identity may join a room.
type RoomAuthorizer interface {
	CanJoin(ctx context.Context, id auth.Identity, room string) (bool, error)
}

type Config struct {
	SendBuffer       int           // queued events per session
	WriteWait        time.Duration // deadline for a single write
	PongWait         time.Duration // read deadline, extended by each pong
	PingPeriod       time.Duration // must be less than PongWait
	MaxFrameBytes    int64
	AuthorizeTimeout time.Duration
	CheckOrigin      func(r *http.Request) bool
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 8 << 10
	}
	if c.AuthorizeTimeout <= 0 {
		c.AuthorizeTimeout = 5 * time.Second
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
	return c
}

// Hub owns every live session. Sessions are indexed by id and by user so an
// event can target a room or all devices of one user.
type Hub struct {
	authn    Authenticator
	authz    RoomAuthorizer
	rooms    RoomRegistry
	cfg      Config
	upgrader websocket.Upgrader
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
}

func NewHub(authn Authenticator, authz RoomAuthorizer, rooms RoomRegistry, cfg Config, log *zap.Logger, m *metrics.Metrics) *Hub {
	cfg = cfg.withDefaults()
	if rooms == nil {
		rooms = NewMemoryRegistry()
	}
	return &Hub{
		authn: authn,
		authz: authz,
		rooms: rooms,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
		log:      logger.OrNop(log),
		metrics:  metrics.OrNew(m),
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// credential reads ?token= and falls back to a bearer header.
func credential(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// ServeWS upgrades the request and runs the session until it closes. A
// missing or invalid credential gets an error event and a close frame with a
// distinguishing code; such a connection never joins any room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	token := credential(r)
	if token == "" {
		h.reject(conn, CloseMissingCredential, "missing credential")
		return
	}
	id, err := h.authn.Authenticate(token)
	if err != nil {
		h.reject(conn, CloseInvalidCredential, "invalid credential")
		return
	}

	s := newSession(h, conn, id)
	h.register(s)
	s.enqueue(mustEncode(Event{Type: EventAuthenticated, Payload: AuthenticatedPayload{Identity: id, SessionID: s.id}}))
	h.rooms.Join(UserRoom(id.UserID), s.id)

	go s.writePump()
	s.readPump()
}

func (h *Hub) reject(conn *websocket.Conn, code int, msg string) {
	defer conn.Close()
	deadline := time.Now().Add(h.cfg.WriteWait)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, mustEncode(Event{Type: EventError, Payload: ErrorPayload{Message: msg}}))
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, msg), deadline)
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.id] = s
	if h.byUser[s.identity.UserID] == nil {
		h.byUser[s.identity.UserID] = make(map[string]*Session)
	}
	h.byUser[s.identity.UserID][s.id] = s
	h.metrics.SessionsOpen.Inc()
	h.log.Info("session opened", zap.String("session_id", s.id), zap.String("user_id", s.identity.UserID))
}

// unregister drops every trace of s. It holds no state for reconnects.
func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	_, ok := h.sessions[s.id]
	delete(h.sessions, s.id)
	if conns, found := h.byUser[s.identity.UserID]; found {
		delete(conns, s.id)
		if len(conns) == 0 {
			delete(h.byUser, s.identity.UserID)
		}
	}
	h.mu.Unlock()

	left := h.rooms.LeaveAll(s.id)
	if ok {
		h.metrics.SessionsOpen.Dec()
		h.log.Info("session closed", zap.String("session_id", s.id), zap.Int("rooms", len(left)))
	}
}

func (h *Hub) session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// Broadcast queues ev for every member of room except exceptSessionID and
// returns how many sessions accepted it. A member whose buffer is full is
// skipped; delivery to the others never waits on it.
func (h *Hub) Broadcast(room string, ev Event, exceptSessionID string) int {
	members := h.rooms.Members(room)
	if len(members) == 0 {
		return 0
	}
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("encode event", zap.String("type", ev.Type), zap.Error(err))
		return 0
	}
	h.metrics.Broadcasts.Inc()

	sent := 0
	for _, id := range members {
		if id == exceptSessionID {
			continue
		}
		s := h.session(id)
		if s == nil {
			continue
		}
		if s.enqueue(b) {
			sent++
			continue
		}
		h.metrics.DroppedSends.Inc()
		h.log.Warn("dropped event for slow session",
			zap.String("session_id", id),
			zap.String("room", room),
			zap.String("type", ev.Type),
		)
	}
	return sent
}

// SendToUser queues ev for every session of userID.
func (h *Hub) SendToUser(userID string, ev Event) int {
	return h.Broadcast(UserRoom(userID), ev, "")
}

// SessionCount returns the number of authenticated sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every session with code 1001 so clients reconnect to
// another instance.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.Close(CloseGoingAway, "server shutting down")
	}
}

// join authorizes and records a room join for s.
func (h *Hub) join(s *Session, room string) {
	if _, _, ok := ParseRoom(room); !ok {
		s.sendError("invalid room name", room)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.AuthorizeTimeout)
	defer cancel()

	allowed, err := h.authz.CanJoin(ctx, s.identity, room)
	if err != nil {
		h.log.Warn("room authorization failed", zap.String("room", room), zap.Error(err))
		s.sendError("could not join room", room)
		return
	}
	if !allowed {
		s.sendError("not authorized to join room", room)
		return
	}
	h.rooms.Join(room, s.id)
	h.metrics.RoomJoins.Inc()
	s.enqueue(mustEncode(Event{Type: EventRoomJoined, Payload: RoomPayload{Room: room}}))
}

func (h *Hub) leave(s *Session, room string) {
	h.rooms.Leave(room, s.id)
	s.enqueue(mustEncode(Event{Type: EventRoomLeft, Payload: RoomPayload{Room: room}}))
}

func mustEncode(ev Event) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		b, _ = json.Marshal(Event{Type: EventError, Payload: ErrorPayload{Message: "internal error"}})
	}
	return b
}

func newSessionID() string { return uuid.NewString() }
