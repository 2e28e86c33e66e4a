package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
)

type fakeAuthn map[string]auth.Identity

func (f fakeAuthn) Authenticate(token string) (auth.Identity, error) {
	id, ok := f[token]
	if !ok {
		return auth.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type fakeAuthz struct {
	mu      sync.Mutex
	allowed map[string]bool // userID|room
	fail    bool
}

func (f *fakeAuthz) CanJoin(_ context.Context, id auth.Identity, room string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return false, errors.New("store down")
	}
	return f.allowed[id.UserID+"|"+room], nil
}

func newTestHub(t *testing.T) (*Hub, *fakeAuthz, *httptest.Server) {
	t.Helper()
	authz := &fakeAuthz{allowed: map[string]bool{
		"alice|conversation:C": true,
		"bob|conversation:C":   true,
	}}
	authn := fakeAuthn{
		"tok-alice": {UserID: "alice", Wallet: "wa"},
		"tok-bob":   {UserID: "bob", Wallet: "wb"},
		"tok-eve":   {UserID: "eve", Wallet: "we"},
	}
	h := NewHub(authn, authz, nil, Config{}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return h, authz, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

// readUntil skips events until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		f := readEvent(t, conn)
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s event received", typ)
	return Frame{}
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, _ := json.Marshal(payload)
	require.NoError(t, conn.WriteJSON(Frame{Type: typ, Payload: b}))
}

func closeCode(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

func TestServeWSMissingCredential(t *testing.T) {
	h, _, srv := newTestHub(t)
	conn := dial(t, srv, "")

	f := readEvent(t, conn)
	assert.Equal(t, EventError, f.Type)
	assert.Equal(t, CloseMissingCredential, closeCode(t, conn))
	assert.Zero(t, h.SessionCount())
}

func TestServeWSInvalidCredential(t *testing.T) {
	h, _, srv := newTestHub(t)
	conn := dial(t, srv, "forged")

	f := readEvent(t, conn)
	assert.Equal(t, EventError, f.Type)
	assert.Equal(t, CloseInvalidCredential, closeCode(t, conn))
	assert.Zero(t, h.SessionCount())
	assert.Empty(t, h.rooms.Members(UserRoom("forged")))
}

func TestServeWSAuthenticatedAndJoin(t *testing.T) {
	h, _, srv := newTestHub(t)
	alice := dial(t, srv, "tok-alice")
	bob := dial(t, srv, "tok-bob")

	f := readEvent(t, alice)
	require.Equal(t, EventAuthenticated, f.Type)
	var ap AuthenticatedPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ap))
	assert.Equal(t, "alice", ap.Identity.UserID)
	readUntil(t, bob, EventAuthenticated)

	send(t, alice, FrameJoin, RoomPayload{Room: "conversation:C"})
	readUntil(t, alice, EventRoomJoined)
	send(t, bob, FrameJoin, RoomPayload{Room: "conversation:C"})
	readUntil(t, bob, EventRoomJoined)

	n := h.Broadcast(ConversationRoom("C"), Event{Type: EventMessageNew, Payload: map[string]string{"conversationId": "C"}}, "")
	assert.Equal(t, 2, n)
	readUntil(t, alice, EventMessageNew)
	readUntil(t, bob, EventMessageNew)

	send(t, alice, FrameLeave, RoomPayload{Room: "conversation:C"})
	readUntil(t, alice, EventRoomLeft)
	assert.Len(t, h.rooms.Members(ConversationRoom("C")), 1)
}

func TestServeWSUnauthorizedJoinKeepsConnection(t *testing.T) {
	h, authz, srv := newTestHub(t)
	eve := dial(t, srv, "tok-eve")
	readUntil(t, eve, EventAuthenticated)

	send(t, eve, FrameJoin, RoomPayload{Room: "conversation:C"})
	f := readUntil(t, eve, EventError)
	var ep ErrorPayload
	require.NoError(t, json.Unmarshal(f.Payload, &ep))
	assert.Equal(t, "conversation:C", ep.Room)
	assert.Empty(t, h.rooms.Members(ConversationRoom("C")))

	authz.mu.Lock()
	authz.fail = true
	authz.mu.Unlock()
	send(t, eve, FrameJoin, RoomPayload{Room: "conversation:C"})
	readUntil(t, eve, EventError)

	// still open
	send(t, eve, FramePing, struct{}{})
	readUntil(t, eve, EventPong)
}

func TestServeWSMalformedFrames(t *testing.T) {
	_, _, srv := newTestHub(t)
	conn := dial(t, srv, "tok-alice")
	readUntil(t, conn, EventAuthenticated)

	for _, raw := range []string{"not json", `{"type":""}`, `{"type":"join"}`, `{"type":"dance"}`, `{"type":"join","payload":{"room":"nocolon"}}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
		f := readEvent(t, conn)
		assert.Equal(t, EventError, f.Type, raw)
	}
	send(t, conn, FramePing, struct{}{})
	readUntil(t, conn, EventPong)
}

func TestServeWSDisconnectCleansRooms(t *testing.T) {
	h, _, srv := newTestHub(t)
	conn := dial(t, srv, "tok-alice")
	readUntil(t, conn, EventAuthenticated)
	send(t, conn, FrameJoin, RoomPayload{Room: "conversation:C"})
	readUntil(t, conn, EventRoomJoined)
	require.Equal(t, 1, h.SessionCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return h.SessionCount() == 0 &&
			len(h.rooms.Members(ConversationRoom("C"))) == 0 &&
			len(h.rooms.Members(UserRoom("alice"))) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendToUserReachesEveryDevice(t *testing.T) {
	h, _, srv := newTestHub(t)
	phone := dial(t, srv, "tok-alice")
	laptop := dial(t, srv, "tok-alice")
	readUntil(t, phone, EventAuthenticated)
	readUntil(t, laptop, EventAuthenticated)

	require.Eventually(t, func() bool { return len(h.rooms.Members(UserRoom("alice"))) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.SendToUser("alice", Event{Type: EventMatchNew, Payload: MatchNewPayload{MatchID: "m"}}))
	readUntil(t, phone, EventMatchNew)
	readUntil(t, laptop, EventMatchNew)
}

func TestShutdownClosesWithGoingAway(t *testing.T) {
	h, _, srv := newTestHub(t)
	conn := dial(t, srv, "tok-alice")
	readUntil(t, conn, EventAuthenticated)

	h.Shutdown()
	assert.Equal(t, CloseGoingAway, closeCode(t, conn))
}

func TestBroadcastSkipsStalledMember(t *testing.T) {
	h := NewHub(fakeAuthn{}, &fakeAuthz{}, nil, Config{SendBuffer: 1}, nil, nil)

	// sessions without a writer: their buffers only drain when read here
	stalled := newSession(h, nil, auth.Identity{UserID: "s"})
	healthy := newSession(h, nil, auth.Identity{UserID: "h"})
	origin := newSession(h, nil, auth.Identity{UserID: "o"})
	for _, s := range []*Session{stalled, healthy, origin} {
		h.register(s)
		h.rooms.Join("conversation:C", s.id)
	}
	require.True(t, stalled.enqueue([]byte("filler")))

	start := time.Now()
	n := h.Broadcast("conversation:C", Event{Type: EventMessageNew}, origin.id)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 1, n)

	select {
	case b := <-healthy.send:
		assert.Contains(t, string(b), EventMessageNew)
	default:
		t.Fatal("healthy member did not receive the event")
	}
	assert.Empty(t, origin.send, "originating session must be skipped")
}

func TestClosedSessionRejectsEnqueue(t *testing.T) {
	h := NewHub(fakeAuthn{}, &fakeAuthz{}, nil, Config{}, nil, nil)
	s := newSession(h, nil, auth.Identity{UserID: "u"})
	s.Close(CloseNormal, "")
	s.Close(CloseNormal, "") // idempotent
	assert.False(t, s.enqueue([]byte("x")))
}

func TestReadEndCode(t *testing.T) {
	// the peer's own close is echoed as a normal close
	assert.Equal(t, CloseNormal, readEndCode(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, CloseNormal, readEndCode(&websocket.CloseError{Code: websocket.CloseGoingAway}))

	// a missed pong or a dropped connection must not look final to the client
	assert.Equal(t, CloseGoingAway, readEndCode(errors.New("i/o timeout")))
	assert.Equal(t, CloseGoingAway, readEndCode(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
}
