package rtclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

type tokenAuthn map[string]auth.Identity

func (f tokenAuthn) Authenticate(token string) (auth.Identity, error) {
	id, ok := f[token]
	if !ok {
		return auth.Identity{}, errors.New("bad token")
	}
	return id, nil
}

type allowAll struct{}

func (allowAll) CanJoin(context.Context, auth.Identity, string) (bool, error) { return true, nil }

func startHub(t *testing.T) (*realtime.Hub, string) {
	t.Helper()
	hub := realtime.NewHub(tokenAuthn{"tok": {UserID: "alice", Wallet: "wa"}}, allowAll{}, nil, realtime.Config{}, nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Shutdown)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type recorder struct {
	mu     sync.Mutex
	events []realtime.Frame
	states []bool
}

func (r *recorder) onEvent(f realtime.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, f)
}

func (r *recorder) onState(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, up)
}

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.events {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) stateLog() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func runClient(t *testing.T, c *Client) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}

func TestClientRejoinsRoomsAfterReconnect(t *testing.T) {
	hub, url := startHub(t)
	rec := &recorder{}
	c := New(Options{URL: url, Token: "tok", MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond,
		OnEvent: rec.onEvent, OnState: rec.onState})
	require.NoError(t, c.Join("conversation:C"))
	done := runClient(t, c)

	require.Eventually(t, func() bool { return rec.count(realtime.EventRoomJoined) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.Connected())

	// going away is not final
	hub.Shutdown()

	require.Eventually(t, func() bool { return rec.count(realtime.EventRoomJoined) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, rec.count(realtime.EventAuthenticated))
	assert.Equal(t, []bool{true, false, true}, rec.stateLog())

	sent := hub.Broadcast("conversation:C", realtime.Event{Type: realtime.EventPong}, "")
	assert.Equal(t, 1, sent)

	require.NoError(t, c.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Eventually(t, func() bool { return hub.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientLeaveForgetsRoom(t *testing.T) {
	_, url := startHub(t)
	rec := &recorder{}
	c := New(Options{URL: url, Token: "tok", OnEvent: rec.onEvent})
	runClient(t, c)
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Join("conversation:C"))
	require.NoError(t, c.Join("conversation:D"))
	require.NoError(t, c.Leave("conversation:C"))
	assert.Equal(t, []string{"conversation:D"}, c.Rooms())
	require.Eventually(t, func() bool { return rec.count(realtime.EventRoomLeft) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Ping())
	require.Eventually(t, func() bool { return rec.count(realtime.EventPong) == 1 }, 2*time.Second, 5*time.Millisecond)
	_ = c.Close()
}

func TestClientStopsOnCredentialClose(t *testing.T) {
	_, url := startHub(t)
	rec := &recorder{}
	c := New(Options{URL: url, Token: "forged", MinBackoff: time.Millisecond, OnEvent: rec.onEvent})

	select {
	case err := <-runClient(t, c):
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrGaveUp)
	case <-time.After(2 * time.Second):
		t.Fatal("client kept reconnecting with an invalid credential")
	}
	assert.Equal(t, 1, rec.count(realtime.EventError))
	assert.False(t, c.Connected())
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()

	c := New(Options{URL: url, Token: "tok", MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	select {
	case err := <-runClient(t, c):
		assert.ErrorIs(t, err, ErrGaveUp)
	case <-time.After(2 * time.Second):
		t.Fatal("client did not give up")
	}
}

func TestClientRunStopsWithContext(t *testing.T) {
	_, url := startHub(t)
	c := New(Options{URL: url, Token: "tok"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run ignored cancellation")
	}
}

func TestShouldReconnect(t *testing.T) {
	assert.False(t, ShouldReconnect(realtime.CloseNormal))
	assert.False(t, ShouldReconnect(realtime.CloseMissingCredential))
	assert.False(t, ShouldReconnect(realtime.CloseInvalidCredential))
	assert.True(t, ShouldReconnect(realtime.CloseGoingAway))
	assert.True(t, ShouldReconnect(1006))
	assert.True(t, ShouldReconnect(1011))
}

func TestBackoff(t *testing.T) {
	lo, hi := 100*time.Millisecond, time.Second
	for n, want := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 3: 400 * time.Millisecond, 5: time.Second, 20: time.Second} {
		for i := 0; i < 20; i++ {
			d := Backoff(n, lo, hi)
			assert.GreaterOrEqual(t, d, want/2, "attempt %d", n)
			assert.LessOrEqual(t, d, want, "attempt %d", n)
		}
	}
}
