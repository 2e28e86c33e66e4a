// Package rtclient is the consuming side of the realtime hub: a websocket
// client that reconnects and rejoins its rooms, plus the polling fallback that
// covers the gaps while it is down.
package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

// ErrGaveUp is returned by Run once MaxAttempts consecutive connects failed.
var ErrGaveUp = errors.New("rtclient: reconnect attempts exhausted")

const writeWait = 5 * time.Second

type Options struct {
	// URL of the hub endpoint, e.g. ws://host:8080/ws.
	URL   string
	Token string

	MaxAttempts int           // consecutive failed connects before giving up
	MinBackoff  time.Duration // first retry delay
	MaxBackoff  time.Duration

	Dialer *websocket.Dialer

	// OnEvent receives every server event in arrival order. It runs on the
	// read goroutine and must not block.
	OnEvent func(realtime.Frame)
	// OnState is called with true once the hub acknowledges the credential
	// and with false when the connection drops.
	OnState func(up bool)

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	o.Log = logger.OrNop(o.Log)
	return o
}

// Client holds one websocket to the hub at a time. Rooms passed to Join are
// remembered and re-joined after every reconnect; the hub keeps nothing for
// a client that went away.
type Client struct {
	opts Options

	mu      sync.Mutex
	rooms   map[string]bool
	conn    *websocket.Conn
	up      bool
	closing bool

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	return &Client{opts: opts.withDefaults(), rooms: make(map[string]bool)}
}

// ShouldReconnect reports whether a close code allows a reconnect. A normal
// close and both credential closes are final.
func ShouldReconnect(code int) bool {
	switch code {
	case realtime.CloseNormal, realtime.CloseMissingCredential, realtime.CloseInvalidCredential:
		return false
	}
	return true
}

// Backoff returns the delay before reconnect attempt n (1-based): doubling
// from lo, capped at hi, with the upper half jittered.
func Backoff(n int, lo, hi time.Duration) time.Duration {
	d := lo
	for i := 1; i < n && d < hi; i++ {
		d *= 2
	}
	if d > hi {
		d = hi
	}
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("rtclient: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run connects and keeps the connection alive until ctx is done, Close is
// called, the hub closes with a final code, or reconnects are exhausted.
func (c *Client) Run(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	failures := 0
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			var authed bool
			authed, err = c.serve(ctx, conn)
			if authed {
				failures = 0
			}
		}
		if c.isClosing() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var ce *websocket.CloseError
		if errors.As(err, &ce) && !ShouldReconnect(ce.Code) {
			if ce.Code == realtime.CloseNormal {
				return nil
			}
			return fmt.Errorf("rtclient: closed by hub: %w", err)
		}

		failures++
		if failures >= c.opts.MaxAttempts {
			c.opts.Log.Warn("giving up on realtime", zap.Int("attempts", failures), zap.Error(err))
			return ErrGaveUp
		}
		wait := Backoff(failures, c.opts.MinBackoff, c.opts.MaxBackoff)
		c.opts.Log.Debug("realtime reconnect scheduled", zap.Int("attempt", failures), zap.Duration("in", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// serve reads conn until it fails. authed reports whether the hub accepted
// the credential on this connection.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) (authed bool, err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		conn.Close()
		return false, nil
	}
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		c.mu.Lock()
		c.conn = nil
		wasUp := c.up
		c.up = false
		c.mu.Unlock()
		if wasUp && c.opts.OnState != nil {
			c.opts.OnState(false)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return authed, err
		}
		var f realtime.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.opts.Log.Debug("dropping malformed event", zap.Error(err))
			continue
		}
		if f.Type == realtime.EventAuthenticated && !authed {
			authed = true
			c.onAuthenticated(conn)
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(f)
		}
	}
}

func (c *Client) onAuthenticated(conn *websocket.Conn) {
	c.mu.Lock()
	c.up = true
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()

	for _, r := range rooms {
		if err := c.send(conn, realtime.FrameJoin, realtime.RoomPayload{Room: r}); err != nil {
			c.opts.Log.Debug("rejoin failed", zap.String("room", r), zap.Error(err))
		}
	}
	if c.opts.OnState != nil {
		c.opts.OnState(true)
	}
}

func (c *Client) send(conn *websocket.Conn, typ string, payload any) error {
	f := realtime.Frame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		f.Payload = raw
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

// live returns the connection when the hub has acknowledged it.
func (c *Client) live() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		return nil
	}
	return c.conn
}

// Join remembers room and joins it now if connected.
func (c *Client) Join(room string) error {
	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()
	if conn := c.live(); conn != nil {
		return c.send(conn, realtime.FrameJoin, realtime.RoomPayload{Room: room})
	}
	return nil
}

// Leave forgets room and leaves it now if connected.
func (c *Client) Leave(room string) error {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
	if conn := c.live(); conn != nil {
		return c.send(conn, realtime.FrameLeave, realtime.RoomPayload{Room: room})
	}
	return nil
}

func (c *Client) Ping() error {
	conn := c.live()
	if conn == nil {
		return errors.New("rtclient: not connected")
	}
	return c.send(conn, realtime.FramePing, nil)
}

// Rooms returns the rooms the client wants to be in.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *Client) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close sends a normal close frame, which the hub treats as final, and makes
// Run return.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(realtime.CloseNormal, "bye"), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	conn.Close()
	return err
}
