package rtclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, offset time.Duration) *data.Message {
	return &data.Message{ID: id, ConversationID: "C", SenderID: "alice", ContentType: data.ContentText, Content: id, SentAt: t0.Add(offset)}
}

func ids(msgs []*data.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestTimelineMergeDeduplicatesAndOrders(t *testing.T) {
	tl := NewTimeline()
	assert.Equal(t, 2, tl.Merge(msg("m3", 3*time.Millisecond), msg("m1", time.Millisecond)))
	// realtime and polling both deliver m3
	assert.Equal(t, 1, tl.Merge(msg("m2", 2*time.Millisecond), msg("m3", 3*time.Millisecond)))
	assert.Equal(t, 0, tl.Merge(msg("m1", time.Millisecond), nil, &data.Message{}))

	// same millisecond falls back to id order
	tl.Merge(msg("m2b", 2*time.Millisecond))
	assert.Equal(t, []string{"m1", "m2", "m2b", "m3"}, ids(tl.Messages()))
	assert.Equal(t, 4, tl.Len())
}

func TestTimelineReadReceipts(t *testing.T) {
	tl := NewTimeline()
	tl.Merge(msg("m1", 0))

	readAt := t0.Add(time.Minute)
	assert.True(t, tl.MarkRead(realtime.MessageReadPayload{ConversationID: "C", MessageID: "m1", ReadAt: readAt}))
	assert.False(t, tl.MarkRead(realtime.MessageReadPayload{ConversationID: "C", MessageID: "m1", ReadAt: readAt}))
	assert.False(t, tl.MarkRead(realtime.MessageReadPayload{ConversationID: "C", MessageID: "nope", ReadAt: readAt}))

	// a poll that carries the receipt fills it in for a message seen unread
	tl.Merge(msg("m2", time.Second))
	polled := msg("m2", time.Second)
	polled.ReadAt = &readAt
	assert.Equal(t, 0, tl.Merge(polled))
	got := tl.Messages()
	require.NotNil(t, got[1].ReadAt)
	assert.Equal(t, readAt, *got[1].ReadAt)

	// callers get copies
	got[0].Content = "changed"
	assert.Equal(t, "m1", tl.Messages()[0].Content)
}

type fakeSource struct {
	mu    sync.Mutex
	msgs  []*data.Message
	err   error
	calls atomic.Int32
}

func (f *fakeSource) LatestMessages(_ context.Context, conv string) ([]*data.Message, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]*data.Message(nil), f.msgs...), nil
}

func (f *fakeSource) set(msgs ...*data.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = msgs
}

func TestPollerInterval(t *testing.T) {
	var up atomic.Bool
	p := NewPoller(&fakeSource{}, "C", NewTimeline(), up.Load, time.Second, time.Minute, nil)
	assert.Equal(t, time.Second, p.Interval())
	up.Store(true)
	assert.Equal(t, time.Minute, p.Interval())

	p = NewPoller(&fakeSource{}, "C", NewTimeline(), nil, 0, 0, nil)
	assert.Equal(t, 3*time.Second, p.Interval())
}

func TestPollerMergesWithRealtime(t *testing.T) {
	src := &fakeSource{}
	tl := NewTimeline()
	p := NewPoller(src, "C", tl, nil, time.Second, time.Minute, nil)

	newEvent := func(m *data.Message) realtime.Frame {
		raw, _ := json.Marshal(realtime.MessageNewPayload{ConversationID: m.ConversationID, Message: m})
		return realtime.Frame{Type: realtime.EventMessageNew, Payload: raw}
	}
	assert.True(t, p.Apply(newEvent(msg("m1", 0))))
	assert.False(t, p.Apply(newEvent(msg("m1", 0))))

	other := msg("x", 0)
	other.ConversationID = "D"
	assert.False(t, p.Apply(newEvent(other)))
	assert.False(t, p.Apply(realtime.Frame{Type: realtime.EventMessageNew, Payload: json.RawMessage(`{bad`)}))

	src.set(msg("m1", 0), msg("m2", time.Second))
	n, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	raw, _ := json.Marshal(realtime.MessageReadPayload{ConversationID: "C", MessageID: "m2", ReaderID: "bob", ReadAt: t0})
	assert.True(t, p.Apply(realtime.Frame{Type: realtime.EventMessageRead, Payload: raw}))
	assert.Equal(t, []string{"m1", "m2"}, ids(tl.Messages()))
}

func TestPollerRunKeepsPollingThroughErrors(t *testing.T) {
	src := &fakeSource{err: errors.New("offline")}
	tl := NewTimeline()
	p := NewPoller(src, "C", tl, nil, 5*time.Millisecond, time.Minute, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, 2*time.Second, time.Millisecond)
	src.mu.Lock()
	src.err = nil
	src.msgs = []*data.Message{msg("m1", 0)}
	src.mu.Unlock()
	require.Eventually(t, func() bool { return tl.Len() == 1 }, 2*time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestPollerWake(t *testing.T) {
	src := &fakeSource{}
	p := NewPoller(src, "C", NewTimeline(), func() bool { return true }, time.Hour, 2*time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	p.Wake()
	require.Eventually(t, func() bool { return src.calls.Load() == 2 }, 2*time.Second, time.Millisecond)
}

func TestHTTPSource(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/v1/conversations/C/messages":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"messages":   []*data.Message{msg("m1", 0), msg("m2", time.Second)},
				"nextCursor": "abc",
			})
		case "/v1/conversations/gone/messages":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"conversation not found","kind":"NOT_FOUND"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", "tok", 25, time.Second)
	page, err := src.Page(context.Background(), "C", "cur")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "cursor=cur&limit=25", gotQuery)
	assert.Equal(t, []string{"m1", "m2"}, ids(page.Messages))
	assert.Equal(t, "abc", page.NextCursor)

	msgs, err := src.LatestMessages(context.Background(), "C")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, "limit=25", gotQuery)

	_, err = src.LatestMessages(context.Background(), "gone")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "conversation not found")

	_, err = src.LatestMessages(context.Background(), "other")
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}
