package rtclient

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

// MessageSource returns the newest page of a conversation.
type MessageSource interface {
	LatestMessages(ctx context.Context, conversationID string) ([]*data.Message, error)
}

// Poller re-reads a conversation on a timer and merges the result into a
// Timeline. It polls fast while realtime is down and slowly while it is up,
// so a message missed during a reconnect still shows up.
type Poller struct {
	src      MessageSource
	conv     string
	timeline *Timeline
	up       func() bool
	fast     time.Duration
	slow     time.Duration
	wake     chan struct{}
	log      *zap.Logger
}

// NewPoller builds a poller. up reports whether realtime is connected; a nil
// up means always down.
func NewPoller(src MessageSource, conversationID string, timeline *Timeline, up func() bool, fast, slow time.Duration, log *zap.Logger) *Poller {
	if fast <= 0 {
		fast = 3 * time.Second
	}
	if slow < fast {
		slow = 30 * time.Second
	}
	if up == nil {
		up = func() bool { return false }
	}
	return &Poller{
		src:      src,
		conv:     conversationID,
		timeline: timeline,
		up:       up,
		fast:     fast,
		slow:     slow,
		wake:     make(chan struct{}, 1),
		log:      logger.OrNop(log),
	}
}

// Interval is the wait before the next poll given the realtime state.
func (p *Poller) Interval() time.Duration {
	if p.up() {
		return p.slow
	}
	return p.fast
}

// Wake makes a running poller poll now, e.g. right after realtime dropped.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// PollOnce fetches and merges one page, returning the number of new messages.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	msgs, err := p.src.LatestMessages(ctx, p.conv)
	if err != nil {
		return 0, err
	}
	return p.timeline.Merge(msgs...), nil
}

// Run polls until ctx is done. Poll errors are logged and retried on the next
// tick.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if n, err := p.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("poll failed", zap.String("conversation_id", p.conv), zap.Error(err))
		} else if n > 0 {
			p.log.Debug("poll merged messages", zap.String("conversation_id", p.conv), zap.Int("new", n))
		}

		t := time.NewTimer(p.Interval())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-p.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

// Apply merges a realtime event for this conversation into the timeline and
// reports whether it changed anything.
func (p *Poller) Apply(f realtime.Frame) bool {
	switch f.Type {
	case realtime.EventMessageNew:
		var ev realtime.MessageNewPayload
		if err := json.Unmarshal(f.Payload, &ev); err != nil || ev.ConversationID != p.conv {
			return false
		}
		return p.timeline.Merge(ev.Message) > 0
	case realtime.EventMessageRead:
		var ev realtime.MessageReadPayload
		if err := json.Unmarshal(f.Payload, &ev); err != nil || ev.ConversationID != p.conv {
			return false
		}
		return p.timeline.MarkRead(ev)
	}
	return false
}
