package rtclient

import (
	"slices"
	"strings"
	"sync"

	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

// Timeline is a client side view of one conversation. Messages arrive from
// realtime events and from polling, possibly more than once; the timeline
// keeps one copy per id in (SentAt, ID) order.
type Timeline struct {
	mu   sync.Mutex
	byID map[string]*data.Message
	msgs []*data.Message
}

func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[string]*data.Message)}
}

func compareMessages(a, b *data.Message) int {
	if c := a.SentAt.Compare(b.SentAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// Merge adds unseen messages and reports how many were new. A known id only
// picks up a read receipt it did not have yet.
func (t *Timeline) Merge(msgs ...*data.Message) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	added := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		if have, ok := t.byID[m.ID]; ok {
			if have.ReadAt == nil && m.ReadAt != nil {
				at := *m.ReadAt
				have.ReadAt = &at
			}
			continue
		}
		cp := *m
		t.byID[m.ID] = &cp
		i, _ := slices.BinarySearchFunc(t.msgs, &cp, compareMessages)
		t.msgs = slices.Insert(t.msgs, i, &cp)
		added++
	}
	return added
}

// MarkRead records a read receipt for a known message.
func (t *Timeline) MarkRead(p realtime.MessageReadPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byID[p.MessageID]
	if !ok || m.ReadAt != nil {
		return false
	}
	at := p.ReadAt
	m.ReadAt = &at
	return true
}

// Messages returns a chronological copy.
func (t *Timeline) Messages() []*data.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*data.Message, len(t.msgs))
	for i, m := range t.msgs {
		cp := *m
		out[i] = &cp
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
