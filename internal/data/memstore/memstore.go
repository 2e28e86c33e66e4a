// Package memstore is an in-process implementation of the data stores. It
// enforces the same uniqueness rules as the MongoDB indexes and is used by
// tests and by STORE_BACKEND=memory.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/swipepay/internal/data"
)

type pair struct{ a, b string }

type Store struct {
	mu sync.RWMutex

	users         map[string]*data.User
	walletIndex   map[string]string // wallet -> user id
	blocks        map[pair]*data.Block
	swipes        map[pair]*data.Swipe
	matches       map[string]*data.Match
	pairIndex     map[pair]string // canonical pair -> match id
	conversations map[string]*data.Conversation
	convByMatch   map[string]string
	messages      map[string]*data.Message
	payments      map[string]*data.Payment // signature -> what it paid for
}

func New() *Store {
	return &Store{
		users:         map[string]*data.User{},
		walletIndex:   map[string]string{},
		blocks:        map[pair]*data.Block{},
		swipes:        map[pair]*data.Swipe{},
		matches:       map[string]*data.Match{},
		pairIndex:     map[pair]string{},
		conversations: map[string]*data.Conversation{},
		convByMatch:   map[string]string{},
		messages:      map[string]*data.Message{},
		payments:      map[string]*data.Payment{},
	}
}

// ---- users ----

func (s *Store) EnsureUser(_ context.Context, wallet string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.walletIndex[wallet]; ok {
		return id, nil
	}
	u := &data.User{ID: uuid.NewString(), Wallet: wallet, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	s.walletIndex[wallet] = u.ID
	return u.ID, nil
}

func (s *Store) GetUser(_ context.Context, id string) (*data.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) IsVerified(ctx context.Context, id string) (bool, error) {
	u, err := s.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	return u.Verified, nil
}

func (s *Store) VerificationSignatureUsed(ctx context.Context, sig string) (bool, error) {
	return s.SignatureUsed(ctx, sig)
}

func (s *Store) MarkVerified(_ context.Context, id, sig string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return data.ErrNotFound
	}
	if _, spent := s.payments[sig]; spent {
		return data.ErrDuplicateSignature
	}
	s.payments[sig] = &data.Payment{Signature: sig, Purpose: data.PurposeVerify, Subject: id, UserID: id, PaidAt: at}
	u.Verified = true
	u.VerifiedSignature = &sig
	u.VerifiedAt = &at
	return nil
}

func (s *Store) ListCandidates(_ context.Context, exclude []string, limit int) ([]*data.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []*data.User
	for _, u := range s.users {
		if skip[u.ID] {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) InsertBlock(_ context.Context, b *data.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair{b.Blocker, b.Blocked}
	if _, ok := s.blocks[k]; ok {
		return data.ErrBlockExists
	}
	cp := *b
	s.blocks[k] = &cp
	return nil
}

func (s *Store) IsBlocked(_ context.Context, a, b string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ab := s.blocks[pair{a, b}]
	_, ba := s.blocks[pair{b, a}]
	return ab || ba, nil
}

func (s *Store) BlockedUserIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.blocks {
		switch userID {
		case k.a:
			ids = append(ids, k.b)
		case k.b:
			ids = append(ids, k.a)
		}
	}
	return ids, nil
}

// ---- swipes and matches ----

func (s *Store) InsertSwipe(_ context.Context, sw *data.Swipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair{sw.FromUser, sw.ToUser}
	if _, ok := s.swipes[k]; ok {
		return data.ErrSwipeExists
	}
	cp := *sw
	s.swipes[k] = &cp
	return nil
}

func (s *Store) GetSwipe(_ context.Context, from, to string) (*data.Swipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sw, ok := s.swipes[pair{from, to}]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *sw
	return &cp, nil
}

func (s *Store) SwipedUserIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.swipes {
		if k.a == userID {
			ids = append(ids, k.b)
		}
	}
	return ids, nil
}

// CreateMatch writes the match and conversation together or not at all.
func (s *Store) CreateMatch(_ context.Context, m *data.Match, conv *data.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := pair{m.UserA, m.UserB}
	if _, ok := s.pairIndex[k]; ok {
		return data.ErrMatchExists
	}
	mc, cc := *m, *conv
	s.matches[m.ID] = &mc
	s.pairIndex[k] = m.ID
	s.conversations[conv.ID] = &cc
	s.convByMatch[m.ID] = conv.ID
	return nil
}

func (s *Store) FindMatchByPair(_ context.Context, a, b string) (*data.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ua, ub := data.CanonicalPair(a, b)
	id, ok := s.pairIndex[pair{ua, ub}]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *s.matches[id]
	return &cp, nil
}

func (s *Store) GetMatch(_ context.Context, id string) (*data.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) DeactivateMatch(_ context.Context, id, by string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok || !m.IsActive {
		return false, nil
	}
	m.IsActive = false
	m.EndedAt = &at
	m.EndedBy = by
	return true, nil
}

func (s *Store) ListActiveMatches(_ context.Context, userID string) ([]*data.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*data.Match
	for _, m := range s.matches {
		if m.IsActive && m.Has(userID) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MatchedAt.After(out[j].MatchedAt) })
	return out, nil
}

func (s *Store) GetConversationByMatch(_ context.Context, matchID string) (*data.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.convByMatch[matchID]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *s.conversations[id]
	return &cp, nil
}

// ---- conversations and messages ----

func (s *Store) GetConversation(_ context.Context, id string) (*data.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListConversations(_ context.Context, userID string) ([]*data.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*data.Conversation
	for _, c := range s.conversations {
		if c.UserA == userID || c.UserB == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := activity(out[i]), activity(out[j])
		return ti.After(tj)
	})
	return out, nil
}

func activity(c *data.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *Store) TouchConversation(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil
	}
	if c.LastMessageAt == nil || at.After(*c.LastMessageAt) {
		c.LastMessageAt = &at
	}
	return nil
}

// SignatureUsed reports whether sig was spent on any purpose.
func (s *Store) SignatureUsed(_ context.Context, sig string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.payments[sig]
	return ok, nil
}

func (s *Store) InsertMessage(_ context.Context, msg *data.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.PaymentAmount > 0 {
		if _, ok := s.payments[msg.PaymentSignature]; ok {
			return data.ErrDuplicateSignature
		}
		s.payments[msg.PaymentSignature] = &data.Payment{
			Signature: msg.PaymentSignature,
			Purpose:   data.PurposeMessage,
			Subject:   msg.ID,
			UserID:    msg.SenderID,
			Lamports:  msg.PaymentAmount,
			PaidAt:    msg.SentAt,
		}
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*data.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, data.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) SetReadAt(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ReadAt != nil {
		return false, nil
	}
	m.ReadAt = &at
	return true, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, before *data.MessageCursor, limit int) ([]*data.Message, error) {
	s.mu.RLock()
	var all []*data.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		if before != nil && !before.Before(m) {
			continue
		}
		cp := *m
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	// newest first, then keep the most recent page
	sort.Slice(all, func(i, j int) bool {
		if !all[i].SentAt.Equal(all[j].SentAt) {
			return all[i].SentAt.After(all[j].SentAt)
		}
		return all[i].ID > all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}
