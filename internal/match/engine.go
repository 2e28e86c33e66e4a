// Package match records swipes and promotes mutual likes into a match plus
// its conversation.
package match

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

const (
	defaultCandidateLimit = 20
	maxCandidateLimit     = 100
)

// Store is the swipe and match persistence the engine needs.
type Store interface {
	InsertSwipe(ctx context.Context, sw *data.Swipe) error
	GetSwipe(ctx context.Context, from, to string) (*data.Swipe, error)
	SwipedUserIDs(ctx context.Context, userID string) ([]string, error)
	CreateMatch(ctx context.Context, m *data.Match, conv *data.Conversation) error
	FindMatchByPair(ctx context.Context, a, b string) (*data.Match, error)
	GetMatch(ctx context.Context, id string) (*data.Match, error)
	DeactivateMatch(ctx context.Context, id, by string, at time.Time) (bool, error)
	ListActiveMatches(ctx context.Context, userID string) ([]*data.Match, error)
	GetConversationByMatch(ctx context.Context, matchID string) (*data.Conversation, error)
}

// Users is the user and block persistence the engine needs.
type Users interface {
	GetUser(ctx context.Context, id string) (*data.User, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	InsertBlock(ctx context.Context, b *data.Block) error
	BlockedUserIDs(ctx context.Context, userID string) ([]string, error)
	ListCandidates(ctx context.Context, exclude []string, limit int) ([]*data.User, error)
}

// Notifier delivers an event to every session of a user.
type Notifier interface {
	SendToUser(userID string, ev realtime.Event) int
}

// SwipeResult is returned by RecordSwipe.
type SwipeResult struct {
	Created        bool   `json:"created"`
	IsMatch        bool   `json:"isMatch"`
	MatchID        string `json:"matchId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// Summary describes one active match from a user's point of view.
type Summary struct {
	MatchID        string    `json:"matchId"`
	ConversationID string    `json:"conversationId"`
	PartnerID      string    `json:"partnerId"`
	PartnerWallet  string    `json:"partnerWallet,omitempty"`
	MatchedAt      time.Time `json:"matchedAt"`
}

// Candidate is a user offered for swiping.
type Candidate struct {
	UserID   string `json:"userId"`
	Wallet   string `json:"wallet"`
	Verified bool   `json:"verified"`
}

type Options struct {
	// RequireVerified refuses swipes from users who have not paid the
	// verification fee.
	RequireVerified bool
}

type Engine struct {
	store    Store
	users    Users
	notifier Notifier
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewEngine(store Store, users Users, notifier Notifier, opts Options, log *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:    store,
		users:    users,
		notifier: notifier,
		opts:     opts,
		log:      logger.OrNop(log),
		metrics:  metrics.OrNew(m),
		now:      time.Now,
	}
}

// RecordSwipe stores from's decision about to. A decision is final: a second
// swipe on the same user is a conflict. When a like completes a mutual pair
// the match and conversation are created; if a concurrent request created them
// first, that match is returned instead.
func (e *Engine) RecordSwipe(ctx context.Context, from, to string, action data.SwipeAction) (SwipeResult, error) {
	if !action.Valid() {
		return SwipeResult{}, apperr.Validation("action must be LIKE or PASS")
	}
	if from == "" || to == "" {
		return SwipeResult{}, apperr.Validation("user ids are required")
	}
	if from == to {
		return SwipeResult{}, apperr.Validation("cannot swipe on yourself")
	}

	if e.opts.RequireVerified {
		me, err := e.users.GetUser(ctx, from)
		if err != nil {
			return SwipeResult{}, storeErr("load user", err)
		}
		if !me.Verified {
			return SwipeResult{}, apperr.Forbidden("account verification required")
		}
	}

	if _, err := e.users.GetUser(ctx, to); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return SwipeResult{}, apperr.NotFound("user not found")
		}
		return SwipeResult{}, storeErr("load target", err)
	}
	blocked, err := e.users.IsBlocked(ctx, from, to)
	if err != nil {
		return SwipeResult{}, storeErr("check block", err)
	}
	if blocked {
		return SwipeResult{}, apperr.Forbidden("user is not available")
	}

	now := e.now().UTC().Truncate(time.Millisecond)
	sw := &data.Swipe{ID: uuid.NewString(), FromUser: from, ToUser: to, Action: action, CreatedAt: now}
	if err := e.store.InsertSwipe(ctx, sw); err != nil {
		if errors.Is(err, data.ErrSwipeExists) {
			return SwipeResult{}, apperr.Conflict("already decided")
		}
		return SwipeResult{}, storeErr("insert swipe", err)
	}
	e.metrics.Swipes.WithLabelValues(string(action)).Inc()

	res := SwipeResult{Created: true}
	if action != data.ActionLike {
		return res, nil
	}

	reverse, err := e.store.GetSwipe(ctx, to, from)
	if errors.Is(err, data.ErrNotFound) {
		return res, nil
	}
	if err != nil {
		return SwipeResult{}, storeErr("load reverse swipe", err)
	}
	if reverse.Action != data.ActionLike {
		return res, nil
	}

	m, conv, created, err := e.createMatch(ctx, from, to, now)
	if err != nil {
		return SwipeResult{}, err
	}
	res.IsMatch = true
	res.MatchID = m.ID
	res.ConversationID = conv.ID

	if created {
		e.metrics.MatchesCreated.Inc()
		e.log.Info("match created",
			zap.String("match_id", m.ID),
			zap.String("conversation_id", conv.ID),
		)
		e.notifyMatch(m, conv)
	}
	return res, nil
}

// createMatch inserts the canonical match. Losing the unique-pair race is not
// an error: the winner's match is read back and returned with created=false.
func (e *Engine) createMatch(ctx context.Context, a, b string, now time.Time) (*data.Match, *data.Conversation, bool, error) {
	ua, ub := data.CanonicalPair(a, b)
	m := &data.Match{ID: uuid.NewString(), UserA: ua, UserB: ub, MatchedAt: now, IsActive: true}
	conv := &data.Conversation{ID: uuid.NewString(), MatchID: m.ID, UserA: ua, UserB: ub, CreatedAt: now}

	err := e.store.CreateMatch(ctx, m, conv)
	if err == nil {
		return m, conv, true, nil
	}
	if !errors.Is(err, data.ErrMatchExists) {
		return nil, nil, false, storeErr("create match", err)
	}

	existing, err := e.store.FindMatchByPair(ctx, ua, ub)
	if err != nil {
		return nil, nil, false, storeErr("load existing match", err)
	}
	existingConv, err := e.store.GetConversationByMatch(ctx, existing.ID)
	if err != nil {
		return nil, nil, false, storeErr("load existing conversation", err)
	}
	return existing, existingConv, false, nil
}

func (e *Engine) notifyMatch(m *data.Match, conv *data.Conversation) {
	if e.notifier == nil {
		return
	}
	for _, uid := range []string{m.UserA, m.UserB} {
		e.notifier.SendToUser(uid, realtime.Event{
			Type: realtime.EventMatchNew,
			Payload: realtime.MatchNewPayload{
				MatchID:        m.ID,
				ConversationID: conv.ID,
				PartnerID:      m.Other(uid),
				MatchedAt:      m.MatchedAt,
			},
		})
	}
}

// Unmatch soft-deletes a match the caller is part of. Swipe history stays, so
// the pair cannot match again.
func (e *Engine) Unmatch(ctx context.Context, userID, matchID string) error {
	m, err := e.store.GetMatch(ctx, matchID)
	if errors.Is(err, data.ErrNotFound) {
		return apperr.NotFound("match not found")
	}
	if err != nil {
		return storeErr("load match", err)
	}
	if !m.Has(userID) {
		return apperr.NotFound("match not found")
	}
	changed, err := e.store.DeactivateMatch(ctx, m.ID, userID, e.now().UTC())
	if err != nil {
		return storeErr("deactivate match", err)
	}
	if !changed {
		return apperr.Conflict("match already ended")
	}
	e.log.Info("match ended", zap.String("match_id", m.ID), zap.String("by", userID))
	return nil
}

// Block records that blocker no longer wants contact with blocked and ends
// any active match between them.
func (e *Engine) Block(ctx context.Context, blocker, blocked string) error {
	if blocker == blocked {
		return apperr.Validation("cannot block yourself")
	}
	if _, err := e.users.GetUser(ctx, blocked); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return apperr.NotFound("user not found")
		}
		return storeErr("load user", err)
	}

	err := e.users.InsertBlock(ctx, &data.Block{Blocker: blocker, Blocked: blocked, CreatedAt: e.now().UTC()})
	if err != nil && !errors.Is(err, data.ErrBlockExists) {
		return storeErr("insert block", err)
	}

	m, err := e.store.FindMatchByPair(ctx, blocker, blocked)
	if errors.Is(err, data.ErrNotFound) {
		return nil
	}
	if err != nil {
		return storeErr("load match", err)
	}
	if m.IsActive {
		if _, err := e.store.DeactivateMatch(ctx, m.ID, blocker, e.now().UTC()); err != nil {
			return storeErr("deactivate match", err)
		}
	}
	return nil
}

// ListMatches returns the caller's active matches.
func (e *Engine) ListMatches(ctx context.Context, userID string) ([]Summary, error) {
	matches, err := e.store.ListActiveMatches(ctx, userID)
	if err != nil {
		return nil, storeErr("list matches", err)
	}
	out := make([]Summary, 0, len(matches))
	for _, m := range matches {
		s := Summary{MatchID: m.ID, PartnerID: m.Other(userID), MatchedAt: m.MatchedAt}
		if conv, err := e.store.GetConversationByMatch(ctx, m.ID); err == nil {
			s.ConversationID = conv.ID
		}
		if u, err := e.users.GetUser(ctx, s.PartnerID); err == nil {
			s.PartnerWallet = u.Wallet
		}
		out = append(out, s)
	}
	return out, nil
}

// Candidates returns users the caller has not decided on and has no block
// with.
func (e *Engine) Candidates(ctx context.Context, userID string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}
	if limit > maxCandidateLimit {
		limit = maxCandidateLimit
	}

	swiped, err := e.store.SwipedUserIDs(ctx, userID)
	if err != nil {
		return nil, storeErr("load swipes", err)
	}
	blocked, err := e.users.BlockedUserIDs(ctx, userID)
	if err != nil {
		return nil, storeErr("load blocks", err)
	}
	exclude := append([]string{userID}, swiped...)
	exclude = append(exclude, blocked...)

	users, err := e.users.ListCandidates(ctx, exclude, limit)
	if err != nil {
		return nil, storeErr("list candidates", err)
	}
	out := make([]Candidate, 0, len(users))
	for _, u := range users {
		out = append(out, Candidate{UserID: u.ID, Wallet: u.Wallet, Verified: u.Verified})
	}
	return out, nil
}

func storeErr(op string, err error) error {
	return apperr.Internal(op+" failed", err)
}
