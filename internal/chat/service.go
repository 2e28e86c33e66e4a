// Package chat admits messages into match conversations and pages their
// history. In paid mode every message must carry a ledger payment that has
// not been used before.
package chat

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/ledger"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
	"github.com/PaulBabatuyi/swipepay/internal/normalize"
	"github.com/PaulBabatuyi/swipepay/internal/payment"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

const (
	MaxTextRunes     = 2000
	maxPhotoURLBytes = 2048

	DefaultPageSize = 50
	MaxPageSize     = 100
)

// Store is the conversation and message persistence the service needs.
type Store interface {
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
	GetMatch(ctx context.Context, id string) (*data.Match, error)
	ListConversations(ctx context.Context, userID string) ([]*data.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	SignatureUsed(ctx context.Context, sig string) (bool, error)
	InsertMessage(ctx context.Context, msg *data.Message) error
	GetMessage(ctx context.Context, id string) (*data.Message, error)
	SetReadAt(ctx context.Context, id string, at time.Time) (bool, error)
	ListMessages(ctx context.Context, conversationID string, before *data.MessageCursor, limit int) ([]*data.Message, error)
}

// Broadcaster fans an event out to a room.
type Broadcaster interface {
	Broadcast(room string, ev realtime.Event, exceptSessionID string) int
}

type PostRequest struct {
	ConversationID   string
	SenderID         string
	SenderWallet     string
	ContentType      data.ContentType
	Content          string
	PaymentSignature string
}

// Page is one slice of a conversation's history, oldest message first.
// NextCursor is empty when there is nothing older.
type Page struct {
	Messages   []*data.Message `json:"messages"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// ConversationView is a conversation as seen by one participant.
type ConversationView struct {
	ID            string     `json:"id"`
	MatchID       string     `json:"matchId"`
	PartnerID     string     `json:"partnerId"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
}

type Service struct {
	store       Store
	verifier    payment.Verifier
	broadcaster Broadcaster
	fees        payment.Fees
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewService(store Store, verifier payment.Verifier, broadcaster Broadcaster, fees payment.Fees, log *zap.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:       store,
		verifier:    verifier,
		broadcaster: broadcaster,
		fees:        fees,
		log:         logger.OrNop(log),
		metrics:     metrics.OrNew(m),
		now:         time.Now,
	}
}

var errConversationNotFound = apperr.NotFound("conversation not found")

// participant loads the conversation and its match, hiding conversations the
// user is not part of behind the same error as missing ones.
func (s *Service) participant(ctx context.Context, conversationID, userID string) (*data.Conversation, *data.Match, error) {
	if conversationID == "" {
		return nil, nil, apperr.Validation("conversation id is required")
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if errors.Is(err, data.ErrNotFound) {
		return nil, nil, errConversationNotFound
	}
	if err != nil {
		return nil, nil, apperr.Internal("failed to load conversation", err)
	}
	if conv.UserA != userID && conv.UserB != userID {
		return nil, nil, errConversationNotFound
	}
	m, err := s.store.GetMatch(ctx, conv.MatchID)
	if errors.Is(err, data.ErrNotFound) {
		return nil, nil, errConversationNotFound
	}
	if err != nil {
		return nil, nil, apperr.Internal("failed to load match", err)
	}
	return conv, m, nil
}

// IsParticipant reports whether userID may follow the conversation live. An
// ended match closes the room.
func (s *Service) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	_, m, err := s.participant(ctx, conversationID, userID)
	if apperr.Is(err, apperr.KindNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.IsActive, nil
}

func validateContent(ct data.ContentType, content string) (string, error) {
	switch ct {
	case data.ContentText:
		text := strings.TrimSpace(content)
		n := utf8.RuneCountInString(text)
		if n == 0 {
			return "", apperr.Validation("message content is required")
		}
		if n > MaxTextRunes {
			return "", apperr.Validation("message content exceeds 2000 characters")
		}
		return normalize.Content(text), nil
	case data.ContentPhoto:
		raw := strings.TrimSpace(content)
		if raw == "" || len(raw) > maxPhotoURLBytes {
			return "", apperr.Validation("photo url is required")
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return "", apperr.Validation("photo must be an https url")
		}
		return raw, nil
	default:
		return "", apperr.Validation("content type must be TEXT or PHOTO")
	}
}

// PostMessage admits one message. In paid mode the signature must pay
// MessageLamports from the sender's wallet to the platform with memo
// MSG:{conversationId}, and may be used for one message only.
func (s *Service) PostMessage(ctx context.Context, req PostRequest) (*data.Message, error) {
	content, err := validateContent(req.ContentType, req.Content)
	if err != nil {
		return nil, err
	}
	conv, m, err := s.participant(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}
	if !m.IsActive {
		return nil, apperr.Forbidden("match has ended")
	}

	msg := &data.Message{
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ContentType:    req.ContentType,
		Content:        content,
	}

	mode := "free"
	if s.fees.FreeMessaging {
		msg.PaymentSignature = data.FreeSignature
	} else {
		mode = "paid"
		if err := s.admitPayment(ctx, conv.ID, req); err != nil {
			return nil, err
		}
		msg.PaymentSignature = strings.TrimSpace(req.PaymentSignature)
		msg.PaymentAmount = int64(s.fees.MessageLamports)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, apperr.Internal("failed to allocate message id", err)
	}
	msg.ID = id.String()
	msg.SentAt = s.now().UTC().Truncate(time.Millisecond)

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if errors.Is(err, data.ErrDuplicateSignature) {
			return nil, apperr.Conflict("duplicate payment signature")
		}
		return nil, apperr.Internal("failed to store message", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, msg.SentAt); err != nil {
		// the message is stored; ordering of the conversation list catches up on the next message
		s.log.Warn("touch conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	s.metrics.MessagesPosted.WithLabelValues(mode).Inc()
	s.log.Info("message posted",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", msg.ID),
		zap.String("mode", mode),
	)

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(realtime.ConversationRoom(conv.ID), realtime.Event{
			Type:    realtime.EventMessageNew,
			Payload: realtime.MessageNewPayload{ConversationID: conv.ID, Message: msg},
		}, "")
	}
	return msg, nil
}

func (s *Service) admitPayment(ctx context.Context, conversationID string, req PostRequest) error {
	sig := strings.TrimSpace(req.PaymentSignature)
	if sig == "" {
		return apperr.Validation("payment signature is required")
	}
	if sig == data.FreeSignature {
		return apperr.Validation("invalid payment signature")
	}
	used, err := s.store.SignatureUsed(ctx, sig)
	if err != nil {
		return apperr.Internal("failed to check signature", err)
	}
	if used {
		return apperr.Conflict("duplicate payment signature")
	}

	res, err := payment.VerifyDetached(ctx, s.verifier, ledger.Expectation{
		Signature:    sig,
		Sender:       normalize.Wallet(req.SenderWallet),
		Recipient:    s.fees.Recipient,
		MinLamports:  s.fees.MessageLamports,
		MemoContains: payment.Memo(payment.ActionMessage, conversationID),
	})
	if err != nil {
		return err
	}
	if !res.Valid {
		s.log.Info("message payment rejected",
			zap.String("conversation_id", conversationID),
			zap.String("signature", sig),
			zap.String("reason", string(res.Reason)),
		)
		return payment.RejectionError(res)
	}
	return nil
}

// ListMessages returns the page of messages older than cursor, oldest first.
// An empty cursor starts from the newest message.
func (s *Service) ListMessages(ctx context.Context, conversationID, userID, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	var before *data.MessageCursor
	if cursor != "" {
		c, err := data.DecodeCursor(cursor)
		if err != nil {
			return Page{}, apperr.Validation("invalid cursor")
		}
		before = &c
	}
	if _, _, err := s.participant(ctx, conversationID, userID); err != nil {
		return Page{}, err
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return Page{}, apperr.Internal("failed to list messages", err)
	}
	page := Page{Messages: msgs}
	if page.Messages == nil {
		page.Messages = []*data.Message{}
	}
	if len(msgs) == limit {
		page.NextCursor = data.CursorFor(msgs[0]).Encode()
	}
	return page, nil
}

// MarkRead records that readerID has read messageID. Marking an already read
// message returns it unchanged and emits nothing.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID, messageID string) (*data.Message, error) {
	conv, _, err := s.participant(ctx, conversationID, readerID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if errors.Is(err, data.ErrNotFound) || (err == nil && msg.ConversationID != conv.ID) {
		return nil, apperr.NotFound("message not found")
	}
	if err != nil {
		return nil, apperr.Internal("failed to load message", err)
	}
	if msg.SenderID == readerID {
		return nil, apperr.Validation("cannot mark your own message as read")
	}
	if msg.ReadAt != nil {
		return msg, nil
	}

	at := s.now().UTC().Truncate(time.Millisecond)
	changed, err := s.store.SetReadAt(ctx, msg.ID, at)
	if err != nil {
		return nil, apperr.Internal("failed to mark message read", err)
	}
	if !changed {
		// a concurrent reader won
		latest, err := s.store.GetMessage(ctx, msg.ID)
		if err != nil {
			return nil, apperr.Internal("failed to load message", err)
		}
		return latest, nil
	}
	msg.ReadAt = &at

	if s.broadcaster != nil {
		s.broadcaster.Broadcast(realtime.ConversationRoom(conv.ID), realtime.Event{
			Type: realtime.EventMessageRead,
			Payload: realtime.MessageReadPayload{
				ConversationID: conv.ID,
				MessageID:      msg.ID,
				ReaderID:       readerID,
				ReadAt:         at,
			},
		}, "")
	}
	return msg, nil
}

// ListConversations returns the user's conversations whose match is still
// active, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, userID string) ([]ConversationView, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("failed to list conversations", err)
	}
	out := make([]ConversationView, 0, len(convs))
	for _, c := range convs {
		m, err := s.store.GetMatch(ctx, c.MatchID)
		if err != nil || !m.IsActive {
			continue
		}
		partner := c.UserA
		if partner == userID {
			partner = c.UserB
		}
		out = append(out, ConversationView{
			ID:            c.ID,
			MatchID:       c.MatchID,
			PartnerID:     partner,
			CreatedAt:     c.CreatedAt,
			LastMessageAt: c.LastMessageAt,
		})
	}
	return out, nil
}
