package data

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/swipepay/internal/db"
)

// MessagesStore provides conversation and message operations.
type MessagesStore struct {
	c             *db.Client
	conversations *mongo.Collection
	messages      *mongo.Collection
	matches       *mongo.Collection
	payments      *mongo.Collection
}

func NewMessagesStore(c *db.Client) *MessagesStore {
	return &MessagesStore{
		c:             c,
		conversations: c.Conversations(),
		messages:      c.Messages(),
		matches:       c.Matches(),
		payments:      c.Payments(),
	}
}

// GetConversation returns a conversation by id.
func (m *MessagesStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	var conv Conversation
	err := m.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get conversation")
	}
	return &conv, nil
}

// GetMatch returns the match backing a conversation.
func (m *MessagesStore) GetMatch(ctx context.Context, id string) (*Match, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	var match Match
	err := m.matches.FindOne(ctx, bson.M{"_id": id}).Decode(&match)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get match")
	}
	return &match, nil
}

// ListConversations returns userID's conversations, most recent activity
// first. Conversations without messages sort by creation time.
func (m *MessagesStore) ListConversations(ctx context.Context, userID string) ([]*Conversation, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	filter := bson.M{"$or": bson.A{bson.M{"user_a": userID}, bson.M{"user_b": userID}}}
	opts := options.Find().SetSort(bson.D{
		{Key: "last_message_at", Value: -1},
		{Key: "created_at", Value: -1},
	})
	cursor, err := m.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer cursor.Close(ctx)

	var out []*Conversation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode conversations")
	}
	return out, nil
}

// TouchConversation moves last_message_at forward to at. It never moves it
// backwards when messages land out of order.
func (m *MessagesStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	_, err := m.conversations.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$max": bson.M{"last_message_at": at}})
	return errors.Wrap(err, "touch conversation")
}

// SignatureUsed reports whether sig was already spent, on a message or on
// anything else.
func (m *MessagesStore) SignatureUsed(ctx context.Context, sig string) (bool, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()
	return paymentSpent(ctx, m.payments, sig)
}

// InsertMessage stores msg. A paid message spends its signature in the
// payments ledger in the same transaction and fails with
// ErrDuplicateSignature when the signature was spent before.
func (m *MessagesStore) InsertMessage(ctx context.Context, msg *Message) error {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	if msg.PaymentAmount <= 0 {
		_, err := m.messages.InsertOne(ctx, msg)
		return errors.Wrap(err, "insert message")
	}

	err := m.c.WithTransaction(ctx, func(ctx context.Context) error {
		if err := spendPayment(ctx, m.payments, &Payment{
			Signature: msg.PaymentSignature,
			Purpose:   PurposeMessage,
			Subject:   msg.ID,
			UserID:    msg.SenderID,
			Lamports:  msg.PaymentAmount,
			PaidAt:    msg.SentAt,
		}); err != nil {
			return err
		}
		_, err := m.messages.InsertOne(ctx, msg)
		return err
	})
	if errors.Is(err, ErrDuplicateSignature) || mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateSignature
	}
	return errors.Wrap(err, "insert message")
}

// GetMessage returns a message by id.
func (m *MessagesStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	var msg Message
	err := m.messages.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get message")
	}
	return &msg, nil
}

// SetReadAt stamps read_at once. It reports false when the message was
// already read.
func (m *MessagesStore) SetReadAt(ctx context.Context, id string, at time.Time) (bool, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	res, err := m.messages.UpdateOne(ctx,
		bson.M{"_id": id, "read_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"read_at": at}},
	)
	if err != nil {
		return false, errors.Wrap(err, "set read_at")
	}
	return res.ModifiedCount > 0, nil
}

// ListMessages returns up to limit messages of a conversation strictly older
// than before (all messages when before is nil), oldest first.
func (m *MessagesStore) ListMessages(ctx context.Context, conversationID string, before *MessageCursor, limit int) ([]*Message, error) {
	ctx, cancel := m.c.Bound(ctx)
	defer cancel()

	filter := bson.M{"conversation_id": conversationID}
	if before != nil {
		filter["$or"] = bson.A{
			bson.M{"sent_at": bson.M{"$lt": before.SentAt}},
			bson.M{"sent_at": before.SentAt, "_id": bson.M{"$lt": before.ID}},
		}
	}

	// newest first so the limit keeps the most recent page
	opts := options.Find().
		SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := m.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, errors.Wrap(err, "decode messages")
	}

	// back to chronological order for the client
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
