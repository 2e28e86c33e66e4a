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

// MatchesStore performs swipe, match and conversation-creation operations.
type MatchesStore struct {
	c             *db.Client
	swipes        *mongo.Collection
	matches       *mongo.Collection
	conversations *mongo.Collection
}

func NewMatchesStore(c *db.Client) *MatchesStore {
	return &MatchesStore{
		c:             c,
		swipes:        c.Swipes(),
		matches:       c.Matches(),
		conversations: c.Conversations(),
	}
}

// InsertSwipe records a decision. A second decision for the same ordered pair
// fails with ErrSwipeExists; swipes are never overwritten.
func (s *MatchesStore) InsertSwipe(ctx context.Context, sw *Swipe) error {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	_, err := s.swipes.InsertOne(ctx, sw)
	if mongo.IsDuplicateKeyError(err) {
		return ErrSwipeExists
	}
	return errors.Wrap(err, "insert swipe")
}

// GetSwipe returns the decision from -> to.
func (s *MatchesStore) GetSwipe(ctx context.Context, from, to string) (*Swipe, error) {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	var sw Swipe
	err := s.swipes.FindOne(ctx, bson.M{"from_user": from, "to_user": to}).Decode(&sw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get swipe")
	}
	return &sw, nil
}

// SwipedUserIDs returns everyone userID already decided on.
func (s *MatchesStore) SwipedUserIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	opts := options.Find().SetProjection(bson.M{"to_user": 1})
	cursor, err := s.swipes.Find(ctx, bson.M{"from_user": userID}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "find swipes")
	}
	defer cursor.Close(ctx)

	var rows []Swipe
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Wrap(err, "decode swipes")
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ToUser)
	}
	return ids, nil
}

// CreateMatch inserts the match and its conversation in one transaction. When
// the pair already has a match the transaction aborts with ErrMatchExists and
// nothing is written.
func (s *MatchesStore) CreateMatch(ctx context.Context, m *Match, conv *Conversation) error {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	err := s.c.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.matches.InsertOne(ctx, m); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ErrMatchExists
			}
			return errors.Wrap(err, "insert match")
		}
		if _, err := s.conversations.InsertOne(ctx, conv); err != nil {
			return errors.Wrap(err, "insert conversation")
		}
		return nil
	})
	if errors.Is(err, ErrMatchExists) {
		return ErrMatchExists
	}
	// the duplicate can also surface at commit time
	if mongo.IsDuplicateKeyError(err) {
		return ErrMatchExists
	}
	return err
}

// FindMatchByPair returns the match for the unordered pair (a, b).
func (s *MatchesStore) FindMatchByPair(ctx context.Context, a, b string) (*Match, error) {
	ua, ub := CanonicalPair(a, b)
	return s.findMatch(ctx, bson.M{"user_a": ua, "user_b": ub})
}

// GetMatch returns a match by id.
func (s *MatchesStore) GetMatch(ctx context.Context, id string) (*Match, error) {
	return s.findMatch(ctx, bson.M{"_id": id})
}

func (s *MatchesStore) findMatch(ctx context.Context, filter bson.M) (*Match, error) {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	var m Match
	err := s.matches.FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "find match")
	}
	return &m, nil
}

// DeactivateMatch soft-deletes an active match. It reports false when the
// match was already inactive.
func (s *MatchesStore) DeactivateMatch(ctx context.Context, id, by string, at time.Time) (bool, error) {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	res, err := s.matches.UpdateOne(ctx,
		bson.M{"_id": id, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "ended_at": at, "ended_by": by}},
	)
	if err != nil {
		return false, errors.Wrap(err, "deactivate match")
	}
	return res.ModifiedCount > 0, nil
}

// ListActiveMatches returns userID's active matches, newest first.
func (s *MatchesStore) ListActiveMatches(ctx context.Context, userID string) ([]*Match, error) {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	filter := bson.M{
		"is_active": true,
		"$or":       bson.A{bson.M{"user_a": userID}, bson.M{"user_b": userID}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "matched_at", Value: -1}})
	cursor, err := s.matches.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list matches")
	}
	defer cursor.Close(ctx)

	var out []*Match
	if err := cursor.All(ctx, &out); err != nil {
		return nil, errors.Wrap(err, "decode matches")
	}
	return out, nil
}

// GetConversationByMatch returns the conversation created with a match.
func (s *MatchesStore) GetConversationByMatch(ctx context.Context, matchID string) (*Conversation, error) {
	ctx, cancel := s.c.Bound(ctx)
	defer cancel()

	var conv Conversation
	err := s.conversations.FindOne(ctx, bson.M{"match_id": matchID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get conversation by match")
	}
	return &conv, nil
}
