// Package db manages the MongoDB connection, collections and indexes.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	UsersCollection         = "users"
	BlocksCollection        = "blocks"
	SwipesCollection        = "swipes"
	MatchesCollection       = "matches"
	ConversationsCollection = "conversations"
	MessagesCollection      = "messages"

	// PaymentsCollection is the signature ledger shared by every paid action.
	// Its _id is the transaction signature.
	PaymentsCollection = "payments"
)

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (safe for concurrent use)
	client *mongo.Client

	db *mongo.Database

	// timeout bounds every store round-trip started through Bound
	timeout time.Duration
}

// New connects to MongoDB, pings the primary and returns a Client.
func New(ctx context.Context, mongoURI, database string, timeout time.Duration) (*Client, error) {
	// configure client options with a connect timeout so a bad URI does not
	// hang startup
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	// Connect only sets up the pool; no round-trip happens until the ping
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// fail fast if the server is unreachable
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	// zero means "use the default"; every store call must have a deadline
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		client:  client,
		db:      client.Database(database),
		timeout: timeout,
	}, nil
}

func (c *Client) Collection(name string) *mongo.Collection { return c.db.Collection(name) }

func (c *Client) Users() *mongo.Collection         { return c.db.Collection(UsersCollection) }
func (c *Client) Blocks() *mongo.Collection        { return c.db.Collection(BlocksCollection) }
func (c *Client) Swipes() *mongo.Collection        { return c.db.Collection(SwipesCollection) }
func (c *Client) Matches() *mongo.Collection       { return c.db.Collection(MatchesCollection) }
func (c *Client) Conversations() *mongo.Collection { return c.db.Collection(ConversationsCollection) }
func (c *Client) Messages() *mongo.Collection      { return c.db.Collection(MessagesCollection) }
func (c *Client) Payments() *mongo.Collection      { return c.db.Collection(PaymentsCollection) }

// Bound derives a context limited by the configured store timeout.
func (c *Client) Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// WithTransaction runs fn inside a multi-document transaction. It needs a
// replica set or sharded cluster; the driver retries fn on transient errors,
// so fn must be safe to run more than once.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// sessions are cheap and not safe for concurrent use, so one per call
	sess, err := c.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// Ping checks the primary is reachable. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.Bound(ctx)
	defer cancel()
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the unique constraints the stores rely on plus the
// query indexes for history and conversation lists.
func (c *Client) CreateIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		UsersCollection: {
			{Keys: bson.D{{Key: "wallet", Value: 1}}, Options: options.Index().SetUnique(true)},
			{
				// a verification payment can verify exactly one account
				Keys: bson.D{{Key: "verified_signature", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "verified_signature", Value: bson.D{{Key: "$type", Value: "string"}}}}),
			},
		},
		BlocksCollection: {
			{Keys: bson.D{{Key: "blocker", Value: 1}, {Key: "blocked", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "blocked", Value: 1}}},
		},
		SwipesCollection: {
			// one decision per ordered pair
			{Keys: bson.D{{Key: "from_user", Value: 1}, {Key: "to_user", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "to_user", Value: 1}, {Key: "action", Value: 1}}},
		},
		MatchesCollection: {
			// one match per unordered pair; user_a < user_b always
			{Keys: bson.D{{Key: "user_a", Value: 1}, {Key: "user_b", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_b", Value: 1}}},
		},
		ConversationsCollection: {
			{Keys: bson.D{{Key: "match_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_a", Value: 1}, {Key: "last_message_at", Value: -1}}},
			{Keys: bson.D{{Key: "user_b", Value: 1}, {Key: "last_message_at", Value: -1}}},
		},
		MessagesCollection: {
			{
				// a ledger transaction pays for at most one message; free
				// messages share the sentinel and are excluded
				Keys: bson.D{{Key: "payment_signature", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "payment_amount", Value: bson.D{{Key: "$gt", Value: 0}}}}),
			},
			// history pages walk (sent_at, _id) backwards within one conversation
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}}},
		},
		PaymentsCollection: {
			// _id already makes a signature single-use across actions; this
			// serves lookups of what a user has paid for
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "paid_at", Value: -1}}},
		},
	}

	// CreateMany is a no-op for indexes that already exist with the same spec

	for name, models := range indexes {
		if _, err := c.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", name, err)
		}
	}
	return nil
}
