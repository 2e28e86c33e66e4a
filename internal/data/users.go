// Package data provides the domain models and their MongoDB stores.
package data

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/PaulBabatuyi/swipepay/internal/db"
)

// UsersStore performs user and block operations.
type UsersStore struct {
	c        *db.Client
	users    *mongo.Collection
	blocks   *mongo.Collection
	payments *mongo.Collection
}

func NewUsersStore(c *db.Client) *UsersStore {
	return &UsersStore{c: c, users: c.Users(), blocks: c.Blocks(), payments: c.Payments()}
}

// EnsureUser returns the id of the user owning wallet, inserting the user on
// first sight. Concurrent first logins converge on one row via the unique
// wallet index.
func (u *UsersStore) EnsureUser(ctx context.Context, wallet string) (string, error) {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	update := bson.M{"$setOnInsert": bson.M{
		"_id":        uuid.NewString(),
		"wallet":     wallet,
		"verified":   false,
		"created_at": time.Now().UTC(),
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var user User
	err := u.users.FindOneAndUpdate(ctx, bson.M{"wallet": wallet}, update, opts).Decode(&user)
	if mongo.IsDuplicateKeyError(err) {
		// lost the upsert race; the winner's row is there now
		err = u.users.FindOne(ctx, bson.M{"wallet": wallet}).Decode(&user)
	}
	if err != nil {
		return "", errors.Wrap(err, "ensure user")
	}
	return user.ID, nil
}

// GetUser finds a user by id.
func (u *UsersStore) GetUser(ctx context.Context, id string) (*User, error) {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	var user User
	err := u.users.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get user")
	}
	return &user, nil
}

// IsVerified reports whether the user paid the verification fee.
func (u *UsersStore) IsVerified(ctx context.Context, id string) (bool, error) {
	user, err := u.GetUser(ctx, id)
	if err != nil {
		return false, err
	}
	return user.Verified, nil
}

// VerificationSignatureUsed reports whether sig was already spent, on a
// verification or on anything else.
func (u *UsersStore) VerificationSignatureUsed(ctx context.Context, sig string) (bool, error) {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()
	return paymentSpent(ctx, u.payments, sig)
}

// MarkVerified flags the user verified by sig and spends sig in the payments
// ledger, both in one transaction. A signature spent before, on any purpose,
// fails with ErrDuplicateSignature.
func (u *UsersStore) MarkVerified(ctx context.Context, id, sig string, at time.Time) error {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	err := u.c.WithTransaction(ctx, func(ctx context.Context) error {
		if err := spendPayment(ctx, u.payments, &Payment{
			Signature: sig,
			Purpose:   PurposeVerify,
			Subject:   id,
			UserID:    id,
			PaidAt:    at,
		}); err != nil {
			return err
		}
		res, err := u.users.UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$set": bson.M{"verified": true, "verified_signature": sig, "verified_at": at}},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrDuplicateSignature), mongo.IsDuplicateKeyError(err):
		return ErrDuplicateSignature
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	}
	return errors.Wrap(err, "mark verified")
}

// ListCandidates returns users not in exclude, newest first.
func (u *UsersStore) ListCandidates(ctx context.Context, exclude []string, limit int) ([]*User, error) {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	if exclude == nil {
		exclude = []string{}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := u.users.Find(ctx, bson.M{"_id": bson.M{"$nin": exclude}}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "list candidates")
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, errors.Wrap(err, "decode candidates")
	}
	return users, nil
}

// InsertBlock records that blocker blocked blocked.
func (u *UsersStore) InsertBlock(ctx context.Context, b *Block) error {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	_, err := u.blocks.InsertOne(ctx, b)
	if mongo.IsDuplicateKeyError(err) {
		return ErrBlockExists
	}
	return errors.Wrap(err, "insert block")
}

// IsBlocked reports whether either user blocked the other.
func (u *UsersStore) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	n, err := u.blocks.CountDocuments(ctx, bson.M{"$or": bson.A{
		bson.M{"blocker": a, "blocked": b},
		bson.M{"blocker": b, "blocked": a},
	}})
	if err != nil {
		return false, errors.Wrap(err, "count blocks")
	}
	return n > 0, nil
}

// BlockedUserIDs returns every user id related to userID by a block in either
// direction.
func (u *UsersStore) BlockedUserIDs(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := u.c.Bound(ctx)
	defer cancel()

	cursor, err := u.blocks.Find(ctx, bson.M{"$or": bson.A{
		bson.M{"blocker": userID},
		bson.M{"blocked": userID},
	}})
	if err != nil {
		return nil, errors.Wrap(err, "find blocks")
	}
	defer cursor.Close(ctx)

	var blocks []Block
	if err := cursor.All(ctx, &blocks); err != nil {
		return nil, errors.Wrap(err, "decode blocks")
	}
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Blocker == userID {
			ids = append(ids, b.Blocked)
		} else {
			ids = append(ids, b.Blocker)
		}
	}
	return ids, nil
}
