package data

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// paymentSpent reports whether sig is already in the payments ledger.
func paymentSpent(ctx context.Context, payments *mongo.Collection, sig string) (bool, error) {
	n, err := payments.CountDocuments(ctx, bson.M{"_id": sig})
	if err != nil {
		return false, errors.Wrap(err, "count payment")
	}
	return n > 0, nil
}

// spendPayment records p. A signature already spent on any purpose fails
// with ErrDuplicateSignature.
func spendPayment(ctx context.Context, payments *mongo.Collection, p *Payment) error {
	_, err := payments.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateSignature
	}
	return errors.Wrap(err, "insert payment")
}
