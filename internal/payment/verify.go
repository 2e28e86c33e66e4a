package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/ledger"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
)

// Verifier is the ledger check used to admit payments.
type Verifier interface {
	Verify(ctx context.Context, exp ledger.Expectation) (ledger.Result, error)
}

// RejectionError turns a failed verification into a client facing error. A
// transaction the ledger does not know yet is retryable; every other reason
// is a refusal carrying the reason code.
func RejectionError(res ledger.Result) error {
	if res.Reason == ledger.ReasonNotFound {
		e := apperr.Wrap(apperr.KindUnavailable, "transaction not found or not yet confirmed", nil)
		e.Reason = string(res.Reason)
		return e
	}
	return apperr.WithReason(apperr.KindAuthorization, "payment rejected", string(res.Reason))
}

// VerifyDetached runs v under a context that survives the caller going away.
// The verification is idempotent, so a client that disconnects simply never
// sees the result.
func VerifyDetached(ctx context.Context, v Verifier, exp ledger.Expectation) (ledger.Result, error) {
	return v.Verify(context.WithoutCancel(ctx), exp)
}

// AccountStore is what account verification needs from the user store.
type AccountStore interface {
	VerificationChecker
	VerificationSignatureUsed(ctx context.Context, sig string) (bool, error)
	MarkVerified(ctx context.Context, userID, sig string, at time.Time) error
}

// AccountVerifier admits verification-fee payments.
type AccountVerifier struct {
	fees     Fees
	verifier Verifier
	users    AccountStore
	log      *zap.Logger
}

func NewAccountVerifier(fees Fees, verifier Verifier, users AccountStore, log *zap.Logger) *AccountVerifier {
	return &AccountVerifier{fees: fees, verifier: verifier, users: users, log: logger.OrNop(log)}
}

// VerifyAccount checks that signature paid the verification fee from wallet
// with memo VERIFY:{userID} and marks the user verified.
func (a *AccountVerifier) VerifyAccount(ctx context.Context, userID, wallet, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return apperr.Validation("payment signature is required")
	}

	verified, err := a.users.IsVerified(ctx, userID)
	if err != nil {
		return apperr.Internal("failed to load account", err)
	}
	if verified {
		return apperr.Conflict("account already verified")
	}

	used, err := a.users.VerificationSignatureUsed(ctx, signature)
	if err != nil {
		return apperr.Internal("failed to check signature", err)
	}
	if used {
		return apperr.Conflict("duplicate payment signature")
	}

	res, err := VerifyDetached(ctx, a.verifier, ledger.Expectation{
		Signature:    signature,
		Sender:       wallet,
		Recipient:    a.fees.Recipient,
		MinLamports:  a.fees.VerifyLamports,
		MemoContains: Memo(ActionVerify, userID),
	})
	if err != nil {
		return err
	}
	if !res.Valid {
		return RejectionError(res)
	}

	err = a.users.MarkVerified(ctx, userID, signature, time.Now().UTC())
	if errors.Is(err, data.ErrDuplicateSignature) {
		return apperr.Conflict("duplicate payment signature")
	}
	if err != nil {
		return apperr.Internal("failed to mark account verified", err)
	}
	a.log.Info("account verified", zap.String("user_id", userID), zap.String("signature", signature))
	return nil
}
