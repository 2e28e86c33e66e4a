// Package payment derives payment intents and admits account-verification
// payments.
package payment

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
)

// Action is the purpose a payment is bound to through its memo.
type Action string

const (
	ActionMessage Action = "MSG"
	ActionVerify  Action = "VERIFY"
)

// lamportsPerSOL as a decimal exponent.
const solDecimals = 9

// verifyIntentTTL is advisory; the memo binds the payment to the requester.
const verifyIntentTTL = 15 * time.Minute

// Intent tells a client what to pay.
type Intent struct {
	RecipientAddress   string     `json:"recipientAddress"`
	AmountMinorUnits   uint64     `json:"amountMinorUnits"`
	AmountDisplayUnits string     `json:"amountDisplayUnits"`
	Memo               string     `json:"memo"`
	Action             Action     `json:"action"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
}

// Fees is the static fee configuration.
type Fees struct {
	Recipient       string
	MessageLamports uint64
	VerifyLamports  uint64
	FreeMessaging   bool
}

// VerificationChecker reports whether a user already paid the verification fee.
type VerificationChecker interface {
	IsVerified(ctx context.Context, userID string) (bool, error)
}

// Issuer derives intents from configuration.
type Issuer struct {
	fees  Fees
	users VerificationChecker
	now   func() time.Time
}

func NewIssuer(fees Fees, users VerificationChecker) *Issuer {
	return &Issuer{fees: fees, users: users, now: time.Now}
}

// Memo returns the memo binding a payment to action and id.
func Memo(action Action, id string) string {
	return fmt.Sprintf("%s:%s", action, id)
}

// LamportsToSOL renders a lamport amount in SOL without float rounding.
func LamportsToSOL(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -solDecimals).String()
}

// ParseAction accepts the wire form of an action.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionMessage:
		return ActionMessage, nil
	case ActionVerify:
		return ActionVerify, nil
	}
	return "", apperr.Validation(fmt.Sprintf("unknown payment action %q", s))
}

// IntentFor derives the intent for action. Message intents bind to the
// conversation in resourceID; verification intents bind to requesterID and are
// refused once the requester is verified.
func (i *Issuer) IntentFor(ctx context.Context, action Action, resourceID, requesterID string) (Intent, error) {
	switch action {
	case ActionMessage:
		if resourceID == "" {
			return Intent{}, apperr.Validation("conversation id is required")
		}
		if i.fees.FreeMessaging {
			return Intent{}, apperr.Conflict("messaging is free; no payment required")
		}
		return i.intent(action, Memo(action, resourceID), i.fees.MessageLamports, nil), nil

	case ActionVerify:
		if requesterID == "" {
			return Intent{}, apperr.Validation("requester id is required")
		}
		verified, err := i.users.IsVerified(ctx, requesterID)
		if err != nil {
			return Intent{}, apperr.Internal("failed to load account", err)
		}
		if verified {
			return Intent{}, apperr.Conflict("account already verified")
		}
		exp := i.now().Add(verifyIntentTTL).UTC()
		return i.intent(action, Memo(action, requesterID), i.fees.VerifyLamports, &exp), nil
	}
	return Intent{}, apperr.Validation(fmt.Sprintf("unknown payment action %q", action))
}

func (i *Issuer) intent(action Action, memo string, lamports uint64, exp *time.Time) Intent {
	return Intent{
		RecipientAddress:   i.fees.Recipient,
		AmountMinorUnits:   lamports,
		AmountDisplayUnits: LamportsToSOL(lamports),
		Memo:               memo,
		Action:             action,
		ExpiresAt:          exp,
	}
}

// Fees returns the configured fees.
func (i *Issuer) Fees() Fees { return i.fees }
