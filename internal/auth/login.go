package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/apperr"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/normalize"
)

// UserResolver returns the id of the user owning wallet, creating the user on
// first login.
type UserResolver interface {
	EnsureUser(ctx context.Context, wallet string) (string, error)
}

// LoginResult is returned by a completed handshake.
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Identity  Identity  `json:"identity"`
}

// Authenticator runs the wallet-signature login handshake.
type Authenticator struct {
	jwt        *JWTManager
	challenges ChallengeStore
	users      UserResolver
	ttl        time.Duration
	log        *zap.Logger
}

func NewAuthenticator(jwt *JWTManager, challenges ChallengeStore, users UserResolver, ttl time.Duration, log *zap.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Authenticator{jwt: jwt, challenges: challenges, users: users, ttl: ttl, log: logger.OrNop(log)}
}

// DecodeWallet decodes a base58 ed25519 public key.
func DecodeWallet(wallet string) (ed25519.PublicKey, error) {
	raw, err := base58.Decode(wallet)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, apperr.Validation("wallet must be a base58 encoded 32 byte public key")
	}
	return ed25519.PublicKey(raw), nil
}

// IssueChallenge creates a nonce for wallet and returns the message the
// wallet has to sign.
func (a *Authenticator) IssueChallenge(ctx context.Context, wallet string) (Challenge, error) {
	wallet = normalize.Wallet(wallet)
	if _, err := DecodeWallet(wallet); err != nil {
		return Challenge{}, err
	}

	nonce := uuid.NewString()
	expiresAt := time.Now().Add(a.ttl).UTC()
	c := Challenge{
		Nonce:     nonce,
		Wallet:    wallet,
		Message:   fmt.Sprintf("Sign in to swipepay\nWallet: %s\nNonce: %s\nExpires: %s", wallet, nonce, expiresAt.Format(time.RFC3339)),
		ExpiresAt: expiresAt,
	}
	if err := a.challenges.Put(ctx, c, a.ttl); err != nil {
		return Challenge{}, apperr.Unavailable("challenge store unavailable", err)
	}
	return c, nil
}

// CompleteLogin consumes the nonce, checks the signature over the challenge
// message and issues a session token. The nonce is consumed even when the
// signature turns out to be invalid.
func (a *Authenticator) CompleteLogin(ctx context.Context, nonce, wallet, signature string) (LoginResult, error) {
	wallet = normalize.Wallet(wallet)
	if nonce == "" || wallet == "" || signature == "" {
		return LoginResult{}, apperr.Validation("nonce, wallet and signature are required")
	}
	pub, err := DecodeWallet(wallet)
	if err != nil {
		return LoginResult{}, err
	}
	sig, err := base58.Decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return LoginResult{}, apperr.Validation("signature must be a base58 encoded 64 byte ed25519 signature")
	}

	c, err := a.challenges.Take(ctx, nonce)
	if errors.Is(err, ErrChallengeNotFound) {
		return LoginResult{}, apperr.Unauthenticated("challenge not found or expired")
	}
	if err != nil {
		return LoginResult{}, apperr.Unavailable("challenge store unavailable", err)
	}
	if c.Wallet != wallet {
		return LoginResult{}, apperr.Unauthenticated("challenge was issued for another wallet")
	}
	if !ed25519.Verify(pub, []byte(c.Message), sig) {
		a.log.Info("login signature rejected", zap.String("wallet", wallet))
		return LoginResult{}, apperr.Unauthenticated("invalid signature")
	}

	userID, err := a.users.EnsureUser(ctx, wallet)
	if err != nil {
		return LoginResult{}, apperr.Internal("failed to resolve user", err)
	}

	token, expiresAt, err := a.jwt.GenerateToken(userID, wallet)
	if err != nil {
		return LoginResult{}, apperr.Internal("failed to issue token", err)
	}
	a.log.Info("user logged in", zap.String("user_id", userID), zap.String("wallet", wallet))
	return LoginResult{Token: token, ExpiresAt: expiresAt, Identity: Identity{UserID: userID, Wallet: wallet}}, nil
}
