package main

import (
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/match"
	"github.com/PaulBabatuyi/swipepay/internal/payment"
)

// Server implements swipepay.v1.API on top of the domain services.
type Server struct {
	login    *auth.Authenticator
	matches  *match.Engine
	intents  *payment.Issuer
	accounts *payment.AccountVerifier
	chat     *chat.Service
	log      *zap.Logger
}

// newServer returns a ready-to-use Server wired with the domain services.
func newServer(login *auth.Authenticator, matches *match.Engine, intents *payment.Issuer, accounts *payment.AccountVerifier, chatSvc *chat.Service, log *zap.Logger) *Server {
	return &Server{
		login:    login,
		matches:  matches,
		intents:  intents,
		accounts: accounts,
		chat:     chatSvc,
		log:      logger.OrNop(log),
	}
}
