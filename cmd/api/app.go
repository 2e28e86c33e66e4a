package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/chat"
	"github.com/PaulBabatuyi/swipepay/internal/config"
	"github.com/PaulBabatuyi/swipepay/internal/httpapi"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/match"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
	"github.com/PaulBabatuyi/swipepay/internal/middleware"
	"github.com/PaulBabatuyi/swipepay/internal/payment"
	"github.com/PaulBabatuyi/swipepay/internal/realtime"
)

// userStore is every user operation the services need.
type userStore interface {
	auth.UserResolver
	payment.AccountStore
	match.Users
}

// backends are the swappable infrastructure pieces: Mongo or memory stores,
// Redis or in-process challenges and limits, the ledger verifier.
type backends struct {
	users      userStore
	matches    match.Store
	messages   chat.Store
	challenges auth.ChallengeStore
	governor   middleware.Governor
	verifier   payment.Verifier
	health     func(ctx context.Context) error
	registry   *prometheus.Registry
	gatherer   prometheus.Gatherer
}

type app struct {
	grpc   *grpc.Server
	http   http.Handler
	hub    *realtime.Hub
	server *Server
	jwt    *auth.JWTManager
}

func newJWTManager(cfg *config.Config) *auth.JWTManager {
	if len(cfg.JWTKeys) > 0 {
		return auth.NewJWTManagerFromKeys(cfg.JWTKeys, cfg.JWTActiveKid, cfg.JWTTTL)
	}
	return auth.NewJWTManager(cfg.JWTSecret, cfg.JWTTTL)
}

// newApp wires the domain services to the transports.
func newApp(cfg *config.Config, b backends, log *zap.Logger, serverOpts ...grpc.ServerOption) *app {
	log = logger.OrNop(log)
	var reg prometheus.Registerer
	if b.registry != nil {
		reg = b.registry
	}
	m := metrics.New(reg)
	jwtMgr := newJWTManager(cfg)

	policy := &roomPolicy{}
	hub := realtime.NewHub(jwtMgr, policy, nil, realtime.Config{
		CheckOrigin: originChecker(cfg.CORSOrigins),
	}, log.Named("realtime"), m)

	fees := payment.Fees{
		Recipient:       cfg.PlatformWallet,
		MessageLamports: cfg.MessageFeeLamports,
		VerifyLamports:  cfg.VerificationFeeLamports,
		FreeMessaging:   cfg.FreeMessaging,
	}
	chatSvc := chat.NewService(b.messages, b.verifier, hub, fees, log.Named("chat"), m)
	policy.chat = chatSvc

	engine := match.NewEngine(b.matches, b.users, hub, match.Options{RequireVerified: cfg.RequireVerifiedSwipe}, log.Named("match"), m)
	login := auth.NewAuthenticator(jwtMgr, b.challenges, b.users, cfg.ChallengeTTL, log.Named("auth"))
	srv := newServer(login, engine, payment.NewIssuer(fees, b.users),
		payment.NewAccountVerifier(fees, b.verifier, b.users, log.Named("payment")), chatSvc, log)

	opts := append(serverOpts, grpc.ChainUnaryInterceptor(
		errorUnaryInterceptor(log),
		authUnaryInterceptor(jwtMgr, middleware.NewFailedAuth(b.governor, log.Named("auth"), m)),
		middleware.RateLimitUnaryInterceptor(b.governor, methodBuckets, log, m),
	))
	grpcServer := grpc.NewServer(opts...)
	registerService(grpcServer, srv)

	router := httpapi.New(httpapi.Options{
		WS:          hub.ServeWS,
		Messages:    chatSvc,
		Authn:       jwtMgr,
		Governor:    b.governor,
		Gatherer:    b.gatherer,
		Health:      b.health,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log.Named("http"),
		Metrics:     m,
	})

	return &app{grpc: grpcServer, http: router, hub: hub, server: srv, jwt: jwtMgr}
}

func originChecker(origins []string) func(r *http.Request) bool {
	allowed := map[string]bool{}
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}

// shutdown stops accepting work and closes every websocket with 1001.
func (a *app) shutdown(ctx context.Context, httpSrv *http.Server) {
	a.hub.Shutdown()
	if httpSrv != nil {
		_ = httpSrv.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		a.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.grpc.Stop()
	case <-time.After(30 * time.Second):
		a.grpc.Stop()
	}
}
