package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/config"
	"github.com/PaulBabatuyi/swipepay/internal/data"
	"github.com/PaulBabatuyi/swipepay/internal/data/memstore"
	"github.com/PaulBabatuyi/swipepay/internal/db"
	"github.com/PaulBabatuyi/swipepay/internal/ledger"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	b := backends{registry: reg, gatherer: reg}

	// Initialize the store backend
	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		mem := memstore.New()
		b.users, b.matches, b.messages = mem, mem, mem
	default:
		dbClient, err := db.New(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.StoreTimeout)
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = dbClient.Close(closeCtx)
		}()
		if err := dbClient.CreateIndexes(ctx); err != nil {
			return fmt.Errorf("create indexes: %w", err)
		}
		b.users = data.NewUsersStore(dbClient)
		b.matches = data.NewMatchesStore(dbClient)
		b.messages = data.NewMessagesStore(dbClient)
		b.health = dbClient.Ping
	}

	// Challenges and rate limits are shared through Redis when configured
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		b.challenges = auth.NewRedisChallengeStore(rdb)
		b.governor = middleware.NewRedisWindow(rdb, middleware.LimitsFromConfig(cfg.RateLimits))
	} else {
		challenges := auth.NewMemoryChallengeStore()
		challenges.StartSweeper(ctx, time.Minute)
		b.challenges = challenges
		limiter := middleware.NewLimiterStore(middleware.LimitsFromConfig(cfg.RateLimits), time.Minute)
		defer limiter.Stop()
		b.governor = limiter
	}

	rpc := ledger.NewRPCClient(cfg.SolanaRPCURL, cfg.SolanaRPCTimeout, log.Named("ledger"))
	b.verifier = ledger.NewVerifier(rpc, cfg.SolanaRPCTimeout, log.Named("ledger"), nil)

	// If TLS certs are configured, create server credentials and require TLS
	var serverOpts []grpc.ServerOption
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}

	a := newApp(cfg, b, log, serverOpts...)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           a.http,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := a.grpc.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		log.Info("HTTP server listening", zap.String("addr", httpSrv.Addr))
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = httpSrv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx, httpSrv)
	return nil
}
