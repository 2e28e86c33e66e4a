package middleware

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/PaulBabatuyi/swipepay/internal/auth"
	"github.com/PaulBabatuyi/swipepay/internal/config"
	"github.com/PaulBabatuyi/swipepay/internal/logger"
	"github.com/PaulBabatuyi/swipepay/internal/metrics"
)

// Bucket groups operations that share a request budget.
type Bucket string

const (
	BucketAuth      Bucket = config.BucketAuth
	BucketPayment   Bucket = config.BucketPayment
	BucketMessaging Bucket = config.BucketMessaging
	BucketDiscovery Bucket = config.BucketDiscovery
	BucketGeneral   Bucket = config.BucketGeneral
)

// RetryAfterKey is the trailer (gRPC) carrying the retry hint in seconds.
const RetryAfterKey = "retry-after"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Governor decides whether key may make another request in bucket.
type Governor interface {
	Allow(ctx context.Context, key string, bucket Bucket) (Decision, error)
}

// Inspector reports what Allow would decide without spending a request.
type Inspector interface {
	Peek(ctx context.Context, key string, bucket Bucket) (Decision, error)
}

// Limits maps each bucket to requests per minute. Buckets without an entry
// use the general budget.
type Limits map[Bucket]int

// LimitsFromConfig converts the configured per-bucket budgets.
func LimitsFromConfig(rpm map[string]int) Limits {
	out := Limits{}
	for b, n := range rpm {
		out[Bucket(b)] = n
	}
	return out
}

func (l Limits) perMinute(b Bucket) int {
	if n, ok := l[b]; ok && n > 0 {
		return n
	}
	if n, ok := l[BucketGeneral]; ok && n > 0 {
		return n
	}
	return 60
}

// LimiterStore maintains per-(bucket, key) token buckets in memory and
// periodically drops the ones that went idle.
type LimiterStore struct {
	mu              sync.Mutex
	limits          Limits
	clients         map[string]*clientEntry
	cleanupInterval time.Duration
	idleAfter       time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	now             func() time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiterStore starts a store whose buckets refill at the configured per
// minute rate with a burst of one minute's budget.
func NewLimiterStore(limits Limits, cleanupInterval time.Duration) *LimiterStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &LimiterStore{
		limits:          limits,
		clients:         map[string]*clientEntry{},
		cleanupInterval: cleanupInterval,
		idleAfter:       10 * time.Minute,
		stopCh:          make(chan struct{}),
		now:             time.Now,
	}
	go s.cleanupLoop()
	return s
}

func (s *LimiterStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *LimiterStore) sweep() {
	cutoff := s.now().Add(-s.idleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.clients {
		if v.lastSeen.Before(cutoff) {
			delete(s.clients, k)
		}
	}
}

// Stop ends the cleanup goroutine.
func (s *LimiterStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *LimiterStore) getLimiter(bucket Bucket, key string) *rate.Limiter {
	k := string(bucket) + "|" + key
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.clients[k]; ok {
		e.lastSeen = s.now()
		return e.limiter
	}
	rpm := s.limits.perMinute(bucket)
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	s.clients[k] = &clientEntry{limiter: limiter, lastSeen: s.now()}
	return limiter
}

// Allow takes a token when one is available. Otherwise the reservation is
// returned and RetryAfter says when the next token will be.
func (s *LimiterStore) Allow(_ context.Context, key string, bucket Bucket) (Decision, error) {
	l := s.getLimiter(bucket, key)
	now := s.now()
	r := l.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: time.Minute}, nil
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: d}, nil
	}
	return Decision{Allowed: true}, nil
}

// Peek reports whether a token is available without taking it.
func (s *LimiterStore) Peek(_ context.Context, key string, bucket Bucket) (Decision, error) {
	l := s.getLimiter(bucket, key)
	tokens := l.TokensAt(s.now())
	if tokens >= 1 {
		return Decision{Allowed: true}, nil
	}
	wait := time.Duration((1 - tokens) / float64(l.Limit()) * float64(time.Second))
	return Decision{RetryAfter: wait}, nil
}

// RedisWindow counts requests in fixed one minute windows shared by every
// instance that points at the same Redis.
type RedisWindow struct {
	rdb    *redis.Client
	limits Limits
	prefix string
	now    func() time.Time
}

func NewRedisWindow(rdb *redis.Client, limits Limits) *RedisWindow {
	return &RedisWindow{rdb: rdb, limits: limits, prefix: "swipepay:rl:", now: time.Now}
}

func (w *RedisWindow) Allow(ctx context.Context, key string, bucket Bucket) (Decision, error) {
	now := w.now()
	window := now.Unix() / 60
	k := w.prefix + string(bucket) + ":" + key + ":" + strconv.FormatInt(window, 10)

	var incr *redis.IntCmd
	_, err := w.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, 2*time.Minute)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	if incr.Val() <= int64(w.limits.perMinute(bucket)) {
		return Decision{Allowed: true}, nil
	}
	next := time.Unix((window+1)*60, 0)
	return Decision{RetryAfter: next.Sub(now)}, nil
}

// Peek reads the current window's count without incrementing it.
func (w *RedisWindow) Peek(ctx context.Context, key string, bucket Bucket) (Decision, error) {
	now := w.now()
	window := now.Unix() / 60
	k := w.prefix + string(bucket) + ":" + key + ":" + strconv.FormatInt(window, 10)

	n, err := w.rdb.Get(ctx, k).Int64()
	if errors.Is(err, redis.Nil) {
		return Decision{Allowed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	if n < int64(w.limits.perMinute(bucket)) {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Unix((window+1)*60, 0).Sub(now)}, nil
}

// RetryAfterSeconds rounds d up to whole seconds, never below one.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// allow consults gov and fails open when the backend errors, so an outage of
// the limiter never takes the API down with it.
func allow(ctx context.Context, gov Governor, key string, bucket Bucket, log *zap.Logger, m *metrics.Metrics) Decision {
	d, err := gov.Allow(ctx, key, bucket)
	if err != nil {
		log.Warn("rate limiter unavailable, allowing request",
			zap.String("bucket", string(bucket)), zap.Error(err))
		return Decision{Allowed: true}
	}
	if !d.Allowed {
		m.RateLimited.WithLabelValues(string(bucket)).Inc()
	}
	return d
}

// RateLimitUnaryInterceptor limits every unary call. methods maps full method
// names to buckets; anything unmapped falls in the general bucket. Callers are
// keyed by user id when the auth interceptor has run, else by peer address.
func RateLimitUnaryInterceptor(gov Governor, methods map[string]Bucket, log *zap.Logger, m *metrics.Metrics) grpc.UnaryServerInterceptor {
	log = logger.OrNop(log)
	m = metrics.OrNew(m)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		bucket, ok := methods[info.FullMethod]
		if !ok {
			bucket = BucketGeneral
		}

		key := PeerKey(ctx)
		if id, ok := auth.IdentityFrom(ctx); ok {
			key = "user:" + id.UserID
		}

		d := allow(ctx, gov, key, bucket, log, m)
		if !d.Allowed {
			return nil, Exhausted(ctx, d)
		}
		return handler(ctx, req)
	}
}

// Exhausted sets the retry-after trailer for d and returns the
// ResourceExhausted status to send.
func Exhausted(ctx context.Context, d Decision) error {
	secs := strconv.Itoa(RetryAfterSeconds(d.RetryAfter))
	_ = grpc.SetTrailer(ctx, metadata.Pairs(RetryAfterKey, secs))
	return status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %ss", secs)
}

// PeerKey keys a caller that has not authenticated by its remote host.
func PeerKey(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return "peer:" + hostOnly(p.Addr.String())
	}
	return "unknown"
}

// FailedAuth throttles credential guessing. Every rejected credential is
// charged to the caller's auth bucket, and a caller with an empty auth bucket
// is refused before its credential is looked at. A nil FailedAuth does
// nothing.
type FailedAuth struct {
	gov Governor
	log *zap.Logger
	m   *metrics.Metrics
}

func NewFailedAuth(gov Governor, log *zap.Logger, m *metrics.Metrics) *FailedAuth {
	if gov == nil {
		return nil
	}
	return &FailedAuth{gov: gov, log: logger.OrNop(log), m: metrics.OrNew(m)}
}

// Check reports whether key may still present a credential. Governors that
// cannot peek always allow.
func (f *FailedAuth) Check(ctx context.Context, key string) Decision {
	if f == nil {
		return Decision{Allowed: true}
	}
	in, ok := f.gov.(Inspector)
	if !ok {
		return Decision{Allowed: true}
	}
	d, err := in.Peek(ctx, key, BucketAuth)
	if err != nil {
		f.log.Warn("rate limiter unavailable, allowing credential", zap.Error(err))
		return Decision{Allowed: true}
	}
	if !d.Allowed {
		f.m.RateLimited.WithLabelValues(string(BucketAuth)).Inc()
	}
	return d
}

// Fail charges one rejected credential to key.
func (f *FailedAuth) Fail(ctx context.Context, key string) {
	if f == nil {
		return
	}
	_, err := f.gov.Allow(ctx, key, BucketAuth)
	if err != nil {
		f.log.Warn("rate limiter unavailable, failed credential not counted", zap.Error(err))
	}
}

func hostOnly(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
