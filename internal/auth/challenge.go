package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrChallengeNotFound is returned by Take for unknown, expired or already
// consumed nonces.
var ErrChallengeNotFound = errors.New("challenge not found or expired")

// Challenge is a single-use login nonce bound to a wallet.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Wallet    string    `json:"wallet"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChallengeStore keeps outstanding challenges. Take must be atomic: a nonce
// is returned to at most one caller.
type ChallengeStore interface {
	Put(ctx context.Context, c Challenge, ttl time.Duration) error
	Take(ctx context.Context, nonce string) (Challenge, error)
}

// MemoryChallengeStore is a process-local ChallengeStore. It is correct for a
// single instance only; use RedisChallengeStore when running several.
type MemoryChallengeStore struct {
	mu    sync.Mutex
	items map[string]Challenge
	now   func() time.Time
}

func NewMemoryChallengeStore() *MemoryChallengeStore {
	return &MemoryChallengeStore{items: make(map[string]Challenge), now: time.Now}
}

func (s *MemoryChallengeStore) Put(_ context.Context, c Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = s.now().Add(ttl)
	}
	s.items[c.Nonce] = c
	return nil
}

func (s *MemoryChallengeStore) Take(_ context.Context, nonce string) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[nonce]
	if !ok {
		return Challenge{}, ErrChallengeNotFound
	}
	delete(s.items, nonce)
	if !s.now().Before(c.ExpiresAt) {
		return Challenge{}, ErrChallengeNotFound
	}
	return c, nil
}

// Sweep drops expired challenges and returns how many were removed.
func (s *MemoryChallengeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, c := range s.items {
		if !now.Before(c.ExpiresAt) {
			delete(s.items, k)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep every interval until ctx is done.
func (s *MemoryChallengeStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

// RedisChallengeStore shares challenges across instances. Entries expire via
// the key TTL and are consumed with GETDEL.
type RedisChallengeStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisChallengeStore(rdb *redis.Client) *RedisChallengeStore {
	return &RedisChallengeStore{rdb: rdb, prefix: "swipepay:challenge:"}
}

func (s *RedisChallengeStore) Put(ctx context.Context, c Challenge, ttl time.Duration) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, s.prefix+c.Nonce, b, ttl).Result()
	if err != nil {
		return fmt.Errorf("store challenge: %w", err)
	}
	if !ok {
		return fmt.Errorf("challenge nonce collision")
	}
	return nil
}

func (s *RedisChallengeStore) Take(ctx context.Context, nonce string) (Challenge, error) {
	raw, err := s.rdb.GetDel(ctx, s.prefix+nonce).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeNotFound
	}
	if err != nil {
		return Challenge{}, fmt.Errorf("take challenge: %w", err)
	}
	var c Challenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	return c, nil
}
