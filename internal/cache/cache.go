// Package cache wraps Redis for the short-lived coordination state the
// trading kernel needs: request idempotency, duplicate-posting fingerprints
// and per-actor rate limiting. All state here is reconstructible; Redis loss
// degrades dedup quality but never correctness.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds Redis connection settings.
type Config struct {
	Addr string
	DB   int
}

// Client wraps the Redis connection.
type Client struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New creates a new cache client and verifies connectivity.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{
		rdb: rdb,
		log: log.With().Str("component", "cache").Logger(),
	}, nil
}

// NewFromClient wraps an existing Redis client. Used by tests.
func NewFromClient(rdb *redis.Client, log zerolog.Logger) *Client {
	return &Client{
		rdb: rdb,
		log: log.With().Str("component", "cache").Logger(),
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Redis exposes the underlying connection for components that need raw
// commands, like the stream publisher.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Idempotency remembers a request key and its stored response. First call
// with a key wins; replays within the TTL get the original response back.
type Idempotency struct {
	c   *Client
	ttl time.Duration
}

// NewIdempotency creates an idempotency cache with the given replay window.
func NewIdempotency(c *Client, ttl time.Duration) *Idempotency {
	return &Idempotency{c: c, ttl: ttl}
}

// Begin claims a key. Returns (stored, false) when the key was already
// claimed and carries the prior response, or ("", true) when this caller won.
func (i *Idempotency) Begin(ctx context.Context, key string) (string, bool, error) {
	ok, err := i.c.rdb.SetNX(ctx, "idem:"+key, "", i.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if ok {
		return "", true, nil
	}
	stored, err := i.c.rdb.Get(ctx, "idem:"+key).Result()
	if errors.Is(err, redis.Nil) {
		// Claimed but expired between SetNX and Get; treat as fresh.
		return "", true, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	return stored, false, nil
}

// Complete stores the response for a claimed key so replays return it.
func (i *Idempotency) Complete(ctx context.Context, key, response string) error {
	if err := i.c.rdb.Set(ctx, "idem:"+key, response, i.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency store failed: %w", err)
	}
	return nil
}

// Fingerprints holds recent posting fingerprints for near-duplicate
// detection. Entries expire on their own; the similarity comparison happens
// in the matching engine, this cache only stores and lists.
type Fingerprints struct {
	c      *Client
	window time.Duration
}

// NewFingerprints creates a fingerprint cache with the duplicate window.
func NewFingerprints(c *Client, window time.Duration) *Fingerprints {
	return &Fingerprints{c: c, window: window}
}

func (f *Fingerprints) key(partnerID, commodityID string) string {
	return fmt.Sprintf("fp:%s:%s", partnerID, commodityID)
}

// Add records a fingerprint for a partner and commodity.
func (f *Fingerprints) Add(ctx context.Context, partnerID, commodityID, fingerprint string) error {
	key := f.key(partnerID, commodityID)
	pipe := f.c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().UnixMilli()), Member: fingerprint})
	pipe.Expire(ctx, key, f.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("fingerprint store failed: %w", err)
	}
	return nil
}

// Recent returns fingerprints stored within the window for a partner and
// commodity, oldest first.
func (f *Fingerprints) Recent(ctx context.Context, partnerID, commodityID string) ([]string, error) {
	key := f.key(partnerID, commodityID)
	cutoff := time.Now().Add(-f.window).UnixMilli()
	members, err := f.c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fingerprint lookup failed: %w", err)
	}
	return members, nil
}

// RateLimiter bounds operations per actor per window.
type RateLimiter interface {
	Allow(ctx context.Context, actorID, op string) (bool, error)
}

// FixedWindowLimiter is a Redis fixed-window rate limiter. Windows are
// aligned to wall-clock boundaries so all instances agree on the bucket.
type FixedWindowLimiter struct {
	c      *Client
	limit  int64
	window time.Duration
}

// NewFixedWindowLimiter creates a limiter allowing limit calls per window.
func NewFixedWindowLimiter(c *Client, limit int, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{c: c, limit: int64(limit), window: window}
}

// Allow reports whether the actor may perform the operation now.
func (l *FixedWindowLimiter) Allow(ctx context.Context, actorID, op string) (bool, error) {
	bucket := time.Now().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("rl:%s:%s:%d", op, actorID, bucket)

	pipe := l.c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	return incr.Val() <= l.limit, nil
}
