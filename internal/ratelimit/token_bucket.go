package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/store"
)

// TokenBucketConfig tunes the token-bucket limiter.
type TokenBucketConfig struct {
	// Capacity is the bucket size, which bounds the largest burst.
	Capacity float64
	// RefillRate is the sustained admission rate in tokens per second.
	RefillRate float64
}

// DefaultTokenBucketConfig returns production defaults.
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{
		Capacity:   10,
		RefillRate: 1,
	}
}

// bucket is the persisted limiter state for one identity.
type bucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill"` // unix nanoseconds
}

// bucketTTL bounds how long an idle bucket survives in the store. Any bucket
// older than this has long since refilled to capacity, so losing it changes
// nothing.
const bucketTTL = time.Hour

// TokenBucket is a burst-tolerant limiter. Each identity holds a bucket of
// Capacity tokens refilled continuously at RefillRate; every admission spends
// one. Refill and spend happen in one optimistic transaction against the
// shared store.
type TokenBucket struct {
	cfg      TokenBucketConfig
	store    store.Store
	clock    clock.Clock
	logger   *slog.Logger
	degraded atomic.Bool
}

// NewTokenBucket creates a store-backed token-bucket limiter.
func NewTokenBucket(cfg TokenBucketConfig, st store.Store, logger *slog.Logger) *TokenBucket {
	return NewTokenBucketWithClock(cfg, st, logger, clock.New())
}

// NewTokenBucketWithClock creates a token-bucket limiter with an injected
// clock.
func NewTokenBucketWithClock(cfg TokenBucketConfig, st store.Store, logger *slog.Logger, clk clock.Clock) *TokenBucket {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenBucket{
		cfg:    cfg,
		store:  st,
		clock:  clk,
		logger: logger,
	}
}

// Allow refills the identity's bucket for the elapsed time and spends one
// token if available. Denials persist the refill progress so the bucket keeps
// filling while the caller is being turned away.
func (t *TokenBucket) Allow(ctx context.Context, id Identity, endpoint string) (Decision, error) {
	key := "ratelimit:bucket:" + id.Key() + ":" + endpoint
	now := t.clock.Now()

	var dec Decision
	err := t.store.Transact(ctx, key, func(current []byte) ([]byte, time.Duration, error) {
		b := t.decode(current, now)

		elapsed := now.Sub(time.Unix(0, b.LastRefill))
		if elapsed > 0 {
			b.Tokens = math.Min(t.cfg.Capacity, b.Tokens+elapsed.Seconds()*t.cfg.RefillRate)
		}
		b.LastRefill = now.UnixNano()

		allowed := b.Tokens >= 1
		if allowed {
			b.Tokens--
		}

		dec = Decision{
			Allowed:   allowed,
			Limit:     int64(t.cfg.Capacity),
			Remaining: int64(math.Floor(b.Tokens)),
			ResetAt:   t.nextToken(b, now),
		}

		data, err := json.Marshal(b)
		if err != nil {
			return nil, 0, err
		}
		return data, bucketTTL, nil
	})

	switch {
	case err == nil:
		t.exitDegraded()
		return dec, nil
	case ctx.Err() != nil:
		return Decision{}, ctx.Err()
	default:
		t.enterDegraded(err)
		return Decision{
			Allowed:   true,
			Limit:     int64(t.cfg.Capacity),
			Remaining: int64(t.cfg.Capacity),
			ResetAt:   now,
			Err:       err,
		}, nil
	}
}

// nextToken returns when the bucket next holds at least one whole token.
func (t *TokenBucket) nextToken(b bucket, now time.Time) time.Time {
	if b.Tokens >= 1 {
		return now
	}
	if t.cfg.RefillRate <= 0 {
		return now.Add(bucketTTL)
	}
	wait := (1 - b.Tokens) / t.cfg.RefillRate
	return now.Add(time.Duration(wait * float64(time.Second)))
}

func (t *TokenBucket) decode(current []byte, now time.Time) bucket {
	b := bucket{Tokens: t.cfg.Capacity, LastRefill: now.UnixNano()}
	if current != nil {
		_ = json.Unmarshal(current, &b)
	}
	return b
}

func (t *TokenBucket) enterDegraded(err error) {
	if t.degraded.CompareAndSwap(false, true) {
		t.logger.Warn("shared store unreachable, rate limiting disabled until it recovers",
			"error", err,
		)
	}
}

func (t *TokenBucket) exitDegraded() {
	if t.degraded.CompareAndSwap(true, false) {
		t.logger.Info("shared store reachable again, rate limiting resumed")
	}
}

var _ Limiter = (*TokenBucket)(nil)
var _ Limiter = (*SlidingWindow)(nil)
var _ error = (*Error)(nil)

// Unlimited admits everything. Used when rate limiting is disabled.
type Unlimited struct{}

// Allow always admits.
func (Unlimited) Allow(context.Context, Identity, string) (Decision, error) {
	return Decision{Allowed: true, Limit: -1, Remaining: -1}, nil
}
