package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/store"
)

// SlidingWindowConfig tunes the exact sliding-window limiter.
type SlidingWindowConfig struct {
	// MaxRequests is the admission ceiling per identity per window.
	MaxRequests int64
	// Window is the rolling interval over which requests are counted.
	Window time.Duration
	// SweepInterval is how often the background sweeper prunes idle keys.
	// Zero selects the window length.
	SweepInterval time.Duration
}

// DefaultSlidingWindowConfig returns production defaults.
func DefaultSlidingWindowConfig() SlidingWindowConfig {
	return SlidingWindowConfig{
		MaxRequests: 60,
		Window:      time.Minute,
	}
}

// ttlSlack keeps records alive slightly past the window so a request at the
// window edge still sees them before the store expires the key.
const ttlSlack = 10 * time.Second

// SlidingWindow is an exact sliding-window limiter. Each identity's request
// timestamps live in the shared store as one record, pruned and appended
// inside a single optimistic transaction so concurrent gateway instances
// never admit more than MaxRequests per window between them.
type SlidingWindow struct {
	cfg      SlidingWindowConfig
	store    store.Store
	clock    clock.Clock
	logger   *slog.Logger
	degraded atomic.Bool
	started  sync.Once

	// Keys this instance has touched, swept periodically so identities
	// that go quiet do not leave stale records behind.
	touched sync.Map
}

// NewSlidingWindow creates a store-backed sliding-window limiter.
func NewSlidingWindow(cfg SlidingWindowConfig, st store.Store, logger *slog.Logger) *SlidingWindow {
	return NewSlidingWindowWithClock(cfg, st, logger, clock.New())
}

// NewSlidingWindowWithClock creates a sliding-window limiter with an
// injected clock.
func NewSlidingWindowWithClock(cfg SlidingWindowConfig, st store.Store, logger *slog.Logger, clk clock.Clock) *SlidingWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlidingWindow{
		cfg:    cfg,
		store:  st,
		clock:  clk,
		logger: logger,
	}
}

// Allow records the attempt and admits it unless the identity already made
// MaxRequests within the trailing window. Denied attempts are recorded too
// and count against later checks, so a caller hammering while throttled
// keeps pushing its own admission out.
func (s *SlidingWindow) Allow(ctx context.Context, id Identity, endpoint string) (Decision, error) {
	key := "ratelimit:window:" + id.Key() + ":" + endpoint
	now := s.clock.Now()

	var dec Decision
	err := s.store.Transact(ctx, key, func(current []byte) ([]byte, time.Duration, error) {
		stamps := s.decode(current)
		stamps = prune(stamps, now.Add(-s.cfg.Window).UnixNano())
		stamps = append(stamps, now.UnixNano())

		count := int64(len(stamps))
		remaining := s.cfg.MaxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		// When denied, the next admission needs enough old attempts to
		// leave the window that the count drops back under the limit.
		resetIdx := 0
		if count > s.cfg.MaxRequests {
			resetIdx = len(stamps) - int(s.cfg.MaxRequests)
		}
		dec = Decision{
			Allowed:   count <= s.cfg.MaxRequests,
			Limit:     s.cfg.MaxRequests,
			Remaining: remaining,
			ResetAt:   time.Unix(0, stamps[resetIdx]).Add(s.cfg.Window),
		}

		b, err := json.Marshal(stamps)
		if err != nil {
			return nil, 0, err
		}
		return b, s.cfg.Window + ttlSlack, nil
	})

	switch {
	case err == nil:
		s.exitDegraded()
		s.touched.Store(key, struct{}{})
		return dec, nil
	case ctx.Err() != nil:
		return Decision{}, ctx.Err()
	default:
		s.enterDegraded(err)
		return Decision{
			Allowed:   true,
			Limit:     s.cfg.MaxRequests,
			Remaining: s.cfg.MaxRequests,
			ResetAt:   now.Add(s.cfg.Window),
			Err:       err,
		}, nil
	}
}

// Start launches the background sweeper, which runs until ctx is cancelled.
// The store TTL is the backstop; the sweeper exists so records vanish
// promptly even when the store keeps expired values around, and so the
// touched set stays bounded. Safe to call once; later calls are no-ops.
func (s *SlidingWindow) Start(ctx context.Context) {
	s.started.Do(func() {
		go s.sweepLoop(ctx)
	})
}

func (s *SlidingWindow) sweepLoop(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = s.cfg.Window
	}
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep prunes every key this instance has touched, deleting records whose
// timestamps have all aged out.
func (s *SlidingWindow) sweep(ctx context.Context) {
	cutoff := s.clock.Now().Add(-s.cfg.Window).UnixNano()

	s.touched.Range(func(k, _ any) bool {
		key := k.(string)
		empty := false

		err := s.store.Transact(ctx, key, func(current []byte) ([]byte, time.Duration, error) {
			if current == nil {
				empty = true
				return nil, 0, errNoChange
			}
			stamps := prune(s.decode(current), cutoff)
			if len(stamps) == 0 {
				empty = true
				return nil, 0, nil // delete
			}
			b, err := json.Marshal(stamps)
			if err != nil {
				return nil, 0, err
			}
			return b, s.cfg.Window + ttlSlack, nil
		})

		switch {
		case err == nil, errors.Is(err, errNoChange):
			if empty {
				s.touched.Delete(key)
			}
		case ctx.Err() != nil:
			return false
		default:
			s.logger.Debug("rate limit sweep failed", "key", key, "error", err)
		}
		return true
	})
}

var errNoChange = errors.New("ratelimit: no change")

func (s *SlidingWindow) decode(current []byte) []int64 {
	if current == nil {
		return nil
	}
	var stamps []int64
	if err := json.Unmarshal(current, &stamps); err != nil {
		return nil
	}
	return stamps
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// arrival order, so the record stays sorted and a linear scan suffices.
func prune(stamps []int64, cutoff int64) []int64 {
	i := 0
	for i < len(stamps) && stamps[i] <= cutoff {
		i++
	}
	return stamps[i:]
}

func (s *SlidingWindow) enterDegraded(err error) {
	if s.degraded.CompareAndSwap(false, true) {
		s.logger.Warn("shared store unreachable, rate limiting disabled until it recovers",
			"error", err,
		)
	}
}

func (s *SlidingWindow) exitDegraded() {
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("shared store reachable again, rate limiting resumed")
	}
}
