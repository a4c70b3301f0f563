package breaker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"

	"github.com/modelrelay/modelrelay/internal/store"
)

// record is the authoritative breaker state shared through the store.
// Exactly one copy per breaker name; every instance reads, evaluates, and
// commits it inside one optimistic transaction.
type record struct {
	State     State `json:"state"`
	Failures  int   `json:"failures"`
	ChangedAt int64 `json:"changed_at"` // unix nanoseconds
	Trial     bool  `json:"trial"`
}

// Sentinels carried out of the admission transaction. Neither is ever
// returned to the caller.
var (
	errAdmitClosed = errors.New("breaker: admitted closed")
	errRejected    = errors.New("breaker: rejected")
	errNoChange    = errors.New("breaker: no change")
)

// Distributed is the cross-instance circuit breaker. State lives in the
// shared store; while the store is unreachable it degrades to an embedded
// in-memory breaker and heals automatically once the store answers again.
type Distributed struct {
	name     string
	key      string
	cfg      Config
	store    store.Store
	fallback *Memory
	clock    clock.Clock
	logger   *slog.Logger
	degraded atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewDistributed creates a store-backed circuit breaker.
func NewDistributed(name string, cfg Config, st store.Store, logger *slog.Logger) *Distributed {
	return NewDistributedWithClock(name, cfg, st, logger, clock.New())
}

// NewDistributedWithClock creates a store-backed breaker with an injected clock.
func NewDistributedWithClock(name string, cfg Config, st store.Store, logger *slog.Logger, clk clock.Clock) *Distributed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Distributed{
		name:     name,
		key:      "breaker:" + name,
		cfg:      cfg,
		store:    st,
		fallback: NewMemoryWithClock(name, cfg, clk),
		clock:    clk,
		logger:   logger,
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Name returns the breaker name.
func (d *Distributed) Name() string { return d.name }

// State returns the current observable state, from the store when reachable
// and from the local fallback otherwise.
func (d *Distributed) State() State {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	data, err := d.store.Get(ctx, d.key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return StateClosed
		}
		return d.fallback.State()
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return StateClosed
	}
	return rec.State
}

// Call runs op through the breaker. The admission decision and any state
// write happen in one optimistic transaction against the shared store, so
// two instances can never both claim the same half-open trial.
func (d *Distributed) Call(ctx context.Context, op func(context.Context) error) error {
	rejection, err := d.admit(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d.enterDegraded(err)
		return d.fallback.Call(ctx, op)
	}
	d.exitDegraded()
	if rejection != nil {
		return rejection
	}

	opErr := op(ctx)

	if opErr != nil && (ctx.Err() != nil || !d.cfg.predicate()(opErr)) {
		d.releaseTrial()
		return opErr
	}
	d.recordOutcome(ctx, opErr == nil)
	return opErr
}

// admit returns (nil, nil) when the call may proceed, a non-nil OpenError
// when it must be rejected, and a non-nil error when the store could not be
// consulted.
func (d *Distributed) admit(ctx context.Context) (*OpenError, error) {
	var rejection *OpenError
	var transitioned bool

	err := d.store.Transact(ctx, d.key, func(current []byte) ([]byte, time.Duration, error) {
		rejection = nil
		transitioned = false

		rec := d.decode(current)
		now := d.clock.Now()

		if rec.State == StateOpen && now.Sub(time.Unix(0, rec.ChangedAt)) > d.cfg.RecoveryTimeout+d.jitter() {
			// Recovery window elapsed: this caller becomes the
			// half-open trial in the same commit.
			rec.State = StateHalfOpen
			rec.Trial = true
			rec.ChangedAt = now.UnixNano()
			transitioned = true
			return d.encode(rec)
		}

		switch rec.State {
		case StateOpen:
			rejection = d.openError(rec, now)
			return nil, 0, errRejected
		case StateHalfOpen:
			if rec.Trial {
				rejection = d.openError(rec, now)
				return nil, 0, errRejected
			}
			rec.Trial = true
			return d.encode(rec)
		default:
			return nil, 0, errAdmitClosed
		}
	})

	switch {
	case err == nil:
		if transitioned {
			d.notify(StateOpen, StateHalfOpen)
		}
		return nil, nil
	case errors.Is(err, errAdmitClosed):
		return nil, nil
	case errors.Is(err, errRejected):
		return rejection, nil
	default:
		return nil, err
	}
}

// recordOutcome writes the call result back. The write uses a context
// detached from the caller so a response already delivered still updates
// shared state. Store failures fall through to the local record.
func (d *Distributed) recordOutcome(ctx context.Context, success bool) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	var from, to State
	var transitioned bool

	err := d.store.Transact(writeCtx, d.key, func(current []byte) ([]byte, time.Duration, error) {
		transitioned = false
		rec := d.decode(current)
		now := d.clock.Now()

		if success {
			switch rec.State {
			case StateHalfOpen:
				from, to, transitioned = rec.State, StateClosed, true
				rec.State = StateClosed
				rec.Failures = 0
				rec.Trial = false
				rec.ChangedAt = now.UnixNano()
			case StateClosed:
				if rec.Failures == 0 {
					return nil, 0, errNoChange
				}
				rec.Failures = 0
			default:
				return nil, 0, errNoChange
			}
			return d.encode(rec)
		}

		switch rec.State {
		case StateClosed:
			rec.Failures++
			if rec.Failures >= d.cfg.FailureThreshold {
				from, to, transitioned = rec.State, StateOpen, true
				rec.State = StateOpen
				rec.Failures = 0
				rec.ChangedAt = now.UnixNano()
			}
		case StateHalfOpen:
			from, to, transitioned = rec.State, StateOpen, true
			rec.State = StateOpen
			rec.Trial = false
			rec.ChangedAt = now.UnixNano()
		default:
			return nil, 0, errNoChange
		}
		return d.encode(rec)
	})

	switch {
	case err == nil:
		if transitioned {
			d.notify(from, to)
		}
	case errors.Is(err, errNoChange):
	default:
		// Mirror the outcome locally so it is not lost during the outage.
		d.enterDegraded(err)
		if success {
			d.fallback.recordSuccess()
		} else {
			d.fallback.recordFailure()
		}
	}
}

// releaseTrial frees a claimed half-open trial after a call whose error does
// not count against the breaker (cancellation, non-matching errors).
func (d *Distributed) releaseTrial() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := d.store.Transact(ctx, d.key, func(current []byte) ([]byte, time.Duration, error) {
		rec := d.decode(current)
		if rec.State != StateHalfOpen || !rec.Trial {
			return nil, 0, errNoChange
		}
		rec.Trial = false
		return d.encode(rec)
	})
	if err != nil && !errors.Is(err, errNoChange) {
		d.enterDegraded(err)
	}
}

func (d *Distributed) decode(current []byte) record {
	rec := record{State: StateClosed}
	if current != nil {
		_ = json.Unmarshal(current, &rec)
	}
	return rec
}

func (d *Distributed) encode(rec record) ([]byte, time.Duration, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, 0, err
	}
	return b, 0, nil
}

func (d *Distributed) openError(rec record, now time.Time) *OpenError {
	retryAfter := time.Unix(0, rec.ChangedAt).Add(d.cfg.RecoveryTimeout).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &OpenError{Name: d.name, RetryAfter: retryAfter}
}

func (d *Distributed) jitter() time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return time.Duration(d.rng.Float64() * recoveryJitterFraction * float64(d.cfg.RecoveryTimeout))
}

func (d *Distributed) notify(from, to State) {
	if d.cfg.OnStateChange != nil {
		go d.cfg.OnStateChange(d.name, from, to)
	}
}

func (d *Distributed) enterDegraded(err error) {
	if d.degraded.CompareAndSwap(false, true) {
		d.logger.Warn("shared store unreachable, circuit breaker degraded to local state",
			"breaker", d.name,
			"error", err,
		)
	}
}

func (d *Distributed) exitDegraded() {
	if d.degraded.CompareAndSwap(true, false) {
		d.logger.Info("shared store reachable again, circuit breaker resumed distributed state",
			"breaker", d.name,
		)
	}
}
