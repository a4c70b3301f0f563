// Package ratelimit provides per-identity request admission control. Two
// algorithms implement one interface: exact sliding-window counting and a
// burst-tolerant token bucket. Both share state through the store and both
// fail open when the store is unreachable: availability is prioritized over
// strict enforcement during infrastructure outages.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Identity carries the signals available to identify a caller. The limiter
// keys on the most specific signal present: credential > user > address.
type Identity struct {
	Credential string
	User       string
	Address    string
}

// Key returns the composite limiter key for the identity.
func (id Identity) Key() string {
	switch {
	case id.Credential != "":
		return "cred:" + id.Credential
	case id.User != "":
		return "user:" + id.User
	case id.Address != "":
		return "addr:" + id.Address
	default:
		return "anon"
	}
}

// Decision is the result of an admission check. Remaining is always an
// integer count: the token bucket floors its fractional token balance so
// both algorithms expose the same shape.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// Err is set when the store could not be consulted and the request
	// was admitted without enforcement.
	Err error
}

// Limiter is the admission-control interface consumed by the dispatcher.
type Limiter interface {
	Allow(ctx context.Context, id Identity, endpoint string) (Decision, error)
}

// Error is the caller-visible denial. Surfacing it must have no side
// effects.
type Error struct {
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("rate limit exceeded (limit=%d, reset=%s)", e.Limit, e.ResetAt.Format(time.RFC3339))
}

// RetryAfter returns the advisory delay until the next admission.
func (e *Error) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
