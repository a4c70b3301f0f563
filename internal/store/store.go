// Package store provides the shared state client used by the distributed
// circuit breaker and rate limiters. Any key-value store with expiring keys
// and optimistic transactions satisfies the interface; the default backend
// is Redis, with a process-local fallback for single-instance deployments.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key does not exist.
	ErrNotFound = errors.New("store: key not found")

	// ErrUnavailable wraps connectivity failures. Callers degrade to
	// local-only behavior instead of surfacing it to the request.
	ErrUnavailable = errors.New("store: unavailable")

	// ErrConflict is returned by Transact when the optimistic commit kept
	// losing to concurrent writers after all retries.
	ErrConflict = errors.New("store: transaction conflict")
)

// TxFunc computes the next value for a key inside an optimistic transaction.
// current is nil when the key does not exist. Returning a nil next value
// deletes the key; a ttl <= 0 stores the value without expiry. Returning an
// error aborts the transaction and propagates the error unchanged.
type TxFunc func(current []byte) (next []byte, ttl time.Duration, err error)

// Store is a thin interface over a remote key-value store with expiring keys
// and a watch-then-conditional-commit transaction primitive. Implementations
// must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Transact runs fn in an optimistic read-modify-write transaction on
	// key: the key is watched, fn computes the next value, and the commit
	// succeeds only if no other writer touched the key since the watch.
	// On a detected conflict the whole sequence is retried; callers are
	// never blocked on a lock.
	Transact(ctx context.Context, key string, fn TxFunc) error
}

// IsUnavailable reports whether err indicates the store cannot be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
