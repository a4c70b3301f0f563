package store

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Memory is a process-local Store used when no Redis backend is configured
// and as the degraded-mode fallback target in tests. Transactions are
// serialized with a mutex, which gives the same read-evaluate-commit
// atomicity the Redis backend provides across processes.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	clock clock.Clock
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(clock.New())
}

// NewMemoryWithClock creates an in-memory store with an injected clock.
func NewMemoryWithClock(clk clock.Clock) *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		clock: clk,
	}
}

func (s *Memory) get(key string) ([]byte, bool) {
	item, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !item.expiresAt.IsZero() && !s.clock.Now().Before(item.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return item.value, true
}

func (s *Memory) set(key string, value []byte, ttl time.Duration) {
	item := memoryItem{value: value}
	if ttl > 0 {
		item.expiresAt = s.clock.Now().Add(ttl)
	}
	s.items[key] = item
}

// Get retrieves a value. Missing or expired keys return ErrNotFound.
func (s *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Set stores a value with the given TTL.
func (s *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.set(key, stored, ttl)
	return nil
}

// Delete removes a key.
func (s *Memory) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Transact runs fn while holding the store lock. fn never observes a stale
// read, so no conflict retry is needed locally.
func (s *Memory) Transact(ctx context.Context, key string, fn TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	if val, ok := s.get(key); ok {
		current = make([]byte, len(val))
		copy(current, val)
	}

	next, ttl, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.items, key)
		return nil
	}
	s.set(key, next, ttl)
	return nil
}
