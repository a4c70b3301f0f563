package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultTxRetries = 16

// RedisConfig holds configuration for the Redis-backed store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "modelrelay",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// Redis implements Store on a Redis client. Transact uses WATCH/MULTI/EXEC
// optimistic transactions and retries on commit conflicts.
type Redis struct {
	client    goredis.UniversalClient
	namespace string
	txRetries int
}

// NewRedis creates a Redis store and verifies connectivity.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{
		client:    client,
		namespace: cfg.Namespace,
		txRetries: defaultTxRetries,
	}, nil
}

// NewRedisWithClient wraps an existing client. Used by tests.
func NewRedisWithClient(client goredis.UniversalClient, namespace string) *Redis {
	return &Redis{
		client:    client,
		namespace: namespace,
		txRetries: defaultTxRetries,
	}
}

func (s *Redis) prefixKey(key string) string {
	if s.namespace == "" {
		return key
	}
	return s.namespace + ":" + key
}

// Get retrieves a value. Missing keys return ErrNotFound.
func (s *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, s.wrap("get", err)
	}
	return val, nil
}

// Set stores a value with the given TTL. A ttl <= 0 stores without expiry.
func (s *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefixKey(key), value, ttl).Err(); err != nil {
		return s.wrap("set", err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
		return s.wrap("del", err)
	}
	return nil
}

// txAbort wraps an error returned by the caller's TxFunc so it can be
// separated from transport failures after Watch returns.
type txAbort struct{ err error }

func (a *txAbort) Error() string { return a.err.Error() }
func (a *txAbort) Unwrap() error { return a.err }

// Transact runs fn under WATCH on key, committing with MULTI/EXEC. A commit
// that lost to a concurrent writer is retried with a fresh read; fn errors
// abort the transaction and are returned unchanged.
func (s *Redis) Transact(ctx context.Context, key string, fn TxFunc) error {
	prefixed := s.prefixKey(key)

	for i := 0; i < s.txRetries; i++ {
		err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
			var current []byte
			val, err := tx.Get(ctx, prefixed).Bytes()
			switch {
			case err == nil:
				current = val
			case errors.Is(err, goredis.Nil):
				current = nil
			default:
				return err
			}

			next, ttl, err := fn(current)
			if err != nil {
				return &txAbort{err: err}
			}
			if ttl < 0 {
				ttl = 0
			}

			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, prefixed)
				} else {
					pipe.Set(ctx, prefixed, next, ttl)
				}
				return nil
			})
			return err
		}, prefixed)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, goredis.TxFailedErr):
			continue
		default:
			var abort *txAbort
			if errors.As(err, &abort) {
				return abort.err
			}
			return s.wrap("transact", err)
		}
	}
	return ErrConflict
}

// Ping checks connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Redis) Close() error {
	return s.client.Close()
}

func (s *Redis) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}
