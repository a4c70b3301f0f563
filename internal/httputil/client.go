// Package httputil holds the outbound HTTP plumbing shared by the provider
// adapters: pooled clients, bounded response reads, and Retry-After parsing.
package httputil

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultTimeout             = 60 * time.Second
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// PoolConfig sizes a provider's outbound connection pool.
type PoolConfig struct {
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// NewPooledClient builds an HTTP client with its own transport so each
// provider owns its pool and Close can release it without affecting others.
func NewPooledClient(cfg PoolConfig) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = defaultIdleConnTimeout
	}

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.IdleConnTimeout,
		},
	}
}

// ParseRetryAfter interprets a Retry-After header value, either delta-seconds
// or an HTTP date. Zero means absent or unparseable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return 0
}

// DefaultMaxResponseBodyBytes bounds how much of an upstream response body
// is read into memory.
const DefaultMaxResponseBodyBytes int64 = 10 << 20

// ErrResponseBodyTooLarge reports an upstream body over the read limit.
var ErrResponseBodyTooLarge = errors.New("httputil: response body exceeds limit")

// ReadLimitedBody reads at most maxBytes from r. On overflow it returns the
// truncated prefix together with ErrResponseBodyTooLarge so callers can still
// log what arrived. A non-positive limit reads everything.
func ReadLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > maxBytes {
		return body[:maxBytes], ErrResponseBodyTooLarge
	}
	return body, nil
}
