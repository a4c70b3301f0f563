package secret

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with in-memory caching, so hot-path
// callers (provider construction on config reload) do not hammer a remote
// secret backend.
type CachedProvider struct {
	inner Provider
	cache *gocache.Cache
}

// NewCachedProvider caches resolved secrets for ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Get returns the cached value or delegates to the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, hit := p.cache.Get(path); hit {
		return val.(string), nil
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, val, gocache.DefaultExpiration)
	return val, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
