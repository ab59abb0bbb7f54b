package internal

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
)

const (
	edgeTTLMin     = 30 * time.Second
	edgeTTLMax     = 300 * time.Second
	edgeTTLDefault = 60 * time.Second
)

// EdgeCache is the short-lived, in-process lookup (C2). It is intended for
// request-locality wins only: no coalescing happens at this tier.
type EdgeCache struct {
	backend cache.SetterCacheInterface[[]byte]
}

// NewEdgeCache builds an Edge cache backed by an in-process ristretto
// instance sized for ~10M keys tracked / 256MiB of values.
func NewEdgeCache() (*EdgeCache, error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e7,
		MaxCost:     1 << 28,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &EdgeCache{backend: cache.New[[]byte](ristretto_store.NewRistretto(rc))}, nil
}

// Get returns the cached value, or a NotFound StatusErr on miss.
func (e *EdgeCache) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := e.backend.Get(ctx, key)
	if err != nil {
		return nil, NewError(KindNotFound, "edge cache miss")
	}
	return v, nil
}

// Put clamps ttl into [30s, 300s] (defaulting to 60s) and writes
// best-effort; failures are logged, never returned, per C2's fail-open
// contract.
func (e *EdgeCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) {
	switch {
	case ttl <= 0:
		ttl = edgeTTLDefault
	case ttl < edgeTTLMin:
		ttl = edgeTTLMin
	case ttl > edgeTTLMax:
		ttl = edgeTTLMax
	}
	if err := e.backend.Set(ctx, key, value, store.WithExpiration(ttl)); err != nil {
		Log(ctx).Warn("edge cache put failed", "key", key, "err", err)
	}
}

// Delete removes key, best-effort.
func (e *EdgeCache) Delete(ctx context.Context, key string) {
	if err := e.backend.Delete(ctx, key); err != nil {
		Log(ctx).Warn("edge cache delete failed", "key", key, "err", err)
	}
}
