package internal

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheStatus reports whether a UnifiedCache.Get call was served from
// cache and, if so, which tier answered it.
type CacheStatus string

const (
	StatusHit  CacheStatus = "HIT"
	StatusMiss CacheStatus = "MISS"
)

// CacheTier identifies which layer produced a result.
type CacheTier string

const (
	TierEdge   CacheTier = "EDGE"
	TierKV     CacheTier = "KV"
	TierOrigin CacheTier = "origin"
)

// CacheResult carries the observable metadata the unified cache contract
// returns alongside a value: status/tier/ttl for response headers, plus
// completeness and response-time measurements for metrics.
type CacheResult struct {
	Status       CacheStatus
	Tier         CacheTier
	TTL          time.Duration
	Completeness float64 // 0..1 data-completeness estimate
	ImageQuality bool
	ResponseTime time.Duration
}

// Loader produces a fresh value on a cache miss. It returns the value, the
// metadata to persist alongside it, and the completeness/image-quality
// signals used for the returned CacheResult.
type Loader func(ctx context.Context) (value []byte, meta KVMetadata, completeness float64, imageQuality bool, err error)

// QualityFloor is the minimum quality score required for a loaded value to
// be written back to the KV tier.
const QualityFloor = 20

// kvStore is the durable-tier dependency UnifiedCache needs; KVCache
// satisfies it against Postgres, tests substitute an in-memory fake.
type kvStore interface {
	Get(ctx context.Context, key string) (*KVEntry, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration, meta KVMetadata)
	Delete(ctx context.Context, key string)
}

// edgeStore is the in-process-tier dependency; EdgeCache satisfies it.
type edgeStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// UnifiedCache composes the Edge and KV tiers behind a single coalesced
// read-through/write-back contract (C4).
type UnifiedCache struct {
	edge edgeStore
	kv   kvStore
	g    singleflight.Group

	metrics *cacheMetrics

	// negativeTTL, when > 0, enables a bounded negative cache for hard
	// not-found provider signals. Default is disabled, per the reference
	// behavior documented in the design notes.
	negativeTTL time.Duration
}

// NewUnifiedCache wires the two tiers together. m may be nil in tests.
func NewUnifiedCache(edge edgeStore, kv kvStore, m *cacheMetrics) *UnifiedCache {
	return &UnifiedCache{edge: edge, kv: kv, metrics: m}
}

// SetNegativeTTL configures the optional bounded negative cache. Values
// above 60s are clamped, per the KV cache design.
func (u *UnifiedCache) SetNegativeTTL(ttl time.Duration) {
	if ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	u.negativeTTL = ttl
}

var _missing = []byte{0}

// Get implements the C4 contract: Edge probe, KV probe (repopulating Edge
// on hit), then a single coalesced loader invocation per fingerprint on
// miss, with quality-gated write-back.
func (u *UnifiedCache) Get(ctx context.Context, kind QueryKind, subkind string, params map[string]string, load Loader) ([]byte, CacheResult, error) {
	start := time.Now()
	key := Derive(kind, subkind, params)

	if v, err := u.edge.Get(ctx, key); err == nil {
		u.hit()
		if len(v) == 1 && v[0] == 0 {
			return nil, CacheResult{}, NewError(KindNotFound, "cached not-found")
		}
		return v, CacheResult{Status: StatusHit, Tier: TierEdge, ResponseTime: time.Since(start)}, nil
	}

	if entry, err := u.kv.Get(ctx, key); err == nil {
		u.hit()
		ttl := TTLFor(kind, subkind)
		u.edge.Put(ctx, key, entry.Value, edgeTTLDefault)
		if len(entry.Value) == 1 && entry.Value[0] == 0 {
			return nil, CacheResult{}, NewError(KindNotFound, "cached not-found")
		}
		return entry.Value, CacheResult{
			Status:       StatusHit,
			Tier:         TierKV,
			TTL:          ttl,
			Completeness: float64(entry.Metadata.QualityScore) / 100,
		}, nil
	}

	u.miss()

	type outcome struct {
		value        []byte
		meta         KVMetadata
		completeness float64
		imageQuality bool
	}

	v, err, _ := u.g.Do(key, func() (any, error) {
		value, meta, completeness, imageQuality, err := load(ctx)
		if err != nil {
			if u.negativeTTL > 0 && IsNotFound(err) {
				u.edge.Put(ctx, key, _missing, u.negativeTTL)
			}
			return nil, err
		}
		if meta.QualityScore >= QualityFloor {
			u.kv.Put(ctx, key, value, TTLFor(kind, subkind), meta)
			u.edge.Put(ctx, key, value, edgeTTLDefault)
		}
		return outcome{value: value, meta: meta, completeness: completeness, imageQuality: imageQuality}, nil
	})
	if err != nil {
		return nil, CacheResult{}, err
	}

	o := v.(outcome)
	return o.value, CacheResult{
		Status:       StatusMiss,
		Tier:         TierOrigin,
		TTL:          TTLFor(kind, subkind),
		Completeness: o.completeness,
		ImageQuality: o.imageQuality,
		ResponseTime: time.Since(start),
	}, nil
}

// Bust removes an entry from both tiers, used by cache-busting operations.
func (u *UnifiedCache) Bust(ctx context.Context, kind QueryKind, subkind string, params map[string]string) {
	key := Derive(kind, subkind, params)
	u.edge.Delete(ctx, key)
	u.kv.Delete(ctx, key)
}

func (u *UnifiedCache) hit() {
	if u.metrics != nil {
		u.metrics.cacheHitInc()
	}
}

func (u *UnifiedCache) miss() {
	if u.metrics != nil {
		u.metrics.cacheMissInc()
	}
}
