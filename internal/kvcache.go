package internal

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TTL policy by (kind, subkind), per the KV cache design. Falls back to
// ttlTitleSearch for any subkind not explicitly listed.
const (
	ttlISBNEnrich  = 365 * 24 * time.Hour
	ttlISBNSearch  = 7 * 24 * time.Hour
	ttlTitleSearch = 6 * time.Hour
	ttlCover       = 30 * 24 * time.Hour
	ttlAIParse     = 24 * time.Hour
)

// TTLFor returns the configured durable-tier TTL for a given query
// kind/subkind pair.
func TTLFor(kind QueryKind, subkind string) time.Duration {
	switch {
	case kind == KindEnrich && subkind == "isbn":
		return ttlISBNEnrich
	case kind == KindSearch && subkind == "isbn":
		return ttlISBNSearch
	case kind == KindSearch:
		return ttlTitleSearch
	case kind == KindCover:
		return ttlCover
	case kind == KindAI:
		return ttlAIParse
	default:
		return ttlTitleSearch
	}
}

// KVMetadata is the out-of-band data the KV cache carries alongside a
// value: which provider produced it and how complete it was.
type KVMetadata struct {
	Source       string
	QualityScore int
}

// KVEntry is a value plus its metadata and age, returned on a cache hit.
type KVEntry struct {
	Value    []byte
	Metadata KVMetadata
	Age      time.Duration
}

// KVCache is the durable, namespaced key/value tier (C3). Writes are
// fail-open: a write error is logged and swallowed, never surfaced to the
// caller, so a storage outage degrades to "always miss" rather than
// failing reads.
type KVCache struct {
	db *pgxpool.Pool
}

// NewKVCache wraps an already-opened pool.
func NewKVCache(db *pgxpool.Pool) *KVCache {
	return &KVCache{db: db}
}

// Get returns the entry for key, or a NotFound StatusErr on miss or error.
func (k *KVCache) Get(ctx context.Context, key string) (*KVEntry, error) {
	row := k.db.QueryRow(ctx, `
		SELECT value, source, quality_score, inserted_at, ttl_seconds
		FROM cache_entries
		WHERE key = $1
	`, key)

	var (
		value        []byte
		source       string
		qualityScore int
		insertedAt   time.Time
		ttlSeconds   int
	)
	if err := row.Scan(&value, &source, &qualityScore, &insertedAt, &ttlSeconds); err != nil {
		return nil, NewError(KindNotFound, "kv cache miss")
	}

	age := time.Since(insertedAt)
	if ttlSeconds > 0 && age > time.Duration(ttlSeconds)*time.Second {
		return nil, NewError(KindNotFound, "kv cache entry expired")
	}

	return &KVEntry{
		Value:    value,
		Metadata: KVMetadata{Source: source, QualityScore: qualityScore},
		Age:      age,
	}, nil
}

// Put writes value with the given ttl and metadata. Errors are logged and
// swallowed.
func (k *KVCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration, meta KVMetadata) {
	_, err := k.db.Exec(ctx, `
		INSERT INTO cache_entries (key, value, source, quality_score, inserted_at, ttl_seconds)
		VALUES ($1, $2, $3, $4, now(), $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			source = EXCLUDED.source,
			quality_score = EXCLUDED.quality_score,
			inserted_at = EXCLUDED.inserted_at,
			ttl_seconds = EXCLUDED.ttl_seconds
	`, key, value, meta.Source, meta.QualityScore, int(ttl.Seconds()))
	if err != nil {
		Log(ctx).Warn("kv cache put failed", "key", key, "err", err)
	}
}

// Delete removes key, best-effort.
func (k *KVCache) Delete(ctx context.Context, key string) {
	if _, err := k.db.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		Log(ctx).Warn("kv cache delete failed", "key", key, "err", err)
	}
}

// DeletePrefix removes all keys with the given prefix, used by cache-busting.
func (k *KVCache) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := k.db.Exec(ctx, `DELETE FROM cache_entries WHERE key LIKE $1`, prefix+"%")
	return err
}
