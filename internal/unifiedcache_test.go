package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEdge struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeEdge() *fakeEdge { return &fakeEdge{m: map[string][]byte{}} }

func (f *fakeEdge) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	if !ok {
		return nil, NewError(KindNotFound, "miss")
	}
	return v, nil
}

func (f *fakeEdge) Put(_ context.Context, key string, value []byte, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
}

func (f *fakeEdge) Delete(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
}

type fakeKVEntry struct {
	value []byte
	meta  KVMetadata
}

type fakeKV struct {
	mu sync.Mutex
	m  map[string]fakeKVEntry
}

func newFakeKV() *fakeKV { return &fakeKV{m: map[string]fakeKVEntry{}} }

func (f *fakeKV) Get(_ context.Context, key string) (*KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.m[key]
	if !ok {
		return nil, NewError(KindNotFound, "miss")
	}
	return &KVEntry{Value: e.value, Metadata: e.meta}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte, _ time.Duration, meta KVMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = fakeKVEntry{value: value, meta: meta}
}

func (f *fakeKV) Delete(_ context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.m, key)
}

func TestUnifiedCacheIdempotentRead(t *testing.T) {
	t.Parallel()

	u := NewUnifiedCache(newFakeEdge(), newFakeKV(), nil)
	ctx := context.Background()

	var calls atomic.Int32
	load := func(ctx context.Context) ([]byte, KVMetadata, float64, bool, error) {
		calls.Add(1)
		return []byte("value"), KVMetadata{Source: "primary", QualityScore: 80}, 1.0, false, nil
	}

	v1, r1, err := u.Get(ctx, KindSearch, "isbn", map[string]string{"isbn": "9780439708180"}, load)
	require.NoError(t, err)
	assert.Equal(t, "value", string(v1))
	assert.Equal(t, StatusMiss, r1.Status)

	v2, r2, err := u.Get(ctx, KindSearch, "isbn", map[string]string{"isbn": "9780439708180"}, load)
	require.NoError(t, err)
	assert.Equal(t, "value", string(v2))
	assert.Equal(t, StatusHit, r2.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnifiedCacheCoalescesConcurrentMisses(t *testing.T) {
	t.Parallel()

	u := NewUnifiedCache(newFakeEdge(), newFakeKV(), nil)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, KVMetadata, float64, bool, error) {
		calls.Add(1)
		<-release
		return []byte("value"), KVMetadata{Source: "primary", QualityScore: 80}, 1.0, false, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			v, _, err := u.Get(ctx, KindSearch, "isbn", map[string]string{"isbn": "9780439708180"}, load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.Equal(t, "value", string(r))
	}
}

func TestUnifiedCacheQualityGating(t *testing.T) {
	t.Parallel()

	kv := newFakeKV()
	u := NewUnifiedCache(newFakeEdge(), kv, nil)
	ctx := context.Background()

	load := func(ctx context.Context) ([]byte, KVMetadata, float64, bool, error) {
		return []byte("low quality"), KVMetadata{Source: "primary", QualityScore: QualityFloor - 1}, 0.1, false, nil
	}

	_, r, err := u.Get(ctx, KindSearch, "title", map[string]string{"q": "dune"}, load)
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, r.Status)

	key := Derive(KindSearch, "title", map[string]string{"q": "dune"})
	_, err = kv.Get(ctx, key)
	assert.Error(t, err, "below-floor results must not be written to the KV tier")
}
