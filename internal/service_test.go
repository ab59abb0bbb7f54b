package internal

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestService wires a Service against in-memory fakes (the same
// fakeEdge/fakeKV/fakeJobStore doubles unifiedcache_test.go and
// job_test.go use) so the composition root can be exercised without a
// real Postgres instance.
func newTestService(t *testing.T, providers []Provider) *Service {
	t.Helper()
	cache := NewUnifiedCache(newFakeEdge(), newFakeKV(), nil)
	limiter, err := NewRateLimiter(nil, nil)
	require.NoError(t, err)
	store := newFakeJobStore()
	return &Service{
		cache:        cache,
		orchestrator: NewOrchestrator(providers, nil),
		ai:           &FakeAIProvider{},
		jobs:         &JobRegistry{actors: map[string]*JobActor{}, store: store, loader: store},
		limiter:      limiter,
	}
}

func TestClassifyItem(t *testing.T) {
	t.Parallel()

	kind, subkind := classifyItem("978-0-439-70818-0")
	assert.Equal(t, KindEnrich, kind)
	assert.Equal(t, "isbn", subkind)

	kind, subkind = classifyItem("The Hobbit")
	assert.Equal(t, KindSearch, kind)
	assert.Equal(t, "title", subkind)

	// Short numeric strings aren't long enough to be an ISBN.
	kind, subkind = classifyItem("42")
	assert.Equal(t, KindSearch, kind)
	assert.Equal(t, "title", subkind)
}

// Scenario 1 of spec.md §8: an ISBN search hits a pre-seeded cache entry.
func TestServiceSearchISBNCacheHit(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	seed := Work{Title: "Cached Book", Editions: []Edition{{ISBN: "9780439708180", ISBNs: []string{"9780439708180"}}}}
	data, err := json.Marshal(seed)
	require.NoError(t, err)
	key := Derive(KindEnrich, "isbn", map[string]string{"isbn": "9780439708180"})
	svc.cache.kv.Put(context.Background(), key, data, 500*time.Second, KVMetadata{QualityScore: 80})

	got, cr, err := svc.SearchISBN(context.Background(), "9780439708180")
	require.NoError(t, err)
	assert.Equal(t, StatusHit, cr.Status)
	assert.Equal(t, TierKV, cr.Tier)
	assert.Equal(t, "Cached Book", got.Title)
}

// Scenario 2: a miss followed by a hit on the same fingerprint.
func TestServiceSearchISBNMissThenHit(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "primary", editions: []RawEdition{
		{Provider: "primary", ISBN13: "9780739314821", Title: "Fresh Book"},
	}}
	svc := newTestService(t, []Provider{p})

	_, cr, err := svc.SearchISBN(context.Background(), "9780739314821")
	require.NoError(t, err)
	assert.Equal(t, StatusMiss, cr.Status)

	got, cr2, err := svc.SearchISBN(context.Background(), "9780739314821")
	require.NoError(t, err)
	assert.Equal(t, StatusHit, cr2.Status)
	assert.Equal(t, "Fresh Book", got.Title)
}

// Scenario 5 of spec.md §8: a batch with 4 resolvable items ends Completed;
// a batch where every item fails ends Failed. (The mixed-outcome Partial
// path is already covered by TestJobLifecyclePartial against the actor
// directly; this exercises runBatch's provider-driven classification atop
// it.)
func TestServiceRunBatchOutcomes(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{name: "primary", editions: []RawEdition{
		{Provider: "primary", ISBN13: "9781111111111", Title: "Known Book"},
	}}
	svc := newTestService(t, []Provider{p})

	items := []string{"9781111111111", "9781111111111", "9781111111111", "9781111111111"}
	state, _, err := svc.jobs.Launch(context.Background(), "owner", items)
	require.NoError(t, err)
	actor := svc.jobs.Get(state.JobID)
	svc.runBatch(context.Background(), actor, items)
	waitForTerminal(t, actor)
	assert.Equal(t, JobCompleted, actor.GetSnapshot().Status)
	assert.Equal(t, 4, actor.GetSnapshot().CompletedItems)

	empty := &fakeProvider{name: "primary"}
	svc2 := newTestService(t, []Provider{empty})
	state2, _, err := svc2.jobs.Launch(context.Background(), "owner", []string{"nothing matches this title"})
	require.NoError(t, err)
	actor2 := svc2.jobs.Get(state2.JobID)
	svc2.runBatch(context.Background(), actor2, []string{"nothing matches this title"})
	waitForTerminal(t, actor2)
	assert.Equal(t, JobFailed, actor2.GetSnapshot().Status)
	assert.Equal(t, 1, actor2.GetSnapshot().FailedItems)
}

// A job whose actor is no longer hosted (evicted after its alarm, or never
// rehosted after a restart) still resolves to its last persisted state via
// the registry's store fallback.
func TestServiceSnapshotFallsBackToStore(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, nil)
	state, _, err := svc.jobs.Launch(context.Background(), "owner", []string{"The Hobbit"})
	require.NoError(t, err)

	svc.jobs.Evict(state.JobID)
	assert.Nil(t, svc.jobs.Get(state.JobID))

	got, err := svc.Snapshot(context.Background(), state.JobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobID, got.JobID)

	_, err = svc.Snapshot(context.Background(), "no-such-job")
	assert.Error(t, err)
}

func waitForTerminal(t *testing.T, a *JobActor) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.GetSnapshot().Status.terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
}
