package internal

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// jobLoader is the read-back surface JobRegistry falls back to when a jobId
// has no resident actor (process restart, or eviction after the cleanup
// alarm already fired). Satisfied by *JobStore in production and a fake in
// tests.
type jobLoader interface {
	Load(ctx context.Context, jobID string) (JobState, TokenEnvelope, error)
}

// JobRegistry hosts exactly one JobActor per jobId, the §9 design note's
// explicit fallback for runtimes without a native per-key actor: a single
// mutex-guarded map of mailboxes, each drained by exactly one goroutine.
type JobRegistry struct {
	mu      sync.RWMutex
	actors  map[string]*JobActor
	store   jobStore
	loader  jobLoader
	metrics *jobMetrics
}

func NewJobRegistry(store *JobStore, metrics *jobMetrics) *JobRegistry {
	return &JobRegistry{actors: map[string]*JobActor{}, store: store, loader: store, metrics: metrics}
}

// Launch creates a new jobId, hosts its actor, and runs launch on it.
func (r *JobRegistry) Launch(ctx context.Context, ownerPrincipal string, items []string) (JobState, TokenEnvelope, error) {
	id := uuid.NewString()
	actor := newJobActor(id, r.store, r.metrics, func() { r.Evict(id) })

	r.mu.Lock()
	r.actors[id] = actor
	r.mu.Unlock()

	return actor.Launch(ctx, ownerPrincipal, items)
}

// Get returns the hosted actor for jobId, or nil if no actor is currently
// resident (the job may still exist in the store after a restart; callers
// needing that case should fall back to JobStore.Load and treat the
// result as read-only until a new actor rehosts it).
func (r *JobRegistry) Get(jobID string) *JobActor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.actors[jobID]
}

// Backlog returns the hosted actor's shared stream backlog for jobID, or
// nil if no actor is currently resident. The HTTP layer needs this before
// constructing each reconnect's ProgressStream so seq/replay state
// survives the swap.
func (r *JobRegistry) Backlog(jobID string) *streamBacklog {
	if actor := r.Get(jobID); actor != nil {
		return actor.Backlog()
	}
	return nil
}

// Evict removes an actor from the registry, e.g. after its alarm fires and
// deletes persisted state.
func (r *JobRegistry) Evict(jobID string) {
	r.mu.Lock()
	delete(r.actors, jobID)
	r.mu.Unlock()
}

// Snapshot returns jobId's current state: a live actor's in-memory
// getSnapshot() if one is hosted, else a read-only reconstruction from the
// store for a job that outlived its actor (process restart before the 24h
// cleanup alarm evicted it).
func (r *JobRegistry) Snapshot(ctx context.Context, jobID string) (JobState, error) {
	if actor := r.Get(jobID); actor != nil {
		return actor.GetSnapshot(), nil
	}
	if r.loader == nil {
		return JobState{}, NewError(KindNotFound, "job not found")
	}
	state, _, err := r.loader.Load(ctx, jobID)
	if err != nil {
		return JobState{}, err
	}
	return state, nil
}
