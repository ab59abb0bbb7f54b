package internal

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the batch job lifecycle per spec.md §4.9:
// Created → Running → (Partial|Completed|Failed|Cancelled) → Expired.
type JobStatus string

const (
	JobCreated   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPartial   JobStatus = "partial"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobExpired   JobStatus = "expired"
)

func (s JobStatus) terminal() bool {
	switch s {
	case JobPartial, JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	default:
		return false
	}
}

// ItemOutcome is the per-item result recorded by onItemResult.
type ItemOutcome string

const (
	ItemPending ItemOutcome = "pending"
	ItemDone    ItemOutcome = "done"
	ItemFailed  ItemOutcome = "failed"
)

// ItemResult is one entry of JobState.PerItemResults.
type ItemResult struct {
	Index     int         `json:"index"`
	Input     string      `json:"input"`
	Outcome   ItemOutcome `json:"outcome"`
	BookID    string      `json:"bookId,omitempty"`
	ErrorKind ErrorKind   `json:"errorKind,omitempty"`
}

// JobState is the batch entity of spec.md §3, excluding its token (kept
// separately in TokenEnvelope so `jobs/{id}/state` never carries bearer
// material).
type JobState struct {
	JobID                   string       `json:"jobId"`
	OwnerPrincipal          string       `json:"ownerPrincipal"`
	Status                  JobStatus    `json:"status"`
	TotalItems              int          `json:"totalItems"`
	CompletedItems          int          `json:"completedItems"`
	FailedItems             int          `json:"failedItems"`
	PerItemResults          []ItemResult `json:"perItemResults"`
	CreatedAt               time.Time    `json:"createdAt"`
	UpdatedAt               time.Time    `json:"updatedAt"`
	Version                 int64        `json:"version"`
	RefreshInProgress       bool         `json:"refreshInProgress"`
	UpdatesSinceLastPersist int          `json:"-"`
	LastPersistedAt         time.Time    `json:"-"`
}

// TokenEnvelope is the capability token kept in its own logical key
// (`jobs/{id}/token`), separate from JobState per spec.md §6.
type TokenEnvelope struct {
	JobID     string    `json:"jobId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

const (
	tokenLifetime = 2 * time.Hour
	refreshWindow = 30 * time.Minute
	cleanupTTL    = 24 * time.Hour
	persistCount  = 10
	persistPeriod = 5 * time.Second
)

// jobStore is the persistence surface JobActor depends on, satisfied by
// *JobStore in production and a fake in tests.
type jobStore interface {
	Save(ctx context.Context, state JobState, token TokenEnvelope) error
	Delete(ctx context.Context, jobID string) error
}

// ProgressSink is the duplex-stream side of the actor/stream boundary
// (implemented by C10's ProgressStream); kept as an interface here so
// job.go has no compile-time dependency on the transport.
type ProgressSink interface {
	Snapshot(state JobState)
	Progress(state JobState)
	ItemDone(item ItemResult)
	Terminal(msgType string, state JobState)
	Close()
}

// JobActor is the single-threaded, per-jobId state machine of C9. All
// mutation flows through its serial inbox so no two handlers for the same
// jobId ever run concurrently, per spec.md §4.9/§5.
type JobActor struct {
	id       string
	inbox    chan func()
	store    jobStore
	metrics  *jobMetrics
	onExpire func()

	mu      sync.RWMutex // guards state for read-only getSnapshot callers outside the inbox
	state   JobState
	token   TokenEnvelope
	stream  ProgressSink
	alarm   *time.Timer
	backlog *streamBacklog
}

func newJobActor(id string, store jobStore, metrics *jobMetrics, onExpire func()) *JobActor {
	a := &JobActor{
		id:       id,
		inbox:    make(chan func(), 64),
		store:    store,
		metrics:  metrics,
		onExpire: onExpire,
		backlog:  newStreamBacklog(),
	}
	go a.run()
	return a
}

// Backlog returns the job's shared seq/retention state, stable across
// reconnects: callers construct each new ProgressStream with it so seq
// numbering and the 256-message replay buffer survive the client swapping
// in a new connection, per spec.md §4.10.
func (a *JobActor) Backlog() *streamBacklog { return a.backlog }

func (a *JobActor) run() {
	for cmd := range a.inbox {
		cmd()
	}
}

// do enqueues fn onto the serial inbox and blocks until it has run,
// guaranteeing strict per-jobId serialization.
func (a *JobActor) do(fn func()) {
	done := make(chan struct{})
	a.inbox <- func() {
		fn()
		close(done)
	}
	<-done
}

// GetSnapshot is a pure read of the persisted fields; it does not go
// through the inbox so readers never wait on in-flight item processing.
func (a *JobActor) GetSnapshot() JobState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Launch initializes a freshly created actor: generates the capability
// token, schedules the cleanup alarm, persists, and transitions to
// Running.
func (a *JobActor) Launch(ctx context.Context, ownerPrincipal string, items []string) (state JobState, token TokenEnvelope, err error) {
	a.do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		now := timeNow()
		results := make([]ItemResult, len(items))
		for i, in := range items {
			results[i] = ItemResult{Index: i, Input: in, Outcome: ItemPending}
		}
		a.state = JobState{
			JobID:          a.id,
			OwnerPrincipal: ownerPrincipal,
			Status:         JobRunning,
			TotalItems:     len(items),
			PerItemResults: results,
			CreatedAt:      now,
			UpdatedAt:      now,
			Version:        1,
		}
		a.token = TokenEnvelope{
			JobID:     a.id,
			Token:     uuid.NewString(),
			ExpiresAt: now.Add(tokenLifetime),
		}
		a.alarm = time.AfterFunc(cleanupTTL, a.onAlarm)

		if pErr := a.store.Save(ctx, a.state, a.token); pErr != nil {
			err = pErr
			return
		}
		a.state.LastPersistedAt = now
		state, token = a.state, a.token
	})
	return state, token, err
}

// AttachStream validates presentedToken (constant-time, case-sensitive)
// and binds sink as the single active stream for this job, replacing any
// prior one.
func (a *JobActor) AttachStream(presentedToken string, sink ProgressSink) error {
	var resultErr error
	a.do(func() {
		if !validToken(a.token, presentedToken) {
			resultErr = NewError(KindUnauthenticated, "invalid or expired stream token")
			return
		}
		if a.stream != nil {
			a.stream.Close()
		}
		a.stream = sink
		sink.Snapshot(a.state)
	})
	return resultErr
}

// OnItemResult records a per-item outcome, updates lifecycle counters,
// persists per the throttling policy, and transitions to a terminal
// status once every item has resolved.
func (a *JobActor) OnItemResult(ctx context.Context, index int, outcome ItemOutcome, bookID string, errKind ErrorKind) {
	a.do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		if index < 0 || index >= len(a.state.PerItemResults) {
			return
		}
		item := &a.state.PerItemResults[index]
		item.Outcome = outcome
		item.BookID = bookID
		item.ErrorKind = errKind

		switch outcome {
		case ItemDone:
			a.state.CompletedItems++
		case ItemFailed:
			a.state.FailedItems++
		}
		a.state.Version++
		a.state.UpdatedAt = timeNow()
		a.state.UpdatesSinceLastPersist++

		if a.stream != nil {
			a.stream.ItemDone(*item)
		}

		if a.state.CompletedItems+a.state.FailedItems >= a.state.TotalItems {
			a.finishLocked(ctx)
			return
		}

		if a.shouldPersist() {
			a.persistLocked(ctx)
		}
		if a.stream != nil {
			a.stream.Progress(a.state)
		}
	})
}

// finishLocked transitions to the terminal status implied by the failure
// count and persists unconditionally (terminal transitions always
// persist, per spec.md §4.9).
func (a *JobActor) finishLocked(ctx context.Context) {
	switch {
	case a.state.FailedItems == 0:
		a.state.Status = JobCompleted
	case a.state.FailedItems == a.state.TotalItems:
		a.state.Status = JobFailed
	default:
		a.state.Status = JobPartial
	}
	a.persistLocked(ctx)
	if a.stream != nil {
		a.stream.Terminal(string(a.state.Status), a.state)
	}
	if a.metrics != nil {
		a.metrics.transitionInc(string(a.state.Status))
	}
}

// Cancel is idempotent: cancelling an already-terminal job is a no-op
// success.
func (a *JobActor) Cancel(ctx context.Context, presentedToken string) error {
	var resultErr error
	a.do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		if a.state.Status.terminal() {
			return
		}
		if !validToken(a.token, presentedToken) {
			resultErr = NewError(KindUnauthenticated, "invalid or expired token")
			return
		}
		a.state.Status = JobCancelled
		a.state.Version++
		a.state.UpdatedAt = timeNow()
		a.persistLocked(ctx)
		if a.stream != nil {
			a.stream.Terminal(string(JobCancelled), a.state)
			a.stream.Close()
			a.stream = nil
		}
		if a.metrics != nil {
			a.metrics.transitionInc(string(JobCancelled))
		}
	})
	return resultErr
}

// refreshBegin is the outcome of RefreshToken's admission check: the
// portion that must run serially on the actor's inbox before the
// candidate token is persisted.
type refreshBegin struct {
	state JobState
	token TokenEnvelope
	err   error
}

// RefreshToken is admissible only inside the refresh window and rejects a
// concurrent refresh already in progress with RefreshConflict.
//
// The admission check and flag flip run as one inbox closure, but the
// persistence write — a suspension point per spec.md §5 — happens outside
// it, so the actor's serial loop is free to process a second, concurrent
// RefreshToken call while the first's write is in flight. That second
// call observes RefreshInProgress already set and is rejected with
// RefreshConflict instead of ever racing the token swap itself.
func (a *JobActor) RefreshToken(ctx context.Context, presentedToken string) (TokenEnvelope, error) {
	beginCh := make(chan refreshBegin, 1)
	a.do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		if !validToken(a.token, presentedToken) {
			beginCh <- refreshBegin{err: NewError(KindUnauthenticated, "invalid or expired token")}
			return
		}
		if a.state.RefreshInProgress {
			beginCh <- refreshBegin{err: NewError(KindRefreshConflict, "refresh already in progress")}
			return
		}
		remaining := time.Until(a.token.ExpiresAt)
		if remaining <= 0 || remaining > refreshWindow {
			beginCh <- refreshBegin{err: NewError(KindValidation, "refresh outside admissible window")}
			return
		}

		a.state.RefreshInProgress = true
		candidate := TokenEnvelope{JobID: a.id, Token: uuid.NewString(), ExpiresAt: timeNow().Add(tokenLifetime)}
		beginCh <- refreshBegin{state: a.state, token: candidate}
	})

	begin := <-beginCh
	if begin.err != nil {
		return TokenEnvelope{}, begin.err
	}

	persistErr := a.store.Save(ctx, begin.state, begin.token)

	var finalErr error
	a.do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		a.state.RefreshInProgress = false
		if persistErr != nil {
			finalErr = persistErr
			return
		}
		a.token = begin.token
		a.state.Version++
		a.state.UpdatedAt = timeNow()
		a.state.LastPersistedAt = timeNow()
		a.state.UpdatesSinceLastPersist = 0
	})
	if finalErr != nil {
		return TokenEnvelope{}, finalErr
	}
	return begin.token, nil
}

// onAlarm fires once per jobId, 24h after launch: terminal jobs are
// deleted along with any attached stream; non-terminal jobs past the
// ceiling expire first.
func (a *JobActor) onAlarm() {
	ctx := WithLogger(context.Background(), "jobId", a.id)
	a.do(func() {
		a.mu.Lock()
		defer a.mu.Unlock()

		if !a.state.Status.terminal() {
			a.state.Status = JobExpired
			a.state.Version++
			a.state.UpdatedAt = timeNow()
		}
		if a.stream != nil {
			a.stream.Close()
			a.stream = nil
		}
		if err := a.store.Delete(ctx, a.id); err != nil {
			Log(ctx).Warn("job cleanup delete failed", "err", err)
		}
	})
	if a.onExpire != nil {
		a.onExpire()
	}
}

func (a *JobActor) shouldPersist() bool {
	return a.state.UpdatesSinceLastPersist >= persistCount ||
		timeNow().Sub(a.state.LastPersistedAt) >= persistPeriod
}

func (a *JobActor) persistLocked(ctx context.Context) {
	ctx = WithLogger(ctx, "jobId", a.id)
	if err := a.store.Save(ctx, a.state, a.token); err != nil {
		Log(ctx).Warn("job persist failed, will retry on next throttle tick", "err", err)
		return
	}
	a.state.LastPersistedAt = timeNow()
	a.state.UpdatesSinceLastPersist = 0
}

// validToken performs the case-sensitive, constant-time comparison
// spec.md §4.9 requires, plus expiry.
func validToken(env TokenEnvelope, presented string) bool {
	if env.Token == "" || timeNow().After(env.ExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(env.Token), []byte(presented)) == 1
}

// timeNow is the actor's clock; a package-level var so tests can stub it.
var timeNow = time.Now
