package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blampe/isbn"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config is the environment-level configuration enumerated in spec.md §6.
// Durations are already parsed by the CLI layer by the time they reach
// NewService.
type Config struct {
	DSN string

	PrimaryHost, PrimaryAPIKeyRef     string
	SecondaryHost, SecondaryAPIKeyRef string
	CoverHost, CoverAPIKeyRef         string

	Secrets SecretSource // nil defaults to EnvSecrets{}
	AI      AIProvider   // nil defaults to a deterministic FakeAIProvider

	ProviderRPS   float64 // outbound requests/sec per provider; default 5
	ProviderBurst int     // default 10

	NegativeCacheTTL time.Duration          // 0 disables, per the open-question resolution
	RateLimitWindows map[EndpointClass]WindowConfig

	UnifiedEnvelope bool // feature.unifiedEnvelope; legacy shape when false
}

// Service is the composition root wiring C1-C11 into the operations the
// HTTP surface calls, generalized from the teacher's newController into a
// struct assembled once at startup and passed into handler.go.
type Service struct {
	cfg Config

	cache        *UnifiedCache
	orchestrator *Orchestrator
	cover        *CoverProvider
	ai           AIProvider

	jobs     *JobRegistry
	jobStore *JobStore

	limiter *RateLimiter

	registry *prometheus.Registry
	jobM     *jobMetrics
	streamM  *streamMetrics
	providerM *providerMetrics
}

// NewService opens the database, builds the cache tiers, provider clients,
// orchestrator, batch job registry, and rate limiter, and registers every
// component's metrics on one registry.
func NewService(ctx context.Context, cfg Config) (*Service, error) {
	secrets := cfg.Secrets
	if secrets == nil {
		secrets = EnvSecrets{}
	}
	if cfg.ProviderRPS <= 0 {
		cfg.ProviderRPS = 5
	}
	if cfg.ProviderBurst <= 0 {
		cfg.ProviderBurst = 10
	}

	db, err := newDB(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	reg := NewMetrics()
	cacheM := newCacheMetrics(reg)
	orchM := newOrchestratorMetrics(reg)
	providerM := newProviderMetrics(reg)
	rateM := newRateLimitMetrics(reg)
	jobM := newJobMetrics(reg)
	streamM := newStreamMetrics(reg)
	newDBMetrics(db, reg)

	edge, err := NewEdgeCache()
	if err != nil {
		return nil, fmt.Errorf("building edge cache: %w", err)
	}
	kv := NewKVCache(db)
	cache := NewUnifiedCache(edge, kv, cacheM)
	cache.SetNegativeTTL(cfg.NegativeCacheTTL)

	limiterFor := func() *rate.Limiter { return rate.NewLimiter(rate.Limit(cfg.ProviderRPS), cfg.ProviderBurst) }

	var providers []Provider
	if cfg.PrimaryHost != "" {
		p, err := NewPrimaryProvider(cfg.PrimaryHost, cfg.PrimaryAPIKeyRef, secrets, limiterFor())
		if err != nil {
			return nil, fmt.Errorf("building primary provider: %w", err)
		}
		providers = append(providers, p)
	}
	if cfg.SecondaryHost != "" {
		p, err := NewSecondaryProvider(cfg.SecondaryHost, cfg.SecondaryAPIKeyRef, secrets, limiterFor())
		if err != nil {
			return nil, fmt.Errorf("building secondary provider: %w", err)
		}
		providers = append(providers, p)
	}

	var cover *CoverProvider
	if cfg.CoverHost != "" {
		cover, err = NewCoverProvider(cfg.CoverHost, cfg.CoverAPIKeyRef, secrets, limiterFor())
		if err != nil {
			return nil, fmt.Errorf("building cover provider: %w", err)
		}
		providers = append(providers, cover)
	}

	orchestrator := NewOrchestrator(providers, orchM)

	ai := cfg.AI
	if ai == nil {
		ai = &FakeAIProvider{}
	}

	jobStore := NewJobStore(db)
	jobs := NewJobRegistry(jobStore, jobM)

	windows := cfg.RateLimitWindows
	if windows == nil {
		windows = map[EndpointClass]WindowConfig{
			ClassRead:  DefaultWindow,
			ClassBatch: {Limit: 20, Window: time.Minute},
			ClassBust:  {Limit: 10, Window: time.Minute},
		}
	}
	limiter, err := NewRateLimiter(windows, rateM)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}

	return &Service{
		cfg:          cfg,
		cache:        cache,
		orchestrator: orchestrator,
		cover:        cover,
		ai:           ai,
		jobs:         jobs,
		jobStore:     jobStore,
		limiter:      limiter,
		registry:     reg,
		jobM:         jobM,
		streamM:      streamM,
		providerM:    providerM,
	}, nil
}

// Registry exposes the Prometheus registry for the /metrics endpoint.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// Allow performs the C8 admission check for principal under class.
func (s *Service) Allow(ctx context.Context, principal string, class EndpointClass) error {
	return s.limiter.Allow(ctx, principal, class)
}

// BustISBN evicts an ISBN's enrich-kind cache entry from both tiers, the
// CLI `bust` command's operation.
func (s *Service) BustISBN(ctx context.Context, isbn string) {
	s.cache.Bust(ctx, KindEnrich, "isbn", map[string]string{"isbn": isbn})
}

// completenessOf estimates the C4 data-completeness percentage from how
// many optional Edition fields the merged Work's primary edition carries.
func completenessOf(w Work) float64 {
	if len(w.Editions) == 0 {
		return 0
	}
	e := w.Editions[0]
	total, filled := 8, 0
	for _, present := range []bool{
		e.ISBN != "", e.Publisher != "", e.PublicationDate != "", e.PageCount > 0,
		e.Language != "", e.CoverImageURL != "", e.EditionDescription != "", len(w.Authors) > 0,
	} {
		if present {
			filled++
		}
	}
	return float64(filled) / float64(total)
}

func imageQualityOf(w Work) bool {
	return len(w.Editions) > 0 && w.Editions[0].CoverImageURL != ""
}

// SearchISBN implements GET /v1/search/isbn: a single read-through lookup
// by identifier.
func (s *Service) SearchISBN(ctx context.Context, isbn string) (Work, CacheResult, error) {
	params := map[string]string{"isbn": isbn}
	raw, cr, err := s.cache.Get(ctx, KindEnrich, "isbn", params, s.isbnLoader(isbn))
	if err != nil {
		return Work{}, cr, err
	}
	var w Work
	if err := json.Unmarshal(raw, &w); err != nil {
		return Work{}, cr, Wrap(KindStorageUnavailable, err)
	}
	return w, cr, nil
}

func (s *Service) isbnLoader(isbn string) Loader {
	return func(ctx context.Context) ([]byte, KVMetadata, float64, bool, error) {
		res, err := s.orchestrator.LookupByID(ctx, isbn)
		if err != nil {
			return nil, KVMetadata{}, 0, false, err
		}
		data, err := json.Marshal(res.Work)
		if err != nil {
			return nil, KVMetadata{}, 0, false, Wrap(KindProviderMalformed, err)
		}
		return data, KVMetadata{Source: res.Provider, QualityScore: res.Work.QualityScore}, completenessOf(res.Work), imageQualityOf(res.Work), nil
	}
}

// searchText implements GET /v1/search/title and /v1/search/author: a
// read-through free-text lookup. The orchestrator resolves a query to a
// single merged Work (see orchestrator_test.go); maxResults bounds the
// response list, which therefore holds at most one element today.
func (s *Service) searchText(ctx context.Context, subkind, q string, maxResults int) ([]Work, CacheResult, error) {
	if maxResults <= 0 {
		maxResults = 20
	}
	params := map[string]string{"q": q}
	raw, cr, err := s.cache.Get(ctx, KindSearch, subkind, params, func(ctx context.Context) ([]byte, KVMetadata, float64, bool, error) {
		res, err := s.orchestrator.Search(ctx, q, subkind, maxResults)
		if err != nil {
			return nil, KVMetadata{}, 0, false, err
		}
		data, err := json.Marshal([]Work{res.Work})
		if err != nil {
			return nil, KVMetadata{}, 0, false, Wrap(KindProviderMalformed, err)
		}
		return data, KVMetadata{Source: res.Provider, QualityScore: res.Work.QualityScore}, completenessOf(res.Work), imageQualityOf(res.Work), nil
	})
	if err != nil {
		if IsNotFound(err) {
			return []Work{}, cr, nil
		}
		return nil, cr, err
	}
	var works []Work
	if err := json.Unmarshal(raw, &works); err != nil {
		return nil, cr, Wrap(KindStorageUnavailable, err)
	}
	if len(works) > maxResults {
		works = works[:maxResults]
	}
	return works, cr, nil
}

func (s *Service) SearchTitle(ctx context.Context, q string, maxResults int) ([]Work, CacheResult, error) {
	return s.searchText(ctx, "title", q, maxResults)
}

func (s *Service) SearchAuthor(ctx context.Context, q string, maxResults int) ([]Work, CacheResult, error) {
	return s.searchText(ctx, "author", q, maxResults)
}

// classifyItem routes a batch item to the ISBN lookup path when it parses
// as an ISBN-10/13, else to a title search. Grounded on the teacher's own
// `GRGetter.Search` dispatch (`isbn, _ := isbn.Parse(query); if ... isbn !=
// nil`), reused here to decide a batch item's path instead of a live
// query's.
func classifyItem(item string) (kind QueryKind, subkind string) {
	if v, _ := isbn.Parse(item); v != nil {
		return KindEnrich, "isbn"
	}
	return KindSearch, "title"
}

// runItem executes one batch item through the ordinary read path (cache +
// orchestration, the same path a single search request takes) and reports
// an ItemResult shape to the caller.
func (s *Service) runItem(ctx context.Context, item string) (ItemOutcome, string, ErrorKind) {
	kind, subkind := classifyItem(item)
	var (
		work Work
		err  error
	)
	switch kind {
	case KindEnrich:
		work, _, err = s.SearchISBN(ctx, item)
	default:
		var works []Work
		works, _, err = s.searchText(ctx, subkind, item, 1)
		if err == nil {
			if len(works) == 0 {
				return ItemFailed, "", KindNotFound
			}
			work = works[0]
		}
	}
	if err != nil {
		return ItemFailed, "", KindOf(err)
	}
	bookID := work.Title
	if len(work.Editions) > 0 && work.Editions[0].ISBN != "" {
		bookID = work.Editions[0].ISBN
	}
	return ItemDone, bookID, KindUnknown
}

// batchConcurrency bounds how many items of one job run through the read
// path at once; the job actor itself remains strictly serial, only the
// provider calls feeding it run in parallel.
const batchConcurrency = 4

// runBatch drives every item of a freshly launched job through runItem,
// bounded to batchConcurrency in flight, reporting each outcome back to
// the actor as it resolves. It is the "Actor enqueues work -> for each
// item, runs the read path" loop of spec.md §2.
func (s *Service) runBatch(ctx context.Context, actor *JobActor, items []string) {
	sem := make(chan struct{}, batchConcurrency)
	for i, item := range items {
		sem <- struct{}{}
		go func(i int, item string) {
			defer func() { <-sem }()
			outcome, bookID, errKind := s.runItem(ctx, item)
			actor.OnItemResult(ctx, i, outcome, bookID, errKind)
		}(i, item)
	}
	for n := 0; n < batchConcurrency; n++ {
		sem <- struct{}{}
	}
}

// BatchLaunchResult is what LaunchBatch/ImportCSV/ScanBookshelf hand back
// to the HTTP layer: the 201 response body's fields.
type BatchLaunchResult struct {
	JobID     string
	StreamURL string
	Token     string
	ExpiresAt time.Time
}

// LaunchBatch implements POST /v1/batch-enrichment: launches a job actor
// for items and starts processing them asynchronously.
func (s *Service) LaunchBatch(ctx context.Context, ownerPrincipal string, items []string) (BatchLaunchResult, error) {
	if len(items) == 0 {
		return BatchLaunchResult{}, NewError(KindValidation, "items must be non-empty")
	}
	state, token, err := s.jobs.Launch(ctx, ownerPrincipal, items)
	if err != nil {
		return BatchLaunchResult{}, err
	}
	actor := s.jobs.Get(state.JobID)
	go s.runBatch(context.WithoutCancel(ctx), actor, items)

	return BatchLaunchResult{
		JobID:     state.JobID,
		StreamURL: "/ws/progress?jobId=" + state.JobID,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// ImportCSV implements POST /v1/books/import/csv: every row is parsed by
// the AI provider into a candidate edition, then run through the ordinary
// batch lifecycle as a pre-resolved item so it still benefits from the
// job actor and progress-stream machinery. Rows do not go through the
// unified cache.
func (s *Service) ImportCSV(ctx context.Context, ownerPrincipal string, rows [][]string) (BatchLaunchResult, error) {
	if len(rows) == 0 {
		return BatchLaunchResult{}, NewError(KindValidation, "csv has no data rows")
	}
	items := make([]string, len(rows))
	for i, row := range rows {
		items[i] = strings.Join(row, ",")
	}

	state, token, err := s.jobs.Launch(ctx, ownerPrincipal, items)
	if err != nil {
		return BatchLaunchResult{}, err
	}
	actor := s.jobs.Get(state.JobID)

	go func(ctx context.Context) {
		sem := make(chan struct{}, batchConcurrency)
		for i, row := range rows {
			sem <- struct{}{}
			go func(i int, row []string) {
				defer func() { <-sem }()
				raw, err := s.ai.ParseCSVRow(ctx, row)
				if err != nil {
					actor.OnItemResult(ctx, i, ItemFailed, "", KindOf(err))
					return
				}
				edition := NormalizeEdition(raw)
				actor.OnItemResult(ctx, i, ItemDone, edition.ISBN, KindUnknown)
			}(i, row)
		}
		for n := 0; n < batchConcurrency; n++ {
			sem <- struct{}{}
		}
	}(context.WithoutCancel(ctx))

	return BatchLaunchResult{
		JobID:     state.JobID,
		StreamURL: "/ws/progress?jobId=" + state.JobID,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// ScanBookshelf implements POST /v1/bookshelf/scan: each photo is one
// batch item, resolved through the AI vision provider.
func (s *Service) ScanBookshelf(ctx context.Context, ownerPrincipal string, images [][]byte) (BatchLaunchResult, error) {
	if len(images) == 0 {
		return BatchLaunchResult{}, NewError(KindValidation, "no images supplied")
	}
	items := make([]string, len(images))
	for i := range images {
		items[i] = fmt.Sprintf("photo-%d", i)
	}

	state, token, err := s.jobs.Launch(ctx, ownerPrincipal, items)
	if err != nil {
		return BatchLaunchResult{}, err
	}
	actor := s.jobs.Get(state.JobID)

	go func(ctx context.Context) {
		sem := make(chan struct{}, batchConcurrency)
		for i, img := range images {
			sem <- struct{}{}
			go func(i int, img []byte) {
				defer func() { <-sem }()
				candidates, err := s.ai.ParseImage(ctx, img)
				if err != nil || len(candidates) == 0 {
					kind := KindOf(err)
					if kind == KindUnknown {
						kind = KindNotFound
					}
					actor.OnItemResult(ctx, i, ItemFailed, "", kind)
					return
				}
				edition := NormalizeEdition(candidates[0])
				actor.OnItemResult(ctx, i, ItemDone, edition.ISBN, KindUnknown)
			}(i, img)
		}
		for n := 0; n < batchConcurrency; n++ {
			sem <- struct{}{}
		}
	}(context.WithoutCancel(ctx))

	return BatchLaunchResult{
		JobID:     state.JobID,
		StreamURL: "/ws/progress?jobId=" + state.JobID,
		Token:     token.Token,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// CancelBatch implements POST /v1/batch-enrichment/{jobId}/cancel.
func (s *Service) CancelBatch(ctx context.Context, jobID, presentedToken string) error {
	actor := s.jobs.Get(jobID)
	if actor == nil {
		return NewError(KindNotFound, "job not found")
	}
	return actor.Cancel(ctx, presentedToken)
}

// RefreshToken implements POST /api/token/refresh.
func (s *Service) RefreshToken(ctx context.Context, jobID, presentedToken string) (TokenEnvelope, error) {
	actor := s.jobs.Get(jobID)
	if actor == nil {
		return TokenEnvelope{}, NewError(KindNotFound, "job not found")
	}
	return actor.RefreshToken(ctx, presentedToken)
}

// AttachStream implements the /ws/progress upgrade: validates the bearer
// token and binds sink as the job's single active stream.
func (s *Service) AttachStream(jobID, presentedToken string, sink ProgressSink) error {
	actor := s.jobs.Get(jobID)
	if actor == nil {
		return NewError(KindNotFound, "job not found")
	}
	return actor.AttachStream(presentedToken, sink)
}

// Snapshot implements a plain (non-streaming) status read of a job,
// falling back to the store for a job whose actor isn't currently hosted.
func (s *Service) Snapshot(ctx context.Context, jobID string) (JobState, error) {
	return s.jobs.Snapshot(ctx, jobID)
}

func (s *Service) StreamMetrics() *streamMetrics { return s.streamM }

// JobBacklog returns jobID's shared stream backlog (seq counter + retention
// ring), or nil if no actor is currently hosted for it.
func (s *Service) JobBacklog(jobID string) *streamBacklog { return s.jobs.Backlog(jobID) }

// newJobID is exposed for callers (e.g. tests) that want to pre-compute a
// URL before a job exists.
func newJobID() string { return uuid.NewString() }
