package internal

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultOrchestrationBudget is the overall search orchestration timeout
// from the concurrency & resource model.
const DefaultOrchestrationBudget = 5 * time.Second

// OrchestrationResult is what the orchestrator hands back to the unified
// cache's loader: the merged Work plus which provider(s) contributed.
type OrchestrationResult struct {
	Work     Work
	Provider string // "orchestrated" or a single provider's name
}

// Orchestrator fans a query out to a fixed provider set in parallel,
// normalizes each non-failure response, and merges the results into one
// canonical Work (C7).
type Orchestrator struct {
	providers []Provider
	metrics   *orchestratorMetrics
	budget    time.Duration
}

// NewOrchestrator wires the provider set declared for a query kind. m may
// be nil in tests.
func NewOrchestrator(providers []Provider, m *orchestratorMetrics) *Orchestrator {
	return &Orchestrator{providers: providers, metrics: m, budget: DefaultOrchestrationBudget}
}

type providerOutcome struct {
	provider string
	editions []RawEdition
	err      error
}

// keyed pairs a merged RawEdition with the best quality score contributing
// to it, tracked per dedupe key while merging.
type keyed struct {
	raw   RawEdition
	score int
}

// Search fans out query/subkind to every configured provider, bounded by
// the orchestration budget, tolerating partial failures.
func (o *Orchestrator) Search(ctx context.Context, query, subkind string, limit int) (OrchestrationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	outcomes := o.fanOut(ctx, func(p Provider) providerOutcome {
		editions, err := p.Search(ctx, query, subkind, limit)
		return providerOutcome{provider: p.Name(), editions: editions, err: err}
	})

	return o.merge(outcomes)
}

// LookupByID fans id out to every configured provider and merges the
// non-failure responses.
func (o *Orchestrator) LookupByID(ctx context.Context, id string) (OrchestrationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	outcomes := o.fanOut(ctx, func(p Provider) providerOutcome {
		edition, err := p.LookupByID(ctx, id)
		if err != nil {
			return providerOutcome{provider: p.Name(), err: err}
		}
		return providerOutcome{provider: p.Name(), editions: []RawEdition{edition}}
	})

	return o.merge(outcomes)
}

func (o *Orchestrator) fanOut(ctx context.Context, call func(Provider) providerOutcome) []providerOutcome {
	outcomes := make([]providerOutcome, len(o.providers))

	var g errgroup.Group
	for i, p := range o.providers {
		i, p := i, p
		g.Go(func() error {
			outcomes[i] = call(p)
			return nil // partial results are acceptable; never fail the group
		})
	}
	_ = g.Wait()

	return outcomes
}

// merge implements the C7 merge strategy: dedupe editions by ISBN (or
// case-folded title+author), prefer the highest-quality provider per
// field, dedupe authors by case-folded name, and report aggregate failure
// if every provider failed.
func (o *Orchestrator) merge(outcomes []providerOutcome) (OrchestrationResult, error) {
	contributing := make([]string, 0, len(outcomes))
	var allFailed = true

	byKey := map[string]keyed{}
	var order []string

	for _, oc := range outcomes {
		if oc.err != nil || len(oc.editions) == 0 {
			continue
		}
		allFailed = false
		contributing = append(contributing, oc.provider)

		for _, raw := range oc.editions {
			key := dedupeKey(raw)
			score := QualityScore(raw)
			existing, ok := byKey[key]
			if !ok {
				byKey[key] = keyed{raw: raw, score: score}
				order = append(order, key)
				continue
			}
			byKey[key] = keyed{raw: mergeFields(existing.raw, raw, existing.score, score), score: max(existing.score, score)}
		}
	}

	if allFailed {
		if o.metrics != nil {
			o.metrics.resultInc("aggregated_failure")
		}
		return OrchestrationResult{}, NewError(KindNotFound, "all providers failed")
	}

	w := NewWork()
	authorSeen := map[string]struct{}{}

	for _, key := range order {
		raw := byKey[key].raw
		edition := NormalizeEdition(raw)
		w.Editions = append(w.Editions, edition)

		if w.Title == UnknownTitle && edition.Title != UnknownTitle {
			w.Title = edition.Title
		}
		if y := ExtractYear(raw.PublicationRaw); y > 0 && w.FirstPublicationYear == 0 {
			w.FirstPublicationYear = y
		}
		if w.Description == "" {
			w.Description = edition.EditionDescription
		}
		for _, subj := range raw.Subjects {
			if !contains(w.SubjectTags, subj) {
				w.SubjectTags = append(w.SubjectTags, subj)
			}
		}
		for _, name := range raw.Authors {
			a := NormalizeAuthor(name)
			foldKey := strings.ToLower(a.Name)
			if _, dup := authorSeen[foldKey]; dup || a.Name == "" {
				continue
			}
			authorSeen[foldKey] = struct{}{}
			w.Authors = append(w.Authors, a)
		}
		if raw.Provider != "" && !contains(w.Contributors, raw.Provider) {
			w.Contributors = append(w.Contributors, raw.Provider)
		}
	}

	w.QualityScore = ClampQuality(bestScore(byKey))
	w.PrimaryProvider = providerLabel(contributing)

	if o.metrics != nil {
		o.metrics.resultInc("ok")
	}

	return OrchestrationResult{Work: w, Provider: w.PrimaryProvider}, nil
}

// dedupeKey dedupes Editions by primary ISBN when present; otherwise by
// case-folded title+primary-author.
func dedupeKey(r RawEdition) string {
	isbn := r.ISBN13
	if isbn == "" {
		isbn = r.ISBN10
	}
	if isbn != "" {
		return "isbn:" + isbn
	}
	author := ""
	if len(r.Authors) > 0 {
		author = strings.ToLower(r.Authors[0])
	}
	return "title:" + strings.ToLower(strings.TrimSpace(r.Title)) + "|" + author
}

// mergeFields prefers the higher-quality provider's value for each field,
// supplementing missing fields from the other.
func mergeFields(a, b RawEdition, scoreA, scoreB int) RawEdition {
	hi, lo := a, b
	if scoreB > scoreA {
		hi, lo = b, a
	}
	out := hi
	if out.ISBN13 == "" {
		out.ISBN13 = lo.ISBN13
	}
	if out.ISBN10 == "" {
		out.ISBN10 = lo.ISBN10
	}
	if out.Publisher == "" {
		out.Publisher = lo.Publisher
	}
	if out.PublicationRaw == "" {
		out.PublicationRaw = lo.PublicationRaw
	}
	if out.PageCount == 0 {
		out.PageCount = lo.PageCount
	}
	if out.CoverURL == "" {
		out.CoverURL = lo.CoverURL
	}
	if out.Synopsis == "" {
		out.Synopsis = lo.Synopsis
	}
	if len(out.Subjects) == 0 {
		out.Subjects = lo.Subjects
	}
	if len(out.Authors) == 0 {
		out.Authors = lo.Authors
	}
	return out
}

func bestScore(byKey map[string]keyed) int {
	best := 0
	for _, v := range byKey {
		if v.score > best {
			best = v.score
		}
	}
	return best
}

func providerLabel(contributing []string) string {
	if len(contributing) == 1 {
		return contributing[0]
	}
	return "orchestrated"
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
