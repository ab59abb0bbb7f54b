package internal

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// NewMetrics creates a new Prometheus registry with default collectors
// already registered.
func NewMetrics() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

var _metricsNamespace = "bookbridge"

// _patternRE strips all `{...}` segments from a chi route pattern to build
// a stable label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// cacheMetrics tracks C2/C3/C4 hit/miss counts.
type cacheMetrics struct {
	totals *prometheus.CounterVec
}

// orchestratorMetrics tracks C7 fan-out outcomes.
type orchestratorMetrics struct {
	totals   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inflight *prometheus.GaugeVec
}

// providerMetrics tracks C5 per-provider call outcomes.
type providerMetrics struct {
	totals  *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// rateLimitMetrics tracks C8 admission decisions.
type rateLimitMetrics struct {
	totals *prometheus.CounterVec
}

// jobMetrics tracks C9 batch job lifecycle transitions.
type jobMetrics struct {
	totals *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
}

// streamMetrics tracks C10 progress stream activity.
type streamMetrics struct {
	totals *prometheus.CounterVec
	gauge  *prometheus.GaugeVec
}

// dbMetrics exposes gauges derived from the KV cache's contents.
type dbMetrics struct {
	gauge *prometheus.GaugeVec
}

// Instrument wraps an HTTP handler to automatically record timing and
// status codes. Never sits on the critical path for any individual
// component's own metrics — it only measures the outer request.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	normalized := map[string]string{}

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path, ok := normalized[r.Pattern]
		if !ok {
			path = normalizePattern(r.Pattern)
			normalized[r.Pattern] = path
		}
		if path == "" {
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for cache hits/misses.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newOrchestratorMetrics(reg *prometheus.Registry) *orchestratorMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "total",
			Help:      "Orchestration outcomes by result.",
		},
		[]string{"result"},
	)
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "fanout_seconds",
			Help:      "Wall-clock time spent fanning out to providers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	inflight := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "orchestrator",
			Name:      "inflight",
			Help:      "In-flight provider fan-outs.",
		},
		[]string{"kind"},
	)
	if reg != nil {
		reg.MustRegister(totals, latency, inflight)
	}
	return &orchestratorMetrics{totals: totals, latency: latency, inflight: inflight}
}

func newProviderMetrics(reg *prometheus.Registry) *providerMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "total",
			Help:      "Provider call outcomes.",
		},
		[]string{"provider", "outcome"},
	)
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "provider",
			Name:      "latency_seconds",
			Help:      "Provider call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
	if reg != nil {
		reg.MustRegister(totals, latency)
	}
	return &providerMetrics{totals: totals, latency: latency}
}

func newRateLimitMetrics(reg *prometheus.Registry) *rateLimitMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "total",
			Help:      "Admission decisions by outcome.",
		},
		[]string{"outcome"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &rateLimitMetrics{totals: totals}
}

func newJobMetrics(reg *prometheus.Registry) *jobMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "job",
			Name:      "transitions_total",
			Help:      "Batch job state transitions.",
		},
		[]string{"state"},
	)
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "job",
			Name:      "active",
			Help:      "Currently active batch jobs.",
		},
		[]string{"state"},
	)
	if reg != nil {
		reg.MustRegister(totals, gauge)
	}
	return &jobMetrics{totals: totals, gauge: gauge}
}

func newStreamMetrics(reg *prometheus.Registry) *streamMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "stream",
			Name:      "messages_total",
			Help:      "Progress stream messages sent by type.",
		},
		[]string{"type"},
	)
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "stream",
			Name:      "attached",
			Help:      "Currently attached progress stream clients.",
		},
		[]string{"jobId"},
	)
	if reg != nil {
		reg.MustRegister(totals, gauge)
	}
	return &streamMetrics{totals: totals, gauge: gauge}
}

func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "cache_entries",
			Help:      "Count of rows in cache_entries by source.",
		},
		[]string{"source"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	return &dbMetrics{gauge: gauge}
}

func (cm *cacheMetrics) cacheHitInc()  { cm.totals.WithLabelValues("hits").Inc() }
func (cm *cacheMetrics) cacheMissInc() { cm.totals.WithLabelValues("misses").Inc() }

func (cm *cacheMetrics) cacheHitGet() float64 {
	return counterValue(cm.totals.WithLabelValues("hits"))
}

func (cm *cacheMetrics) cacheMissGet() float64 {
	return counterValue(cm.totals.WithLabelValues("misses"))
}

func (cm *cacheMetrics) cacheHitRatioGet() float64 {
	hits, misses := cm.cacheHitGet(), cm.cacheMissGet()
	if hits+misses == 0 {
		return 0
	}
	return hits / (hits + misses)
}

func (om *orchestratorMetrics) resultInc(result string) { om.totals.WithLabelValues(result).Inc() }

func (pm *providerMetrics) callInc(provider string, outcome ErrorKind) {
	label := "ok"
	if outcome != KindUnknown {
		label = outcome.String()
	}
	pm.totals.WithLabelValues(provider, label).Inc()
}

func (rm *rateLimitMetrics) allowedInc()  { rm.totals.WithLabelValues("allowed").Inc() }
func (rm *rateLimitMetrics) rejectedInc() { rm.totals.WithLabelValues("rejected").Inc() }

func (jm *jobMetrics) transitionInc(state string) { jm.totals.WithLabelValues(state).Inc() }

func (sm *streamMetrics) messageInc(msgType string) { sm.totals.WithLabelValues(msgType).Inc() }

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// normalizePattern derives the constant label from the pattern:
//
//	"/author/{foreignAuthorID}" → "/author"
//	"/book/bulk"                → "/book/bulk"
func normalizePattern(pattern string) string {
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
