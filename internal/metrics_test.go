package internal

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	cm := newCacheMetrics(reg)

	cm.cacheHitInc()
	cm.cacheMissInc()

	assert.Equal(t, 1.0, testutil.ToFloat64(cm.totals.WithLabelValues("hits")))
	assert.Equal(t, 1.0, testutil.ToFloat64(cm.totals.WithLabelValues("misses")))
	assert.Equal(t, 0.5, cm.cacheHitRatioGet())
}

func TestOrchestratorMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	om := newOrchestratorMetrics(reg)

	om.resultInc("orchestrated")
	om.resultInc("aggregated_failure")

	assert.Equal(t, 1.0, testutil.ToFloat64(om.totals.WithLabelValues("orchestrated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(om.totals.WithLabelValues("aggregated_failure")))
}

func TestProviderMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	pm := newProviderMetrics(reg)

	pm.callInc("primary", KindUnknown)
	pm.callInc("primary", KindProviderTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.totals.WithLabelValues("primary", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.totals.WithLabelValues("primary", "ProviderTimeout")))
}

func TestRateLimitMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	rm := newRateLimitMetrics(reg)

	rm.allowedInc()
	rm.rejectedInc()
	rm.rejectedInc()

	assert.Equal(t, 1.0, testutil.ToFloat64(rm.totals.WithLabelValues("allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(rm.totals.WithLabelValues("rejected")))
}

func TestNormalizePattern(t *testing.T) {
	assert.Equal(t, "/author", normalizePattern("/author/{foreignAuthorID}"))
	assert.Equal(t, "/book/bulk", normalizePattern("/book/bulk/"))
}
