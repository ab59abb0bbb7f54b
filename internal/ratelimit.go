package internal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"
)

// EndpointClass groups endpoints that share one admission-control window.
type EndpointClass string

const (
	ClassRead  EndpointClass = "read"
	ClassBatch EndpointClass = "batch"
	ClassBust  EndpointClass = "bust"
)

// WindowConfig is a per-endpoint-class admission window: limit requests per
// window, per principal.
type WindowConfig struct {
	Limit  int
	Window time.Duration
}

// DefaultWindow is spec.md's stated default: 100 requests/minute per
// principal.
var DefaultWindow = WindowConfig{Limit: 100, Window: time.Minute}

// RateLimiter is a sharded map of per-(principal, endpoint-class) token
// buckets (C8), grounded on the teacher's throttledTransport — same
// library, opposite direction: outbound throttling there, inbound
// admission here. Counters expire automatically via a ristretto TTL cache
// instead of a manually swept map, reusing C2's eviction mechanism.
type RateLimiter struct {
	windows map[EndpointClass]WindowConfig
	buckets *ristretto.Cache
	mu      sync.Mutex // guards the read-then-insert race on a bucket miss
	metrics *rateLimitMetrics
}

// NewRateLimiter builds a limiter with the given per-class windows; classes
// absent from windows fall back to DefaultWindow.
func NewRateLimiter(windows map[EndpointClass]WindowConfig, m *rateLimitMetrics) (*RateLimiter, error) {
	buckets, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RateLimiter{windows: windows, buckets: buckets, metrics: m}, nil
}

// Allow performs an atomic increment-and-check admission decision for
// principal under class. On exceed, it returns a RateLimited *StatusErr
// carrying a retry-after hint (seconds, capped by the window length).
func (rl *RateLimiter) Allow(ctx context.Context, principal string, class EndpointClass) error {
	limiter := rl.bucketFor(principal, class)
	if limiter.Allow() {
		if rl.metrics != nil {
			rl.metrics.allowedInc()
		}
		return nil
	}
	if rl.metrics != nil {
		rl.metrics.rejectedInc()
	}
	retryAfter := rl.windowFor(class).Window / time.Duration(rl.windowFor(class).Limit)
	return RateLimitedErr(retryAfter.Seconds())
}

func (rl *RateLimiter) windowFor(class EndpointClass) WindowConfig {
	if w, ok := rl.windows[class]; ok {
		return w
	}
	return DefaultWindow
}

// bucketFor returns the token bucket for (principal, class), creating one
// sized to the class's window on first use. A rate.Limiter configured with
// rate.Every(window/limit) and a burst of limit approximates the rolling
// window spec.md describes: limit admissions per window, replenishing
// continuously rather than resetting in lockstep at the window boundary.
func (rl *RateLimiter) bucketFor(principal string, class EndpointClass) *rate.Limiter {
	key := fmt.Sprintf("%s:%s", principal, class)

	if v, ok := rl.buckets.Get(key); ok {
		return v.(*rate.Limiter)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, ok := rl.buckets.Get(key); ok {
		return v.(*rate.Limiter)
	}

	w := rl.windowFor(class)
	limiter := rate.NewLimiter(rate.Every(w.Window/time.Duration(w.Limit)), w.Limit)
	rl.buckets.SetWithTTL(key, limiter, 1, w.Window)
	rl.buckets.Wait()
	return limiter
}
