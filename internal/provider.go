package internal

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Provider is the shared surface every C5 client exposes. A Failure is
// always returned as an error satisfying *StatusErr; providers never
// panic into the orchestrator.
type Provider interface {
	// Name identifies the provider in orchestration metadata.
	Name() string

	// Search returns normalized candidates for a free-text query of the
	// given subkind ("title", "author"). limit bounds the result count.
	Search(ctx context.Context, query, subkind string, limit int) ([]RawEdition, error)

	// LookupByID returns the normalized candidate for a provider-specific
	// identifier (ISBN, ASIN, or provider's internal ID).
	LookupByID(ctx context.Context, id string) (RawEdition, error)
}

// classifyTransportErr maps a RoundTrip-level error (DNS, connect, context
// deadline) into the failure taxonomy.
func classifyTransportErr(provider string, err error) *StatusErr {
	var se *StatusErr
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &StatusErr{Kind: KindProviderTimeout, Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &StatusErr{Kind: KindCancelled, Cause: err}
	}
	return &StatusErr{Kind: KindNetwork, Cause: err}
}

// classifyHTTPStatus maps an upstream HTTP status code into the failure
// taxonomy, parsing Retry-After for RateLimited responses.
func classifyHTTPStatus(provider string, status int, retryAfter string) *StatusErr {
	switch {
	case status == http.StatusTooManyRequests:
		secs, _ := strconv.ParseFloat(retryAfter, 64)
		if secs <= 0 {
			secs = 1
		}
		return &StatusErr{Kind: KindRateLimited, RetryAfter: secs}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &StatusErr{Kind: KindProviderUnauthorized}
	case status == http.StatusNotFound:
		return &StatusErr{Kind: KindNotFound}
	case status == http.StatusBadRequest:
		return &StatusErr{Kind: KindValidation}
	case status >= 500:
		return &StatusErr{Kind: KindProviderTransient}
	default:
		return &StatusErr{Kind: KindProviderMalformed}
	}
}

// WithTimeout derives a child context bounded by the provider's hard
// per-request timeout (default 5s, per the concurrency model).
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
