package internal

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// throttledTransport rate limits outbound requests to a provider. Adapted
// from the teacher's ticker-based variant to a token-bucket so bursts up to
// the configured limiter's burst size are allowed.
type throttledTransport struct {
	http.RoundTripper
	Limiter *rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// ScopedTransport restricts requests to a particular host, so redirects
// can't send a provider's credentials elsewhere.
type ScopedTransport struct {
	Host string
	http.RoundTripper
}

func (t ScopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.Host
	return t.RoundTripper.RoundTrip(r)
}

// HeaderTransport adds a header to all requests. Used to carry resolved
// provider credentials; best paired with ScopedTransport.
type HeaderTransport struct {
	Key   string
	Value string
	http.RoundTripper
}

func (t *HeaderTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Add(t.Key, t.Value)
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport classifies upstream 4xx/5xx responses into the
// provider failure taxonomy instead of letting callers inspect raw status
// codes.
type errorProxyTransport struct {
	provider string
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, classifyTransportErr(t.provider, err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyHTTPStatus(t.provider, resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	return resp, nil
}

// NewProviderClient builds the standard transport stack a provider client
// uses: outbound throttling, host scoping, credential header injection,
// and failure classification, composed in that order (outermost first).
func NewProviderClient(host, authHeader, authValue string, limiter *rate.Limiter, timeout time.Duration) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport
	rt = errorProxyTransport{provider: host, RoundTripper: rt}
	if authHeader != "" {
		rt = &HeaderTransport{Key: authHeader, Value: authValue, RoundTripper: rt}
	}
	rt = ScopedTransport{Host: host, RoundTripper: rt}
	rt = throttledTransport{Limiter: limiter, RoundTripper: rt}

	return &http.Client{Transport: rt, Timeout: timeout}
}
