package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// CoverProvider supplies cover-art metadata (URL, dimensions) only. Its
// result feeds QualityScore's image-quality signal rather than a full
// Edition; LookupByID is its only meaningful operation since cover
// lookups are always by a known identifier.
type CoverProvider struct {
	host string
	hc   *http.Client
}

var _ Provider = (*CoverProvider)(nil)

func NewCoverProvider(host, apiKeyRef string, secrets SecretSource, limiter *rate.Limiter) (*CoverProvider, error) {
	apiKey, err := secrets.Resolve(apiKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolving cover provider credential: %w", err)
	}
	hc := NewProviderClient(host, "Authorization", "Bearer "+apiKey, limiter, 5*time.Second)
	return &CoverProvider{host: host, hc: hc}, nil
}

func (c *CoverProvider) Name() string { return "cover" }

type coverResponse struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Search is not meaningful for a cover provider; it always returns an
// empty list so the orchestrator's fan-out simply gets nothing back
// rather than an error.
func (c *CoverProvider) Search(_ context.Context, _, _ string, _ int) ([]RawEdition, error) {
	return nil, nil
}

func (c *CoverProvider) LookupByID(ctx context.Context, id string) (RawEdition, error) {
	u := url.URL{Scheme: "https", Host: c.host, Path: "/v1/covers/" + url.PathEscape(id)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return RawEdition{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return RawEdition{}, classifyTransportErr(c.Name(), err)
	}
	defer resp.Body.Close()

	var cr coverResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return RawEdition{}, NewError(KindProviderMalformed, "malformed cover payload")
	}
	if cr.URL == "" {
		return RawEdition{}, NewError(KindNotFound, "no cover available")
	}
	return RawEdition{Provider: c.Name(), CoverURL: cr.URL}, nil
}

// HighQualityCover reports whether a cover's dimensions clear a 600x600
// thumbnail threshold. CacheResult.ImageQuality does not use it: that flag
// only records whether a cover URL is present.
func HighQualityCover(width, height int) bool {
	return width >= 600 && height >= 600
}
