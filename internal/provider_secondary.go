package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

// SecondaryProvider is a REST/JSON fallback metadata provider, adapted
// from the teacher's Hardcover getter (originally GraphQL-backed) to a
// plain REST transport so the two metadata providers are visibly
// different integration shapes, matching the orchestrator's
// primary/secondary fallback design.
type SecondaryProvider struct {
	host   string
	scheme string
	hc     *http.Client
}

var _ Provider = (*SecondaryProvider)(nil)

func NewSecondaryProvider(host, apiKeyRef string, secrets SecretSource, limiter *rate.Limiter) (*SecondaryProvider, error) {
	apiKey, err := secrets.Resolve(apiKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolving secondary provider credential: %w", err)
	}
	hc := NewProviderClient(host, "X-API-Key", apiKey, limiter, 5*time.Second)
	return &SecondaryProvider{host: host, scheme: "https", hc: hc}, nil
}

func (s *SecondaryProvider) Name() string { return "secondary" }

type secondaryBook struct {
	ISBN13      string   `json:"isbn13"`
	ISBN10      string   `json:"isbn10"`
	Title       string   `json:"title"`
	Publisher   string   `json:"publisher"`
	PublishedOn string   `json:"published_on"`
	Pages       int      `json:"pages"`
	Binding     string   `json:"binding"`
	Language    string   `json:"language"`
	CoverURL    string   `json:"cover_url"`
	Synopsis    string   `json:"synopsis"`
	Subjects    []string `json:"subjects"`
	Authors     []string `json:"authors"`
}

func (b secondaryBook) toRaw() RawEdition {
	return RawEdition{
		Provider:       "secondary",
		ISBN10:         b.ISBN10,
		ISBN13:         b.ISBN13,
		Title:          b.Title,
		Publisher:      b.Publisher,
		PublicationRaw: b.PublishedOn,
		PageCount:      b.Pages,
		Binding:        b.Binding,
		Language:       b.Language,
		CoverURL:       b.CoverURL,
		Synopsis:       b.Synopsis,
		Subjects:       b.Subjects,
		Authors:        b.Authors,
	}
}

func (s *SecondaryProvider) Search(ctx context.Context, query, subkind string, limit int) ([]RawEdition, error) {
	u := url.URL{
		Scheme:   s.scheme,
		Host:     s.host,
		Path:     "/v1/search",
		RawQuery: fmt.Sprintf("q=%s&kind=%s&limit=%d", url.QueryEscape(query), url.QueryEscape(subkind), limit),
	}
	var result struct {
		Results []secondaryBook `json:"results"`
	}
	if err := s.getJSON(ctx, u.String(), &result); err != nil {
		return nil, err
	}
	out := make([]RawEdition, 0, len(result.Results))
	for _, b := range result.Results {
		out = append(out, b.toRaw())
	}
	return out, nil
}

func (s *SecondaryProvider) LookupByID(ctx context.Context, id string) (RawEdition, error) {
	u := url.URL{Scheme: s.scheme, Host: s.host, Path: "/v1/books/" + url.PathEscape(id)}
	var book secondaryBook
	if err := s.getJSON(ctx, u.String(), &book); err != nil {
		return RawEdition{}, err
	}
	return book.toRaw(), nil
}

func (s *SecondaryProvider) getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := s.hc.Do(req)
	if err != nil {
		return classifyTransportErr(s.Name(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyTransportErr(s.Name(), err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return NewError(KindProviderMalformed, "malformed secondary provider payload")
	}
	return nil
}
