package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/Khan/genqlient/graphql"
	"golang.org/x/time/rate"
)

// PrimaryProvider is the GraphQL-backed metadata provider, grounded on the
// teacher's Goodreads getter: a single upstream exposing works, editions,
// and authors behind one schema, queried through genqlient's transport
// interface so query batching can be layered on top.
type PrimaryProvider struct {
	client graphql.Client
}

var _ Provider = (*PrimaryProvider)(nil)

// NewPrimaryProvider builds a PrimaryProvider against host, resolving its
// API key via secrets and rate-limiting outbound calls via limiter.
func NewPrimaryProvider(host, apiKeyRef string, secrets SecretSource, limiter *rate.Limiter) (*PrimaryProvider, error) {
	apiKey, err := secrets.Resolve(apiKeyRef)
	if err != nil {
		return nil, fmt.Errorf("resolving primary provider credential: %w", err)
	}
	hc := NewProviderClient(host, "Authorization", "Bearer "+apiKey, limiter, 5*time.Second)
	gqlClient := graphql.NewClient("https://"+host+"/graphql", hc)
	return &PrimaryProvider{client: gqlClient}, nil
}

func (p *PrimaryProvider) Name() string { return "primary" }

type primarySearchResponse struct {
	Search []primaryBook `json:"search"`
}

type primaryBookResponse struct {
	Book *primaryBook `json:"book"`
}

type primaryBook struct {
	ISBN13      string   `json:"isbn13"`
	ISBN10      string   `json:"isbn10"`
	Title       string   `json:"title"`
	Publisher   string   `json:"publisher"`
	PublishedOn string   `json:"publishedOn"`
	Pages       int      `json:"pages"`
	Binding     string   `json:"binding"`
	Language    string   `json:"language"`
	CoverURL    string   `json:"coverUrl"`
	Synopsis    string   `json:"synopsis"`
	Subjects    []string `json:"subjects"`
	Authors     []string `json:"authors"`
}

func (b primaryBook) toRaw() RawEdition {
	return RawEdition{
		Provider:       "primary",
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

func (p *PrimaryProvider) Search(ctx context.Context, query, subkind string, limit int) ([]RawEdition, error) {
	req := &graphql.Request{
		OpName: "SearchBooks",
		Query: `
			query SearchBooks($q: String!, $kind: String!, $limit: Int!) {
				search(query: $q, kind: $kind, limit: $limit) {
					isbn13 isbn10 title publisher publishedOn pages binding
					language coverUrl synopsis subjects authors
				}
			}`,
		Variables: map[string]any{"q": query, "kind": subkind, "limit": limit},
	}
	resp := &graphql.Response{Data: &primarySearchResponse{}}
	if err := p.client.MakeRequest(ctx, req, resp); err != nil {
		return nil, classifyTransportErr(p.Name(), err)
	}

	data, ok := resp.Data.(*primarySearchResponse)
	if !ok {
		return nil, NewError(KindProviderMalformed, "unexpected search response shape")
	}

	out := make([]RawEdition, 0, len(data.Search))
	for _, b := range data.Search {
		out = append(out, b.toRaw())
	}
	return out, nil
}

func (p *PrimaryProvider) LookupByID(ctx context.Context, id string) (RawEdition, error) {
	req := &graphql.Request{
		OpName: "GetBook",
		Query: `
			query GetBook($id: String!) {
				book(id: $id) {
					isbn13 isbn10 title publisher publishedOn pages binding
					language coverUrl synopsis subjects authors
				}
			}`,
		Variables: map[string]any{"id": id},
	}
	resp := &graphql.Response{Data: &primaryBookResponse{}}
	if err := p.client.MakeRequest(ctx, req, resp); err != nil {
		return RawEdition{}, classifyTransportErr(p.Name(), err)
	}

	data, ok := resp.Data.(*primaryBookResponse)
	if !ok || data.Book == nil {
		return RawEdition{}, NewError(KindNotFound, "book not found")
	}
	return data.Book.toRaw(), nil
}
