package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindRateLimited, classifyHTTPStatus("p", http.StatusTooManyRequests, "2").Kind)
	assert.Equal(t, KindProviderUnauthorized, classifyHTTPStatus("p", http.StatusUnauthorized, "").Kind)
	assert.Equal(t, KindNotFound, classifyHTTPStatus("p", http.StatusNotFound, "").Kind)
	assert.Equal(t, KindProviderTransient, classifyHTTPStatus("p", http.StatusBadGateway, "").Kind)
	assert.Equal(t, KindProviderMalformed, classifyHTTPStatus("p", http.StatusTeapot, "").Kind)
}

func TestClassifyTransportErr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KindProviderTimeout, classifyTransportErr("p", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindCancelled, classifyTransportErr("p", context.Canceled).Kind)
	assert.Equal(t, KindNetwork, classifyTransportErr("p", errors.New("connection refused")).Kind)

	wrapped := &StatusErr{Kind: KindNotFound}
	assert.Equal(t, KindNotFound, classifyTransportErr("p", wrapped).Kind)
}

func TestSecondaryProviderSearch(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"isbn13": "9780441013593", "title": "Dune", "binding": "Paperback"},
			},
		})
	}))
	defer ts.Close()

	s := &SecondaryProvider{host: stripScheme(ts.URL), scheme: "http", hc: ts.Client()}
	results, err := s.Search(context.Background(), "dune", "title", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Dune", results[0].Title)
}

func TestFakeAIProviderReturnsFixedCandidates(t *testing.T) {
	t.Parallel()

	fake := &FakeAIProvider{ImageCandidates: []RawEdition{{Title: "Found Book"}}}
	got, err := fake.ParseImage(context.Background(), []byte("jpeg bytes"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Found Book", got[0].Title)
}

func stripScheme(u string) string {
	for i, c := range u {
		if c == '/' && i > 0 && u[i-1] == '/' {
			return u[i+1:]
		}
	}
	return u
}
