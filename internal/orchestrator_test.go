package internal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name     string
	editions []RawEdition
	err      error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Search(_ context.Context, _, _ string, _ int) ([]RawEdition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.editions, nil
}

func (f *fakeProvider) LookupByID(_ context.Context, _ string) (RawEdition, error) {
	if f.err != nil {
		return RawEdition{}, f.err
	}
	if len(f.editions) == 0 {
		return RawEdition{}, NewError(KindNotFound, "no edition")
	}
	return f.editions[0], nil
}

// Two providers return the same ISBN: the merge must produce exactly one
// Edition.
func TestOrchestratorDedupesByISBN(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "primary", editions: []RawEdition{
		{Provider: "primary", ISBN13: "9783333333333", Title: "Sample Work", Authors: []string{"Jane Doe"}, CoverURL: "https://x/cover.jpg"},
	}}
	secondary := &fakeProvider{name: "secondary", editions: []RawEdition{
		{Provider: "secondary", ISBN13: "9783333333333", Title: "Sample Work", Synopsis: "A sufficiently long synopsis to earn quality points here."},
	}}

	o := NewOrchestrator([]Provider{primary, secondary}, nil)
	result, err := o.Search(context.Background(), "sample work", "title", 10)
	require.NoError(t, err)
	require.Len(t, result.Work.Editions, 1)
	assert.Equal(t, "9783333333333", result.Work.Editions[0].ISBN)
	// merged from the lower-scored provider's field since primary's was empty
	assert.NotEmpty(t, result.Work.Editions[0].EditionDescription)
	assert.Equal(t, "orchestrated", result.Provider)
}

// Primary fails outright; secondary alone supplies the result. The merge
// must fall back cleanly with exactly one provider's data surviving.
func TestOrchestratorFallsBackOnPrimaryFailure(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "primary", err: NewError(KindProviderTransient, "upstream 500")}
	secondary := &fakeProvider{name: "secondary", editions: []RawEdition{
		{Provider: "secondary", Title: "The Google Story", Authors: []string{"David A. Vise"}},
	}}

	o := NewOrchestrator([]Provider{primary, secondary}, nil)
	result, err := o.Search(context.Background(), "the google story", "title", 10)
	require.NoError(t, err)
	require.Len(t, result.Work.Editions, 1)
	assert.Equal(t, "secondary", result.Provider)
	assert.Equal(t, "The Google Story", result.Work.Title)
}

func TestOrchestratorAggregatesFailureWhenAllProvidersFail(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a", err: NewError(KindProviderTransient, "down")}
	b := &fakeProvider{name: "b", err: NewError(KindNetwork, "timeout")}

	o := NewOrchestrator([]Provider{a, b}, nil)
	_, err := o.Search(context.Background(), "anything", "title", 10)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestOrchestratorDedupesAuthorsCaseInsensitively(t *testing.T) {
	t.Parallel()

	a := &fakeProvider{name: "a", editions: []RawEdition{
		{Provider: "a", ISBN13: "9781111111111", Title: "Dup Authors", Authors: []string{"Ada Lovelace"}},
	}}
	b := &fakeProvider{name: "b", editions: []RawEdition{
		{Provider: "b", ISBN13: "9781111111111", Title: "Dup Authors", Authors: []string{"ada lovelace", "Charles Babbage"}},
	}}

	o := NewOrchestrator([]Provider{a, b}, nil)
	result, err := o.Search(context.Background(), "dup authors", "title", 10)
	require.NoError(t, err)
	require.Len(t, result.Work.Editions, 1)
	assert.Len(t, result.Work.Authors, 2)
}
