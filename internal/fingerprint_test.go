package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveStable(t *testing.T) {
	t.Parallel()

	a := Derive(KindSearch, "isbn", map[string]string{"isbn": "978-0-439-70818-0"})
	b := Derive(KindSearch, "isbn", map[string]string{"isbn": "9780439708180"})
	assert.Equal(t, a, b)
	assert.Equal(t, "v1:search:isbn:isbn=9780439708180", a)
}

func TestDeriveSortsPairs(t *testing.T) {
	t.Parallel()

	a := Derive(KindSearch, "title", map[string]string{"q": "Dune", "maxResults": "20"})
	b := Derive(KindSearch, "title", map[string]string{"maxResults": "20", "q": "Dune"})
	assert.Equal(t, a, b)
}

func TestDeriveNormalizesText(t *testing.T) {
	t.Parallel()

	a := Derive(KindSearch, "title", map[string]string{"q": "  The   Hobbit  "})
	b := Derive(KindSearch, "title", map[string]string{"q": "the hobbit"})
	assert.Equal(t, a, b)
}

func TestDeriveDistinguishesKind(t *testing.T) {
	t.Parallel()

	search := Derive(KindSearch, "isbn", map[string]string{"isbn": "9780439708180"})
	enrich := Derive(KindEnrich, "isbn", map[string]string{"isbn": "9780439708180"})
	assert.NotEqual(t, search, enrich)
}
