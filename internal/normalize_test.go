package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeFormatBindings(t *testing.T) {
	t.Parallel()

	cases := map[string]Format{
		"Mass Market Paperback": FormatPaperback,
		"Kindle Edition":        FormatEbook,
		"Unknown Format":        FormatPaperback,
		"Hardcover":             FormatHardcover,
		"Library Binding":       FormatHardcover,
		"Audio CD":              FormatAudiobook,
	}
	for binding, want := range cases {
		assert.Equal(t, want, NormalizeFormat(binding), binding)
	}
}

func TestExtractYear(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1992, ExtractYear("1992"))
	assert.Equal(t, 1992, ExtractYear("1992-09"))
	assert.Equal(t, 1992, ExtractYear("1992-09-08"))
	assert.Equal(t, 0, ExtractYear("not a date"))
	assert.Equal(t, 0, ExtractYear(""))
}

func TestQualityScoreBounds(t *testing.T) {
	t.Parallel()

	min := QualityScore(RawEdition{})
	assert.GreaterOrEqual(t, min, 0)
	assert.LessOrEqual(t, min, 100)

	max := QualityScore(RawEdition{
		CoverURL:  "https://example.com/cover.jpg",
		Synopsis:  string(make([]byte, 60)),
		PageCount: 300,
		Publisher: "Ace",
		Subjects:  []string{"sci-fi"},
		Authors:   []string{"Frank Herbert"},
	})
	assert.LessOrEqual(t, max, 100)
	assert.Equal(t, 100, max)
}

func TestNormalizeEditionISBNIntegrity(t *testing.T) {
	t.Parallel()

	e := NormalizeEdition(RawEdition{
		Title:  "Dune",
		ISBN10: "0441013597",
		ISBN13: "9780441013593",
	})

	assert.Contains(t, e.ISBNs, e.ISBN)
	assert.Equal(t, "9780441013593", e.ISBN, "13-digit ISBN preferred as primary")
	assert.Len(t, e.ISBNs, 2)

	// No duplicates.
	e.AddISBN("9780441013593")
	assert.Len(t, e.ISBNs, 2)
}

func TestNormalizeEditionMissingTitle(t *testing.T) {
	t.Parallel()

	e := NormalizeEdition(RawEdition{})
	assert.Equal(t, UnknownTitle, e.Title)
}
