package internal

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var _sanitizer = bluemonday.StrictPolicy()

// RawEdition is the provider-agnostic intermediate shape normalizers
// build from a provider's payload before producing a canonical Edition.
// Provider clients (C5) are responsible for mapping their own duck-typed
// response into this shape; Normalize never sees a provider-specific
// struct, per the design note forbidding the orchestrator (and by
// extension its normalizers) from touching provider shapes directly.
type RawEdition struct {
	Provider       string
	ISBN10         string
	ISBN13         string
	Title          string
	EditionTitle   string
	Publisher      string
	PublicationRaw string // raw date string, any of YYYY, YYYY-MM, YYYY-MM-DD, or garbage
	PageCount      int
	Binding        string
	Language       string
	CoverURL       string
	Synopsis       string
	Subjects       []string
	Authors        []string
}

var _yearRE = regexp.MustCompile(`^(\d{4})(-\d{2}(-\d{2})?)?$`)

// ExtractYear accepts YYYY, YYYY-MM, or YYYY-MM-DD and returns the year, or
// 0 if raw doesn't match one of those shapes.
func ExtractYear(raw string) int {
	m := _yearRE.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return 0
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return y
}

// NormalizeFormat applies the binding→format substring map: case-insensitive,
// unrecognized bindings default to Paperback.
func NormalizeFormat(binding string) Format {
	b := strings.ToLower(binding)
	switch {
	case containsAny(b, "hardcover", "hardback", "library binding"):
		return FormatHardcover
	case containsAny(b, "paperback", "mass market", "trade paper"):
		return FormatPaperback
	case containsAny(b, "ebook", "kindle", "digital"):
		return FormatEbook
	case containsAny(b, "audiobook", "audio cd"):
		return FormatAudiobook
	default:
		return FormatPaperback
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// QualityScore implements the cover-provider quality heuristic: base 50,
// +20 for a cover URL, +10 for a synopsis of at least 50 characters, +5
// each for pages>0/publisher/non-empty subjects/non-empty authors, clamped
// to [0,100].
func QualityScore(r RawEdition) int {
	score := 50
	if r.CoverURL != "" {
		score += 20
	}
	if len(r.Synopsis) >= 50 {
		score += 10
	}
	if r.PageCount > 0 {
		score += 5
	}
	if r.Publisher != "" {
		score += 5
	}
	if len(r.Subjects) > 0 {
		score += 5
	}
	if len(r.Authors) > 0 {
		score += 5
	}
	return ClampQuality(score)
}

// NormalizeEdition maps a RawEdition into the canonical Edition, applying
// the ISBN-set integrity invariant, the "Unknown" title default, and HTML
// sanitization on free-text fields.
func NormalizeEdition(r RawEdition) Edition {
	e := Edition{
		Title:              fallback(r.Title, UnknownTitle),
		Publisher:          r.Publisher,
		PublicationDate:    r.PublicationRaw,
		PageCount:          r.PageCount,
		Format:             NormalizeFormat(r.Binding),
		Language:           r.Language,
		CoverImageURL:      r.CoverURL,
		EditionDescription: sanitize(r.Synopsis),
		ISBNs:              []string{},
	}
	if r.EditionTitle != "" && r.EditionTitle != r.Title {
		e.EditionTitle = r.EditionTitle
	}
	// Prefer adding the 13-digit ISBN last so AddISBN's "prefer 13-digit"
	// rule settles on it as primary regardless of provider ordering.
	e.AddISBN(r.ISBN10)
	e.AddISBN(r.ISBN13)
	return e
}

// NormalizeAuthor maps a bare contributor name into a canonical Author.
func NormalizeAuthor(name string) Author {
	return NewAuthor(strings.TrimSpace(name))
}

func fallback(v, def string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	return strings.TrimSpace(_sanitizer.Sanitize(s))
}
