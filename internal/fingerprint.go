package internal

import (
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// QueryKind is the top-level category of a fingerprinted query.
type QueryKind string

const (
	KindSearch  QueryKind = "search"
	KindEnrich  QueryKind = "enrich"
	KindCover   QueryKind = "cover"
	KindAI      QueryKind = "ai"
)

// fingerprintVersion is bumped whenever Derive's output format changes in a
// way that should invalidate previously cached entries.
const fingerprintVersion = "v1"

var _nonDigit = regexp.MustCompile(`[^0-9]`)

var _wsCollapse = regexp.MustCompile(`\s+`)

// Derive produces a deterministic cache key of the form
// "v1:{kind}:{subkind}:{k1=v1&k2=v2...}". It is pure: equal kind+subkind+
// params always produce equal output, independent of map iteration order.
//
// subkind is one of "isbn", "title", "author", "asin", "edition", "vision",
// "csv" and determines how values are canonicalized before sorting:
// "isbn" retains digits only, "asin" is trimmed and uppercased, and every
// other subkind is NFC-normalized, lowercased, and has runs of whitespace
// collapsed.
func Derive(kind QueryKind, subkind string, params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+canonicalizeValue(subkind, v))
	}
	sort.Strings(pairs)

	var b strings.Builder
	b.WriteString(fingerprintVersion)
	b.WriteByte(':')
	b.WriteString(string(kind))
	b.WriteByte(':')
	b.WriteString(subkind)
	b.WriteByte(':')
	b.WriteString(strings.Join(pairs, "&"))
	return b.String()
}

func canonicalizeValue(subkind, v string) string {
	v = strings.TrimSpace(v)
	switch subkind {
	case "isbn":
		return _nonDigit.ReplaceAllString(v, "")
	case "asin":
		return strings.ToUpper(strings.TrimSpace(v))
	default:
		v = norm.NFC.String(v)
		v = strings.ToLower(v)
		v = _wsCollapse.ReplaceAllString(v, " ")
		return strings.TrimSpace(v)
	}
}
