// Package match implements attribute matching for hierarchical queries:
// value-representation aware comparison (single value, wildcard, range,
// UID list), character-set normalization, and the level-walking compare
// that decides whether one record satisfies one query.
package match

import (
	"strconv"
	"strings"

	"github.com/openpacs/qrindex/internal/catalog"
)

// Matches reports whether a stored value satisfies a query value under the
// attribute's matching semantics. An empty query value matches everything
// (absent optional key). Both sides are trimmed of surrounding spaces; when
// the query and candidate character sets differ, both are normalized to
// UTF-8 through conv before string comparison.
func Matches(query, candidate string, kind catalog.MatchKind, conv *Converter, queryCharset, candidateCharset string) bool {
	query = strings.TrimSpace(query)
	if query == "" {
		return true
	}
	candidate = strings.TrimSpace(candidate)

	if kind == catalog.MatchString && queryCharset != candidateCharset {
		query = conv.ToUTF8(query, queryCharset)
		candidate = conv.ToUTF8(candidate, candidateCharset)
	}

	// Backslash separates alternatives for every matching kind; one hit
	// suffices.
	for _, alt := range strings.Split(query, `\`) {
		alt = strings.TrimSpace(alt)
		if matchSingle(alt, candidate, kind) {
			return true
		}
	}
	return false
}

func matchSingle(query, candidate string, kind catalog.MatchKind) bool {
	switch kind {
	case catalog.MatchUID:
		return query == candidate
	case catalog.MatchDate, catalog.MatchTime:
		return matchRange(query, candidate)
	case catalog.MatchNumeric:
		return matchNumeric(query, candidate)
	default:
		return matchWildcard(query, candidate)
	}
}

// matchRange handles DICOM date/time matching: a bare value is an exact
// match, "lo-hi" an inclusive range, and "lo-"/"-hi" open ranges. Lexical
// comparison is correct for the fixed-width DA and TM encodings.
func matchRange(query, candidate string) bool {
	i := strings.IndexByte(query, '-')
	if i < 0 {
		return query == candidate
	}
	if candidate == "" {
		return false
	}
	lo, hi := query[:i], query[i+1:]
	if lo != "" && candidate < lo {
		return false
	}
	if hi != "" && candidate > hi {
		return false
	}
	return true
}

func matchNumeric(query, candidate string) bool {
	q, qerr := strconv.Atoi(strings.TrimSpace(query))
	c, cerr := strconv.Atoi(strings.TrimSpace(candidate))
	if qerr != nil || cerr != nil {
		return query == candidate
	}
	return q == c
}

// matchWildcard compares rune-wise with DICOM wildcard semantics: '*' spans
// any run of characters, '?' exactly one.
func matchWildcard(pattern, s string) bool {
	p := []rune(pattern)
	r := []rune(s)

	// Iterative matcher with single-star backtracking.
	pi, ri := 0, 0
	star, starRi := -1, 0
	for ri < len(r) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == r[ri]):
			pi++
			ri++
		case pi < len(p) && p[pi] == '*':
			star = pi
			starRi = ri
			pi++
		case star >= 0:
			pi = star + 1
			starRi++
			ri = starRi
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
