// Package names builds comparison keys for free-text person names and scores
// how close two keys are.
package names

import (
	"sort"
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Characters replaced by a space before the name is split into words.
const punctuation = ",.();:"

// Normalize returns the comparison key for a name: accents removed, lowercased,
// punctuation stripped, words sorted and joined by a single space.
//
// Word order is discarded on purpose so "Jane Smith" and "Smith Jane" share a key.
func Normalize(name string) string {
	if name == "" {
		return ""
	}

	stripped := stripMarks(name)
	stripped = strings.ToLower(stripped)
	stripped = strings.Map(func(r rune) rune {
		if strings.ContainsRune(punctuation, r) {
			return ' '
		}
		return r
	}, stripped)

	words := strings.Fields(stripped)
	sort.Strings(words)
	return strings.Join(words, " ")
}

// stripMarks decomposes s and drops combining marks (é -> e, ñ -> n).
func stripMarks(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Similarity returns the Ratcliff/Obershelp ratio (2*matches / total runes) of a and b,
// in [0, 1]. Two empty strings are identical.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	m := difflib.NewMatcher(splitRunes(a), splitRunes(b))
	return m.Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// BestMatch returns the index of the candidate most similar to key whose ratio is at
// least threshold. Ties keep the earliest candidate.
func BestMatch(key string, candidates []string, threshold float64) (int, float64, bool) {
	best, bestScore := -1, 0.0
	for i, c := range candidates {
		score := Similarity(key, c)
		if score >= threshold && score > bestScore {
			best, bestScore = i, score
		}
	}
	if best < 0 {
		return -1, 0, false
	}
	return best, bestScore, true
}

// Slug turns a normalized key into a token usable in an email local part.
func Slug(key string) string {
	var b strings.Builder
	for _, r := range stripMarks(strings.ToLower(key)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
