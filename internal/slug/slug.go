// Package slug normalises free-text names (accounts, categories) into stable
// comparison keys and URL-safe codes.
package slug

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Key folds s into a case-insensitive comparison key: NFKC, Unicode case
// folding, trimmed, inner whitespace collapsed to one space.
// "  Eating   OUT " and "eating out" share a key.
func Key(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// Equal reports whether a and b name the same entity.
func Equal(a, b string) bool { return Key(a) == Key(b) }

// Slugify converts s to a slug: lowercase, non [a-z0-9_] -> '_', collapse repeats, trim to 40, and trim leading/trailing '_'.
func Slugify(s string) string {
	if s == "" {
		return s
	}
	out := make([]rune, 0, len(s))
	prevUnderscore := false
	for _, r := range Key(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			prevUnderscore = false
			out = append(out, r)
		} else if !prevUnderscore {
			out = append(out, '_')
			prevUnderscore = true
		}
		if len(out) >= 40 {
			break
		}
	}
	return strings.Trim(string(out), "_")
}
