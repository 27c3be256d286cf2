// Package tokenize normalizes text the same way for input splitting and for
// the word-count map, so chunk boundaries and map tokens agree.
package tokenize

import (
	"strings"
	"unicode"
)

// Normalize lowercases s and drops punctuation. Whitespace is kept as is.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// Fields returns the whitespace-delimited tokens of the normalized text.
func Fields(s string) []string {
	return strings.Fields(Normalize(s))
}
