// Package lorebook provides keyword-triggered retrieval of static world-info
// entries from recent chat turns, with recursive expansion under a token
// budget, plus the audited entry lifecycle.
package lorebook

import (
	"strings"
	"unicode"
)

// isJoiner returns true for punctuation that commonly appears inside
// names and terms ("O'Brien", "Jean-Luc", "Monkey D. Luffy"). Preserved
// during canonicalization so multiword keys stay coherent.
func isJoiner(r rune) bool {
	switch r {
	case '\'', '’', '‘', '-', '–', '—', '.', '_', '&':
		return true
	default:
		return false
	}
}

// canonicalize transforms text into the normalized form used for both key
// compilation and message scanning: lowercase, letters/digits/joiners kept,
// every other run of characters collapsed to a single space, trimmed.
// Keys and haystacks must go through the same function or matches drift.
func canonicalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	lastWasSpace := true
	for _, ch := range s {
		c := unicode.ToLower(ch)
		if c == '’' || c == '‘' {
			c = '\''
		}
		if c == '–' || c == '—' {
			c = '-'
		}

		if unicode.IsLetter(c) || unicode.IsDigit(c) || isJoiner(c) {
			out.WriteRune(c)
			lastWasSpace = false
		} else if !lastWasSpace {
			out.WriteRune(' ')
			lastWasSpace = true
		}
	}

	result := out.String()
	return strings.TrimRight(result, " ")
}

// isWordBoundary reports whether the byte positions around [start, end) in
// the canonicalized haystack sit on token edges.
func isWordBoundary(haystack []byte, start, end int) bool {
	if start > 0 && haystack[start-1] != ' ' {
		return false
	}
	if end < len(haystack) && haystack[end] != ' ' {
		return false
	}
	return true
}
