// Package token provides approximate token accounting for context budgeting.
// The counter is deliberately tokenizer-agnostic: it only needs to be
// consistent with itself, since every budget decision uses the same estimate.
package token

import (
	"strings"
	"unicode/utf8"
)

// perMessageOverhead approximates the wrapper tokens a chat API spends on
// each message (role tag, separators).
const perMessageOverhead = 4

// Count estimates the token count of a text.
// Blend of a character heuristic (~4 chars/token for English prose) and a
// word floor (~1.3 tokens/word), taking the larger so that dense punctuation
// or long words don't get undercounted.
func Count(text string) int {
	if text == "" {
		return 0
	}
	byChars := (utf8.RuneCountInString(text) + 3) / 4
	byWords := len(strings.Fields(text)) * 13 / 10
	if byWords > byChars {
		return byWords
	}
	return byChars
}

// CountMessage estimates one chat message's cost including wrapper overhead.
func CountMessage(content string) int {
	return Count(content) + perMessageOverhead
}

// Truncate cuts text so its estimated cost fits within budget tokens.
// Truncation happens on word boundaries; a negative or zero budget yields "".
func Truncate(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if Count(text) <= budget {
		return text
	}

	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if Count(strings.Join(words[:mid], " ")) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}

// Budget describes the token allocation for one generation request.
type Budget struct {
	MaxContextTokens int
	MaxOutputTokens  int
}

// HistoryBudget computes the tokens left for conversation history after the
// fixed costs. May be negative; callers treat that as "zero history".
func (b Budget) HistoryBudget(fixedCost int) int {
	return b.MaxContextTokens - fixedCost - b.MaxOutputTokens
}
