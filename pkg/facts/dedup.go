package facts

import (
	"strings"

	"github.com/orsinium-labs/stopwords"

	"github.com/loomchat/goloom/internal/store"
)

const (
	// wordOverlapThreshold is the shared-token ratio above which two
	// same-category facts with common entities count as duplicates.
	wordOverlapThreshold = 0.6
	sharedEntityMinimum  = 2
)

var englishStopwords = stopwords.MustGet("en")

// IsDuplicate reports whether candidate restates any existing fact. Exact
// lowercase text match is automatic; otherwise the candidate must share at
// least two entities (case-insensitive) with an existing fact of the same
// category and exceed the word-overlap threshold against it.
func IsDuplicate(candidate ExtractedFact, existing []*store.WorldFact) bool {
	candText := trimLower(candidate.Fact)
	candTokens := contentTokens(candidate.Fact)
	candEntities := entitySet(candidate.Entities)

	for _, f := range existing {
		if trimLower(f.Fact) == candText {
			return true
		}
		if NormalizeCategory(f.Category) != candidate.Category {
			continue
		}
		if sharedEntities(candEntities, f.RelatedEntities) < sharedEntityMinimum {
			continue
		}
		if wordOverlap(candTokens, contentTokens(f.Fact)) > wordOverlapThreshold {
			return true
		}
	}
	return false
}

// contentTokens lower-cases, splits, and drops stopwords so overlap
// measures substance rather than grammar.
func contentTokens(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, `.,;:!?"'()[]{}*`)
		if w == "" || englishStopwords.Contains(w) {
			continue
		}
		tokens[w] = true
	}
	return tokens
}

// wordOverlap is shared tokens over candidate token count.
func wordOverlap(candidate, existing map[string]bool) float64 {
	if len(candidate) == 0 {
		return 0
	}
	shared := 0
	for t := range candidate {
		if existing[t] {
			shared++
		}
	}
	return float64(shared) / float64(len(candidate))
}

func entitySet(entities []string) map[string]bool {
	set := make(map[string]bool, len(entities))
	for _, e := range entities {
		set[trimLower(e)] = true
	}
	return set
}

func sharedEntities(candidate map[string]bool, existing []string) int {
	n := 0
	for _, e := range existing {
		if candidate[trimLower(e)] {
			n++
		}
	}
	return n
}
