package facts

import (
	"regexp"
	"strings"
)

// Keyword classes for offline importance scoring, strongest first.
var (
	criticalEventPattern = regexp.MustCompile(`(?i)\b(died?|death|kill(?:ed|s)?|murder(?:ed)?|betray(?:ed|al)?|destroy(?:ed)?|prophec\w+|curse[ds]?|resurrect\w*)\b`)
	majorEventPattern    = regexp.MustCompile(`(?i)\b(fought|attack(?:ed|s)?|wound(?:ed)?|stole|bought|sold|paid|promise[ds]?|swore|married|crowned|banish(?:ed)?)\b`)
	mundanePattern       = regexp.MustCompile(`(?i)\b(said|asked|replied|nodded|smiled|walked|sat|looked|laughed)\b`)
)

// HeuristicImportance scores a fact without network access, for when AI
// extraction is skipped or fails. Keyword class sets the floor and a
// length bonus nudges longer statements up, capped at 10.
func HeuristicImportance(text string) int {
	score := 3
	switch {
	case criticalEventPattern.MatchString(text):
		score = 7
	case majorEventPattern.MatchString(text):
		score = 5
	case mundanePattern.MatchString(text):
		score = 2
	}

	words := len(strings.Fields(text))
	if words > 20 {
		score++
	}
	if words > 40 {
		score++
	}
	if score > 10 {
		score = 10
	}
	return score
}
