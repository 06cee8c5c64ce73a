package lorebook

import (
	"fmt"
	"sort"
	"strings"

	"github.com/coregx/ahocorasick"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/token"
)

const (
	DefaultScanDepth   = 2
	DefaultTokenBudget = 500
)

// ScanConfig controls how recent messages are scanned for entry keywords.
type ScanConfig struct {
	// ScanDepth is the number of most-recent messages scanned.
	ScanDepth int
	// TokenBudget caps the combined token cost of activated entry content.
	TokenBudget int
	// Recursive rescans activated entry content so entries can trigger
	// each other.
	Recursive bool
	// MatchWholeWords requires keys to land on token boundaries;
	// otherwise "sword" also fires inside "swordsman".
	MatchWholeWords bool
}

// DefaultScanConfig returns the scan settings used when a conversation has
// no overrides.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{
		ScanDepth:   DefaultScanDepth,
		TokenBudget: DefaultTokenBudget,
		Recursive:   true,
	}
}

// Scanner matches lorebook entry keys against message text. The automaton
// is built once per entry set; rebuild with NewScanner when entries change.
type Scanner struct {
	entries []*store.LorebookEntry

	ac *ahocorasick.Automaton
	// pattern index -> indices into entries that list that key.
	patternToEntries [][]int
}

// NewScanner compiles the enabled entries' keys into a single automaton.
// Disabled entries and entries with no usable keys are never matched.
func NewScanner(entries []*store.LorebookEntry) (*Scanner, error) {
	s := &Scanner{entries: entries}

	patterns := make([]string, 0, len(entries))
	patternIdx := make(map[string]int)

	for i, e := range entries {
		if !e.Enabled {
			continue
		}
		for _, key := range e.Keys {
			canon := canonicalize(key)
			if canon == "" {
				continue
			}
			idx, ok := patternIdx[canon]
			if !ok {
				idx = len(patterns)
				patternIdx[canon] = idx
				patterns = append(patterns, canon)
				s.patternToEntries = append(s.patternToEntries, nil)
			}
			s.patternToEntries[idx] = append(s.patternToEntries[idx], i)
		}
	}

	if len(patterns) == 0 {
		return s, nil
	}

	// LeftmostLongest alone would suppress overlapping keys; the
	// overlapping search below still reports every pattern occurrence.
	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return nil, fmt.Errorf("lorebook: compile keys: %w", err)
	}
	s.ac = ac
	return s, nil
}

// matchedEntries returns the set of entry indices whose keys occur in text.
func (s *Scanner) matchedEntries(text string, wholeWords bool) map[int]bool {
	if s.ac == nil {
		return nil
	}
	haystack := []byte(canonicalize(text))
	if len(haystack) == 0 {
		return nil
	}

	hits := make(map[int]bool)
	for _, m := range s.ac.FindAllOverlapping(haystack) {
		if wholeWords && !isWordBoundary(haystack, m.Start, m.End) {
			continue
		}
		for _, entryIdx := range s.patternToEntries[m.PatternID] {
			hits[entryIdx] = true
		}
	}
	return hits
}

// Scan activates entries whose keys appear in the last cfg.ScanDepth
// messages, charging each activation against cfg.TokenBudget. An entry that
// matches but would not fit the remaining budget is skipped, and scanning
// continues with cheaper entries. With Recursive set, activated entry
// content is itself scanned so entries can chain; each entry activates at
// most once. The result is sorted by entry priority, highest first.
func (s *Scanner) Scan(messages []string, cfg ScanConfig) []*store.LorebookEntry {
	if cfg.ScanDepth <= 0 {
		cfg.ScanDepth = DefaultScanDepth
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = DefaultTokenBudget
	}

	if len(messages) > cfg.ScanDepth {
		messages = messages[len(messages)-cfg.ScanDepth:]
	}

	var sb strings.Builder
	for _, m := range messages {
		sb.WriteString(m)
		sb.WriteByte('\n')
	}

	activated := make(map[int]bool)
	var result []*store.LorebookEntry
	remaining := cfg.TokenBudget

	// Each pass scans one body of text; recursion feeds newly activated
	// content back in until the frontier is empty.
	frontier := []string{sb.String()}
	for len(frontier) > 0 {
		text := frontier[0]
		frontier = frontier[1:]

		hits := s.matchedEntries(text, cfg.MatchWholeWords)
		if len(hits) == 0 {
			continue
		}

		// Entries arrive from the store ordered by priority; walking
		// in index order means the budget favors important entries.
		idxs := make([]int, 0, len(hits))
		for idx := range hits {
			idxs = append(idxs, idx)
		}
		sort.Ints(idxs)

		for _, idx := range idxs {
			if activated[idx] {
				continue
			}
			entry := s.entries[idx]
			cost := token.Count(entry.Content)
			if cost > remaining {
				continue
			}
			activated[idx] = true
			remaining -= cost
			result = append(result, entry)
			if cfg.Recursive {
				frontier = append(frontier, entry.Content)
			}
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority > result[j].Priority
	})
	return result
}
