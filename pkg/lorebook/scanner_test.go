package lorebook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/goloom/internal/store"
)

func entry(id string, priority int, keys []string, content string) *store.LorebookEntry {
	return &store.LorebookEntry{
		ID:       id,
		Keys:     keys,
		Content:  content,
		Enabled:  true,
		Priority: priority,
	}
}

func ids(entries []*store.LorebookEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestScanBasicMatch(t *testing.T) {
	sc, err := NewScanner([]*store.LorebookEntry{
		entry("sword", 5, []string{"sword", "blade"}, "The sword Dawnbreaker was forged in the first age."),
		entry("tavern", 3, []string{"tavern"}, "The Rusty Anchor serves sailors and smugglers alike."),
	})
	require.NoError(t, err)

	got := sc.Scan([]string{"She drew her blade and stepped inside."}, DefaultScanConfig())
	assert.Equal(t, []string{"sword"}, ids(got))
}

func TestScanRecursiveChain(t *testing.T) {
	// "sword" matches in the message; entry A's content names Dawnbreaker,
	// which only entry B keys on. B must appear via recursion alone.
	sc, err := NewScanner([]*store.LorebookEntry{
		entry("a", 5, []string{"sword"}, "Her sword is Dawnbreaker, a blade of white fire."),
		entry("b", 4, []string{"dawnbreaker"}, "Dawnbreaker can only be wielded by an heir of the old kings."),
	})
	require.NoError(t, err)

	cfg := DefaultScanConfig()
	got := sc.Scan([]string{"He pointed at the sword on her hip."}, cfg)
	assert.Equal(t, []string{"a", "b"}, ids(got))

	cfg.Recursive = false
	got = sc.Scan([]string{"He pointed at the sword on her hip."}, cfg)
	assert.Equal(t, []string{"a"}, ids(got))
}

func TestScanDepthLimitsMessages(t *testing.T) {
	sc, err := NewScanner([]*store.LorebookEntry{
		entry("old", 1, []string{"dragon"}, "Dragons sleep beneath the mountain."),
		entry("new", 1, []string{"harbor"}, "The harbor closes at dusk."),
	})
	require.NoError(t, err)

	cfg := DefaultScanConfig()
	cfg.ScanDepth = 2
	got := sc.Scan([]string{
		"A dragon circled overhead.",
		"They rode south for days.",
		"The harbor was crowded.",
	}, cfg)
	assert.Equal(t, []string{"new"}, ids(got))
}

func TestScanTokenBudgetSkipsOversized(t *testing.T) {
	big := strings.Repeat("history of the empire and its many provinces ", 200)
	sc, err := NewScanner([]*store.LorebookEntry{
		entry("huge", 9, []string{"empire"}, big),
		entry("small", 1, []string{"empire"}, "The empire fell in the year 403."),
	})
	require.NoError(t, err)

	cfg := DefaultScanConfig()
	cfg.TokenBudget = 50
	got := sc.Scan([]string{"She cursed the empire under her breath."}, cfg)

	// The oversized entry matched but cannot fit; the cheap one still lands.
	assert.Equal(t, []string{"small"}, ids(got))
}

func TestScanWholeWordMatching(t *testing.T) {
	sc, err := NewScanner([]*store.LorebookEntry{
		entry("sword", 1, []string{"sword"}, "A sword entry."),
	})
	require.NoError(t, err)

	cfg := DefaultScanConfig()
	got := sc.Scan([]string{"The swordsman bowed."}, cfg)
	assert.Equal(t, []string{"sword"}, ids(got), "substring mode matches inside words")

	cfg.MatchWholeWords = true
	got = sc.Scan([]string{"The swordsman bowed."}, cfg)
	assert.Empty(t, got)

	got = sc.Scan([]string{"The sword gleamed."}, cfg)
	assert.Equal(t, []string{"sword"}, ids(got))
}

func TestScanPrioritySort(t *testing.T) {
	sc, err := NewScanner([]*store.LorebookEntry{
		entry("low", 1, []string{"castle"}, "Low priority castle note."),
		entry("high", 10, []string{"castle"}, "High priority castle note."),
	})
	require.NoError(t, err)

	got := sc.Scan([]string{"They reached the castle gates."}, DefaultScanConfig())
	assert.Equal(t, []string{"high", "low"}, ids(got))
}

func TestScanDisabledAndCaseFolding(t *testing.T) {
	off := entry("off", 5, []string{"ghost"}, "Disabled entry.")
	off.Enabled = false
	sc, err := NewScanner([]*store.LorebookEntry{
		off,
		entry("name", 5, []string{"O'Brien"}, "Captain O'Brien commands the watch."),
	})
	require.NoError(t, err)

	got := sc.Scan([]string{"A ghost story about o'brien."}, DefaultScanConfig())
	assert.Equal(t, []string{"name"}, ids(got))
}
