package facts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/goloom/internal/store"
)

func TestParseResponseObjectShape(t *testing.T) {
	raw := "```json\n{\"facts\":[{\"fact\":\"Mira stole the ledger\",\"category\":\"Event\",\"importance\":15,\"entities\":[\"Mira\",\" the ledger \"]}]}\n```"
	result, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Facts, 1)

	f := result.Facts[0]
	assert.Equal(t, "event", f.Category)
	assert.Equal(t, 10, f.Importance, "importance clamps to 10")
	assert.Equal(t, []string{"Mira", "the ledger"}, f.Entities)
}

func TestParseResponseBareArray(t *testing.T) {
	raw := `[{"fact":"The bridge collapsed","category":"event","importance":6,"entities":[]}]`
	result, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Facts, 1)
}

func TestParseResponseDropsIncomplete(t *testing.T) {
	raw := `{"facts":[
		{"fact":"","category":"event","importance":5},
		{"fact":"No category","category":"","importance":5},
		{"fact":"No importance","category":"event","importance":0},
		{"fact":"Custom category survives","category":"Weather","importance":2}
	]}`
	result, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Facts, 1)
	assert.Equal(t, "weather", result.Facts[0].Category)
}

func TestParseResponseRepairsMalformed(t *testing.T) {
	raw := `Here are the facts: {"fact":"The gate is sealed","category":"location","importance":4,"entities":["Gate"]} and some trailing garbage {`
	result, err := ParseResponse(raw)
	require.NoError(t, err)
	require.Len(t, result.Facts, 1)
	assert.Equal(t, "The gate is sealed", result.Facts[0].Fact)
}

func TestParseResponseUnparseable(t *testing.T) {
	_, err := ParseResponse("the model rambled with no json at all")
	assert.Error(t, err)
}

func storedFact(text, category string, entities ...string) *store.WorldFact {
	return &store.WorldFact{
		Fact:            text,
		Category:        category,
		RelatedEntities: entities,
	}
}

func TestDedupExactText(t *testing.T) {
	existing := []*store.WorldFact{
		storedFact("The warrior found a magical sword", "item", "Warrior", "Magical Sword"),
	}
	candidate := ExtractedFact{
		Fact:     "the warrior found a MAGICAL sword",
		Category: "item",
	}
	assert.True(t, IsDuplicate(candidate, existing), "exact text match ignores case")
}

func TestDedupEntityOverlap(t *testing.T) {
	existing := []*store.WorldFact{
		storedFact("The warrior found a magical sword in the ruins", "item", "Warrior", "Magical Sword"),
	}

	rephrased := ExtractedFact{
		Fact:     "A magical sword was found by the warrior in old ruins",
		Category: "item",
		Entities: []string{"warrior", "magical sword"},
	}
	assert.True(t, IsDuplicate(rephrased, existing))

	differentCategory := rephrased
	differentCategory.Category = "event"
	assert.False(t, IsDuplicate(differentCategory, existing), "category must match for fuzzy dedup")

	novel := ExtractedFact{
		Fact:     "The warrior gave the magical sword to the queen as tribute for her protection",
		Category: "item",
		Entities: []string{"Warrior", "Magical Sword"},
	}
	assert.False(t, IsDuplicate(novel, existing), "low overlap survives shared entities")
}

func embedded(id string, importance int, ts int64, vec []float32) *store.WorldFact {
	return &store.WorldFact{
		ID:         id,
		Fact:       "fact " + id,
		Category:   "event",
		Importance: importance,
		Active:     true,
		Embedding:  vec,
		Timestamp:  ts,
	}
}

func TestClustersGreedySingleLink(t *testing.T) {
	a := embedded("a", 5, 1, []float32{1, 0, 0})
	b := embedded("b", 5, 2, []float32{0.99, 0.1, 0})
	c := embedded("c", 5, 3, []float32{0, 1, 0})
	noVec := embedded("d", 5, 4, nil)

	clusters := Clusters([]*store.WorldFact{a, b, c, noVec}, 0.7)
	require.Len(t, clusters, 1, "singletons and unembedded facts drop out")
	assert.Equal(t, []*store.WorldFact{a, b}, clusters[0])
}

func TestMergeClusterPolicy(t *testing.T) {
	base := &store.WorldFact{
		ID: "base", ConversationID: "conv", Category: "event",
		Fact:            "Mira betrayed the guild and fled the city",
		Importance:      8,
		Active:          false,
		RelatedEntities: []string{"Mira", "Guild"},
		Timestamp:       100, LastAccessedAt: 150, AccessCount: 3,
	}
	restater := &store.WorldFact{
		ID: "restater", ConversationID: "conv", Category: "event",
		Fact:            "Mira fled the city after betraying the guild",
		Importance:      4,
		Active:          true,
		RelatedEntities: []string{"mira", "City"},
		Timestamp:       200, LastAccessedAt: 120, AccessCount: 2,
	}
	novel := &store.WorldFact{
		ID: "novel", ConversationID: "conv", Category: "event",
		Fact:            "She took the guild's seal with her hidden inside a hollow cane",
		Importance:      5,
		Active:          true,
		RelatedEntities: []string{"Seal"},
		Timestamp:       300, LastAccessedAt: 50, AccessCount: 1,
	}

	merged := MergeCluster([]*store.WorldFact{restater, novel, base}, "merged")

	assert.Equal(t, "merged", merged.ID)
	assert.Equal(t, 8, merged.Importance, "max importance wins")
	assert.Equal(t, int64(300), merged.Timestamp)
	assert.Equal(t, int64(150), merged.LastAccessedAt)
	assert.Equal(t, 6, merged.AccessCount, "access counts sum")
	assert.True(t, merged.Active, "active is OR of members")
	assert.Equal(t, []string{"Mira", "Guild", "Seal", "City"}, merged.RelatedEntities)

	// The restater contributes nothing new; the seal fact does.
	assert.Contains(t, merged.Fact, "Mira betrayed the guild")
	assert.Contains(t, merged.Fact, "hollow cane")
	assert.NotContains(t, merged.Fact, "fled the city after")
}

func TestDedupSetAgainstItself(t *testing.T) {
	stored := []*store.WorldFact{
		storedFact("The warrior found a magical sword", "item", "Warrior", "Magical Sword"),
		storedFact("Mira betrayed the guild and fled the city", "event", "Mira", "Guild"),
		storedFact("The vault lies beneath the guildhall", "location", "Vault", "Guildhall"),
	}
	// Re-extracting a fact set and deduplicating it against itself must
	// drop every member.
	for _, f := range stored {
		candidate := ExtractedFact{
			Fact:     f.Fact,
			Category: f.Category,
			Entities: f.RelatedEntities,
		}
		assert.True(t, IsDuplicate(candidate, stored), "fact %q should match itself", f.Fact)
	}
}

func TestMergeClusterSingleton(t *testing.T) {
	f := &store.WorldFact{
		ID: "solo", ConversationID: "conv", Category: "lore",
		Fact:            "The river runs backward under a blood moon",
		Importance:      6,
		Active:          true,
		RelatedEntities: []string{"River", "Blood Moon"},
		Timestamp:       100, LastAccessedAt: 120, AccessCount: 2,
	}

	merged := MergeCluster([]*store.WorldFact{f}, "solo2")

	assert.Equal(t, "solo2", merged.ID)
	assert.Equal(t, f.Fact, merged.Fact, "singleton merge keeps the text unchanged")
	assert.Equal(t, f.Category, merged.Category)
	assert.Equal(t, f.Importance, merged.Importance)
	assert.Equal(t, f.RelatedEntities, merged.RelatedEntities)
	assert.Equal(t, f.Timestamp, merged.Timestamp)
	assert.Equal(t, f.LastAccessedAt, merged.LastAccessedAt)
	assert.Equal(t, f.AccessCount, merged.AccessCount)
	assert.True(t, merged.Active)
}

func TestConsolidateMergesViaEmbeddingIndex(t *testing.T) {
	st, err := store.NewSQLiteStore()
	require.NoError(t, err)
	defer st.Close()

	vec := func(primary, secondary float32) []float32 {
		v := make([]float32, store.EmbeddingDim)
		v[0] = primary
		v[1] = secondary
		return v
	}

	near1 := embedded("a", 7, 100, vec(1, 0))
	near1.ConversationID = "c1"
	near2 := embedded("b", 4, 200, vec(0.95, 0.3))
	near2.ConversationID = "c1"
	far := embedded("c", 5, 300, vec(0, 1))
	far.ConversationID = "c1"
	for _, f := range []*store.WorldFact{near1, near2, far} {
		require.NoError(t, st.PutFact(f))
	}

	svc := NewService(st, nil, Config{})
	mergedCount, err := svc.Consolidate("c1")
	require.NoError(t, err)
	assert.Equal(t, 1, mergedCount)

	remaining, err := st.GetConversationFacts("c1")
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	ids := map[string]bool{}
	for _, f := range remaining {
		ids[f.ID] = true
	}
	assert.True(t, ids["c"], "the distant fact survives untouched")
	assert.False(t, ids["a"], "cluster members are deleted")
	assert.False(t, ids["b"])
}

func TestHeuristicImportance(t *testing.T) {
	assert.GreaterOrEqual(t, HeuristicImportance("The king was murdered at the feast"), 7)
	assert.GreaterOrEqual(t, HeuristicImportance("She bought a horse from the trader"), 5)
	assert.LessOrEqual(t, HeuristicImportance("He nodded and smiled"), 2)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, Cosine(nil, []float32{1}))
	assert.Zero(t, Cosine([]float32{1, 2}, []float32{1}))
}
