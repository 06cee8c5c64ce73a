package facts

import (
	"math"
	"sort"
	"strings"

	"github.com/loomchat/goloom/internal/store"
)

const (
	// DefaultClusterThreshold is the cosine similarity at which two facts
	// are considered the same statement.
	DefaultClusterThreshold = 0.7
	// novelTokenRatio is how much genuinely new content a cluster member
	// must contribute before its text is appended to the merged fact.
	novelTokenRatio = 0.2
)

// Cosine returns the cosine similarity of two vectors, 0 when either is
// empty or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Clusters groups facts by greedy single-link similarity to a seed: walk
// facts in order, start a cluster at the first unvisited fact, absorb any
// later unvisited fact whose similarity to the seed meets the threshold.
// Facts without embeddings never cluster. Singleton clusters are dropped.
func Clusters(facts []*store.WorldFact, threshold float64) [][]*store.WorldFact {
	if threshold <= 0 {
		threshold = DefaultClusterThreshold
	}

	visited := make([]bool, len(facts))
	var out [][]*store.WorldFact

	for i, seed := range facts {
		if visited[i] || len(seed.Embedding) == 0 {
			continue
		}
		visited[i] = true
		cluster := []*store.WorldFact{seed}

		for j := i + 1; j < len(facts); j++ {
			if visited[j] || len(facts[j].Embedding) == 0 {
				continue
			}
			if Cosine(seed.Embedding, facts[j].Embedding) >= threshold {
				visited[j] = true
				cluster = append(cluster, facts[j])
			}
		}

		if len(cluster) > 1 {
			out = append(out, cluster)
		}
	}
	return out
}

// MergeCluster collapses a cluster into one fact. The highest-importance,
// most recent member is the base; others contribute their entities always,
// and their text only when it adds enough novel tokens. Counters aggregate
// so retrieval ranking sees the combined history.
func MergeCluster(cluster []*store.WorldFact, newID string) *store.WorldFact {
	sorted := make([]*store.WorldFact, len(cluster))
	copy(sorted, cluster)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Importance != sorted[j].Importance {
			return sorted[i].Importance > sorted[j].Importance
		}
		return sorted[i].Timestamp > sorted[j].Timestamp
	})

	base := sorted[0]
	merged := &store.WorldFact{
		ID:             newID,
		ConversationID: base.ConversationID,
		Fact:           base.Fact,
		Category:       base.Category,
		Importance:     base.Importance,
		BranchPath:     base.BranchPath,
		Embedding:      base.Embedding,
		Timestamp:      base.Timestamp,
		LastAccessedAt: base.LastAccessedAt,
	}

	seen := entitySet(nil)
	for _, m := range sorted {
		merged.AccessCount += m.AccessCount
		merged.Active = merged.Active || m.Active
		if m.Timestamp > merged.Timestamp {
			merged.Timestamp = m.Timestamp
		}
		if m.LastAccessedAt > merged.LastAccessedAt {
			merged.LastAccessedAt = m.LastAccessedAt
		}
		for _, e := range m.RelatedEntities {
			key := trimLower(e)
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			merged.RelatedEntities = append(merged.RelatedEntities, e)
		}
	}

	mergedTokens := contentTokens(merged.Fact)
	for _, m := range sorted[1:] {
		tokens := contentTokens(m.Fact)
		if len(tokens) == 0 {
			continue
		}
		novel := 0
		for t := range tokens {
			if !mergedTokens[t] {
				novel++
			}
		}
		if float64(novel)/float64(len(tokens)) > novelTokenRatio {
			merged.Fact = merged.Fact + " " + m.Fact
			for t := range tokens {
				mergedTokens[t] = true
			}
		}
	}
	merged.Fact = strings.TrimSpace(merged.Fact)

	return merged
}
