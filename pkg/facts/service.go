package facts

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/provider"
)

const extractionSystemPrompt = `You are a fact extraction system for a roleplay conversation. Extract atomic, self-contained world facts from the messages you are given.

You must return a JSON object with this exact structure:
{
  "facts": [
    {
      "fact": "A clear, self-contained statement",
      "category": "event|relationship|item|location|lore|consequence|dialogue",
      "importance": 1-10,
      "entities": ["Named entities the fact involves"],
      "tags": ["optional short tags"]
    }
  ]
}

Rules:
1. Extract only what EXPLICITLY happened or was stated, never speculation
2. Each fact must stand alone without the surrounding conversation
3. importance 1-3 = background color, 4-6 = notable, 7-10 = plot-critical
4. Skip greetings, out-of-character chatter, and restatements of known facts
5. Use a short custom category label only when none of the listed ones fit

If nothing is worth extracting, return: {"facts": []}`

// Config tunes the fact store's background behavior.
type Config struct {
	// ClusterThreshold is the cosine similarity for the consolidation
	// pass. Zero means DefaultClusterThreshold.
	ClusterThreshold float64
	// MaxRetrieved caps how many ranked facts a generation call pulls.
	MaxRetrieved int
}

// Service owns extraction, persistence, and consolidation of world facts.
type Service struct {
	store  store.Storer
	client provider.Client
	cfg    Config
}

func NewService(s store.Storer, client provider.Client, cfg Config) *Service {
	if cfg.ClusterThreshold <= 0 {
		cfg.ClusterThreshold = DefaultClusterThreshold
	}
	if cfg.MaxRetrieved <= 0 {
		cfg.MaxRetrieved = 10
	}
	return &Service{store: s, client: client, cfg: cfg}
}

// ExtractAndStore runs the extraction model over recent messages, drops
// duplicates against the conversation's stored facts, embeds survivors,
// and persists them. branchPath records which tree lineage produced them.
func (s *Service) ExtractAndStore(ctx context.Context, conversationID string, branchPath []string, messages []provider.Message) (int, error) {
	raw, err := s.client.Complete(ctx, []provider.Message{
		{Role: "system", Content: extractionSystemPrompt},
		{Role: "user", Content: buildExtractionPrompt(messages)},
	}, provider.Params{
		Temperature: 0.3,
		MaxTokens:   4096,
		JSONObject:  true,
	})
	if err != nil {
		return 0, fmt.Errorf("facts: extraction call: %w", err)
	}

	result, err := ParseResponse(raw)
	if err != nil {
		return 0, err
	}
	if len(result.Facts) == 0 {
		return 0, nil
	}

	existing, err := s.store.GetConversationFacts(conversationID)
	if err != nil {
		return 0, fmt.Errorf("facts: load existing: %w", err)
	}

	now := time.Now().UnixMilli()
	stored := 0
	for _, ef := range result.Facts {
		if IsDuplicate(ef, existing) {
			continue
		}

		f := &store.WorldFact{
			ID:              generateID(),
			ConversationID:  conversationID,
			Fact:            ef.Fact,
			Category:        ef.Category,
			Importance:      ef.Importance,
			Active:          true,
			RelatedEntities: ef.Entities,
			BranchPath:      branchPath,
			Timestamp:       now,
			LastAccessedAt:  now,
		}

		// Embedding failures are not fatal: the fact still lands, it
		// just won't participate in KNN retrieval or clustering.
		if vec, err := s.client.Embed(ctx, ef.Fact); err != nil {
			log.Printf("[FactStore] embed failed for fact %s: %v", f.ID, err)
		} else if len(vec) == store.EmbeddingDim {
			f.Embedding = vec
		}

		if err := s.store.PutFact(f); err != nil {
			return stored, fmt.Errorf("facts: store fact: %w", err)
		}
		existing = append(existing, f)
		stored++
	}
	return stored, nil
}

// knnCandidates is how many sidecar neighbors each cluster seed considers.
const knnCandidates = 16

// Consolidate runs the periodic clustering pass: facts whose embeddings
// agree past the threshold collapse into one merged fact, and the members
// are deleted. Returns the number of clusters merged.
func (s *Service) Consolidate(conversationID string) (int, error) {
	all, err := s.store.GetConversationFacts(conversationID)
	if err != nil {
		return 0, fmt.Errorf("facts: load for consolidation: %w", err)
	}

	clusters := s.clusterFacts(conversationID, all)
	for _, cluster := range clusters {
		merged := MergeCluster(cluster, generateID())
		for _, m := range cluster {
			if err := s.store.DeleteFact(m.ID); err != nil {
				return 0, fmt.Errorf("facts: delete cluster member: %w", err)
			}
		}
		if err := s.store.PutFact(merged); err != nil {
			return 0, fmt.Errorf("facts: store merged fact: %w", err)
		}
		log.Printf("[FactStore] merged %d facts into %s", len(cluster), merged.ID)
	}
	return len(clusters), nil
}

// clusterFacts groups mergeable facts greedily, seed by seed. The vec0
// sidecar pre-selects each seed's nearest neighbors so the pass does not
// go quadratic on large fact sets; exact cosine against the seed confirms
// every candidate. Falls back to the in-memory scan if the sidecar is
// unavailable.
func (s *Service) clusterFacts(conversationID string, all []*store.WorldFact) [][]*store.WorldFact {
	index := make(map[string]int, len(all))
	for i, f := range all {
		index[f.ID] = i
	}
	visited := make([]bool, len(all))
	var out [][]*store.WorldFact

	for i, seed := range all {
		if visited[i] || len(seed.Embedding) == 0 {
			continue
		}
		visited[i] = true

		hits, err := s.store.SearchFactsByEmbedding(conversationID, seed.Embedding, knnCandidates)
		if err != nil {
			log.Printf("[FactStore] knn search failed, scanning in memory: %v", err)
			return Clusters(all, s.cfg.ClusterThreshold)
		}

		cluster := []*store.WorldFact{seed}
		for _, hit := range hits {
			j, ok := index[hit.FactID]
			if !ok || visited[j] || len(all[j].Embedding) == 0 {
				continue
			}
			if Cosine(seed.Embedding, all[j].Embedding) >= s.cfg.ClusterThreshold {
				visited[j] = true
				cluster = append(cluster, all[j])
			}
		}
		if len(cluster) > 1 {
			out = append(out, cluster)
		}
	}
	return out
}

// Retrieve returns the top facts for a generation call, ranked by
// importance, recency, and access history, restricted to active facts on
// the given branch lineage. Retrieved facts are touched so ranking sees
// the access.
func (s *Service) Retrieve(conversationID string, branchPath []string, limit int) ([]*store.WorldFact, error) {
	if limit <= 0 {
		limit = s.cfg.MaxRetrieved
	}

	all, err := s.store.GetConversationFacts(conversationID)
	if err != nil {
		return nil, fmt.Errorf("facts: load for retrieval: %w", err)
	}

	onBranch := make([]*store.WorldFact, 0, len(all))
	for _, f := range all {
		if f.Active && onLineage(f.BranchPath, branchPath) {
			onBranch = append(onBranch, f)
		}
	}

	now := time.Now().UnixMilli()
	sort.SliceStable(onBranch, func(i, j int) bool {
		return rankScore(onBranch[i], now) > rankScore(onBranch[j], now)
	})
	if len(onBranch) > limit {
		onBranch = onBranch[:limit]
	}

	if len(onBranch) > 0 {
		ids := make([]string, len(onBranch))
		for i, f := range onBranch {
			ids[i] = f.ID
		}
		if err := s.store.TouchFacts(ids, now); err != nil {
			log.Printf("[FactStore] touch failed: %v", err)
		}
	}
	return onBranch, nil
}

// rankScore blends importance with recency decay and a mild access-count
// boost. Half-life is roughly a week of wall time.
func rankScore(f *store.WorldFact, now int64) float64 {
	ageDays := float64(now-f.Timestamp) / float64(24*time.Hour.Milliseconds())
	if ageDays < 0 {
		ageDays = 0
	}
	recency := math.Exp(-ageDays / 10)
	access := math.Log1p(float64(f.AccessCount))
	return float64(f.Importance) + 3*recency + access
}

// onLineage reports whether the fact's branch path is a prefix-compatible
// ancestor of the active path: every message id it records must appear in
// the active lineage. Facts with no recorded path are visible everywhere.
func onLineage(factPath, activePath []string) bool {
	if len(factPath) == 0 {
		return true
	}
	active := make(map[string]bool, len(activePath))
	for _, id := range activePath {
		active[id] = true
	}
	for _, id := range factPath {
		if !active[id] {
			return false
		}
	}
	return true
}

func buildExtractionPrompt(messages []provider.Message) string {
	var sb strings.Builder
	sb.WriteString("Extract facts from the following exchange:\n\n")
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
