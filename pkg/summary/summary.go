// Package summary maintains the hierarchical memory pyramid: level 0
// summaries over raw message chunks, level 1 over groups of level 0, and
// level 2 arc summaries. Chunks only burn an API call when the quality
// gate says the content is worth it.
package summary

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/provider"
	"github.com/loomchat/goloom/pkg/quality"
)

const (
	// level1GroupSize level-0 children roll up into one level-1 summary;
	// level2GroupSize level-1 children into one arc summary.
	level1GroupSize = 5
	level2GroupSize = 3
)

const summarySystemPrompt = `You are a conversation summarizer for a long roleplay session. Summarize the given messages into a compact narrative record.

You must return a JSON object with this exact structure:
{
  "summary": "2-4 sentence narrative summary in past tense",
  "key_facts": ["important facts a future reader must not lose"]
}

Rules:
1. Preserve names, places, and irreversible events exactly
2. Drop pleasantries, hesitations, and out-of-character chatter
3. key_facts are single statements, at most 5 of them`

// Service builds and rolls up summaries for one conversation at a time.
type Service struct {
	store     store.Storer
	client    provider.Client
	baseChunk int
}

func NewService(s store.Storer, client provider.Client) *Service {
	return &Service{store: s, client: client, baseChunk: 10}
}

// Tick advances the pyramid for the conversation's active path: summarize
// the next uncovered chunk if it is large and substantial enough, then
// roll completed groups up a level. Called from the background queue after
// turns, so partial progress is fine.
func (s *Service) Tick(ctx context.Context, conversationID string, activePath []*store.Message) error {
	summaries, err := s.store.GetConversationSummaries(conversationID)
	if err != nil {
		return fmt.Errorf("summary: load summaries: %w", err)
	}

	if err := s.summarizeNextChunk(ctx, conversationID, activePath, summaries); err != nil {
		return err
	}
	if err := s.rollUp(ctx, conversationID, 1, level1GroupSize); err != nil {
		return err
	}
	return s.rollUp(ctx, conversationID, 2, level2GroupSize)
}

func (s *Service) summarizeNextChunk(ctx context.Context, conversationID string, activePath []*store.Message, summaries []*store.MemorySummary) error {
	covered := -1
	for _, sum := range summaries {
		if sum.Level == 0 && sum.EndOrder > covered {
			covered = sum.EndOrder
		}
	}

	var pending []*store.Message
	for _, msg := range activePath {
		if msg.MessageOrder > covered {
			pending = append(pending, msg)
		}
	}

	chunkSize := s.adaptiveSize(activePath)
	if len(pending) < chunkSize {
		return nil
	}
	chunk := pending[:chunkSize]

	verdict := quality.ChunkScore(toChunkMessages(chunk))
	if !verdict.WorthCall {
		// Low-grade chatter: mark the range covered with a stub so the
		// same chunk is not re-evaluated every tick.
		log.Printf("[Summary] chunk %d-%d below quality gate, skipping",
			chunk[0].MessageOrder, chunk[len(chunk)-1].MessageOrder)
		return s.store.PutSummary(&store.MemorySummary{
			ID:             generateID(),
			ConversationID: conversationID,
			Level:          0,
			StartOrder:     chunk[0].MessageOrder,
			EndOrder:       chunk[len(chunk)-1].MessageOrder,
			Content:        "",
			CreatedAt:      time.Now().UnixMilli(),
		})
	}

	var sb strings.Builder
	for _, msg := range chunk {
		fmt.Fprintf(&sb, "[%s]: %s\n", msg.Role, msg.Content)
	}
	content, keyFacts, err := s.summarize(ctx, sb.String())
	if err != nil {
		return err
	}

	return s.store.PutSummary(&store.MemorySummary{
		ID:             generateID(),
		ConversationID: conversationID,
		Level:          0,
		StartOrder:     chunk[0].MessageOrder,
		EndOrder:       chunk[len(chunk)-1].MessageOrder,
		Content:        content,
		KeyFacts:       keyFacts,
		CreatedAt:      time.Now().UnixMilli(),
	})
}

// rollUp merges completed groups of level-1 summaries into one node at
// the given level.
func (s *Service) rollUp(ctx context.Context, conversationID string, level, groupSize int) error {
	summaries, err := s.store.GetConversationSummaries(conversationID)
	if err != nil {
		return fmt.Errorf("summary: load for rollup: %w", err)
	}

	claimed := make(map[string]bool)
	var candidates []*store.MemorySummary
	for _, sum := range summaries {
		switch sum.Level {
		case level:
			for _, id := range sum.ChildIDs {
				claimed[id] = true
			}
		case level - 1:
			candidates = append(candidates, sum)
		}
	}

	var free []*store.MemorySummary
	for _, sum := range candidates {
		if !claimed[sum.ID] && sum.Content != "" {
			free = append(free, sum)
		}
	}
	if len(free) < groupSize {
		return nil
	}
	sort.Slice(free, func(i, j int) bool { return free[i].StartOrder < free[j].StartOrder })
	group := free[:groupSize]

	var sb strings.Builder
	for _, sum := range group {
		sb.WriteString(sum.Content)
		sb.WriteByte('\n')
		for _, kf := range sum.KeyFacts {
			sb.WriteString("- " + kf + "\n")
		}
	}
	content, keyFacts, err := s.summarize(ctx, sb.String())
	if err != nil {
		return err
	}

	childIDs := make([]string, len(group))
	for i, sum := range group {
		childIDs[i] = sum.ID
	}
	return s.store.PutSummary(&store.MemorySummary{
		ID:             generateID(),
		ConversationID: conversationID,
		Level:          level,
		StartOrder:     group[0].StartOrder,
		EndOrder:       group[len(group)-1].EndOrder,
		Content:        content,
		KeyFacts:       keyFacts,
		ChildIDs:       childIDs,
		CreatedAt:      time.Now().UnixMilli(),
	})
}

func (s *Service) summarize(ctx context.Context, text string) (string, []string, error) {
	raw, err := s.client.Complete(ctx, []provider.Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: text},
	}, provider.Params{
		Temperature: 0.3,
		MaxTokens:   1024,
		JSONObject:  true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("summary: model call: %w", err)
	}

	var parsed struct {
		Summary  string   `json:"summary"`
		KeyFacts []string `json:"key_facts"`
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), &parsed); err != nil || parsed.Summary == "" {
		// Freeform output still beats losing the chunk.
		return strings.TrimSpace(raw), nil, nil
	}
	return parsed.Summary, parsed.KeyFacts, nil
}

// adaptiveSize shrinks the chunk for dense recent content and grows it for
// sparse chatter.
func (s *Service) adaptiveSize(activePath []*store.Message) int {
	recent := activePath
	if len(recent) > s.baseChunk {
		recent = recent[len(recent)-s.baseChunk:]
	}
	return quality.AdaptiveChunkSize(toChunkMessages(recent), s.baseChunk)
}

func toChunkMessages(msgs []*store.Message) []quality.ChunkMessage {
	out := make([]quality.ChunkMessage, len(msgs))
	for i, m := range msgs {
		out[i] = quality.ChunkMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
