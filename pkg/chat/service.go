// Package chat orchestrates a conversation turn: tree bookkeeping, context
// assembly, the foreground generation call, and the background memory
// pipeline that runs after each exchange.
package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/assembler"
	"github.com/loomchat/goloom/pkg/facts"
	"github.com/loomchat/goloom/pkg/lorebook"
	"github.com/loomchat/goloom/pkg/provider"
	"github.com/loomchat/goloom/pkg/quality"
	"github.com/loomchat/goloom/pkg/summary"
	"github.com/loomchat/goloom/pkg/tasks"
	"github.com/loomchat/goloom/pkg/token"
	"github.com/loomchat/goloom/pkg/tree"
	"github.com/loomchat/goloom/pkg/worldstate"
)

// Config tunes the per-turn pipeline.
type Config struct {
	// Models is the chat fallback chain; the first entry decides prefill
	// support.
	Models []string
	// UserName substitutes {{user}} in character templates.
	UserName string
	Budget   token.Budget
	Scan     lorebook.ScanConfig
	// ConsolidateEvery Nth assistant turn triggers the fact
	// consolidation pass. Zero means every 10th.
	ConsolidateEvery int
	// MaxFacts caps retrieved facts per generation.
	MaxFacts int
}

func (c *Config) applyDefaults() {
	if c.ConsolidateEvery <= 0 {
		c.ConsolidateEvery = 10
	}
	if c.MaxFacts <= 0 {
		c.MaxFacts = 10
	}
	if c.Scan.ScanDepth == 0 {
		c.Scan = lorebook.DefaultScanConfig()
	}
	if c.Budget.MaxContextTokens == 0 {
		c.Budget = token.Budget{MaxContextTokens: 8192, MaxOutputTokens: 1024}
	}
}

// Service wires the memory engine together for the chat surface.
type Service struct {
	store     store.Storer
	client    provider.Client
	facts     *facts.Service
	analyst   *worldstate.Analyst
	summaries *summary.Service
	queue     *tasks.Queue
	cfg       Config
}

func NewService(s store.Storer, client provider.Client, factSvc *facts.Service, summarySvc *summary.Service, queue *tasks.Queue, cfg Config) *Service {
	cfg.applyDefaults()
	return &Service{
		store:     s,
		client:    client,
		facts:     factSvc,
		analyst:   worldstate.NewAnalyst(client),
		summaries: summarySvc,
		queue:     queue,
		cfg:       cfg,
	}
}

// CreateConversation starts a conversation for a character.
func (s *Service) CreateConversation(characterID, title string) (*store.Conversation, error) {
	now := time.Now().UnixMilli()
	conv := &store.Conversation{
		ID:          generateID(),
		CharacterID: characterID,
		Title:       title,
		WorldState:  store.EmptyWorldState(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateConversation(conv); err != nil {
		return nil, fmt.Errorf("chat: create conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes a conversation and everything it owns.
func (s *Service) DeleteConversation(id string) error {
	return s.store.DeleteConversation(id)
}

// SendMessage runs one full turn: append the user message, assemble
// context, generate a reply in the foreground, then queue the memory
// pipeline. Generation errors surface to the caller; memory errors never
// do.
func (s *Service) SendMessage(ctx context.Context, conversationID, userText string) (*store.Message, error) {
	tr, err := tree.Load(s.store, conversationID)
	if err != nil {
		return nil, err
	}

	userMsg := s.newMessage(conversationID, "user", userText, tr)
	tr.AddMessage(userMsg)

	result, err := s.assembleFor(tr, conversationID, tr.ActivePath())
	if err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		log.Printf("[Chat] %s", w)
	}

	reply, err := s.client.Complete(ctx, result.Messages, provider.Params{
		Temperature: 0.9,
		MaxTokens:   s.cfg.Budget.MaxOutputTokens,
	})
	if err != nil {
		// Persist the user's message even when generation fails, so a
		// retry regenerates rather than retypes.
		if flushErr := tr.Flush(s.store); flushErr != nil {
			log.Printf("[Chat] flush after failed generation: %v", flushErr)
		}
		return nil, fmt.Errorf("chat: generation: %w", err)
	}

	assistantMsg := s.newMessage(conversationID, "assistant", reply, tr)
	tr.AddMessage(assistantMsg)
	if err := tr.Flush(s.store); err != nil {
		return nil, err
	}

	s.queueMemoryWork(conversationID, userMsg, assistantMsg)
	return assistantMsg, nil
}

// Regenerate adds a sibling reply under the same parent as an existing
// assistant message, making the new reply the active branch.
func (s *Service) Regenerate(ctx context.Context, conversationID, assistantID string) (*store.Message, error) {
	tr, err := tree.Load(s.store, conversationID)
	if err != nil {
		return nil, err
	}
	old := tr.Get(assistantID)
	if old == nil || old.Role != "assistant" {
		return nil, fmt.Errorf("chat: message %s is not a regenerable reply", assistantID)
	}

	// The model must see the conversation as it stood before the reply
	// being replaced, so the history stops at its parent.
	result, err := s.assembleFor(tr, conversationID, tr.PathTo(old.ParentID))
	if err != nil {
		return nil, err
	}
	reply, err := s.client.Complete(ctx, result.Messages, provider.Params{
		Temperature: 0.9,
		MaxTokens:   s.cfg.Budget.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: regeneration: %w", err)
	}

	now := time.Now().UnixMilli()
	sibling := &store.Message{
		ID:             generateID(),
		ConversationID: conversationID,
		ParentID:       old.ParentID,
		Role:           "assistant",
		Content:        reply,
		MessageOrder:   old.MessageOrder,
		RegenIndex:     old.RegenIndex + 1,
		CreatedAt:      now,
	}
	tr.AddMessage(sibling)
	if err := tr.Flush(s.store); err != nil {
		return nil, err
	}

	// The regenerated reply goes through the same memory pipeline as a
	// fresh turn, paired with the user message it answers.
	if parent := tr.Get(old.ParentID); parent != nil && parent.Role == "user" {
		s.queueMemoryWork(conversationID, parent, sibling)
	}
	return sibling, nil
}

// NavigateSibling swipes between regenerated replies and persists the
// restored branch state.
func (s *Service) NavigateSibling(conversationID, messageID string, dir int) error {
	tr, err := tree.Load(s.store, conversationID)
	if err != nil {
		return err
	}
	tr.NavigateToSibling(messageID, dir)
	return tr.Flush(s.store)
}

// DeleteMessage removes a message subtree and persists the repaired tree.
func (s *Service) DeleteMessage(conversationID, messageID string) error {
	tr, err := tree.Load(s.store, conversationID)
	if err != nil {
		return err
	}
	tr.DeleteMessage(messageID)
	return tr.Flush(s.store)
}

// PreviewContext assembles without generating, for the context preview.
func (s *Service) PreviewContext(conversationID string) (*assembler.Result, error) {
	tr, err := tree.Load(s.store, conversationID)
	if err != nil {
		return nil, err
	}
	return s.assembleFor(tr, conversationID, tr.ActivePath())
}

// assembleFor builds the generation payload from the given message path,
// usually the active path.
func (s *Service) assembleFor(tr *tree.Manager, conversationID string, path []*store.Message) (*assembler.Result, error) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return nil, fmt.Errorf("chat: conversation %s not found", conversationID)
	}

	var char *store.Character
	if conv.CharacterID != "" {
		if char, err = s.store.GetCharacter(conv.CharacterID); err != nil {
			return nil, fmt.Errorf("chat: load character: %w", err)
		}
	}
	if char == nil {
		char = &store.Character{
			Name:         "Narrator",
			SystemPrompt: "You are {{char}}, narrating a collaborative story with {{user}}.\n\nCurrent state:\n{{worldstate}}\n\n{{lorebook}}",
		}
	}

	history := make([]provider.Message, 0, len(path))
	scanTexts := make([]string, 0, len(path))
	pathIDs := make([]string, 0, len(path))
	for _, msg := range path {
		history = append(history, provider.Message{Role: msg.Role, Content: msg.Content})
		scanTexts = append(scanTexts, msg.Content)
		pathIDs = append(pathIDs, msg.ID)
	}

	entries := s.scanLorebook(char.LorebookID, scanTexts)

	var sections []assembler.Section
	retrieved, err := s.facts.Retrieve(conversationID, pathIDs, s.cfg.MaxFacts)
	if err != nil {
		log.Printf("[Chat] fact retrieval failed: %v", err)
	}
	for _, f := range retrieved {
		sections = append(sections, assembler.NewSection(1, assembler.SectionFact, "[Memory] "+f.Fact))
	}
	sections = append(sections, s.summarySections(conversationID)...)

	model := ""
	if len(s.cfg.Models) > 0 {
		model = s.cfg.Models[0]
	}

	return assembler.Assemble(assembler.Request{
		SystemPrompt: s.resolveTemplate(char, tr.WorldState(), entries),
		PostHistory:  s.resolveText(char, char.PostHistory, tr.WorldState()),
		Sections:     sections,
		History:      history,
		Model:        model,
		Budget:       s.cfg.Budget,
	}), nil
}

func (s *Service) scanLorebook(lorebookID string, scanTexts []string) []*store.LorebookEntry {
	if lorebookID == "" {
		return nil
	}
	all, err := s.store.GetLorebookEntries(lorebookID)
	if err != nil {
		log.Printf("[Chat] lorebook load failed: %v", err)
		return nil
	}
	scanner, err := lorebook.NewScanner(all)
	if err != nil {
		log.Printf("[Chat] lorebook compile failed: %v", err)
		return nil
	}
	return scanner.Scan(scanTexts, s.cfg.Scan)
}

// summarySections injects the newest summary per level, highest level
// first so arc context lands before chapter detail.
func (s *Service) summarySections(conversationID string) []assembler.Section {
	sums, err := s.store.GetConversationSummaries(conversationID)
	if err != nil {
		log.Printf("[Chat] summary load failed: %v", err)
		return nil
	}

	var sections []assembler.Section
	for level := 2; level >= 0; level-- {
		var newest *store.MemorySummary
		for _, sum := range sums {
			if sum.Level != level || sum.Content == "" {
				continue
			}
			if newest == nil || sum.EndOrder > newest.EndOrder {
				newest = sum
			}
		}
		if newest != nil {
			// Priority 2 for arcs down to 4 for chapter summaries,
			// after the priority-1 fact sections.
			sections = append(sections, assembler.NewSection(4-level, assembler.SectionSummary,
				"[Earlier] "+newest.Content))
		}
	}
	return sections
}

// resolveTemplate substitutes {{char}}, {{user}}, {{worldstate}}, and
// {{lorebook}} into the character's system prompt.
func (s *Service) resolveTemplate(char *store.Character, ws store.WorldState, entries []*store.LorebookEntry) string {
	var lore strings.Builder
	for _, e := range entries {
		lore.WriteString(e.Content)
		lore.WriteByte('\n')
	}

	prompt := char.SystemPrompt
	if prompt == "" {
		prompt = "You are {{char}}.\n\n{{worldstate}}\n\n{{lorebook}}"
	}
	if char.Persona != "" && !strings.Contains(prompt, char.Persona) {
		prompt = prompt + "\n\n" + char.Persona
	}

	r := strings.NewReplacer(
		"{{char}}", char.Name,
		"{{user}}", s.userName(),
		"{{worldstate}}", worldstate.Describe(ws),
		"{{lorebook}}", strings.TrimRight(lore.String(), "\n"),
	)
	return strings.TrimSpace(r.Replace(prompt))
}

func (s *Service) resolveText(char *store.Character, text string, ws store.WorldState) string {
	if text == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{{char}}", char.Name,
		"{{user}}", s.userName(),
		"{{worldstate}}", worldstate.Describe(ws),
	)
	return r.Replace(text)
}

func (s *Service) userName() string {
	if s.cfg.UserName != "" {
		return s.cfg.UserName
	}
	return "User"
}

// queueMemoryWork schedules the post-turn pipeline: world-state analysis,
// fact extraction for substantial exchanges, the summary tick, and every
// Nth turn a consolidation pass. All of it is best-effort and serialized
// behind the queue.
func (s *Service) queueMemoryWork(conversationID string, userMsg, assistantMsg *store.Message) {
	exchange := []provider.Message{
		{Role: userMsg.Role, Content: userMsg.Content},
		{Role: assistantMsg.Role, Content: assistantMsg.Content},
	}

	s.queue.Submit("worldstate-analysis", func(ctx context.Context) error {
		tr, err := tree.Load(s.store, conversationID)
		if err != nil {
			return err
		}
		delta, err := s.analyst.Analyze(ctx, tr.WorldState(), exchange)
		if err != nil {
			return err
		}
		if delta.IsNoop() {
			return nil
		}
		tr.UpdateWorldState(delta)
		return tr.Flush(s.store)
	})

	verdict := quality.ChunkScore([]quality.ChunkMessage{
		{Role: userMsg.Role, Content: userMsg.Content},
		{Role: assistantMsg.Role, Content: assistantMsg.Content},
	})
	if verdict.WorthCall {
		s.queue.Submit("fact-extraction", func(ctx context.Context) error {
			tr, err := tree.Load(s.store, conversationID)
			if err != nil {
				return err
			}
			_, err = s.facts.ExtractAndStore(ctx, conversationID, tr.ActivePathIDs(), exchange)
			return err
		})
	}

	s.queue.Submit("summary-tick", func(ctx context.Context) error {
		tr, err := tree.Load(s.store, conversationID)
		if err != nil {
			return err
		}
		return s.summaries.Tick(ctx, conversationID, tr.ActivePath())
	})

	if s.bumpTurnCounter(conversationID)%s.cfg.ConsolidateEvery == 0 {
		s.queue.Submit("fact-consolidation", func(ctx context.Context) error {
			_, err := s.facts.Consolidate(conversationID)
			return err
		})
	}
}

// bumpTurnCounter increments the persisted per-conversation turn count.
func (s *Service) bumpTurnCounter(conversationID string) int {
	key := "turns:" + conversationID
	raw, err := s.store.GetSetting(key)
	if err != nil {
		log.Printf("[Chat] turn counter read failed: %v", err)
	}
	n, _ := strconv.Atoi(raw)
	n++
	if err := s.store.SetSetting(key, strconv.Itoa(n)); err != nil {
		log.Printf("[Chat] turn counter write failed: %v", err)
	}
	return n
}

// newMessage appends onto the current active leaf.
func (s *Service) newMessage(conversationID, role, content string, tr *tree.Manager) *store.Message {
	path := tr.ActivePath()
	parentID := ""
	order := 0
	if len(path) > 0 {
		parentID = path[len(path)-1].ID
		order = path[len(path)-1].MessageOrder + 1
	}
	return &store.Message{
		ID:             generateID(),
		ConversationID: conversationID,
		ParentID:       parentID,
		Role:           role,
		Content:        content,
		MessageOrder:   order,
		CreatedAt:      time.Now().UnixMilli(),
	}
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
