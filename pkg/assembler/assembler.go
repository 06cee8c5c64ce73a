// Package assembler builds the final generation payload: system prompt,
// retrieved context sections, and as much recent history as the token
// budget allows.
package assembler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loomchat/goloom/pkg/provider"
	"github.com/loomchat/goloom/pkg/token"
)

// Section types reported in the token breakdown.
const (
	SectionSystem      = "system"
	SectionMemory      = "memory"
	SectionFact        = "fact"
	SectionSummary     = "summary"
	SectionLorebook    = "lorebook"
	SectionHistory     = "history"
	SectionPostHistory = "post-history"
)

// Section is one retrieved block of context, built fresh per generation
// call and never persisted.
type Section struct {
	// Priority orders sections within the system prompt, 1 = highest.
	Priority   int
	Content    string
	Tokens     int
	Type       string
	Confidence float64
}

// NewSection computes the token cost up front.
func NewSection(priority int, sectionType, content string) Section {
	return Section{
		Priority: priority,
		Content:  content,
		Tokens:   token.Count(content),
		Type:     sectionType,
	}
}

// Request is everything the allocator needs for one generation call.
type Request struct {
	// SystemPrompt arrives with all template placeholders substituted.
	SystemPrompt string
	PostHistory  string
	// Sections are the retrieved RAG blocks (facts, summaries, lorebook).
	Sections []Section
	// History is the active path, chronological order.
	History []provider.Message
	// Prefill steers the completion's opening. Only sent when the target
	// model supports assistant-prefill.
	Prefill string
	Model   string
	Budget  token.Budget
}

// Result is the assembled payload plus the accounting the context preview
// renders.
type Result struct {
	Messages []provider.Message

	IncludedMessageCount int
	DroppedMessageCount  int
	// TokensByType breaks the final payload down by section type.
	TokensByType map[string]int
	TotalTokens  int
	Warnings     []string
}

// Assemble runs the budget allocation. RAG sections are appended to the
// system prompt unconditionally, ordered by ascending priority number;
// only history competes for what remains. History is included greedily
// newest-first in whole messages, then emitted in chronological order. A
// budget too small for any history is a warning, never an error.
func Assemble(req Request) *Result {
	res := &Result{TokensByType: make(map[string]int)}

	systemText := req.SystemPrompt
	systemTokens := token.Count(systemText)
	res.TokensByType[SectionSystem] = systemTokens

	sections := make([]Section, len(req.Sections))
	copy(sections, req.Sections)
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Priority < sections[j].Priority
	})

	ragTokens := 0
	var ragParts []string
	for _, s := range sections {
		if s.Content == "" {
			continue
		}
		cost := s.Tokens
		if cost == 0 {
			cost = token.Count(s.Content)
		}
		ragTokens += cost
		ragParts = append(ragParts, s.Content)

		key := s.Type
		if key == "" {
			key = SectionMemory
		}
		res.TokensByType[key] += cost
	}
	if len(ragParts) > 0 {
		systemText = systemText + "\n\n" + strings.Join(ragParts, "\n\n")
	}

	postHistoryTokens := 0
	if req.PostHistory != "" {
		postHistoryTokens = token.Count(req.PostHistory)
		res.TokensByType[SectionPostHistory] = postHistoryTokens
	}

	availableForHistory := req.Budget.MaxContextTokens -
		(systemTokens + ragTokens) -
		req.Budget.MaxOutputTokens -
		postHistoryTokens

	var included []provider.Message
	historyTokens := 0
	if availableForHistory > 0 {
		for i := len(req.History) - 1; i >= 0; i-- {
			cost := token.CountMessage(req.History[i].Content)
			if historyTokens+cost > availableForHistory {
				break
			}
			historyTokens += cost
			included = append(included, req.History[i])
		}
	}
	// Newest-first greedy walk, so reverse into chronological order.
	for i, j := 0, len(included)-1; i < j; i, j = i+1, j-1 {
		included[i], included[j] = included[j], included[i]
	}

	res.IncludedMessageCount = len(included)
	res.DroppedMessageCount = len(req.History) - len(included)
	res.TokensByType[SectionHistory] = historyTokens

	if availableForHistory <= 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"context budget leaves no room for history (fixed cost %d of %d tokens)",
			systemTokens+ragTokens+postHistoryTokens+req.Budget.MaxOutputTokens,
			req.Budget.MaxContextTokens))
	} else if res.DroppedMessageCount > 0 {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%d older messages dropped to fit the context budget", res.DroppedMessageCount))
	}

	res.Messages = append(res.Messages, provider.Message{Role: "system", Content: systemText})
	res.Messages = append(res.Messages, included...)
	if req.PostHistory != "" {
		res.Messages = append(res.Messages, provider.Message{Role: "system", Content: req.PostHistory})
	}
	if req.Prefill != "" && provider.SupportsPrefill(req.Model) {
		res.Messages = append(res.Messages, provider.Message{Role: "assistant", Content: req.Prefill})
	}

	res.TotalTokens = systemTokens + ragTokens + historyTokens + postHistoryTokens
	return res
}
