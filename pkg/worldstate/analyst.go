package worldstate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/provider"
)

// analystSystemPrompt instructs the model to report only state changes, as
// a strict JSON delta.
const analystSystemPrompt = `You are a world-state analyst for a roleplay conversation. Given the current world state and the most recent exchange, report ONLY what changed.

You must return a JSON object with this exact structure:
{
  "inventory_add": ["items the player gained"],
  "inventory_remove": ["items the player lost or used"],
  "location": "new location name, or null if unchanged",
  "relationship_changes": {"Character Name": -10}
}

Rules:
1. Report only changes that EXPLICITLY happened in the exchange
2. Relationship changes are deltas on a 0-100 scale (positive = warmer, negative = colder)
3. Use null for location when the scene has not moved
4. Do not restate unchanged inventory
5. If nothing changed, return: {"inventory_add": [], "inventory_remove": [], "location": null, "relationship_changes": {}}`

// Analyst derives world-state deltas from recent messages via the LLM.
type Analyst struct {
	client provider.Client
}

func NewAnalyst(client provider.Client) *Analyst {
	return &Analyst{client: client}
}

// Analyze asks the model what changed across the given exchange. A nil
// delta (model produced no parseable JSON) means nothing should be written.
func (a *Analyst) Analyze(ctx context.Context, current store.WorldState, exchange []provider.Message) (*Delta, error) {
	raw, err := a.client.Complete(ctx, []provider.Message{
		{Role: "system", Content: analystSystemPrompt},
		{Role: "user", Content: buildAnalystPrompt(current, exchange)},
	}, provider.Params{
		Temperature: 0.3,
		MaxTokens:   1024,
		JSONObject:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("worldstate: analyst call: %w", err)
	}
	return ParseDelta(raw), nil
}

func buildAnalystPrompt(current store.WorldState, exchange []provider.Message) string {
	var sb strings.Builder
	sb.WriteString("Current world state:\n")
	sb.WriteString(Describe(current))
	sb.WriteString("\n\nRecent exchange:\n")
	for _, m := range exchange {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}
	return sb.String()
}

// Describe renders a world state as the plain-text block injected into
// prompts, both for the analyst and for {{worldstate}} substitution.
func Describe(ws store.WorldState) string {
	if ws.IsEmpty() {
		return "(no tracked state yet)"
	}

	var sb strings.Builder
	if ws.Location != "" {
		fmt.Fprintf(&sb, "Location: %s\n", ws.Location)
	}
	if len(ws.Inventory) > 0 {
		fmt.Fprintf(&sb, "Inventory: %s\n", strings.Join(ws.Inventory, ", "))
	}
	if len(ws.Relationships) > 0 {
		names := make([]string, 0, len(ws.Relationships))
		for name := range ws.Relationships {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("Relationships:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "  %s: %d/100\n", name, ws.Relationships[name])
		}
	}
	if len(ws.CustomState) > 0 {
		keys := make([]string, 0, len(ws.CustomState))
		for k := range ws.CustomState {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, ws.CustomState[k])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
