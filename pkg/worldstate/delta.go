// Package worldstate tracks the scene state of a conversation (inventory,
// location, relationship scores) and applies analyst-produced deltas to it.
package worldstate

import (
	"encoding/json"
	"strings"

	"github.com/loomchat/goloom/internal/store"
)

const (
	relationshipDefault = 50
	relationshipMin     = 0
	relationshipMax     = 100
)

// Delta is the analyst's description of what changed in the last exchange.
// A zero-value Delta is a no-op.
type Delta struct {
	InventoryAdd        []string       `json:"inventory_add"`
	InventoryRemove     []string       `json:"inventory_remove"`
	Location            *string        `json:"location"`
	RelationshipChanges map[string]int `json:"relationship_changes"`
}

// IsNoop reports whether applying the delta would leave state untouched.
func (d *Delta) IsNoop() bool {
	if d == nil {
		return true
	}
	return len(d.InventoryAdd) == 0 &&
		len(d.InventoryRemove) == 0 &&
		d.Location == nil &&
		len(d.RelationshipChanges) == 0
}

// ParseDelta extracts the first balanced JSON object from raw LLM output
// and decodes it. Returns nil when no valid delta can be recovered; the
// caller must treat nil as "do not write anything".
func ParseDelta(raw string) *Delta {
	block := firstJSONBlock(raw)
	if block == "" {
		return nil
	}

	// Field-by-field decode so one malformed field degrades to its zero
	// value instead of discarding the whole delta.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(block), &fields); err != nil {
		return nil
	}

	d := &Delta{}
	if v, ok := fields["inventory_add"]; ok {
		json.Unmarshal(v, &d.InventoryAdd)
	}
	if v, ok := fields["inventory_remove"]; ok {
		json.Unmarshal(v, &d.InventoryRemove)
	}
	if v, ok := fields["location"]; ok && string(v) != "null" {
		var loc string
		if err := json.Unmarshal(v, &loc); err == nil && loc != "" {
			d.Location = &loc
		}
	}
	if v, ok := fields["relationship_changes"]; ok {
		json.Unmarshal(v, &d.RelationshipChanges)
	}
	return d
}

// firstJSONBlock scans for the first '{' and returns the substring through
// its balancing '}', honoring string literals and escapes. Handles models
// that wrap their JSON in prose or markdown fences.
func firstJSONBlock(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// Merge applies a delta to state and returns the result. The input state is
// not mutated. Inventory adds skip case-sensitive duplicates, removes match
// case-insensitively, relationship changes are additive onto a default of
// 50 and clamped to [0, 100].
func Merge(ws store.WorldState, d *Delta) store.WorldState {
	out := ws.Clone()
	if d.IsNoop() {
		return out
	}

	for _, item := range d.InventoryAdd {
		if item == "" {
			continue
		}
		dup := false
		for _, have := range out.Inventory {
			if have == item {
				dup = true
				break
			}
		}
		if !dup {
			out.Inventory = append(out.Inventory, item)
		}
	}

	for _, item := range d.InventoryRemove {
		target := strings.ToLower(item)
		kept := out.Inventory[:0]
		for _, have := range out.Inventory {
			if strings.ToLower(have) != target {
				kept = append(kept, have)
			}
		}
		out.Inventory = kept
	}

	if d.Location != nil {
		out.Location = *d.Location
	}

	for name, change := range d.RelationshipChanges {
		if name == "" {
			continue
		}
		current, ok := out.Relationships[name]
		if !ok {
			current = relationshipDefault
		}
		out.Relationships[name] = clampRelationship(current + change)
	}

	return out
}

func clampRelationship(v int) int {
	if v < relationshipMin {
		return relationshipMin
	}
	if v > relationshipMax {
		return relationshipMax
	}
	return v
}
