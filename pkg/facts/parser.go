package facts

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParseResponse parses raw LLM output into validated facts. Handles
// markdown code fences, an object-wrapped {"facts": [...]} shape, a bare
// array, and as a last resort regex repair of individual fact objects.
func ParseResponse(raw string) (*ExtractionResult, error) {
	cleaned := stripCodeFence(strings.TrimSpace(raw))
	if cleaned == "" {
		return &ExtractionResult{}, nil
	}

	var result ExtractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil && result.Facts != nil {
		return filterResult(&result), nil
	}

	var arr []ExtractedFact
	if err := json.Unmarshal([]byte(cleaned), &arr); err == nil {
		return filterResult(&ExtractionResult{Facts: arr}), nil
	}

	repaired := repairFacts(cleaned)
	if len(repaired) == 0 {
		return nil, fmt.Errorf("facts: failed to parse LLM response")
	}
	return filterResult(&ExtractionResult{Facts: repaired}), nil
}

// stripCodeFence removes markdown code block wrappers (```json ... ```).
func stripCodeFence(s string) string {
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

// filterResult drops facts missing required fields and normalizes the rest.
// Category accepts the fixed enum plus any non-empty custom label; custom
// labels are lower-cased. Importance clamps to [1, 10]; zero means the
// model omitted it, which drops the fact.
func filterResult(r *ExtractionResult) *ExtractionResult {
	out := &ExtractionResult{Facts: make([]ExtractedFact, 0, len(r.Facts))}
	for _, f := range r.Facts {
		f.Fact = strings.TrimSpace(f.Fact)
		f.Category = NormalizeCategory(f.Category)
		if f.Fact == "" || f.Category == "" || f.Importance == 0 {
			continue
		}
		if f.Importance < 1 {
			f.Importance = 1
		}
		if f.Importance > 10 {
			f.Importance = 10
		}

		cleaned := make([]string, 0, len(f.Entities))
		for _, e := range f.Entities {
			e = strings.TrimSpace(e)
			if e != "" {
				cleaned = append(cleaned, e)
			}
		}
		f.Entities = cleaned

		out.Facts = append(out.Facts, f)
	}
	return out
}

// factPattern matches a complete fact object for regex repair.
var factPattern = regexp.MustCompile(
	`\{\s*"fact"\s*:\s*"[^"]+"\s*(?:,\s*"[^"]+"\s*:\s*(?:"[^"]*"|[\d.]+|\[[^\]]*\]|true|false|null))*\s*\}`,
)

// repairFacts recovers individual fact objects from malformed JSON.
func repairFacts(raw string) []ExtractedFact {
	matches := factPattern.FindAllString(raw, -1)
	facts := make([]ExtractedFact, 0, len(matches))
	for _, m := range matches {
		var f ExtractedFact
		if err := json.Unmarshal([]byte(m), &f); err != nil {
			continue
		}
		facts = append(facts, f)
	}
	return facts
}

func trimLower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
