// Package facts extracts atomic world facts from conversation turns,
// deduplicates them against the store, and periodically merges semantic
// near-duplicates via embedding clusters.
package facts

// ExtractedFact is one fact as emitted by the extraction model, before
// validation and persistence.
type ExtractedFact struct {
	Fact       string   `json:"fact"`
	Category   string   `json:"category"`
	Importance int      `json:"importance"`
	Entities   []string `json:"entities"`
	Tags       []string `json:"tags,omitempty"`
}

// ExtractionResult is the parsed model output.
type ExtractionResult struct {
	Facts []ExtractedFact `json:"facts"`
}

// knownCategories is the fixed category enum. Anything else non-empty is
// accepted as a custom label, lower-cased.
var knownCategories = map[string]bool{
	"event":        true,
	"relationship": true,
	"item":         true,
	"location":     true,
	"lore":         true,
	"consequence":  true,
	"dialogue":     true,
}

// NormalizeCategory lower-cases and trims the label; empty in, empty out.
func NormalizeCategory(c string) string {
	return trimLower(c)
}

// IsKnownCategory reports membership in the fixed enum.
func IsKnownCategory(c string) bool {
	return knownCategories[trimLower(c)]
}
