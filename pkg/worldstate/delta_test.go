package worldstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/goloom/internal/store"
)

func strPtr(s string) *string { return &s }

func TestParseDeltaPlainJSON(t *testing.T) {
	d := ParseDelta(`{"inventory_add":["rope"],"inventory_remove":[],"location":"the docks","relationship_changes":{"Mira":5}}`)
	require.NotNil(t, d)
	assert.Equal(t, []string{"rope"}, d.InventoryAdd)
	require.NotNil(t, d.Location)
	assert.Equal(t, "the docks", *d.Location)
	assert.Equal(t, map[string]int{"Mira": 5}, d.RelationshipChanges)
}

func TestParseDeltaWrappedInProse(t *testing.T) {
	raw := "Here is the delta:\n```json\n{\"inventory_add\": [\"a key \\\"borrowed\\\" from the guard\"], \"location\": null, \"relationship_changes\": {}}\n```\nDone."
	d := ParseDelta(raw)
	require.NotNil(t, d)
	assert.Equal(t, []string{`a key "borrowed" from the guard`}, d.InventoryAdd)
	assert.Nil(t, d.Location)
}

func TestParseDeltaRejectsNonJSON(t *testing.T) {
	assert.Nil(t, ParseDelta("The player picked up a rope and left."))
	assert.Nil(t, ParseDelta(""))
	assert.Nil(t, ParseDelta("{unterminated"))
}

func TestParseDeltaCoercesBadFields(t *testing.T) {
	// A malformed field degrades to empty instead of losing the delta.
	d := ParseDelta(`{"inventory_add":"not an array","relationship_changes":{"Mira":-3}}`)
	require.NotNil(t, d)
	assert.Empty(t, d.InventoryAdd)
	assert.Equal(t, map[string]int{"Mira": -3}, d.RelationshipChanges)
}

func TestMergeInventory(t *testing.T) {
	ws := store.EmptyWorldState()
	ws.Inventory = []string{"torch", "Rope"}

	out := Merge(ws, &Delta{
		InventoryAdd:    []string{"torch", "map"},
		InventoryRemove: []string{"rope"},
	})

	assert.Equal(t, []string{"torch", "map"}, out.Inventory, "adds dedupe exactly, removes fold case")
	assert.Equal(t, []string{"torch", "Rope"}, ws.Inventory, "input state untouched")
}

func TestMergeLocation(t *testing.T) {
	ws := store.EmptyWorldState()
	ws.Location = "the tavern"

	out := Merge(ws, &Delta{})
	assert.Equal(t, "the tavern", out.Location)

	out = Merge(ws, &Delta{Location: strPtr("the docks")})
	assert.Equal(t, "the docks", out.Location)
}

func TestMergeRelationshipsClamp(t *testing.T) {
	ws := store.EmptyWorldState()
	ws.Relationships["Mira"] = 95

	out := Merge(ws, &Delta{RelationshipChanges: map[string]int{
		"Mira":  20,   // clamps at 100
		"Joren": -100, // new: 50 - 100 clamps at 0
		"Tam":   -10,  // new: 50 - 10
	}})

	assert.Equal(t, 100, out.Relationships["Mira"])
	assert.Equal(t, 0, out.Relationships["Joren"])
	assert.Equal(t, 40, out.Relationships["Tam"])
}

func TestDeltaIsNoop(t *testing.T) {
	assert.True(t, (*Delta)(nil).IsNoop())
	assert.True(t, (&Delta{}).IsNoop())
	assert.False(t, (&Delta{Location: strPtr("somewhere")}).IsNoop())
}

func TestDescribeEmpty(t *testing.T) {
	assert.Equal(t, "(no tracked state yet)", Describe(store.EmptyWorldState()))
}
