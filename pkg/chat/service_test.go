package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/facts"
	"github.com/loomchat/goloom/pkg/provider"
	"github.com/loomchat/goloom/pkg/summary"
	"github.com/loomchat/goloom/pkg/tasks"
	"github.com/loomchat/goloom/pkg/token"
	"github.com/loomchat/goloom/pkg/tree"
)

// scriptedClient routes by system prompt so one fake serves the chat call,
// the analyst, and the extractor.
type scriptedClient struct {
	lastChatPayload []provider.Message
}

func (c *scriptedClient) Complete(ctx context.Context, messages []provider.Message, p provider.Params) (string, error) {
	system := ""
	if len(messages) > 0 && messages[0].Role == "system" {
		system = messages[0].Content
	}
	switch {
	case strings.Contains(system, "world-state analyst"):
		return `{"inventory_add":["iron key"],"inventory_remove":[],"location":"the vault","relationship_changes":{"Mira":5}}`, nil
	case strings.Contains(system, "fact extraction"):
		return `{"facts":[{"fact":"The vault under the guildhall holds the iron key","category":"location","importance":6,"entities":["Vault","Iron Key"]}]}`, nil
	case strings.Contains(system, "summarizer"):
		return `{"summary":"They broke into the vault.","key_facts":[]}`, nil
	default:
		c.lastChatPayload = messages
		return `*The vault door groans open.* "After you," Mira whispers.`, nil
	}
}

func (c *scriptedClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, store.EmbeddingDim)
	vec[0] = 1
	return vec, nil
}

func newFixture(t *testing.T) (*Service, *scriptedClient, store.Storer, *tasks.Queue) {
	t.Helper()
	st, err := store.NewSQLiteStore()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := &scriptedClient{}
	queue := tasks.NewQueue(32)
	factSvc := facts.NewService(st, client, facts.Config{})
	svc := NewService(st, client, factSvc, summary.NewService(st, client), queue, Config{
		Models:   []string{"anthropic/claude-sonnet-4"},
		UserName: "Rin",
		Budget:   token.Budget{MaxContextTokens: 8192, MaxOutputTokens: 512},
	})
	return svc, client, st, queue
}

func seedCharacter(t *testing.T, st store.Storer) *store.Character {
	t.Helper()
	char := &store.Character{
		ID:           "char1",
		Name:         "Mira",
		SystemPrompt: "You are {{char}}, a thief, talking to {{user}}.\n\nState:\n{{worldstate}}\n\nLore:\n{{lorebook}}",
		PostHistory:  "Stay in character as {{char}}.",
	}
	require.NoError(t, st.UpsertCharacter(char))
	return char
}

func TestSendMessagePersistsTurn(t *testing.T) {
	svc, client, st, queue := newFixture(t)
	seedCharacter(t, st)

	conv, err := svc.CreateConversation("char1", "heist")
	require.NoError(t, err)

	userTurn := `*I kneel at the vault door and work the picks into the lock, listening for the pins while Mira watches the corridor.* "Keep your voice down," I whisper. "The guild rotates its guards at midnight and we have maybe ten minutes before the next patrol sweeps this wing of the guildhall."`
	reply, err := svc.SendMessage(context.Background(), conv.ID, userTurn)
	require.NoError(t, err)
	assert.Equal(t, "assistant", reply.Role)
	assert.Contains(t, reply.Content, "vault door")

	msgs, err := st.GetConversationMessages(conv.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	// Template substitution reached the outgoing payload.
	system := client.lastChatPayload[0].Content
	assert.Contains(t, system, "You are Mira")
	assert.Contains(t, system, "talking to Rin")
	assert.NotContains(t, system, "{{char}}")

	// Post-history instruction rides as the trailing system message
	// before the model's turn.
	var sawPostHistory bool
	for _, m := range client.lastChatPayload {
		if m.Role == "system" && m.Content == "Stay in character as Mira." {
			sawPostHistory = true
		}
	}
	assert.True(t, sawPostHistory)

	// Drain the background pipeline, then check its writes.
	queue.Close()

	updated, err := st.GetConversation(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "the vault", updated.WorldState.Location)
	assert.Equal(t, []string{"iron key"}, updated.WorldState.Inventory)
	assert.Equal(t, 55, updated.WorldState.Relationships["Mira"])

	stored, err := st.GetConversationFacts(conv.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "location", stored[0].Category)
}

func TestRegenerateCreatesActiveSibling(t *testing.T) {
	svc, _, st, queue := newFixture(t)
	defer queue.Close()
	seedCharacter(t, st)

	conv, err := svc.CreateConversation("char1", "heist")
	require.NoError(t, err)
	first, err := svc.SendMessage(context.Background(), conv.ID, "I pick the lock on the vault door.")
	require.NoError(t, err)

	second, err := svc.Regenerate(context.Background(), conv.ID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ParentID, second.ParentID)
	assert.Equal(t, 1, second.RegenIndex)

	msgs, err := st.GetConversationMessages(conv.ID)
	require.NoError(t, err)
	activeReplies := 0
	for _, m := range msgs {
		if m.Role == "assistant" && m.IsActiveBranch {
			activeReplies++
			assert.Equal(t, second.ID, m.ID)
		}
	}
	assert.Equal(t, 1, activeReplies)
}

func TestRegeneratePayloadStopsAtParent(t *testing.T) {
	svc, client, st, queue := newFixture(t)
	defer queue.Close()
	seedCharacter(t, st)

	conv, err := svc.CreateConversation("char1", "heist")
	require.NoError(t, err)
	first, err := svc.SendMessage(context.Background(), conv.ID, "I pick the lock on the vault door.")
	require.NoError(t, err)

	_, err = svc.Regenerate(context.Background(), conv.ID, first.ID)
	require.NoError(t, err)

	// The reply being replaced must not appear anywhere in the payload;
	// the history has to end on the user turn it answered.
	var last provider.Message
	for _, m := range client.lastChatPayload {
		if m.Role != "system" {
			last = m
		}
		assert.NotContains(t, m.Content, "vault door groans open")
	}
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "I pick the lock on the vault door.", last.Content)
}

func TestAssembleMissingConversation(t *testing.T) {
	svc, _, _, queue := newFixture(t)
	defer queue.Close()

	_, err := svc.assembleFor(tree.NewManager("ghost"), "ghost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NotContains(t, err.Error(), "%!w")
}

func TestPreviewContextReportsBreakdown(t *testing.T) {
	svc, _, st, queue := newFixture(t)
	defer queue.Close()
	seedCharacter(t, st)

	conv, err := svc.CreateConversation("char1", "heist")
	require.NoError(t, err)
	_, err = svc.SendMessage(context.Background(), conv.ID, "I pick the lock on the vault door.")
	require.NoError(t, err)

	preview, err := svc.PreviewContext(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, preview.IncludedMessageCount)
	assert.Zero(t, preview.DroppedMessageCount)
	assert.Positive(t, preview.TokensByType["system"])
}
