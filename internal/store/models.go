// Package store provides SQLite-backed persistence for goloom.
// This is the unified data layer behind the memory engine: conversations,
// branching messages, world facts, summaries, and lorebooks.
package store

// Character is a roleplay character card (import/export lives elsewhere;
// the engine only needs the prompt-relevant fields).
type Character struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	Persona      string `json:"persona"`
	SystemPrompt string `json:"systemPrompt"` // template with {{char}}/{{user}}/{{worldstate}}/{{lorebook}}
	PostHistory  string `json:"postHistory"`  // trailing instructions, appended after history
	LorebookID   string `json:"lorebookId,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

// WorldState is the mutable structured summary attached to a conversation
// and snapshotted onto tree nodes. Mutated only through worldstate.Merge or
// explicit user edits.
type WorldState struct {
	Inventory     []string          `json:"inventory"`
	Location      string            `json:"location"`
	Relationships map[string]int    `json:"relationships"` // name -> 0..100, 50 = neutral
	CustomState   map[string]string `json:"customState,omitempty"`
}

// EmptyWorldState returns a zero-value state with allocated containers.
func EmptyWorldState() WorldState {
	return WorldState{
		Inventory:     []string{},
		Relationships: map[string]int{},
	}
}

// Clone deep-copies a world state so snapshots don't alias live maps.
func (w WorldState) Clone() WorldState {
	out := WorldState{
		Inventory:     make([]string, len(w.Inventory)),
		Location:      w.Location,
		Relationships: make(map[string]int, len(w.Relationships)),
	}
	copy(out.Inventory, w.Inventory)
	for k, v := range w.Relationships {
		out.Relationships[k] = v
	}
	if w.CustomState != nil {
		out.CustomState = make(map[string]string, len(w.CustomState))
		for k, v := range w.CustomState {
			out.CustomState[k] = v
		}
	}
	return out
}

// IsEmpty reports whether the state carries no information.
func (w WorldState) IsEmpty() bool {
	return len(w.Inventory) == 0 && w.Location == "" &&
		len(w.Relationships) == 0 && len(w.CustomState) == 0
}

// Conversation owns a message tree and the current world state for its
// active branch.
type Conversation struct {
	ID          string     `json:"id"`
	CharacterID string     `json:"characterId"`
	Title       string     `json:"title"`
	WorldState  WorldState `json:"worldState"`
	CreatedAt   int64      `json:"createdAt"`
	UpdatedAt   int64      `json:"updatedAt"`
}

// Message is a node in the branching conversation tree.
//
// Among all messages sharing a non-empty ParentID, exactly one has
// IsActiveBranch set — that invariant is owned by tree.Manager, the store
// just persists it.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	ParentID       string `json:"parentId,omitempty"` // empty = root
	Role           string `json:"role"`               // "user", "assistant", "system"
	Content        string `json:"content"`
	Thought        string `json:"thought,omitempty"` // chain-of-thought, hidden from prompts by default
	IsActiveBranch bool   `json:"isActiveBranch"`
	MessageOrder   int    `json:"messageOrder"`
	RegenIndex     int    `json:"regenerationIndex"` // 0 = original reply, N = Nth regenerate

	// WorldStateSnapshot is written lazily, only on the latest active node
	// of a branch. Nil for most nodes.
	WorldStateSnapshot *WorldState `json:"worldStateSnapshot,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// WorldFact is an atomic, independently retrievable statement extracted
// from a turn. Embedding lives in the vec0 sidecar table, keyed by ID.
type WorldFact struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversationId"`
	Fact            string    `json:"fact"`
	Category        string    `json:"category"`   // event|relationship|item|location|lore|consequence|dialogue|<custom>
	Importance      int       `json:"importance"` // 1..10
	Active          bool      `json:"active"`     // false once superseded by a merge
	RelatedEntities []string  `json:"relatedEntities"`
	BranchPath      []string  `json:"branchPath,omitempty"` // message id lineage
	Embedding       []float32 `json:"embedding,omitempty"`
	Timestamp       int64     `json:"timestamp"`
	LastAccessedAt  int64     `json:"lastAccessedAt"`
	AccessCount     int       `json:"accessCount"`
}

// MemorySummary is one node of the hierarchical summary pyramid.
// Level 0 covers a raw message chunk, level 1 groups level-0 summaries,
// level 2 is an arc summary over level-1 children.
type MemorySummary struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversationId"`
	Level          int      `json:"level"`
	StartOrder     int      `json:"startOrder"` // messageOrder range covered
	EndOrder       int      `json:"endOrder"`
	Content        string   `json:"content"`
	KeyFacts       []string `json:"keyFacts,omitempty"`
	ChildIDs       []string `json:"childIds,omitempty"`
	CreatedAt      int64    `json:"createdAt"`
}

// Lorebook is a character-owned set of keyword-triggered entries.
type Lorebook struct {
	ID          string `json:"id"`
	CharacterID string `json:"characterId"`
	Name        string `json:"name"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// LorebookEntry is a single keyword-triggered knowledge entry.
type LorebookEntry struct {
	ID         string   `json:"id"`
	LorebookID string   `json:"lorebookId"`
	Keys       []string `json:"keys"`
	Content    string   `json:"content"`
	Enabled    bool     `json:"enabled"`
	Priority   int      `json:"priority"`           // higher wins ties
	Category   string   `json:"category,omitempty"`
	Position   string   `json:"position,omitempty"` // insertion position hint
	Source     string   `json:"source"`             // "user" | "extraction"
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

// LorebookAudit is one immutable history record for an entry mutation.
// Edits and deletes link back to the superseded record via PreviousEntryID.
type LorebookAudit struct {
	ID              string `json:"id"`
	LorebookID      string `json:"lorebookId"`
	EntryID         string `json:"entryId"`
	PreviousEntryID string `json:"previousEntryId,omitempty"`
	Action          string `json:"action"`   // "append" | "edit" | "delete"
	Actor           string `json:"actor"`    // "user" | "extraction"
	Snapshot        string `json:"snapshot"` // JSON of the entry at mutation time
	CreatedAt       int64  `json:"createdAt"`
}

// FactNeighbor is a KNN search hit from the embedding sidecar.
type FactNeighbor struct {
	FactID   string
	Distance float64
}

// Storer defines the persistence boundary for the memory engine.
// SQLiteStore is the sole implementation.
type Storer interface {
	// Characters
	UpsertCharacter(c *Character) error
	GetCharacter(id string) (*Character, error)
	DeleteCharacter(id string) error
	ListCharacters() ([]*Character, error)

	// Conversations
	CreateConversation(c *Conversation) error
	GetConversation(id string) (*Conversation, error)
	UpdateConversation(c *Conversation) error
	// DeleteConversation cascades to messages, facts, and summaries.
	DeleteConversation(id string) error
	ListConversations(characterID string) ([]*Conversation, error)

	// Messages (tree nodes), indexed by conversation
	PutMessage(m *Message) error
	PutMessages(ms []*Message) error
	GetMessage(id string) (*Message, error)
	DeleteMessage(id string) error
	GetConversationMessages(conversationID string) ([]*Message, error)

	// World facts
	PutFact(f *WorldFact) error
	GetFact(id string) (*WorldFact, error)
	DeleteFact(id string) error
	GetConversationFacts(conversationID string) ([]*WorldFact, error)
	TouchFacts(ids []string, accessedAt int64) error
	SearchFactsByEmbedding(conversationID string, embedding []float32, k int) ([]FactNeighbor, error)

	// Memory summaries
	PutSummary(s *MemorySummary) error
	GetSummary(id string) (*MemorySummary, error)
	GetConversationSummaries(conversationID string) ([]*MemorySummary, error)

	// Lorebooks
	UpsertLorebook(lb *Lorebook) error
	GetLorebook(id string) (*Lorebook, error)
	PutLorebookEntry(e *LorebookEntry) error
	GetLorebookEntry(id string) (*LorebookEntry, error)
	DeleteLorebookEntry(id string) error
	GetLorebookEntries(lorebookID string) ([]*LorebookEntry, error)
	AppendLorebookAudit(a *LorebookAudit) error
	GetLorebookAudits(lorebookID string) ([]*LorebookAudit, error)

	// Settings (persisted counters and flags)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error

	// Lifecycle
	Close() error
}
