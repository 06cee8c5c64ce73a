// Package store provides SQLite-backed persistence for goloom.
// Uses ncruces/go-sqlite3/driver which provides a database/sql interface;
// the sqlite-vec extension backs embedding KNN over world facts.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces"
	_ "github.com/ncruces/go-sqlite3/driver"
)

// EmbeddingDim is the fixed dimension of the fact embedding sidecar.
// vec0 virtual tables require a fixed dimension at creation time; embeddings
// of any other length are stored on the fact row but excluded from KNN.
const EmbeddingDim = 768

// SQLiteStore is the SQLite-backed data store.
// Thread-safe for concurrent access from background tasks.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// schema defines all tables for the memory engine data layer.
const schema = `
-- Characters
CREATE TABLE IF NOT EXISTS characters (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    persona TEXT,
    system_prompt TEXT,
    post_history TEXT,
    lorebook_id TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Conversations (world_state is a denormalized JSON copy for the active branch)
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    character_id TEXT NOT NULL,
    title TEXT,
    world_state TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_character ON conversations(character_id);

-- Messages: flat parent-pointer arena; children derived, never stored
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    parent_id TEXT,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    thought TEXT,
    is_active_branch INTEGER DEFAULT 0,
    message_order INTEGER NOT NULL,
    regen_index INTEGER DEFAULT 0,
    world_state_snapshot TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);

-- World facts
CREATE TABLE IF NOT EXISTS world_facts (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    fact TEXT NOT NULL,
    category TEXT NOT NULL,
    importance INTEGER NOT NULL,
    active INTEGER DEFAULT 1,
    related_entities TEXT,
    branch_path TEXT,
    embedding TEXT,
    timestamp INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL,
    access_count INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_facts_conversation ON world_facts(conversation_id);
CREATE INDEX IF NOT EXISTS idx_facts_category ON world_facts(category);

-- Memory summaries (hierarchical)
CREATE TABLE IF NOT EXISTS memory_summaries (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    level INTEGER NOT NULL,
    start_order INTEGER NOT NULL,
    end_order INTEGER NOT NULL,
    content TEXT NOT NULL,
    key_facts TEXT,
    child_ids TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON memory_summaries(conversation_id);

-- Lorebooks
CREATE TABLE IF NOT EXISTS lorebooks (
    id TEXT PRIMARY KEY,
    character_id TEXT NOT NULL,
    name TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lorebook_entries (
    id TEXT PRIMARY KEY,
    lorebook_id TEXT NOT NULL,
    keys TEXT NOT NULL,
    content TEXT NOT NULL,
    enabled INTEGER DEFAULT 1,
    priority INTEGER DEFAULT 0,
    category TEXT,
    position TEXT,
    source TEXT DEFAULT 'user',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lorebook_entries_book ON lorebook_entries(lorebook_id);

-- Lorebook history: append-only audit trail
CREATE TABLE IF NOT EXISTS lorebook_history (
    id TEXT PRIMARY KEY,
    lorebook_id TEXT NOT NULL,
    entry_id TEXT NOT NULL,
    previous_entry_id TEXT,
    action TEXT NOT NULL,
    actor TEXT NOT NULL,
    snapshot TEXT,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lorebook_history_book ON lorebook_history(lorebook_id);

-- Settings: persisted counters and flags
CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// vecSchema creates the embedding sidecar. Kept separate from schema because
// vec0 virtual tables don't support IF NOT EXISTS on all builds consistently
// with the rest of the DDL batch.
const vecSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS fact_vectors USING vec0(
    fact_id TEXT PRIMARY KEY,
    embedding FLOAT[768]
);
`

// NewSQLiteStore creates a new in-memory SQLite store.
func NewSQLiteStore() (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(":memory:")
}

// NewSQLiteStoreWithDSN creates a store with a specific data source name.
// Use ":memory:" for in-memory or a file path for persistent storage.
func NewSQLiteStoreWithDSN(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create schema: %w", err)
	}
	if _, err := db.Exec(vecSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to create vector table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// =============================================================================
// Character CRUD
// =============================================================================

// UpsertCharacter inserts or updates a character.
func (s *SQLiteStore) UpsertCharacter(c *Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO characters (id, name, description, persona, system_prompt, post_history,
			lorebook_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			persona = excluded.persona,
			system_prompt = excluded.system_prompt,
			post_history = excluded.post_history,
			lorebook_id = excluded.lorebook_id,
			updated_at = excluded.updated_at
	`, c.ID, c.Name, c.Description, c.Persona, c.SystemPrompt, c.PostHistory,
		c.LorebookID, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetCharacter retrieves a character by ID.
func (s *SQLiteStore) GetCharacter(id string) (*Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Character
	var description, persona, systemPrompt, postHistory, lorebookID sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, description, persona, system_prompt, post_history,
			lorebook_id, created_at, updated_at
		FROM characters WHERE id = ?
	`, id).Scan(&c.ID, &c.Name, &description, &persona, &systemPrompt, &postHistory,
		&lorebookID, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Description = description.String
	c.Persona = persona.String
	c.SystemPrompt = systemPrompt.String
	c.PostHistory = postHistory.String
	c.LorebookID = lorebookID.String
	return &c, nil
}

// DeleteCharacter removes a character by ID.
func (s *SQLiteStore) DeleteCharacter(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM characters WHERE id = ?", id)
	return err
}

// ListCharacters returns all characters ordered by name.
func (s *SQLiteStore) ListCharacters() ([]*Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, name, description, persona, system_prompt, post_history,
			lorebook_id, created_at, updated_at
		FROM characters ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Character
	for rows.Next() {
		var c Character
		var description, persona, systemPrompt, postHistory, lorebookID sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &description, &persona, &systemPrompt,
			&postHistory, &lorebookID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Description = description.String
		c.Persona = persona.String
		c.SystemPrompt = systemPrompt.String
		c.PostHistory = postHistory.String
		c.LorebookID = lorebookID.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// =============================================================================
// Conversation CRUD
// =============================================================================

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateJSON, err := json.Marshal(c.WorldState)
	if err != nil {
		return fmt.Errorf("store: failed to marshal world state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO conversations (id, character_id, title, world_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.CharacterID, c.Title, string(stateJSON), c.CreatedAt, c.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Conversation
	var title sql.NullString
	var stateJSON string
	err := s.db.QueryRow(`
		SELECT id, character_id, title, world_state, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&c.ID, &c.CharacterID, &title, &stateJSON, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.Title = title.String
	if err := json.Unmarshal([]byte(stateJSON), &c.WorldState); err != nil {
		c.WorldState = EmptyWorldState()
	}
	return &c, nil
}

// UpdateConversation updates title, world state, and updated_at.
func (s *SQLiteStore) UpdateConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stateJSON, err := json.Marshal(c.WorldState)
	if err != nil {
		return fmt.Errorf("store: failed to marshal world state: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE conversations SET title = ?, world_state = ?, updated_at = ?
		WHERE id = ?
	`, c.Title, string(stateJSON), c.UpdatedAt, c.ID)
	return err
}

// DeleteConversation removes a conversation and cascades to its messages,
// facts (including embedding sidecar rows), and summaries.
func (s *SQLiteStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`
		DELETE FROM fact_vectors WHERE fact_id IN
			(SELECT id FROM world_facts WHERE conversation_id = ?)
	`, id); err != nil {
		return err
	}
	for _, table := range []string{"world_facts", "memory_summaries", "messages"} {
		if _, err := s.db.Exec("DELETE FROM "+table+" WHERE conversation_id = ?", id); err != nil {
			return err
		}
	}
	_, err := s.db.Exec("DELETE FROM conversations WHERE id = ?", id)
	return err
}

// ListConversations returns conversations, optionally filtered by character.
func (s *SQLiteStore) ListConversations(characterID string) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if characterID != "" {
		rows, err = s.db.Query(`
			SELECT id, character_id, title, world_state, created_at, updated_at
			FROM conversations WHERE character_id = ? ORDER BY updated_at DESC
		`, characterID)
	} else {
		rows, err = s.db.Query(`
			SELECT id, character_id, title, world_state, created_at, updated_at
			FROM conversations ORDER BY updated_at DESC
		`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var title sql.NullString
		var stateJSON string
		if err := rows.Scan(&c.ID, &c.CharacterID, &title, &stateJSON,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Title = title.String
		if err := json.Unmarshal([]byte(stateJSON), &c.WorldState); err != nil {
			c.WorldState = EmptyWorldState()
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// =============================================================================
// Message CRUD
// =============================================================================

// PutMessage inserts or replaces a message row.
func (s *SQLiteStore) PutMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putMessageLocked(m)
}

// PutMessages writes a batch of messages in one transaction. Used by the
// tree manager's dirty-node flush.
func (s *SQLiteStore) PutMessages(ms []*Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, m := range ms {
		snapshot, err := marshalSnapshot(m.WorldStateSnapshot)
		if err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, conversation_id, parent_id, role, content, thought,
				is_active_branch, message_order, regen_index, world_state_snapshot,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				content = excluded.content,
				thought = excluded.thought,
				is_active_branch = excluded.is_active_branch,
				world_state_snapshot = excluded.world_state_snapshot,
				updated_at = excluded.updated_at
		`, m.ID, m.ConversationID, m.ParentID, m.Role, m.Content, m.Thought,
			boolToInt(m.IsActiveBranch), m.MessageOrder, m.RegenIndex, snapshot,
			m.CreatedAt, m.UpdatedAt); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) putMessageLocked(m *Message) error {
	snapshot, err := marshalSnapshot(m.WorldStateSnapshot)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, parent_id, role, content, thought,
			is_active_branch, message_order, regen_index, world_state_snapshot,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			thought = excluded.thought,
			is_active_branch = excluded.is_active_branch,
			world_state_snapshot = excluded.world_state_snapshot,
			updated_at = excluded.updated_at
	`, m.ID, m.ConversationID, m.ParentID, m.Role, m.Content, m.Thought,
		boolToInt(m.IsActiveBranch), m.MessageOrder, m.RegenIndex, snapshot,
		m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, conversation_id, parent_id, role, content, thought, is_active_branch,
			message_order, regen_index, world_state_snapshot, created_at, updated_at
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// DeleteMessage removes a single message row.
func (s *SQLiteStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM messages WHERE id = ?", id)
	return err
}

// GetConversationMessages returns all messages for a conversation ordered by
// creation time (sibling order within the tree follows creation order).
func (s *SQLiteStore) GetConversationMessages(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, parent_id, role, content, thought, is_active_branch,
			message_order, regen_index, world_state_snapshot, created_at, updated_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, message_order ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var parentID, thought, snapshot sql.NullString
	var active int
	var updatedAt sql.NullInt64

	if err := r.Scan(&m.ID, &m.ConversationID, &parentID, &m.Role, &m.Content, &thought,
		&active, &m.MessageOrder, &m.RegenIndex, &snapshot, &m.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	m.ParentID = parentID.String
	m.Thought = thought.String
	m.IsActiveBranch = active != 0
	if updatedAt.Valid {
		m.UpdatedAt = updatedAt.Int64
	}
	if snapshot.Valid && snapshot.String != "" {
		var ws WorldState
		if err := json.Unmarshal([]byte(snapshot.String), &ws); err == nil {
			m.WorldStateSnapshot = &ws
		}
	}
	return &m, nil
}

func marshalSnapshot(ws *WorldState) (any, error) {
	if ws == nil {
		return nil, nil
	}
	b, err := json.Marshal(ws)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal snapshot: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// World fact CRUD
// =============================================================================

// PutFact inserts or replaces a fact, syncing the embedding sidecar.
func (s *SQLiteStore) PutFact(f *WorldFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entities, _ := json.Marshal(f.RelatedEntities)
	branch, _ := json.Marshal(f.BranchPath)
	var embJSON any
	if len(f.Embedding) > 0 {
		b, err := json.Marshal(f.Embedding)
		if err != nil {
			return fmt.Errorf("store: failed to marshal embedding: %w", err)
		}
		embJSON = string(b)
	}

	_, err := s.db.Exec(`
		INSERT INTO world_facts (id, conversation_id, fact, category, importance, active,
			related_entities, branch_path, embedding, timestamp, last_accessed_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			fact = excluded.fact,
			category = excluded.category,
			importance = excluded.importance,
			active = excluded.active,
			related_entities = excluded.related_entities,
			branch_path = excluded.branch_path,
			embedding = excluded.embedding,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count
	`, f.ID, f.ConversationID, f.Fact, f.Category, f.Importance, boolToInt(f.Active),
		string(entities), string(branch), embJSON, f.Timestamp, f.LastAccessedAt, f.AccessCount)
	if err != nil {
		return err
	}

	// Sidecar sync: only fixed-dimension embeddings participate in KNN.
	if _, err := s.db.Exec("DELETE FROM fact_vectors WHERE fact_id = ?", f.ID); err != nil {
		return err
	}
	if len(f.Embedding) == EmbeddingDim {
		_, err = s.db.Exec(`
			INSERT INTO fact_vectors (fact_id, embedding) VALUES (?, vec_f32(?))
		`, f.ID, embJSON)
	}
	return err
}

// GetFact retrieves a fact by ID.
func (s *SQLiteStore) GetFact(id string) (*WorldFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, conversation_id, fact, category, importance, active, related_entities,
			branch_path, embedding, timestamp, last_accessed_at, access_count
		FROM world_facts WHERE id = ?
	`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// DeleteFact removes a fact and its sidecar row.
func (s *SQLiteStore) DeleteFact(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM fact_vectors WHERE fact_id = ?", id); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM world_facts WHERE id = ?", id)
	return err
}

// GetConversationFacts returns all facts for a conversation, newest first.
func (s *SQLiteStore) GetConversationFacts(conversationID string) ([]*WorldFact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, fact, category, importance, active, related_entities,
			branch_path, embedding, timestamp, last_accessed_at, access_count
		FROM world_facts WHERE conversation_id = ? ORDER BY timestamp DESC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorldFact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TouchFacts bumps access tracking for retrieved facts.
func (s *SQLiteStore) TouchFacts(ids []string, accessedAt int64) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	args := make([]any, 0, len(ids)+1)
	args = append(args, accessedAt)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(`
		UPDATE world_facts
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)
	`, args...)
	return err
}

// SearchFactsByEmbedding runs a KNN query over the vec0 sidecar and filters
// hits to the given conversation. k is the neighbor count after filtering.
func (s *SQLiteStore) SearchFactsByEmbedding(conversationID string, embedding []float32, k int) ([]FactNeighbor, error) {
	if len(embedding) != EmbeddingDim || k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("store: failed to marshal query embedding: %w", err)
	}

	// Over-fetch: vec0 KNN can't pre-filter by conversation, so grab extra
	// neighbors and drop foreign ones after the join.
	rows, err := s.db.Query(`
		SELECT v.fact_id, v.distance
		FROM (
			SELECT fact_id, distance FROM fact_vectors
			WHERE embedding MATCH vec_f32(?) AND k = ?
		) v
		JOIN world_facts f ON f.id = v.fact_id
		WHERE f.conversation_id = ?
		ORDER BY v.distance
	`, string(query), k*4, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FactNeighbor
	for rows.Next() {
		var n FactNeighbor
		if err := rows.Scan(&n.FactID, &n.Distance); err != nil {
			return nil, err
		}
		out = append(out, n)
		if len(out) >= k {
			break
		}
	}
	return out, rows.Err()
}

func scanFact(r rowScanner) (*WorldFact, error) {
	var f WorldFact
	var active int
	var entities, branch, emb sql.NullString

	if err := r.Scan(&f.ID, &f.ConversationID, &f.Fact, &f.Category, &f.Importance,
		&active, &entities, &branch, &emb, &f.Timestamp, &f.LastAccessedAt,
		&f.AccessCount); err != nil {
		return nil, err
	}
	f.Active = active != 0
	if entities.Valid && entities.String != "" {
		json.Unmarshal([]byte(entities.String), &f.RelatedEntities)
	}
	if branch.Valid && branch.String != "" {
		json.Unmarshal([]byte(branch.String), &f.BranchPath)
	}
	if emb.Valid && emb.String != "" {
		json.Unmarshal([]byte(emb.String), &f.Embedding)
	}
	return &f, nil
}

// =============================================================================
// Memory summary CRUD
// =============================================================================

// PutSummary inserts or replaces a summary.
func (s *SQLiteStore) PutSummary(sum *MemorySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keyFacts, _ := json.Marshal(sum.KeyFacts)
	childIDs, _ := json.Marshal(sum.ChildIDs)

	_, err := s.db.Exec(`
		INSERT INTO memory_summaries (id, conversation_id, level, start_order, end_order,
			content, key_facts, child_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			key_facts = excluded.key_facts,
			child_ids = excluded.child_ids
	`, sum.ID, sum.ConversationID, sum.Level, sum.StartOrder, sum.EndOrder,
		sum.Content, string(keyFacts), string(childIDs), sum.CreatedAt)
	return err
}

// GetSummary retrieves a summary by ID.
func (s *SQLiteStore) GetSummary(id string) (*MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum MemorySummary
	var keyFacts, childIDs sql.NullString
	err := s.db.QueryRow(`
		SELECT id, conversation_id, level, start_order, end_order, content, key_facts,
			child_ids, created_at
		FROM memory_summaries WHERE id = ?
	`, id).Scan(&sum.ID, &sum.ConversationID, &sum.Level, &sum.StartOrder, &sum.EndOrder,
		&sum.Content, &keyFacts, &childIDs, &sum.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if keyFacts.Valid && keyFacts.String != "" {
		json.Unmarshal([]byte(keyFacts.String), &sum.KeyFacts)
	}
	if childIDs.Valid && childIDs.String != "" {
		json.Unmarshal([]byte(childIDs.String), &sum.ChildIDs)
	}
	return &sum, nil
}

// GetConversationSummaries returns summaries ordered by level then range.
func (s *SQLiteStore) GetConversationSummaries(conversationID string) ([]*MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, level, start_order, end_order, content, key_facts,
			child_ids, created_at
		FROM memory_summaries WHERE conversation_id = ?
		ORDER BY level DESC, start_order ASC
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*MemorySummary
	for rows.Next() {
		var sum MemorySummary
		var keyFacts, childIDs sql.NullString
		if err := rows.Scan(&sum.ID, &sum.ConversationID, &sum.Level, &sum.StartOrder,
			&sum.EndOrder, &sum.Content, &keyFacts, &childIDs, &sum.CreatedAt); err != nil {
			return nil, err
		}
		if keyFacts.Valid && keyFacts.String != "" {
			json.Unmarshal([]byte(keyFacts.String), &sum.KeyFacts)
		}
		if childIDs.Valid && childIDs.String != "" {
			json.Unmarshal([]byte(childIDs.String), &sum.ChildIDs)
		}
		out = append(out, &sum)
	}
	return out, rows.Err()
}

// =============================================================================
// Lorebook CRUD
// =============================================================================

// UpsertLorebook inserts or updates a lorebook.
func (s *SQLiteStore) UpsertLorebook(lb *Lorebook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO lorebooks (id, character_id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			updated_at = excluded.updated_at
	`, lb.ID, lb.CharacterID, lb.Name, lb.CreatedAt, lb.UpdatedAt)
	return err
}

// GetLorebook retrieves a lorebook by ID.
func (s *SQLiteStore) GetLorebook(id string) (*Lorebook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lb Lorebook
	var name sql.NullString
	err := s.db.QueryRow(`
		SELECT id, character_id, name, created_at, updated_at FROM lorebooks WHERE id = ?
	`, id).Scan(&lb.ID, &lb.CharacterID, &name, &lb.CreatedAt, &lb.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lb.Name = name.String
	return &lb, nil
}

// PutLorebookEntry inserts or replaces an entry.
func (s *SQLiteStore) PutLorebookEntry(e *LorebookEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, _ := json.Marshal(e.Keys)
	_, err := s.db.Exec(`
		INSERT INTO lorebook_entries (id, lorebook_id, keys, content, enabled, priority,
			category, position, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			keys = excluded.keys,
			content = excluded.content,
			enabled = excluded.enabled,
			priority = excluded.priority,
			category = excluded.category,
			position = excluded.position,
			updated_at = excluded.updated_at
	`, e.ID, e.LorebookID, string(keys), e.Content, boolToInt(e.Enabled), e.Priority,
		e.Category, e.Position, e.Source, e.CreatedAt, e.UpdatedAt)
	return err
}

// GetLorebookEntry retrieves an entry by ID.
func (s *SQLiteStore) GetLorebookEntry(id string) (*LorebookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, lorebook_id, keys, content, enabled, priority, category, position,
			source, created_at, updated_at
		FROM lorebook_entries WHERE id = ?
	`, id)
	e, err := scanLorebookEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// DeleteLorebookEntry removes an entry row. Callers are expected to append an
// audit record through the lorebook service; the store does not do it for them.
func (s *SQLiteStore) DeleteLorebookEntry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM lorebook_entries WHERE id = ?", id)
	return err
}

// GetLorebookEntries returns all entries for a lorebook, highest priority first.
func (s *SQLiteStore) GetLorebookEntries(lorebookID string) ([]*LorebookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, lorebook_id, keys, content, enabled, priority, category, position,
			source, created_at, updated_at
		FROM lorebook_entries WHERE lorebook_id = ? ORDER BY priority DESC, created_at ASC
	`, lorebookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LorebookEntry
	for rows.Next() {
		e, err := scanLorebookEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanLorebookEntry(r rowScanner) (*LorebookEntry, error) {
	var e LorebookEntry
	var keys string
	var enabled int
	var category, position, source sql.NullString

	if err := r.Scan(&e.ID, &e.LorebookID, &keys, &e.Content, &enabled, &e.Priority,
		&category, &position, &source, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Enabled = enabled != 0
	e.Category = category.String
	e.Position = position.String
	e.Source = source.String
	if keys != "" {
		json.Unmarshal([]byte(keys), &e.Keys)
	}
	return &e, nil
}

// AppendLorebookAudit appends one immutable history record.
func (s *SQLiteStore) AppendLorebookAudit(a *LorebookAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO lorebook_history (id, lorebook_id, entry_id, previous_entry_id,
			action, actor, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.LorebookID, a.EntryID, a.PreviousEntryID, a.Action, a.Actor,
		a.Snapshot, a.CreatedAt)
	return err
}

// GetLorebookAudits returns the audit trail for a lorebook, oldest first.
func (s *SQLiteStore) GetLorebookAudits(lorebookID string) ([]*LorebookAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, lorebook_id, entry_id, previous_entry_id, action, actor, snapshot, created_at
		FROM lorebook_history WHERE lorebook_id = ? ORDER BY created_at ASC
	`, lorebookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LorebookAudit
	for rows.Next() {
		var a LorebookAudit
		var prev, snapshot sql.NullString
		if err := rows.Scan(&a.ID, &a.LorebookID, &a.EntryID, &prev, &a.Action, &a.Actor,
			&snapshot, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.PreviousEntryID = prev.String
		a.Snapshot = snapshot.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

// =============================================================================
// Settings
// =============================================================================

// GetSetting reads a persisted setting; missing keys return "".
func (s *SQLiteStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting writes a persisted setting.
func (s *SQLiteStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// =============================================================================
// Helpers
// =============================================================================

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time interface check
var _ Storer = (*SQLiteStore)(nil)
