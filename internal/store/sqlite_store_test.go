package store

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore()
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConversationCascadeDelete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	conv := &Conversation{
		ID:          "c1",
		CharacterID: "char1",
		Title:       "Test",
		WorldState:  EmptyWorldState(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.CreateConversation(conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	msg := &Message{
		ID: "m1", ConversationID: "c1", Role: "user", Content: "hello",
		IsActiveBranch: true, MessageOrder: 0, CreatedAt: now,
	}
	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}

	fact := &WorldFact{
		ID: "f1", ConversationID: "c1", Fact: "The warrior found a sword",
		Category: "item", Importance: 5, Active: true,
		RelatedEntities: []string{"Warrior", "Sword"},
		Timestamp:       now, LastAccessedAt: now,
	}
	if err := s.PutFact(fact); err != nil {
		t.Fatalf("PutFact failed: %v", err)
	}

	sum := &MemorySummary{
		ID: "s1", ConversationID: "c1", Level: 0, StartOrder: 0, EndOrder: 9,
		Content: "summary", CreatedAt: now,
	}
	if err := s.PutSummary(sum); err != nil {
		t.Fatalf("PutSummary failed: %v", err)
	}

	if err := s.DeleteConversation("c1"); err != nil {
		t.Fatalf("DeleteConversation failed: %v", err)
	}

	msgs, err := s.GetConversationMessages("c1")
	if err != nil {
		t.Fatalf("GetConversationMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected 0 messages after cascade, got %d", len(msgs))
	}

	facts, _ := s.GetConversationFacts("c1")
	if len(facts) != 0 {
		t.Errorf("Expected 0 facts after cascade, got %d", len(facts))
	}

	sums, _ := s.GetConversationSummaries("c1")
	if len(sums) != 0 {
		t.Errorf("Expected 0 summaries after cascade, got %d", len(sums))
	}
}

func TestMessageSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	ws := EmptyWorldState()
	ws.Inventory = []string{"Magical Sword"}
	ws.Location = "Ruined Keep"
	ws.Relationships["Mira"] = 72

	msg := &Message{
		ID: "m1", ConversationID: "c1", Role: "assistant", Content: "story text",
		IsActiveBranch: true, MessageOrder: 3, RegenIndex: 1,
		WorldStateSnapshot: &ws, CreatedAt: now,
	}
	if err := s.PutMessage(msg); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}

	got, err := s.GetMessage("m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.WorldStateSnapshot == nil {
		t.Fatal("snapshot not persisted")
	}
	if got.WorldStateSnapshot.Location != "Ruined Keep" {
		t.Errorf("Expected location 'Ruined Keep', got %q", got.WorldStateSnapshot.Location)
	}
	if got.WorldStateSnapshot.Relationships["Mira"] != 72 {
		t.Errorf("Expected relationship 72, got %d", got.WorldStateSnapshot.Relationships["Mira"])
	}
	if got.RegenIndex != 1 {
		t.Errorf("Expected regen index 1, got %d", got.RegenIndex)
	}
}

func TestFactAccessTracking(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	fact := &WorldFact{
		ID: "f1", ConversationID: "c1", Fact: "Mira betrayed the guild",
		Category: "event", Importance: 9, Active: true,
		Timestamp: now, LastAccessedAt: now,
	}
	if err := s.PutFact(fact); err != nil {
		t.Fatalf("PutFact failed: %v", err)
	}

	later := now + 1000
	if err := s.TouchFacts([]string{"f1"}, later); err != nil {
		t.Fatalf("TouchFacts failed: %v", err)
	}
	if err := s.TouchFacts([]string{"f1"}, later+1000); err != nil {
		t.Fatalf("TouchFacts failed: %v", err)
	}

	got, err := s.GetFact("f1")
	if err != nil {
		t.Fatalf("GetFact failed: %v", err)
	}
	if got.AccessCount != 2 {
		t.Errorf("Expected access count 2, got %d", got.AccessCount)
	}
	if got.LastAccessedAt != later+1000 {
		t.Errorf("Expected lastAccessedAt %d, got %d", later+1000, got.LastAccessedAt)
	}
}

func TestFactEmbeddingSearch(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	mkEmbedding := func(seed float32) []float32 {
		e := make([]float32, EmbeddingDim)
		for i := range e {
			e[i] = seed
		}
		e[0] = 1
		return e
	}

	for i, seed := range []float32{0.01, 0.5} {
		f := &WorldFact{
			ID:             string(rune('a' + i)),
			ConversationID: "c1",
			Fact:           "fact",
			Category:       "lore",
			Importance:     5,
			Active:         true,
			Embedding:      mkEmbedding(seed),
			Timestamp:      now,
			LastAccessedAt: now,
		}
		if err := s.PutFact(f); err != nil {
			t.Fatalf("PutFact failed: %v", err)
		}
	}

	hits, err := s.SearchFactsByEmbedding("c1", mkEmbedding(0.011), 2)
	if err != nil {
		t.Fatalf("SearchFactsByEmbedding failed: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Expected 2 hits, got %d", len(hits))
	}
	if hits[0].FactID != "a" {
		t.Errorf("Expected nearest neighbor 'a', got %q", hits[0].FactID)
	}

	// Foreign conversation sees nothing.
	hits, err = s.SearchFactsByEmbedding("c2", mkEmbedding(0.011), 2)
	if err != nil {
		t.Fatalf("SearchFactsByEmbedding failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits in foreign conversation, got %d", len(hits))
	}
}

func TestLorebookAuditTrail(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UnixMilli()

	lb := &Lorebook{ID: "lb1", CharacterID: "char1", Name: "World", CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertLorebook(lb); err != nil {
		t.Fatalf("UpsertLorebook failed: %v", err)
	}

	entry := &LorebookEntry{
		ID: "e1", LorebookID: "lb1", Keys: []string{"sword"},
		Content: "The sword of dawn.", Enabled: true, Priority: 2,
		Source: "extraction", CreatedAt: now, UpdatedAt: now,
	}
	if err := s.PutLorebookEntry(entry); err != nil {
		t.Fatalf("PutLorebookEntry failed: %v", err)
	}

	audit := &LorebookAudit{
		ID: "a1", LorebookID: "lb1", EntryID: "e1", Action: "append",
		Actor: "extraction", CreatedAt: now,
	}
	if err := s.AppendLorebookAudit(audit); err != nil {
		t.Fatalf("AppendLorebookAudit failed: %v", err)
	}

	audits, err := s.GetLorebookAudits("lb1")
	if err != nil {
		t.Fatalf("GetLorebookAudits failed: %v", err)
	}
	if len(audits) != 1 || audits[0].Action != "append" {
		t.Errorf("Audit trail mismatch: %+v", audits)
	}

	entries, err := s.GetLorebookEntries("lb1")
	if err != nil {
		t.Fatalf("GetLorebookEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Keys[0] != "sword" {
		t.Errorf("Entry round-trip mismatch: %+v", entries)
	}
}

func TestSettingsCounter(t *testing.T) {
	s := newTestStore(t)

	v, err := s.GetSetting("lorebook_turns")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if v != "" {
		t.Errorf("Expected empty value for missing key, got %q", v)
	}

	if err := s.SetSetting("lorebook_turns", "7"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	v, _ = s.GetSetting("lorebook_turns")
	if v != "7" {
		t.Errorf("Expected '7', got %q", v)
	}
}
