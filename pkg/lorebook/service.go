package lorebook

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomchat/goloom/internal/store"
)

// Service manages the entry lifecycle. Every mutation leaves an audit
// record so automated (extraction-sourced) changes stay reviewable.
type Service struct {
	store store.Storer
}

func NewService(s store.Storer) *Service {
	return &Service{store: s}
}

// AppendEntry adds a new entry and records an "append" audit.
func (s *Service) AppendEntry(e *store.LorebookEntry, actor string) error {
	if e.ID == "" {
		e.ID = generateID()
	}
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	if err := s.store.PutLorebookEntry(e); err != nil {
		return fmt.Errorf("lorebook: append entry: %w", err)
	}
	return s.audit(e, "append", actor, "")
}

// EditEntry overwrites an existing entry. The audit record links back to
// the previous audit for the same entry so its history forms a chain.
func (s *Service) EditEntry(e *store.LorebookEntry, actor string) error {
	prev, err := s.latestAuditID(e.LorebookID, e.ID)
	if err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UnixMilli()

	if err := s.store.PutLorebookEntry(e); err != nil {
		return fmt.Errorf("lorebook: edit entry: %w", err)
	}
	return s.audit(e, "edit", actor, prev)
}

// DeleteEntry removes an entry, recording its final state in the audit.
func (s *Service) DeleteEntry(lorebookID, entryID, actor string) error {
	e, err := s.store.GetLorebookEntry(entryID)
	if err != nil {
		return fmt.Errorf("lorebook: delete entry: %w", err)
	}
	if e == nil {
		return nil
	}
	prev, err := s.latestAuditID(lorebookID, entryID)
	if err != nil {
		return err
	}

	if err := s.store.DeleteLorebookEntry(entryID); err != nil {
		return fmt.Errorf("lorebook: delete entry: %w", err)
	}
	return s.audit(e, "delete", actor, prev)
}

// History returns the audit chain for one entry, oldest first.
func (s *Service) History(lorebookID, entryID string) ([]*store.LorebookAudit, error) {
	all, err := s.store.GetLorebookAudits(lorebookID)
	if err != nil {
		return nil, fmt.Errorf("lorebook: load audits: %w", err)
	}
	var out []*store.LorebookAudit
	for _, a := range all {
		if a.EntryID == entryID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) latestAuditID(lorebookID, entryID string) (string, error) {
	history, err := s.History(lorebookID, entryID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}
	return history[len(history)-1].ID, nil
}

func (s *Service) audit(e *store.LorebookEntry, action, actor, previousID string) error {
	snapshot, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("lorebook: snapshot entry: %w", err)
	}
	a := &store.LorebookAudit{
		ID:              generateID(),
		LorebookID:      e.LorebookID,
		EntryID:         e.ID,
		PreviousEntryID: previousID,
		Action:          action,
		Actor:           actor,
		Snapshot:        string(snapshot),
		CreatedAt:       time.Now().UnixMilli(),
	}
	if err := s.store.AppendLorebookAudit(a); err != nil {
		return fmt.Errorf("lorebook: record audit: %w", err)
	}
	return nil
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
