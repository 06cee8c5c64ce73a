// Package tree maintains the branching message structure of a
// conversation: sibling groups created by regeneration, the single active
// path through them, and the world-state snapshots that make branch
// switches reproducible.
package tree

import (
	"fmt"
	"sort"
	"time"

	"github.com/loomchat/goloom/internal/store"
	"github.com/loomchat/goloom/pkg/worldstate"
)

// Manager holds one conversation's message tree in memory. Mutations mark
// touched nodes dirty; Flush writes them back in one batch. Not safe for
// concurrent use.
type Manager struct {
	conversationID string
	nodes          map[string]*store.Message
	children       map[string][]string // parentID ("" = root) -> child ids
	dirty          map[string]bool
	deleted        []string

	worldState store.WorldState
	stateDirty bool
}

// Load builds a manager from the conversation's persisted messages.
func Load(s store.Storer, conversationID string) (*Manager, error) {
	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return nil, fmt.Errorf("tree: load conversation: %w", err)
	}
	if conv == nil {
		return nil, fmt.Errorf("tree: conversation %s not found", conversationID)
	}
	msgs, err := s.GetConversationMessages(conversationID)
	if err != nil {
		return nil, fmt.Errorf("tree: load messages: %w", err)
	}

	m := &Manager{
		conversationID: conversationID,
		nodes:          make(map[string]*store.Message, len(msgs)),
		children:       make(map[string][]string),
		dirty:          make(map[string]bool),
		worldState:     conv.WorldState,
	}
	for _, msg := range msgs {
		m.nodes[msg.ID] = msg
	}
	m.rebuildChildren()
	return m, nil
}

// NewManager starts an empty tree for a fresh conversation.
func NewManager(conversationID string) *Manager {
	return &Manager{
		conversationID: conversationID,
		nodes:          make(map[string]*store.Message),
		children:       make(map[string][]string),
		dirty:          make(map[string]bool),
		worldState:     store.EmptyWorldState(),
	}
}

func (m *Manager) rebuildChildren() {
	m.children = make(map[string][]string)
	for id, msg := range m.nodes {
		m.children[msg.ParentID] = append(m.children[msg.ParentID], id)
	}
	for parent := range m.children {
		m.sortSiblings(parent)
	}
}

// sortSiblings keeps creation order, which defines prev/next navigation.
func (m *Manager) sortSiblings(parentID string) {
	ids := m.children[parentID]
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := m.nodes[ids[i]], m.nodes[ids[j]]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.MessageOrder < b.MessageOrder
	})
}

// WorldState returns the conversation's current state.
func (m *Manager) WorldState() store.WorldState {
	return m.worldState
}

// Get returns a node or nil.
func (m *Manager) Get(id string) *store.Message {
	return m.nodes[id]
}

// AddMessage inserts a node under its ParentID, deactivating whichever
// sibling was active so the one-active-child invariant holds. An unknown
// parent is a no-op.
func (m *Manager) AddMessage(msg *store.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	if msg.ParentID != "" && m.nodes[msg.ParentID] == nil {
		return
	}

	for _, sibID := range m.children[msg.ParentID] {
		sib := m.nodes[sibID]
		if sib.IsActiveBranch {
			sib.IsActiveBranch = false
			m.dirty[sibID] = true
		}
	}

	msg.ConversationID = m.conversationID
	msg.IsActiveBranch = true
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	m.nodes[msg.ID] = msg
	m.children[msg.ParentID] = append(m.children[msg.ParentID], msg.ID)
	m.sortSiblings(msg.ParentID)
	m.dirty[msg.ID] = true
}

// DeleteMessage removes a node and its entire subtree. If the node was the
// active child, the first remaining sibling by creation order takes over
// and the world state is restored from the new active path. Unknown ids
// are no-ops.
func (m *Manager) DeleteMessage(id string) {
	msg := m.nodes[id]
	if msg == nil {
		return
	}
	wasActive := msg.IsActiveBranch
	parentID := msg.ParentID

	m.removeSubtree(id)

	if wasActive {
		siblings := m.children[parentID]
		if len(siblings) > 0 {
			next := m.nodes[siblings[0]]
			if !next.IsActiveBranch {
				next.IsActiveBranch = true
				m.dirty[next.ID] = true
			}
		}
		m.restoreWorldState()
	}
}

func (m *Manager) removeSubtree(id string) {
	for _, child := range append([]string(nil), m.children[id]...) {
		m.removeSubtree(child)
	}
	msg := m.nodes[id]
	delete(m.nodes, id)
	delete(m.children, id)
	delete(m.dirty, id)
	m.deleted = append(m.deleted, id)

	sibs := m.children[msg.ParentID]
	for i, sid := range sibs {
		if sid == id {
			m.children[msg.ParentID] = append(sibs[:i], sibs[i+1:]...)
			break
		}
	}
}

// NavigateToSibling moves the active flag to the previous (dir < 0) or
// next (dir > 0) sibling in creation order, then restores world state from
// the resulting active path. Out-of-range moves and unknown ids are no-ops.
func (m *Manager) NavigateToSibling(id string, dir int) {
	msg := m.nodes[id]
	if msg == nil || dir == 0 {
		return
	}

	siblings := m.children[msg.ParentID]
	pos := -1
	for i, sid := range siblings {
		if sid == id {
			pos = i
			break
		}
	}
	target := pos + dir
	if pos < 0 || target < 0 || target >= len(siblings) {
		return
	}

	for _, sid := range siblings {
		sib := m.nodes[sid]
		active := sid == siblings[target]
		if sib.IsActiveBranch != active {
			sib.IsActiveBranch = active
			m.dirty[sid] = true
		}
	}
	m.restoreWorldState()
}

// UpdateWorldState merges a delta into the current state and snapshots the
// result onto the newest active node. A no-op delta writes nothing.
func (m *Manager) UpdateWorldState(delta *worldstate.Delta) {
	if delta.IsNoop() {
		return
	}
	m.worldState = worldstate.Merge(m.worldState, delta)
	m.stateDirty = true

	path := m.ActivePath()
	if len(path) == 0 {
		return
	}
	leaf := path[len(path)-1]
	snap := m.worldState.Clone()
	leaf.WorldStateSnapshot = &snap
	leaf.UpdatedAt = time.Now().UnixMilli()
	m.dirty[leaf.ID] = true
}

// ActivePath returns the active chain from the root to its leaf,
// chronological order. The root-level active node anchors the walk.
func (m *Manager) ActivePath() []*store.Message {
	var path []*store.Message
	parent := ""
	for {
		var next *store.Message
		for _, id := range m.children[parent] {
			if m.nodes[id].IsActiveBranch {
				next = m.nodes[id]
				break
			}
		}
		if next == nil {
			return path
		}
		path = append(path, next)
		parent = next.ID
	}
}

// ActivePathIDs returns the active lineage as message ids.
func (m *Manager) ActivePathIDs() []string {
	path := m.ActivePath()
	ids := make([]string, len(path))
	for i, msg := range path {
		ids[i] = msg.ID
	}
	return ids
}

// PathTo returns the chain from the root down to the given node in
// chronological order, regardless of which branch is active. Unknown ids
// (including "") yield nil.
func (m *Manager) PathTo(id string) []*store.Message {
	var path []*store.Message
	for cur := m.nodes[id]; cur != nil; cur = m.nodes[cur.ParentID] {
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// restoreWorldState walks the active path from its newest node backward to
// the first snapshot, defaulting to empty state when no node carries one.
func (m *Manager) restoreWorldState() {
	path := m.ActivePath()
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].WorldStateSnapshot != nil {
			m.worldState = path[i].WorldStateSnapshot.Clone()
			m.stateDirty = true
			return
		}
	}
	m.worldState = store.EmptyWorldState()
	m.stateDirty = true
}

// Flush writes dirty nodes, deletions, and the conversation state back to
// the store.
func (m *Manager) Flush(s store.Storer) error {
	for _, id := range m.deleted {
		if err := s.DeleteMessage(id); err != nil {
			return fmt.Errorf("tree: delete message %s: %w", id, err)
		}
	}
	m.deleted = nil

	if len(m.dirty) > 0 {
		batch := make([]*store.Message, 0, len(m.dirty))
		for id := range m.dirty {
			if msg := m.nodes[id]; msg != nil {
				batch = append(batch, msg)
			}
		}
		sort.Slice(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
		if err := s.PutMessages(batch); err != nil {
			return fmt.Errorf("tree: flush messages: %w", err)
		}
		m.dirty = make(map[string]bool)
	}

	if m.stateDirty {
		conv, err := s.GetConversation(m.conversationID)
		if err != nil {
			return fmt.Errorf("tree: load conversation for flush: %w", err)
		}
		if conv != nil {
			conv.WorldState = m.worldState
			conv.UpdatedAt = time.Now().UnixMilli()
			if err := s.UpdateConversation(conv); err != nil {
				return fmt.Errorf("tree: flush world state: %w", err)
			}
		}
		m.stateDirty = false
	}
	return nil
}
