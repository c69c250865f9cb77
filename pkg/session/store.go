// Package session owns the conversation tree for one session: a directed
// tree of messages keyed by ID plus a current-leaf pointer. Appends descend
// from the current leaf; branching moves the pointer without deleting
// anything. The path (root → current leaf) is the LLM context.
//
// The store is mutated only by the session that owns it; a mutex guards
// against accidental concurrent calls (reads from RPC handlers, saves).
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/opal-dev/opal/pkg/ai"
)

// ErrNotFound reports a message ID absent from the tree.
var ErrNotFound = errors.New("not found")

// Store is the branching message tree for one session.
type Store struct {
	mu        sync.RWMutex
	id        string
	title     string
	cwd       string
	msgs      map[string]ai.Message
	children  map[string][]string // parent ID → child IDs, insertion order
	roots     []string            // parentless node IDs
	order     []string            // all node IDs, insertion order
	currentID string
}

// Node is one tree vertex as returned by Tree.
type Node struct {
	Message  ai.Message `json:"message"`
	Children []*Node    `json:"children"`
}

// New creates an empty store. Pass "" to get a fresh session ID.
func New(id, cwd string) *Store {
	if id == "" {
		id = uuid.NewString()
	}
	return &Store{
		id:       id,
		cwd:      cwd,
		msgs:     make(map[string]ai.Message),
		children: make(map[string][]string),
	}
}

func (s *Store) ID() string { return s.id }

func (s *Store) CWD() string { return s.cwd }

func (s *Store) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *Store) SetTitle(t string) {
	s.mu.Lock()
	s.title = t
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Append inserts m as a child of the current leaf and advances the leaf.
// m's ID is assigned when empty; its ParentID is always overwritten with
// the current leaf. The stored message is returned.
func (s *Store) Append(m ai.Message) (ai.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

// AppendMany appends msgs in order, each chained to the previous.
func (s *Store) AppendMany(msgs []ai.Message) ([]ai.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		stored, err := s.appendLocked(m)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (s *Store) appendLocked(m ai.Message) (ai.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, exists := s.msgs[m.ID]; exists {
		return ai.Message{}, fmt.Errorf("session: duplicate message id %q", m.ID)
	}
	if m.Role == ai.RoleToolResult && m.CallID != "" {
		if !s.callKnownLocked(m.CallID) {
			return ai.Message{}, fmt.Errorf("session: tool_result references unknown call id %q", m.CallID)
		}
	}

	m.ParentID = s.currentID
	s.msgs[m.ID] = m
	s.order = append(s.order, m.ID)
	if m.ParentID == "" {
		s.roots = append(s.roots, m.ID)
	} else {
		s.children[m.ParentID] = append(s.children[m.ParentID], m.ID)
	}
	s.currentID = m.ID
	return m, nil
}

// callKnownLocked walks the current path looking for an assistant message
// carrying callID.
func (s *Store) callKnownLocked(callID string) bool {
	for id := s.currentID; id != ""; {
		m, ok := s.msgs[id]
		if !ok {
			return false
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == callID {
				return true
			}
		}
		id = m.ParentID
	}
	return false
}

// Branch moves the current leaf to an existing node; subsequent appends
// fork from there. Branching to the current leaf is a no-op. Nothing is
// deleted.
func (s *Store) Branch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.currentID {
		return nil
	}
	if _, ok := s.msgs[id]; !ok {
		return fmt.Errorf("session: branch target %q: %w", id, ErrNotFound)
	}
	s.currentID = id
	return nil
}

// ReplacePathSegment atomically removes oldIDs, which must form a
// contiguous prefix of the current path, and inserts summary in their
// place. Children of removed nodes that survive are re-parented onto the
// summary node. The path suffix younger than the cut is untouched.
func (s *Store) ReplacePathSegment(oldIDs []string, summary ai.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(oldIDs) == 0 {
		return fmt.Errorf("session: empty replacement segment")
	}
	path := s.pathIDsLocked()
	if len(oldIDs) > len(path) {
		return fmt.Errorf("session: segment longer than path")
	}
	for i, id := range oldIDs {
		if path[i] != id {
			return fmt.Errorf("session: segment is not a prefix of the current path (at %d: %q != %q)", i, id, path[i])
		}
	}

	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if _, exists := s.msgs[summary.ID]; exists {
		return fmt.Errorf("session: duplicate message id %q", summary.ID)
	}

	removed := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		removed[id] = true
	}

	// The segment starts at the path root, so the summary becomes a root.
	summary.ParentID = s.msgs[oldIDs[0]].ParentID

	// Collect surviving children of removed nodes before mutating.
	var orphans []string
	for _, id := range oldIDs {
		for _, child := range s.children[id] {
			if !removed[child] {
				orphans = append(orphans, child)
			}
		}
	}

	for _, id := range oldIDs {
		delete(s.msgs, id)
		delete(s.children, id)
	}
	s.order = filterIDs(s.order, removed)
	s.roots = filterIDs(s.roots, removed)

	s.msgs[summary.ID] = summary
	s.order = append(s.order, summary.ID)
	if summary.ParentID == "" {
		s.roots = append(s.roots, summary.ID)
	} else {
		s.children[summary.ParentID] = append(s.children[summary.ParentID], summary.ID)
	}

	for _, child := range orphans {
		m := s.msgs[child]
		m.ParentID = summary.ID
		s.msgs[child] = m
		s.children[summary.ID] = append(s.children[summary.ID], child)
	}

	if removed[s.currentID] {
		s.currentID = summary.ID
	}
	return nil
}

func filterIDs(ids []string, drop map[string]bool) []string {
	out := ids[:0]
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// CurrentID returns the current leaf ID, or "" for an empty session.
func (s *Store) CurrentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// Get returns the message with the given ID.
func (s *Store) Get(id string) (ai.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.msgs[id]
	return m, ok
}

// Len returns the number of messages in the tree.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// Path returns the walk from root to the current leaf. This is the LLM
// context.
func (s *Store) Path() []ai.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.pathIDsLocked()
	out := make([]ai.Message, len(ids))
	for i, id := range ids {
		out[i] = s.msgs[id]
	}
	return out
}

func (s *Store) pathIDsLocked() []string {
	var rev []string
	for id := s.currentID; id != ""; {
		m, ok := s.msgs[id]
		if !ok {
			break
		}
		rev = append(rev, id)
		id = m.ParentID
	}
	out := make([]string, len(rev))
	for i, id := range rev {
		out[len(rev)-1-i] = id
	}
	return out
}

// PathIDs returns the IDs along the current path, root first.
func (s *Store) PathIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathIDsLocked()
}

// Tree returns the full directed structure, roots first.
func (s *Store) Tree() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Node, 0, len(s.roots))
	for _, id := range s.roots {
		out = append(out, s.nodeLocked(id))
	}
	return out
}

func (s *Store) nodeLocked(id string) *Node {
	n := &Node{Message: s.msgs[id]}
	for _, child := range s.children[id] {
		n.Children = append(n.Children, s.nodeLocked(child))
	}
	return n
}

// All returns every message in insertion order.
func (s *Store) All() []ai.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ai.Message, len(s.order))
	for i, id := range s.order {
		out[i] = s.msgs[id]
	}
	return out
}

// sortedIDs is used by tests to compare trees ignoring insertion order.
func (s *Store) sortedIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}
