package snaptree

import (
	"strings"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// DefaultMaxDepth is the deepest chain of snapshots a machine may have.
const DefaultMaxDepth = 250

type nodeState int

const (
	nodeReady nodeState = iota
	nodeClosing
)

type node struct {
	snap     *domain.Snapshot
	parent   uuid.UUID
	children []uuid.UUID
	state    nodeState
}

// Tree is the snapshot tree of a single machine.
type Tree struct {
	nodes    map[uuid.UUID]*node
	first    uuid.UUID
	current  uuid.UUID
	modified bool
	maxDepth int
}

// Option configures a Tree.
type Option func(*Tree)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(depth int) Option {
	return func(t *Tree) {
		if depth > 0 {
			t.maxDepth = depth
		}
	}
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		nodes:    make(map[uuid.UUID]*node),
		maxDepth: DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of snapshots.
func (t *Tree) Len() int { return len(t.nodes) }

// MaxDepth returns the configured depth limit.
func (t *Tree) MaxDepth() int { return t.maxDepth }

// FirstID returns the root snapshot id, or uuid.Nil for an empty tree.
func (t *Tree) FirstID() uuid.UUID { return t.first }

// CurrentID returns the current snapshot id, or uuid.Nil.
func (t *Tree) CurrentID() uuid.UUID { return t.current }

// First returns the root snapshot, or nil.
func (t *Tree) First() *domain.Snapshot { return t.snapshot(t.first) }

// Current returns the current snapshot, or nil.
func (t *Tree) Current() *domain.Snapshot { return t.snapshot(t.current) }

// CurrentStateModified reports whether the current state differs from the
// current snapshot.
func (t *Tree) CurrentStateModified() bool { return t.modified }

// SetCurrentStateModified sets the current-state-modified flag.
func (t *Tree) SetCurrentStateModified(modified bool) { t.modified = modified }

// SetCurrent moves the current snapshot pointer. uuid.Nil clears it.
func (t *Tree) SetCurrent(id uuid.UUID) error {
	if id != uuid.Nil {
		if _, ok := t.nodes[id]; !ok {
			return domain.ErrSnapshotNotFound.WithDetails(id.String())
		}
	}
	t.current = id
	return nil
}

// Get returns the snapshot with the given id.
func (t *Tree) Get(id uuid.UUID) (*domain.Snapshot, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, domain.ErrSnapshotNotFound.WithDetails(id.String())
	}
	return n.snap, nil
}

// Contains reports whether id is in the tree.
func (t *Tree) Contains(id uuid.UUID) bool {
	_, ok := t.nodes[id]
	return ok
}

// ParentID returns the parent id of a snapshot (uuid.Nil for the root or
// an unknown id).
func (t *Tree) ParentID(id uuid.UUID) uuid.UUID {
	if n, ok := t.nodes[id]; ok {
		return n.parent
	}
	return uuid.Nil
}

// Parent returns the parent snapshot, or nil.
func (t *Tree) Parent(id uuid.UUID) *domain.Snapshot {
	return t.snapshot(t.ParentID(id))
}

// Children returns the children of a snapshot in insertion order.
func (t *Tree) Children(id uuid.UUID) []*domain.Snapshot {
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	out := make([]*domain.Snapshot, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, t.nodes[c].snap)
	}
	return out
}

// FirstChild returns the first child of a snapshot, or nil.
func (t *Tree) FirstChild(id uuid.UUID) *domain.Snapshot {
	n, ok := t.nodes[id]
	if !ok || len(n.children) == 0 {
		return nil
	}
	return t.snapshot(n.children[0])
}

// ChildrenCount returns the number of direct children.
func (t *Tree) ChildrenCount(id uuid.UUID) int {
	if n, ok := t.nodes[id]; ok {
		return len(n.children)
	}
	return 0
}

// DescendantCount returns the number of snapshots below id.
func (t *Tree) DescendantCount(id uuid.UUID) int {
	n, ok := t.nodes[id]
	if !ok {
		return 0
	}
	count := len(n.children)
	for _, c := range n.children {
		count += t.DescendantCount(c)
	}
	return count
}

// Depth returns the number of snapshots on the path from id to the root,
// both ends included; the root has depth 1 and an unknown id 0.
func (t *Tree) Depth(id uuid.UUID) int {
	depth := 0
	for cur := id; cur != uuid.Nil; {
		n, ok := t.nodes[cur]
		if !ok {
			break
		}
		depth++
		cur = n.parent
	}
	return depth
}

// CheckDepth fails with ErrInvalidObjectState when another snapshot on top
// of the current one would exceed the depth limit.
func (t *Tree) CheckDepth() error {
	if t.current == uuid.Nil {
		return nil
	}
	if depth := t.Depth(t.current); depth >= t.maxDepth {
		return domain.ErrInvalidObjectState.WithDetailsf(
			"cannot take another snapshot, maximum depth of %d reached", t.maxDepth)
	}
	return nil
}

// FindByName returns the first snapshot named name in pre-order from the root.
func (t *Tree) FindByName(name string) (*domain.Snapshot, error) {
	var found *domain.Snapshot
	t.Walk(func(s *domain.Snapshot, _ int) bool {
		if s.Name == name {
			found = s
			return false
		}
		return true
	})
	if found == nil {
		return nil, domain.ErrSnapshotNotFound.WithDetailsf("name %q", name)
	}
	return found, nil
}

// Walk visits snapshots in pre-order starting at the root. depth starts at 1.
// Returning false from fn stops the walk.
func (t *Tree) Walk(fn func(s *domain.Snapshot, depth int) bool) {
	if t.first == uuid.Nil {
		return
	}
	t.walk(t.first, 1, fn)
}

func (t *Tree) walk(id uuid.UUID, depth int, fn func(*domain.Snapshot, int) bool) bool {
	n := t.nodes[id]
	if !fn(n.snap, depth) {
		return false
	}
	for _, c := range n.children {
		if !t.walk(c, depth+1, fn) {
			return false
		}
	}
	return true
}

// Insert adds snap below parentID. A uuid.Nil parent is only allowed for
// the first snapshot of an empty tree.
func (t *Tree) Insert(snap *domain.Snapshot, parentID uuid.UUID) error {
	if snap == nil || snap.ID == uuid.Nil {
		return domain.ErrMissingArgument.WithDetails("snapshot")
	}
	if _, exists := t.nodes[snap.ID]; exists {
		return domain.ErrInvalidArgument.WithDetailsf("snapshot %s already in tree", snap.ID)
	}

	if parentID == uuid.Nil {
		if len(t.nodes) != 0 {
			return domain.ErrInvalidObjectState.WithDetails("tree already has a root snapshot")
		}
		t.nodes[snap.ID] = &node{snap: snap}
		t.first = snap.ID
		return nil
	}

	parent, ok := t.nodes[parentID]
	if !ok {
		return domain.ErrSnapshotNotFound.WithDetails(parentID.String())
	}
	t.nodes[snap.ID] = &node{snap: snap, parent: parentID}
	parent.children = append(parent.children, snap.ID)
	return nil
}

// Deparent removes id from its parent's children and clears its parent.
// It is a no-op for the root or an unknown id.
func (t *Tree) Deparent(id uuid.UUID) {
	n, ok := t.nodes[id]
	if !ok || n.parent == uuid.Nil {
		return
	}
	if parent, ok := t.nodes[n.parent]; ok {
		parent.children = removeID(parent.children, id)
	}
	n.parent = uuid.Nil
}

// BeginDelete detaches id from the structure so it can be removed: the
// surviving child, if any, takes its place under the former parent. The
// first and current pointers follow. Snapshots with more than one child
// cannot be deleted.
func (t *Tree) BeginDelete(id uuid.UUID) error {
	n, ok := t.nodes[id]
	if !ok {
		return domain.ErrSnapshotNotFound.WithDetails(id.String())
	}
	if len(n.children) > 1 {
		return domain.ErrInvalidObjectState.WithDetailsf(
			"snapshot %q has %d child snapshots, only one is allowed", n.snap.Name, len(n.children))
	}

	if t.current == id {
		t.current = n.parent
		// The current state no longer sits on top of a copy of itself.
		t.modified = true
	}
	if t.first == id {
		t.first = uuid.Nil
		if len(n.children) == 1 {
			t.first = n.children[0]
		}
	}

	for _, c := range n.children {
		child := t.nodes[c]
		child.parent = n.parent
		if parent, ok := t.nodes[n.parent]; ok {
			parent.children = append(parent.children, c)
		}
	}
	n.children = nil
	n.state = nodeClosing
	return nil
}

// Remove deparents id and drops it from the table. The node must not have
// children left (call BeginDelete first).
func (t *Tree) Remove(id uuid.UUID) (*domain.Snapshot, error) {
	n, ok := t.nodes[id]
	if !ok {
		return nil, domain.ErrSnapshotNotFound.WithDetails(id.String())
	}
	if len(n.children) != 0 {
		return nil, domain.ErrInvalidObjectState.WithDetailsf("snapshot %q still has children", n.snap.Name)
	}
	t.Deparent(id)
	delete(t.nodes, id)
	if t.first == id {
		t.first = uuid.Nil
	}
	if t.current == id {
		t.current = uuid.Nil
	}
	return n.snap, nil
}

// UninitSubtree tears down id and every snapshot below it, children before
// parents. fn is called once per snapshot before its node is dropped; nodes
// already being torn down are skipped. It returns the snapshots removed.
func (t *Tree) UninitSubtree(id uuid.UUID, fn func(*domain.Snapshot)) []*domain.Snapshot {
	if _, ok := t.nodes[id]; !ok {
		return nil
	}

	// Breadth-first collection, then teardown in reverse so leaves go first.
	order := []uuid.UUID{id}
	for i := 0; i < len(order); i++ {
		order = append(order, t.nodes[order[i]].children...)
	}

	parentOfRoot := t.nodes[id].parent
	var removed []*domain.Snapshot
	for i := len(order) - 1; i >= 0; i-- {
		n, ok := t.nodes[order[i]]
		if !ok || n.state != nodeReady {
			continue
		}
		n.state = nodeClosing
		if fn != nil {
			fn(n.snap)
		}
		t.Deparent(order[i])
		delete(t.nodes, order[i])
		removed = append(removed, n.snap)
	}

	if !t.Contains(t.first) {
		t.first = uuid.Nil
	}
	if !t.Contains(t.current) {
		t.current = uuid.Nil
		if t.Contains(parentOfRoot) {
			t.current = parentOfRoot
		}
	}
	return removed
}

// SharesSavedStateFile reports whether any snapshot other than ignore
// references path as its saved-state file.
func (t *Tree) SharesSavedStateFile(path string, ignore uuid.UUID) bool {
	if path == "" {
		return false
	}
	for id, n := range t.nodes {
		if id != ignore && n.snap.StateFile() == path {
			return true
		}
	}
	return false
}

// UpdateSavedStatePaths rewrites saved-state paths starting with oldPrefix.
func (t *Tree) UpdateSavedStatePaths(oldPrefix, newPrefix string) int {
	return t.rewritePaths(oldPrefix, newPrefix, func(m *domain.SnapshotMachine) *string { return &m.StateFile })
}

// UpdateNVRAMPaths rewrites NVRAM paths starting with oldPrefix.
func (t *Tree) UpdateNVRAMPaths(oldPrefix, newPrefix string) int {
	return t.rewritePaths(oldPrefix, newPrefix, func(m *domain.SnapshotMachine) *string { return &m.NVRAMFile })
}

func (t *Tree) rewritePaths(oldPrefix, newPrefix string, field func(*domain.SnapshotMachine) *string) int {
	if oldPrefix == "" {
		return 0
	}
	changed := 0
	for _, n := range t.nodes {
		if n.snap.Machine == nil {
			continue
		}
		p := field(n.snap.Machine)
		if strings.HasPrefix(*p, oldPrefix) {
			*p = newPrefix + strings.TrimPrefix(*p, oldPrefix)
			changed++
		}
	}
	return changed
}

func (t *Tree) snapshot(id uuid.UUID) *domain.Snapshot {
	if n, ok := t.nodes[id]; ok {
		return n.snap
	}
	return nil
}

func removeID(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	for i, c := range ids {
		if c == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
