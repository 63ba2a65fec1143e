package snaptree

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// Records returns the tree in pre-order as persistable records.
func (t *Tree) Records() []domain.SnapshotRecord {
	out := make([]domain.SnapshotRecord, 0, len(t.nodes))
	t.Walk(func(s *domain.Snapshot, _ int) bool {
		n := t.nodes[s.ID]
		rec := domain.SnapshotRecord{Snapshot: *s, ParentID: n.parent}
		if s.Machine != nil {
			rec.Machine = s.Machine.Clone()
		}
		if len(n.children) > 0 {
			rec.Children = append([]uuid.UUID(nil), n.children...)
		}
		out = append(out, rec)
		return true
	})
	return out
}

// Load rebuilds a tree from records produced by Records. Records must be in
// an order where every parent precedes its children.
func Load(records []domain.SnapshotRecord, currentID uuid.UUID, opts ...Option) (*Tree, error) {
	t := New(opts...)
	for i := range records {
		rec := records[i]
		snap := rec.Snapshot
		if err := t.Insert(&snap, rec.ParentID); err != nil {
			return nil, fmt.Errorf("load snapshot %s: %w", rec.ID, err)
		}
	}
	if err := t.SetCurrent(currentID); err != nil {
		return nil, fmt.Errorf("load current snapshot: %w", err)
	}
	if err := t.Verify(); err != nil {
		return nil, err
	}
	return t, nil
}

// Verify checks the structural invariants: a single root reachable from
// every node, and parent/children links that agree with each other.
func (t *Tree) Verify() error {
	if len(t.nodes) == 0 {
		if t.first != uuid.Nil || t.current != uuid.Nil {
			return domain.ErrInvalidObjectState.WithDetails("empty tree with dangling first/current pointer")
		}
		return nil
	}
	root, ok := t.nodes[t.first]
	if !ok || root.parent != uuid.Nil {
		return domain.ErrInvalidObjectState.WithDetails("first snapshot is missing or has a parent")
	}
	if t.current != uuid.Nil && !t.Contains(t.current) {
		return domain.ErrInvalidObjectState.WithDetails("current snapshot is not in the tree")
	}

	listed := make(map[uuid.UUID]int, len(t.nodes))
	for id, n := range t.nodes {
		for _, c := range n.children {
			child, ok := t.nodes[c]
			if !ok {
				return domain.ErrInvalidObjectState.WithDetailsf("snapshot %s lists unknown child %s", id, c)
			}
			if child.parent != id {
				return domain.ErrInvalidObjectState.WithDetailsf("child %s does not point back at %s", c, id)
			}
			listed[c]++
		}
	}
	for id, n := range t.nodes {
		if id == t.first {
			if listed[id] != 0 {
				return domain.ErrInvalidObjectState.WithDetails("root is listed as a child")
			}
			continue
		}
		if listed[id] != 1 {
			return domain.ErrInvalidObjectState.WithDetailsf("snapshot %s is listed %d times", id, listed[id])
		}
		// Walk to the root; a cycle would exceed the node count.
		steps := 0
		for cur := n.parent; cur != t.first; steps++ {
			p, ok := t.nodes[cur]
			if !ok || steps > len(t.nodes) {
				return domain.ErrInvalidObjectState.WithDetailsf("snapshot %s does not reach the root", id)
			}
			cur = p.parent
		}
	}
	return nil
}
