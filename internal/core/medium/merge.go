package medium

import (
	"context"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// Outcome is the result of running a merge.
type Outcome int

const (
	// OutcomeSucceeded means data was merged and the merged-away images are gone.
	OutcomeSucceeded Outcome = iota
	// OutcomeFailed means nothing irreversible happened.
	OutcomeFailed
	// OutcomeUnknownInterrupted means the merge stopped after data was moved;
	// whether it completed has to be decided by looking at the source image.
	OutcomeUnknownInterrupted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeUnknownInterrupted:
		return "unknown_interrupted"
	default:
		return "invalid"
	}
}

// MergePlan is a prepared merge between two media of one chain.
type MergePlan struct {
	// Source is merged into Target and disappears afterwards, together with
	// every medium between them.
	Source *Medium
	Target *Medium

	// Forward is set when Source is an ancestor of Target.
	Forward bool

	// ParentForTarget is Target's parent after a forward merge.
	ParentForTarget *Medium

	// ChildrenToReparent are Source's children, moved to Target after a
	// backward merge. Entries are write locks.
	ChildrenToReparent *LockList

	// Locks covers the chain from its root down to the lower of Source and
	// Target.
	Locks *LockList

	// chain holds Source, Target and the media between them, root first.
	chain     []*Medium
	deleted   []*Medium
	committed bool
}

// Deleted returns the media that disappear when the merge commits, root first.
func (p *MergePlan) Deleted() []*Medium {
	return append([]*Medium(nil), p.deleted...)
}

// Committed reports whether CommitMerge ran.
func (p *MergePlan) Committed() bool { return p.committed }

// PrepareMergeTo checks that source can be merged into target, builds the
// lock lists and marks every medium that will disappear for deletion. With
// lockMedia the lock lists are locked too; otherwise the caller is expected
// to lock them, or to fold them into a list it already holds.
func (r *Registry) PrepareMergeTo(source, target *Medium, lockMedia bool) (*MergePlan, error) {
	if source == nil || target == nil || source == target {
		return nil, domain.ErrInvalidArgument.WithDetails("merge needs two distinct media")
	}

	r.treeMu.Lock()
	plan, err := r.planLocked(source, target)
	r.treeMu.Unlock()
	if err != nil {
		return nil, err
	}

	if lockMedia {
		if err := plan.Locks.Lock(); err != nil {
			return nil, err
		}
		if err := plan.ChildrenToReparent.Lock(); err != nil {
			_ = plan.Locks.Unlock()
			return nil, err
		}
	}

	for i, m := range plan.deleted {
		if err := m.MarkForDeletion(); err != nil {
			for j := 0; j < i; j++ {
				_ = plan.deleted[j].UnmarkForDeletion()
			}
			if lockMedia {
				_ = plan.ChildrenToReparent.Unlock()
				_ = plan.Locks.Unlock()
			}
			return nil, err
		}
	}
	return plan, nil
}

func (r *Registry) planLocked(source, target *Medium) (*MergePlan, error) {
	for _, m := range []*Medium{source, target} {
		if _, ok := r.byID[m.id]; !ok {
			return nil, domain.ErrMediumNotFound.WithDetails(m.location)
		}
	}

	plan := &MergePlan{Source: source, Target: target, ChildrenToReparent: NewLockList()}

	// Walk up from the lower medium until the upper one is found.
	var upper, lower *Medium
	switch {
	case isAncestorLocked(source, target):
		plan.Forward, upper, lower = true, source, target
	case isAncestorLocked(target, source):
		upper, lower = target, source
	default:
		return nil, domain.ErrMediumNotInChain.WithDetailsf("%s and %s", source.location, target.location)
	}
	var chain []*Medium
	for cur := lower; ; cur = cur.parent {
		chain = append([]*Medium{cur}, chain...)
		if cur == upper {
			break
		}
	}
	plan.chain = chain

	if plan.Forward {
		plan.deleted = chain[:len(chain)-1]
		plan.ParentForTarget = source.parent
	} else {
		plan.deleted = chain[1:]
	}

	for i := 1; i < len(chain)-1; i++ {
		if chain[i].InUse() {
			return nil, domain.ErrMediumLocked.WithDetailsf("%s is attached to a machine", chain[i].location)
		}
	}
	for i := 0; i < len(chain)-1; i++ {
		if len(chain[i].children) != 1 {
			return nil, domain.ErrAmbiguousChain.WithDetailsf("%s has %d children", chain[i].location, len(chain[i].children))
		}
	}

	locks := NewLockList()
	for cur := upper.parent; cur != nil; cur = cur.parent {
		locks.Prepend(cur, false)
	}
	for _, m := range chain {
		e := locks.Append(m, true)
		e.allowDeleting = m != target
	}
	plan.Locks = locks

	if !plan.Forward {
		for _, c := range source.children {
			plan.ChildrenToReparent.Append(c, true)
		}
	}
	return plan, nil
}

func isAncestorLocked(ancestor, m *Medium) bool {
	for cur := m.parent; cur != nil; cur = cur.parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// CancelMergeTo undoes PrepareMergeTo for a plan that was not committed.
// Locks are released only with releaseLocks; callers that folded the plan
// into another list restore that list themselves.
func (r *Registry) CancelMergeTo(plan *MergePlan, releaseLocks bool) {
	if plan == nil || plan.committed {
		return
	}
	for _, m := range plan.deleted {
		if m.MarkedForDeletion() {
			_ = m.UnmarkForDeletion()
		}
	}
	if releaseLocks {
		_ = plan.ChildrenToReparent.Unlock()
		_ = plan.Locks.Unlock()
	}
}

// RunMerge moves the data and rewrites parent links on the backend, then
// deletes the merged-away images. It does not touch the graph; call
// CommitMerge afterwards. Failures before any image is deleted report
// OutcomeFailed; later ones OutcomeUnknownInterrupted.
func (r *Registry) RunMerge(ctx context.Context, plan *MergePlan, progress func(int)) (Outcome, error) {
	io := MergeIO{
		Target:    plan.Target.location,
		Overwrite: !plan.Forward,
		Progress:  progress,
	}
	if plan.Forward {
		for i := len(plan.chain) - 2; i >= 0; i-- {
			io.Sources = append(io.Sources, plan.chain[i].location)
		}
	} else {
		for i := 1; i < len(plan.chain); i++ {
			io.Sources = append(io.Sources, plan.chain[i].location)
		}
	}

	if err := r.backend.Merge(ctx, io); err != nil {
		return OutcomeFailed, domain.ErrMergeFailed.WithDetailsf("%s into %s", plan.Source.location, plan.Target.location).WithCause(err)
	}

	if plan.Forward {
		parent := ""
		if plan.ParentForTarget != nil {
			parent = plan.ParentForTarget.location
		}
		if err := r.backend.Reparent(ctx, plan.Target.location, parent); err != nil {
			return OutcomeFailed, domain.ErrMediumIO.WithDetailsf("reparent %s", plan.Target.location).WithCause(err)
		}
	} else {
		for _, e := range plan.ChildrenToReparent.entries {
			if err := r.backend.Reparent(ctx, e.medium.location, plan.Target.location); err != nil {
				return OutcomeFailed, domain.ErrMediumIO.WithDetailsf("reparent %s", e.medium.location).WithCause(err)
			}
		}
	}

	// Source goes last so that its absence means every other image is gone too.
	order := make([]*Medium, 0, len(plan.deleted))
	for _, m := range plan.deleted {
		if m != plan.Source {
			order = append(order, m)
		}
	}
	order = append(order, plan.Source)
	for _, m := range order {
		if err := r.backend.Delete(ctx, m.location); err != nil {
			return OutcomeUnknownInterrupted, domain.ErrMediumIO.WithDetailsf("delete merged image %s", m.location).WithCause(err)
		}
	}

	if err := r.RefreshSize(plan.Target); err != nil {
		r.logger.Warn("cannot refresh medium size", "medium_id", plan.Target.id, "error", err)
	}
	return OutcomeSucceeded, nil
}

// CommitMerge applies a finished merge to the graph and unregisters the
// merged-away media. Calling it again is a no-op.
func (r *Registry) CommitMerge(ctx context.Context, plan *MergePlan) {
	if plan.committed {
		return
	}

	var changed []*Medium
	r.treeMu.Lock()
	if plan.Forward {
		t := plan.Target
		if t.parent != nil {
			t.parent.children = removeMedium(t.parent.children, t)
		}
		t.parent = plan.ParentForTarget
		if t.parent != nil {
			t.parent.children = append(t.parent.children, t)
		}
		changed = append(changed, t)
	} else {
		t := plan.Target
		for _, e := range plan.ChildrenToReparent.entries {
			c := e.medium
			if c.parent != nil {
				c.parent.children = removeMedium(c.parent.children, c)
			}
			c.parent = t
			t.children = append(t.children, c)
			changed = append(changed, c)
		}
	}
	for _, m := range plan.deleted {
		m.children = nil
		r.unregisterLocked(m)
	}
	plan.committed = true
	r.treeMu.Unlock()

	for _, m := range plan.deleted {
		r.forget(ctx, m)
	}
	for _, m := range changed {
		r.notifyChanged(ctx, m)
	}
	r.logger.Info("merge committed",
		"source", plan.Source.location,
		"target", plan.Target.location,
		"forward", plan.Forward,
		"deleted", len(plan.deleted))
}

// MergeTo runs an offline merge prepared with locked media. On success the
// graph is committed and every lock of the plan released. On failure
// nothing is released; the caller either commits (when it can prove the
// merge finished) or cancels.
func (r *Registry) MergeTo(ctx context.Context, plan *MergePlan, progress func(int)) (Outcome, error) {
	if plan.committed {
		return OutcomeSucceeded, nil
	}
	outcome, err := r.RunMerge(ctx, plan, progress)
	if outcome != OutcomeSucceeded {
		return outcome, err
	}
	r.CommitMerge(ctx, plan)
	r.ReleaseMergeLocks(plan)
	return OutcomeSucceeded, nil
}

// ReleaseMergeLocks drops the locks of a committed offline merge.
func (r *Registry) ReleaseMergeLocks(plan *MergePlan) {
	for _, m := range plan.deleted {
		_ = plan.Locks.Remove(m)
	}
	_ = plan.ChildrenToReparent.Unlock()
	_ = plan.Locks.Unlock()
}

// FinishOnlineMerge commits a merge the VM ran on its own lock list and
// brings that list back to shape: merged-away media leave it, the new leaf
// keeps a write lock and everything above is read-locked.
func (r *Registry) FinishOnlineMerge(ctx context.Context, plan *MergePlan, vmLocks *LockList) error {
	r.CommitMerge(ctx, plan)
	for _, m := range plan.deleted {
		if vmLocks.Contains(m.id) {
			_ = vmLocks.Remove(m)
		}
	}
	_ = plan.ChildrenToReparent.Unlock()

	entries := vmLocks.Entries()
	var first error
	for i, e := range entries {
		if err := e.UpdateLock(i == len(entries)-1); err != nil && first == nil {
			first = err
		}
	}
	return first
}
