package merge

import (
	"context"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// LiveMedia gives access to the lock lists a running VM holds, keyed by
// attachment slot.
type LiveMedia interface {
	LockList(slot domain.AttachmentSlot) (*medium.LockList, bool)
}

// PlanInput describes the snapshot whose disks are planned.
type PlanInput struct {
	MachineID   uuid.UUID
	SnapshotID  uuid.UUID
	Attachments []domain.MediumAttachment

	// Live is set when the VM is running; its lock lists make online
	// merges possible.
	Live LiveMedia
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	Registry *medium.Registry
	Volumes  Volumes
	Logger   logger.Logger
}

// Planner turns a snapshot's attachments into DeleteRecs.
type Planner struct {
	reg     *medium.Registry
	volumes Volumes
	logger  logger.Logger
}

// NewPlanner creates a Planner. Volumes may be nil when the backend is not
// file based.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Planner{reg: cfg.Registry, volumes: cfg.Volumes, logger: cfg.Logger.With("component", "merge_planner")}
}

// Plan prepares every hard disk of the snapshot. The returned records
// include partially prepared ones when err is non-nil; pass them to
// Rollback.
func (p *Planner) Plan(ctx context.Context, in PlanInput) ([]*DeleteRec, error) {
	log := logger.L(ctx)
	var recs []*DeleteRec

	for _, att := range in.Attachments {
		if att.Type != domain.DeviceTypeHardDisk || att.MediumID == uuid.Nil {
			continue
		}
		hd, err := p.reg.Get(att.MediumID)
		if err != nil {
			return recs, err
		}
		if hd.Type().SkipsSnapshots() {
			continue
		}

		rec := &DeleteRec{
			MachineID:  in.MachineID,
			SnapshotID: in.SnapshotID,
			Attachment: att,
			Medium:     hd,
		}
		recs = append(recs, rec)
		if err := p.planDisk(rec, in.Live); err != nil {
			log.Warn("merge planning failed",
				"medium_id", hd.ID(), "slot", att.Slot().String(), "error", err)
			return recs, err
		}
		log.Debug("disk planned",
			"medium_id", hd.ID(), "action", rec.Action.String(),
			"direction", rec.Direction(), "mode", rec.Mode())
	}

	if err := p.checkSpace(recs); err != nil {
		return recs, err
	}
	return recs, nil
}

func (p *Planner) planDisk(rec *DeleteRec, live LiveMedia) error {
	hd := rec.Medium
	children := hd.Children()
	if len(children) > 1 {
		return domain.ErrAmbiguousChain.WithDetailsf("%s has %d children", hd.Location(), len(children))
	}

	if len(children) == 0 {
		p.dropBackRef(rec)
		if hd.Parent() == nil {
			return p.keep(rec)
		}
		if err := hd.MarkForDeletion(); err != nil {
			return err
		}
		rec.marked = true
		rec.Action = ActionDelete
		return nil
	}

	child := children[0]
	if hd.Parent() == nil {
		// A base image shared with another machine's differencing image
		// cannot be merged; it stays until detached everywhere.
		m1, _, ok1 := child.FirstMachineBackRef()
		m2, _, ok2 := hd.FirstMachineBackRef()
		if ok1 && ok2 && m1 != m2 {
			p.dropBackRef(rec)
			return p.keep(rec)
		}
		rec.Forward = false
	} else {
		forward, err := p.reg.QueryPreferredMergeDirection(hd, child)
		if err != nil {
			return err
		}
		rec.Forward = forward
	}
	rec.Action = ActionMerge
	if rec.Forward {
		rec.Source, rec.Target = hd, child
	} else {
		rec.Source, rec.Target = child, hd
	}

	p.dropBackRef(rec)

	var vmLocks *medium.LockList
	if live != nil {
		vmLocks, _ = live.LockList(rec.Attachment.Slot())
	}

	plan, err := p.reg.PrepareMergeTo(rec.Source, rec.Target, vmLocks == nil)
	if err != nil {
		return err
	}
	rec.Plan = plan
	if vmLocks == nil {
		return nil
	}

	// No conflicting access means the VM does not use these media; merge
	// them offline.
	if err := plan.Locks.Lock(); err == nil {
		if err := plan.ChildrenToReparent.Lock(); err != nil {
			return err
		}
		return nil
	}

	rec.Online = true
	rec.VMLocks = vmLocks
	if err := unify(rec, plan.Locks, vmLocks); err != nil {
		return err
	}
	if err := plan.ChildrenToReparent.LockExcluding(vmLocks); err != nil {
		return domain.ErrOnlineMergeNotPossible.WithCause(err)
	}

	if rec.Target.LogicalSize() < rec.Source.LogicalSize() {
		return domain.ErrTargetTooSmall.WithDetailsf(
			"%s must be at least %d bytes for an online merge", rec.Target.Location(), rec.Source.LogicalSize())
	}
	return nil
}

// unify folds the merge lock requirements into the VM's list. Every medium
// the merge needs must already be held by the VM; entries that need the
// exclusive lock are upgraded in place and remembered for rollback.
func unify(rec *DeleteRec, locks, vmLocks *medium.LockList) error {
	rec.vmPrev = make(map[uuid.UUID]bool)
	for _, e := range locks.Entries() {
		ve := vmLocks.Find(e.Medium().ID())
		if ve == nil {
			return domain.ErrOnlineMergeNotPossible.WithDetailsf("%s is not used by the running VM", e.Medium().Location())
		}
		if !e.Write() || ve.Write() {
			continue
		}
		if err := ve.UpdateLock(true); err != nil {
			return domain.ErrOnlineMergeNotPossible.WithCause(err)
		}
		rec.vmPrev[e.Medium().ID()] = false
	}
	return nil
}

func (p *Planner) keep(rec *DeleteRec) error {
	tok, err := rec.Medium.LockWriteToken()
	if err != nil {
		return err
	}
	rec.Token = tok
	rec.Action = ActionKeep
	return nil
}

func (p *Planner) dropBackRef(rec *DeleteRec) {
	if rec.Medium.RemoveBackReference(rec.MachineID, rec.SnapshotID) {
		rec.backRefRemoved = true
	}
}
