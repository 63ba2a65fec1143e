package merge

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// OnlineMergeRequest asks a running VM to merge one of its disks.
type OnlineMergeRequest struct {
	Slot     domain.AttachmentSlot
	Plan     *medium.MergePlan
	Locks    *medium.LockList
	Progress func(percent int)
}

// Host is the machine side of a deletion: it owns the attachments the
// executor rewrites and the VM that runs online merges.
type Host interface {
	// DetachSnapshotMedium drops the attachment of mediumID from the
	// snapshot's machine configuration.
	DetachSnapshotMedium(snapshotID, mediumID uuid.UUID) bool

	// ReplaceMedium points attachments of oldID at newID, in the given
	// snapshot or, for uuid.Nil, in the current state.
	ReplaceMedium(snapshotID, oldID, newID uuid.UUID) bool

	// MarkModified persists the configuration after a disk committed.
	MarkModified(ctx context.Context) error

	// OnlineMerge runs the merge inside the VM and blocks until it ends.
	OnlineMerge(ctx context.Context, req OnlineMergeRequest) (medium.Outcome, error)
}

// Progress is the part of a task progress the executor reports to.
type Progress interface {
	SetNextOperation(desc string, weight int) error
	SetOperationPercent(percent int)
}

// Recorder observes merges.
type Recorder interface {
	MergeFinished(direction, mode, outcome string)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Registry *medium.Registry
	Recorder Recorder
	Logger   logger.Logger
}

// Executor runs planned DeleteRecs.
type Executor struct {
	reg      *medium.Registry
	recorder Recorder
	logger   logger.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Executor{reg: cfg.Registry, recorder: cfg.Recorder, logger: cfg.Logger.With("component", "merge_executor")}
}

// Weight returns the progress weight of a record: the source size in MiB
// for merges, one otherwise.
func Weight(rec *DeleteRec) int {
	if rec.Action != ActionMerge {
		return 1
	}
	w := int(rec.Source.Size() >> 20)
	if w < 1 {
		w = 1
	}
	return w
}

// Execute runs recs in order and stops at the first failure. Records
// before the failing one stay committed.
func (e *Executor) Execute(ctx context.Context, host Host, recs []*DeleteRec, progress Progress) error {
	for _, rec := range recs {
		if rec.committed {
			continue
		}
		if progress != nil {
			desc := fmt.Sprintf("Merging differencing image '%s'", rec.Medium.Name())
			if err := progress.SetNextOperation(desc, Weight(rec)); err != nil {
				return err
			}
		}
		if err := e.executeOne(ctx, host, rec, progress); err != nil {
			return err
		}
		rec.committed = true
		if err := host.MarkModified(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) executeOne(ctx context.Context, host Host, rec *DeleteRec, progress Progress) error {
	log := logger.L(ctx).With("medium_id", rec.Medium.ID(), "action", rec.Action.String())

	switch rec.Action {
	case ActionKeep:
		host.DetachSnapshotMedium(rec.SnapshotID, rec.Medium.ID())
		rec.Token.Abandon()
		return nil

	case ActionDelete:
		if err := e.reg.DeleteStorage(ctx, rec.Medium); err != nil {
			return err
		}
		rec.marked = false
		host.DetachSnapshotMedium(rec.SnapshotID, rec.Medium.ID())
		return nil
	}

	// Whoever uses the source now will use the target afterwards.
	sourceRefs := rec.Source.BackRefs()

	var report func(int)
	if progress != nil {
		report = progress.SetOperationPercent
	}

	var outcome medium.Outcome
	var err error
	if rec.Online {
		outcome, err = host.OnlineMerge(ctx, OnlineMergeRequest{
			Slot:     rec.Attachment.Slot(),
			Plan:     rec.Plan,
			Locks:    rec.VMLocks,
			Progress: report,
		})
	} else {
		outcome, err = e.reg.MergeTo(ctx, rec.Plan, report)
	}

	switch outcome {
	case medium.OutcomeSucceeded:
	case medium.OutcomeUnknownInterrupted:
		exists, xerr := e.reg.Exists(rec.Source)
		if xerr != nil || exists {
			e.record(rec, "failed")
			return failure(err, rec)
		}
		log.Warn("merge reported interruption but source is gone, committing",
			"source", rec.Source.Location(), "error", err)
		if rec.Online {
			if ferr := e.reg.FinishOnlineMerge(ctx, rec.Plan, rec.VMLocks); ferr != nil {
				log.Warn("failed to restore live lock list", "error", ferr)
			}
		} else {
			e.reg.CommitMerge(ctx, rec.Plan)
			e.reg.ReleaseMergeLocks(rec.Plan)
		}
	default:
		e.record(rec, "failed")
		return failure(err, rec)
	}

	if rec.Forward {
		host.DetachSnapshotMedium(rec.SnapshotID, rec.Source.ID())
	} else {
		host.DetachSnapshotMedium(rec.SnapshotID, rec.Target.ID())
		for _, ref := range sourceRefs {
			if ref.MachineID != rec.MachineID {
				continue
			}
			if ref.InCurState {
				host.ReplaceMedium(uuid.Nil, rec.Source.ID(), rec.Target.ID())
				rec.Target.AddBackReference(ref.MachineID, uuid.Nil)
			}
			for _, sid := range ref.SnapshotIDs {
				host.ReplaceMedium(sid, rec.Source.ID(), rec.Target.ID())
				rec.Target.AddBackReference(ref.MachineID, sid)
			}
		}
	}

	e.record(rec, "succeeded")
	log.Info("disk merged",
		"source", rec.Source.Location(), "target", rec.Target.Location(),
		"direction", rec.Direction(), "mode", rec.Mode())
	return nil
}

func (e *Executor) record(rec *DeleteRec, outcome string) {
	if e.recorder != nil {
		e.recorder.MergeFinished(rec.Direction(), rec.Mode(), outcome)
	}
}

func failure(err error, rec *DeleteRec) error {
	if err == nil {
		err = domain.ErrMergeFailed
	}
	if domain.IsDomainError(err, "") {
		return err
	}
	return domain.ErrMergeFailed.WithDetailsf("%s into %s", rec.Source.Location(), rec.Target.Location()).WithCause(err)
}
