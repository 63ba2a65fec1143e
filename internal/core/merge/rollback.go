package merge

import (
	"context"

	"github.com/yndnr/vmsnap-go/internal/core/medium"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// Rollback releases everything the planner took for records that did not
// commit, newest first. It is safe to call more than once.
func Rollback(ctx context.Context, reg *medium.Registry, recs []*DeleteRec) {
	log := logger.L(ctx)
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.committed {
			continue
		}

		if rec.Token != nil {
			rec.Token.Abandon()
			rec.Token = nil
		}
		if rec.marked {
			if err := rec.Medium.UnmarkForDeletion(); err != nil {
				log.Warn("failed to unmark medium", "medium_id", rec.Medium.ID(), "error", err)
			}
			rec.marked = false
		}

		if rec.Plan != nil {
			if rec.VMLocks != nil {
				for id, write := range rec.vmPrev {
					if e := rec.VMLocks.Find(id); e != nil {
						if err := e.UpdateLock(write); err != nil {
							log.Warn("failed to restore live lock", "medium_id", id, "error", err)
						}
					}
				}
				rec.vmPrev = nil
				_ = rec.Plan.ChildrenToReparent.Unlock()
				reg.CancelMergeTo(rec.Plan, false)
			} else {
				reg.CancelMergeTo(rec.Plan, true)
			}
			rec.Plan = nil
		}

		if rec.backRefRemoved {
			rec.Medium.AddBackReference(rec.MachineID, rec.SnapshotID)
			rec.backRefRemoved = false
		}
	}
}
