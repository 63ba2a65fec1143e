package merge

import (
	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// VolumeInfo identifies the filesystem holding a path.
type VolumeInfo struct {
	Serial uint64
	Free   uint64
}

// Volumes answers filesystem queries for the disk-space guard.
type Volumes interface {
	Stat(path string) (VolumeInfo, error)
}

// checkSpace sums, per target volume, the logical size of every source
// merged onto it and fails when a volume has less free space than that.
// Overlap with data already on the target is ignored on purpose.
func (p *Planner) checkSpace(recs []*DeleteRec) error {
	if p.volumes == nil || !p.reg.Backend().FileBased() {
		return nil
	}

	need := make(map[uint64]uint64)
	free := make(map[uint64]uint64)
	for _, rec := range recs {
		if rec.Action != ActionMerge {
			continue
		}
		vol, err := p.volumes.Stat(rec.Target.Location())
		if err != nil {
			return domain.ErrStorageQuery.WithDetails(rec.Target.Location()).WithCause(err)
		}
		need[vol.Serial] += rec.Source.LogicalSize()
		free[vol.Serial] = vol.Free
	}
	for serial, n := range need {
		if free[serial] < n {
			return domain.ErrInsufficientStorage.WithDetailsf(
				"volume %x has %d bytes free, merges need %d", serial, free[serial], n)
		}
	}
	return nil
}
