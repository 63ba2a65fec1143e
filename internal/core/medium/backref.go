package medium

import "github.com/google/uuid"

// BackRef records which machine (and which of its snapshots) uses a medium.
type BackRef struct {
	MachineID   uuid.UUID   `json:"machine_id"`
	InCurState  bool        `json:"in_cur_state"`
	SnapshotIDs []uuid.UUID `json:"snapshot_ids,omitempty"`
}

// AddBackReference records that machineID uses the medium, either in its
// current state (snapshotID == uuid.Nil) or in the given snapshot.
func (m *Medium) AddBackReference(machineID, snapshotID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.backRefs {
		ref := &m.backRefs[i]
		if ref.MachineID != machineID {
			continue
		}
		if snapshotID == uuid.Nil {
			ref.InCurState = true
			return
		}
		for _, id := range ref.SnapshotIDs {
			if id == snapshotID {
				return
			}
		}
		ref.SnapshotIDs = append(ref.SnapshotIDs, snapshotID)
		return
	}

	ref := BackRef{MachineID: machineID, InCurState: snapshotID == uuid.Nil}
	if snapshotID != uuid.Nil {
		ref.SnapshotIDs = []uuid.UUID{snapshotID}
	}
	m.backRefs = append(m.backRefs, ref)
}

// RemoveBackReference drops one use recorded by AddBackReference. The
// machine entry disappears once it has no uses left. It reports whether
// anything was removed.
func (m *Medium) RemoveBackReference(machineID, snapshotID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.backRefs {
		ref := &m.backRefs[i]
		if ref.MachineID != machineID {
			continue
		}
		removed := false
		if snapshotID == uuid.Nil {
			removed = ref.InCurState
			ref.InCurState = false
		} else {
			for j, id := range ref.SnapshotIDs {
				if id == snapshotID {
					ref.SnapshotIDs = append(ref.SnapshotIDs[:j], ref.SnapshotIDs[j+1:]...)
					removed = true
					break
				}
			}
		}
		if !ref.InCurState && len(ref.SnapshotIDs) == 0 {
			m.backRefs = append(m.backRefs[:i], m.backRefs[i+1:]...)
		}
		return removed
	}
	return false
}

// RemoveMachineBackReferences drops every use by machineID.
func (m *Medium) RemoveMachineBackReferences(machineID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.backRefs {
		if m.backRefs[i].MachineID == machineID {
			m.backRefs = append(m.backRefs[:i], m.backRefs[i+1:]...)
			return
		}
	}
}

// BackRefs returns a copy of the back-references.
func (m *Medium) BackRefs() []BackRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]BackRef, len(m.backRefs))
	for i, ref := range m.backRefs {
		out[i] = ref
		out[i].SnapshotIDs = append([]uuid.UUID(nil), ref.SnapshotIDs...)
	}
	return out
}

// FirstMachineBackRef returns the machine of the first back-reference and
// the first snapshot recorded for it (uuid.Nil if it is only used by the
// current state). ok is false when the medium is unused.
func (m *Medium) FirstMachineBackRef() (machineID, snapshotID uuid.UUID, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.backRefs) == 0 {
		return uuid.Nil, uuid.Nil, false
	}
	ref := m.backRefs[0]
	if len(ref.SnapshotIDs) > 0 {
		snapshotID = ref.SnapshotIDs[0]
	}
	return ref.MachineID, snapshotID, true
}

// InUse reports whether any machine references the medium.
func (m *Medium) InUse() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backRefs) > 0
}
