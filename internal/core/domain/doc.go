// Package domain defines the core domain models for vmsnap.
//
// Domain models are plain values without IO dependencies:
//
//   - Machine state and configuration (MachineState, MachineConfig, Hardware)
//   - Snapshot and SnapshotMachine, the frozen per-snapshot configuration
//   - MediumAttachment and the medium enums shared with the medium chain
//   - Errors: the DomainError taxonomy used by every layer
//
// Tree structure (parent/children) is owned by the snaptree package and
// medium graph structure by the medium package; this package only holds ids.
package domain
