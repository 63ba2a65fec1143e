// Package storage persists the settings registry of the daemon.
//
// Machines (configuration, machine state and the snapshot tree) and medium
// records are stored as JSON values in an embedded key-value engine:
//
//   - machine/<uuid>: domain.MachineSettings
//   - medium/<uuid>: medium.Record
//
// Badger is the durable engine; the memory package provides an in-process
// engine for tests and throwaway daemons. Image contents are not stored
// here; see the imagestore package.
package storage
