// Package service holds the public entry points of vmsnap.
//
// SnapshotService owns the registered machines and drives every
// operation on them:
//
//   - machine lifecycle: register, start, pause, resume, save, power off, unregister
//   - TakeSnapshot, RestoreSnapshot and DeleteSnapshot, each run as a task
//   - snapshot queries and edits
//
// Entry points validate the request synchronously, move the machine into
// a transient state and hand the rest to the task runner. The returned
// Progress reports the outcome.
//
// Locking: the machine lock is taken before any medium lock. Long calls
// into a running VM (save state, online merge) are made without the
// machine lock; the transient machine state keeps other operations out
// meanwhile.
package service
