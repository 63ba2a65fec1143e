// Package medium implements the differencing-image chain the snapshot code
// works on: a registry of media with parent/child links, per-medium lock
// state, machine back-references, ordered lock lists, and the
// prepare/merge/cancel primitives used when snapshots are deleted.
//
// Image bytes are handled by a Backend; this package only drives it.
//
// Lock order: the registry's tree lock is taken before any medium lock and
// is never held across Backend calls that move data.
package medium
