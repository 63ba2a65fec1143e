// Package machine holds the in-memory machine object the snapshot
// operations work on: its configuration, state, snapshot tree and, while
// running, the console of the VM.
//
// A Machine is protected by its own lock. Methods documented as requiring
// the lock do not take it; callers take it through Lock or RLock and hold
// it across the whole read-modify-write they perform.
package machine
