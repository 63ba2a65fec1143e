package medium

import (
	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// LockEntry is one medium of a lock list with the lock kind requested.
type LockEntry struct {
	medium        *Medium
	write         bool
	locked        bool
	allowDeleting bool
}

// Medium returns the entry's medium.
func (e *LockEntry) Medium() *Medium { return e.medium }

// Write reports whether the entry asks for the exclusive lock.
func (e *LockEntry) Write() bool { return e.write }

// Locked reports whether the entry currently holds its lock.
func (e *LockEntry) Locked() bool { return e.locked }

// UpdateLock switches the entry between shared and exclusive. A held lock
// is converted in place.
func (e *LockEntry) UpdateLock(write bool) error {
	if e.write == write {
		return nil
	}
	if e.locked {
		if err := e.medium.switchLock(write); err != nil {
			return err
		}
	}
	e.write = write
	return nil
}

func (e *LockEntry) lock() error {
	var err error
	if e.write {
		err = e.medium.lockWrite(e.allowDeleting)
	} else {
		err = e.medium.LockRead()
	}
	if err == nil {
		e.locked = true
	}
	return err
}

func (e *LockEntry) unlock() error {
	if !e.locked {
		return nil
	}
	var err error
	if e.write {
		err = e.medium.UnlockWrite()
	} else {
		err = e.medium.UnlockRead()
	}
	e.locked = false
	return err
}

// LockList is an ordered set of media locked together, root to leaf.
type LockList struct {
	entries []*LockEntry
	locked  bool
}

// NewLockList returns an empty lock list.
func NewLockList() *LockList { return &LockList{} }

// Append adds a medium at the leaf end.
func (l *LockList) Append(m *Medium, write bool) *LockEntry {
	e := &LockEntry{medium: m, write: write}
	l.entries = append(l.entries, e)
	return e
}

// Prepend adds a medium at the root end.
func (l *LockList) Prepend(m *Medium, write bool) *LockEntry {
	e := &LockEntry{medium: m, write: write}
	l.entries = append([]*LockEntry{e}, l.entries...)
	return e
}

// Update changes the lock kind requested for m.
func (l *LockList) Update(m *Medium, write bool) error {
	e := l.Find(m.ID())
	if e == nil {
		return domain.ErrMediumNotFound.WithDetailsf("%s is not in the lock list", m.Location())
	}
	return e.UpdateLock(write)
}

// Find returns the entry for a medium id, or nil.
func (l *LockList) Find(id uuid.UUID) *LockEntry {
	for _, e := range l.entries {
		if e.medium.ID() == id {
			return e
		}
	}
	return nil
}

// Contains reports whether the list has an entry for id.
func (l *LockList) Contains(id uuid.UUID) bool { return l.Find(id) != nil }

// Entries returns the entries in order.
func (l *LockList) Entries() []*LockEntry {
	return append([]*LockEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *LockList) Len() int { return len(l.entries) }

// IsLocked reports whether Lock succeeded and Unlock has not been called.
func (l *LockList) IsLocked() bool { return l.locked }

// Lock takes every lock in order. On failure the locks taken so far are
// released and the list stays unlocked.
func (l *LockList) Lock() error {
	if l.locked {
		return nil
	}
	for i, e := range l.entries {
		if err := e.lock(); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = l.entries[j].unlock()
			}
			return err
		}
	}
	l.locked = true
	return nil
}

// LockExcluding locks the entries whose medium is not in held. Entries
// the other list already covers stay unlocked; Unlock skips them.
func (l *LockList) LockExcluding(held *LockList) error {
	if l.locked {
		return nil
	}
	var taken []*LockEntry
	for _, e := range l.entries {
		if held != nil && held.Contains(e.medium.ID()) {
			continue
		}
		if err := e.lock(); err != nil {
			for j := len(taken) - 1; j >= 0; j-- {
				_ = taken[j].unlock()
			}
			return err
		}
		taken = append(taken, e)
	}
	l.locked = true
	return nil
}

// Unlock releases every held lock, leaf first. The first error is returned
// but all entries are attempted.
func (l *LockList) Unlock() error {
	var first error
	for i := len(l.entries) - 1; i >= 0; i-- {
		if err := l.entries[i].unlock(); err != nil && first == nil {
			first = err
		}
	}
	l.locked = false
	return first
}

// Remove drops the entry for m, releasing its lock if held.
func (l *LockList) Remove(m *Medium) error {
	for i, e := range l.entries {
		if e.medium != m {
			continue
		}
		err := e.unlock()
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		return err
	}
	return domain.ErrMediumNotFound.WithDetailsf("%s is not in the lock list", m.Location())
}

// Clear unlocks and empties the list.
func (l *LockList) Clear() {
	_ = l.Unlock()
	l.entries = nil
}
