package medium

import (
	"sync"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
)

// Medium is one image in a differencing chain.
//
// parent and children are guarded by the registry tree lock; everything
// else by mu.
type Medium struct {
	id          uuid.UUID
	location    string
	typ         domain.MediumType
	logicalSize uint64
	reg         *Registry

	parent   *Medium
	children []*Medium

	mu        sync.Mutex
	lockState domain.MediumState
	readers   int
	deleting  bool
	closed    bool
	size      uint64
	backRefs  []BackRef
}

// ID returns the medium id.
func (m *Medium) ID() uuid.UUID { return m.id }

// Location returns the backend location of the image.
func (m *Medium) Location() string { return m.location }

// Type returns the medium type.
func (m *Medium) Type() domain.MediumType { return m.typ }

// LogicalSize returns the capacity in bytes seen by the guest.
func (m *Medium) LogicalSize() uint64 { return m.logicalSize }

// Name returns the file name part of the location.
func (m *Medium) Name() string {
	for i := len(m.location) - 1; i >= 0; i-- {
		if m.location[i] == '/' {
			return m.location[i+1:]
		}
	}
	return m.location
}

// Size returns the allocated size in bytes as last seen by the registry.
func (m *Medium) Size() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.size
}

func (m *Medium) setSize(size uint64) {
	m.mu.Lock()
	m.size = size
	m.mu.Unlock()
}

// State returns the externally visible state. A medium marked for deletion
// reports Deleting whatever its lock state.
func (m *Medium) State() domain.MediumState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked()
}

func (m *Medium) stateLocked() domain.MediumState {
	if m.deleting {
		return domain.MediumStateDeleting
	}
	return m.lockState
}

// LockState returns the lock state ignoring the deletion mark.
func (m *Medium) LockState() domain.MediumState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockState
}

// Closed reports whether the medium was unregistered.
func (m *Medium) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Parent returns the parent medium, or nil for a base image.
func (m *Medium) Parent() *Medium {
	m.reg.treeMu.RLock()
	defer m.reg.treeMu.RUnlock()
	return m.parent
}

// Children returns a copy of the children list.
func (m *Medium) Children() []*Medium {
	m.reg.treeMu.RLock()
	defer m.reg.treeMu.RUnlock()
	return append([]*Medium(nil), m.children...)
}

// Base returns the root of the chain m belongs to.
func (m *Medium) Base() *Medium {
	m.reg.treeMu.RLock()
	defer m.reg.treeMu.RUnlock()
	cur := m
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// LockRead takes a shared lock.
func (m *Medium) LockRead() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockReadLocked()
}

func (m *Medium) lockReadLocked() error {
	if m.closed {
		return domain.ErrMediumNotFound.WithDetails(m.location)
	}
	if m.deleting {
		return domain.ErrMediumLocked.WithDetailsf("%s is being deleted", m.location)
	}
	switch m.lockState {
	case domain.MediumStateCreated, domain.MediumStateInaccessible:
		m.lockState = domain.MediumStateLockedRead
		m.readers = 1
		return nil
	case domain.MediumStateLockedRead:
		m.readers++
		return nil
	default:
		return domain.ErrMediumLocked.WithDetailsf("%s is %s", m.location, m.lockState)
	}
}

// UnlockRead releases a shared lock.
func (m *Medium) UnlockRead() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockState != domain.MediumStateLockedRead {
		return domain.ErrMediumState.WithDetailsf("%s is not read-locked", m.location)
	}
	m.readers--
	if m.readers == 0 {
		m.lockState = domain.MediumStateCreated
	}
	return nil
}

// LockWrite takes the exclusive lock. Media marked for deletion refuse it.
func (m *Medium) LockWrite() error {
	return m.lockWrite(false)
}

// lockWrite with allowDeleting lets a merge lock media it has itself
// marked for deletion.
func (m *Medium) lockWrite(allowDeleting bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrMediumNotFound.WithDetails(m.location)
	}
	if m.deleting && !allowDeleting {
		return domain.ErrMediumLocked.WithDetailsf("%s is being deleted", m.location)
	}
	switch m.lockState {
	case domain.MediumStateCreated, domain.MediumStateInaccessible:
		m.lockState = domain.MediumStateLockedWrite
		return nil
	default:
		return domain.ErrMediumLocked.WithDetailsf("%s is %s", m.location, m.lockState)
	}
}

// UnlockWrite releases the exclusive lock.
func (m *Medium) UnlockWrite() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lockState != domain.MediumStateLockedWrite {
		return domain.ErrMediumState.WithDetailsf("%s is not write-locked", m.location)
	}
	m.lockState = domain.MediumStateCreated
	return nil
}

// switchLock converts a held lock between shared and exclusive. Upgrading
// needs the caller to be the only reader.
func (m *Medium) switchLock(toWrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case toWrite && m.lockState == domain.MediumStateLockedRead:
		if m.readers != 1 {
			return domain.ErrMediumLocked.WithDetailsf("%s has %d readers", m.location, m.readers)
		}
		m.lockState = domain.MediumStateLockedWrite
		m.readers = 0
	case !toWrite && m.lockState == domain.MediumStateLockedWrite:
		m.lockState = domain.MediumStateLockedRead
		m.readers = 1
	case toWrite && m.lockState == domain.MediumStateLockedWrite,
		!toWrite && m.lockState == domain.MediumStateLockedRead:
	default:
		return domain.ErrMediumState.WithDetailsf("%s is %s", m.location, m.lockState)
	}
	return nil
}

// MarkForDeletion flags the medium as about to be deleted. New locks are
// refused from then on; locks already held stay valid so a running merge
// can upgrade them. Marking twice fails fast.
func (m *Medium) MarkForDeletion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleting {
		return domain.ErrMediumState.WithDetailsf("%s is already marked for deletion", m.location)
	}
	if m.closed {
		return domain.ErrMediumNotFound.WithDetails(m.location)
	}
	m.deleting = true
	return nil
}

// UnmarkForDeletion clears the deletion flag, returning the medium to its
// lock state from before MarkForDeletion.
func (m *Medium) UnmarkForDeletion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.deleting {
		return domain.ErrMediumState.WithDetailsf("%s is not marked for deletion", m.location)
	}
	m.deleting = false
	return nil
}

// MarkedForDeletion reports whether the deletion flag is set.
func (m *Medium) MarkedForDeletion() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleting
}

// Token is an exclusive lock handed out by LockWriteToken.
type Token struct {
	medium *Medium
	once   sync.Once
}

// LockWriteToken write-locks the medium and returns a token releasing it.
func (m *Medium) LockWriteToken() (*Token, error) {
	if err := m.LockWrite(); err != nil {
		return nil, err
	}
	return &Token{medium: m}, nil
}

// Medium returns the locked medium.
func (t *Token) Medium() *Medium { return t.medium }

// Abandon releases the lock. Repeated calls are no-ops.
func (t *Token) Abandon() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		_ = t.medium.UnlockWrite()
	})
}
