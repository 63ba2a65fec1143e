package medium

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/telemetry/logger"
)

// Record is the persisted form of a medium.
type Record struct {
	ID          uuid.UUID         `json:"id"`
	Location    string            `json:"location"`
	Type        domain.MediumType `json:"type"`
	LogicalSize uint64            `json:"logical_size"`
	ParentID    uuid.UUID         `json:"parent_id,omitempty"`
}

// Store persists medium records. Implementations must be safe for
// concurrent use.
type Store interface {
	SaveMedium(ctx context.Context, rec Record) error
	DeleteMedium(ctx context.Context, id uuid.UUID) error
}

// Observer is told about media appearing, disappearing and being relinked.
type Observer interface {
	MediumRegistered(id uuid.UUID, registered bool)
	MediumConfigChanged(id uuid.UUID)
}

// DirectionPolicy decides how a parent and its only child are merged. It
// returns true to fold the parent into the child (forward).
type DirectionPolicy func(parent, child *Medium) bool

// SizePolicy merges the image with fewer allocated bytes into the other.
func SizePolicy(parent, child *Medium) bool {
	return parent.Size() < child.Size()
}

// Config configures a Registry.
type Config struct {
	Backend  Backend
	Store    Store
	Observer Observer
	Policy   DirectionPolicy
	Logger   logger.Logger
}

// Registry owns every known medium and the parent/child graph between them.
type Registry struct {
	backend  Backend
	store    Store
	observer Observer
	policy   DirectionPolicy
	logger   logger.Logger

	// treeMu guards the maps and every Medium's parent/children.
	treeMu     sync.RWMutex
	byID       map[uuid.UUID]*Medium
	byLocation map[string]*Medium
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, domain.ErrInvalidArgument.WithDetails("medium backend is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = SizePolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	return &Registry{
		backend:    cfg.Backend,
		store:      cfg.Store,
		observer:   cfg.Observer,
		policy:     cfg.Policy,
		logger:     cfg.Logger.With("component", "medium"),
		byID:       make(map[uuid.UUID]*Medium),
		byLocation: make(map[string]*Medium),
	}, nil
}

// Backend returns the image backend.
func (r *Registry) Backend() Backend { return r.backend }

// CreateBase creates and registers a new base image.
func (r *Registry) CreateBase(ctx context.Context, location string, logicalSize uint64, typ domain.MediumType) (*Medium, error) {
	if location == "" || logicalSize == 0 {
		return nil, domain.ErrInvalidArgument.WithDetails("location and logical size are required")
	}
	if typ == "" {
		typ = domain.MediumTypeNormal
	}
	return r.create(ctx, nil, location, logicalSize, typ)
}

// CreateDiff creates a differencing image on top of parent.
func (r *Registry) CreateDiff(ctx context.Context, parent *Medium, location string) (*Medium, error) {
	if parent == nil || location == "" {
		return nil, domain.ErrInvalidArgument.WithDetails("parent and location are required")
	}
	if parent.Closed() {
		return nil, domain.ErrMediumNotFound.WithDetails(parent.Location())
	}
	if parent.MarkedForDeletion() {
		return nil, domain.ErrMediumState.WithDetailsf("%s is being deleted", parent.Location())
	}
	return r.create(ctx, parent, location, parent.LogicalSize(), domain.MediumTypeNormal)
}

func (r *Registry) create(ctx context.Context, parent *Medium, location string, logicalSize uint64, typ domain.MediumType) (*Medium, error) {
	r.treeMu.RLock()
	_, taken := r.byLocation[location]
	r.treeMu.RUnlock()
	if taken {
		return nil, domain.ErrMediumExists.WithDetails(location)
	}

	parentLoc := ""
	if parent != nil {
		parentLoc = parent.Location()
	}
	if err := r.backend.Create(ctx, location, logicalSize, parentLoc); err != nil {
		return nil, domain.ErrMediumIO.WithDetailsf("create %s", location).WithCause(err)
	}

	m := &Medium{
		id:          domain.NewID(),
		location:    location,
		typ:         typ,
		logicalSize: logicalSize,
		reg:         r,
		lockState:   domain.MediumStateCreated,
	}
	if size, err := r.backend.Size(location); err == nil {
		m.size = size
	}

	r.treeMu.Lock()
	if _, taken := r.byLocation[location]; taken {
		r.treeMu.Unlock()
		_ = r.backend.Delete(ctx, location)
		return nil, domain.ErrMediumExists.WithDetails(location)
	}
	if parent != nil {
		m.parent = parent
		parent.children = append(parent.children, m)
	}
	r.byID[m.id] = m
	r.byLocation[location] = m
	r.treeMu.Unlock()

	if err := r.save(ctx, m); err != nil {
		r.logger.Warn("failed to persist medium", "medium_id", m.id, "error", err)
	}
	r.notifyRegistered(m.id, true)
	r.logger.Debug("medium created", "medium_id", m.id, "location", location, "parent", parentLoc)
	return m, nil
}

// Load registers previously persisted media. Parents may appear after their
// children in recs. Media whose image is missing are marked inaccessible.
func (r *Registry) Load(recs []Record) error {
	r.treeMu.Lock()
	defer r.treeMu.Unlock()

	added := make([]*Medium, 0, len(recs))
	for _, rec := range recs {
		if _, ok := r.byID[rec.ID]; ok {
			return domain.ErrMediumExists.WithDetails(rec.ID.String())
		}
		if _, ok := r.byLocation[rec.Location]; ok {
			return domain.ErrMediumExists.WithDetails(rec.Location)
		}
		m := &Medium{
			id:          rec.ID,
			location:    rec.Location,
			typ:         rec.Type,
			logicalSize: rec.LogicalSize,
			reg:         r,
			lockState:   domain.MediumStateCreated,
		}
		if size, err := r.backend.Size(rec.Location); err == nil {
			m.size = size
		} else {
			m.lockState = domain.MediumStateInaccessible
		}
		r.byID[m.id] = m
		r.byLocation[m.location] = m
		added = append(added, m)
	}

	for i, rec := range recs {
		if rec.ParentID == uuid.Nil {
			continue
		}
		parent, ok := r.byID[rec.ParentID]
		if !ok {
			return domain.ErrMediumNotFound.WithDetailsf("parent %s of %s", rec.ParentID, rec.Location)
		}
		m := added[i]
		m.parent = parent
		parent.children = append(parent.children, m)
	}
	return nil
}

// Get returns a medium by id.
func (r *Registry) Get(id uuid.UUID) (*Medium, error) {
	r.treeMu.RLock()
	defer r.treeMu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrMediumNotFound.WithDetails(id.String())
	}
	return m, nil
}

// Lookup returns a medium by location.
func (r *Registry) Lookup(location string) (*Medium, error) {
	r.treeMu.RLock()
	defer r.treeMu.RUnlock()
	m, ok := r.byLocation[location]
	if !ok {
		return nil, domain.ErrMediumNotFound.WithDetails(location)
	}
	return m, nil
}

// List returns all registered media ordered by location.
func (r *Registry) List() []*Medium {
	r.treeMu.RLock()
	out := make([]*Medium, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, m)
	}
	r.treeMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].location < out[j].location })
	return out
}

// Record returns the persisted form of m.
func (r *Registry) Record(m *Medium) Record {
	r.treeMu.RLock()
	defer r.treeMu.RUnlock()
	return m.recordLocked()
}

func (m *Medium) recordLocked() Record {
	rec := Record{
		ID:          m.id,
		Location:    m.location,
		Type:        m.typ,
		LogicalSize: m.logicalSize,
	}
	if m.parent != nil {
		rec.ParentID = m.parent.id
	}
	return rec
}

// Records returns every medium record, parents before children.
func (r *Registry) Records() []Record {
	r.treeMu.RLock()
	defer r.treeMu.RUnlock()

	out := make([]Record, 0, len(r.byID))
	var walk func(m *Medium)
	walk = func(m *Medium) {
		out = append(out, m.recordLocked())
		for _, c := range m.children {
			walk(c)
		}
	}
	roots := make([]*Medium, 0)
	for _, m := range r.byID {
		if m.parent == nil {
			roots = append(roots, m)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].location < roots[j].location })
	for _, m := range roots {
		walk(m)
	}
	return out
}

// DeleteStorage deletes the image of an unused leaf and unregisters it.
func (r *Registry) DeleteStorage(ctx context.Context, m *Medium) error {
	r.treeMu.RLock()
	children := len(m.children)
	r.treeMu.RUnlock()
	if children > 0 {
		return domain.ErrMediumState.WithDetailsf("%s has %d children", m.location, children)
	}
	if m.InUse() {
		return domain.ErrMediumLocked.WithDetailsf("%s is still attached", m.location)
	}

	marked := false
	if !m.MarkedForDeletion() {
		if err := m.MarkForDeletion(); err != nil {
			return err
		}
		marked = true
	}

	if err := r.backend.Delete(ctx, m.location); err != nil {
		if marked {
			_ = m.UnmarkForDeletion()
		}
		return domain.ErrMediumIO.WithDetailsf("delete %s", m.location).WithCause(err)
	}

	r.treeMu.Lock()
	r.unregisterLocked(m)
	r.treeMu.Unlock()
	r.forget(ctx, m)
	return nil
}

// unregisterLocked detaches m from the graph and closes it.
func (r *Registry) unregisterLocked(m *Medium) {
	if p := m.parent; p != nil {
		p.children = removeMedium(p.children, m)
		m.parent = nil
	}
	delete(r.byID, m.id)
	delete(r.byLocation, m.location)

	m.mu.Lock()
	m.closed = true
	m.deleting = false
	m.mu.Unlock()
}

func (r *Registry) forget(ctx context.Context, m *Medium) {
	if r.store != nil {
		if err := r.store.DeleteMedium(ctx, m.id); err != nil {
			r.logger.Warn("failed to remove medium record", "medium_id", m.id, "error", err)
		}
	}
	r.notifyRegistered(m.id, false)
	r.logger.Debug("medium unregistered", "medium_id", m.id, "location", m.location)
}

// Exists asks the backend whether the image of m is still present.
func (r *Registry) Exists(m *Medium) (bool, error) {
	return r.backend.Exists(m.location)
}

// RefreshSize re-reads the allocated size of m from the backend.
func (r *Registry) RefreshSize(m *Medium) error {
	size, err := r.backend.Size(m.location)
	if err != nil {
		return domain.ErrMediumIO.WithDetailsf("size of %s", m.location).WithCause(err)
	}
	m.setSize(size)
	return nil
}

// CreateLockList returns an unlocked list covering leaf and its ancestors,
// root first. Ancestors are read-locked; the leaf is write-locked when
// writeLeaf is set.
func (r *Registry) CreateLockList(leaf *Medium, writeLeaf bool) *LockList {
	r.treeMu.RLock()
	defer r.treeMu.RUnlock()
	l := NewLockList()
	for cur := leaf; cur != nil; cur = cur.parent {
		l.Prepend(cur, cur == leaf && writeLeaf)
	}
	return l
}

// QueryPreferredMergeDirection returns true when parent should be merged
// forward into child rather than child backward into parent.
func (r *Registry) QueryPreferredMergeDirection(parent, child *Medium) (bool, error) {
	r.treeMu.RLock()
	linked := child.parent == parent
	r.treeMu.RUnlock()
	if !linked {
		return false, domain.ErrMediumNotInChain.WithDetailsf("%s is not the parent of %s", parent.location, child.location)
	}
	for _, m := range []*Medium{parent, child} {
		if err := r.RefreshSize(m); err != nil {
			r.logger.Warn("cannot refresh medium size", "medium_id", m.id, "error", err)
		}
	}
	return r.policy(parent, child), nil
}

// Digester is implemented by backends that can checksum image contents.
type Digester interface {
	Digest(ctx context.Context, location string) (string, error)
}

// Verify returns the backend digest of m's image.
func (r *Registry) Verify(ctx context.Context, m *Medium) (string, error) {
	d, ok := r.backend.(Digester)
	if !ok {
		return "", domain.ErrNotImplemented.WithDetails("backend cannot verify images")
	}
	if err := m.LockRead(); err != nil {
		return "", err
	}
	defer func() { _ = m.UnlockRead() }()
	sum, err := d.Digest(ctx, m.location)
	if err != nil {
		return "", domain.ErrMediumIO.WithDetailsf("digest %s", m.location).WithCause(err)
	}
	return sum, nil
}

func (r *Registry) save(ctx context.Context, m *Medium) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveMedium(ctx, r.Record(m))
}

func (r *Registry) notifyRegistered(id uuid.UUID, registered bool) {
	if r.observer != nil {
		r.observer.MediumRegistered(id, registered)
	}
}

func (r *Registry) notifyChanged(ctx context.Context, m *Medium) {
	if err := r.save(ctx, m); err != nil {
		r.logger.Warn("failed to persist medium", "medium_id", m.id, "error", err)
	}
	if r.observer != nil {
		r.observer.MediumConfigChanged(m.id)
	}
}

func removeMedium(list []*Medium, m *Medium) []*Medium {
	for i, c := range list {
		if c == m {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
