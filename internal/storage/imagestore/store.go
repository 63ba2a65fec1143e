package imagestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/yndnr/vmsnap-go/internal/core/medium"
)

// DefaultBlockSize is the allocation unit of new base images.
const DefaultBlockSize = 1 << 20

// Config configures a Store.
type Config struct {
	// BlockSize of new base images. Differencing images inherit their
	// parent's block size.
	BlockSize uint32

	Logger *slog.Logger
}

// Store keeps differencing images as block overlay files. A block missing
// from an image is read from its parent; blocks never present anywhere in
// the chain read as zeros.
type Store struct {
	blockSize uint32
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		blockSize: cfg.BlockSize,
		logger:    cfg.Logger.With("component", "imagestore"),
		locks:     make(map[string]*sync.RWMutex),
	}
}

func (s *Store) lockFor(location string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[location]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[location] = l
	}
	return l
}

func (s *Store) forget(location string) {
	s.mu.Lock()
	delete(s.locks, location)
	s.mu.Unlock()
}

// ============================================================================
// medium.Backend
// ============================================================================

// Create writes an empty image. A differencing image takes the block size
// and logical size granularity of its parent.
func (s *Store) Create(_ context.Context, location string, logicalSize uint64, parent string) error {
	h := &header{BlockSize: s.blockSize, LogicalSize: logicalSize, Parent: parent}
	if parent != "" {
		ph, err := s.stat(parent)
		if err != nil {
			return fmt.Errorf("parent %s: %w", parent, err)
		}
		h.BlockSize = ph.BlockSize
	}
	blocks := (logicalSize + uint64(h.BlockSize) - 1) / uint64(h.BlockSize)
	if blocks > 1<<32-1 {
		return fmt.Errorf("image of %d bytes needs too many blocks", logicalSize)
	}
	h.BlockCount = uint32(blocks)

	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return err
	}
	l := s.lockFor(location)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(location, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	buf, err := h.marshal()
	if err == nil {
		_, err = f.Write(buf)
	}
	if err == nil {
		err = f.Truncate(h.dataOffset())
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(location)
		return err
	}
	s.logger.Debug("image created", "location", location, "parent", parent, "blocks", h.BlockCount)
	return nil
}

// Merge folds the source images into the target, nearest to the target
// first. Without Overwrite a block the target already holds is kept, so
// the nearest copy wins; with Overwrite every source block replaces the
// target's, so the farthest copy wins.
func (s *Store) Merge(ctx context.Context, m medium.MergeIO) error {
	tl := s.lockFor(m.Target)
	tl.Lock()
	defer tl.Unlock()

	tf, err := os.OpenFile(m.Target, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer tf.Close()
	th, err := readHeader(tf)
	if err != nil {
		return err
	}
	tmap, err := readBlockMap(tf, th)
	if err != nil {
		return err
	}

	for i, src := range m.Sources {
		n, err := s.mergeOne(ctx, tf, th, tmap, src, m.Overwrite)
		if err != nil {
			return fmt.Errorf("merge %s into %s: %w", src, m.Target, err)
		}
		s.logger.Debug("image merged", "source", src, "target", m.Target, "blocks", n)
		if m.Progress != nil {
			m.Progress((i + 1) * 100 / len(m.Sources))
		}
	}
	return tf.Sync()
}

func (s *Store) mergeOne(ctx context.Context, tf *os.File, th *header, tmap []uint32, src string, overwrite bool) (int, error) {
	sl := s.lockFor(src)
	sl.RLock()
	defer sl.RUnlock()

	sf, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer sf.Close()
	sh, err := readHeader(sf)
	if err != nil {
		return 0, err
	}
	if sh.BlockSize != th.BlockSize {
		return 0, fmt.Errorf("block size %d does not match target %d", sh.BlockSize, th.BlockSize)
	}
	smap, err := readBlockMap(sf, sh)
	if err != nil {
		return 0, err
	}

	copied := 0
	buf := make([]byte, sh.BlockSize)
	for blk, slot := range smap {
		if slot == 0 || blk >= len(tmap) || (tmap[blk] != 0 && !overwrite) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		if _, err := sf.ReadAt(buf, sh.slotOffset(slot)); err != nil {
			return copied, err
		}
		if err := s.writeBlockLocked(tf, th, tmap, uint64(blk), buf); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// Reparent rewrites the parent path in the image header.
func (s *Store) Reparent(_ context.Context, location, parent string) error {
	l := s.lockFor(location)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(location, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := readHeader(f)
	if err != nil {
		return err
	}
	h.Parent = parent
	buf, err := h.marshal()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(buf, 0); err != nil {
		return err
	}
	return f.Sync()
}

// Delete removes an image file.
func (s *Store) Delete(_ context.Context, location string) error {
	l := s.lockFor(location)
	l.Lock()
	err := os.Remove(location)
	l.Unlock()
	if err != nil {
		return err
	}
	s.forget(location)
	return nil
}

// Exists reports whether the image file is present.
func (s *Store) Exists(location string) (bool, error) {
	_, err := os.Stat(location)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Size returns the bytes allocated to data slots.
func (s *Store) Size(location string) (uint64, error) {
	h, err := s.stat(location)
	if err != nil {
		return 0, err
	}
	return uint64(h.Slots) * uint64(h.BlockSize), nil
}

// FileBased is always true.
func (s *Store) FileBased() bool { return true }

// Digest hashes the content visible through location: every populated
// block, resolved through the parent chain, keyed by its index. Images
// with equal guest-visible content have equal digests.
func (s *Store) Digest(ctx context.Context, location string) (string, error) {
	h, err := s.stat(location)
	if err != nil {
		return "", err
	}
	sum, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	zero := make([]byte, h.BlockSize)
	var idx [8]byte
	for blk := uint64(0); blk < uint64(h.BlockCount); blk++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		data, ok, err := s.ReadBlock(location, blk)
		if err != nil {
			return "", err
		}
		if !ok || bytes.Equal(data, zero) {
			continue
		}
		binary.LittleEndian.PutUint64(idx[:], blk)
		sum.Write(idx[:])
		sum.Write(data)
	}
	return fmt.Sprintf("blake2b-256:%x", sum.Sum(nil)), nil
}

// ============================================================================
// Block I/O
// ============================================================================

// BlockSize returns the block size of an image.
func (s *Store) BlockSize(location string) (uint32, error) {
	h, err := s.stat(location)
	if err != nil {
		return 0, err
	}
	return h.BlockSize, nil
}

// WriteBlock stores one block in location. Short data is zero padded.
func (s *Store) WriteBlock(location string, block uint64, data []byte) error {
	l := s.lockFor(location)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(location, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	h, err := readHeader(f)
	if err != nil {
		return err
	}
	if block >= uint64(h.BlockCount) {
		return fmt.Errorf("block %d beyond end of %s (%d blocks)", block, location, h.BlockCount)
	}
	if len(data) > int(h.BlockSize) {
		return fmt.Errorf("%d bytes do not fit a %d byte block", len(data), h.BlockSize)
	}
	bmap, err := readBlockMap(f, h)
	if err != nil {
		return err
	}
	buf := make([]byte, h.BlockSize)
	copy(buf, data)
	return s.writeBlockLocked(f, h, bmap, block, buf)
}

// writeBlockLocked writes a full block, allocating a slot when needed.
// h and bmap are updated in place.
func (s *Store) writeBlockLocked(f *os.File, h *header, bmap []uint32, block uint64, buf []byte) error {
	slot := bmap[block]
	if slot == 0 {
		h.Slots++
		slot = h.Slots
		if _, err := f.WriteAt(buf, h.slotOffset(slot)); err != nil {
			h.Slots--
			return err
		}
		hdr, err := h.marshal()
		if err != nil {
			return err
		}
		if _, err := f.WriteAt(hdr, 0); err != nil {
			return err
		}
		bmap[block] = slot
		return writeMapEntry(f, block, slot)
	}
	_, err := f.WriteAt(buf, h.slotOffset(slot))
	return err
}

// ReadBlock reads one block through the parent chain. ok is false when no
// image in the chain holds the block.
func (s *Store) ReadBlock(location string, block uint64) (data []byte, ok bool, err error) {
	for loc := location; loc != ""; {
		next, data, found, err := s.readLocal(loc, block)
		if err != nil || found {
			return data, found, err
		}
		loc = next
	}
	return nil, false, nil
}

func (s *Store) readLocal(location string, block uint64) (parent string, data []byte, found bool, err error) {
	l := s.lockFor(location)
	l.RLock()
	defer l.RUnlock()

	f, err := os.Open(location)
	if err != nil {
		return "", nil, false, err
	}
	defer f.Close()
	h, err := readHeader(f)
	if err != nil {
		return "", nil, false, err
	}
	if block >= uint64(h.BlockCount) {
		return "", nil, false, nil
	}
	var raw [4]byte
	if _, err := f.ReadAt(raw[:], headerSize+4*int64(block)); err != nil {
		return "", nil, false, err
	}
	slot := binary.LittleEndian.Uint32(raw[:])
	if slot == 0 {
		return h.Parent, nil, false, nil
	}
	buf := make([]byte, h.BlockSize)
	if _, err := f.ReadAt(buf, h.slotOffset(slot)); err != nil && err != io.EOF {
		return "", nil, false, err
	}
	return h.Parent, buf, true, nil
}

// Parent returns the parent path recorded in an image.
func (s *Store) Parent(location string) (string, error) {
	h, err := s.stat(location)
	if err != nil {
		return "", err
	}
	return h.Parent, nil
}

func (s *Store) stat(location string) (*header, error) {
	l := s.lockFor(location)
	l.RLock()
	defer l.RUnlock()

	f, err := os.Open(location)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readHeader(f)
}

var (
	_ medium.Backend  = (*Store)(nil)
	_ medium.Digester = (*Store)(nil)
)
