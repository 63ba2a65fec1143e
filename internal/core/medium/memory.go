package medium

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryBlockSize is the allocation unit reported by MemoryBackend.
const MemoryBlockSize = 1 << 20

type memImage struct {
	parent      string
	logicalSize uint64
	blocks      map[uint64]string
}

// MemoryBackend keeps images in memory. Blocks are opaque strings; a read
// falls through to the parent when the image has no copy of the block.
type MemoryBackend struct {
	mu        sync.Mutex
	images    map[string]*memImage
	fileBased bool

	mergeErr  error
	deleteErr map[string]error
	merges    []MergeIO
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend(fileBased bool) *MemoryBackend {
	return &MemoryBackend{
		images:    make(map[string]*memImage),
		fileBased: fileBased,
		deleteErr: make(map[string]error),
	}
}

// FailMerge makes every following Merge return err. A nil err clears it.
func (b *MemoryBackend) FailMerge(err error) {
	b.mu.Lock()
	b.mergeErr = err
	b.mu.Unlock()
}

// FailDelete makes deleting location return err. A nil err clears it.
func (b *MemoryBackend) FailDelete(location string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.deleteErr, location)
		return
	}
	b.deleteErr[location] = err
}

// Merges returns the merges performed so far.
func (b *MemoryBackend) Merges() []MergeIO {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]MergeIO(nil), b.merges...)
}

// WriteBlock stores data in one block of an image.
func (b *MemoryBackend) WriteBlock(location string, block uint64, data string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[location]
	if !ok {
		return fmt.Errorf("image %s does not exist", location)
	}
	img.blocks[block] = data
	return nil
}

// ReadBlock resolves a block through the parent chain.
func (b *MemoryBackend) ReadBlock(location string, block uint64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for loc := location; loc != ""; {
		img, ok := b.images[loc]
		if !ok {
			return "", false
		}
		if data, ok := img.blocks[block]; ok {
			return data, true
		}
		loc = img.parent
	}
	return "", false
}

// ParentOf returns the parent recorded in an image.
func (b *MemoryBackend) ParentOf(location string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if img, ok := b.images[location]; ok {
		return img.parent
	}
	return ""
}

// Locations lists the stored images.
func (b *MemoryBackend) Locations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.images))
	for loc := range b.images {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

func (b *MemoryBackend) Create(_ context.Context, location string, logicalSize uint64, parent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.images[location]; ok {
		return fmt.Errorf("image %s already exists", location)
	}
	if parent != "" {
		if _, ok := b.images[parent]; !ok {
			return fmt.Errorf("parent image %s does not exist", parent)
		}
	}
	b.images[location] = &memImage{parent: parent, logicalSize: logicalSize, blocks: make(map[uint64]string)}
	return nil
}

func (b *MemoryBackend) Merge(ctx context.Context, io MergeIO) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mergeErr != nil {
		return b.mergeErr
	}
	target, ok := b.images[io.Target]
	if !ok {
		return fmt.Errorf("image %s does not exist", io.Target)
	}
	for i, loc := range io.Sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, ok := b.images[loc]
		if !ok {
			return fmt.Errorf("image %s does not exist", loc)
		}
		for blk, data := range src.blocks {
			if _, has := target.blocks[blk]; has && !io.Overwrite {
				continue
			}
			target.blocks[blk] = data
		}
		if io.Progress != nil {
			io.Progress((i + 1) * 100 / len(io.Sources))
		}
	}
	b.merges = append(b.merges, io)
	return nil
}

func (b *MemoryBackend) Reparent(_ context.Context, location, parent string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[location]
	if !ok {
		return fmt.Errorf("image %s does not exist", location)
	}
	img.parent = parent
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, location string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deleteErr[location]; err != nil {
		return err
	}
	if _, ok := b.images[location]; !ok {
		return fmt.Errorf("image %s does not exist", location)
	}
	delete(b.images, location)
	return nil
}

func (b *MemoryBackend) Exists(location string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.images[location]
	return ok, nil
}

func (b *MemoryBackend) Size(location string) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	img, ok := b.images[location]
	if !ok {
		return 0, fmt.Errorf("image %s does not exist", location)
	}
	return uint64(len(img.blocks)) * MemoryBlockSize, nil
}

func (b *MemoryBackend) FileBased() bool { return b.fileBased }
