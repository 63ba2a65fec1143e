package medium

import "context"

// MergeIO describes one data merge for a Backend.
type MergeIO struct {
	// Target receives the data.
	Target string

	// Sources are folded into Target, nearest to Target first.
	Sources []string

	// Overwrite is set for backward merges: source blocks replace target
	// blocks. Forward merges only fill blocks Target does not have.
	Overwrite bool

	// Progress, if set, receives completion percentages.
	Progress func(percent int)
}

// Backend performs image I/O for the registry.
type Backend interface {
	// Create creates an empty image. parent is empty for base images.
	Create(ctx context.Context, location string, logicalSize uint64, parent string) error

	// Merge folds data between images of one chain.
	Merge(ctx context.Context, io MergeIO) error

	// Reparent rewrites the parent reference stored in an image.
	Reparent(ctx context.Context, location, parent string) error

	// Delete removes an image.
	Delete(ctx context.Context, location string) error

	// Exists reports whether the image is still present.
	Exists(location string) (bool, error)

	// Size returns the allocated size of an image in bytes.
	Size(location string) (uint64, error)

	// FileBased reports whether locations are filesystem paths.
	FileBased() bool
}
