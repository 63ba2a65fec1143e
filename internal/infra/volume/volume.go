package volume

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/yndnr/vmsnap-go/internal/core/merge"
)

// Provider implements merge.Volumes for the local filesystem.
type Provider struct{}

// New returns a Provider.
func New() Provider { return Provider{} }

// Stat reports the volume of path. A path that does not exist yet is
// resolved through its nearest existing ancestor.
func (Provider) Stat(path string) (merge.VolumeInfo, error) {
	p, err := existing(path)
	if err != nil {
		return merge.VolumeInfo{}, err
	}
	return statfs(p)
}

func existing(path string) (string, error) {
	p := filepath.Clean(path)
	for {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", err
		}
		p = parent
	}
}

var _ merge.Volumes = Provider{}
