//go:build !(linux || darwin || freebsd)

package volume

import (
	"github.com/yndnr/vmsnap-go/internal/core/domain"
	"github.com/yndnr/vmsnap-go/internal/core/merge"
)

func statfs(path string) (merge.VolumeInfo, error) {
	return merge.VolumeInfo{}, domain.ErrNotImplemented.WithDetailsf("volume query for %s", path)
}
