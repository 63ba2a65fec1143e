//go:build linux || darwin || freebsd

package volume

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/yndnr/vmsnap-go/internal/core/merge"
)

func statfs(path string) (merge.VolumeInfo, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return merge.VolumeInfo{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	return merge.VolumeInfo{
		Serial: uint64(uint32(st.Fsid.Val[0]))<<32 | uint64(uint32(st.Fsid.Val[1])),
		Free:   uint64(st.Bavail) * uint64(st.Bsize),
	}, nil
}
