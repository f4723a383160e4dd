//go:build !windows

package cachedir

import (
	"os"
	"syscall"
)

// fileAllocatedBytes reports the disk blocks backing a possibly sparse file.
// A sparse content file with no chunks written yet reports zero.
func fileAllocatedBytes(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && st != nil {
		return max(int64(st.Blocks), 0) * 512
	}
	return max(info.Size(), 0)
}
