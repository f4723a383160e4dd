//go:build windows

package cachedir

import "os"

// fileAllocatedBytes falls back to the logical size; block counts are not
// exposed through os.FileInfo here.
func fileAllocatedBytes(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	return max(info.Size(), 0)
}
