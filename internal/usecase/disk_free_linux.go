//go:build linux || darwin

package usecase

import "syscall"

// diskFreeBytes reports the space unprivileged writers can still use on the
// filesystem holding path.
func diskFreeBytes(path string) (int64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
