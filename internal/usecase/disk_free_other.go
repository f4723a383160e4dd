//go:build !linux && !darwin

package usecase

import "errors"

var errDiskFreeUnsupported = errors.New("disk free space check not supported on this platform")

// diskFreeBytes always fails here; DiskPressure then logs and skips the check.
func diskFreeBytes(string) (int64, error) {
	return 0, errDiskFreeUnsupported
}
