//go:build !linux && !darwin

package collector

import "os"

// inodeOf has no portable equivalent outside unix filesystems; rotation
// detection on these platforms falls back to the size-shrink check alone.
func inodeOf(info os.FileInfo) uint64 {
	return 0
}
