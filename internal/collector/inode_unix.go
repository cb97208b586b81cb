//go:build linux || darwin

package collector

import (
	"os"
	"syscall"
)

// inodeOf returns the inode number backing info, used to detect log
// rotation (the replacement file gets a new inode even if the path is
// reused immediately).
func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return uint64(stat.Ino)
	}
	return 0
}
