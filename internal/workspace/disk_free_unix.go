//go:build !windows

package workspace

import (
	"os"

	"golang.org/x/sys/unix"
)

func freeDiskSpace(path string) (uint64, bool) {
	stat, err := os.Stat(path)
	if err != nil || !stat.IsDir() {
		return 0, false
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return 0, false
	}

	return uint64(fs.Bavail) * uint64(fs.Bsize), true
}
