//go:build windows

package workspace

import (
	"os"

	"golang.org/x/sys/windows"
)

func freeDiskSpace(path string) (uint64, bool) {
	stat, err := os.Stat(path)
	if err != nil || !stat.IsDir() {
		return 0, false
	}

	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, false
	}

	var freeBytes, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(ptr, &freeBytes, &totalBytes, &totalFreeBytes); err != nil {
		return 0, false
	}

	return freeBytes, true
}
