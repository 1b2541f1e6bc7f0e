//go:build !windows
// +build !windows

package monitoring

import (
	"fmt"
	"syscall"
)

func getDiskUsage(path string) (*DiskUsage, error) {
	checkPath, err := existingPath(path)
	if err != nil {
		return nil, err
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(checkPath, &stat); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", checkPath, err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize) // #nosec G115 - safe filesystem stat conversion
	freeBytes := stat.Bavail * uint64(stat.Bsize)  // #nosec G115 - safe filesystem stat conversion
	return newDiskUsage(totalBytes, freeBytes), nil
}
