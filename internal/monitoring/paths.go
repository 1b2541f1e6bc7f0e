package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
)

// existingPath resolves symlinks and falls back to the parent directory for
// paths that have not been created yet
func existingPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	if _, err := os.Stat(resolved); err == nil {
		return resolved, nil
	}
	parent := filepath.Dir(resolved)
	if _, err := os.Stat(parent); err != nil {
		return "", fmt.Errorf("neither %s nor its parent exist: %w", path, err)
	}
	return parent, nil
}

func newDiskUsage(total, free uint64) *DiskUsage {
	u := &DiskUsage{TotalBytes: total, FreeBytes: free}
	if total == 0 {
		return u
	}
	u.UsedBytes = total - free
	u.PercentUsed = float64(u.UsedBytes) / float64(total) * 100
	return u
}
