//go:build !windows

package preflight

import (
	"os"
	"path/filepath"
	"syscall"
)

// IsMountPoint reports whether path sits on a different device than its parent.
func IsMountPoint(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	parent := filepath.Dir(path)
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return false, err
	}
	return !sameDevice(info, parentInfo) || path == parent, nil
}

func sameDevice(a, b os.FileInfo) bool {
	as, ok1 := a.Sys().(*syscall.Stat_t)
	bs, ok2 := b.Sys().(*syscall.Stat_t)
	return ok1 && ok2 && as.Dev == bs.Dev
}
