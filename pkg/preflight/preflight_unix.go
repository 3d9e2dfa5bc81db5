//go:build !windows

package preflight

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// validateMountPoint rejects paths that share their device with "/".
// Paths below the home directory are allowed; dumping into a local user folder
// is usually intentional.
func validateMountPoint(path string) error {
	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" && homeDir != "/" && strings.HasPrefix(path, homeDir) {
		return nil
	}

	var rootStat, pathStat unix.Stat_t
	if err := unix.Stat("/", &rootStat); err != nil {
		return fmt.Errorf("failed to stat root: %w", err)
	}
	if err := unix.Stat(path, &pathStat); err != nil {
		return fmt.Errorf("failed to stat destination path: %w", err)
	}
	if pathStat.Dev == rootStat.Dev && path != "/" {
		return fmt.Errorf("path '%s' is on the root filesystem (system disk): %w", path, ErrNotMounted)
	}
	return nil
}
