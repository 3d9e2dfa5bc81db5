// Package preflight provides checks that run before a job touches anything.
// They are stateless and leave the system as they found it, except for the
// writable check which creates the directory it is asked about.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// ErrNotMounted is returned when a destination that must live on its own
// volume sits on the system disk instead.
var ErrNotMounted = errors.New("destination is not on a mounted volume")

// CheckDirAccessible ensures a destination directory is usable.
//
// The checks include:
//  1. If the path exists, it must be a directory.
//  2. If it does not exist, the deepest existing ancestor must be accessible,
//     and so must the immediate parent, so MkdirAll cannot fail on it.
//  3. With requireMount, the path (or its deepest ancestor) must not live on
//     the root filesystem. This catches a "ghost" directory left behind by an
//     unplugged disk.
func CheckDirAccessible(path string, requireMount bool) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		ancestor := deepestExistingAncestor(path)
		if _, err := os.Stat(ancestor); err != nil {
			return fmt.Errorf("cannot access ancestor directory %s: %w", ancestor, err)
		}
		if requireMount {
			if err := validateMountPoint(ancestor); err != nil {
				return err
			}
		}
		parent := filepath.Dir(path)
		if _, err := os.Stat(parent); os.IsNotExist(err) {
			return fmt.Errorf("destination path and its parent directory do not exist: %s", parent)
		} else if err != nil {
			return fmt.Errorf("cannot access parent directory %s: %w", parent, err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("cannot access destination path: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", path)
	}
	if requireMount {
		return validateMountPoint(path)
	}
	return nil
}

// deepestExistingAncestor walks up from path until a component can be stat'ed
// or fails with something other than "does not exist".
func deepestExistingAncestor(path string) string {
	ancestor := path
	for {
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			return ancestor
		}
		if _, err := os.Stat(parent); !os.IsNotExist(err) {
			return parent
		}
		ancestor = parent
	}
}

// CheckDirWritable creates path if needed and verifies a file can be written into it.
func CheckDirWritable(path string) error {
	if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	f, err := os.CreateTemp(path, ".pgl-dump-writetest-*.tmp")
	if err != nil {
		return fmt.Errorf("directory %s is not writable: %w", path, err)
	}
	name := f.Name()
	f.Close()
	_ = os.Remove(name)
	return nil
}

// CheckCommands verifies that the program invoked by each command line can be
// found. Only the first word is looked up; commands starting with a shell
// construct (a variable assignment or a subshell) are skipped.
func CheckCommands(commands ...string) error {
	var errs []error
	seen := make(map[string]bool)
	for _, c := range commands {
		prog := programOf(c)
		if prog == "" || seen[prog] {
			continue
		}
		seen[prog] = true
		if _, err := exec.LookPath(prog); err != nil {
			errs = append(errs, fmt.Errorf("command %q not found: %w", prog, err))
		}
	}
	return errors.Join(errs...)
}

func programOf(command string) string {
	fields := strings.Fields(command)
	for len(fields) > 0 && fields[0] == "sudo" {
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return ""
	}
	prog := strings.Trim(fields[0], "'\"")
	if strings.ContainsAny(prog, "=($`{") {
		return ""
	}
	return prog
}
