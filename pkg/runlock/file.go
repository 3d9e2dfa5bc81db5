package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/paulschiretz/pgl-dump/pkg/lockfile"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// FileLocker keeps one lock file per trigger in Dir.
type FileLocker struct {
	Dir string
}

func (l *FileLocker) Acquire(ctx context.Context, trigger, owner string) (Release, error) {
	if err := os.MkdirAll(l.Dir, util.UserOnlyDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	lock, err := lockfile.Acquire(ctx, l.Dir, trigger, owner)
	if err != nil {
		var active *lockfile.ActiveError
		if errors.As(err, &active) {
			return nil, fmt.Errorf("%w: %v", ErrHeld, active)
		}
		return nil, err
	}
	return lock.Release, nil
}

var _ Locker = (*FileLocker)(nil)
