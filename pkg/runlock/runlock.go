// Package runlock keeps two runs of the same trigger from overlapping.
//
// The file driver guards a single host (or a shared filesystem); the redis
// driver guards a fleet of hosts running the same schedule.
package runlock

import (
	"context"
	"errors"
	"fmt"
)

// Drivers.
const (
	DriverFile  = "file"
	DriverRedis = "redis"
	DriverNone  = "none"
)

// ErrHeld is returned when another run holds the lock of the trigger.
var ErrHeld = errors.New("run lock is held by another run")

// Release gives a lock back. It is safe to call more than once.
type Release func()

// Locker acquires per-trigger run locks. owner identifies the run.
type Locker interface {
	Acquire(ctx context.Context, trigger, owner string) (Release, error)
}

// Options configures Open.
type Options struct {
	Driver    string
	Dir       string // file driver
	RedisURL  string // redis driver
	KeyPrefix string
}

// Open builds the Locker selected by opts.Driver.
func Open(ctx context.Context, opts Options) (Locker, error) {
	switch opts.Driver {
	case "", DriverFile:
		return &FileLocker{Dir: opts.Dir}, nil
	case DriverRedis:
		return NewRedisLocker(ctx, opts.RedisURL, opts.KeyPrefix)
	case DriverNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown lock driver %q", opts.Driver)
	}
}

// Noop never blocks.
type Noop struct{}

func (Noop) Acquire(context.Context, string, string) (Release, error) { return func() {}, nil }

var _ Locker = Noop{}
