package runlock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func testLockers(t *testing.T) map[string]Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	rl, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("new redis locker: %v", err)
	}
	t.Cleanup(func() { rl.Close() })
	return map[string]Locker{
		"file":  &FileLocker{Dir: t.TempDir()},
		"redis": rl,
	}
}

func TestLockers(t *testing.T) {
	for name, l := range testLockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, err := l.Acquire(ctx, "nightly", "run-1")
			if err != nil {
				t.Fatalf("acquire: %v", err)
			}

			if _, err := l.Acquire(ctx, "nightly", "run-2"); !errors.Is(err, ErrHeld) {
				t.Fatalf("expected ErrHeld, got %v", err)
			}

			other, err := l.Acquire(ctx, "weekly", "run-3")
			if err != nil {
				t.Fatalf("expected another trigger to be free: %v", err)
			}
			other()

			release()
			release()

			again, err := l.Acquire(ctx, "nightly", "run-2")
			if err != nil {
				t.Fatalf("expected acquire after release: %v", err)
			}
			again()
		})
	}
}

func TestRedisLocker_ReleaseKeepsForeignLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr(), "test:")
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()

	release, err := rl.Acquire(context.Background(), "nightly", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	// The lock expired and another run took it.
	mr.Set("test:nightly", "run-2")

	release()
	if got, _ := mr.Get("test:nightly"); got != "run-2" {
		t.Errorf("release removed a lock owned by another run, value now %q", got)
	}
}

func TestRedisLocker_Renewal(t *testing.T) {
	mr := miniredis.RunT(t)
	rl, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr(), "test:")
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()
	rl.TTL = 300 * time.Millisecond

	release, err := rl.Acquire(context.Background(), "nightly", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	// Let the renewal goroutine run a few times.
	time.Sleep(250 * time.Millisecond)
	if ttl := mr.TTL("test:nightly"); ttl <= 0 {
		t.Errorf("expected a ttl on the lock key, got %v", ttl)
	}
}

func TestOpen(t *testing.T) {
	if l, err := Open(context.Background(), Options{Dir: t.TempDir()}); err != nil {
		t.Errorf("expected default file driver, got %v", err)
	} else if _, ok := l.(*FileLocker); !ok {
		t.Errorf("expected *FileLocker, got %T", l)
	}
	if l, err := Open(context.Background(), Options{Driver: DriverNone}); err != nil {
		t.Error(err)
	} else if _, err := l.Acquire(context.Background(), "x", "y"); err != nil {
		t.Errorf("noop acquire failed: %v", err)
	}
	if _, err := Open(context.Background(), Options{Driver: "zookeeper"}); err == nil {
		t.Error("expected error for unknown driver")
	}
	if _, err := Open(context.Background(), Options{Driver: DriverRedis, RedisURL: "::bad"}); err == nil {
		t.Error("expected error for a bad redis url")
	}
}
