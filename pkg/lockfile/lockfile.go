// --- ARCHITECTURAL OVERVIEW: Run Lock Files ---
//
// Every trigger owns one lock file in the lock directory:
//
//   <lockDir>/.~pgl-dump.<trigger>.lock
//
// Acquisition is an O_EXCL create, so exactly one process wins. The winner keeps
// the file fresh with a heartbeat; a lock whose heartbeat is older than
// staleTimeout belongs to a crashed run and is taken over. Takeovers and
// heartbeats replace the file through temp + rename and a random nonce decides
// which of two racing takers actually won.

// Package lockfile implements per-trigger lock files guarding against
// overlapping runs on the same host or shared filesystem.
package lockfile

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

const fileNamePrefix = ".~pgl-dump."

// FileName returns the lock file name for trigger.
func FileName(trigger string) string {
	return fileNamePrefix + util.SanitizeName(trigger) + ".lock"
}

// Content is what a lock file holds.
type Content struct {
	PID        int64     `json:"pid"`
	Hostname   string    `json:"hostname"`
	Trigger    string    `json:"trigger"`
	Owner      string    `json:"owner"` // run id of the holder
	LastUpdate time.Time `json:"lastUpdate"`
	Nonce      string    `json:"nonce,omitempty"`
}

// ActiveError is returned when another run holds the lock.
type ActiveError struct {
	Content
	TimeSince time.Duration
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("trigger %q is locked by run %s (PID %d on host '%s'), last updated %s ago",
		e.Trigger, e.Owner, e.PID, e.Hostname, e.TimeSince.Truncate(time.Second))
}

// ErrLostRace is returned when a concurrent takeover of a stale lock won.
var ErrLostRace = errors.New("lost race during stale lock takeover")

// ErrCorruptLockFile indicates an empty or unparsable lock file.
var ErrCorruptLockFile = errors.New("lock file is corrupt or empty")

// Vars so tests can shorten them.
var (
	heartbeatInterval = 1 * time.Minute
	staleTimeout      = 3 * heartbeatInterval
	maxAttempts       = 3
	retryPause        = 100 * time.Millisecond
)

// Lock is an acquired lock file.
type Lock struct {
	path    string
	content Content
	cancel  context.CancelFunc
	done    chan struct{}

	mu   sync.Mutex
	held bool
}

// Acquire takes the lock of trigger in dir. owner identifies the run.
// It returns *ActiveError when another live run holds the lock. ctx bounds
// the acquisition only; the heartbeat runs until Release.
func Acquire(ctx context.Context, dir, trigger, owner string) (*Lock, error) {
	path := filepath.Join(dir, FileName(trigger))

	for range maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		lock, err := tryCreate(path, trigger, owner)
		if err == nil {
			return lock.start(), nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to access lock file: %w", err)
		}

		existing, readErr := readContent(path)
		switch {
		case errors.Is(readErr, ErrCorruptLockFile):
			plog.Warn("Found corrupt lock file, treating as stale", "path", path, "error", readErr)
		case os.IsNotExist(readErr):
			// Released between our create and read; try again right away.
			continue
		case readErr != nil:
			pause(ctx)
			continue
		default:
			elapsed := time.Since(existing.LastUpdate)
			if elapsed < staleTimeout {
				return nil, &ActiveError{Content: existing, TimeSince: elapsed}
			}
			plog.Warn("Found stale lock, attempting takeover", "trigger", trigger, "pid", existing.PID, "owner", existing.Owner, "age", elapsed.Truncate(time.Second))
		}

		lock, err = takeover(path, trigger, owner)
		if err != nil {
			if errors.Is(err, ErrLostRace) {
				plog.Debug("Lock takeover race lost, retrying acquisition", "trigger", trigger)
			} else {
				plog.Warn("Failed to take over lock, retrying", "trigger", trigger, "error", err)
			}
			pause(ctx)
			continue
		}
		return lock.start(), nil
	}
	return nil, fmt.Errorf("failed to acquire lock for %q after %d attempts (contention)", trigger, maxAttempts)
}

func pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(retryPause):
	}
}

func newContent(trigger, owner string) (Content, error) {
	nonce, err := generateNonce()
	if err != nil {
		return Content{}, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Content{}, err
	}
	return Content{
		PID:        int64(os.Getpid()),
		Hostname:   hostname,
		Trigger:    trigger,
		Owner:      owner,
		LastUpdate: time.Now().UTC(),
		Nonce:      nonce,
	}, nil
}

// tryCreate wins the lock iff the file did not exist.
func tryCreate(path, trigger, owner string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, util.UserWritableFilePerms)
	if err != nil {
		return nil, err
	}
	content, err := newContent(trigger, owner)
	if err == nil {
		err = writeContent(f, content)
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, content: content}, nil
}

// takeover replaces a stale or corrupt lock and reads it back to detect a lost race.
func takeover(path, trigger, owner string) (*Lock, error) {
	content, err := newContent(trigger, owner)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(path, content); err != nil {
		return nil, err
	}
	got, err := readContent(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read back lock file after takeover: %w", err)
	}
	if got.PID != content.PID || got.Nonce != content.Nonce {
		return nil, ErrLostRace
	}
	plog.Debug("Took over stale lock", "trigger", trigger)
	return &Lock{path: path, content: content}, nil
}

func (l *Lock) start() *Lock {
	cleanupTempFiles(l.path)
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.held = true
	go l.heartbeat(ctx)
	return l
}

// Content returns what this lock wrote.
func (l *Lock) Content() Content {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.content
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release stops the heartbeat and removes the file. It is safe to call twice.
func (l *Lock) Release() {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return
	}
	l.held = false
	l.mu.Unlock()

	l.cancel()
	<-l.done

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to remove lock file", "path", l.path, "error", err)
		return
	}
	plog.Debug("Lock released", "path", l.path)
}

func (l *Lock) heartbeat(ctx context.Context) {
	defer close(l.done)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			l.content.LastUpdate = time.Now().UTC()
			content := l.content
			l.mu.Unlock()
			if err := writeAtomic(l.path, content); err != nil {
				plog.Warn("Heartbeat failed to update lock file", "path", l.path, "error", err)
			}
		}
	}
}

// writeAtomic replaces path via a temp file in the same directory.
func writeAtomic(path string, content Content) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	defer func() {
		if err := os.Remove(tmp.Name()); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove temporary lock file", "path", tmp.Name(), "error", err)
		}
	}()

	if err := writeContent(tmp, content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file to lock file: %w", err)
	}
	return nil
}

// cleanupTempFiles removes temp files left by crashed heartbeats. Only files
// older than staleTimeout go, a live holder may be writing the others.
func cleanupTempFiles(path string) {
	pattern := filepath.Join(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		plog.Warn("Failed to glob for temporary lock files", "pattern", pattern, "error", err)
		return
	}
	threshold := time.Now().Add(-staleTimeout)
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || !info.ModTime().Before(threshold) {
			continue
		}
		plog.Debug("Removing old temporary lock file", "path", match)
		if err := os.Remove(match); err != nil && !os.IsNotExist(err) {
			plog.Warn("Failed to remove leftover temporary lock file", "path", match, "error", err)
		}
	}
}

func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeContent(w io.Writer, content Content) error {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock content: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write lock content: %w", err)
	}
	return nil
}

// readContent retries briefly, a file may be caught empty on filesystems
// without atomic rename.
func readContent(path string) (Content, error) {
	var lastErr, corruptErr error
	for range 3 {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return Content{}, err
		}
		if err != nil {
			lastErr = err
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if len(data) == 0 {
			corruptErr = errors.New("lock file is empty")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		var c Content
		if corruptErr = json.Unmarshal(data, &c); corruptErr != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		return c, nil
	}
	if corruptErr != nil {
		return Content{}, fmt.Errorf("%w: %v", ErrCorruptLockFile, corruptErr)
	}
	return Content{}, fmt.Errorf("failed to read valid lock content: %w", lastErr)
}
