// --- ARCHITECTURAL OVERVIEW: Storages ---
//
// A storage is a destination that receives finished packages. Every upload
// creates one generation, addressed by trigger and timestamp:
//
//   <root>/<trigger>/<timestamp>/<package files> + .pgl-dump.meta.json
//
// The timestamp in the generation name is the only thing retention relies on,
// so listing never needs to read file metadata. Names that do not parse as a
// timestamp are not generations and are skipped, which also hides in-flight
// uploads that are still being written under a temporary name.
//
// Backends:
//   - Local: a directory on this machine, optionally bandwidth limited.
//   - RSync: rsync over ssh (or to a local path), listing and deleting via ssh.
//   - S3:    any S3 compatible object store.

// Package storage defines the destination contract and its backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
)

// ErrListUnsupported is returned by backends that cannot enumerate their own
// generations. Callers fall back to the recorded history.
var ErrListUnsupported = hints.New("storage cannot list generations")

// ErrGenerationNotFound is returned when a generation to delete is already gone.
var ErrGenerationNotFound = errors.New("generation not found")

// Generation is one uploaded package on one destination.
type Generation struct {
	Trigger       string
	Timestamp     time.Time
	DestinationID string
	// RemoteIdentifiers locate the generation's files on the destination.
	RemoteIdentifiers []string
	RunID             string
	Size              int64
}

// Key is the generation's name on the destination.
func (g Generation) Key() string {
	return packager.FormatTimestamp(g.Timestamp)
}

// Storage is a backup destination.
type Storage interface {
	// ID is unique within a job.
	ID() string
	// Upload copies every file of pkg and its manifest. On failure the error is a
	// *TransferError and nothing is left that ListGenerations would report.
	Upload(ctx context.Context, pkg *packager.Package) (Generation, error)
	// ListGenerations returns the generations of trigger, newest first.
	ListGenerations(ctx context.Context, trigger string) ([]Generation, error)
	// DeleteGeneration removes every file of gen. It wraps ErrGenerationNotFound
	// when there is nothing to delete.
	DeleteGeneration(ctx context.Context, gen Generation) error
}

// FileError is the failure of one file during an upload.
type FileError struct {
	Name string
	Err  error
}

func (e FileError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }

// TransferError reports a failed upload.
type TransferError struct {
	DestinationID string
	Files         []FileError
	// Err is a failure not tied to a single file, e.g. an unreachable destination.
	Err error
}

func (e *TransferError) Error() string {
	var parts []string
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	for _, f := range e.Files {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("transfer to %q failed: %s", e.DestinationID, strings.Join(parts, "; "))
}

// Unwrap exposes the destination error and every file error.
func (e *TransferError) Unwrap() []error {
	errs := make([]error, 0, len(e.Files)+1)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Files {
		errs = append(errs, f.Err)
	}
	return errs
}

// SortNewestFirst orders generations by their timestamp, newest first. Equal
// timestamps keep their relative order.
func SortNewestFirst(gens []Generation) {
	slices.SortStableFunc(gens, func(a, b Generation) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

// parseGeneration turns a directory or prefix name into a Generation. The
// second result is false for names that are not generations.
func parseGeneration(trigger, destID, name string) (Generation, bool) {
	ts, err := packager.ParseTimestamp(name)
	if err != nil {
		return Generation{}, false
	}
	return Generation{Trigger: trigger, Timestamp: ts, DestinationID: destID}, true
}

func newGeneration(destID string, pkg *packager.Package, ids []string) Generation {
	return Generation{
		Trigger:           pkg.Trigger,
		Timestamp:         pkg.Timestamp.UTC(),
		DestinationID:     destID,
		RemoteIdentifiers: ids,
		RunID:             pkg.RunID,
		Size:              pkg.Size(),
	}
}
