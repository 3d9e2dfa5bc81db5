// Package history records which generations were uploaded where.
//
// Storages are the source of truth for what exists on a destination. History
// is the fallback for backends that cannot list (storage.ErrListUnsupported)
// and the audit trail the list command prints. It is kept per trigger and
// destination.
package history

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/storage"
)

// Drivers.
const (
	DriverYAML   = "yaml"
	DriverSQLite = "sqlite"
	DriverNone   = "none"
)

// Record is one uploaded generation.
type Record struct {
	RunID             string    `yaml:"runID"`
	Trigger           string    `yaml:"trigger"`
	Destination       string    `yaml:"destination"`
	Timestamp         time.Time `yaml:"timestamp"`
	Files             []string  `yaml:"files"`
	Size              int64     `yaml:"size"`
	ChunkSuffixLength int       `yaml:"chunkSuffixLength,omitempty"`
}

// Key is the generation name the record belongs to.
func (r Record) Key() string { return packager.FormatTimestamp(r.Timestamp) }

// Generation converts the record back into a storage generation.
func (r Record) Generation() storage.Generation {
	return storage.Generation{
		Trigger:           r.Trigger,
		Timestamp:         r.Timestamp.UTC(),
		DestinationID:     r.Destination,
		RemoteIdentifiers: slices.Clone(r.Files),
		RunID:             r.RunID,
		Size:              r.Size,
	}
}

// FromGeneration builds a record for an uploaded generation.
func FromGeneration(gen storage.Generation, chunkSuffixLength int) Record {
	return Record{
		RunID:             gen.RunID,
		Trigger:           gen.Trigger,
		Destination:       gen.DestinationID,
		Timestamp:         gen.Timestamp.UTC(),
		Files:             slices.Clone(gen.RemoteIdentifiers),
		Size:              gen.Size,
		ChunkSuffixLength: chunkSuffixLength,
	}
}

// Store persists records.
type Store interface {
	// Append adds rec, replacing a record with the same generation key.
	Append(ctx context.Context, rec Record) error
	// List returns the records of one trigger and destination, newest first.
	List(ctx context.Context, trigger, destination string) ([]Record, error)
	// Remove drops the record of one generation. Removing an unknown record is not an error.
	Remove(ctx context.Context, trigger, destination string, ts time.Time) error
	Close() error
}

// Open creates the store selected by driver below dataDir.
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case DriverYAML, "":
		return NewYAMLStore(dataDir), nil
	case DriverSQLite:
		return OpenSQLite(filepath.Join(dataDir, "history.db"))
	case DriverNone:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown history driver %q", driver)
	}
}

func sortNewestFirst(recs []Record) {
	slices.SortStableFunc(recs, func(a, b Record) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
}

// Noop discards everything.
type Noop struct{}

func (Noop) Append(context.Context, Record) error                    { return nil }
func (Noop) List(context.Context, string, string) ([]Record, error)  { return nil, nil }
func (Noop) Remove(context.Context, string, string, time.Time) error { return nil }
func (Noop) Close() error                                            { return nil }

var _ Store = Noop{}
