package packager

import (
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/buildinfo"
	"github.com/paulschiretz/pgl-dump/pkg/metafile"
)

// TimestampFormat names generations. It sorts lexicographically in time order
// and is always rendered in UTC.
const TimestampFormat = "2006.01.02.15.04.05"

// FormatTimestamp renders t the way generation directories are named.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// ParseTimestamp parses a generation name back into a time.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimestampFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("not a generation timestamp: %q", s)
	}
	return t, nil
}

// File is one file of a package.
type File struct {
	Name string
	Path string
	Size int64
}

// Package is the artifact of one job run. It is immutable once returned by the Packager.
type Package struct {
	RunID     string
	Trigger   string
	Timestamp time.Time
	// BaseFilename is the name of the unsplit archive, e.g. "nightly.tar.gpg".
	BaseFilename string
	// ChunkSuffixLength is 0 for an unsplit package.
	ChunkSuffixLength int
	// Files are in reconstruction order.
	Files []File
	// Dir is the local directory holding Files.
	Dir string
}

// TimestampString returns the generation name.
func (p *Package) TimestampString() string {
	return FormatTimestamp(p.Timestamp)
}

// Split reports whether the package consists of chunks.
func (p *Package) Split() bool {
	return p.ChunkSuffixLength > 0
}

// Size is the total byte size of all files.
func (p *Package) Size() int64 {
	var n int64
	for _, f := range p.Files {
		n += f.Size
	}
	return n
}

// Manifest returns the metadata stored next to each generation.
func (p *Package) Manifest() *metafile.MetafileContent {
	files := make([]metafile.FileEntry, len(p.Files))
	for i, f := range p.Files {
		files[i] = metafile.FileEntry{Name: f.Name, Size: f.Size}
	}
	return &metafile.MetafileContent{
		Version:           buildinfo.Version,
		RunID:             p.RunID,
		Trigger:           p.Trigger,
		TimestampUTC:      p.Timestamp.UTC(),
		BaseFilename:      p.BaseFilename,
		ChunkSuffixLength: p.ChunkSuffixLength,
		Files:             files,
	}
}
