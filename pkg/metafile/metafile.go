// Package metafile reads and writes the manifest stored next to every generation.
// The manifest lists the package files in reconstruction order, so a generation
// can be verified or restored without asking the storage backend to sort anything.
package metafile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// MetaFileName is the name of the generation manifest.
const MetaFileName = ".pgl-dump.meta.json"

// FileEntry is one package file.
type FileEntry struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// MetafileContent holds the contents of the manifest.
type MetafileContent struct {
	Version           string      `json:"version"`
	RunID             string      `json:"runID"`
	Trigger           string      `json:"trigger"`
	TimestampUTC      time.Time   `json:"timestampUTC"`
	BaseFilename      string      `json:"baseFilename"`
	ChunkSuffixLength int         `json:"chunkSuffixLength,omitempty"`
	Files             []FileEntry `json:"files"`
}

// TotalSize sums the file sizes.
func (c MetafileContent) TotalSize() int64 {
	var n int64
	for _, f := range c.Files {
		n += f.Size
	}
	return n
}

// Marshal encodes the manifest the way Write stores it.
func Marshal(content *MetafileContent) ([]byte, error) {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("could not marshal meta data: %w", err)
	}
	return data, nil
}

// Decode parses a manifest from r.
func Decode(r io.Reader) (MetafileContent, error) {
	var content MetafileContent
	if err := json.NewDecoder(r).Decode(&content); err != nil {
		return MetafileContent{}, err
	}
	return content, nil
}

// Write creates and writes the manifest into a given directory.
func Write(dirPath string, content *MetafileContent) error {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	data, err := Marshal(content)
	if err != nil {
		return err
	}

	// Group-writable: the manifest is part of the backup data, unlike lock or config files.
	if err := os.WriteFile(metaFilePath, data, util.UserGroupWritableFilePerms); err != nil {
		return fmt.Errorf("could not write meta file %s: %w", metaFilePath, err)
	}
	return nil
}

// Read opens and parses the manifest in a given directory.
func Read(dirPath string) (MetafileContent, error) {
	metaFilePath := filepath.Join(dirPath, MetaFileName)
	metaFile, err := os.Open(metaFilePath)
	if err != nil {
		// Note: os.IsNotExist errors are handled by the caller.
		return MetafileContent{}, err
	}
	defer metaFile.Close()

	content, err := Decode(metaFile)
	if err != nil {
		return MetafileContent{}, fmt.Errorf("could not parse metafile %s: %w. It may be corrupt", metaFilePath, err)
	}
	return content, nil
}
