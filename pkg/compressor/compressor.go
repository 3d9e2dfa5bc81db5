// Package compressor provides the compression stages of a backup pipeline.
//
// Shell compressors (gzip, bzip2, custom) read stdin and write stdout as
// external processes. The built-in compressors (zstd, pgzip) run in-process as
// pipeline filters and need no binary on the host.
package compressor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
)

// Compressor turns an input stream into a compressed output stream.
type Compressor interface {
	// Name identifies the compressor in logs and stage labels.
	Name() string
	// Extension is appended to the output filename, e.g. ".gz".
	Extension() string
	// Stage returns the pipeline stage reading stdin and writing stdout.
	Stage() (pipeline.Stage, error)
}

// Gzip compresses with the gzip binary.
type Gzip struct {
	Level     Level
	Rsyncable bool
}

func (g *Gzip) Name() string      { return "gzip" }
func (g *Gzip) Extension() string { return ".gz" }

func (g *Gzip) Stage() (pipeline.Stage, error) {
	parts := []string{"gzip"}
	if n := g.Level.numeric(); n > 0 {
		parts = append(parts, fmt.Sprintf("-%d", n))
	}
	if g.Rsyncable {
		parts = append(parts, "--rsyncable")
	}
	return pipeline.Stage{Name: "compress:gzip", Command: strings.Join(parts, " ")}, nil
}

// Bzip2 compresses with the bzip2 binary.
type Bzip2 struct {
	Level Level
}

func (b *Bzip2) Name() string      { return "bzip2" }
func (b *Bzip2) Extension() string { return ".bz2" }

func (b *Bzip2) Stage() (pipeline.Stage, error) {
	cmd := "bzip2"
	if n := b.Level.numeric(); n > 0 {
		cmd += fmt.Sprintf(" -%d", n)
	}
	return pipeline.Stage{Name: "compress:bzip2", Command: cmd}, nil
}

// Custom runs an arbitrary stream compressor, e.g. "xz -T0" with extension ".xz".
type Custom struct {
	Command string
	Ext     string
}

func (c *Custom) Name() string      { return "custom" }
func (c *Custom) Extension() string { return c.Ext }

func (c *Custom) Stage() (pipeline.Stage, error) {
	if strings.TrimSpace(c.Command) == "" {
		return pipeline.Stage{}, errors.New("custom compressor requires a command")
	}
	if c.Ext != "" && !strings.HasPrefix(c.Ext, ".") {
		return pipeline.Stage{}, fmt.Errorf("custom compressor extension %q must start with a dot", c.Ext)
	}
	return pipeline.Stage{Name: "compress:custom", Command: c.Command}, nil
}

var _ Compressor = (*Gzip)(nil)
var _ Compressor = (*Bzip2)(nil)
var _ Compressor = (*Custom)(nil)
