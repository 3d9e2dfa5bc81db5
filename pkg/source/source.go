// Package source defines the dump stage of a backup pipeline and the adapters
// that produce it. A source emits exactly one byte stream on stdout; the
// packager names the resulting file <name><extension> under the source's kind.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// Kinds group source outputs inside the package.
const (
	KindDatabases = "databases"
	KindArchives  = "archives"
)

// Source produces the first stage of a pipeline.
type Source interface {
	// Name is the output file's base name, unique per kind within a job.
	Name() string
	// Kind is the directory the output is grouped under.
	Kind() string
	// Extension is the extension of the raw dump, e.g. ".sql" or ".tar".
	Extension() string
	// Stage returns the dump stage with credentials and options already resolved.
	Stage(ctx context.Context) (pipeline.Stage, error)
}

// Preparer is implemented by sources whose credentials must not appear on the
// command line. The packager calls Prepare with the run's secrets directory
// instead of Stage, and calls cleanup once the stage has finished.
type Preparer interface {
	Prepare(ctx context.Context, dir string) (pipeline.Stage, func() error, error)
}

// ErrMissingField is wrapped by adapters when a required setting is empty.
var ErrMissingField = errors.New("missing required field")

func missing(adapter, field string) error {
	return fmt.Errorf("%s: %w %q", adapter, ErrMissingField, field)
}

// command assembles a shell command from a binary, pre-quoted flags, and
// free-form extra options the user supplied verbatim.
type command struct {
	parts []string
}

func (c *command) raw(s ...string) *command {
	for _, p := range s {
		if p != "" {
			c.parts = append(c.parts, p)
		}
	}
	return c
}

// flag appends name=value quoted, skipping empty values.
func (c *command) flag(name, value string) *command {
	if value != "" {
		c.parts = append(c.parts, name+"="+util.ShellQuote(value))
	}
	return c
}

// arg appends quoted positional arguments.
func (c *command) arg(s ...string) *command {
	for _, p := range s {
		c.parts = append(c.parts, util.ShellQuote(p))
	}
	return c
}

func (c *command) String() string { return strings.Join(c.parts, " ") }

func sudoPrefix(useSudo bool) string {
	if useSudo {
		return "sudo -n"
	}
	return ""
}
