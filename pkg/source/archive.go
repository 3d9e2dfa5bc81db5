package source

import (
	"context"

	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
)

// gnuTarChangedExitCode is GNU tar's "some files differ" status, returned when a
// file changed while it was being read.
const gnuTarChangedExitCode = 1

// Archive creates a tar stream of local paths.
type Archive struct {
	ArchiveName string
	Paths       []string
	Excludes    []string
	// Root, when set, makes paths relative to it (tar -C) instead of absolute.
	Root    string
	UseSudo bool
	// TolerateChanges accepts GNU tar's exit code 1 for files that changed while read.
	TolerateChanges bool
	TarOptions      []string
}

func (a *Archive) Name() string      { return a.ArchiveName }
func (a *Archive) Kind() string      { return KindArchives }
func (a *Archive) Extension() string { return ".tar" }

func (a *Archive) Stage(ctx context.Context) (pipeline.Stage, error) {
	if a.ArchiveName == "" {
		return pipeline.Stage{}, missing("archive", "name")
	}
	if len(a.Paths) == 0 {
		return pipeline.Stage{}, missing("archive", "paths")
	}

	cmd := (&command{}).raw(sudoPrefix(a.UseSudo), "tar").raw(a.TarOptions...)
	if a.Root != "" {
		cmd.raw("-C").arg(a.Root).raw("-cf", "-")
	} else {
		cmd.raw("-cPf", "-")
	}
	for _, ex := range a.Excludes {
		cmd.flag("--exclude", ex)
	}
	cmd.arg(a.Paths...)

	stage := pipeline.Stage{Name: "archive:" + a.ArchiveName, Command: cmd.String()}
	if a.TolerateChanges {
		stage.AcceptExitCodes = []int{gnuTarChangedExitCode}
	}
	return stage, nil
}

var _ Source = (*Archive)(nil)
