// --- ARCHITECTURAL OVERVIEW: Packaging ---
//
// One job run produces one package. The run directory is laid out as:
//
//   <workDir>/<trigger>/<timestamp>/
//     staging/<trigger>/<kind>/<name><ext>   one file per source, each written by
//                                           its own "source | compressor" pipeline
//     secrets/                              encryptor passphrase and source credential files
//     package/<trigger>.tar[.enc]           the bundle, or its chunks -aaaaa, -aaaab, ...
//     package/.pgl-dump.meta.json           manifest of the package
//
// Sources are dumped one after another. Any stage failure aborts packaging with an
// *Error naming the source and wrapping the *pipeline.StageError; whatever was
// written so far stays on disk for diagnostics and is never handed to a storage.
//
// The staging tree is then bundled by an in-process tar filter, optionally piped
// through the encryptor, and written either to a single file or through the
// splitter. A split that ends up with a single chunk is renamed back to the base
// name, so a split package always has more than one file.

// Package packager drives the pipeline executor to turn a job's sources into a Package.
package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/compressor"
	"github.com/paulschiretz/pgl-dump/pkg/encryptor"
	"github.com/paulschiretz/pgl-dump/pkg/metafile"
	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/source"
	"github.com/paulschiretz/pgl-dump/pkg/splitter"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

const (
	stagingDirName = "staging"
	secretsDirName = "secrets"
	packageDirName = "package"
)

// Error reports a packaging failure. Source is empty when bundling failed.
type Error struct {
	Source string
	Err    error
}

func (e *Error) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("packaging failed while bundling: %v", e.Err)
	}
	return fmt.Sprintf("packaging failed for source %q: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Plan describes one packaging run.
type Plan struct {
	RunID     string
	Trigger   string
	Timestamp time.Time
	WorkDir   string

	Sources    []source.Source
	Compressor compressor.Compressor // optional
	Encryptor  encryptor.Encryptor   // optional

	// ChunkSize splits the bundle when > 0.
	ChunkSize    int64
	SuffixLength int

	Log plog.Logger
}

// RunDir is the directory owning every file of this run.
func (p *Plan) RunDir() string {
	return filepath.Join(p.WorkDir, util.SanitizeName(p.Trigger), FormatTimestamp(p.Timestamp))
}

// Packager produces packages. It is stateless apart from its executor.
type Packager struct {
	executor *pipeline.Executor
}

// New creates a Packager running its pipelines on executor.
func New(executor *pipeline.Executor) *Packager {
	return &Packager{executor: executor}
}

// Package dumps every source and bundles the results.
func (p *Packager) Package(ctx context.Context, plan *Plan) (*Package, error) {
	log := plog.OrGlobal(plan.Log)
	if plan.Trigger == "" {
		return nil, errors.New("packaging requires a trigger")
	}
	if len(plan.Sources) == 0 {
		return nil, errors.New("packaging requires at least one source")
	}

	runDir := plan.RunDir()
	stagingRoot := filepath.Join(runDir, stagingDirName)
	contentDir := filepath.Join(stagingRoot, util.SanitizeName(plan.Trigger))
	pkgDir := filepath.Join(runDir, packageDirName)
	for _, dir := range []string{contentDir, pkgDir} {
		if err := os.MkdirAll(dir, util.UserOnlyDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}
	}

	seen := make(map[string]bool)
	for _, src := range plan.Sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := src.Kind() + "/" + src.Name()
		if seen[key] {
			return nil, &Error{Source: src.Name(), Err: fmt.Errorf("duplicate source %s", key)}
		}
		seen[key] = true
		if err := p.dumpSource(ctx, plan, log, src, contentDir); err != nil {
			return nil, err
		}
	}

	pkg, err := p.bundle(ctx, plan, log, stagingRoot, pkgDir)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(stagingRoot); err != nil {
		log.Warn("Failed to remove staging directory", "path", stagingRoot, "error", err)
	}
	if err := metafile.Write(pkgDir, pkg.Manifest()); err != nil {
		return nil, &Error{Err: err}
	}

	log.Info("Package created", "base", pkg.BaseFilename, "files", len(pkg.Files), "bytes", pkg.Size())
	return pkg, nil
}

// dumpSource runs "source | compressor" into the source's staging file.
func (p *Packager) dumpSource(ctx context.Context, plan *Plan, log plog.Logger, src source.Source, contentDir string) error {
	name := src.Name()
	stage, cleanup, err := resolveSource(ctx, src, filepath.Join(plan.RunDir(), secretsDirName))
	if err != nil {
		return &Error{Source: name, Err: err}
	}
	defer func() {
		if err := cleanup(); err != nil {
			log.Warn("Failed to remove source credentials file", "source", name, "error", err)
		}
	}()
	stages := []pipeline.Stage{stage}
	ext := src.Extension()
	if plan.Compressor != nil {
		cs, err := plan.Compressor.Stage()
		if err != nil {
			return &Error{Source: name, Err: err}
		}
		stages = append(stages, cs)
		ext += plan.Compressor.Extension()
	}

	dir := filepath.Join(contentDir, src.Kind())
	if err := os.MkdirAll(dir, util.UserOnlyDirPerms); err != nil {
		return &Error{Source: name, Err: err}
	}
	outPath := filepath.Join(dir, util.SanitizeName(name)+ext)
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return &Error{Source: name, Err: fmt.Errorf("failed to create output file: %w", err)}
	}

	log.Info("Dumping source", "source", name, "kind", src.Kind(), "stages", len(stages))
	res, err := p.executor.Run(ctx, stages, f)
	closeErr := f.Close()
	if err != nil {
		return &Error{Source: name, Err: err}
	}
	logStageOutput(log, name, res)
	if stageErr := res.Err(); stageErr != nil {
		log.Error("Source dump failed, partial output left for inspection", "source", name, "path", outPath)
		return &Error{Source: name, Err: stageErr}
	}
	if closeErr != nil {
		return &Error{Source: name, Err: fmt.Errorf("failed to close output file: %w", closeErr)}
	}
	log.Debug("Source dumped", "source", name, "bytes", res.BytesWritten, "duration", res.Duration.Round(time.Millisecond))
	return nil
}

// resolveSource prefers Prepare for sources that keep credentials in files.
func resolveSource(ctx context.Context, src source.Source, secretsDir string) (pipeline.Stage, func() error, error) {
	if p, ok := src.(source.Preparer); ok {
		return p.Prepare(ctx, secretsDir)
	}
	stage, err := src.Stage(ctx)
	return stage, func() error { return nil }, err
}

// bundle tars the staging tree, optionally encrypts it, and writes the package files.
func (p *Packager) bundle(ctx context.Context, plan *Plan, log plog.Logger, stagingRoot, pkgDir string) (*Package, error) {
	base := util.SanitizeName(plan.Trigger) + ".tar"
	stages := []pipeline.Stage{{
		Name:   "bundle:tar",
		Filter: &tarFilter{root: stagingRoot, dir: util.SanitizeName(plan.Trigger)},
	}}

	if plan.Encryptor != nil {
		stage, cleanup, err := plan.Encryptor.Prepare(ctx, filepath.Join(plan.RunDir(), secretsDirName))
		if err != nil {
			return nil, &Error{Err: fmt.Errorf("encryptor setup failed: %w", err)}
		}
		defer func() {
			if err := cleanup(); err != nil {
				log.Warn("Failed to remove passphrase file", "error", err)
			}
		}()
		stages = append(stages, stage)
		base += plan.Encryptor.Extension()
	}

	pkg := &Package{
		RunID:     plan.RunID,
		Trigger:   plan.Trigger,
		Timestamp: plan.Timestamp.UTC(),
		Dir:       pkgDir,
	}
	pkg.BaseFilename = base

	if plan.ChunkSize > 0 {
		if err := p.bundleSplit(ctx, plan, log, stages, pkg); err != nil {
			return nil, err
		}
		return pkg, nil
	}

	outPath := filepath.Join(pkgDir, base)
	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return nil, &Error{Err: err}
	}
	res, err := p.executor.Run(ctx, stages, f)
	closeErr := f.Close()
	if err != nil {
		return nil, &Error{Err: err}
	}
	logStageOutput(log, "", res)
	if stageErr := res.Err(); stageErr != nil {
		return nil, &Error{Err: stageErr}
	}
	if closeErr != nil {
		return nil, &Error{Err: closeErr}
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return nil, &Error{Err: err}
	}
	pkg.Files = []File{{Name: base, Path: outPath, Size: info.Size()}}
	return pkg, nil
}

func (p *Packager) bundleSplit(ctx context.Context, plan *Plan, log plog.Logger, stages []pipeline.Stage, pkg *Package) error {
	suffixLength := plan.SuffixLength
	if suffixLength <= 0 {
		suffixLength = splitter.DefaultSuffixLength
	}
	sw, err := splitter.NewWriter(pkg.Dir, pkg.BaseFilename, plan.ChunkSize, suffixLength)
	if err != nil {
		return &Error{Err: err}
	}
	res, err := p.executor.Run(ctx, stages, sw)
	closeErr := sw.Close()
	if err != nil {
		return &Error{Err: err}
	}
	logStageOutput(log, "", res)
	if stageErr := res.Err(); stageErr != nil {
		return &Error{Err: stageErr}
	}
	if closeErr != nil {
		return &Error{Err: closeErr}
	}

	chunks := sw.Chunks()
	if len(chunks) <= 1 {
		// A single chunk is just the archive; drop the suffix.
		pkg.ChunkSuffixLength = 0
		outPath := filepath.Join(pkg.Dir, pkg.BaseFilename)
		var size int64
		if len(chunks) == 1 {
			if err := os.Rename(chunks[0].Path, outPath); err != nil {
				return &Error{Err: err}
			}
			size = chunks[0].Size
		}
		pkg.Files = []File{{Name: pkg.BaseFilename, Path: outPath, Size: size}}
		return nil
	}

	pkg.ChunkSuffixLength = suffixLength
	for _, c := range chunks {
		pkg.Files = append(pkg.Files, File{Name: c.Name, Path: c.Path, Size: c.Size})
	}
	return nil
}

// logStageOutput reports accepted non-zero exits as warnings. Stderr of stages
// that succeeded is progress chatter for most dump tools and stays at Info.
// source is empty for the bundle pipeline.
func logStageOutput(log plog.Logger, source string, res *pipeline.Result) {
	args := []any{}
	if source != "" {
		args = append(args, "source", source)
	}
	for _, w := range res.Warnings() {
		log.Warn("Pipeline warning", append(args, "detail", w)...)
	}
	for _, d := range res.Diagnostics() {
		log.Info("Pipeline output", append(args, "detail", d)...)
	}
}
