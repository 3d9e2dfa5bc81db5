package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/paulschiretz/pgl-dump/pkg/metafile"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
	"github.com/paulschiretz/pgl-dump/pkg/pool"
	"github.com/paulschiretz/pgl-dump/pkg/preflight"
	"github.com/paulschiretz/pgl-dump/pkg/util"
)

const (
	copyBufferSize = 256 * 1024
	partialSuffix  = ".partial"
)

var copyBuffers = pool.NewFixedBuffer(copyBufferSize)

// Local stores generations in a directory on this machine.
type Local struct {
	Name string
	Path string
	// BandwidthLimitKB caps the copy rate in KiB/s. Zero means unlimited.
	BandwidthLimitKB int
	// RequireMount refuses to write when Path sits on the system disk.
	RequireMount bool
}

func (l *Local) ID() string { return l.Name }

func (l *Local) triggerDir(trigger string) string {
	return filepath.Join(l.Path, util.SanitizeName(trigger))
}

// Upload copies the package into <path>/<trigger>/.<timestamp>.partial and
// renames the directory once every file is in place.
func (l *Local) Upload(ctx context.Context, pkg *packager.Package) (Generation, error) {
	if err := preflight.CheckDirAccessible(l.Path, l.RequireMount); err != nil {
		return Generation{}, &TransferError{DestinationID: l.Name, Err: err}
	}

	trgDir := l.triggerDir(pkg.Trigger)
	genDir := filepath.Join(trgDir, pkg.TimestampString())
	tmpDir := filepath.Join(trgDir, "."+pkg.TimestampString()+partialSuffix)

	if _, err := os.Stat(genDir); err == nil {
		return Generation{}, &TransferError{DestinationID: l.Name, Err: fmt.Errorf("generation %s already exists", genDir)}
	}
	if err := os.RemoveAll(tmpDir); err != nil {
		return Generation{}, &TransferError{DestinationID: l.Name, Err: err}
	}
	if err := os.MkdirAll(tmpDir, util.UserWritableDirPerms); err != nil {
		return Generation{}, &TransferError{DestinationID: l.Name, Err: fmt.Errorf("failed to create generation directory: %w", err)}
	}

	var limiter *rate.Limiter
	if l.BandwidthLimitKB > 0 {
		bytesPerSec := l.BandwidthLimitKB * 1024
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, copyBufferSize))
	}

	var failed []FileError
	ids := make([]string, 0, len(pkg.Files))
	for _, f := range pkg.Files {
		if err := ctx.Err(); err != nil {
			failed = append(failed, FileError{Name: f.Name, Err: err})
			continue
		}
		if err := copyFile(ctx, f.Path, filepath.Join(tmpDir, f.Name), limiter); err != nil {
			failed = append(failed, FileError{Name: f.Name, Err: err})
			continue
		}
		ids = append(ids, filepath.Join(genDir, f.Name))
	}
	if len(failed) == 0 {
		if err := metafile.Write(tmpDir, pkg.Manifest()); err != nil {
			failed = append(failed, FileError{Name: metafile.MetaFileName, Err: err})
		}
	}
	if len(failed) > 0 {
		_ = os.RemoveAll(tmpDir)
		return Generation{}, &TransferError{DestinationID: l.Name, Files: failed}
	}

	if err := os.Rename(tmpDir, genDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return Generation{}, &TransferError{DestinationID: l.Name, Err: fmt.Errorf("failed to finalize generation: %w", err)}
	}
	return newGeneration(l.Name, pkg, ids), nil
}

// copyFile streams src into dst, optionally throttled by limiter.
func copyFile(ctx context.Context, src, dst string, limiter *rate.Limiter) (retErr error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserGroupWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer func() {
		if err := out.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("failed to close %s: %w", dst, err)
		}
	}()

	var w io.Writer = out
	if limiter != nil {
		w = &limitedWriter{ctx: ctx, w: out, limiter: limiter}
	}

	bufPtr := copyBuffers.Get()
	defer copyBuffers.Put(bufPtr)
	if _, err := io.CopyBuffer(w, in, *bufPtr); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Sync()
}

// limitedWriter waits for limiter tokens before each write.
type limitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := min(len(p), l.limiter.Burst())
		if err := l.limiter.WaitN(l.ctx, n); err != nil {
			return written, err
		}
		m, err := l.w.Write(p[:n])
		written += m
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}

func (l *Local) ListGenerations(ctx context.Context, trigger string) ([]Generation, error) {
	trgDir := l.triggerDir(trigger)
	entries, err := os.ReadDir(trgDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", trgDir, err)
	}

	var gens []Generation
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gen, ok := parseGeneration(trigger, l.Name, e.Name())
		if !ok {
			continue
		}
		genDir := filepath.Join(trgDir, e.Name())
		if meta, err := metafile.Read(genDir); err == nil {
			gen.RunID = meta.RunID
			gen.Size = meta.TotalSize()
			for _, f := range meta.Files {
				gen.RemoteIdentifiers = append(gen.RemoteIdentifiers, filepath.Join(genDir, f.Name))
			}
		} else {
			gen.RemoteIdentifiers = []string{genDir}
		}
		gens = append(gens, gen)
	}
	SortNewestFirst(gens)
	return gens, nil
}

// DeleteGeneration removes every entry of the generation directory, then the directory.
func (l *Local) DeleteGeneration(ctx context.Context, gen Generation) error {
	return deleteLocalGeneration(filepath.Join(l.triggerDir(gen.Trigger), gen.Key()))
}

func deleteLocalGeneration(genDir string) error {
	entries, err := os.ReadDir(genDir)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrGenerationNotFound, genDir)
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(genDir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		if err := os.Remove(genDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Storage = (*Local)(nil)
