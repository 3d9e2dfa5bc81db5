package packager

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// tarFilter is the in-process bundling stage. It writes an uncompressed tar of
// root/dir with entry names relative to root, so the archive unpacks into a
// single directory named after the trigger.
type tarFilter struct {
	root string
	dir  string
}

func (t *tarFilter) Run(ctx context.Context, _ io.Reader, w io.Writer) (retErr error) {
	bufWriter := bufio.NewWriterSize(w, 256*1024)
	tw := tar.NewWriter(bufWriter)
	defer func() {
		if err := tw.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("tar writer close failed: %w", err)
		}
		if err := bufWriter.Flush(); err != nil && retErr == nil {
			retErr = fmt.Errorf("buffer flush failed: %w", err)
		}
	}()

	buf := make([]byte, 128*1024)
	start := filepath.Join(t.root, t.dir)
	return filepath.WalkDir(start, func(absPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(t.root, absPath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return addSymlink(tw, absPath, rel, info)
		case info.IsDir():
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("failed to create tar header for %s: %w", absPath, err)
			}
			header.Name = rel + "/"
			return tw.WriteHeader(header)
		case info.Mode().IsRegular():
			return addFile(tw, absPath, rel, info, buf)
		default:
			// Sockets, devices and the like cannot come out of a dump stage.
			return nil
		}
	})
}

func addFile(tw *tar.Writer, absPath, rel string, info os.FileInfo, buf []byte) error {
	// FileInfoHeader preserves permissions and modification time.
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", absPath, err)
	}
	header.Name = rel
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s for taring: %w", absPath, err)
	}
	defer f.Close()
	if _, err := io.CopyBuffer(tw, f, buf); err != nil {
		return fmt.Errorf("failed to copy file %s to tar: %w", absPath, err)
	}
	return nil
}

func addSymlink(tw *tar.Writer, absPath, rel string, info os.FileInfo) error {
	target, err := os.Readlink(absPath)
	if err != nil {
		return fmt.Errorf("failed to read link target for %s: %w", absPath, err)
	}
	// The second argument of FileInfoHeader is the link name.
	header, err := tar.FileInfoHeader(info, target)
	if err != nil {
		return fmt.Errorf("failed to create tar header for %s: %w", absPath, err)
	}
	header.Name = rel
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", rel, err)
	}
	return nil
}
