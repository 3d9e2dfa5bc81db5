// Package splitter divides a byte stream into fixed-size chunk files named with
// a fixed-width lowercase alphabetic suffix (base-aaaaa, base-aaaab, ...), so the
// original stream is restored by concatenating the chunks in name order.
package splitter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-dump/pkg/util"
)

// DefaultSuffixLength is the width of the chunk suffix when none is configured.
const DefaultSuffixLength = 5

// ErrSuffixExhausted is returned when the stream needs more chunks than the suffix width allows.
var ErrSuffixExhausted = errors.New("chunk suffixes exhausted")

// Chunk is one file written by the Writer.
type Chunk struct {
	Name string
	Path string
	Size int64
}

// Suffix returns the suffix of the chunk at index for the given width:
// 0 -> "aaaaa", 1 -> "aaaab", 26 -> "aaaba".
func Suffix(index, width int) (string, error) {
	if width <= 0 {
		return "", fmt.Errorf("invalid suffix width %d", width)
	}
	if index < 0 {
		return "", fmt.Errorf("invalid chunk index %d", index)
	}
	buf := make([]byte, width)
	n := index
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte('a' + n%26)
		n /= 26
	}
	if n > 0 {
		return "", fmt.Errorf("%w: index %d does not fit in %d characters", ErrSuffixExhausted, index, width)
	}
	return string(buf), nil
}

// Writer is an io.WriteCloser that rolls over to a new chunk file every
// chunkSize bytes. Chunk files are created lazily, so a stream of S bytes
// produces exactly ceil(S/chunkSize) files.
type Writer struct {
	dir          string
	base         string
	chunkSize    int64
	suffixLength int

	cur     *os.File
	written int64 // bytes in the current chunk
	chunks  []Chunk
	closed  bool
}

// NewWriter creates a Writer producing <dir>/<base>-<suffix> files.
func NewWriter(dir, base string, chunkSize int64, suffixLength int) (*Writer, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if suffixLength <= 0 {
		suffixLength = DefaultSuffixLength
	}
	if base == "" {
		return nil, errors.New("base filename must not be empty")
	}
	return &Writer{dir: dir, base: base, chunkSize: chunkSize, suffixLength: suffixLength}, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	total := 0
	for len(p) > 0 {
		if w.cur == nil || w.written == w.chunkSize {
			if err := w.roll(); err != nil {
				return total, err
			}
		}
		room := w.chunkSize - w.written
		part := p
		if int64(len(part)) > room {
			part = part[:room]
		}
		n, err := w.cur.Write(part)
		total += n
		w.written += int64(n)
		w.chunks[len(w.chunks)-1].Size += int64(n)
		if err != nil {
			return total, fmt.Errorf("failed to write chunk %s: %w", w.cur.Name(), err)
		}
		p = p[n:]
	}
	return total, nil
}

// roll closes the current chunk and opens the next one.
func (w *Writer) roll() error {
	if w.cur != nil {
		if err := w.cur.Close(); err != nil {
			return fmt.Errorf("failed to close chunk %s: %w", w.cur.Name(), err)
		}
		w.cur = nil
	}
	suffix, err := Suffix(len(w.chunks), w.suffixLength)
	if err != nil {
		return err
	}
	name := w.base + "-" + suffix
	path := filepath.Join(w.dir, name)
	// O_TRUNC: a chunk left behind by an earlier, failed attempt must not leak into this one.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to create chunk: %w", err)
	}
	w.cur = f
	w.written = 0
	w.chunks = append(w.chunks, Chunk{Name: name, Path: path})
	return nil
}

// Close closes the current chunk. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if w.cur == nil {
		return nil
	}
	err := w.cur.Close()
	w.cur = nil
	return err
}

// Chunks returns the chunks written so far, in suffix order.
func (w *Writer) Chunks() []Chunk {
	out := make([]Chunk, len(w.chunks))
	copy(out, w.chunks)
	return out
}
