package splitter

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestSuffix(t *testing.T) {
	testCases := []struct {
		index int
		width int
		want  string
	}{
		{0, 5, "aaaaa"},
		{1, 5, "aaaab"},
		{10, 5, "aaaak"},
		{25, 5, "aaaaz"},
		{26, 5, "aaaba"},
		{675, 2, "zz"},
		{0, 1, "a"},
	}
	for _, tc := range testCases {
		got, err := Suffix(tc.index, tc.width)
		if err != nil {
			t.Fatalf("Suffix(%d, %d) returned error: %v", tc.index, tc.width, err)
		}
		if got != tc.want {
			t.Errorf("Suffix(%d, %d) = %q, want %q", tc.index, tc.width, got, tc.want)
		}
	}

	if _, err := Suffix(676, 2); !errors.Is(err, ErrSuffixExhausted) {
		t.Errorf("expected ErrSuffixExhausted, got %v", err)
	}
	if _, err := Suffix(0, 0); err == nil {
		t.Error("expected error for zero width")
	}
}

func TestWriter_ElevenMegabytesIntoOneMegabyteChunks(t *testing.T) {
	const mb = 1024 * 1024
	dir := t.TempDir()

	data := make([]byte, 11*mb)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	w, err := NewWriter(dir, "archive.tar", mb, 5)
	if err != nil {
		t.Fatal(err)
	}
	// Write in odd-sized pieces so chunk boundaries fall inside writes.
	for off := 0; off < len(data); {
		end := min(off+333_333, len(data))
		if _, err := w.Write(data[off:end]); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		off = end
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	chunks := w.Chunks()
	if len(chunks) != 11 {
		t.Fatalf("expected 11 chunks, got %d", len(chunks))
	}
	if chunks[0].Name != "archive.tar-aaaaa" || chunks[10].Name != "archive.tar-aaaak" {
		t.Errorf("unexpected chunk names: first %s, last %s", chunks[0].Name, chunks[10].Name)
	}
	for i, c := range chunks {
		if c.Size != mb {
			t.Errorf("chunk %d: expected size %d, got %d", i, mb, c.Size)
		}
	}

	// Concatenating the files in name order reproduces the stream.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	var joined bytes.Buffer
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		joined.Write(b)
	}
	if !bytes.Equal(joined.Bytes(), data) {
		t.Error("concatenated chunks do not match the original stream")
	}
}

func TestWriter_ChunkCount(t *testing.T) {
	testCases := []struct {
		name       string
		size       int
		chunkSize  int64
		wantChunks int
		lastSize   int64
	}{
		{"Empty stream", 0, 10, 0, 0},
		{"Smaller than chunk", 7, 10, 1, 7},
		{"Exactly one chunk", 10, 10, 1, 10},
		{"Exact multiple", 30, 10, 3, 10},
		{"Remainder", 31, 10, 4, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w, err := NewWriter(t.TempDir(), "pkg", tc.chunkSize, 0)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write(bytes.Repeat([]byte{'x'}, tc.size)); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			chunks := w.Chunks()
			if len(chunks) != tc.wantChunks {
				t.Fatalf("expected %d chunks, got %d", tc.wantChunks, len(chunks))
			}
			if tc.wantChunks > 0 && chunks[len(chunks)-1].Size != tc.lastSize {
				t.Errorf("expected last chunk size %d, got %d", tc.lastSize, chunks[len(chunks)-1].Size)
			}
		})
	}
}

func TestWriter_SuffixExhausted(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "pkg", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	n, err := w.Write(bytes.Repeat([]byte{'x'}, 27))
	if !errors.Is(err, ErrSuffixExhausted) {
		t.Fatalf("expected ErrSuffixExhausted, got %v", err)
	}
	if n != 26 {
		t.Errorf("expected 26 bytes written before exhaustion, got %d", n)
	}
}

func TestWriter_WriteAfterClose(t *testing.T) {
	w, err := NewWriter(t.TempDir(), "pkg", 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()
	if _, err := w.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected os.ErrClosed, got %v", err)
	}
}
