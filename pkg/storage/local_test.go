package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/metafile"
)

func TestLocal_UploadListDelete(t *testing.T) {
	root := t.TempDir()
	l := &Local{Name: "local", Path: root}
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		pkg := newTestPackage(t, "nightly", base.Add(time.Duration(i)*time.Hour), map[string]string{
			"nightly.tar-aaaaa": "chunk-a",
			"nightly.tar-aaaab": "chunk-b",
		})
		gen, err := l.Upload(ctx, pkg)
		if err != nil {
			t.Fatalf("upload %d failed: %v", i, err)
		}
		if gen.DestinationID != "local" || len(gen.RemoteIdentifiers) != 2 || gen.Size != 14 {
			t.Errorf("unexpected generation: %+v", gen)
		}
	}

	genDir := filepath.Join(root, "nightly", "2024.05.01.14.00.00")
	if data, err := os.ReadFile(filepath.Join(genDir, "nightly.tar-aaaab")); err != nil || string(data) != "chunk-b" {
		t.Errorf("expected chunk content, got %q (%v)", data, err)
	}
	if meta, err := metafile.Read(genDir); err != nil || len(meta.Files) != 2 {
		t.Errorf("expected manifest with 2 files, got %+v (%v)", meta, err)
	}

	gens, err := l.ListGenerations(ctx, "nightly")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(gens) != 3 {
		t.Fatalf("expected 3 generations, got %d", len(gens))
	}
	if gens[0].Key() != "2024.05.01.14.00.00" || gens[2].Key() != "2024.05.01.12.00.00" {
		t.Errorf("expected newest first, got %s .. %s", gens[0].Key(), gens[2].Key())
	}
	if gens[0].Size != 14 || gens[0].RunID == "" {
		t.Errorf("expected manifest data in listing, got %+v", gens[0])
	}

	if err := l.DeleteGeneration(ctx, gens[2]); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "nightly", "2024.05.01.12.00.00")); !os.IsNotExist(err) {
		t.Error("expected generation directory to be gone")
	}
	if err := l.DeleteGeneration(ctx, gens[2]); !errors.Is(err, ErrGenerationNotFound) {
		t.Errorf("expected ErrGenerationNotFound on second delete, got %v", err)
	}
}

func TestLocal_ListSkipsForeignEntries(t *testing.T) {
	root := t.TempDir()
	trg := filepath.Join(root, "nightly")
	for _, d := range []string{"2024.01.01.00.00.00", ".2024.01.02.00.00.00.partial", "notes"} {
		if err := os.MkdirAll(filepath.Join(trg, d), 0755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(trg, "2024.01.03.00.00.00"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	gens, err := (&Local{Name: "local", Path: root}).ListGenerations(context.Background(), "nightly")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(gens) != 1 || gens[0].Key() != "2024.01.01.00.00.00" {
		t.Errorf("expected only the real generation, got %+v", gens)
	}
}

func TestLocal_ListEmpty(t *testing.T) {
	gens, err := (&Local{Name: "local", Path: t.TempDir()}).ListGenerations(context.Background(), "never-ran")
	if err != nil || len(gens) != 0 {
		t.Errorf("expected empty listing, got %v (%v)", gens, err)
	}
}

func TestLocal_UploadFailure(t *testing.T) {
	root := t.TempDir()
	l := &Local{Name: "local", Path: root}
	pkg := newTestPackage(t, "nightly", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), map[string]string{"nightly.tar": "x"})
	pkg.Files[0].Path = filepath.Join(pkg.Dir, "missing")

	_, err := l.Upload(context.Background(), pkg)
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransferError, got %v", err)
	}
	if len(te.Files) != 1 || te.Files[0].Name != "nightly.tar" {
		t.Errorf("expected the failed file to be listed, got %+v", te.Files)
	}
	gens, _ := l.ListGenerations(context.Background(), "nightly")
	if len(gens) != 0 {
		t.Errorf("expected no generation after failed upload, got %d", len(gens))
	}
	entries, _ := os.ReadDir(filepath.Join(root, "nightly"))
	if len(entries) != 0 {
		t.Errorf("expected partial directory to be cleaned up, found %d entries", len(entries))
	}
}

func TestLocal_UploadExistingGeneration(t *testing.T) {
	l := &Local{Name: "local", Path: t.TempDir()}
	pkg := newTestPackage(t, "nightly", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), map[string]string{"nightly.tar": "x"})
	if _, err := l.Upload(context.Background(), pkg); err != nil {
		t.Fatalf("first upload failed: %v", err)
	}
	if _, err := l.Upload(context.Background(), pkg); err == nil {
		t.Error("expected error when the generation already exists")
	}
}

func TestLocal_UploadUnreachable(t *testing.T) {
	l := &Local{Name: "local", Path: filepath.Join(t.TempDir(), "a", "b", "c")}
	pkg := newTestPackage(t, "nightly", time.Now(), map[string]string{"nightly.tar": "x"})
	_, err := l.Upload(context.Background(), pkg)
	var te *TransferError
	if !errors.As(err, &te) || te.Err == nil {
		t.Fatalf("expected a destination level TransferError, got %v", err)
	}
}

func TestLocal_BandwidthLimit(t *testing.T) {
	l := &Local{Name: "local", Path: t.TempDir(), BandwidthLimitKB: 64}
	// Burst covers the first 256 KiB; the remaining 64 KiB take about a second.
	payload := make([]byte, 320*1024)
	pkg := newTestPackage(t, "nightly", time.Now(), map[string]string{"nightly.tar": string(payload)})

	start := time.Now()
	if _, err := l.Upload(context.Background(), pkg); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("expected throttled copy, took only %v", elapsed)
	}
}
