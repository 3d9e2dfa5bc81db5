package packager

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/compressor"
	"github.com/paulschiretz/pgl-dump/pkg/metafile"
	"github.com/paulschiretz/pgl-dump/pkg/pipeline"
	"github.com/paulschiretz/pgl-dump/pkg/plog"
	"github.com/paulschiretz/pgl-dump/pkg/source"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("packager tests rely on /bin/sh")
	}
}

func testPlan(t *testing.T, sources ...source.Source) *Plan {
	t.Helper()
	return &Plan{
		RunID:     "run-1",
		Trigger:   "nightly",
		Timestamp: time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC),
		WorkDir:   t.TempDir(),
		Sources:   sources,
	}
}

func tarEntries(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open bundle: %v", err)
	}
	defer f.Close()
	var names []string
	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("failed to read tar: %v", err)
		}
		names = append(names, hdr.Name)
	}
	sort.Strings(names)
	return names
}

func TestPackage_Single(t *testing.T) {
	skipOnWindows(t)

	plan := testPlan(t,
		&source.Command{DumpName: "main_db", Run: "printf 'CREATE TABLE t;'", Ext: ".sql"},
		&source.Command{DumpName: "etc", SourceKind: source.KindArchives, Run: "printf 'tarball'", Ext: ".tar"},
	)
	pkg, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}

	if pkg.Split() {
		t.Error("expected an unsplit package")
	}
	if pkg.BaseFilename != "nightly.tar" {
		t.Errorf("unexpected base filename %q", pkg.BaseFilename)
	}
	if len(pkg.Files) != 1 || pkg.Files[0].Name != "nightly.tar" {
		t.Fatalf("unexpected files: %+v", pkg.Files)
	}
	if pkg.TimestampString() != "2024.03.01.02.00.00" {
		t.Errorf("unexpected timestamp %q", pkg.TimestampString())
	}

	got := tarEntries(t, pkg.Files[0].Path)
	want := []string{
		"nightly/",
		"nightly/archives/",
		"nightly/archives/etc.tar",
		"nightly/databases/",
		"nightly/databases/main_db.sql",
	}
	if len(got) != len(want) {
		t.Fatalf("expected entries %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}

	if _, err := os.Stat(filepath.Join(plan.RunDir(), stagingDirName)); !os.IsNotExist(err) {
		t.Error("expected staging directory to be removed")
	}
	meta, err := metafile.Read(pkg.Dir)
	if err != nil {
		t.Fatalf("failed to read manifest: %v", err)
	}
	if meta.RunID != "run-1" || meta.BaseFilename != "nightly.tar" || len(meta.Files) != 1 {
		t.Errorf("unexpected manifest: %+v", meta)
	}
}

func TestPackage_Compressed(t *testing.T) {
	skipOnWindows(t)

	plan := testPlan(t, &source.Command{DumpName: "db", Run: "printf 'data'", Ext: ".sql"})
	plan.Compressor = &compressor.Zstd{Level: compressor.Fastest}

	pkg, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	got := tarEntries(t, pkg.Files[0].Path)
	if got[len(got)-1] != "nightly/databases/db.sql.zst" {
		t.Errorf("expected compressed entry, got %v", got)
	}
}

func TestPackage_Split(t *testing.T) {
	skipOnWindows(t)

	// 3 MiB of source data gives a tar slightly above 3 MiB, hence 4 chunks of 1 MiB.
	plan := testPlan(t, &source.Command{DumpName: "big", Run: "head -c 3145728 /dev/zero", Ext: ".bin"})
	plan.ChunkSize = 1 << 20

	pkg, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if !pkg.Split() || pkg.ChunkSuffixLength != 5 {
		t.Fatalf("expected a split package with suffix length 5, got %+v", pkg)
	}
	wantNames := []string{"nightly.tar-aaaaa", "nightly.tar-aaaab", "nightly.tar-aaaac", "nightly.tar-aaaad"}
	if len(pkg.Files) != len(wantNames) {
		t.Fatalf("expected %d chunks, got %d", len(wantNames), len(pkg.Files))
	}
	for i, f := range pkg.Files {
		if f.Name != wantNames[i] {
			t.Errorf("chunk %d: expected %q, got %q", i, wantNames[i], f.Name)
		}
		if i < len(pkg.Files)-1 && f.Size != 1<<20 {
			t.Errorf("chunk %d: expected full size, got %d", i, f.Size)
		}
	}
}

func TestPackage_SplitSingleChunkDropsSuffix(t *testing.T) {
	skipOnWindows(t)

	plan := testPlan(t, &source.Command{DumpName: "tiny", Run: "printf 'x'", Ext: ".txt"})
	plan.ChunkSize = 1 << 20

	pkg, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan)
	if err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if pkg.Split() {
		t.Errorf("expected a single-chunk package to be unsplit")
	}
	if len(pkg.Files) != 1 || pkg.Files[0].Name != "nightly.tar" {
		t.Fatalf("unexpected files: %+v", pkg.Files)
	}
	if _, err := os.Stat(filepath.Join(pkg.Dir, "nightly.tar")); err != nil {
		t.Errorf("expected renamed archive: %v", err)
	}
}

// chattyEncryptor passes data through and logs to stderr like gpg does.
type chattyEncryptor struct{}

func (chattyEncryptor) Name() string      { return "chatty" }
func (chattyEncryptor) Extension() string { return ".enc" }
func (chattyEncryptor) Prepare(context.Context, string) (pipeline.Stage, func() error, error) {
	stage := pipeline.Stage{Name: "encrypt:chatty", Command: "cat; echo 'using cipher AES256' >&2"}
	return stage, func() error { return nil }, nil
}

func TestPackage_StageStderrIsNotAWarning(t *testing.T) {
	skipOnWindows(t)

	for _, chunkSize := range []int64{0, 1 << 20} {
		plan := testPlan(t, &source.Command{DumpName: "db", Run: "echo 'dumping table t' >&2; printf 'data'", Ext: ".sql"})
		plan.Encryptor = chattyEncryptor{}
		plan.ChunkSize = chunkSize
		rec := plog.NewRecorder()
		plan.Log = rec

		if _, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan); err != nil {
			t.Fatalf("chunk size %d: Package failed: %v", chunkSize, err)
		}
		if rec.Warned() {
			t.Errorf("chunk size %d: expected no warning, got %v", chunkSize, rec.Strings())
		}
		var sawSource, sawEncryptor bool
		for _, l := range rec.Strings() {
			sawSource = sawSource || strings.Contains(l, "dumping table t")
			sawEncryptor = sawEncryptor || strings.Contains(l, "using cipher AES256")
		}
		if !sawSource || !sawEncryptor {
			t.Errorf("chunk size %d: expected stderr of both pipelines to be recorded, got %v", chunkSize, rec.Strings())
		}
	}
}

func TestPackage_AcceptedExitCodeIsAWarning(t *testing.T) {
	skipOnWindows(t)

	plan := testPlan(t, &source.Command{DumpName: "etc", Run: "printf 'tar'; exit 1", Ext: ".tar", AcceptExitCodes: []int{1}})
	rec := plog.NewRecorder()
	plan.Log = rec

	if _, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan); err != nil {
		t.Fatalf("Package failed: %v", err)
	}
	if !rec.Warned() {
		t.Errorf("expected the accepted exit code to be a warning, got %v", rec.Strings())
	}
}

func TestPackage_SourceFailure(t *testing.T) {
	skipOnWindows(t)

	plan := testPlan(t,
		&source.Command{DumpName: "ok", Run: "printf 'fine'", Ext: ".sql"},
		&source.Command{DumpName: "broken", Run: "echo 'access denied' >&2; exit 2", Ext: ".sql"},
	)
	plan.Compressor = &compressor.Gzip{}

	_, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan)
	var pkgErr *Error
	if !errors.As(err, &pkgErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if pkgErr.Source != "broken" {
		t.Errorf("expected source 'broken' to be named, got %q", pkgErr.Source)
	}
	var stageErr *pipeline.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected wrapped *pipeline.StageError, got %v", err)
	}
	if stageErr.Stage.Index != 0 || stageErr.Stage.ExitCode != 2 {
		t.Errorf("expected dump stage to be blamed with code 2, got %+v", stageErr.Stage)
	}

	// Partial output is left in place.
	if _, err := os.Stat(filepath.Join(plan.RunDir(), stagingDirName)); err != nil {
		t.Errorf("expected staging directory to remain after failure: %v", err)
	}
}

func TestPackage_DuplicateSource(t *testing.T) {
	skipOnWindows(t)

	plan := testPlan(t,
		&source.Command{DumpName: "db", Run: "printf 'a'", Ext: ".sql"},
		&source.Command{DumpName: "db", Run: "printf 'b'", Ext: ".sql"},
	)
	_, err := New(pipeline.NewExecutor(nil)).Package(context.Background(), plan)
	var pkgErr *Error
	if !errors.As(err, &pkgErr) || pkgErr.Source != "db" {
		t.Fatalf("expected duplicate source error, got %v", err)
	}
}

func TestPackage_InvalidPlan(t *testing.T) {
	p := New(pipeline.NewExecutor(nil))
	if _, err := p.Package(context.Background(), &Plan{Trigger: "nightly", WorkDir: t.TempDir()}); err == nil {
		t.Error("expected error for a plan without sources")
	}
	if _, err := p.Package(context.Background(), &Plan{WorkDir: t.TempDir()}); err == nil {
		t.Error("expected error for a plan without trigger")
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2023, 12, 31, 23, 59, 58, 0, time.UTC)
	parsed, err := ParseTimestamp(FormatTimestamp(ts))
	if err != nil {
		t.Fatalf("ParseTimestamp failed: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, parsed)
	}
	if _, err := ParseTimestamp("latest"); err == nil {
		t.Error("expected error for a non-timestamp")
	}
}
