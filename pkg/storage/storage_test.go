package storage

import (
	"context"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-dump/pkg/hints"
	"github.com/paulschiretz/pgl-dump/pkg/packager"
)

// newTestPackage writes files into a fresh directory and describes them as a package.
func newTestPackage(t *testing.T, trigger string, ts time.Time, files map[string]string) *packager.Package {
	t.Helper()
	dir := t.TempDir()
	pkg := &packager.Package{
		RunID:        "run-" + packager.FormatTimestamp(ts),
		Trigger:      trigger,
		Timestamp:    ts,
		BaseFilename: trigger + ".tar",
		Dir:          dir,
	}
	for _, name := range slices.Sorted(maps.Keys(files)) {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(files[name]), 0644); err != nil {
			t.Fatalf("failed to write package file: %v", err)
		}
		pkg.Files = append(pkg.Files, packager.File{Name: name, Path: p, Size: int64(len(files[name]))})
	}
	return pkg
}

func TestSortNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gens := []Generation{
		{Timestamp: base.Add(1 * time.Hour), RunID: "b"},
		{Timestamp: base, RunID: "a"},
		{Timestamp: base.Add(3 * time.Hour), RunID: "d"},
		{Timestamp: base.Add(1 * time.Hour), RunID: "c"},
	}
	SortNewestFirst(gens)

	want := []string{"d", "b", "c", "a"}
	for i, g := range gens {
		if g.RunID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], g.RunID)
		}
	}
}

func TestParseGeneration(t *testing.T) {
	if _, ok := parseGeneration("nightly", "local", ".2024.01.01.00.00.00.partial"); ok {
		t.Error("expected a partial upload to be skipped")
	}
	if _, ok := parseGeneration("nightly", "local", "lost+found"); ok {
		t.Error("expected a foreign directory to be skipped")
	}
	gen, ok := parseGeneration("nightly", "local", "2024.01.02.03.04.05")
	if !ok {
		t.Fatal("expected a generation name to parse")
	}
	if gen.Key() != "2024.01.02.03.04.05" || gen.DestinationID != "local" || gen.Trigger != "nightly" {
		t.Errorf("unexpected generation: %+v", gen)
	}
}

func TestTransferError(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&TransferError{
		DestinationID: "offsite",
		Files:         []FileError{{Name: "nightly.tar-aaaab", Err: cause}},
	})
	if !strings.Contains(err.Error(), "offsite") || !strings.Contains(err.Error(), "nightly.tar-aaaab") {
		t.Errorf("expected destination and file in message, got %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected TransferError to unwrap to the file error")
	}
	var te *TransferError
	if !errors.As(err, &te) || te.DestinationID != "offsite" {
		t.Error("expected errors.As to find the TransferError")
	}
}

func TestErrListUnsupportedIsHint(t *testing.T) {
	if !hints.IsHint(ErrListUnsupported) {
		t.Error("expected ErrListUnsupported to be a hint")
	}
}

type flakyStorage struct {
	failures int
	calls    atomic.Int32
}

func (f *flakyStorage) ID() string { return "flaky" }
func (f *flakyStorage) Upload(ctx context.Context, pkg *packager.Package) (Generation, error) {
	if int(f.calls.Add(1)) <= f.failures {
		return Generation{}, &TransferError{DestinationID: "flaky", Err: errors.New("connection reset")}
	}
	return Generation{DestinationID: "flaky", Timestamp: pkg.Timestamp}, nil
}
func (f *flakyStorage) ListGenerations(context.Context, string) ([]Generation, error) {
	return nil, nil
}
func (f *flakyStorage) DeleteGeneration(context.Context, Generation) error { return nil }

func TestRetrying(t *testing.T) {
	pkg := &packager.Package{Trigger: "nightly", Timestamp: time.Now()}

	testCases := []struct {
		name        string
		failures    int
		retries     int
		expectErr   bool
		expectCalls int32
	}{
		{"Succeeds first try", 0, 2, false, 1},
		{"Succeeds after retries", 2, 2, false, 3},
		{"Exhausts retries", 5, 2, true, 3},
		{"No retries configured", 1, 0, true, 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inner := &flakyStorage{failures: tc.failures}
			s := Retrying(inner, tc.retries, time.Millisecond, nil)
			_, err := s.Upload(context.Background(), pkg)
			if (err != nil) != tc.expectErr {
				t.Fatalf("expected error=%v, got %v", tc.expectErr, err)
			}
			if got := inner.calls.Load(); got != tc.expectCalls {
				t.Errorf("expected %d calls, got %d", tc.expectCalls, got)
			}
			if s.ID() != "flaky" {
				t.Errorf("expected wrapped ID, got %q", s.ID())
			}
		})
	}
}

func TestRetrying_StopsOnCancel(t *testing.T) {
	inner := &flakyStorage{failures: 10}
	s := Retrying(inner, 5, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Upload(ctx, &packager.Package{Trigger: "nightly"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry wait did not stop on cancel")
	}
}
