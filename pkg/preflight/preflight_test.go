package preflight

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckDirAccessible(t *testing.T) {
	t.Run("Happy Path - Dir Exists", func(t *testing.T) {
		if err := CheckDirAccessible(t.TempDir(), false); err != nil {
			t.Errorf("expected no error for existing directory, but got: %v", err)
		}
	})

	t.Run("Happy Path - Dir Does Not Exist, Parent Exists", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "new_dir")
		if err := CheckDirAccessible(target, false); err != nil {
			t.Errorf("expected no error when parent exists, but got: %v", err)
		}
	})

	t.Run("Error - Parent Does Not Exist", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "a", "b")
		err := CheckDirAccessible(target, false)
		if err == nil || !strings.Contains(err.Error(), "do not exist") {
			t.Errorf("expected missing parent error, got: %v", err)
		}
	})

	t.Run("Error - Path Is a File", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "target.txt")
		if err := os.WriteFile(target, []byte("i am a file"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}
		err := CheckDirAccessible(target, false)
		if err == nil || !strings.Contains(err.Error(), "is not a directory") {
			t.Errorf("expected 'not a directory' error, got: %v", err)
		}
	})
}

func TestCheckDirWritable(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "dir")
	if err := CheckDirWritable(target); err != nil {
		t.Fatalf("expected directory to be created and writable, got: %v", err)
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected write test file to be removed, found %d entries", len(entries))
	}
}

func TestProgramOf(t *testing.T) {
	testCases := []struct {
		command string
		want    string
	}{
		{"pg_dump --format=plain mydb", "pg_dump"},
		{"sudo tar -cf - /etc", "tar"},
		{"'/usr/bin/mysqldump' --all-databases", "/usr/bin/mysqldump"},
		{"FOO=bar cmd", ""},
		{"$(which tar) -c", ""},
		{"   ", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.command, func(t *testing.T) {
			if got := programOf(tc.command); got != tc.want {
				t.Errorf("programOf(%q) = %q, want %q", tc.command, got, tc.want)
			}
		})
	}
}

func TestCheckCommands(t *testing.T) {
	if err := CheckCommands("definitely-not-a-real-binary-pgl --flag"); err == nil {
		t.Error("expected error for a missing program")
	}
	if err := CheckCommands("", "X=1 something"); err != nil {
		t.Errorf("expected skipped commands to pass, got: %v", err)
	}
}
