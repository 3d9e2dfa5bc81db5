package metafile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWriteAndReadMetafile(t *testing.T) {
	tempDir := t.TempDir()

	testContent := MetafileContent{
		Version:           "1.0.0",
		RunID:             "run-1234",
		Trigger:           "nightly",
		TimestampUTC:      time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC),
		BaseFilename:      "nightly.tar",
		ChunkSuffixLength: 5,
		Files: []FileEntry{
			{Name: "nightly.tar-aaaaa", Size: 100},
			{Name: "nightly.tar-aaaab", Size: 42},
		},
	}

	if err := Write(tempDir, &testContent); err != nil {
		t.Fatalf("Write() failed: %v", err)
	}

	metaFilePath := filepath.Join(tempDir, MetaFileName)
	if _, err := os.Stat(metaFilePath); os.IsNotExist(err) {
		t.Fatalf("Metafile was not created at %s", metaFilePath)
	}

	readContent, err := Read(tempDir)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}

	if readContent.RunID != testContent.RunID || readContent.Trigger != testContent.Trigger {
		t.Errorf("identity mismatch: got %+v", readContent)
	}
	if !readContent.TimestampUTC.Equal(testContent.TimestampUTC) {
		t.Errorf("Expected timestamp %v, got %v", testContent.TimestampUTC, readContent.TimestampUTC)
	}
	if len(readContent.Files) != 2 || readContent.Files[1].Name != "nightly.tar-aaaab" {
		t.Errorf("unexpected files: %+v", readContent.Files)
	}
	if readContent.TotalSize() != 142 {
		t.Errorf("expected total size 142, got %d", readContent.TotalSize())
	}
}

func TestMarshalDecode(t *testing.T) {
	data, err := Marshal(&MetafileContent{Trigger: "hourly", Files: []FileEntry{{Name: "hourly.tar", Size: 1}}})
	if err != nil {
		t.Fatal(err)
	}
	content, err := Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if content.Trigger != "hourly" || len(content.Files) != 1 {
		t.Errorf("unexpected decoded content: %+v", content)
	}
}

func TestReadNonExistentMetafile(t *testing.T) {
	tempDir := t.TempDir()
	_, err := Read(tempDir)
	if err == nil {
		t.Fatal("Expected an error when reading a non-existent metafile, but got nil")
	}
	if !os.IsNotExist(err) {
		t.Errorf("Expected os.IsNotExist error, got %v", err)
	}
}

func TestReadCorruptMetafile(t *testing.T) {
	tempDir := t.TempDir()
	metaFilePath := filepath.Join(tempDir, MetaFileName)
	if err := os.WriteFile(metaFilePath, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("Failed to write corrupt metafile: %v", err)
	}

	_, err := Read(tempDir)
	if err == nil {
		t.Fatal("Expected an error when reading a corrupt metafile, but got nil")
	}
	if !strings.Contains(err.Error(), "could not parse metafile") {
		t.Errorf("Expected error about parsing metafile, got %v", err)
	}
}
