package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-dump/pkg/util"
)

type yamlFile struct {
	Generations []Record `yaml:"generations"`
}

// YAMLStore keeps one file per trigger and destination:
// <dataDir>/<trigger>/<destination>.yml.
type YAMLStore struct {
	dataDir string
	mu      sync.Mutex
}

// NewYAMLStore creates a store rooted at dataDir. Nothing is touched until the first write.
func NewYAMLStore(dataDir string) *YAMLStore {
	return &YAMLStore{dataDir: dataDir}
}

func (s *YAMLStore) path(trigger, destination string) string {
	return filepath.Join(s.dataDir, util.SanitizeName(trigger), util.SanitizeName(destination)+".yml")
}

func (s *YAMLStore) load(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history %s: %w", path, err)
	}
	var f yamlFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse history %s: %w", path, err)
	}
	return f.Generations, nil
}

// save writes recs to a temporary file and renames it over path.
func (s *YAMLStore) save(path string, recs []Record) error {
	sortNewestFirst(recs)
	data, err := yaml.Marshal(yamlFile{Generations: recs})
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close history: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace history %s: %w", path, err)
	}
	return nil
}

func (s *YAMLStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(rec.Trigger, rec.Destination)
	recs, err := s.load(path)
	if err != nil {
		return err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	replaced := false
	for i := range recs {
		if recs[i].Timestamp.Equal(rec.Timestamp) {
			recs[i] = rec
			replaced = true
		}
	}
	if !replaced {
		recs = append(recs, rec)
	}
	return s.save(path, recs)
}

func (s *YAMLStore) List(ctx context.Context, trigger, destination string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.load(s.path(trigger, destination))
	if err != nil {
		return nil, err
	}
	sortNewestFirst(recs)
	return recs, nil
}

func (s *YAMLStore) Remove(ctx context.Context, trigger, destination string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.path(trigger, destination)
	recs, err := s.load(path)
	if err != nil {
		return err
	}
	kept := recs[:0]
	for _, r := range recs {
		if !r.Timestamp.Equal(ts) {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(recs) {
		return nil
	}
	return s.save(path, kept)
}

func (s *YAMLStore) Close() error { return nil }

var _ Store = (*YAMLStore)(nil)
