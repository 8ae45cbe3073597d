// Package storage persists engine state as JSON files using an atomic write pattern.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

// ReadJSON decodes the file at path into v. A missing file returns an error matching
// os.ErrNotExist so callers can fall back to defaults.
func ReadJSON(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// WriteJSONAtomic writes v to path using an atomic write pattern.
// 1. Write to a temporary file in the same directory.
// 2. Sync to ensure data is on disk.
// 3. Rename temporary file to destination.
func WriteJSONAtomic(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(b); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	// Close explicitly before renaming (essential on Windows)
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// LaneStore keeps one JSON document per lane under Dir.
type LaneStore struct {
	Dir string
}

func NewLaneStore(dir string) *LaneStore {
	return &LaneStore{Dir: dir}
}

// Path returns the file a lane's state lives in.
func (s *LaneStore) Path(lane string) string {
	return filepath.Join(s.Dir, "lane_"+unsafeName.ReplaceAllString(lane, "_")+".json")
}

func (s *LaneStore) Save(lane string, v any) error {
	return WriteJSONAtomic(s.Path(lane), v)
}

// Load decodes a lane's document into v. It reports false when nothing was saved yet.
func (s *LaneStore) Load(lane string, v any) (bool, error) {
	err := ReadJSON(s.Path(lane), v)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
