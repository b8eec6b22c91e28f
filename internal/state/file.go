package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/DRSY/codalab-worksheets/internal/models"
)

// FileCommitter stores the snapshot as a JSON file. Commit writes to a
// temporary file in the same directory and renames it over the target, so
// readers only ever observe a complete snapshot.
type FileCommitter struct {
	path string
}

// NewFileCommitter creates a committer backed by the given file path. The
// parent directory must exist.
func NewFileCommitter(path string) *FileCommitter {
	return &FileCommitter{path: path}
}

// Load reads the last committed snapshot. A missing file yields an empty
// run map so a fresh worker starts cleanly.
func (c *FileCommitter) Load() (map[string]models.RunRecord, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]models.RunRecord), nil
	} else if err != nil {
		return nil, fmt.Errorf("could not read snapshot %s: %w", c.path, err)
	}

	var runs map[string]models.RunRecord
	if err := json.Unmarshal(data, &runs); err != nil {
		return nil, fmt.Errorf("could not parse snapshot %s: %w", c.path, err)
	}
	if runs == nil {
		runs = make(map[string]models.RunRecord)
	}
	return runs, nil
}

// Commit atomically replaces the snapshot with the given run map.
func (c *FileCommitter) Commit(runs map[string]models.RunRecord) error {
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("could not serialize snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("could not create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("could not write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("could not close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("could not commit snapshot: %w", err)
	}
	return nil
}
