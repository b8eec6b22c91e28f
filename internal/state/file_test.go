package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DRSY/codalab-worksheets/internal/models"
	"github.com/DRSY/codalab-worksheets/internal/state"
)

func TestFileCommitterRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	committer := state.NewFileCommitter(path)

	runs := map[string]models.RunRecord{
		"0xaaa": {
			Bundle: models.BundleInfo{
				UUID:     "0xaaa",
				Location: "/bundles/0xaaa",
				Command:  "echo hello",
			},
			Stage:            models.StageRunning,
			RunStatus:        "Running",
			BackendJobHandle: null.StringFrom("job-1"),
		},
		"0xbbb": {
			Bundle:         models.BundleInfo{UUID: "0xbbb", Location: "/bundles/0xbbb"},
			Stage:          models.StageFinished,
			IsKilled:       true,
			KillMessage:    null.StringFrom("Kill requested"),
			FailureMessage: null.StringFrom("boom"),
			ExitCode:       null.IntFrom(137),
		},
	}
	require.NoError(t, committer.Commit(runs))

	loaded, err := committer.Load()
	require.NoError(t, err)
	assert.Equal(t, runs, loaded)
}

func TestFileCommitterMissingFile(t *testing.T) {
	committer := state.NewFileCommitter(filepath.Join(t.TempDir(), "never-written.json"))

	runs, err := committer.Load()
	require.NoError(t, err)
	assert.NotNil(t, runs)
	assert.Empty(t, runs)
}

func TestFileCommitterCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	_, err := state.NewFileCommitter(path).Load()
	assert.Error(t, err)
}

func TestFileCommitterLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	committer := state.NewFileCommitter(filepath.Join(dir, "runs.json"))

	require.NoError(t, committer.Commit(map[string]models.RunRecord{}))
	require.NoError(t, committer.Commit(map[string]models.RunRecord{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "runs.json", entries[0].Name())
}
