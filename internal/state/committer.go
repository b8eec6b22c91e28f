// Package state persists the run manager's full run map as a single
// durable snapshot. Commits are whole-snapshot and atomic: a crash mid-write
// must never leave a partially-written snapshot behind.
package state

import (
	"github.com/DRSY/codalab-worksheets/internal/models"
)

// Committer loads and commits the serialized run map. Load on a store that
// has never been committed to returns an empty map, not an error.
type Committer interface {
	Load() (map[string]models.RunRecord, error)
	Commit(runs map[string]models.RunRecord) error
}
