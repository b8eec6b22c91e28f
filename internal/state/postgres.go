package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/DRSY/codalab-worksheets/internal/models"
)

// PostgresCommitter stores the snapshot as a single row keyed by worker id.
// Useful when workers run on hosts without durable local disk; the upsert
// is atomic at the row level which gives the same whole-snapshot guarantee
// as the file committer's rename.
type PostgresCommitter struct {
	db       *sqlx.DB
	workerID string
}

// NewPostgresCommitter creates a committer writing to the worker.snapshot
// table. The table is created on first use if it does not exist.
func NewPostgresCommitter(db *sqlx.DB, workerID string) (*PostgresCommitter, error) {
	_, err := db.Exec(`
CREATE SCHEMA IF NOT EXISTS worker;
CREATE TABLE IF NOT EXISTS worker.snapshot (
    worker_id  TEXT PRIMARY KEY,
    payload    JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return nil, fmt.Errorf("could not ensure snapshot table: %w", err)
	}
	return &PostgresCommitter{db: db, workerID: workerID}, nil
}

func (c *PostgresCommitter) Load() (map[string]models.RunRecord, error) {
	var payload []byte
	err := c.db.Get(&payload, `SELECT payload FROM worker.snapshot WHERE worker_id = $1`, c.workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return make(map[string]models.RunRecord), nil
	} else if err != nil {
		return nil, fmt.Errorf("could not load snapshot for worker %s: %w", c.workerID, err)
	}

	var runs map[string]models.RunRecord
	if err := json.Unmarshal(payload, &runs); err != nil {
		return nil, fmt.Errorf("could not parse snapshot for worker %s: %w", c.workerID, err)
	}
	if runs == nil {
		runs = make(map[string]models.RunRecord)
	}
	return runs, nil
}

func (c *PostgresCommitter) Commit(runs map[string]models.RunRecord) error {
	payload, err := json.Marshal(runs)
	if err != nil {
		return fmt.Errorf("could not serialize snapshot: %w", err)
	}

	_, err = c.db.Exec(`
INSERT INTO worker.snapshot (worker_id, payload, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (worker_id)
DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
`, c.workerID, payload)
	if err != nil {
		return fmt.Errorf("could not commit snapshot for worker %s: %w", c.workerID, err)
	}
	return nil
}
