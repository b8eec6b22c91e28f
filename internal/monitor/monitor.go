// Package monitor is the server-side consumer of run check-ins. It drains
// the update queue and mirrors each worker's run stages into the database,
// so bundle state queries never have to reach a worker.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/models"
	"github.com/DRSY/codalab-worksheets/internal/queue"
)

const applyMaxRetries = 3

// retryBackoff is the base wait between failed apply attempts. Shortened
// in tests.
var retryBackoff = time.Second

type Monitor struct {
	db     *sqlx.DB
	sub    queue.Subscriber
	ctx    context.Context
	cancel context.CancelFunc

	// apply persists one update. Swapped out in tests.
	apply func(ctx context.Context, update models.RunUpdate) error
}

func New(db *sqlx.DB, sub queue.Subscriber) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Monitor{db: db, sub: sub, ctx: ctx, cancel: cancel}
	m.apply = m.upsertRun
	return m
}

// Start is a blocking function. It listens on the update queue and applies
// every models.RunUpdate to the database until Stop is called.
func (m *Monitor) Start() error {
	if err := m.ensureSchema(); err != nil {
		return err
	}

	return m.sub.Subscribe(m.ctx, func(update models.RunUpdate) {
		if err := tryRun(applyMaxRetries, func() error {
			return m.apply(m.ctx, update)
		}); err != nil {
			log.Error().
				Err(err).
				Str("uuid", update.UUID).
				Str("stage", string(update.Stage)).
				Msg("Could not persist run update")
			return
		}

		log.Debug().
			Str("uuid", update.UUID).
			Str("stage", string(update.Stage)).
			Str("worker_id", update.WorkerID).
			Msg("Persisted run update")
	})
}

func (m *Monitor) Stop() {
	m.cancel()
}

func (m *Monitor) ensureSchema() error {
	_, err := m.db.Exec(`
CREATE SCHEMA IF NOT EXISTS worker;

CREATE TABLE IF NOT EXISTS worker.run_state (
    uuid            TEXT PRIMARY KEY,
    stage           TEXT        NOT NULL,
    state           TEXT        NOT NULL,
    worker_id       TEXT        NOT NULL,
    exit_code       INTEGER,
    failure_message TEXT,
    updated_at      TIMESTAMPTZ NOT NULL
)`)
	return err
}

// upsertRun records the latest (uuid, stage) pair. Updates arrive in order
// per run from a given worker, so last write wins is correct here.
func (m *Monitor) upsertRun(ctx context.Context, update models.RunUpdate) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO worker.run_state (uuid, stage, state, worker_id, exit_code, failure_message, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (uuid) DO UPDATE
SET stage           = EXCLUDED.stage,
    state           = EXCLUDED.state,
    worker_id       = EXCLUDED.worker_id,
    exit_code       = EXCLUDED.exit_code,
    failure_message = EXCLUDED.failure_message,
    updated_at      = EXCLUDED.updated_at
`, update.UUID, update.Stage, update.State, update.WorkerID, update.ExitCode, update.FailureMessage, update.Timestamp)
	return err
}

// tryRun attempts f up to maxRetries times with a linear backoff. It returns
// nil as soon as one attempt succeeds.
func tryRun(maxRetries int, f func() error) (lastErr error) {
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if lastErr = f(); lastErr == nil {
			return nil
		}
		// No point backing off once the last attempt has failed.
		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries, lastErr)
}
