package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/backend"
	"github.com/DRSY/codalab-worksheets/internal/models"
)

// StateMachine is the pure transition function of the per-run lifecycle.
// Transition is called once per sweep tick per run and is idempotent with
// respect to backend side effects: repeated calls without a change in the
// backend-observed status never re-submit or re-cancel a job.
type StateMachine struct {
	backend  backend.Client
	workDir  string // worker-local scratch area, one subdirectory per run
	workerID string
}

// NewStateMachine creates the transition function for the given backend.
// workDir is the worker-local scratch root released during cleanup.
func NewStateMachine(client backend.Client, workDir, workerID string) *StateMachine {
	return &StateMachine{backend: client, workDir: workDir, workerID: workerID}
}

// Transition advances a run by one tick. Cleanup is local and cheap, so a
// run entering the cleanup branch during a tick is cleaned up within that
// same tick; only a cleanup failure leaves it observable in
// StageCleaningUp for a retry.
func (m *StateMachine) Transition(ctx context.Context, r models.RunRecord) models.RunRecord {
	// A kill request always wins over a status-based advance in the same
	// tick. The stage move to cleaning_up is what guarantees the cancel is
	// issued at most once.
	if r.IsKilled && r.Stage != models.StageCleaningUp && !r.Stage.Terminal() {
		r = m.cancel(ctx, r)
	}

	switch r.Stage {
	case models.StageInitializing:
		r = m.transitionInitializing(ctx, r)
	case models.StageSubmitted:
		r = m.transitionSubmitted(ctx, r)
	case models.StageRunning:
		r = m.transitionRunning(ctx, r)
	}

	if r.Stage == models.StageCleaningUp {
		r = m.transitionCleaningUp(r)
	}
	return r
}

// cancel issues a best-effort termination and forces the run onto the
// cleanup branch regardless of the backend's last reported status.
func (m *StateMachine) cancel(ctx context.Context, r models.RunRecord) models.RunRecord {
	if r.BackendJobHandle.Valid {
		if err := m.backend.Cancel(ctx, r.BackendJobHandle.String); err != nil {
			// Fire-and-forget: actual termination time is not guaranteed
			// either way, so a failed cancel does not hold the run back.
			log.Error().
				Err(err).
				Str("uuid", r.Bundle.UUID).
				Str("job_handle", r.BackendJobHandle.String).
				Msg("Could not cancel backend job")
		}
	}
	r.Stage = models.StageCleaningUp
	r.RunStatus = "Killed"
	return r
}

// transitionInitializing waits for the bundle's working directory to
// propagate on the shared filesystem, then submits the job. A submission
// error moves the run to cleanup with a failure message and is never
// retried: leak avoidance takes priority over retry.
func (m *StateMachine) transitionInitializing(ctx context.Context, r models.RunRecord) models.RunRecord {
	if _, err := os.Stat(r.Bundle.Location); err != nil {
		if r.BundleDirRetriesLeft > 0 {
			r.BundleDirRetriesLeft--
			r.RunStatus = "Waiting for bundle directory"
			return r
		}
		return m.fail(r, fmt.Sprintf("Bundle directory %s never appeared", r.Bundle.Location))
	}

	handle, err := m.backend.Submit(ctx, m.buildJobSpec(r))
	if err != nil {
		return m.fail(r, fmt.Sprintf("Failed to submit job: %v", err))
	}

	r.BackendJobHandle = null.StringFrom(handle)
	r.Stage = models.StageSubmitted
	r.RunStatus = fmt.Sprintf("Submitted to %s", m.backend.Name())
	return r
}

// transitionSubmitted polls until the backend reports execution start.
func (m *StateMachine) transitionSubmitted(ctx context.Context, r models.RunRecord) models.RunRecord {
	status, err := m.backend.Status(ctx, r.BackendJobHandle.String)
	if err != nil {
		return m.statusError(r, err)
	}

	switch status.State {
	case backend.StatePending:
		r.RunStatus = "Waiting for job to start"
	case backend.StateRunning:
		r = started(r, status)
	case backend.StateSucceeded, backend.StateFailed:
		// The job can finish between two polls; capture directly.
		r = m.capture(r, status)
	case backend.StateUnknown:
		log.Warn().
			Str("uuid", r.Bundle.UUID).
			Str("job_handle", r.BackendJobHandle.String).
			Msg("Backend reported unknown job state")
	}
	return r
}

// transitionRunning polls until a terminal backend status and captures the
// result.
func (m *StateMachine) transitionRunning(ctx context.Context, r models.RunRecord) models.RunRecord {
	status, err := m.backend.Status(ctx, r.BackendJobHandle.String)
	if err != nil {
		return m.statusError(r, err)
	}

	switch status.State {
	case backend.StateSucceeded, backend.StateFailed:
		r = m.capture(r, status)
	case backend.StateRunning, backend.StatePending:
		r.RunStatus = "Running"
	case backend.StateUnknown:
		log.Warn().
			Str("uuid", r.Bundle.UUID).
			Str("job_handle", r.BackendJobHandle.String).
			Msg("Backend reported unknown job state")
	}
	return r
}

// transitionCleaningUp releases the run's worker-local scratch directory.
// On failure the run stays in cleaning_up and the removal is retried on
// the next tick.
func (m *StateMachine) transitionCleaningUp(r models.RunRecord) models.RunRecord {
	scratch := filepath.Join(m.workDir, r.Bundle.UUID)
	if err := os.RemoveAll(scratch); err != nil {
		log.Error().Err(err).Str("uuid", r.Bundle.UUID).Msg("Could not remove scratch directory")
		return r
	}

	if !r.FinishedAt.Valid {
		r.FinishedAt = null.TimeFrom(time.Now().UTC())
	}
	r.Stage = models.StageFinished
	switch {
	case r.IsKilled:
		r.RunStatus = "Killed"
	case r.Failed():
		r.RunStatus = "Failed"
	default:
		r.RunStatus = "Finished"
	}
	return r
}

// capture records the terminal backend status and moves the run onto the
// cleanup branch.
func (m *StateMachine) capture(r models.RunRecord, status backend.JobStatus) models.RunRecord {
	r.ExitCode = status.ExitCode
	if status.StartedAt.Valid && !r.StartedAt.Valid {
		r.StartedAt = status.StartedAt
	}
	if status.FinishedAt.Valid {
		r.FinishedAt = status.FinishedAt
	}
	if status.State == backend.StateFailed && !r.FailureMessage.Valid {
		reason := status.Reason
		if reason == "" {
			reason = fmt.Sprintf("Job failed with exit code %d", status.ExitCode.Int64)
		}
		r.FailureMessage = null.StringFrom(reason)
	}
	r.Stage = models.StageCleaningUp
	return r
}

// statusError leaves the stage unchanged so the poll is retried next tick.
// One run's backend error never aborts the sweep of other runs.
func (m *StateMachine) statusError(r models.RunRecord, err error) models.RunRecord {
	if errors.Is(err, context.Canceled) {
		return r
	}
	log.Error().
		Err(err).
		Str("uuid", r.Bundle.UUID).
		Str("stage", string(r.Stage)).
		Msg("Could not query backend status")
	return r
}

// fail sets the failure message once and moves the run onto the cleanup
// branch.
func (m *StateMachine) fail(r models.RunRecord, message string) models.RunRecord {
	if !r.FailureMessage.Valid {
		r.FailureMessage = null.StringFrom(message)
	}
	r.Stage = models.StageCleaningUp
	return r
}

func (m *StateMachine) buildJobSpec(r models.RunRecord) backend.JobSpec {
	return backend.JobSpec{
		Name:      fmt.Sprintf("codalab-run-%s", r.Bundle.UUID),
		Image:     r.Bundle.DockerImage,
		Command:   []string{"/bin/sh", "-c", r.Bundle.Command},
		WorkDir:   r.Bundle.Location,
		Resources: r.Resources,
		Env: map[string]string{
			"CODALAB_BUNDLE_UUID": r.Bundle.UUID,
			"CODALAB_WORKER_ID":   m.workerID,
		},
	}
}

// started stamps the execution start.
func started(r models.RunRecord, status backend.JobStatus) models.RunRecord {
	if status.StartedAt.Valid {
		r.StartedAt = status.StartedAt
	} else if !r.StartedAt.Valid {
		r.StartedAt = null.TimeFrom(time.Now().UTC())
	}
	r.Stage = models.StageRunning
	r.RunStatus = "Running"
	return r
}
