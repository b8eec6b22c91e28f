// Package pool maintains an elastic pool of worker processes on a shared
// cluster scheduler. The controller is a stateless reconciliation loop: it
// keeps no memory of jobs it previously launched and re-derives everything
// from the scheduler query each tick, so a restart simply re-observes.
package pool

import (
	"context"
)

// JobState is the coarse state of a scheduler job.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
)

// Job is the controller's entire view of one scheduler job.
type Job struct {
	ID    string
	State JobState
}

// SchedulerClient abstracts the shared-cluster batch scheduler.
type SchedulerClient interface {
	// ListJobs returns the jobs owned by owner whose state matches one of
	// the given states.
	ListJobs(ctx context.Context, owner string, states []JobState) ([]Job, error)

	// SubmitScript submits a prepared job script and returns the assigned
	// job id.
	SubmitScript(ctx context.Context, scriptPath string) (string, error)
}
