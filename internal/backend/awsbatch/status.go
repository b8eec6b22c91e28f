package awsbatch

import (
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/guregu/null/v6"

	"github.com/DRSY/codalab-worksheets/internal/backend"
)

// statusFromJobDetail maps a Batch job description onto the abstract
// status descriptor. SUBMITTED/PENDING/RUNNABLE/STARTING all count as
// pending: the job has not begun executing user code yet.
func statusFromJobDetail(job *types.JobDetail) backend.JobStatus {
	status := backend.JobStatus{
		State:  mapJobState(job.Status),
		Reason: aws.ToString(job.StatusReason),
	}

	if job.StartedAt != nil {
		status.StartedAt = null.TimeFrom(time.UnixMilli(*job.StartedAt).UTC())
	}
	if job.StoppedAt != nil {
		status.FinishedAt = null.TimeFrom(time.UnixMilli(*job.StoppedAt).UTC())
	}
	if job.Container != nil && job.Container.ExitCode != nil {
		status.ExitCode = null.IntFrom(int64(*job.Container.ExitCode))
	}
	// Batch reports no exit code for jobs that die before the container
	// starts. A failed job still needs a code for the run record.
	if status.State == backend.StateFailed && !status.ExitCode.Valid {
		status.ExitCode = null.IntFrom(1)
	}

	return status
}

func mapJobState(s types.JobStatus) backend.JobState {
	switch s {
	case types.JobStatusSubmitted, types.JobStatusPending, types.JobStatusRunnable, types.JobStatusStarting:
		return backend.StatePending
	case types.JobStatusRunning:
		return backend.StateRunning
	case types.JobStatusSucceeded:
		return backend.StateSucceeded
	case types.JobStatusFailed:
		return backend.StateFailed
	default:
		return backend.StateUnknown
	}
}
