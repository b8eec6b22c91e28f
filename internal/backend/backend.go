// Package backend abstracts the remote compute service that actually
// executes runs. The run state machine only depends on this capability
// surface: submit a job specification, poll its status by opaque handle,
// and request cancellation.
package backend

import (
	"context"

	"github.com/guregu/null/v6"

	"github.com/DRSY/codalab-worksheets/internal/models"
)

// JobState is the coarse state a backend reports for a job.
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateSucceeded JobState = "succeeded"
	StateFailed    JobState = "failed"
	StateUnknown   JobState = "unknown"
)

// Terminal reports whether the backend will never change the state again.
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// JobSpec is the backend-agnostic description of a job to submit.
type JobSpec struct {
	Name      string
	Image     string
	Command   []string
	WorkDir   string
	Resources models.RunResources
	Env       map[string]string
}

// JobStatus is the status descriptor returned by a poll.
type JobStatus struct {
	State      JobState
	Reason     string
	ExitCode   null.Int
	StartedAt  null.Time
	FinishedAt null.Time
}

// Client is the capability surface the orchestrator requires from a
// compute backend.
type Client interface {
	// Name identifies the backend in logs and error messages.
	Name() string

	// Submit registers and starts the job, returning an opaque handle.
	Submit(ctx context.Context, spec JobSpec) (handle string, err error)

	// Status polls the job's current status by handle.
	Status(ctx context.Context, handle string) (JobStatus, error)

	// Cancel requests termination. Fire-and-forget: the backend may take
	// arbitrarily long to actually stop the job.
	Cancel(ctx context.Context, handle string) error
}

// Netcatter is implemented by backends whose jobs are directly network
// reachable from the worker. Backends without it cause the manager to
// return a capability-gap error for interactive probes.
type Netcatter interface {
	Netcat(ctx context.Context, handle string, port int, message []byte) ([]byte, error)
}

// Capacity reports the hardware limits a backend can locally observe.
// Backends whose real constraint is a remote provider-side quota report an
// effectively unbounded value; callers must treat all of these as advisory.
type Capacity struct {
	CPUs        int
	GPUs        int
	MemoryBytes int64
	DiskBytes   int64
}

// CapacityReporter is implemented by backends with locally-known limits.
type CapacityReporter interface {
	Capacity() Capacity
}

// UnboundedCapacity is the advisory quota reported for backends whose real
// limit lives on the provider side and is not locally observable.
var UnboundedCapacity = Capacity{
	CPUs:        10000,
	GPUs:        10000,
	MemoryBytes: 10_000 << 40, // 10000 TiB
	DiskBytes:   10_000 << 40,
}
