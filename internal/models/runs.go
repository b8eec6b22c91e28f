package models

import (
	"path"
	"time"

	"github.com/guregu/null/v6"
)

// RunStage is the position of a run in the worker-side state machine.
type RunStage string

const (
	// StageInitializing waits for the bundle's working directory to appear
	// and then submits the job to the compute backend.
	StageInitializing RunStage = "initializing"
	// StageSubmitted polls the backend until it reports execution start.
	StageSubmitted RunStage = "submitted"
	// StageRunning polls the backend until it reports a terminal status.
	StageRunning RunStage = "running"
	// StageCleaningUp releases locally-held transient resources.
	StageCleaningUp RunStage = "cleaning_up"
	// StageFinished is the absorbing terminal stage.
	StageFinished RunStage = "finished"
)

// ServerState is the coarse bundle state reported back to the server.
type ServerState string

const (
	SsPreparing  ServerState = "preparing"
	SsRunning    ServerState = "running"
	SsFinalizing ServerState = "finalizing"
	SsReady      ServerState = "ready"
	SsFailed     ServerState = "failed"
)

// Terminal reports whether the stage is the absorbing end of the graph.
func (s RunStage) Terminal() bool {
	return s == StageFinished
}

// Dependency is an input mounted into the run's working directory. It must
// never be overwritten by side-channel writes.
type Dependency struct {
	ParentUUID string `json:"parent_uuid"`
	ParentPath string `json:"parent_path"`
	ChildPath  string `json:"child_path"`
}

// BundleInfo describes the bundle a run executes. Immutable for the run's
// lifetime.
type BundleInfo struct {
	UUID         string       `json:"uuid"`
	Location     string       `json:"location"` // working directory on the shared filesystem
	Command      string       `json:"command"`
	DockerImage  string       `json:"docker_image"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// DependencyPaths returns the set of normalized child paths that
// side-channel writes must not collide with.
func (b *BundleInfo) DependencyPaths() map[string]struct{} {
	paths := make(map[string]struct{}, len(b.Dependencies))
	for _, dep := range b.Dependencies {
		paths[path.Clean(dep.ChildPath)] = struct{}{}
	}
	return paths
}

// RunResources is the hardware request declared at run creation. Immutable
// after creation.
type RunResources struct {
	CPUs        int   `json:"cpus"`
	GPUs        int   `json:"gpus"`
	MemoryBytes int64 `json:"memory_bytes"`
	DiskBytes   int64 `json:"disk_bytes"`
}

// RunRecord is the full worker-side state of one run. Records are value
// types: the manager owns the live map and everything handed to callers is
// a copy.
//
// IsKilled and IsFinalized are monotonic: once true they are never reset,
// and setting them again is a no-op.
type RunRecord struct {
	Bundle    BundleInfo   `json:"bundle"`
	Resources RunResources `json:"resources"`

	Stage     RunStage `json:"stage"`
	RunStatus string   `json:"run_status"` // human-readable progress line

	IsKilled    bool `json:"is_killed"`
	IsFinalized bool `json:"is_finalized"`

	FailureMessage null.String `json:"failure_message"`
	KillMessage    null.String `json:"kill_message"`

	// BackendJobHandle is the opaque id returned by the backend on
	// submission. Absent before submission; its presence is what makes the
	// transition idempotent with respect to submit calls.
	BackendJobHandle null.String `json:"backend_job_handle"`

	// BundleDirRetriesLeft counts down the sweep ticks left to wait for the
	// bundle working directory to propagate on the shared filesystem.
	BundleDirRetriesLeft int `json:"bundle_dir_retries_left"`

	ExitCode   null.Int  `json:"exitcode"`
	StartedAt  null.Time `json:"started_at"`
	FinishedAt null.Time `json:"finished_at"`
}

// Failed reports whether a failure message has been recorded.
func (r *RunRecord) Failed() bool {
	return r.FailureMessage.Valid
}

// ServerState maps the worker stage onto the coarse state the server
// tracks for the bundle.
func (r *RunRecord) ServerState() ServerState {
	switch r.Stage {
	case StageInitializing, StageSubmitted:
		return SsPreparing
	case StageRunning:
		return SsRunning
	case StageCleaningUp:
		return SsFinalizing
	case StageFinished:
		if r.Failed() || r.IsKilled {
			return SsFailed
		}
		return SsReady
	}
	return SsFailed
}

// WorkerRun is the copy-view of a run returned by the manager's accessors.
type WorkerRun struct {
	UUID           string      `json:"uuid"`
	RunStatus      string      `json:"run_status"`
	Stage          RunStage    `json:"stage"`
	State          ServerState `json:"state"`
	Remote         string      `json:"remote"` // id of the worker reporting the run
	ExitCode       null.Int    `json:"exitcode"`
	FailureMessage null.String `json:"failure_message"`
	StartedAt      null.Time   `json:"started_at"`
	FinishedAt     null.Time   `json:"finished_at"`
}

// View builds the WorkerRun snapshot for a record.
func (r *RunRecord) View(workerID string) WorkerRun {
	return WorkerRun{
		UUID:           r.Bundle.UUID,
		RunStatus:      r.RunStatus,
		Stage:          r.Stage,
		State:          r.ServerState(),
		Remote:         workerID,
		ExitCode:       r.ExitCode,
		FailureMessage: r.FailureMessage,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

// RunUpdate is the check-in message published to the server-bound queue
// whenever a run's stage changes.
type RunUpdate struct {
	UUID           string      `json:"uuid"`
	Stage          RunStage    `json:"stage"`
	State          ServerState `json:"state"`
	WorkerID       string      `json:"worker_id"`
	ExitCode       null.Int    `json:"exitcode"`
	FailureMessage null.String `json:"failure_message"`
	Timestamp      time.Time   `json:"timestamp"`
}
