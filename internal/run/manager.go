// Package run tracks the lifecycle of computational runs executing on a
// pluggable compute backend. The Manager owns the live run map and drives
// every run through the StateMachine one sweep at a time; an external
// periodic driver calls ProcessRuns and SaveState, while the serving layer
// calls the mutation and query API concurrently.
package run

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
	"github.com/DRSY/codalab-worksheets/internal/backend"
	"github.com/DRSY/codalab-worksheets/internal/models"
	"github.com/DRSY/codalab-worksheets/internal/queue"
	"github.com/DRSY/codalab-worksheets/internal/state"
)

// BundleDirWaitNumTries bounds how many sweep ticks a fresh run waits for
// its bundle directory to propagate on the shared filesystem.
const BundleDirWaitNumTries = 120

// Manager owns all active runs of one worker.
//
// The mutex guards map membership and record reads/writes. Sweeps do not
// hold it across backend I/O: each record is copied out, transitioned
// unlocked, and the result applied back under the lock with an optimistic
// check. A record that was removed or killed during the I/O discards the
// stale result and is handled on the next tick.
type Manager struct {
	mu   sync.Mutex
	runs map[string]models.RunRecord

	machine   *StateMachine
	committer state.Committer
	backend   backend.Client
	publisher queue.Publisher // optional; nil disables check-ins

	workerID string
	draining bool
}

// NewManager creates a run manager. publisher may be nil when the worker
// has no server-bound update channel configured.
func NewManager(client backend.Client, committer state.Committer, publisher queue.Publisher, workDir, workerID string) *Manager {
	return &Manager{
		runs:      make(map[string]models.RunRecord),
		machine:   NewStateMachine(client, workDir, workerID),
		committer: committer,
		backend:   client,
		publisher: publisher,
		workerID:  workerID,
	}
}

// Start restores the run map from the last durable snapshot. Restored runs
// resume advancing from their persisted stage on the next sweep.
func (m *Manager) Start() error {
	runs, err := m.committer.Load()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.runs = runs
	m.mu.Unlock()

	log.Info().Int("count", len(runs)).Msg("Restored runs from snapshot")
	return nil
}

// Stop puts the manager into draining mode: no new runs are accepted, but
// already-tracked runs continue to be swept until terminal.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()
}

// SaveState commits the full run map to the durable snapshot store.
func (m *Manager) SaveState() error {
	m.mu.Lock()
	snapshot := make(map[string]models.RunRecord, len(m.runs))
	for uuid, r := range m.runs {
		snapshot[uuid] = r
	}
	m.mu.Unlock()

	return m.committer.Commit(snapshot)
}

// CreateRun registers a fresh run in the initializing stage. It returns
// ErrDraining once Stop has been called and an integrity error if the
// bundle id is already tracked.
func (m *Manager) CreateRun(bundle models.BundleInfo, resources models.RunResources) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining {
		return apperrors.Draining()
	}
	if _, exists := m.runs[bundle.UUID]; exists {
		err := apperrors.Integrity("run %s already exists in the run map", bundle.UUID)
		log.Error().Err(err).Str("uuid", bundle.UUID).Msg("Duplicate run id")
		return err
	}

	m.runs[bundle.UUID] = models.RunRecord{
		Bundle:               bundle,
		Resources:            resources,
		Stage:                models.StageInitializing,
		RunStatus:            "Initializing",
		BundleDirRetriesLeft: BundleDirWaitNumTries,
	}
	return nil
}

// Kill requests cancellation of a run. The flag is monotonic and repeated
// kills are idempotent no-ops; actual termination is observed through
// subsequent polling of run state.
func (m *Manager) Kill(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[uuid]
	if !ok {
		return apperrors.NotFound("run", uuid)
	}
	if r.IsKilled {
		return nil
	}

	r.IsKilled = true
	r.KillMessage = null.StringFrom("Kill requested")
	m.runs[uuid] = r
	return nil
}

// MarkFinalized records that the terminal outcome has been durably stored
// upstream, making the record eligible for removal at the next sweep.
func (m *Manager) MarkFinalized(uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[uuid]
	if !ok {
		return apperrors.NotFound("run", uuid)
	}
	if !r.IsFinalized {
		r.IsFinalized = true
		m.runs[uuid] = r
	}
	return nil
}

// Write performs a side-channel write into the run's working area. Writes
// colliding with a declared input dependency are refused as no-ops so
// reproducible inputs are never corrupted.
func (m *Manager) Write(uuid, relPath, content string) error {
	m.mu.Lock()
	r, ok := m.runs[uuid]
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFound("run", uuid)
	}

	cleaned := path.Clean(relPath)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return apperrors.Usage("write path %q escapes the bundle directory", relPath)
	}
	if _, collides := r.Bundle.DependencyPaths()[cleaned]; collides {
		log.Warn().Str("uuid", uuid).Str("path", cleaned).Msg("Refusing write over input dependency")
		return nil
	}

	return writeBundleFile(r.Bundle.Location, cleaned, content)
}

// Netcat writes message to a port of the run's sandbox and returns the
// reply. Backends without direct network reachability return a distinct
// capability-gap error.
func (m *Manager) Netcat(ctx context.Context, uuid string, port int, message []byte) ([]byte, error) {
	m.mu.Lock()
	r, ok := m.runs[uuid]
	m.mu.Unlock()
	if !ok {
		return nil, apperrors.NotFound("run", uuid)
	}

	nc, supported := m.backend.(backend.Netcatter)
	if !supported {
		return nil, apperrors.Unsupported("netcat", m.backend.Name())
	}
	if !r.BackendJobHandle.Valid {
		return nil, apperrors.Usage("run %s has no live job to probe", uuid)
	}

	return nc.Netcat(ctx, r.BackendJobHandle.String, port, message)
}

// ProcessRuns pumps every tracked run through the state machine once, then
// drops the records that are both terminal and finalized.
func (m *Manager) ProcessRuns(ctx context.Context) {
	m.mu.Lock()
	uuids := make([]string, 0, len(m.runs))
	for uuid := range m.runs {
		uuids = append(uuids, uuid)
	}
	m.mu.Unlock()

	var updates []models.RunUpdate
	for _, uuid := range uuids {
		if update, changed := m.processRun(ctx, uuid); changed {
			updates = append(updates, update)
		}
	}

	m.mu.Lock()
	for uuid, r := range m.runs {
		if r.Stage.Terminal() && r.IsFinalized {
			delete(m.runs, uuid)
		}
	}
	m.mu.Unlock()

	m.publishUpdates(ctx, updates)
}

// processRun transitions a single run outside the lock and applies the
// result optimistically.
func (m *Manager) processRun(ctx context.Context, uuid string) (models.RunUpdate, bool) {
	m.mu.Lock()
	before, ok := m.runs[uuid]
	m.mu.Unlock()
	if !ok {
		return models.RunUpdate{}, false
	}

	after := m.machine.Transition(ctx, before)

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.runs[uuid]
	if !ok {
		// Removed while the transition ran; nothing to apply.
		return models.RunUpdate{}, false
	}
	if current.IsKilled && !before.IsKilled {
		// A kill arrived during the backend I/O. The kill takes priority:
		// discard the stale result and let the next tick issue the cancel.
		// A submission that completed during the I/O must still be kept,
		// or the cancel would have no handle and the job would keep
		// running unmanaged.
		if after.BackendJobHandle.Valid && !current.BackendJobHandle.Valid {
			current.BackendJobHandle = after.BackendJobHandle
			m.runs[uuid] = current
		}
		return models.RunUpdate{}, false
	}

	// Monotonic flags set by mutators while the transition ran are kept.
	after.IsFinalized = after.IsFinalized || current.IsFinalized
	if !after.KillMessage.Valid {
		after.KillMessage = current.KillMessage
	}
	m.runs[uuid] = after

	if after.Stage != before.Stage {
		return models.RunUpdate{
			UUID:           uuid,
			Stage:          after.Stage,
			State:          after.ServerState(),
			WorkerID:       m.workerID,
			ExitCode:       after.ExitCode,
			FailureMessage: after.FailureMessage,
			Timestamp:      time.Now().UTC(),
		}, true
	}
	return models.RunUpdate{}, false
}

func (m *Manager) publishUpdates(ctx context.Context, updates []models.RunUpdate) {
	if m.publisher == nil {
		return
	}
	for _, update := range updates {
		if err := m.publisher.Publish(ctx, update); err != nil {
			log.Error().Err(err).Str("uuid", update.UUID).Msg("Could not publish run update")
		}
	}
}

// HasRun reports whether the run with the given uuid is managed here.
func (m *Manager) HasRun(uuid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runs[uuid]
	return ok
}

// AllRuns returns a copy-view of every managed run. Callers never receive
// a reference into the live map.
func (m *Manager) AllRuns() []models.WorkerRun {
	m.mu.Lock()
	defer m.mu.Unlock()

	runs := make([]models.WorkerRun, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r.View(m.workerID))
	}
	return runs
}

// GetRun returns the copy-view of a single run.
func (m *Manager) GetRun(uuid string) (models.WorkerRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[uuid]
	if !ok {
		return models.WorkerRun{}, apperrors.NotFound("run", uuid)
	}
	return r.View(m.workerID), nil
}

// capacity returns the backend's advisory hardware limits.
func (m *Manager) capacity() backend.Capacity {
	if reporter, ok := m.backend.(backend.CapacityReporter); ok {
		return reporter.Capacity()
	}
	return backend.UnboundedCapacity
}

// CPUs reports the advisory CPU capacity of this worker's backend.
func (m *Manager) CPUs() int { return m.capacity().CPUs }

// GPUs reports the advisory GPU capacity of this worker's backend.
func (m *Manager) GPUs() int { return m.capacity().GPUs }

// MemoryBytes reports the advisory memory capacity of this worker's backend.
func (m *Manager) MemoryBytes() int64 { return m.capacity().MemoryBytes }

// FreeDiskBytes reports the advisory free disk of this worker's backend.
func (m *Manager) FreeDiskBytes() int64 { return m.capacity().DiskBytes }
