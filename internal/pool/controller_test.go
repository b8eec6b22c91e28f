package pool

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSchedulerClient struct {
	mock.Mock
}

func (m *MockSchedulerClient) ListJobs(ctx context.Context, owner string, states []JobState) ([]Job, error) {
	args := m.Called(ctx, owner, states)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Job), args.Error(1)
}

func (m *MockSchedulerClient) SubmitScript(ctx context.Context, scriptPath string) (string, error) {
	args := m.Called(ctx, scriptPath)
	return args.String(0), args.Error(1)
}

func poolConfig(t *testing.T) Config {
	return Config{
		Owner:         "codalab",
		TargetWorkers: 5,
		MaxPerTick:    10,
		Partition:     "cpu",
		CPUs:          4,
		MemoryMB:      2048,
		ServerURL:     "https://worksheets.example.org",
		IdleSeconds:   600,
		WorkDir:       t.TempDir(),
	}
}

func TestReconcileSubmitsDeficit(t *testing.T) {
	client := new(MockSchedulerClient)
	c := NewController(client, poolConfig(t))

	// 2 pending + 1 running against a target of 5 leaves a deficit of 2.
	client.On("ListJobs", mock.Anything, "codalab", []JobState{JobPending, JobRunning}).
		Return([]Job{
			{ID: "101", State: JobPending},
			{ID: "102", State: JobPending},
			{ID: "103", State: JobRunning},
		}, nil).Once()
	client.On("SubmitScript", mock.Anything, mock.Anything).Return("104", nil).Twice()

	require.NoError(t, c.Reconcile(context.Background()))
	client.AssertExpectations(t)
}

func TestReconcileAtTarget(t *testing.T) {
	client := new(MockSchedulerClient)
	cfg := poolConfig(t)
	cfg.TargetWorkers = 2
	c := NewController(client, cfg)

	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return([]Job{
			{ID: "101", State: JobPending},
			{ID: "103", State: JobRunning},
		}, nil).Once()

	require.NoError(t, c.Reconcile(context.Background()))
	client.AssertNotCalled(t, "SubmitScript", mock.Anything, mock.Anything)
}

func TestReconcileOverTarget(t *testing.T) {
	// Excess workers are left alone: they exit on their own once idle.
	client := new(MockSchedulerClient)
	cfg := poolConfig(t)
	cfg.TargetWorkers = 1
	c := NewController(client, cfg)

	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return([]Job{
			{ID: "101", State: JobRunning},
			{ID: "102", State: JobRunning},
			{ID: "103", State: JobRunning},
		}, nil).Once()

	require.NoError(t, c.Reconcile(context.Background()))
	client.AssertNotCalled(t, "SubmitScript", mock.Anything, mock.Anything)
}

func TestReconcileCapsSubmissionsPerTick(t *testing.T) {
	client := new(MockSchedulerClient)
	cfg := poolConfig(t)
	cfg.TargetWorkers = 10
	cfg.MaxPerTick = 2
	c := NewController(client, cfg)

	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return([]Job{}, nil).Once()
	client.On("SubmitScript", mock.Anything, mock.Anything).Return("101", nil).Twice()

	require.NoError(t, c.Reconcile(context.Background()))
	client.AssertNumberOfCalls(t, "SubmitScript", 2)
}

func TestReconcileListError(t *testing.T) {
	client := new(MockSchedulerClient)
	c := NewController(client, poolConfig(t))

	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return(nil, errors.New("squeue: connection refused")).Once()

	err := c.Reconcile(context.Background())
	assert.Error(t, err)
	client.AssertNotCalled(t, "SubmitScript", mock.Anything, mock.Anything)
}

func TestReconcileSubmitErrorDoesNotAbortTick(t *testing.T) {
	client := new(MockSchedulerClient)
	cfg := poolConfig(t)
	cfg.TargetWorkers = 2
	cfg.MaxPerTick = 2
	c := NewController(client, cfg)

	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return([]Job{}, nil).Once()
	client.On("SubmitScript", mock.Anything, mock.Anything).
		Return("", errors.New("sbatch: queue full")).Once()
	client.On("SubmitScript", mock.Anything, mock.Anything).Return("102", nil).Once()

	// The first failed submission is logged and skipped; the second still
	// happens within the same tick.
	require.NoError(t, c.Reconcile(context.Background()))
	client.AssertNumberOfCalls(t, "SubmitScript", 2)
}

func TestReconcileDryRun(t *testing.T) {
	client := new(MockSchedulerClient)
	cfg := poolConfig(t)
	cfg.TargetWorkers = 1
	cfg.GPUs = 1
	cfg.DryRun = true
	c := NewController(client, cfg)

	var out bytes.Buffer
	c.out = &out

	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return([]Job{}, nil).Once()

	require.NoError(t, c.Reconcile(context.Background()))

	script := out.String()
	assert.Contains(t, script, "#!/bin/bash")
	assert.Contains(t, script, "#SBATCH --partition=cpu")
	assert.Contains(t, script, "#SBATCH --gres=gpu:1")
	assert.Contains(t, script, "srun --unbuffered cl-worker")
	client.AssertNotCalled(t, "SubmitScript", mock.Anything, mock.Anything)

	// Dry-run must not leave script files behind either.
	entries, err := os.ReadDir(cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLaunchWorkerWritesScriptFile(t *testing.T) {
	client := new(MockSchedulerClient)
	cfg := poolConfig(t)
	cfg.TargetWorkers = 1
	c := NewController(client, cfg)

	var submitted string
	client.On("ListJobs", mock.Anything, "codalab", mock.Anything).
		Return([]Job{}, nil).Once()
	client.On("SubmitScript", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { submitted = args.String(1) }).
		Return("101", nil).Once()

	require.NoError(t, c.Reconcile(context.Background()))

	require.NotEmpty(t, submitted)
	assert.Equal(t, cfg.WorkDir, filepath.Dir(submitted))
	assert.True(t, strings.HasSuffix(submitted, ".slurm"))

	content, err := os.ReadFile(submitted)
	require.NoError(t, err)
	assert.Contains(t, string(content), "#SBATCH --cpus-per-task=4")
}
