package pool

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScriptIsDeterministic(t *testing.T) {
	spec := WorkerSpec{
		JobName:  "codalab-worker-deadbeef",
		WorkerID: "deadbeef-0000",
		Directives: map[string]string{
			"partition":     "gpu",
			"cpus-per-task": "4",
			"job-name":      "codalab-worker-deadbeef",
			"gres":          "gpu:1",
		},
		Command: []string{"cl-worker", "--id", "deadbeef-0000"},
	}

	first := spec.Script()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, spec.Script())
	}

	// Directives are emitted in sorted order regardless of map iteration.
	assert.Equal(t, `#!/bin/bash

#SBATCH --cpus-per-task=4
#SBATCH --gres=gpu:1
#SBATCH --job-name=codalab-worker-deadbeef
#SBATCH --partition=gpu

srun --unbuffered cl-worker --id deadbeef-0000
`, first)
}

func TestBuildWorkerSpec(t *testing.T) {
	c := NewController(nil, Config{
		JobName:     "codalab-worker",
		Partition:   "gpu",
		Nodelist:    "node[01-04]",
		CPUs:        8,
		GPUs:        2,
		MemoryMB:    4096,
		ServerURL:   "https://worksheets.example.org",
		IdleSeconds: 600,
		WorkDir:     "/scratch/workers",
	})

	workerID := "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"
	spec := c.buildWorkerSpec(workerID)

	assert.Equal(t, "codalab-worker-0f1e2d3c", spec.JobName)
	assert.Equal(t, workerID, spec.WorkerID)

	assert.Equal(t, "8", spec.Directives["cpus-per-task"])
	assert.Equal(t, "4096", spec.Directives["mem-per-cpu"])
	assert.Equal(t, "gpu:2", spec.Directives["gres"])
	assert.Equal(t, "gpu", spec.Directives["partition"])
	assert.Equal(t, "node[01-04]", spec.Directives["nodelist"])
	assert.Equal(t, "codalab-worker-0f1e2d3c.out", spec.Directives["output"])

	command := strings.Join(spec.Command, " ")
	assert.Contains(t, command, "--server https://worksheets.example.org")
	assert.Contains(t, command, "--id "+workerID)
	assert.Contains(t, command, "--network-prefix cl_worker_"+workerID+"_network")
	assert.Contains(t, command, "--exit-when-idle")
	assert.Contains(t, command, "--idle-seconds 600")
	assert.Contains(t, command, "--pass-down-termination")
	// No explicit tag configured: the job name is used.
	assert.Contains(t, command, "--tag codalab-worker")
}

func TestBuildWorkerSpecCPUOnly(t *testing.T) {
	c := NewController(nil, Config{JobName: "codalab-worker", CPUs: 1, MemoryMB: 1024})

	spec := c.buildWorkerSpec("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")
	require.NotContains(t, spec.Directives, "gres")
	require.NotContains(t, spec.Directives, "partition")
	require.NotContains(t, spec.Directives, "nodelist")
}

func TestBuildWorkerSpecCustomTag(t *testing.T) {
	c := NewController(nil, Config{JobName: "codalab-worker", Tag: "gpu-pool", CPUs: 1})

	spec := c.buildWorkerSpec("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")
	assert.Contains(t, strings.Join(spec.Command, " "), "--tag gpu-pool")
}
