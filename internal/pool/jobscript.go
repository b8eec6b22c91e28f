package pool

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// WorkerSpec is the launch specification for one worker job: scheduler
// directives plus the startup command line. The rendered script is
// deterministic for a fixed spec, so dry-run output is diff-able.
type WorkerSpec struct {
	JobName    string
	WorkerID   string
	Directives map[string]string
	Command    []string
}

// Script renders the batch script: a #SBATCH block with the directives in
// sorted order, followed by the srun startup command. The --unbuffered
// option makes worker output appear in the output file as it is produced.
func (s *WorkerSpec) Script() string {
	keys := make([]string, 0, len(s.Directives))
	for key := range s.Directives {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n\n")
	for _, key := range keys {
		fmt.Fprintf(&b, "#SBATCH --%s=%s\n", key, s.Directives[key])
	}
	b.WriteString("\nsrun --unbuffered ")
	b.WriteString(strings.Join(s.Command, " "))
	b.WriteString("\n")
	return b.String()
}

// buildWorkerSpec assembles the launch specification for a new worker with
// the given unique identity.
func (c *Controller) buildWorkerSpec(workerID string) WorkerSpec {
	jobName := fmt.Sprintf("%s-%s", c.cfg.JobName, workerID[:8])

	directives := map[string]string{
		"cpus-per-task":   strconv.Itoa(c.cfg.CPUs),
		"mem-per-cpu":     strconv.Itoa(c.cfg.MemoryMB),
		"job-name":        jobName,
		"ntasks-per-node": "1",
		"open-mode":       "append",
		"output":          jobName + ".out",
		"time":            "10-0",
	}
	if c.cfg.GPUs > 0 {
		directives["gres"] = "gpu:" + strconv.Itoa(c.cfg.GPUs)
	}
	if c.cfg.Partition != "" {
		directives["partition"] = c.cfg.Partition
	}
	if c.cfg.Nodelist != "" {
		directives["nodelist"] = c.cfg.Nodelist
	}

	// Workers launched on batch hosts may share a machine, so the network
	// namespace prefix must be unique per worker.
	command := []string{
		"cl-worker",
		"--server", c.cfg.ServerURL,
		"--verbose",
		"--exit-when-idle",
		"--idle-seconds", strconv.Itoa(c.cfg.IdleSeconds),
		"--work-dir", c.cfg.WorkDir,
		"--id", workerID,
		"--network-prefix", fmt.Sprintf("cl_worker_%s_network", workerID),
		"--tag", c.workerTag(),
		"--pass-down-termination",
	}

	return WorkerSpec{
		JobName:    jobName,
		WorkerID:   workerID,
		Directives: directives,
		Command:    command,
	}
}

func (c *Controller) workerTag() string {
	if c.cfg.Tag != "" {
		return c.cfg.Tag
	}
	return c.cfg.JobName
}
