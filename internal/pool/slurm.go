package pool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
)

const (
	squeueCommand = "squeue"
	sbatchCommand = "sbatch"
)

// SlurmClient implements SchedulerClient by shelling out to the Slurm
// command-line tools.
type SlurmClient struct {
	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, name string, args ...string) (string, error)
}

var _ SchedulerClient = (*SlurmClient)(nil)

// NewSlurmClient creates a client using the slurm binaries on PATH.
func NewSlurmClient() *SlurmClient {
	return &SlurmClient{runCommand: runCommand}
}

// ListJobs queries squeue for the owner's jobs in the given states.
// The output format is one JOBID:STATE pair per line.
func (c *SlurmClient) ListJobs(ctx context.Context, owner string, states []JobState) ([]Job, error) {
	filters := make([]string, 0, len(states))
	for _, s := range states {
		filters = append(filters, strings.ToUpper(string(s)))
	}

	args := []string{"-u", owner, "-h", "-o", "%i:%T"}
	if len(filters) > 0 {
		args = append(args, "-t", strings.Join(filters, ","))
	}

	output, err := c.runCommand(ctx, squeueCommand, args...)
	if err != nil {
		return nil, apperrors.Transient("slurm.squeue", err)
	}

	return parseSqueueOutput(output)
}

// SubmitScript hands a batch script to sbatch and returns the job id.
func (c *SlurmClient) SubmitScript(ctx context.Context, scriptPath string) (string, error) {
	output, err := c.runCommand(ctx, sbatchCommand, "--parsable", scriptPath)
	if err != nil {
		return "", apperrors.Transient("slurm.sbatch", err)
	}

	// --parsable prints "jobid" or "jobid;cluster"
	jobID, _, _ := strings.Cut(strings.TrimSpace(output), ";")
	if jobID == "" {
		return "", apperrors.Transient("slurm.sbatch", fmt.Errorf("sbatch returned no job id: %q", output))
	}
	return jobID, nil
}

// parseSqueueOutput turns "JOBID:STATE" lines into jobs. Slurm state names
// are normalized to the coarse pending/running pair; anything else is
// dropped.
func parseSqueueOutput(output string) ([]Job, error) {
	var jobs []Job
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		jobID, state, found := strings.Cut(line, ":")
		if !found || jobID == "" {
			return nil, fmt.Errorf("unexpected squeue line %q", line)
		}

		switch strings.ToUpper(state) {
		case "PENDING", "CONFIGURING":
			jobs = append(jobs, Job{ID: jobID, State: JobPending})
		case "RUNNING", "COMPLETING":
			jobs = append(jobs, Job{ID: jobID, State: JobRunning})
		}
	}
	return jobs, nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		log.Error().
			Err(err).
			Str("command", name).
			Str("stderr", stderr.String()).
			Msg("Slurm command failed")
		return "", fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
