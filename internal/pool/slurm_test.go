package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
)

// stubSlurm returns a client whose command execution is replaced by f.
func stubSlurm(f func(name string, args []string) (string, error)) *SlurmClient {
	return &SlurmClient{
		runCommand: func(ctx context.Context, name string, args ...string) (string, error) {
			return f(name, args)
		},
	}
}

func TestListJobs(t *testing.T) {
	var gotArgs []string
	client := stubSlurm(func(name string, args []string) (string, error) {
		require.Equal(t, "squeue", name)
		gotArgs = args
		return "1001:PENDING\n1002:RUNNING\n1003:CONFIGURING\n1004:COMPLETING\n1005:COMPLETED\n", nil
	})

	jobs, err := client.ListJobs(context.Background(), "codalab", []JobState{JobPending, JobRunning})
	require.NoError(t, err)

	assert.Equal(t, []string{"-u", "codalab", "-h", "-o", "%i:%T", "-t", "PENDING,RUNNING"}, gotArgs)

	// COMPLETED is neither pending nor running and is dropped.
	assert.Equal(t, []Job{
		{ID: "1001", State: JobPending},
		{ID: "1002", State: JobRunning},
		{ID: "1003", State: JobPending},
		{ID: "1004", State: JobRunning},
	}, jobs)
}

func TestListJobsEmpty(t *testing.T) {
	client := stubSlurm(func(name string, args []string) (string, error) {
		return "\n", nil
	})

	jobs, err := client.ListJobs(context.Background(), "codalab", nil)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListJobsMalformedLine(t *testing.T) {
	client := stubSlurm(func(name string, args []string) (string, error) {
		return "1001:PENDING\ngarbage without separator\n", nil
	})

	_, err := client.ListJobs(context.Background(), "codalab", nil)
	assert.ErrorContains(t, err, "unexpected squeue line")
}

func TestListJobsCommandFailure(t *testing.T) {
	client := stubSlurm(func(name string, args []string) (string, error) {
		return "", errors.New("slurm_load_jobs error: Unable to contact slurm controller")
	})

	_, err := client.ListJobs(context.Background(), "codalab", nil)
	assert.ErrorIs(t, err, apperrors.ErrTransient)
}

func TestSubmitScript(t *testing.T) {
	t.Run("plain job id", func(t *testing.T) {
		client := stubSlurm(func(name string, args []string) (string, error) {
			require.Equal(t, "sbatch", name)
			assert.Equal(t, []string{"--parsable", "/work/job.slurm"}, args)
			return "12345\n", nil
		})

		jobID, err := client.SubmitScript(context.Background(), "/work/job.slurm")
		require.NoError(t, err)
		assert.Equal(t, "12345", jobID)
	})

	t.Run("job id with cluster suffix", func(t *testing.T) {
		client := stubSlurm(func(name string, args []string) (string, error) {
			return "12345;cluster-a\n", nil
		})

		jobID, err := client.SubmitScript(context.Background(), "/work/job.slurm")
		require.NoError(t, err)
		assert.Equal(t, "12345", jobID)
	})

	t.Run("empty output", func(t *testing.T) {
		client := stubSlurm(func(name string, args []string) (string, error) {
			return "", nil
		})

		_, err := client.SubmitScript(context.Background(), "/work/job.slurm")
		assert.ErrorIs(t, err, apperrors.ErrTransient)
	})

	t.Run("sbatch failure", func(t *testing.T) {
		client := stubSlurm(func(name string, args []string) (string, error) {
			return "", errors.New("sbatch: error: Batch job submission failed")
		})

		_, err := client.SubmitScript(context.Background(), "/work/job.slurm")
		assert.ErrorIs(t, err, apperrors.ErrTransient)
	})
}
