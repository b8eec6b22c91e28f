package awsbatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
	"github.com/DRSY/codalab-worksheets/internal/backend"
	"github.com/DRSY/codalab-worksheets/internal/models"
)

func millisTime(ms int64) null.Time {
	return null.TimeFrom(time.UnixMilli(ms).UTC())
}

func nullInt(v int64) null.Int {
	return null.IntFrom(v)
}

type stubBatchAPI struct {
	submitIn  *batch.SubmitJobInput
	submitOut *batch.SubmitJobOutput
	submitErr error

	describeOut *batch.DescribeJobsOutput
	describeErr error

	terminateIn  *batch.TerminateJobInput
	terminateErr error
}

func (s *stubBatchAPI) SubmitJob(ctx context.Context, in *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	s.submitIn = in
	return s.submitOut, s.submitErr
}

func (s *stubBatchAPI) DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	return s.describeOut, s.describeErr
}

func (s *stubBatchAPI) TerminateJob(ctx context.Context, in *batch.TerminateJobInput, opts ...func(*batch.Options)) (*batch.TerminateJobOutput, error) {
	s.terminateIn = in
	return &batch.TerminateJobOutput{}, s.terminateErr
}

func stubClient(api *stubBatchAPI) *Client {
	return &Client{api: api, jobQueue: "codalab-cpu", jobDefinition: "codalab-run"}
}

func TestSubmit(t *testing.T) {
	api := &stubBatchAPI{submitOut: &batch.SubmitJobOutput{JobId: aws.String("job-1")}}
	client := stubClient(api)

	handle, err := client.Submit(context.Background(), backend.JobSpec{
		Name:      "codalab-run-0xabc",
		Command:   []string{"/bin/sh", "-c", "echo hello"},
		Resources: models.RunResources{CPUs: 4, GPUs: 1, MemoryBytes: 2 << 30},
		Env:       map[string]string{"CODALAB_BUNDLE_UUID": "0xabc"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", handle)

	in := api.submitIn
	require.NotNil(t, in)
	assert.Equal(t, "codalab-run-0xabc", aws.ToString(in.JobName))
	assert.Equal(t, "codalab-cpu", aws.ToString(in.JobQueue))
	assert.Equal(t, "codalab-run", aws.ToString(in.JobDefinition))
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hello"}, in.ContainerOverrides.Command)

	reqs := map[types.ResourceType]string{}
	for _, r := range in.ContainerOverrides.ResourceRequirements {
		reqs[r.Type] = aws.ToString(r.Value)
	}
	assert.Equal(t, "4", reqs[types.ResourceTypeVcpu])
	assert.Equal(t, "2048", reqs[types.ResourceTypeMemory])
	assert.Equal(t, "1", reqs[types.ResourceTypeGpu])
}

func TestSubmitMinimumResources(t *testing.T) {
	api := &stubBatchAPI{submitOut: &batch.SubmitJobOutput{JobId: aws.String("job-1")}}
	client := stubClient(api)

	_, err := client.Submit(context.Background(), backend.JobSpec{Name: "codalab-run-0xabc"})
	require.NoError(t, err)

	// A zero resource request still yields a valid Batch requirement, and
	// no GPU requirement is emitted.
	reqs := map[types.ResourceType]string{}
	for _, r := range api.submitIn.ContainerOverrides.ResourceRequirements {
		reqs[r.Type] = aws.ToString(r.Value)
	}
	assert.Equal(t, "1", reqs[types.ResourceTypeVcpu])
	assert.Equal(t, "4", reqs[types.ResourceTypeMemory])
	assert.NotContains(t, reqs, types.ResourceTypeGpu)
}

func TestSubmitError(t *testing.T) {
	api := &stubBatchAPI{submitErr: errors.New("throttled")}
	client := stubClient(api)

	_, err := client.Submit(context.Background(), backend.JobSpec{Name: "codalab-run-0xabc"})
	assert.ErrorIs(t, err, apperrors.ErrTransient)
}

func TestStatus(t *testing.T) {
	started := int64(1700000000000)
	stopped := int64(1700000360000)

	cases := map[string]struct {
		job  types.JobDetail
		want backend.JobStatus
	}{
		"submitted counts as pending": {
			job:  types.JobDetail{Status: types.JobStatusSubmitted},
			want: backend.JobStatus{State: backend.StatePending},
		},
		"runnable counts as pending": {
			job:  types.JobDetail{Status: types.JobStatusRunnable},
			want: backend.JobStatus{State: backend.StatePending},
		},
		"starting counts as pending": {
			job:  types.JobDetail{Status: types.JobStatusStarting},
			want: backend.JobStatus{State: backend.StatePending},
		},
		"running": {
			job: types.JobDetail{Status: types.JobStatusRunning, StartedAt: &started},
			want: backend.JobStatus{
				State:     backend.StateRunning,
				StartedAt: millisTime(started),
			},
		},
		"succeeded": {
			job: types.JobDetail{
				Status:    types.JobStatusSucceeded,
				StartedAt: &started,
				StoppedAt: &stopped,
				Container: &types.ContainerDetail{ExitCode: aws.Int32(0)},
			},
			want: backend.JobStatus{
				State:      backend.StateSucceeded,
				ExitCode:   nullInt(0),
				StartedAt:  millisTime(started),
				FinishedAt: millisTime(stopped),
			},
		},
		"failed with exit code": {
			job: types.JobDetail{
				Status:       types.JobStatusFailed,
				StatusReason: aws.String("Essential container in task exited"),
				Container:    &types.ContainerDetail{ExitCode: aws.Int32(137)},
			},
			want: backend.JobStatus{
				State:    backend.StateFailed,
				Reason:   "Essential container in task exited",
				ExitCode: nullInt(137),
			},
		},
		"failed before container start gets synthetic exit code": {
			job: types.JobDetail{
				Status:       types.JobStatusFailed,
				StatusReason: aws.String("CannotPullContainerError"),
			},
			want: backend.JobStatus{
				State:    backend.StateFailed,
				Reason:   "CannotPullContainerError",
				ExitCode: nullInt(1),
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			api := &stubBatchAPI{describeOut: &batch.DescribeJobsOutput{Jobs: []types.JobDetail{tc.job}}}
			status, err := stubClient(api).Status(context.Background(), "job-1")
			require.NoError(t, err)
			assert.Equal(t, tc.want, status)
		})
	}
}

func TestStatusUnknownJob(t *testing.T) {
	api := &stubBatchAPI{describeOut: &batch.DescribeJobsOutput{}}
	_, err := stubClient(api).Status(context.Background(), "job-gone")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCancel(t *testing.T) {
	api := &stubBatchAPI{}
	require.NoError(t, stubClient(api).Cancel(context.Background(), "job-1"))

	require.NotNil(t, api.terminateIn)
	assert.Equal(t, "job-1", aws.ToString(api.terminateIn.JobId))
}

func TestNewRequiresQueueAndDefinition(t *testing.T) {
	_, err := New(context.Background(), Config{JobDefinition: "codalab-run"})
	assert.ErrorIs(t, err, apperrors.ErrPrecondition)

	_, err = New(context.Background(), Config{JobQueue: "codalab-cpu"})
	assert.ErrorIs(t, err, apperrors.ErrPrecondition)
}
