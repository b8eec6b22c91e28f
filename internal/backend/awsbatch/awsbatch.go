// Package awsbatch implements the compute backend on AWS Batch. Jobs are
// submitted to a pre-registered job definition with per-run container
// overrides; Batch itself is the source of truth for job status.
package awsbatch

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/apperrors"
	"github.com/DRSY/codalab-worksheets/internal/backend"
)

// Config holds the settings needed to reach an AWS Batch queue.
type Config struct {
	Region          string `mapstructure:"region"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	JobQueue        string `mapstructure:"job_queue"`
	JobDefinition   string `mapstructure:"job_definition"`
}

// batchAPI is the slice of the AWS Batch client the backend uses. Narrowed
// to an interface so tests can substitute a stub.
type batchAPI interface {
	SubmitJob(ctx context.Context, in *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, in *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
	TerminateJob(ctx context.Context, in *batch.TerminateJobInput, opts ...func(*batch.Options)) (*batch.TerminateJobOutput, error)
}

// Client implements backend.Client on AWS Batch.
type Client struct {
	api           batchAPI
	jobQueue      string
	jobDefinition string
}

var _ backend.Client = (*Client)(nil)

// New creates the AWS Batch backend. The SDK's default credential chain is
// used unless explicit credentials are configured.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.JobQueue == "" {
		return nil, apperrors.Precondition("awsbatch: job_queue must be configured")
	}
	if cfg.JobDefinition == "" {
		return nil, apperrors.Precondition("awsbatch: job_definition must be configured")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(creds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not load AWS config: %w", err)
	}

	return &Client{
		api:           batch.NewFromConfig(awsCfg),
		jobQueue:      cfg.JobQueue,
		jobDefinition: cfg.JobDefinition,
	}, nil
}

func (c *Client) Name() string {
	return "aws-batch"
}

// Capacity reports an effectively unbounded quota: the real limit is the
// Batch compute environment, which is not locally observable.
func (c *Client) Capacity() backend.Capacity {
	return backend.UnboundedCapacity
}

func (c *Client) Submit(ctx context.Context, spec backend.JobSpec) (string, error) {
	overrides := &types.ContainerOverrides{
		Command:              spec.Command,
		ResourceRequirements: resourceRequirements(spec),
	}
	for name, value := range spec.Env {
		overrides.Environment = append(overrides.Environment, types.KeyValuePair{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	out, err := c.api.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:            aws.String(spec.Name),
		JobQueue:           aws.String(c.jobQueue),
		JobDefinition:      aws.String(c.jobDefinition),
		ContainerOverrides: overrides,
	})
	if err != nil {
		return "", apperrors.Transient("batch.SubmitJob", err)
	}

	jobID := aws.ToString(out.JobId)
	log.Info().Str("job_id", jobID).Str("job_name", spec.Name).Msg("Submitted job to AWS Batch")
	return jobID, nil
}

func (c *Client) Status(ctx context.Context, handle string) (backend.JobStatus, error) {
	out, err := c.api.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{handle}})
	if err != nil {
		return backend.JobStatus{}, apperrors.Transient("batch.DescribeJobs", err)
	}
	if len(out.Jobs) == 0 {
		return backend.JobStatus{}, apperrors.NotFound("batch job", handle)
	}
	return statusFromJobDetail(&out.Jobs[0]), nil
}

func (c *Client) Cancel(ctx context.Context, handle string) error {
	_, err := c.api.TerminateJob(ctx, &batch.TerminateJobInput{
		JobId:  aws.String(handle),
		Reason: aws.String("Kill requested by run manager"),
	})
	if err != nil {
		return apperrors.Transient("batch.TerminateJob", err)
	}
	return nil
}

// resourceRequirements converts the run's resource request into Batch
// container requirements. Batch expects vCPU counts, memory in MiB and GPU
// counts as strings.
func resourceRequirements(spec backend.JobSpec) []types.ResourceRequirement {
	reqs := []types.ResourceRequirement{
		{Type: types.ResourceTypeVcpu, Value: aws.String(strconv.Itoa(max(spec.Resources.CPUs, 1)))},
		{Type: types.ResourceTypeMemory, Value: aws.String(strconv.FormatInt(max(spec.Resources.MemoryBytes>>20, 4), 10))},
	}
	if spec.Resources.GPUs > 0 {
		reqs = append(reqs, types.ResourceRequirement{
			Type:  types.ResourceTypeGpu,
			Value: aws.String(strconv.Itoa(spec.Resources.GPUs)),
		})
	}
	return reqs
}
