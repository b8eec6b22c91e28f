package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Config holds the worker-pool controller settings.
type Config struct {
	// Owner is the scheduler principal whose jobs the controller counts.
	Owner string `mapstructure:"owner"`
	// TargetWorkers is the desired pool capacity.
	TargetWorkers int `mapstructure:"target_workers"`
	// MaxPerTick caps submissions in one reconcile, so a scheduler that
	// briefly under-reports job counts right after a submission cannot
	// trigger a submission storm.
	MaxPerTick int `mapstructure:"max_per_tick"`

	JobName   string `mapstructure:"job_name"`
	Partition string `mapstructure:"partition"`
	Nodelist  string `mapstructure:"nodelist"`
	CPUs      int    `mapstructure:"cpus"`
	GPUs      int    `mapstructure:"gpus"`
	MemoryMB  int    `mapstructure:"memory_mb"`

	ServerURL   string `mapstructure:"server_url"`
	IdleSeconds int    `mapstructure:"idle_seconds"`
	Tag         string `mapstructure:"tag"`
	WorkDir     string `mapstructure:"work_dir"`

	// DryRun builds and prints specifications instead of submitting.
	DryRun bool `mapstructure:"dry_run"`
}

// Controller reconciles desired vs. observed worker capacity. It holds no
// state between ticks beyond its configuration.
type Controller struct {
	client SchedulerClient
	cfg    Config
	out    io.Writer // dry-run spec destination
}

// NewController creates a worker-pool controller over the given scheduler.
func NewController(client SchedulerClient, cfg Config) *Controller {
	if cfg.MaxPerTick <= 0 {
		cfg.MaxPerTick = 1
	}
	if cfg.JobName == "" {
		cfg.JobName = "codalab-worker"
	}
	return &Controller{client: client, cfg: cfg, out: os.Stdout}
}

// Reconcile runs one tick: count the owned pending and running jobs,
// compute the deficit against the target, and submit up to MaxPerTick new
// worker jobs. Submission failures are logged and left for the next tick.
func (c *Controller) Reconcile(ctx context.Context) error {
	jobs, err := c.client.ListJobs(ctx, c.cfg.Owner, []JobState{JobPending, JobRunning})
	if err != nil {
		return fmt.Errorf("could not list worker jobs: %w", err)
	}

	var pending, running int
	for _, job := range jobs {
		switch job.State {
		case JobPending:
			pending++
		case JobRunning:
			running++
		}
	}

	deficit := c.cfg.TargetWorkers - (pending + running)
	log.Info().
		Int("pending", pending).
		Int("running", running).
		Int("target", c.cfg.TargetWorkers).
		Int("deficit", deficit).
		Msg("Reconciled worker pool")

	if deficit <= 0 {
		return nil
	}
	toLaunch := min(deficit, c.cfg.MaxPerTick)

	for i := 0; i < toLaunch; i++ {
		c.launchWorker(ctx)
	}
	return nil
}

// launchWorker builds and submits one worker job specification.
func (c *Controller) launchWorker(ctx context.Context) {
	workerID := uuid.New().String()
	spec := c.buildWorkerSpec(workerID)
	script := spec.Script()

	if c.cfg.DryRun {
		_, _ = fmt.Fprint(c.out, script)
		return
	}

	scriptPath := filepath.Join(c.cfg.WorkDir, spec.JobName+".slurm")
	if err := os.MkdirAll(c.cfg.WorkDir, 0o755); err != nil {
		log.Error().Err(err).Str("work_dir", c.cfg.WorkDir).Msg("Could not create work directory")
		return
	}
	if err := os.WriteFile(scriptPath, []byte(script), 0o644); err != nil {
		log.Error().Err(err).Str("path", scriptPath).Msg("Could not save worker job script")
		return
	}

	jobID, err := c.client.SubmitScript(ctx, scriptPath)
	if err != nil {
		log.Error().Err(err).Str("job_name", spec.JobName).Msg("Could not submit worker job")
		return
	}

	log.Info().
		Str("job_id", jobID).
		Str("job_name", spec.JobName).
		Str("worker_id", workerID).
		Msg("Submitted worker job")
}
