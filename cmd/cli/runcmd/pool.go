package runcmd

import (
	"context"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DRSY/codalab-worksheets/internal/config"
	"github.com/DRSY/codalab-worksheets/internal/daemon"
	"github.com/DRSY/codalab-worksheets/internal/pool"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Runs the worker-pool controller against Slurm",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.Level())

		cfg := conf.Pool.Config
		applyPoolFlags(cmd, &cfg)
		if cfg.Owner == "" {
			cfg.Owner = currentUsername()
		}
		if cfg.WorkDir == "" {
			cfg.WorkDir = conf.Worker.WorkDir
		}

		controller := pool.NewController(pool.NewSlurmClient(), cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if cfg.DryRun {
			// One reconcile pass that prints the built specifications.
			if err := controller.Reconcile(ctx); err != nil {
				log.Fatal().Err(err).Msg("Dry-run reconcile failed")
			}
			return
		}

		log.Info().
			Int("target_workers", cfg.TargetWorkers).
			Str("partition", cfg.Partition).
			Msg("Running worker-pool controller")

		pd := daemon.NewPoolDaemon(controller, time.Duration(conf.Pool.ReconcileIntervalSec)*time.Second)
		if err := pd.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start pool daemon")
		}
		defer pd.Stop()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}

func init() {
	flags := poolCmd.Flags()
	flags.Int("target-workers", 0, "desired number of workers in the pool")
	flags.Int("max-per-tick", 0, "maximum worker submissions per reconcile tick")
	flags.Int("cpus", 0, "CPUs per worker")
	flags.Int("gpus", 0, "GPUs per worker")
	flags.Int("memory-mb", 0, "memory (in MB) per worker")
	flags.String("partition", "", "cluster partition to submit workers to")
	flags.String("nodelist", "", "specific nodes to run workers on")
	flags.Bool("dry-run", false, "print the built job specification instead of submitting")
}

// applyPoolFlags lets the command line override the config file values.
func applyPoolFlags(cmd *cobra.Command, cfg *pool.Config) {
	flags := cmd.Flags()
	if flags.Changed("target-workers") {
		cfg.TargetWorkers, _ = flags.GetInt("target-workers")
	}
	if flags.Changed("max-per-tick") {
		cfg.MaxPerTick, _ = flags.GetInt("max-per-tick")
	}
	if flags.Changed("cpus") {
		cfg.CPUs, _ = flags.GetInt("cpus")
	}
	if flags.Changed("gpus") {
		cfg.GPUs, _ = flags.GetInt("gpus")
	}
	if flags.Changed("memory-mb") {
		cfg.MemoryMB, _ = flags.GetInt("memory-mb")
	}
	if flags.Changed("partition") {
		cfg.Partition, _ = flags.GetString("partition")
	}
	if flags.Changed("nodelist") {
		cfg.Nodelist, _ = flags.GetString("nodelist")
	}
	if dryRun, _ := flags.GetBool("dry-run"); dryRun {
		cfg.DryRun = true
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
