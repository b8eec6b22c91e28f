package runcmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DRSY/codalab-worksheets/internal/api"
	"github.com/DRSY/codalab-worksheets/internal/config"
	"github.com/DRSY/codalab-worksheets/internal/daemon"
	"github.com/DRSY/codalab-worksheets/internal/run"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Runs the run-manager worker process",
	Run: func(cmd *cobra.Command, args []string) {
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.Level())

		id := workerID(conf)
		log.Info().Str("worker_id", id).Str("backend", conf.Backend.Kind).Msg("Running worker process")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		client := mustBackend(ctx, conf)
		committer := mustCommitter(conf, id)
		publisher := mustQueue(conf)

		if err := os.MkdirAll(conf.Worker.WorkDir, 0o755); err != nil {
			log.Fatal().Err(err).Str("work_dir", conf.Worker.WorkDir).Msg("Could not create work directory")
		}

		manager := run.NewManager(client, committer, publisher, conf.Worker.WorkDir, id)
		wd := daemon.NewWorkerDaemon(
			manager,
			time.Duration(conf.Worker.SweepIntervalSec)*time.Second,
			time.Duration(conf.Worker.SnapshotIntervalSec)*time.Second,
		)
		if err := wd.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start worker daemon")
		}

		if conf.Server.Enabled {
			addr := fmt.Sprintf("%s:%d", conf.Server.Host, conf.Server.Port)
			go func() {
				log.Info().Str("addr", addr).Msg("Status server listening")
				if err := http.ListenAndServe(addr, api.New(manager)); err != nil {
					log.Error().Err(err).Msg("Status server stopped")
				}
			}()
		}

		defer func() {
			wd.Stop()
			if publisher != nil {
				if err := publisher.Close(); err != nil {
					log.Printf("Could not close redis queue cleanly on shutdown: %v\n", err)
				}
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		log.Info().Msgf("Received signal %v, shutting down...", <-sigCh)
	},
}
