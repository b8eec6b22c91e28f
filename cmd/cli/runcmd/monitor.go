package runcmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DRSY/codalab-worksheets/internal/config"
	"github.com/DRSY/codalab-worksheets/internal/database"
	"github.com/DRSY/codalab-worksheets/internal/monitor"
	"github.com/DRSY/codalab-worksheets/internal/queue"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Runs the server-side run-update consumer",
	Run: func(cmd *cobra.Command, args []string) {
		log.Info().Msg("Running monitor process")
		conf := config.FromCobraCmd(cmd)
		zerolog.SetGlobalLevel(conf.Level())

		db, err := database.New(conf)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to database")
		}

		sub, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not connect to redis queue")
		}

		mon := monitor.New(db, sub)

		errCh := make(chan error, 1)
		go func() {
			errCh <- mon.Start()
		}()

		defer func() {
			mon.Stop()
			if err := sub.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close redis queue cleanly on shutdown")
			}
			if err := db.Close(); err != nil {
				log.Error().Err(err).Msg("Could not close db cleanly on shutdown")
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			if err != nil {
				log.Error().Err(err).Msg("Monitor stopped with error")
			}
		case sig := <-sigCh:
			log.Info().Msgf("Received signal %v, shutting down...", sig)
		}
	},
}
