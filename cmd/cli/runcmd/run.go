package runcmd

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/DRSY/codalab-worksheets/internal/backend"
	"github.com/DRSY/codalab-worksheets/internal/backend/awsbatch"
	"github.com/DRSY/codalab-worksheets/internal/backend/docker"
	"github.com/DRSY/codalab-worksheets/internal/config"
	"github.com/DRSY/codalab-worksheets/internal/database"
	"github.com/DRSY/codalab-worksheets/internal/queue"
	"github.com/DRSY/codalab-worksheets/internal/state"
)

var Command = &cobra.Command{
	Use:   "run",
	Short: "Run service",
	Long:  "Run service from a selected list of services",
}

func init() {
	Command.AddCommand(workerCmd)
	Command.AddCommand(poolCmd)
	Command.AddCommand(monitorCmd)
}

func mustBackend(ctx context.Context, conf *config.CLConfig) backend.Client {
	switch conf.Backend.Kind {
	case "awsbatch":
		client, err := awsbatch.New(ctx, conf.Backend.AWS)
		if err != nil {
			log.Fatalf("Could not create AWS Batch backend: %v", err)
		}
		return client
	case "docker":
		client, err := docker.New(conf.Backend.Docker)
		if err != nil {
			log.Fatalf("Could not create Docker backend: %v", err)
		}
		return client
	default:
		log.Fatalf("Unknown backend kind: %q", conf.Backend.Kind)
		return nil
	}
}

func mustCommitter(conf *config.CLConfig, workerID string) state.Committer {
	switch conf.Snapshot.Kind {
	case "file", "":
		return state.NewFileCommitter(conf.Worker.CommitFile)
	case "postgres":
		db, err := database.New(conf)
		if err != nil {
			log.Fatalf("Could not connect to database: %v", err)
		}
		committer, err := state.NewPostgresCommitter(db, workerID)
		if err != nil {
			log.Fatalf("Could not create postgres committer: %v", err)
		}
		return committer
	default:
		log.Fatalf("Unknown snapshot kind: %q", conf.Snapshot.Kind)
		return nil
	}
}

func mustQueue(conf *config.CLConfig) queue.Publisher {
	if !conf.Queue.Enabled {
		return nil
	}
	redis, err := queue.NewRedisClient(conf.Queue.Host, conf.Queue.Password, conf.Queue.DB)
	if err != nil {
		log.Fatalf("Could not connect to redis queue: %v", err)
	}
	return redis
}

func workerID(conf *config.CLConfig) string {
	if conf.Worker.ID != "" {
		return conf.Worker.ID
	}
	return uuid.New().String()
}
