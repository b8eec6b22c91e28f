package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/DRSY/codalab-worksheets/internal/models"
)

const (
	RunUpdateQueueName = "codalab:run-updates"
)

// RedisClient implements Publisher and Subscriber using a Redis list.
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis update channel client.
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Publish pushes a run update onto the channel.
func (r *RedisClient) Publish(ctx context.Context, update models.RunUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, RunUpdateQueueName, data).Err()
}

// Subscribe blocks, handing each received update to the handler. One
// client can only be subscribed once.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(models.RunUpdate)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			update, err := r.getNewUpdate(ctx)
			if err != nil {
				log.Error().
					Err(err).
					Msg("Error encountered when fetching update from queue")
				continue
			}
			if update == nil {
				continue
			}

			if err := processUpdate(handler, *update); err != nil {
				log.Error().
					Err(err).
					Str("uuid", update.UUID).
					Msg("Error encountered when processing update")
			}
		}
	}
}

func (r *RedisClient) getNewUpdate(ctx context.Context) (*models.RunUpdate, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, RunUpdateQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No update available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid entry, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	var update models.RunUpdate
	if err := json.Unmarshal([]byte(result[1]), &update); err != nil {
		return nil, fmt.Errorf("could not parse entry into RunUpdate. %w", err)
	}
	return &update, nil
}

func processUpdate(handler func(models.RunUpdate), update models.RunUpdate) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Str("uuid", update.UUID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(update)
	return nil
}

// Close terminates the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
