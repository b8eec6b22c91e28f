// Package queue carries run check-ins from the worker to the server. The
// worker publishes a RunUpdate whenever a run changes stage; the server
// side consumes them to keep its bundle states current.
package queue

import (
	"context"

	"github.com/DRSY/codalab-worksheets/internal/models"
)

// Publisher is the worker-side half of the update channel.
type Publisher interface {
	Publish(ctx context.Context, update models.RunUpdate) error
	Close() error
}

// Subscriber is the server-side half, consuming updates as they arrive.
type Subscriber interface {
	Subscribe(ctx context.Context, handler func(models.RunUpdate)) error
	Close() error
}
