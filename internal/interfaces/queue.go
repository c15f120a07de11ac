package interfaces

import (
	"context"

	"github.com/ternarybob/vigil/internal/models"
)

// QueueManager is the durable work broker. Delivery is at-least-once; sinks
// must be idempotent. The dedup id on a message suppresses duplicate
// enqueues while an identical message is still queued.
type QueueManager interface {
	Enqueue(ctx context.Context, queue string, msg models.QueueMessage) error

	// Receive pulls the next visible message from the named queue and
	// returns an ack function the worker calls after processing. An
	// unacked message becomes visible again after the visibility timeout.
	Receive(ctx context.Context, queue string) (*models.QueueMessage, func() error, error)

	Close() error
}
