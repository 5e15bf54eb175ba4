package interfaces

import (
	"context"

	"github.com/ternarybob/accedo/internal/models"
)

// DeadLetterQueue stores jobs that exhausted their retry budget or
// arrived malformed, together with enough context to replay them.
type DeadLetterQueue interface {
	// Push appends an entry to the dead-letter queue.
	Push(ctx context.Context, entry *models.DLQEntry) error

	// List returns up to limit entries, newest first.
	List(ctx context.Context, limit int) ([]*models.DLQEntry, error)

	// Retry re-enqueues the original payload of a dead-letter entry and
	// removes the entry on success.
	Retry(ctx context.Context, entryID string) error

	// Remove drops an entry without replaying it.
	Remove(ctx context.Context, entryID string) error

	// Size returns the number of parked entries.
	Size(ctx context.Context) (int, error)
}

// QueueInspector exposes queue health for the readiness and metrics
// endpoints.
type QueueInspector interface {
	// Stats returns a snapshot of queue depths by state.
	Stats(ctx context.Context) (*models.QueueStats, error)

	// Ping verifies Redis connectivity.
	Ping(ctx context.Context) error
}
