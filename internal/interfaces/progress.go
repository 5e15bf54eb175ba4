package interfaces

import (
	"context"

	"github.com/ternarybob/accedo/internal/models"
)

// ProgressPublisher fans one progress event out to its consumers: the
// Redis progress channel for live subscribers and the scan row for
// poll-based clients. Publishing is best-effort; a failed publish never
// fails the scan.
type ProgressPublisher interface {
	Publish(ctx context.Context, scanID string, progress *models.JobProgress)
}

// CancelRegistry tracks cancellation requests received over the cancel
// channel. The scan loop consults it between pages; Register wires a
// scan's context so an in-flight blocking operation is interrupted too.
type CancelRegistry interface {
	// IsCancelled reports whether a cancellation request has been seen
	// for the scan.
	IsCancelled(scanID string) bool

	// Register associates a cancel function with a running scan so a
	// cancellation request can interrupt it immediately.
	Register(scanID string, cancel context.CancelFunc)

	// Unregister removes the association once the scan finishes.
	Unregister(scanID string)
}
