package interfaces

import (
	"context"

	"github.com/ternarybob/accedo/internal/models"
)

// ScanStore persists scans, pages, and findings in Postgres. All writes
// are keyed by scan id and must tolerate at-least-once job delivery.
type ScanStore interface {
	// GetStatus returns the current status of a scan, or an error when the
	// scan row does not exist.
	GetStatus(ctx context.Context, scanID string) (models.ScanStatus, error)

	// SetStatus transitions a scan to the given status. Moving into
	// StatusCrawling stamps started_at the first time it happens.
	SetStatus(ctx context.Context, scanID string, status models.ScanStatus) error

	// SetProgress mirrors the latest progress event onto the scan row.
	// Last writer wins; terminal scans are left untouched.
	SetProgress(ctx context.Context, scanID string, progress *models.JobProgress) error

	// CommitScan writes the scan summary plus all page and finding rows in
	// a single transaction. Returns false with a nil error when the scan
	// was already in a terminal state and nothing was written.
	CommitScan(ctx context.Context, scan *models.Scan, pages []*models.Page) (bool, error)

	// MarkFailed moves a scan to StatusFailed with an error message,
	// unless the scan is already terminal.
	MarkFailed(ctx context.Context, scanID, reason string) error

	// MarkCancelled moves a scan to StatusCancelled unless it already
	// reached a terminal state.
	MarkCancelled(ctx context.Context, scanID string) error

	// Ping verifies database connectivity for readiness checks.
	Ping(ctx context.Context) error

	Close() error
}
