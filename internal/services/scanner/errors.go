package scanner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ternarybob/accedo/internal/services/urlguard"
)

// Category classifies a scan-level failure for retry routing. Permanent
// categories end the scan without another delivery; the rest are handed
// back to the queue for retry and reach the dead-letter queue when the
// attempt budget runs out.
type Category string

const (
	// CategoryInput covers invalid or disallowed seed URLs and seeds the
	// site itself refuses via robots.txt. Never retried.
	CategoryInput Category = "input"

	// CategoryNetwork covers DNS, TCP, and HTTP failures reaching the
	// seed. Retried.
	CategoryNetwork Category = "network"

	// CategoryBrowser covers browser launch and disconnect failures that
	// survived the in-job re-acquire. Retried.
	CategoryBrowser Category = "browser"

	// CategoryEngine covers the rule engine failing to initialize after
	// the in-job retry. The script is broken, not the site; never retried.
	CategoryEngine Category = "engine"

	// CategoryPersistence covers commit transaction failures. Retried.
	CategoryPersistence Category = "persistence"

	// CategoryExhausted covers scans that produced nothing to report:
	// zero crawled pages, or every page erroring out. Never retried.
	CategoryExhausted Category = "exhausted"
)

// Permanent reports whether failures of the category must not be retried.
func (c Category) Permanent() bool {
	switch c {
	case CategoryInput, CategoryEngine, CategoryExhausted:
		return true
	}
	return false
}

// ScanError is a scan-level failure. Category drives retry routing;
// Reason is the short typed message persisted as the scan row's
// error_message, never a raw error string.
type ScanError struct {
	Category Category
	Reason   string
	Err      error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Permanent reports whether the failure must not be retried.
func (e *ScanError) Permanent() bool {
	return e.Category.Permanent()
}

func scanError(category Category, reason string, err error) *ScanError {
	return &ScanError{Category: category, Reason: reason, Err: err}
}

// Classify maps an arbitrary error onto the taxonomy. Typed errors keep
// their category, guard failures are input errors, database errors are
// persistence errors, and everything else defaults to a retryable
// network failure so an unknown error can never strand a scan.
func Classify(err error) Category {
	var scanErr *ScanError
	if errors.As(err, &scanErr) {
		return scanErr.Category
	}
	if urlguard.IsGuardError(err) {
		return CategoryInput
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) {
		return CategoryPersistence
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryNetwork
	}
	return CategoryNetwork
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return Classify(err).Permanent()
}
