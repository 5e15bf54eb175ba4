package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
)

// ErrScanNotFound is returned when a scan id has no row. The enqueuing
// API creates the row before the job is published, so a missing row
// means the job references a scan that never existed or was deleted.
var ErrScanNotFound = errors.New("scan not found")

// ScanStorage implements scan persistence on Postgres. Every mutation
// refuses to touch rows that already reached a terminal status, which is
// what makes redelivered jobs harmless.
type ScanStorage struct {
	db     *Store
	logger arbor.ILogger
}

// NewScanStorage creates a new scan storage instance.
func NewScanStorage(db *Store, logger arbor.ILogger) interfaces.ScanStore {
	return &ScanStorage{
		db:     db,
		logger: logger,
	}
}

// GetStatus returns the current status of a scan.
func (s *ScanStorage) GetStatus(ctx context.Context, scanID string) (models.ScanStatus, error) {
	var status string
	err := s.db.db.GetContext(ctx, &status, "SELECT status FROM scans WHERE id = $1", scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("scan %s: %w", scanID, ErrScanNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read scan status: %w", err)
	}
	return models.ScanStatus(status), nil
}

// SetStatus transitions a non-terminal scan to the given status.
// Entering the crawling state stamps started_at once; entering a
// terminal state stamps completed_at.
func (s *ScanStorage) SetStatus(ctx context.Context, scanID string, status models.ScanStatus) error {
	query := `
		UPDATE scans SET
			status = $2,
			started_at = CASE WHEN $2 = 'crawling' THEN COALESCE(started_at, now()) ELSE started_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	return s.guardedExec(ctx, scanID, query, scanID, string(status))
}

// SetProgress mirrors the latest progress event onto the scan row.
func (s *ScanStorage) SetProgress(ctx context.Context, scanID string, progress *models.JobProgress) error {
	query := `
		UPDATE scans SET
			progress_stage = $2,
			progress_current = $3,
			progress_total = $4,
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	_, err := s.db.db.ExecContext(ctx, query,
		scanID, string(progress.Stage), progress.PagesScanned, progress.TotalPages)
	if err != nil {
		return fmt.Errorf("failed to update scan progress: %w", err)
	}
	return nil
}

// CommitScan writes the completed scan summary plus every page and
// finding row in one transaction. The row is locked first; a scan that
// already reached a terminal state is left untouched and (false, nil)
// is returned, so a redelivered job cannot double-write results.
func (s *ScanStorage) CommitScan(ctx context.Context, scan *models.Scan, pages []*models.Page) (bool, error) {
	tx, err := s.db.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.GetContext(ctx, &status, "SELECT status FROM scans WHERE id = $1 FOR UPDATE", scan.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("scan %s: %w", scan.ID, ErrScanNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock scan row: %w", err)
	}

	if models.ScanStatus(status).IsTerminal() {
		s.logger.Warn().
			Str("scan_id", scan.ID).
			Str("status", status).
			Msg("Scan already terminal, skipping result commit")
		return false, nil
	}

	summaryQuery := `
		UPDATE scans SET
			status = $2,
			completed_at = now(),
			error_message = $3,
			score = $4,
			pages_scanned = $5,
			issues_count = $6,
			issues_critical = $7,
			issues_serious = $8,
			issues_moderate = $9,
			issues_minor = $10,
			progress_stage = $11,
			progress_current = $12,
			progress_total = $13,
			updated_at = now()
		WHERE id = $1`

	_, err = tx.ExecContext(ctx, summaryQuery,
		scan.ID,
		string(scan.Status),
		scan.ErrorMessage,
		scan.Score,
		scan.PagesScanned,
		scan.IssuesCount,
		scan.IssuesCritical,
		scan.IssuesSerious,
		scan.IssuesModerate,
		scan.IssuesMinor,
		scan.ProgressStage,
		scan.ProgressCurrent,
		scan.ProgressTotal,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update scan summary: %w", err)
	}

	pageQuery := `
		INSERT INTO pages (
			id, scan_id, url, title, depth, score, issues_count,
			passed_rules, failed_rules, incomplete_rules,
			load_time_ms, scan_time_ms, error, scanned_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	findingQuery := `
		INSERT INTO issues (
			id, page_id, rule_id, impact, wcag_criteria, wcag_level,
			regulatory_reference, title_localized, description_localized,
			fix_localized, element_selector, element_html, help_url, screenshot_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	for _, page := range pages {
		if page.ID == "" {
			page.ID = common.NewPageID()
		}

		_, err = tx.ExecContext(ctx, pageQuery,
			page.ID,
			scan.ID,
			page.URL,
			page.Title,
			page.Depth,
			page.Score,
			page.IssuesCount,
			page.PassedRules,
			page.FailedRules,
			page.IncompleteRules,
			page.LoadTimeMs,
			page.ScanTimeMs,
			page.Error,
			page.ScannedAt,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert page %s: %w", page.URL, err)
		}

		for i := range page.Findings {
			finding := &page.Findings[i]
			if finding.ID == "" {
				finding.ID = common.NewFindingID()
			}

			_, err = tx.ExecContext(ctx, findingQuery,
				finding.ID,
				page.ID,
				finding.RuleID,
				string(finding.Impact),
				pq.Array(finding.WCAGCriteria),
				string(finding.WCAGLevel),
				finding.RegulatoryReference,
				finding.TitleLocalized,
				finding.DescriptionLocalized,
				finding.FixLocalized,
				finding.ElementSelector,
				finding.ElementHTML,
				finding.HelpURL,
				finding.ScreenshotPath,
			)
			if err != nil {
				return false, fmt.Errorf("failed to insert finding %s: %w", finding.RuleID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit scan results: %w", err)
	}

	s.logger.Info().
		Str("scan_id", scan.ID).
		Int("pages", len(pages)).
		Int("issues", scan.IssuesCount).
		Msg("Scan results committed")
	return true, nil
}

// MarkFailed moves a non-terminal scan to the failed state with an
// error message.
func (s *ScanStorage) MarkFailed(ctx context.Context, scanID, reason string) error {
	query := `
		UPDATE scans SET
			status = 'failed',
			error_message = $2,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	return s.guardedExec(ctx, scanID, query, scanID, reason)
}

// MarkCancelled moves a non-terminal scan to the cancelled state.
func (s *ScanStorage) MarkCancelled(ctx context.Context, scanID string) error {
	query := `
		UPDATE scans SET
			status = 'cancelled',
			completed_at = now(),
			updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`

	return s.guardedExec(ctx, scanID, query, scanID)
}

// Ping verifies database connectivity.
func (s *ScanStorage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the underlying pool.
func (s *ScanStorage) Close() error {
	return s.db.Close()
}

// guardedExec runs a terminal-guarded update. Zero affected rows means
// the scan is either already terminal (fine, drop the write) or missing
// entirely (an error worth surfacing).
func (s *ScanStorage) guardedExec(ctx context.Context, scanID, query string, args ...interface{}) error {
	res, err := s.db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update scan: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if rows == 0 {
		if _, err := s.GetStatus(ctx, scanID); err != nil {
			return err
		}
	}
	return nil
}
