package scanner

import (
	"time"

	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/normalizer"
)

// Summarize aggregates per-page results into the scan summary. The scan
// score is the arithmetic mean of the non-error page scores; errored
// pages still count toward pages scanned but contribute no issues.
func Summarize(results []*models.PageScanResult) *models.ScanSummary {
	summary := &models.ScanSummary{
		Score:        normalizer.ScanScore(results),
		PagesScanned: len(results),
	}
	for _, result := range results {
		for i := range result.Findings {
			finding := &result.Findings[i]
			summary.ByImpact.Add(finding.Impact, 1)
			summary.ByLevel.Add(finding.WCAGLevel, 1)
		}
	}
	summary.IssuesCount = summary.ByImpact.Total()
	return summary
}

// SuccessfulPages counts results whose analysis produced a usable score.
func SuccessfulPages(results []*models.PageScanResult) int {
	n := 0
	for _, result := range results {
		if !result.Failed() {
			n++
		}
	}
	return n
}

// buildRows shapes the commit payload: the completed scan row plus one
// page row per result with its findings attached. Only the summary
// columns matter on the scan; identity columns were written when the
// scan was created.
func buildRows(job *models.ScanJobPayload, results []*models.PageScanResult, summary *models.ScanSummary) (*models.Scan, []*models.Page) {
	score := summary.Score
	scan := &models.Scan{
		ID:              job.ScanID,
		Status:          models.ScanStatusCompleted,
		Score:           &score,
		PagesScanned:    summary.PagesScanned,
		IssuesCount:     summary.IssuesCount,
		IssuesCritical:  summary.ByImpact.Critical,
		IssuesSerious:   summary.ByImpact.Serious,
		IssuesModerate:  summary.ByImpact.Moderate,
		IssuesMinor:     summary.ByImpact.Minor,
		ProgressStage:   string(models.StageComplete),
		ProgressCurrent: summary.PagesScanned,
		ProgressTotal:   summary.PagesScanned,
	}

	pages := make([]*models.Page, 0, len(results))
	for _, result := range results {
		page := &models.Page{
			ScanID:          job.ScanID,
			URL:             result.URL,
			Title:           result.Title,
			Depth:           result.Depth,
			Score:           result.Score,
			IssuesCount:     len(result.Findings),
			PassedRules:     result.PassedRules,
			FailedRules:     result.FailedRules,
			IncompleteRules: result.IncompleteRules,
			LoadTimeMs:      result.LoadTimeMs,
			ScanTimeMs:      result.ScanTimeMs,
			ScannedAt:       result.Timestamp,
			Findings:        result.Findings,
		}
		if page.ScannedAt.IsZero() {
			page.ScannedAt = time.Now().UTC()
		}
		if result.Error != "" {
			message := result.Error
			page.Error = &message
		}
		pages = append(pages, page)
	}
	return scan, pages
}
