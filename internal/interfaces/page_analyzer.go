package interfaces

import (
	"context"

	"github.com/ternarybob/accedo/internal/models"
)

// PageAnalyzer runs the accessibility engine against one crawled page.
// Per-page problems such as navigation failures or engine evaluation
// errors are folded into the result's Error field so the scan keeps
// going with the remaining pages. A non-nil error means no browser page
// could be acquired at all; without a browser the scan cannot proceed
// and the job should be retried.
type PageAnalyzer interface {
	Analyze(ctx context.Context, scanID string, page *models.CrawledPage, job *models.ScanJobPayload) (*models.PageScanResult, error)
}
