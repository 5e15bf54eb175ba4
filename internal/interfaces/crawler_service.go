package interfaces

import (
	"context"

	"github.com/ternarybob/accedo/internal/models"
)

// CrawlerService discovers the set of pages a scan will analyze. It
// runs a bounded same-domain BFS from the seed URL, honouring robots.txt
// and per-host politeness delays.
type CrawlerService interface {
	// Crawl walks the site breadth-first from the job's seed URL and
	// returns every successfully fetched page in discovery order, along
	// with per-URL errors for pages that could not be fetched. A seed
	// that cannot be fetched at all is reported via CrawlResult.SeedError
	// rather than a returned error. onProgress, when non-nil, receives
	// the running count of discovered pages.
	Crawl(ctx context.Context, job *models.ScanJobPayload, onProgress func(pagesFound int)) *models.CrawlResult

	// Stop aborts an in-flight crawl for the given scan. The BFS loop
	// checks the flag at the top of each iteration and returns what it
	// has gathered so far.
	Stop(scanID string)
}
