package interfaces

import (
	"context"
	"time"
)

// RobotsService answers robots.txt questions with a per-host cache.
// Fetch or parse failures fail open: the crawler proceeds as if the host
// had no robots.txt at all.
type RobotsService interface {
	// IsAllowed reports whether the user agent may fetch the URL.
	IsAllowed(ctx context.Context, rawURL, userAgent string) bool

	// CrawlDelay returns the Crawl-delay directive for the host's group,
	// or zero when the directive is absent.
	CrawlDelay(ctx context.Context, host, userAgent string) time.Duration

	// Sitemaps returns any Sitemap URLs declared by the host.
	Sitemaps(ctx context.Context, host string) []string
}
