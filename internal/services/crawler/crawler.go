package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/robots"
	"github.com/ternarybob/accedo/internal/services/urlguard"
)

// Service walks a site breadth-first from a seed URL, bounded by the
// job's page budget and the configured depth limit. Admission is strict:
// every candidate link passes the URL guard's normalization and
// same-domain rules, robots.txt when the job respects it, and the
// per-host politeness delay.
//
// A crawl is single-threaded; the only cross-goroutine signal is the
// per-scan stop flag.
type Service struct {
	guard   *urlguard.Guard
	robots  interfaces.RobotsService
	fetcher PageFetcher
	config  common.CrawlerConfig
	logger  arbor.ILogger

	mu      sync.Mutex
	stopped map[string]bool
}

// New creates the crawler service.
func New(guard *urlguard.Guard, robotsSvc interfaces.RobotsService, fetcher PageFetcher, config common.CrawlerConfig, logger arbor.ILogger) *Service {
	if config.UserAgent == "" {
		config.UserAgent = "AccedoScanner/1.0"
	}
	return &Service{
		guard:   guard,
		robots:  robotsSvc,
		fetcher: fetcher,
		config:  config,
		logger:  logger,
		stopped: make(map[string]bool),
	}
}

// Stop flags an in-flight crawl to return after its current iteration.
func (s *Service) Stop(scanID string) {
	s.mu.Lock()
	s.stopped[scanID] = true
	s.mu.Unlock()
	s.logger.Info().Str("scan_id", scanID).Msg("Crawl stop requested")
}

func (s *Service) stopRequested(scanID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[scanID]
}

func (s *Service) clearStop(scanID string) {
	s.mu.Lock()
	delete(s.stopped, scanID)
	s.mu.Unlock()
}

// Crawl discovers up to the job's page budget of same-domain pages in
// BFS order. Fetch failures are recorded per URL and never abort the
// walk; only the context, the stop flag, and exhaustion end it.
func (s *Service) Crawl(ctx context.Context, job *models.ScanJobPayload, onProgress func(pagesFound int)) *models.CrawlResult {
	startTime := time.Now()
	defer s.clearStop(job.ScanID)

	result := &models.CrawlResult{
		Pages:  []models.CrawledPage{},
		Errors: []models.CrawlError{},
	}
	defer func() { result.Duration = time.Since(startTime) }()

	seed, err := s.guard.ValidateSyntactic(job.URL)
	if err != nil {
		result.Seed = job.URL
		result.Errors = append(result.Errors, models.CrawlError{
			URL:     job.URL,
			Kind:    models.CrawlErrorSkipped,
			Message: urlguard.Reason(err),
		})
		return result
	}
	result.Seed = seed.Normalized

	maxPages := job.MaxPages
	maxDepth := s.config.MaxDepth
	if !job.Crawl {
		maxPages = 1
		maxDepth = 0
	}
	if maxPages < 1 {
		maxPages = 1
	}

	respectRobots := s.config.RespectRobots
	if job.Options != nil && job.Options.RespectRobotsTxt != nil {
		respectRobots = *job.Options.RespectRobotsTxt
	}

	s.logger.Info().
		Str("scan_id", job.ScanID).
		Str("seed", seed.Normalized).
		Int("max_pages", maxPages).
		Int("max_depth", maxDepth).
		Bool("respect_robots", respectRobots).
		Msg("Crawl started")

	queue := newFrontier()
	queue.Push(seed.Normalized, 0)
	limiter := newHostLimiter(s.config.CrawlDelay)

	for queue.Len() > 0 && len(result.Pages) < maxPages {
		if ctx.Err() != nil || s.stopRequested(job.ScanID) {
			result.Stopped = true
			break
		}

		item, _ := queue.Pop()
		parsed, err := s.guard.ValidateSyntactic(item.URL)
		if err != nil {
			continue
		}

		hostKey := robots.HostKey(item.URL)
		if respectRobots && !s.robots.IsAllowed(ctx, item.URL, s.config.UserAgent) {
			s.logger.Debug().
				Str("scan_id", job.ScanID).
				Str("url", item.URL).
				Msg("URL disallowed by robots.txt")
			result.Errors = append(result.Errors, models.CrawlError{
				URL:     item.URL,
				Kind:    models.CrawlErrorRobots,
				Message: "disallowed by robots.txt",
			})
			continue
		}

		var robotsDelay time.Duration
		if respectRobots {
			robotsDelay = s.robots.CrawlDelay(ctx, hostKey, s.config.UserAgent)
		}
		if err := limiter.Wait(ctx, hostKey, robotsDelay); err != nil {
			result.Stopped = true
			break
		}

		fetched, err := s.fetcher.Fetch(ctx, item.URL, job.WaitTime())
		if err != nil {
			s.logger.Warn().
				Str("scan_id", job.ScanID).
				Str("url", item.URL).
				Err(err).
				Msg("Page fetch failed")
			result.Errors = append(result.Errors, models.CrawlError{
				URL:     item.URL,
				Kind:    models.CrawlErrorNetwork,
				Message: err.Error(),
			})
			continue
		}
		if fetched.StatusCode >= 400 {
			result.Errors = append(result.Errors, models.CrawlError{
				URL:        item.URL,
				Kind:       models.CrawlErrorHTTP,
				StatusCode: fetched.StatusCode,
				Message:    "page returned HTTP error",
			})
			continue
		}

		result.Pages = append(result.Pages, models.CrawledPage{
			URL:        item.URL,
			Title:      fetched.Title,
			Depth:      item.Depth,
			StatusCode: fetched.StatusCode,
			LoadTime:   fetched.LoadTime,
		})
		if onProgress != nil {
			onProgress(len(result.Pages))
		}

		if item.Depth >= maxDepth {
			continue
		}

		base := parsed
		if fetched.URL != "" && fetched.URL != item.URL && s.guard.SameDomain(fetched.URL, item.URL) {
			if rebased, err := s.guard.ValidateSyntactic(fetched.URL); err == nil {
				base = rebased
			}
		}
		for _, href := range fetched.Links {
			resolved, ok := s.guard.ResolveRelative(base, href, true)
			if !ok {
				continue
			}
			if s.guard.ShouldSkipURL(resolved) {
				continue
			}
			queue.Push(resolved, item.Depth+1)
		}
	}

	s.logger.Info().
		Str("scan_id", job.ScanID).
		Int("pages", len(result.Pages)).
		Int("errors", len(result.Errors)).
		Int("discovered", queue.SeenCount()).
		Bool("stopped", result.Stopped).
		Dur("duration", time.Since(startTime)).
		Msg("Crawl finished")
	return result
}
