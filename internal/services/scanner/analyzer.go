package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/engine"
	"github.com/ternarybob/accedo/internal/services/normalizer"
	"github.com/ternarybob/accedo/internal/services/screenshot"
)

// AnalyzerConfig carries the page-pipeline settings from the worker
// config.
type AnalyzerConfig struct {
	Browser     common.BrowserConfig
	Crawler     common.CrawlerConfig
	Screenshots common.ScreenshotConfig
}

// Analyzer loads each crawled page in its own browser tab, runs the rule
// engine against the rendered document, and normalizes the raw results
// into findings. Navigation and evaluation failures become error results
// rather than errors; only a browser that cannot hand out pages at all
// aborts the scan.
type Analyzer struct {
	browser    interfaces.BrowserService
	runner     *engine.Runner
	normalizer *normalizer.Normalizer
	shots      *screenshot.Capturer
	config     AnalyzerConfig
	logger     arbor.ILogger
}

// NewAnalyzer creates the per-page analysis pipeline. shots may be nil
// when screenshot capture is disabled.
func NewAnalyzer(browser interfaces.BrowserService, runner *engine.Runner, norm *normalizer.Normalizer, shots *screenshot.Capturer, config AnalyzerConfig, logger arbor.ILogger) *Analyzer {
	if config.Browser.NavigationTimeout <= 0 {
		config.Browser.NavigationTimeout = 30 * time.Second
	}
	return &Analyzer{
		browser:    browser,
		runner:     runner,
		normalizer: norm,
		shots:      shots,
		config:     config,
		logger:     logger,
	}
}

// Analyze runs the full pipeline for one page: acquire a tab, navigate,
// inject and execute the rule engine, normalize, capture screenshots.
// The crawl's depth and load time ride along on the result so the page
// row carries them.
func (a *Analyzer) Analyze(ctx context.Context, scanID string, crawled *models.CrawledPage, job *models.ScanJobPayload) (*models.PageScanResult, error) {
	startTime := time.Now()

	pageCtx, release, err := a.browser.NewPage(ctx)
	if err != nil {
		// One re-acquire: NewPage relaunches the browser when Chrome died
		// underneath us.
		a.logger.Warn().
			Str("scan_id", scanID).
			Err(err).
			Msg("Page acquisition failed, re-acquiring browser")
		pageCtx, release, err = a.browser.NewPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire browser page: %w", err)
		}
	}
	defer release()

	result := a.analyzePage(pageCtx, scanID, crawled, job, startTime)
	result.Depth = crawled.Depth
	if crawled.LoadTime > 0 {
		ms := crawled.LoadTime.Milliseconds()
		result.LoadTimeMs = &ms
	}

	a.logger.Debug().
		Str("scan_id", scanID).
		Str("url", crawled.URL).
		Float64("score", result.Score).
		Int("findings", len(result.Findings)).
		Str("error", result.Error).
		Msg("Page analysis finished")
	return result, nil
}

func (a *Analyzer) analyzePage(pageCtx context.Context, scanID string, crawled *models.CrawledPage, job *models.ScanJobPayload, startTime time.Time) *models.PageScanResult {
	navCtx, cancel := context.WithTimeout(pageCtx, a.config.Browser.NavigationTimeout)
	defer cancel()

	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(crawled.URL))
	if err != nil {
		return a.normalizer.ErrorResult(crawled.URL, crawled.Title, time.Since(startTime),
			fmt.Errorf("navigation failed: %w", err))
	}
	if resp != nil && resp.Status >= 400 {
		return a.normalizer.ErrorResult(crawled.URL, crawled.Title, time.Since(startTime),
			fmt.Errorf("page returned HTTP %d", int(resp.Status)))
	}

	if err := chromedp.Run(navCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return a.normalizer.ErrorResult(crawled.URL, crawled.Title, time.Since(startTime),
			fmt.Errorf("document never became ready: %w", err))
	}

	a.settle(pageCtx, job.WaitTime())

	// The rendered title can differ from what the crawler saw.
	title := crawled.Title
	var liveTitle string
	if err := chromedp.Run(navCtx, chromedp.Title(&liveTitle)); err == nil {
		if t := strings.TrimSpace(liveTitle); t != "" {
			title = t
		}
	}

	if err := a.runner.Inject(pageCtx); err != nil {
		result := a.normalizer.ErrorResult(crawled.URL, title, time.Since(startTime), err)
		result.EngineInitFailed = errors.Is(err, engine.ErrEngineInit)
		return result
	}

	raw, err := a.runner.Run(pageCtx)
	if err != nil {
		return a.normalizer.ErrorResult(crawled.URL, title, time.Since(startTime), err)
	}

	result := a.normalizer.NormalizePage(crawled.URL, title, raw, time.Since(startTime))
	a.captureScreenshots(pageCtx, scanID, result, job)
	return result
}

// settle gives dynamic pages a chance to finish rendering before the
// engine runs: an optional selector wait followed by the job's fixed
// delay. Both are best effort.
func (a *Analyzer) settle(pageCtx context.Context, waitTime time.Duration) {
	if sel := a.config.Crawler.WaitSelector; sel != "" {
		waitCtx, cancel := context.WithTimeout(pageCtx, a.config.Crawler.WaitSelectorTimeout)
		if err := chromedp.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery)); err != nil {
			a.logger.Debug().
				Str("selector", sel).
				Err(err).
				Msg("Wait selector never appeared")
		}
		cancel()
	}

	if waitTime > 0 {
		select {
		case <-pageCtx.Done():
		case <-time.After(waitTime):
		}
	}
}

// captureScreenshots captures up to the per-page cap of finding
// elements, in finding order, and records the path on each finding.
// Capture failures are logged and skipped.
func (a *Analyzer) captureScreenshots(pageCtx context.Context, scanID string, result *models.PageScanResult, job *models.ScanJobPayload) {
	if a.shots == nil || !a.config.Screenshots.Enabled || !job.Screenshots() {
		return
	}
	limit := a.config.Screenshots.MaxPerPage
	if limit <= 0 {
		return
	}

	captured := 0
	for i := range result.Findings {
		if captured >= limit {
			break
		}
		finding := &result.Findings[i]
		if finding.ElementSelector == "" {
			continue
		}

		shot := a.shots.CaptureElementWithHighlight(pageCtx, finding.ElementSelector, scanID, finding.RuleID, i)
		if !shot.Captured {
			a.logger.Debug().
				Str("scan_id", scanID).
				Str("rule_id", finding.RuleID).
				Str("error", shot.Error).
				Msg("Screenshot capture failed")
			continue
		}
		finding.ScreenshotPath = shot.Path
		captured++
	}
}
