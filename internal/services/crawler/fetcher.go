package crawler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
)

// FetchResult is the document state after one page visit.
type FetchResult struct {
	URL        string // final URL after redirects
	Title      string
	StatusCode int
	LoadTime   time.Duration
	Links      []string // raw href values found in the document
}

// PageFetcher loads one URL in a browser tab and reports the rendered
// document. A nil error with a 4xx/5xx status means the navigation
// itself worked; transport failures come back as errors.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, waitTime time.Duration) (*FetchResult, error)
}

// browserFetcher renders pages through the shared headless browser so
// link discovery sees the same JavaScript-built DOM the rule engine
// will analyze.
type browserFetcher struct {
	browser    interfaces.BrowserService
	browserCfg common.BrowserConfig
	crawlerCfg common.CrawlerConfig
	logger     arbor.ILogger
}

// NewBrowserFetcher builds the production fetcher.
func NewBrowserFetcher(browser interfaces.BrowserService, browserCfg common.BrowserConfig, crawlerCfg common.CrawlerConfig, logger arbor.ILogger) PageFetcher {
	return &browserFetcher{
		browser:    browser,
		browserCfg: browserCfg,
		crawlerCfg: crawlerCfg,
		logger:     logger,
	}
}

func (f *browserFetcher) Fetch(ctx context.Context, rawURL string, waitTime time.Duration) (*FetchResult, error) {
	pageCtx, release, err := f.browser.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire page: %w", err)
	}
	defer release()

	startTime := time.Now()

	navCtx, cancel := context.WithTimeout(pageCtx, f.browserCfg.NavigationTimeout)
	defer cancel()

	resp, err := chromedp.RunResponse(navCtx, chromedp.Navigate(rawURL))
	if err != nil {
		return nil, fmt.Errorf("navigation failed: %w", err)
	}

	result := &FetchResult{URL: rawURL}
	if resp != nil {
		result.StatusCode = int(resp.Status)
		if resp.URL != "" {
			result.URL = resp.URL
		}
	}

	if err := chromedp.Run(navCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("document never became ready: %w", err)
	}

	// Error documents are not worth settling or parsing for links.
	if result.StatusCode >= 400 {
		result.LoadTime = time.Since(startTime)
		return result, nil
	}

	f.settle(pageCtx, waitTime)

	var title, html string
	if err := chromedp.Run(navCtx,
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	result.Title = strings.TrimSpace(title)
	result.LoadTime = time.Since(startTime)
	result.Links = extractLinks(html)
	return result, nil
}

// settle gives dynamic pages a chance to finish rendering: an optional
// selector wait followed by the job's fixed delay. Both are best
// effort.
func (f *browserFetcher) settle(pageCtx context.Context, waitTime time.Duration) {
	if sel := f.crawlerCfg.WaitSelector; sel != "" {
		waitCtx, cancel := context.WithTimeout(pageCtx, f.crawlerCfg.WaitSelectorTimeout)
		if err := chromedp.Run(waitCtx, chromedp.WaitVisible(sel, chromedp.ByQuery)); err != nil {
			f.logger.Debug().
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

// extractLinks pulls every anchor href out of the rendered document.
// Filtering and resolution against the page URL belong to the caller.
func extractLinks(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var links []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		links = append(links, href)
	})
	return links
}
