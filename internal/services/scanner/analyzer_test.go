package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/engine"
	"github.com/ternarybob/accedo/internal/services/normalizer"
)

var _ interfaces.PageAnalyzer = (*Analyzer)(nil)

// fakeBrowser hands out plain contexts. chromedp refuses to run against
// them, which exercises the analyzer's error-folding without Chrome.
type fakeBrowser struct {
	mu       sync.Mutex
	failures int
	calls    int
	released int
}

func (b *fakeBrowser) NewPage(ctx context.Context) (context.Context, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return nil, nil, errors.New("chrome exited unexpectedly")
	}
	release := func() {
		b.mu.Lock()
		b.released++
		b.mu.Unlock()
	}
	return ctx, release, nil
}

func (b *fakeBrowser) Ping(ctx context.Context) error { return nil }
func (b *fakeBrowser) Shutdown() error                { return nil }

func newTestAnalyzer(t *testing.T, browser interfaces.BrowserService) *Analyzer {
	t.Helper()
	logger := arbor.NewLogger()

	catalog, err := normalizer.NewCatalog(common.TranslationsConfig{}, logger)
	require.NoError(t, err)

	runner := engine.NewRunnerFromScript("window.axe = { run: function() {} };",
		common.EngineConfig{Timeout: time.Second}, logger)

	return NewAnalyzer(browser, runner, normalizer.New(catalog, logger), nil, AnalyzerConfig{
		Browser: common.BrowserConfig{NavigationTimeout: time.Second},
	}, logger)
}

func analyzerPage(url string) *models.CrawledPage {
	return &models.CrawledPage{
		URL:        url,
		Title:      "Example",
		Depth:      2,
		StatusCode: 200,
		LoadTime:   250 * time.Millisecond,
	}
}

func TestAnalyzeFoldsNavigationFailureIntoResult(t *testing.T) {
	browser := &fakeBrowser{}
	analyzer := newTestAnalyzer(t, browser)

	result, err := analyzer.Analyze(context.Background(), orchScanID,
		analyzerPage("https://example.com/"), scanJob("https://example.com", false, 1))

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.Failed())
	assert.Contains(t, result.Error, "navigation failed")
	assert.Empty(t, result.Findings)
	assert.Equal(t, 1, browser.released)
}

func TestAnalyzeCarriesCrawlMetadata(t *testing.T) {
	analyzer := newTestAnalyzer(t, &fakeBrowser{})

	result, err := analyzer.Analyze(context.Background(), orchScanID,
		analyzerPage("https://example.com/deep"), scanJob("https://example.com", true, 10))

	require.NoError(t, err)
	assert.Equal(t, 2, result.Depth)
	require.NotNil(t, result.LoadTimeMs)
	assert.Equal(t, int64(250), *result.LoadTimeMs)
}

func TestAnalyzeReacquiresPageOnce(t *testing.T) {
	browser := &fakeBrowser{failures: 1}
	analyzer := newTestAnalyzer(t, browser)

	result, err := analyzer.Analyze(context.Background(), orchScanID,
		analyzerPage("https://example.com/"), scanJob("https://example.com", false, 1))

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, browser.calls)
}

func TestAnalyzeFailsWhenBrowserUnavailable(t *testing.T) {
	browser := &fakeBrowser{failures: 2}
	analyzer := newTestAnalyzer(t, browser)

	result, err := analyzer.Analyze(context.Background(), orchScanID,
		analyzerPage("https://example.com/"), scanJob("https://example.com", false, 1))

	require.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 2, browser.calls)
	assert.Contains(t, err.Error(), "failed to acquire browser page")
}
