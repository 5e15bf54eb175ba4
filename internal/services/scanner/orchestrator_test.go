package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/urlguard"
	"github.com/ternarybob/accedo/internal/storage/postgres"
)

var (
	_ asynq.Handler                = (*Handler)(nil)
	_ interfaces.ScanStore         = (*fakeStore)(nil)
	_ interfaces.CrawlerService    = (*fakeCrawler)(nil)
	_ interfaces.PageAnalyzer      = (*fakeAnalyzer)(nil)
	_ interfaces.ProgressPublisher = (*fakeProgress)(nil)
	_ interfaces.CancelRegistry    = (*fakeCancels)(nil)
	_ interfaces.DeadLetterQueue   = (*fakeDLQ)(nil)
)

const orchScanID = "7c9e6679-7425-40de-944b-e07fc1f90ae7"

// fakeStore records every mutation the orchestrator makes. Mutations
// honour context cancellation the way the real store does.
type fakeStore struct {
	mu           sync.Mutex
	status       models.ScanStatus
	missing      bool
	statusErr    error
	transitions  []models.ScanStatus
	commitScan   *models.Scan
	commitPages  []*models.Page
	commitErr    error
	denyCommit   bool
	failedReason string
	cancelled    bool
}

func newFakeStore(status models.ScanStatus) *fakeStore {
	return &fakeStore{status: status}
}

func (s *fakeStore) GetStatus(ctx context.Context, scanID string) (models.ScanStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return "", s.statusErr
	}
	if s.missing {
		return "", fmt.Errorf("scan %s: %w", scanID, postgres.ErrScanNotFound)
	}
	return s.status, nil
}

func (s *fakeStore) SetStatus(ctx context.Context, scanID string, status models.ScanStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, status)
	s.status = status
	return nil
}

func (s *fakeStore) SetProgress(ctx context.Context, scanID string, progress *models.JobProgress) error {
	return nil
}

func (s *fakeStore) CommitScan(ctx context.Context, scan *models.Scan, pages []*models.Page) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return false, s.commitErr
	}
	if s.denyCommit {
		return false, nil
	}
	s.commitScan = scan
	s.commitPages = pages
	s.status = scan.Status
	return true, nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, scanID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedReason = reason
	s.status = models.ScanStatusFailed
	return nil
}

func (s *fakeStore) MarkCancelled(ctx context.Context, scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.status = models.ScanStatusCancelled
	return nil
}

func (s *fakeStore) Ping(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                   { return nil }

type fakeCrawler struct {
	mu       sync.Mutex
	result   *models.CrawlResult
	progress []int
	onCrawl  func()
	stops    []string
}

func (c *fakeCrawler) Crawl(ctx context.Context, job *models.ScanJobPayload, onProgress func(int)) *models.CrawlResult {
	if c.onCrawl != nil {
		c.onCrawl()
	}
	if onProgress != nil {
		for _, n := range c.progress {
			onProgress(n)
		}
	}
	return c.result
}

func (c *fakeCrawler) Stop(scanID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, scanID)
}

// fakeAnalyzer serves canned results per URL, consumed front to back
// with the last one repeating. An empty queue yields a clean page.
type fakeAnalyzer struct {
	mu        sync.Mutex
	results   map[string][]*models.PageScanResult
	err       error
	calls     []string
	onAnalyze func(url string)
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{results: make(map[string][]*models.PageScanResult)}
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, scanID string, page *models.CrawledPage, job *models.ScanJobPayload) (*models.PageScanResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, page.URL)
	hook := a.onAnalyze
	err := a.err
	var result *models.PageScanResult
	if queue := a.results[page.URL]; len(queue) > 0 {
		result = queue[0]
		if len(queue) > 1 {
			a.results[page.URL] = queue[1:]
		}
	}
	a.mu.Unlock()

	if hook != nil {
		hook(page.URL)
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = pageResult(page.URL, 100)
	}
	return result, nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fakeProgress struct {
	mu     sync.Mutex
	events []models.JobProgress
}

func (p *fakeProgress) Publish(ctx context.Context, scanID string, progress *models.JobProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *progress)
}

func (p *fakeProgress) stages() []models.ProgressStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ProgressStage, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Stage)
	}
	return out
}

type fakeCancels struct {
	mu        sync.Mutex
	cancelled map[string]bool
	funcs     map[string]context.CancelFunc
}

func newFakeCancels() *fakeCancels {
	return &fakeCancels{
		cancelled: make(map[string]bool),
		funcs:     make(map[string]context.CancelFunc),
	}
}

func (c *fakeCancels) IsCancelled(scanID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[scanID]
}

func (c *fakeCancels) Register(scanID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.funcs[scanID] = cancel
	fire := c.cancelled[scanID]
	c.mu.Unlock()
	if fire {
		cancel()
	}
}

func (c *fakeCancels) Unregister(scanID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.funcs, scanID)
	delete(c.cancelled, scanID)
}

// cancel marks the scan cancelled and interrupts it, mirroring the
// queue's cancel watcher.
func (c *fakeCancels) cancel(scanID string) {
	c.mu.Lock()
	c.cancelled[scanID] = true
	fn := c.funcs[scanID]
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type fakeDLQ struct {
	mu      sync.Mutex
	entries []*models.DLQEntry
}

func (d *fakeDLQ) Push(ctx context.Context, entry *models.DLQEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, entry)
	return nil
}

func (d *fakeDLQ) List(ctx context.Context, limit int) ([]*models.DLQEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries, nil
}

func (d *fakeDLQ) Retry(ctx context.Context, entryID string) error  { return nil }
func (d *fakeDLQ) Remove(ctx context.Context, entryID string) error { return nil }

func (d *fakeDLQ) Size(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries), nil
}

type staticResolver struct{ ip string }

func (r *staticResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP(r.ip)}}, nil
}

type harness struct {
	handler  *Handler
	store    *fakeStore
	crawler  *fakeCrawler
	analyzer *fakeAnalyzer
	progress *fakeProgress
	cancels  *fakeCancels
	dlq      *fakeDLQ
}

func newHarness(crawl *models.CrawlResult) *harness {
	logger := arbor.NewLogger()
	h := &harness{
		store:    newFakeStore(models.ScanStatusQueued),
		crawler:  &fakeCrawler{result: crawl},
		analyzer: newFakeAnalyzer(),
		progress: &fakeProgress{},
		cancels:  newFakeCancels(),
		dlq:      &fakeDLQ{},
	}
	h.handler = NewHandler(Deps{
		Store:    h.store,
		Crawler:  h.crawler,
		Analyzer: h.analyzer,
		Guard:    urlguard.NewWithResolver(logger, &staticResolver{ip: "93.184.216.34"}),
		Progress: h.progress,
		Cancels:  h.cancels,
		DLQ:      h.dlq,
	}, "accessibility-scans", logger)
	return h
}

func (h *harness) process(t *testing.T, job *models.ScanJobPayload) error {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return h.handler.ProcessTask(context.Background(), asynq.NewTask(models.TaskTypeScan, data))
}

func scanJob(url string, crawl bool, maxPages int) *models.ScanJobPayload {
	return &models.ScanJobPayload{
		ScanID:   orchScanID,
		URL:      url,
		Crawl:    crawl,
		MaxPages: maxPages,
		UserID:   "user-1",
	}
}

func crawlResultOf(urls ...string) *models.CrawlResult {
	result := &models.CrawlResult{
		Seed:   urls[0],
		Pages:  make([]models.CrawledPage, 0, len(urls)),
		Errors: []models.CrawlError{},
	}
	for i, u := range urls {
		result.Pages = append(result.Pages, models.CrawledPage{
			URL:        u,
			Title:      "Page",
			Depth:      i,
			StatusCode: 200,
			LoadTime:   120 * time.Millisecond,
		})
	}
	return result
}

func pageResult(url string, score float64, findings ...models.Finding) *models.PageScanResult {
	if findings == nil {
		findings = []models.Finding{}
	}
	return &models.PageScanResult{
		URL:         url,
		Title:       "Page",
		Score:       score,
		Findings:    findings,
		PassedRules: 10,
		FailedRules: len(findings),
		Timestamp:   time.Now().UTC(),
	}
}

func errorResult(url, message string) *models.PageScanResult {
	return &models.PageScanResult{
		URL:       url,
		Findings:  []models.Finding{},
		Error:     message,
		Timestamp: time.Now().UTC(),
	}
}

func initFailedResult(url string) *models.PageScanResult {
	result := errorResult(url, "rule engine failed to initialize in page")
	result.EngineInitFailed = true
	return result
}

func testFinding(ruleID string, impact models.Impact, level models.WCAGLevel) models.Finding {
	return models.Finding{
		RuleID:         ruleID,
		Impact:         impact,
		WCAGLevel:      level,
		WCAGCriteria:   []string{"1.1.1"},
		TitleLocalized: ruleID,
	}
}

func TestScanCompletes(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/", "https://example.com/about"))
	h.crawler.progress = []int{1, 2}
	h.analyzer.results["https://example.com/"] = []*models.PageScanResult{
		pageResult("https://example.com/", 92.5,
			testFinding("image-alt", models.ImpactCritical, models.WCAGLevelA)),
	}
	h.analyzer.results["https://example.com/about"] = []*models.PageScanResult{
		pageResult("https://example.com/about", 100),
	}

	err := h.process(t, scanJob("https://example.com", true, 10))
	require.NoError(t, err)

	assert.Equal(t, []models.ScanStatus{
		models.ScanStatusCrawling,
		models.ScanStatusScanning,
		models.ScanStatusProcessing,
	}, h.store.transitions)

	require.NotNil(t, h.store.commitScan)
	scan := h.store.commitScan
	assert.Equal(t, models.ScanStatusCompleted, scan.Status)
	require.NotNil(t, scan.Score)
	assert.InDelta(t, 96.3, *scan.Score, 0.001)
	assert.Equal(t, 2, scan.PagesScanned)
	assert.Equal(t, 1, scan.IssuesCount)
	assert.Equal(t, 1, scan.IssuesCritical)
	assert.Equal(t, 0, scan.IssuesSerious)

	require.Len(t, h.store.commitPages, 2)
	assert.Equal(t, "https://example.com/", h.store.commitPages[0].URL)
	assert.Len(t, h.store.commitPages[0].Findings, 1)
	assert.Nil(t, h.store.commitPages[0].Error)

	assert.Equal(t, []models.ProgressStage{
		models.StageCrawling, models.StageCrawling,
		models.StageScanning, models.StageScanning,
		models.StageProcessing,
		models.StageComplete,
	}, h.progress.stages())

	// Within each stage the page counter never goes backwards.
	byStage := map[models.ProgressStage]int{}
	for _, ev := range h.progress.events {
		assert.GreaterOrEqual(t, ev.PagesScanned, byStage[ev.Stage])
		byStage[ev.Stage] = ev.PagesScanned
	}

	size, _ := h.dlq.Size(context.Background())
	assert.Zero(t, size)
}

func TestMalformedPayloadDeadLetters(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))

	task := asynq.NewTask(models.TaskTypeScan, []byte(`{"scanId": "not-a-uuid"}`))
	err := h.handler.ProcessTask(context.Background(), task)

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, h.store.transitions)

	require.Len(t, h.dlq.entries, 1)
	entry := h.dlq.entries[0]
	assert.Equal(t, "accessibility-scans", entry.Queue)
	assert.Equal(t, models.TaskTypeScan, entry.TaskType)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.OriginalError, "validation")
}

func TestRedeliveredTerminalScanAcked(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.store.status = models.ScanStatusCompleted

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.NoError(t, err)
	assert.Empty(t, h.store.transitions)
	assert.Zero(t, h.analyzer.callCount())
}

func TestMissingScanRowDeadLetters(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.store.missing = true

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Len(t, h.dlq.entries, 1)
}

func TestBlockedSeedFailsPermanently(t *testing.T) {
	h := newHarness(crawlResultOf("http://localhost:3000/"))

	job := scanJob("http://localhost:3000", true, 10)
	job.ScanID = "11111111-1111-4111-8111-111111111111"
	err := h.process(t, job)

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "BlockedHost", h.store.failedReason)
	assert.Nil(t, h.store.commitScan)
	assert.Empty(t, h.dlq.entries)
}

func TestPrivateAddressSeedFailsPermanently(t *testing.T) {
	h := newHarness(crawlResultOf("http://10.0.0.8/"))

	err := h.process(t, scanJob("http://10.0.0.8", true, 10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "PrivateAddress", h.store.failedReason)
}

func TestRobotsDeniedSeedFailsPermanently(t *testing.T) {
	crawl := &models.CrawlResult{
		Seed:  "https://example.com/",
		Pages: []models.CrawledPage{},
		Errors: []models.CrawlError{{
			URL:     "https://example.com/",
			Kind:    models.CrawlErrorRobots,
			Message: "disallowed by robots.txt",
		}},
	}
	h := newHarness(crawl)

	err := h.process(t, scanJob("https://example.com", true, 10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "RobotsDisallowed", h.store.failedReason)
}

func TestSeedFetchFailureIsTransient(t *testing.T) {
	crawl := &models.CrawlResult{
		Seed:  "https://example.com/",
		Pages: []models.CrawledPage{},
		Errors: []models.CrawlError{{
			URL:        "https://example.com/",
			Kind:       models.CrawlErrorHTTP,
			StatusCode: 503,
			Message:    "page returned HTTP error",
		}},
	}
	h := newHarness(crawl)

	err := h.process(t, scanJob("https://example.com", true, 10))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	// Without retry metadata the delivery counts as the final attempt,
	// so the scan row is closed out before the queue archives the task.
	assert.Equal(t, "NetworkError", h.store.failedReason)
}

func TestNoPagesFailsPermanently(t *testing.T) {
	h := newHarness(&models.CrawlResult{
		Seed:   "https://example.com/",
		Pages:  []models.CrawledPage{},
		Errors: []models.CrawlError{},
	})

	err := h.process(t, scanJob("https://example.com", true, 10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "no-pages", h.store.failedReason)
}

func TestPageErrorsDoNotFailScan(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/", "https://example.com/broken"))
	h.analyzer.results["https://example.com/"] = []*models.PageScanResult{
		pageResult("https://example.com/", 90),
	}
	h.analyzer.results["https://example.com/broken"] = []*models.PageScanResult{
		errorResult("https://example.com/broken", "navigation failed: net::ERR_CONNECTION_RESET"),
	}

	err := h.process(t, scanJob("https://example.com", true, 10))
	require.NoError(t, err)

	require.NotNil(t, h.store.commitScan)
	assert.Equal(t, 2, h.store.commitScan.PagesScanned)
	require.NotNil(t, h.store.commitScan.Score)
	assert.InDelta(t, 90.0, *h.store.commitScan.Score, 0.001)

	require.Len(t, h.store.commitPages, 2)
	require.NotNil(t, h.store.commitPages[1].Error)
	assert.Contains(t, *h.store.commitPages[1].Error, "navigation failed")
}

func TestAllPagesFailedFailsScan(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/", "https://example.com/b"))
	h.analyzer.results["https://example.com/"] = []*models.PageScanResult{
		errorResult("https://example.com/", "rule engine timed out after 30s"),
	}
	h.analyzer.results["https://example.com/b"] = []*models.PageScanResult{
		errorResult("https://example.com/b", "page returned HTTP 500"),
	}

	err := h.process(t, scanJob("https://example.com", true, 10))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "AllPagesFailed", h.store.failedReason)
	assert.Nil(t, h.store.commitScan)
}

func TestEngineInitRetriedOnce(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.analyzer.results["https://example.com/"] = []*models.PageScanResult{
		initFailedResult("https://example.com/"),
		pageResult("https://example.com/", 100),
	}

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.NoError(t, err)
	assert.Equal(t, 2, h.analyzer.callCount())
	require.NotNil(t, h.store.commitScan)
	assert.Equal(t, models.ScanStatusCompleted, h.store.commitScan.Status)
}

func TestEngineInitFailureTwiceFailsScan(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.analyzer.results["https://example.com/"] = []*models.PageScanResult{
		initFailedResult("https://example.com/"),
		initFailedResult("https://example.com/"),
	}

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "EngineInitFailed", h.store.failedReason)
	assert.Equal(t, 2, h.analyzer.callCount())
}

func TestEngineInitRetryBudgetIsPerJob(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/", "https://example.com/b"))
	h.analyzer.results["https://example.com/"] = []*models.PageScanResult{
		initFailedResult("https://example.com/"),
		pageResult("https://example.com/", 100),
	}
	h.analyzer.results["https://example.com/b"] = []*models.PageScanResult{
		initFailedResult("https://example.com/b"),
	}

	err := h.process(t, scanJob("https://example.com", true, 10))

	require.Error(t, err)
	assert.Equal(t, "EngineInitFailed", h.store.failedReason)
	assert.Equal(t, 3, h.analyzer.callCount())
}

func TestBrowserFailureIsTransient(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.analyzer.err = errors.New("failed to acquire browser page: chrome exited")

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "BrowserError", h.store.failedReason)
}

func TestCancellationBetweenPages(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/", "https://example.com/b"))
	h.analyzer.onAnalyze = func(string) { h.cancels.cancel(orchScanID) }

	err := h.process(t, scanJob("https://example.com", true, 10))

	require.NoError(t, err)
	assert.True(t, h.store.cancelled)
	assert.Nil(t, h.store.commitScan)
	assert.Equal(t, 1, h.analyzer.callCount())
	assert.Contains(t, h.crawler.stops, orchScanID)
}

func TestCancellationBeforeStart(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.cancels.cancel(orchScanID)

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.NoError(t, err)
	assert.True(t, h.store.cancelled)
	assert.Empty(t, h.store.transitions)
	assert.Zero(t, h.analyzer.callCount())
}

func TestCommitFailureIsTransient(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.store.commitErr = errors.New("connection reset by peer")

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Equal(t, "PersistenceError", h.store.failedReason)
}

func TestCommitSkippedWhenAlreadyTerminal(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.store.denyCommit = true

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.NoError(t, err)
	assert.Nil(t, h.store.commitScan)

	stages := h.progress.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, models.StageProcessing, stages[len(stages)-1])
}

func TestWorkerShutdownLeavesScanRetryable(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))

	ctx, cancel := context.WithCancel(context.Background())
	h.crawler.onCrawl = cancel

	job := scanJob("https://example.com", false, 1)
	data, err := json.Marshal(job)
	require.NoError(t, err)

	err = h.handler.ProcessTask(ctx, asynq.NewTask(models.TaskTypeScan, data))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, h.store.failedReason)
	assert.False(t, h.store.cancelled)
}

func TestStatusLookupFailureIsTransient(t *testing.T) {
	h := newHarness(crawlResultOf("https://example.com/"))
	h.store.statusErr = errors.New("connection refused")

	err := h.process(t, scanJob("https://example.com", false, 1))

	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
}
