package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
	"github.com/ternarybob/accedo/internal/services/urlguard"
	"github.com/ternarybob/accedo/internal/storage/postgres"
)

// terminalWriteTimeout bounds the status writes that must land after the
// job's own context is already cancelled.
const terminalWriteTimeout = 10 * time.Second

// Deps are the collaborators the scan handler drives. Everything is an
// interface except the URL guard, which is pure logic over an injectable
// resolver.
type Deps struct {
	Store    interfaces.ScanStore
	Crawler  interfaces.CrawlerService
	Analyzer interfaces.PageAnalyzer
	Guard    *urlguard.Guard
	Progress interfaces.ProgressPublisher
	Cancels  interfaces.CancelRegistry
	DLQ      interfaces.DeadLetterQueue
}

// Handler consumes scan jobs from the queue and drives each one through
// the scan state machine:
//
//	queued -> crawling -> scanning -> processing -> completed | failed | cancelled
//
// One handler instance serves all workers; per-job state lives on the
// stack of ProcessTask.
type Handler struct {
	deps   Deps
	queue  string
	logger arbor.ILogger
}

// NewHandler creates the scan job handler for the named queue.
func NewHandler(deps Deps, queueName string, logger arbor.ILogger) *Handler {
	return &Handler{
		deps:   deps,
		queue:  queueName,
		logger: logger,
	}
}

// ProcessTask implements asynq.Handler. A nil return acknowledges the
// job; an error return lets the queue retry unless it wraps
// asynq.SkipRetry.
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	payload, err := models.ParseScanJobPayload(task.Payload())
	if err != nil {
		h.logger.Error().Err(err).Msg("Rejecting malformed scan job")
		h.deadLetter(ctx, task.Payload(), err)
		return fmt.Errorf("malformed scan job: %v: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.WithCorrelationId(payload.ScanID)

	status, err := h.deps.Store.GetStatus(ctx, payload.ScanID)
	switch {
	case errors.Is(err, postgres.ErrScanNotFound):
		logger.Error().
			Str("scan_id", payload.ScanID).
			Msg("Scan job references a scan that does not exist")
		h.deadLetter(ctx, task.Payload(), err)
		return fmt.Errorf("scan %s has no row: %w", payload.ScanID, asynq.SkipRetry)
	case err != nil:
		return h.fail(ctx, payload, logger,
			scanError(CategoryPersistence, "PersistenceError", err))
	case status.IsTerminal():
		logger.Info().
			Str("scan_id", payload.ScanID).
			Str("status", string(status)).
			Msg("Skipping redelivered job for terminal scan")
		return nil
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.deps.Cancels.Register(payload.ScanID, cancel)
	defer h.deps.Cancels.Unregister(payload.ScanID)

	if err := h.run(jobCtx, payload, logger); err != nil {
		return h.fail(ctx, payload, logger, err)
	}
	return nil
}

// run executes one scan end to end and returns a ScanError when it
// cannot finish. A cancellation observed at a suspension point ends the
// scan as cancelled with a nil return; the caller acknowledges the job.
func (h *Handler) run(ctx context.Context, job *models.ScanJobPayload, logger arbor.ILogger) error {
	startTime := time.Now()

	if err := h.deps.Store.SetStatus(ctx, job.ScanID, models.ScanStatusCrawling); err != nil {
		return scanError(CategoryPersistence, "PersistenceError", err)
	}

	if _, err := h.deps.Guard.ValidateWithDNS(ctx, job.URL); err != nil {
		return scanError(CategoryInput, urlguard.Reason(err), err)
	}

	crawl := h.deps.Crawler.Crawl(ctx, job, func(pagesFound int) {
		h.deps.Progress.Publish(ctx, job.ScanID, &models.JobProgress{
			Stage:        models.StageCrawling,
			PagesScanned: pagesFound,
			TotalPages:   job.MaxPages,
		})
	})

	if interrupted, err := h.interruption(ctx, job, logger); interrupted {
		return err
	}

	if len(crawl.Pages) == 0 {
		return zeroPagesError(crawl)
	}

	logger.Info().
		Str("scan_id", job.ScanID).
		Int("pages", len(crawl.Pages)).
		Int("crawl_errors", len(crawl.Errors)).
		Msg("Crawl complete, analyzing pages")

	if err := h.deps.Store.SetStatus(ctx, job.ScanID, models.ScanStatusScanning); err != nil {
		return scanError(CategoryPersistence, "PersistenceError", err)
	}

	results := make([]*models.PageScanResult, 0, len(crawl.Pages))
	issuesFound := 0
	engineRetried := false

	for i := range crawl.Pages {
		page := &crawl.Pages[i]

		if interrupted, err := h.interruption(ctx, job, logger); interrupted {
			return err
		}

		result, err := h.analyze(ctx, job, page, &engineRetried, logger)
		if err != nil {
			return err
		}

		results = append(results, result)
		issuesFound += len(result.Findings)

		h.deps.Progress.Publish(ctx, job.ScanID, &models.JobProgress{
			Stage:        models.StageScanning,
			PagesScanned: len(results),
			TotalPages:   len(crawl.Pages),
			CurrentURL:   result.URL,
			IssuesFound:  issuesFound,
		})
	}

	if err := h.deps.Store.SetStatus(ctx, job.ScanID, models.ScanStatusProcessing); err != nil {
		return scanError(CategoryPersistence, "PersistenceError", err)
	}
	h.deps.Progress.Publish(ctx, job.ScanID, &models.JobProgress{
		Stage:        models.StageProcessing,
		PagesScanned: len(results),
		TotalPages:   len(crawl.Pages),
		IssuesFound:  issuesFound,
	})

	summary := Summarize(results)
	if SuccessfulPages(results) == 0 {
		return scanError(CategoryExhausted, "AllPagesFailed",
			fmt.Errorf("all %d pages failed analysis", len(results)))
	}

	scan, pages := buildRows(job, results, summary)

	if interrupted, err := h.interruption(ctx, job, logger); interrupted {
		return err
	}

	committed, err := h.deps.Store.CommitScan(ctx, scan, pages)
	if err != nil {
		return scanError(CategoryPersistence, "PersistenceError", err)
	}
	if !committed {
		logger.Warn().
			Str("scan_id", job.ScanID).
			Msg("Scan reached a terminal state before commit, results dropped")
		return nil
	}

	h.deps.Progress.Publish(ctx, job.ScanID, &models.JobProgress{
		Stage:        models.StageComplete,
		PagesScanned: summary.PagesScanned,
		TotalPages:   summary.PagesScanned,
		IssuesFound:  summary.IssuesCount,
	})

	logger.Info().
		Str("scan_id", job.ScanID).
		Float64("score", summary.Score).
		Int("pages", summary.PagesScanned).
		Int("issues", summary.IssuesCount).
		Dur("duration", time.Since(startTime)).
		Msg("Scan completed")
	return nil
}

// analyze runs one page through the analyzer, retrying engine
// initialization once per job before treating it as fatal.
func (h *Handler) analyze(ctx context.Context, job *models.ScanJobPayload, page *models.CrawledPage, engineRetried *bool, logger arbor.ILogger) (*models.PageScanResult, error) {
	result, err := h.deps.Analyzer.Analyze(ctx, job.ScanID, page, job)
	if err != nil {
		return nil, scanError(CategoryBrowser, "BrowserError", err)
	}

	if result.EngineInitFailed && !*engineRetried {
		*engineRetried = true
		logger.Warn().
			Str("scan_id", job.ScanID).
			Str("url", page.URL).
			Msg("Rule engine failed to initialize, retrying page once")
		result, err = h.deps.Analyzer.Analyze(ctx, job.ScanID, page, job)
		if err != nil {
			return nil, scanError(CategoryBrowser, "BrowserError", err)
		}
	}
	if result.EngineInitFailed {
		return nil, scanError(CategoryEngine, "EngineInitFailed", errors.New(result.Error))
	}
	return result, nil
}

// interruption distinguishes a user cancellation from a worker shutdown
// at a suspension point. Returns (false, nil) when the job may continue.
func (h *Handler) interruption(ctx context.Context, job *models.ScanJobPayload, logger arbor.ILogger) (bool, error) {
	if h.deps.Cancels.IsCancelled(job.ScanID) {
		h.deps.Crawler.Stop(job.ScanID)
		h.markCancelled(job.ScanID, logger)
		logger.Info().Str("scan_id", job.ScanID).Msg("Scan cancelled")
		return true, nil
	}
	if ctx.Err() != nil {
		return true, scanError(CategoryNetwork, "NetworkError", fmt.Errorf("worker shutting down: %w", ctx.Err()))
	}
	return false, nil
}

// zeroPagesError classifies a crawl that yielded nothing. A seed the
// site or the guard refused is final; a seed that merely failed to fetch
// is worth another delivery.
func zeroPagesError(crawl *models.CrawlResult) error {
	if seedErr := crawl.SeedError(); seedErr != nil {
		switch seedErr.Kind {
		case models.CrawlErrorRobots:
			return scanError(CategoryInput, "RobotsDisallowed", errors.New(seedErr.Message))
		case models.CrawlErrorSkipped:
			return scanError(CategoryInput, seedErr.Message, nil)
		case models.CrawlErrorHTTP:
			return scanError(CategoryNetwork, "NetworkError",
				fmt.Errorf("seed returned HTTP %d", seedErr.StatusCode))
		default:
			return scanError(CategoryNetwork, "NetworkError", errors.New(seedErr.Message))
		}
	}
	return scanError(CategoryExhausted, "no-pages", nil)
}

// fail routes a scan failure. Permanent failures close the scan row and
// acknowledge the job; transient failures are returned for retry, with
// the scan row closed out on the final attempt so nothing is left
// dangling in a non-terminal status. A cancellation that surfaced as a
// context error somewhere down the stack ends the scan as cancelled, not
// failed.
func (h *Handler) fail(ctx context.Context, job *models.ScanJobPayload, logger arbor.ILogger, err error) error {
	if h.deps.Cancels.IsCancelled(job.ScanID) {
		h.markCancelled(job.ScanID, logger)
		logger.Info().Str("scan_id", job.ScanID).Msg("Scan cancelled")
		return nil
	}

	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		scanErr = scanError(Classify(err), "NetworkError", err)
	}

	if scanErr.Permanent() {
		h.markFailed(job.ScanID, scanErr.Reason, logger)
		logger.Error().
			Str("scan_id", job.ScanID).
			Str("reason", scanErr.Reason).
			Err(scanErr.Err).
			Msg("Scan failed permanently")
		return fmt.Errorf("%s: %w", scanErr.Error(), asynq.SkipRetry)
	}

	// A shutdown is not a scan failure: the job will be redelivered after
	// the worker comes back.
	if h.lastAttempt(ctx) && !errors.Is(scanErr.Err, context.Canceled) {
		h.markFailed(job.ScanID, scanErr.Reason, logger)
	}
	logger.Warn().
		Str("scan_id", job.ScanID).
		Str("reason", scanErr.Reason).
		Err(scanErr.Err).
		Msg("Scan attempt failed")
	return scanErr
}

// lastAttempt reports whether the current delivery is the task's final
// one. Deliveries without retry metadata count as final so a failure can
// never strand a scan in a non-terminal status.
func (h *Handler) lastAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (h *Handler) markFailed(scanID, reason string, logger arbor.ILogger) {
	mctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := h.deps.Store.MarkFailed(mctx, scanID, reason); err != nil {
		logger.Warn().
			Str("scan_id", scanID).
			Err(err).
			Msg("Failed to mark scan failed")
	}
}

func (h *Handler) markCancelled(scanID string, logger arbor.ILogger) {
	mctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := h.deps.Store.MarkCancelled(mctx, scanID); err != nil {
		logger.Warn().
			Str("scan_id", scanID).
			Err(err).
			Msg("Failed to mark scan cancelled")
	}
}

// deadLetter parks a job that can never succeed: malformed payload or a
// scan id with no row behind it.
func (h *Handler) deadLetter(ctx context.Context, payload []byte, cause error) {
	retried, _ := asynq.GetRetryCount(ctx)
	entry := &models.DLQEntry{
		Queue:         h.queue,
		TaskType:      models.TaskTypeScan,
		Payload:       json.RawMessage(payload),
		OriginalError: cause.Error(),
		FailedAt:      time.Now().UTC(),
		Attempts:      retried + 1,
	}

	dctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()
	if err := h.deps.DLQ.Push(dctx, entry); err != nil {
		h.logger.Error().Err(err).Msg("Failed to dead-letter scan job")
	}
}
