package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

// Service owns the single shared Chrome instance for the process. Every
// scan borrows short-lived tabs from it instead of launching its own
// browser. The browser is launched lazily on the first NewPage call and
// relaunched on the next acquire if Chrome dies in between.
type Service struct {
	config common.BrowserConfig
	logger arbor.ILogger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	launchedAt    time.Time
	relaunches    int
}

// NewService creates the browser service without starting Chrome.
func NewService(config common.BrowserConfig, logger arbor.ILogger) *Service {
	if config.UserAgent == "" {
		config.UserAgent = "AccedoScanner/1.0"
	}
	if config.LaunchTimeout <= 0 {
		config.LaunchTimeout = 30 * time.Second
	}
	return &Service{
		config: config,
		logger: logger,
	}
}

// NewPage returns a hardened tab derived from the shared browser and a
// release function that closes it. The tab comes back with the standard
// viewport, dialogs auto-dismissed, downloads denied, and request
// interception installed.
func (s *Service) NewPage(ctx context.Context) (context.Context, func(), error) {
	browserCtx, err := s.ensureBrowser(ctx)
	if err != nil {
		return nil, nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	if err := hardenPage(tabCtx, s.config, s.logger); err != nil {
		tabCancel()
		return nil, nil, fmt.Errorf("failed to prepare page: %w", err)
	}

	release := func() {
		tabCancel()
		s.logger.Debug().Msg("Page released")
	}
	return tabCtx, release, nil
}

// Ping reports browser health for the readiness endpoint. A browser that
// has not been needed yet counts as healthy; Ping never launches one.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.Lock()
	browserCtx := s.browserCtx
	s.mu.Unlock()

	if browserCtx == nil {
		return nil
	}
	if browserCtx.Err() != nil {
		return fmt.Errorf("browser disconnected: %w", browserCtx.Err())
	}

	checkCtx, cancel := context.WithTimeout(browserCtx, 2*time.Second)
	defer cancel()
	var title string
	if err := chromedp.Run(checkCtx, chromedp.Title(&title)); err != nil {
		return fmt.Errorf("browser unresponsive: %w", err)
	}
	return nil
}

// ensureBrowser returns a live browser context, launching or relaunching
// Chrome as needed.
func (s *Service) ensureBrowser(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s.browserCtx != nil {
		if s.browserCtx.Err() == nil {
			return s.browserCtx, nil
		}
		s.relaunches++
		s.logger.Warn().
			Int("relaunches", s.relaunches).
			Dur("uptime", time.Since(s.launchedAt)).
			Msg("Browser disconnected, relaunching")
		s.teardownLocked()
	}

	if err := s.launchLocked(); err != nil {
		return nil, err
	}
	return s.browserCtx, nil
}

// launchLocked starts Chrome and verifies it answers. Must be called
// with the mutex held.
func (s *Service) launchLocked() error {
	startTime := time.Now()

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", s.config.Headless),
		chromedp.Flag("disable-gpu", s.config.DisableGPU),
		chromedp.Flag("no-sandbox", s.config.NoSandbox),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("mute-audio", true),
		chromedp.UserAgent(s.config.UserAgent),
	)

	// The browser outlives request contexts, so the allocator hangs off
	// the background context and is only torn down via Shutdown.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	testCtx, testCancel := context.WithTimeout(browserCtx, s.config.LaunchTimeout)
	defer testCancel()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed startup test: %w", err)
	}
	var title string
	if err := chromedp.Run(testCtx, chromedp.Title(&title)); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("browser failed responsiveness test: %w", err)
	}

	s.allocCancel = allocCancel
	s.browserCtx = browserCtx
	s.browserCancel = browserCancel
	s.launchedAt = time.Now()

	s.logger.Info().
		Bool("headless", s.config.Headless).
		Bool("no_sandbox", s.config.NoSandbox).
		Str("user_agent", s.config.UserAgent).
		Dur("startup_time", time.Since(startTime)).
		Msg("Browser launched")
	return nil
}

// Shutdown closes the browser. Bounded so a wedged Chrome cannot hang
// process shutdown.
func (s *Service) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserCtx == nil {
		s.logger.Debug().Msg("Browser already shut down or never launched")
		return nil
	}

	startTime := time.Now()
	done := make(chan struct{})
	go func() {
		s.teardownLocked()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Browser shutdown timed out")
	}

	s.logger.Info().
		Dur("shutdown_time", time.Since(startTime)).
		Msg("Browser shut down")
	return nil
}

// teardownLocked cancels the browser and allocator contexts. Must be
// called with the mutex held.
func (s *Service) teardownLocked() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.browserCtx = nil
	s.browserCancel = nil
	s.allocCancel = nil
}
