package browser

import (
	"context"
	"strings"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

// hardenPage applies the standard tab setup: viewport emulation,
// download denial, and request interception. Event guards are installed
// before interception is enabled so no paused request is ever left
// unanswered.
func hardenPage(tabCtx context.Context, config common.BrowserConfig, logger arbor.ILogger) error {
	installPageGuards(tabCtx, logger)

	return chromedp.Run(tabCtx,
		chromedp.EmulateViewport(int64(config.WindowWidth), int64(config.WindowHeight)),
		cdpbrowser.SetDownloadBehavior(cdpbrowser.SetDownloadBehaviorBehaviorDeny),
		fetch.Enable(),
	)
}

// installPageGuards listens for dialog and interception events on the
// tab. Handlers run off the event loop goroutine as chromedp requires.
func installPageGuards(tabCtx context.Context, logger arbor.ILogger) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventJavascriptDialogOpening:
			go dismissDialog(tabCtx, e, logger)
		case *fetch.EventRequestPaused:
			go resolveRequest(tabCtx, e, logger)
		}
	})
}

// dismissDialog rejects every JavaScript dialog so alert/confirm/prompt
// cannot stall a scan.
func dismissDialog(tabCtx context.Context, ev *page.EventJavascriptDialogOpening, logger arbor.ILogger) {
	c := chromedp.FromContext(tabCtx)
	execCtx := cdp.WithExecutor(tabCtx, c.Target)
	if err := page.HandleJavaScriptDialog(false).Do(execCtx); err != nil {
		logger.Debug().
			Err(err).
			Str("dialog_type", string(ev.Type)).
			Msg("Failed to dismiss JavaScript dialog")
	}
}

// resolveRequest answers a paused network request, aborting the kinds a
// scan must never follow and continuing everything else.
func resolveRequest(tabCtx context.Context, ev *fetch.EventRequestPaused, logger arbor.ILogger) {
	c := chromedp.FromContext(tabCtx)
	execCtx := cdp.WithExecutor(tabCtx, c.Target)

	if abortRequest(ev.ResourceType, ev.Request.URL) {
		if err := fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx); err != nil {
			logger.Debug().Err(err).Str("url", ev.Request.URL).Msg("Failed to abort request")
		}
		return
	}
	if err := fetch.ContinueRequest(ev.RequestID).Do(execCtx); err != nil {
		logger.Debug().Err(err).Str("url", ev.Request.URL).Msg("Failed to continue request")
	}
}

// abortRequest decides whether an intercepted request is blocked. Media
// resources are never needed for rule evaluation, and data:, javascript:
// and vbscript: navigations are script-injection vectors.
func abortRequest(resourceType network.ResourceType, rawURL string) bool {
	if resourceType == network.ResourceTypeMedia {
		return true
	}
	u := strings.ToLower(strings.TrimSpace(rawURL))
	if strings.HasPrefix(u, "javascript:") || strings.HasPrefix(u, "vbscript:") {
		return true
	}
	if resourceType == network.ResourceTypeDocument && strings.HasPrefix(u, "data:") {
		return true
	}
	return false
}
