package interfaces

import "context"

// BrowserService owns the shared headless Chrome instance. Pages are
// short-lived hardened tabs carved off the one browser; the browser
// itself is launched lazily and relaunched if Chrome dies.
type BrowserService interface {
	// NewPage returns a hardened tab context derived from the shared
	// browser, plus a release function that closes the tab. The tab has
	// the standard viewport applied, JavaScript dialogs auto-dismissed,
	// downloads denied, and heavy or script-scheme subresources aborted.
	NewPage(ctx context.Context) (context.Context, func(), error)

	// Ping reports whether the browser process is reachable. Used by the
	// readiness endpoint; it does not launch a browser that is not
	// running yet.
	Ping(ctx context.Context) error

	// Shutdown closes the browser and all outstanding tabs. Bounded; it
	// force-cancels if Chrome does not exit promptly.
	Shutdown() error
}
