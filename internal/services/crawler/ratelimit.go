package crawler

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter spaces requests per host. Each host gets a token bucket
// with burst 1: the first request goes straight through, later ones
// wait out the configured delay. A Crawl-delay directive longer than
// the default stretches the spacing for that host.
//
// One limiter serves one crawl, so no locking.
type hostLimiter struct {
	defaultDelay time.Duration
	limiters     map[string]*rate.Limiter
}

func newHostLimiter(defaultDelay time.Duration) *hostLimiter {
	return &hostLimiter{
		defaultDelay: defaultDelay,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Wait blocks until the host's next request slot, or until ctx is done.
func (l *hostLimiter) Wait(ctx context.Context, host string, robotsDelay time.Duration) error {
	delay := l.defaultDelay
	if robotsDelay > delay {
		delay = robotsDelay
	}

	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}

	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(limit, 1)
		l.limiters[host] = lim
	} else if lim.Limit() != limit {
		lim.SetLimit(limit)
	}
	return lim.Wait(ctx)
}
