package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
)

const maxRobotsBody = 512 * 1024

// Service fetches, caches, and evaluates robots.txt with fail-open
// semantics: a URL is denied only when an explicit Disallow rule matches.
// The cache is keyed by authority (host:port) and lives for the process.
type Service struct {
	logger  arbor.ILogger
	client  *http.Client
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]*hostEntry
}

// hostEntry holds one host's parsed ruleset. The sync.Once gives
// single-flight semantics: concurrent scans of the same host trigger
// exactly one fetch.
type hostEntry struct {
	once      sync.Once
	data      *robotstxt.RobotsData
	sitemaps  []string
	fetchedAt time.Time
}

// New creates a robots policy service with the given fetch timeout.
func New(logger arbor.ILogger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		cache:   make(map[string]*hostEntry),
	}
}

// NewWithClient creates a service using a custom HTTP client.
func NewWithClient(logger arbor.ILogger, client *http.Client, timeout time.Duration) *Service {
	s := New(logger, timeout)
	if client != nil {
		s.client = client
	}
	return s
}

// IsAllowed reports whether userAgent may fetch the URL. Unreachable or
// unparsable robots.txt permits everything.
func (s *Service) IsAllowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	entry := s.entryFor(ctx, u.Scheme, u.Host)

	pathQuery := u.EscapedPath()
	if pathQuery == "" {
		pathQuery = "/"
	}
	if u.RawQuery != "" {
		pathQuery += "?" + u.RawQuery
	}

	group := entry.data.FindGroup(userAgent)
	if group == nil {
		return true
	}
	return group.Test(pathQuery)
}

// CrawlDelay returns the Crawl-delay directive for the host, zero when the
// directive is absent.
func (s *Service) CrawlDelay(ctx context.Context, host, userAgent string) time.Duration {
	entry := s.entryFor(ctx, "https", host)
	group := entry.data.FindGroup(userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

// Sitemaps returns the sitemap URLs declared by the host's robots.txt.
func (s *Service) Sitemaps(ctx context.Context, host string) []string {
	entry := s.entryFor(ctx, "https", host)
	return entry.sitemaps
}

// CachedHosts returns the number of hosts in the cache.
func (s *Service) CachedHosts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cache)
}

// entryFor returns the cached entry for host, fetching it exactly once.
func (s *Service) entryFor(ctx context.Context, scheme, host string) *hostEntry {
	s.mu.Lock()
	entry, ok := s.cache[host]
	if !ok {
		entry = &hostEntry{}
		s.cache[host] = entry
	}
	s.mu.Unlock()

	entry.once.Do(func() {
		entry.data, entry.sitemaps = s.fetch(ctx, scheme, host)
		entry.fetchedAt = time.Now()
	})

	return entry
}

// fetch retrieves and parses robots.txt. Every failure path returns the
// permit-everything ruleset.
func (s *Service) fetch(ctx context.Context, scheme, host string) (*robotstxt.RobotsData, []string) {
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return allowAll(), nil
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug().
			Str("host", host).
			Err(err).
			Msg("robots.txt fetch failed, permitting all")
		return allowAll(), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug().
			Str("host", host).
			Int("status", resp.StatusCode).
			Msg("robots.txt unavailable, permitting all")
		return allowAll(), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBody))
	if err != nil {
		return allowAll(), nil
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		s.logger.Debug().
			Str("host", host).
			Err(err).
			Msg("robots.txt unparsable, permitting all")
		return allowAll(), nil
	}

	s.logger.Debug().
		Str("host", host).
		Int("bytes", len(body)).
		Int("sitemaps", len(data.Sitemaps)).
		Msg("robots.txt cached")

	return data, data.Sitemaps
}

func allowAll() *robotstxt.RobotsData {
	data, err := robotstxt.FromString("")
	if err != nil {
		// An empty document always parses; keep the compiler honest.
		return &robotstxt.RobotsData{}
	}
	return data
}

// HostKey extracts the cache key (authority) for a URL, for callers that
// want to pre-warm or inspect the cache.
func HostKey(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return u.Host
}
