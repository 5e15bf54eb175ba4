package models

import (
	"time"
)

// CrawledPage is one admissible page discovered by the crawler, in BFS
// discovery order. Only the URL and depth matter downstream; title, status
// and timing ride along for the page row.
type CrawledPage struct {
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	Depth      int           `json:"depth"`
	StatusCode int           `json:"status_code"`
	LoadTime   time.Duration `json:"load_time"`
}

// CrawlErrorKind classifies why a URL produced no page
type CrawlErrorKind string

const (
	CrawlErrorNetwork CrawlErrorKind = "network"
	CrawlErrorHTTP    CrawlErrorKind = "http"
	CrawlErrorRobots  CrawlErrorKind = "robots"
	CrawlErrorSkipped CrawlErrorKind = "skipped"
)

// CrawlError records a URL the crawler visited but could not turn into a page
type CrawlError struct {
	URL        string         `json:"url"`
	Kind       CrawlErrorKind `json:"kind"`
	StatusCode int            `json:"status_code,omitempty"`
	Message    string         `json:"message"`
}

// CrawlResult is what a finished (or stopped) crawl returns
type CrawlResult struct {
	Seed     string        `json:"seed"` // normalized seed URL
	Pages    []CrawledPage `json:"pages"`
	Errors   []CrawlError  `json:"errors"`
	Stopped  bool          `json:"stopped"`
	Duration time.Duration `json:"duration"`
}

// SeedError returns the error recorded for the seed URL, or nil.
func (r *CrawlResult) SeedError() *CrawlError {
	for i := range r.Errors {
		if r.Errors[i].URL == r.Seed {
			return &r.Errors[i]
		}
	}
	return nil
}

// PageScanResult is the outcome of analyzing one loaded page. On engine
// failure the result carries an error and zeroed counts instead of
// propagating a panic or a partial structure.
type PageScanResult struct {
	URL               string    `json:"url"`
	Title             string    `json:"title"`
	Depth             int       `json:"depth"`
	LoadTimeMs        *int64    `json:"load_time_ms,omitempty"`
	ScanTimeMs        int64     `json:"scan_time_ms"`
	Score             float64   `json:"score"`
	Findings          []Finding `json:"findings"`
	PassedRules       int       `json:"passed_rules"`
	FailedRules       int       `json:"failed_rules"`
	IncompleteRules   int       `json:"incomplete_rules"`
	InapplicableRules int       `json:"inapplicable_rules"`
	Timestamp         time.Time `json:"timestamp"`
	Error             string    `json:"error,omitempty"`

	// EngineInitFailed marks a page where the rule engine could not be
	// installed at all, as opposed to a failed evaluation.
	EngineInitFailed bool `json:"engine_init_failed,omitempty"`
}

// Failed reports whether the page analysis produced no usable result.
func (r *PageScanResult) Failed() bool {
	return r.Error != ""
}
