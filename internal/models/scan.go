package models

import (
	"time"
)

// ScanStatus represents the lifecycle state of a scan
type ScanStatus string

const (
	ScanStatusQueued     ScanStatus = "queued"
	ScanStatusCrawling   ScanStatus = "crawling"
	ScanStatusScanning   ScanStatus = "scanning"
	ScanStatusProcessing ScanStatus = "processing"
	ScanStatusCompleted  ScanStatus = "completed"
	ScanStatusFailed     ScanStatus = "failed"
	ScanStatusCancelled  ScanStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further mutation.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusCancelled
}

// ProgressStage identifies the phase reported in progress events
type ProgressStage string

const (
	StageCrawling   ProgressStage = "crawling"
	StageScanning   ProgressStage = "scanning"
	StageProcessing ProgressStage = "processing"
	StageComplete   ProgressStage = "complete"
)

// Impact is the severity class assigned to a finding by the rule engine
type Impact string

const (
	ImpactCritical Impact = "critical"
	ImpactSerious  Impact = "serious"
	ImpactModerate Impact = "moderate"
	ImpactMinor    Impact = "minor"
)

// Weight returns the score penalty weight for the impact.
func (i Impact) Weight() float64 {
	switch i {
	case ImpactCritical:
		return 3
	case ImpactSerious:
		return 2
	case ImpactModerate:
		return 1
	case ImpactMinor:
		return 0.5
	default:
		return 1
	}
}

// Valid reports whether the impact is one of the four known classes.
func (i Impact) Valid() bool {
	switch i {
	case ImpactCritical, ImpactSerious, ImpactModerate, ImpactMinor:
		return true
	}
	return false
}

// WCAGLevel is the conformance level of a rule (AAA is the strictest)
type WCAGLevel string

const (
	WCAGLevelA   WCAGLevel = "A"
	WCAGLevelAA  WCAGLevel = "AA"
	WCAGLevelAAA WCAGLevel = "AAA"
)

// Scan is one accessibility audit over a target site. Rows are created by
// the enqueuing API service; the worker owns every mutation after pickup.
type Scan struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	URL             string     `json:"url" db:"url"`
	Crawl           bool       `json:"crawl" db:"crawl"`
	MaxPages        int        `json:"max_pages" db:"max_pages"`
	Status          ScanStatus `json:"status" db:"status"`
	StartedAt       *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	Score           *float64   `json:"score,omitempty" db:"score"`
	PagesScanned    int        `json:"pages_scanned" db:"pages_scanned"`
	IssuesCount     int        `json:"issues_count" db:"issues_count"`
	IssuesCritical  int        `json:"issues_critical" db:"issues_critical"`
	IssuesSerious   int        `json:"issues_serious" db:"issues_serious"`
	IssuesModerate  int        `json:"issues_moderate" db:"issues_moderate"`
	IssuesMinor     int        `json:"issues_minor" db:"issues_minor"`
	ProgressStage   string     `json:"progress_stage" db:"progress_stage"`
	ProgressCurrent int        `json:"progress_current" db:"progress_current"`
	ProgressTotal   int        `json:"progress_total" db:"progress_total"`
}

// Page is one fetched URL within a scan with its own findings and score
type Page struct {
	ID              string    `json:"id" db:"id"`
	ScanID          string    `json:"scan_id" db:"scan_id"`
	URL             string    `json:"url" db:"url"`
	Title           string    `json:"title" db:"title"`
	Depth           int       `json:"depth" db:"depth"`
	Score           float64   `json:"score" db:"score"`
	IssuesCount     int       `json:"issues_count" db:"issues_count"`
	PassedRules     int       `json:"passed_rules" db:"passed_rules"`
	FailedRules     int       `json:"failed_rules" db:"failed_rules"`
	IncompleteRules int       `json:"incomplete_rules" db:"incomplete_rules"`
	LoadTimeMs      *int64    `json:"load_time_ms,omitempty" db:"load_time_ms"`
	ScanTimeMs      int64     `json:"scan_time_ms" db:"scan_time_ms"`
	Error           *string   `json:"error,omitempty" db:"error"`
	ScannedAt       time.Time `json:"scanned_at" db:"scanned_at"`

	// Findings are persisted with the page but live in their own table.
	Findings []Finding `json:"findings,omitempty" db:"-"`
}

// Finding is a single accessibility issue instance: one rule applied to
// one element on one page.
type Finding struct {
	ID                   string    `json:"id" db:"id"`
	PageID               string    `json:"page_id" db:"page_id"`
	RuleID               string    `json:"rule_id" db:"rule_id"`
	Impact               Impact    `json:"impact" db:"impact"`
	WCAGCriteria         []string  `json:"wcag_criteria" db:"wcag_criteria"`
	WCAGLevel            WCAGLevel `json:"wcag_level" db:"wcag_level"`
	RegulatoryReference  string    `json:"regulatory_reference,omitempty" db:"regulatory_reference"`
	TitleLocalized       string    `json:"title_localized" db:"title_localized"`
	DescriptionLocalized string    `json:"description_localized" db:"description_localized"`
	FixLocalized         string    `json:"fix_localized" db:"fix_localized"`
	ElementSelector      string    `json:"element_selector,omitempty" db:"element_selector"`
	ElementHTML          string    `json:"element_html,omitempty" db:"element_html"`
	HelpURL              string    `json:"help_url,omitempty" db:"help_url"`
	ScreenshotPath       string    `json:"screenshot_path,omitempty" db:"screenshot_path"`

	// PageURL is carried for progress reporting and screenshots; not a column.
	PageURL string `json:"page_url,omitempty" db:"-"`
}

// ImpactCounts aggregates findings per impact class
type ImpactCounts struct {
	Critical int `json:"critical"`
	Serious  int `json:"serious"`
	Moderate int `json:"moderate"`
	Minor    int `json:"minor"`
}

// Add increments the counter for the given impact.
func (c *ImpactCounts) Add(impact Impact, n int) {
	switch impact {
	case ImpactCritical:
		c.Critical += n
	case ImpactSerious:
		c.Serious += n
	case ImpactModerate:
		c.Moderate += n
	case ImpactMinor:
		c.Minor += n
	}
}

// Total returns the sum over all impact classes.
func (c ImpactCounts) Total() int {
	return c.Critical + c.Serious + c.Moderate + c.Minor
}

// ScanSummary is the aggregate written to the scan row at completion
type ScanSummary struct {
	Score        float64      `json:"score"`
	PagesScanned int          `json:"pages_scanned"`
	IssuesCount  int          `json:"issues_count"`
	ByImpact     ImpactCounts `json:"issues_by_impact"`
	ByLevel      LevelCounts  `json:"issues_by_level"`
}

// LevelCounts aggregates findings per WCAG conformance level
type LevelCounts struct {
	A   int `json:"a"`
	AA  int `json:"aa"`
	AAA int `json:"aaa"`
}

// Add increments the counter for the given level.
func (c *LevelCounts) Add(level WCAGLevel, n int) {
	switch level {
	case WCAGLevelA:
		c.A += n
	case WCAGLevelAA:
		c.AA += n
	case WCAGLevelAAA:
		c.AAA += n
	}
}
