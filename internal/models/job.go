package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TaskTypeScan is the asynq task type for scan jobs.
const TaskTypeScan = "scan:run"

var payloadValidator = validator.New()

// ScanOptions are the optional per-job knobs carried in the queue payload
type ScanOptions struct {
	// WaitTime is an extra fixed delay after page load, in milliseconds.
	WaitTime int `json:"waitTime,omitempty" validate:"gte=0,lte=30000"`
	// RespectRobotsTxt defaults to true when the field is absent.
	RespectRobotsTxt *bool `json:"respectRobotsTxt,omitempty"`
	// CaptureScreenshots defaults to true when the field is absent.
	CaptureScreenshots *bool `json:"captureScreenshots,omitempty"`
}

// ScanJobPayload is the queue message that starts one scan. Delivery is
// at-least-once; the scan id keys every downstream mutation.
type ScanJobPayload struct {
	ScanID   string       `json:"scanId" validate:"required,uuid4"`
	URL      string       `json:"url" validate:"required"`
	Crawl    bool         `json:"crawl"`
	MaxPages int          `json:"maxPages" validate:"required,gte=1"`
	UserID   string       `json:"userId" validate:"required"`
	Options  *ScanOptions `json:"options,omitempty"`
}

// ParseScanJobPayload decodes and strictly validates a scan job payload.
// Malformed payloads are rejected outright so the adapter can route them
// to the dead-letter queue instead of retrying.
func ParseScanJobPayload(data []byte) (*ScanJobPayload, error) {
	var payload ScanJobPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid scan job payload: %w", err)
	}
	if err := payloadValidator.Struct(&payload); err != nil {
		return nil, fmt.Errorf("scan job payload failed validation: %w", err)
	}
	if payload.Options != nil {
		if err := payloadValidator.Struct(payload.Options); err != nil {
			return nil, fmt.Errorf("scan job options failed validation: %w", err)
		}
	}
	return &payload, nil
}

// RespectRobots returns the effective robots.txt setting (default true).
func (p *ScanJobPayload) RespectRobots() bool {
	if p.Options == nil || p.Options.RespectRobotsTxt == nil {
		return true
	}
	return *p.Options.RespectRobotsTxt
}

// Screenshots returns the effective screenshot setting (default true).
func (p *ScanJobPayload) Screenshots() bool {
	if p.Options == nil || p.Options.CaptureScreenshots == nil {
		return true
	}
	return *p.Options.CaptureScreenshots
}

// WaitTime returns the post-load delay, zero when unset.
func (p *ScanJobPayload) WaitTime() time.Duration {
	if p.Options == nil {
		return 0
	}
	return time.Duration(p.Options.WaitTime) * time.Millisecond
}

// JobProgress is one progress event for a running scan. Events for a scan
// are emitted in non-decreasing PagesScanned order.
type JobProgress struct {
	Stage        ProgressStage `json:"stage"`
	PagesScanned int           `json:"pagesScanned"`
	TotalPages   int           `json:"totalPages"`
	CurrentURL   string        `json:"currentUrl,omitempty"`
	IssuesFound  int           `json:"issuesFound"`
}

// DLQEntry is a dead-letter record: the original payload plus failure
// metadata, retained indefinitely for operator replay.
type DLQEntry struct {
	ID            string          `json:"id"`
	Queue         string          `json:"queue"`
	TaskType      string          `json:"taskType"`
	Payload       json.RawMessage `json:"payload"`
	OriginalError string          `json:"originalError"`
	FailedAt      time.Time       `json:"failedAt"`
	Attempts      int             `json:"attempts"`
}

// QueueStats is a point-in-time snapshot of the scan queue, reported by
// the metrics endpoint.
type QueueStats struct {
	Queue      string `json:"queue"`
	Pending    int    `json:"pending"`
	Active     int    `json:"active"`
	Scheduled  int    `json:"scheduled"`
	Retry      int    `json:"retry"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	DeadLetter int    `json:"deadLetter"`
}
