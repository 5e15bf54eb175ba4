package screenshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

// ruleIDSanitizer strips everything outside the filename-safe set.
var ruleIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

const (
	maxRuleIDLength = 100
	captureTimeout  = 10 * time.Second
)

// Capturer writes element and full-page screenshots under a per-scan
// directory. Every path it produces is validated twice: the scan id
// must be a strict UUID, and the final path must resolve inside the
// configured base directory. Capture failures are reported as result
// records, never as errors or panics, so a broken screenshot cannot
// fail a scan.
type Capturer struct {
	config common.ScreenshotConfig
	logger arbor.ILogger
	base   string
}

// CaptureResult reports one capture attempt.
type CaptureResult struct {
	Path     string `json:"path,omitempty"`
	Captured bool   `json:"captured"`
	Error    string `json:"error,omitempty"`
}

// elementRect is the document-space bounding box reported from the page.
type elementRect struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
	DocWidth  float64 `json:"docWidth"`
	DocHeight float64 `json:"docHeight"`
}

// New resolves and creates the screenshot base directory.
func New(config common.ScreenshotConfig, logger arbor.ILogger) (*Capturer, error) {
	if config.Quality <= 0 {
		config.Quality = 90
	}
	base, err := filepath.Abs(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve screenshot directory: %w", err)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory: %w", err)
	}
	return &Capturer{
		config: config,
		logger: logger,
		base:   base,
	}, nil
}

// CaptureElement screenshots one element. The element is scrolled into
// view, padded symmetrically, and the clip clamped to the document
// bounds before capture.
func (c *Capturer) CaptureElement(pageCtx context.Context, selector, scanID, ruleID string, index int) *CaptureResult {
	if strings.TrimSpace(selector) == "" {
		return c.failure(scanID, ruleID, errors.New("empty element selector"))
	}

	path, err := c.targetPath(scanID, ruleID, index)
	if err != nil {
		return c.failure(scanID, ruleID, err)
	}

	captureCtx, cancel := context.WithTimeout(pageCtx, captureTimeout)
	defer cancel()

	var buf []byte
	err = chromedp.Run(captureCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		rect, err := resolveRect(ctx, selector)
		if err != nil {
			return err
		}
		clip, err := c.clampedClip(rect)
		if err != nil {
			return err
		}

		params := page.CaptureScreenshot().
			WithClip(clip).
			WithCaptureBeyondViewport(true)
		if c.config.Quality >= 100 {
			params = params.WithFormat(page.CaptureScreenshotFormatPng)
		} else {
			params = params.
				WithFormat(page.CaptureScreenshotFormatJpeg).
				WithQuality(int64(c.config.Quality))
		}
		buf, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return c.failure(scanID, ruleID, err)
	}

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return c.failure(scanID, ruleID, err)
	}

	c.logger.Debug().
		Str("scan_id", scanID).
		Str("rule_id", ruleID).
		Str("path", path).
		Msg("Element screenshot captured")
	return &CaptureResult{Path: path, Captured: true}
}

// CaptureElementWithHighlight draws an outline around the element for
// the duration of the capture. Highlight failures degrade to a plain
// capture.
func (c *Capturer) CaptureElementWithHighlight(pageCtx context.Context, selector, scanID, ruleID string, index int) *CaptureResult {
	if applied := c.setHighlight(pageCtx, selector, true); applied {
		defer c.setHighlight(pageCtx, selector, false)
	}
	return c.CaptureElement(pageCtx, selector, scanID, ruleID, index)
}

// CaptureFullPage screenshots the entire page.
func (c *Capturer) CaptureFullPage(pageCtx context.Context, scanID string, pageIndex int) *CaptureResult {
	path, err := c.targetPath(scanID, "fullpage", pageIndex)
	if err != nil {
		return c.failure(scanID, "fullpage", err)
	}

	captureCtx, cancel := context.WithTimeout(pageCtx, captureTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(captureCtx, chromedp.FullScreenshot(&buf, c.config.Quality)); err != nil {
		return c.failure(scanID, "fullpage", err)
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return c.failure(scanID, "fullpage", err)
	}

	c.logger.Debug().
		Str("scan_id", scanID).
		Str("path", path).
		Msg("Full page screenshot captured")
	return &CaptureResult{Path: path, Captured: true}
}

// targetPath validates the scan id, ensures the per-scan directory
// exists, and returns the capture's absolute file path. Any path that
// would escape the base directory is refused.
func (c *Capturer) targetPath(scanID, ruleID string, index int) (string, error) {
	if !common.IsValidScanID(scanID) {
		return "", fmt.Errorf("refusing capture: invalid scan id %q", scanID)
	}

	dir := filepath.Join(c.base, scanID)
	if !contained(c.base, dir) {
		return "", fmt.Errorf("refusing capture: scan directory escapes base %q", c.base)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create scan directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%d_%d.%s",
		scanID, SanitizeRuleID(ruleID), index, time.Now().UnixMilli(), c.ext())
	path := filepath.Join(dir, name)
	if !contained(c.base, path) {
		return "", fmt.Errorf("refusing capture: path escapes base %q", c.base)
	}
	return path, nil
}

func (c *Capturer) ext() string {
	if c.config.Quality >= 100 {
		return "png"
	}
	return "jpg"
}

func (c *Capturer) failure(scanID, ruleID string, err error) *CaptureResult {
	c.logger.Warn().
		Err(err).
		Str("scan_id", scanID).
		Str("rule_id", ruleID).
		Msg("Screenshot capture failed")
	return &CaptureResult{Error: err.Error()}
}

// clampedClip pads the element rect symmetrically and clamps it to the
// document bounds.
func (c *Capturer) clampedClip(rect *elementRect) (*page.Viewport, error) {
	pad := float64(c.config.Padding)

	x0 := rect.X - pad
	y0 := rect.Y - pad
	x1 := rect.X + rect.Width + pad
	y1 := rect.Y + rect.Height + pad

	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if rect.DocWidth > 0 && x1 > rect.DocWidth {
		x1 = rect.DocWidth
	}
	if rect.DocHeight > 0 && y1 > rect.DocHeight {
		y1 = rect.DocHeight
	}

	if x1-x0 < 1 || y1-y0 < 1 {
		return nil, errors.New("element has no visible area")
	}
	return &page.Viewport{
		X:      x0,
		Y:      y0,
		Width:  x1 - x0,
		Height: y1 - y0,
		Scale:  1,
	}, nil
}

// resolveRect scrolls the element into view and returns its bounding
// box in document coordinates.
func resolveRect(ctx context.Context, selector string) (*elementRect, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf(`(function(sel){
		const el = document.querySelector(sel);
		if (!el) return null;
		el.scrollIntoView({block: "center", inline: "center"});
		const r = el.getBoundingClientRect();
		return {
			x: r.x + window.scrollX,
			y: r.y + window.scrollY,
			width: r.width,
			height: r.height,
			docWidth: Math.max(document.documentElement.scrollWidth, document.body ? document.body.scrollWidth : 0),
			docHeight: Math.max(document.documentElement.scrollHeight, document.body ? document.body.scrollHeight : 0)
		};
	})(%s)`, sel)

	var rect *elementRect
	if err := chromedp.Evaluate(expr, &rect).Do(ctx); err != nil {
		return nil, fmt.Errorf("failed to resolve element bounds: %w", err)
	}
	if rect == nil {
		return nil, fmt.Errorf("element %q not found", selector)
	}
	return rect, nil
}

// setHighlight toggles an outline on the element. Returns whether the
// style was applied.
func (c *Capturer) setHighlight(pageCtx context.Context, selector string, on bool) bool {
	sel, err := json.Marshal(selector)
	if err != nil {
		return false
	}
	var expr string
	if on {
		expr = fmt.Sprintf(`(function(sel){
			const el = document.querySelector(sel);
			if (!el) return false;
			el.style.setProperty("outline", "3px solid #e53935", "important");
			el.style.setProperty("outline-offset", "2px", "important");
			return true;
		})(%s)`, sel)
	} else {
		expr = fmt.Sprintf(`(function(sel){
			const el = document.querySelector(sel);
			if (!el) return false;
			el.style.removeProperty("outline");
			el.style.removeProperty("outline-offset");
			return true;
		})(%s)`, sel)
	}

	hlCtx, cancel := context.WithTimeout(pageCtx, 2*time.Second)
	defer cancel()

	var applied bool
	if err := chromedp.Run(hlCtx, chromedp.Evaluate(expr, &applied)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to toggle element highlight")
		return false
	}
	return applied
}

// contained reports whether path stays inside base after cleaning.
func contained(base, path string) bool {
	rel, err := filepath.Rel(base, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SanitizeRuleID reduces a rule id to filename-safe characters, bounded
// to a sane length.
func SanitizeRuleID(ruleID string) string {
	clean := ruleIDSanitizer.ReplaceAllString(ruleID, "")
	if len(clean) > maxRuleIDLength {
		clean = clean[:maxRuleIDLength]
	}
	if clean == "" {
		return "rule"
	}
	return clean
}
