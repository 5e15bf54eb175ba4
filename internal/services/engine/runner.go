package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
)

// ErrEngineInit marks a failure to get the rule engine script running
// inside a page. Callers retry the injection once before treating the
// page as unscannable.
var ErrEngineInit = errors.New("rule engine failed to initialize in page")

// Runner injects the accessibility rule engine into pages and executes
// it with a fixed configuration. The script is read once at startup; a
// missing or empty script file is a startup failure, not something to
// discover per job.
type Runner struct {
	config common.EngineConfig
	logger arbor.ILogger
	script string
}

// NewRunner loads the engine script from config.ScriptPath.
func NewRunner(config common.EngineConfig, logger arbor.ILogger) (*Runner, error) {
	data, err := os.ReadFile(config.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule engine script: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("rule engine script %s is empty", config.ScriptPath)
	}
	return NewRunnerFromScript(string(data), config, logger), nil
}

// NewRunnerFromScript builds a runner around an in-memory script.
func NewRunnerFromScript(script string, config common.EngineConfig, logger arbor.ILogger) *Runner {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Runner{
		config: config,
		logger: logger,
		script: script,
	}
}

// Inject evaluates the engine script in the page and verifies the
// engine's entry point is callable.
func (r *Runner) Inject(pageCtx context.Context) error {
	injectCtx, cancel := context.WithTimeout(pageCtx, r.config.Timeout)
	defer cancel()

	if err := chromedp.Run(injectCtx, chromedp.Evaluate(r.script, nil)); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineInit, err)
	}

	var ready bool
	probe := `typeof window.axe === "object" && typeof window.axe.run === "function"`
	if err := chromedp.Run(injectCtx, chromedp.Evaluate(probe, &ready)); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineInit, err)
	}
	if !ready {
		return ErrEngineInit
	}
	return nil
}

// Run executes the injected engine against the page's document and
// parses its results. Engine exceptions and timeouts come back as
// errors; the caller folds them into a per-page error result.
func (r *Runner) Run(pageCtx context.Context) (*RawResults, error) {
	expr, err := r.buildRunExpression()
	if err != nil {
		return nil, err
	}

	evalCtx, cancel := context.WithTimeout(pageCtx, r.config.Timeout)
	defer cancel()

	startTime := time.Now()
	var results RawResults
	err = chromedp.Run(evalCtx, chromedp.Evaluate(expr, &results,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	if err != nil {
		if evalCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("rule engine timed out after %s", r.config.Timeout)
		}
		return nil, fmt.Errorf("rule engine evaluation failed: %w", err)
	}

	r.logger.Debug().
		Int("violations", len(results.Violations)).
		Int("total_rules", results.TotalRules()).
		Dur("eval_time", time.Since(startTime)).
		Msg("Rule engine run complete")
	return &results, nil
}

// buildRunExpression renders the axe.run call with the configured tag
// set, result classes, and rule overrides.
func (r *Runner) buildRunExpression() (string, error) {
	opts := map[string]interface{}{}
	if len(r.config.ResultTypes) > 0 {
		opts["resultTypes"] = r.config.ResultTypes
	}
	if len(r.config.Tags) > 0 {
		opts["runOnly"] = map[string]interface{}{
			"type":   "tag",
			"values": r.config.Tags,
		}
	}
	if len(r.config.RuleOverrides) > 0 {
		rules := make(map[string]map[string]bool, len(r.config.RuleOverrides))
		for id, enabled := range r.config.RuleOverrides {
			rules[id] = map[string]bool{"enabled": enabled}
		}
		opts["rules"] = rules
	}

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode engine options: %w", err)
	}
	return fmt.Sprintf("axe.run(document, %s)", optsJSON), nil
}
