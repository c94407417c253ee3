// internal/backend/cdp/cdp.go
// Description: Execution backend that drives web targets through Chrome via chromedp.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/handrail/api/schemas"
	"github.com/xkilldash9x/handrail/internal/config"
)

const (
	// Name is the registry key of the backend.
	Name    = "cdp"
	Version = "1.0.0"

	defaultStepTimeout     = 10 * time.Second
	defaultNavigateTimeout = 30 * time.Second
	defaultScrollPixels    = 600
)

// Perception channels reported by this backend.
const (
	ChannelDOM        = "dom"
	ChannelScreenshot = "screenshot"
)

type runFunc func(ctx context.Context, actions ...chromedp.Action) error

// Backend executes steps in a single shared browser tab. Steps are
// serialized; the tab is launched on first use.
type Backend struct {
	cfg    config.CDPConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	browser context.Context
	cancels []context.CancelFunc

	// run and capture are replaced in tests.
	run     runFunc
	capture func(ctx context.Context) ([]byte, error)
}

// New creates a backend. The browser is not started until Start or the
// first step.
func New(cfg config.CDPConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	b := &Backend{
		cfg:    cfg,
		logger: logger.Named("cdp_backend"),
		now:    time.Now,
		run:    chromedp.Run,
	}
	b.capture = func(ctx context.Context) ([]byte, error) {
		var buf []byte
		err := b.run(ctx, chromedp.CaptureScreenshot(&buf))
		return buf, err
	}
	return b, nil
}

func (b *Backend) Name() string    { return Name }
func (b *Backend) Version() string { return Version }

// AllocatorOptions translates the configuration into chromedp exec options.
func AllocatorOptions(cfg config.CDPConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}
	return opts
}

// Start launches the browser if it is not already running.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx)
}

func (b *Backend) startLocked(ctx context.Context) error {
	if b.browser != nil {
		return nil
	}
	// The browser outlives any single step, so it is rooted in Background
	// and torn down by Close.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(b.cfg)...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(b.logger.Sugar().Debugf))

	launchCtx, cancel := b.combine(browserCtx, ctx)
	defer cancel()
	if err := b.run(launchCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.browser = browserCtx
	b.cancels = []context.CancelFunc{cancelBrowser, cancelAlloc}
	b.logger.Info("Browser launched.", zap.Bool("headless", b.cfg.Headless))
	return nil
}

// Close shuts the browser down. It is safe to call on a backend that never started.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.browser = nil
	return nil
}

// combine derives a context from the browser context that is also cancelled
// when ctx ends.
func (b *Backend) combine(browser, ctx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(browser)
	stop := context.AfterFunc(ctx, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}

// ExecuteStep performs one step and its inline assertions.
func (b *Backend) ExecuteStep(ctx context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) schemas.StepResult {
	start := b.now()
	res := schemas.StepResult{
		StepOrder: step.Order,
		Action:    step.Action,
		StartedAt: start,
		Backend:   Name,
	}
	finish := func() schemas.StepResult {
		res.DurationMs = b.now().Sub(start).Milliseconds()
		return res
	}

	mode := execCtx.Perception
	if mode == "" || mode == schemas.PerceptionAuto {
		mode = schemas.PerceptionStructural
	}
	res.Perception = &schemas.PerceptionUsage{Mode: execCtx.Perception}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.startLocked(ctx); err != nil {
		res.Status = schemas.StepError
		res.Message = err.Error()
		return finish()
	}

	timeout := stepTimeout(step, execCtx)
	if step.Action == schemas.ActionNavigate || step.Action == schemas.ActionLaunch {
		timeout = b.navigateTimeout(step)
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, release := b.combine(b.browser, stepCtx)
	defer release()

	err := b.perform(runCtx, step, execCtx)
	if err == nil {
		for i, a := range step.Assertions {
			if err = b.assert(runCtx, a); err != nil {
				err = fmt.Errorf("inline assertion %d: %w", i+1, err)
				break
			}
		}
	}

	res.Status, res.Message = classify(ctx, stepCtx, step, timeout, err)
	if res.Status == schemas.StepPassed && res.Message == "" {
		res.Message = describe(step)
	}
	res.Perception.Channels = []string{ChannelDOM}
	if mode == schemas.PerceptionVisual {
		res.Perception.Channels = []string{ChannelScreenshot}
	}

	if wantScreenshot(step, execCtx, mode, res.Status) {
		if ctx.Err() == nil {
			if path := b.saveScreenshot(ctx, step, execCtx); path != "" {
				res.ScreenshotPath = path
				res.EvidencePaths = append(res.EvidencePaths, path)
				if mode == schemas.PerceptionDual {
					res.Perception.Channels = []string{ChannelDOM, ChannelScreenshot}
				}
				if execCtx.Perception == schemas.PerceptionAuto && res.Status.IsFailure() {
					res.Perception.Fallback = true
					res.Perception.Channels = []string{ChannelDOM, ChannelScreenshot}
				}
			}
		}
	}
	return finish()
}

func (b *Backend) navigateTimeout(step schemas.TestStep) time.Duration {
	if step.TimeoutMs > 0 {
		return time.Duration(step.TimeoutMs) * time.Millisecond
	}
	if b.cfg.NavigateTimeout > 0 {
		return b.cfg.NavigateTimeout
	}
	return defaultNavigateTimeout
}

func stepTimeout(step schemas.TestStep, execCtx schemas.ExecutionContext) time.Duration {
	switch {
	case step.TimeoutMs > 0:
		return time.Duration(step.TimeoutMs) * time.Millisecond
	case execCtx.StepTimeout > 0:
		return execCtx.StepTimeout
	default:
		return defaultStepTimeout
	}
}

// errUnsupported marks actions this backend cannot perform.
var errUnsupported = errors.New("not supported by the cdp backend")

// assertionError is a check that ran to completion and did not hold.
type assertionError struct{ msg string }

func (e *assertionError) Error() string { return e.msg }

func assertionFailed(format string, args ...any) error {
	return &assertionError{msg: fmt.Sprintf(format, args...)}
}

func (b *Backend) perform(ctx context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) error {
	var sel any
	var opts []chromedp.QueryOption
	if !step.Selector.IsZero() {
		var err error
		if sel, opts, err = Query(step.Selector); err != nil {
			return err
		}
	}

	switch step.Action {
	case schemas.ActionNavigate:
		url := step.Value
		if url == "" {
			url = execCtx.TargetApp
		}
		if url == "" {
			return fmt.Errorf("navigate requires a url")
		}
		return b.run(ctx, chromedp.Navigate(url))

	case schemas.ActionLaunch:
		target := step.Value
		if target == "" {
			target = execCtx.TargetApp
		}
		if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
			return fmt.Errorf("launching %q: %w", target, errUnsupported)
		}
		return b.run(ctx, chromedp.Navigate(target))

	case schemas.ActionClick:
		return b.run(ctx, chromedp.Click(sel, opts...))

	case schemas.ActionTypeText:
		return b.run(ctx, chromedp.Clear(sel, opts...), chromedp.SendKeys(sel, step.Value, opts...))

	case schemas.ActionSendKeys:
		if sel != nil {
			return b.run(ctx, chromedp.SendKeys(sel, step.Value, opts...))
		}
		return b.run(ctx, chromedp.KeyEvent(step.Value))

	case schemas.ActionHover:
		var box *dom.BoxModel
		return b.run(ctx,
			chromedp.ScrollIntoView(sel, opts...),
			chromedp.Dimensions(sel, &box, opts...),
			chromedp.ActionFunc(func(ctx context.Context) error {
				if box == nil || len(box.Content) < 8 {
					return fmt.Errorf("element %s has no layout box", step.Selector.Value)
				}
				q := box.Content
				x := (q[0] + q[2] + q[4] + q[6]) / 4
				y := (q[1] + q[3] + q[5] + q[7]) / 4
				return chromedp.MouseEvent(input.MouseMoved, x, y).Do(ctx)
			}),
		)

	case schemas.ActionScroll:
		if sel != nil {
			return b.run(ctx, chromedp.ScrollIntoView(sel, opts...))
		}
		pixels := defaultScrollPixels
		if step.Value != "" {
			n, err := strconv.Atoi(step.Value)
			if err != nil {
				return fmt.Errorf("scroll value %q is not a pixel offset", step.Value)
			}
			pixels = n
		}
		return b.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", pixels), nil))

	case schemas.ActionWait:
		if sel != nil {
			return b.run(ctx, chromedp.WaitVisible(sel, opts...))
		}
		ms, err := strconv.Atoi(step.Value)
		if err != nil || ms < 0 {
			return fmt.Errorf("wait value %q is not a duration in milliseconds", step.Value)
		}
		return b.run(ctx, chromedp.Sleep(time.Duration(ms)*time.Millisecond))

	case schemas.ActionFocusWindow:
		return b.run(ctx, page.BringToFront())

	case schemas.ActionScreenshot:
		return nil

	case schemas.ActionAssertExists, schemas.ActionAssertVisible, schemas.ActionAssertText, schemas.ActionAssertNotExist:
		expected := step.Expected
		if expected == "" {
			expected = step.Value
		}
		return b.assert(ctx, schemas.StepAssertion{Kind: step.Action, Selector: step.Selector, Expected: expected})

	default:
		return fmt.Errorf("action %q: %w", step.Action, errUnsupported)
	}
}

func (b *Backend) assert(ctx context.Context, a schemas.StepAssertion) error {
	sel, opts, err := Query(a.Selector)
	if err != nil {
		return err
	}
	switch a.Kind {
	case schemas.ActionAssertExists:
		return b.run(ctx, chromedp.WaitReady(sel, opts...))
	case schemas.ActionAssertVisible:
		return b.run(ctx, chromedp.WaitVisible(sel, opts...))
	case schemas.ActionAssertNotExist:
		if err := b.run(ctx, chromedp.WaitNotPresent(sel, opts...)); err != nil {
			if ctx.Err() != nil {
				return assertionFailed("assert_not_exists failed: %s %q is still present", a.Selector.Kind, a.Selector.Value)
			}
			return err
		}
		return nil
	case schemas.ActionAssertText:
		var got string
		if err := b.run(ctx, chromedp.Text(sel, &got, opts...)); err != nil {
			return err
		}
		return checkText(got, a.Expected)
	default:
		return fmt.Errorf("assertion kind %q: %w", a.Kind, errUnsupported)
	}
}

// checkText passes when the element text contains expected, ignoring
// surrounding whitespace.
func checkText(got, expected string) error {
	if strings.Contains(strings.TrimSpace(got), strings.TrimSpace(expected)) {
		return nil
	}
	return assertionFailed("assert_text failed: expected %q, got %q", expected, strings.TrimSpace(got))
}

// Query maps a selector onto a chromedp query and its options.
func Query(s schemas.Selector) (string, []chromedp.QueryOption, error) {
	if s.IsZero() {
		return "", nil, fmt.Errorf("selector is empty")
	}
	switch s.Kind {
	case schemas.SelectorCSS, "":
		return s.Value, []chromedp.QueryOption{chromedp.ByQuery}, nil
	case schemas.SelectorXPath:
		return s.Value, []chromedp.QueryOption{chromedp.BySearch}, nil
	case schemas.SelectorAutomationID:
		return fmt.Sprintf(`[data-testid=%s]`, strconv.Quote(s.Value)), []chromedp.QueryOption{chromedp.ByQuery}, nil
	case schemas.SelectorName:
		return fmt.Sprintf(`[name=%s],[aria-label=%s]`, strconv.Quote(s.Value), strconv.Quote(s.Value)),
			[]chromedp.QueryOption{chromedp.ByQuery}, nil
	case schemas.SelectorText:
		return fmt.Sprintf(`//*[normalize-space(text())=%s]`, xpathLiteral(s.Value)), []chromedp.QueryOption{chromedp.BySearch}, nil
	default:
		return "", nil, fmt.Errorf("selector kind %q: %w", s.Kind, errUnsupported)
	}
}

// xpathLiteral quotes v for XPath 1.0, which has no escape sequences.
func xpathLiteral(v string) string {
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	if !strings.Contains(v, `'`) {
		return `'` + v + `'`
	}
	parts := strings.Split(v, `"`)
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return "concat(" + strings.Join(parts, `, '"', `) + ")"
}

// classify turns the outcome of a step into a status and message.
func classify(parent, stepCtx context.Context, step schemas.TestStep, timeout time.Duration, err error) (schemas.StepStatus, string) {
	if err == nil {
		return schemas.StepPassed, ""
	}
	var ae *assertionError
	switch {
	case parent.Err() != nil:
		return schemas.StepError, fmt.Sprintf("step interrupted: %v", parent.Err())
	case errors.As(err, &ae):
		return schemas.StepFailed, err.Error()
	case errors.Is(err, errUnsupported):
		return schemas.StepError, err.Error()
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		switch {
		case step.Action == schemas.ActionNavigate || step.Action == schemas.ActionLaunch:
			return schemas.StepFailed, fmt.Sprintf("navigation timeout after %s", timeout)
		case strings.HasPrefix(string(step.Action), "assert_"):
			return schemas.StepFailed, fmt.Sprintf("%s failed: %s %q not satisfied within %s",
				step.Action, step.Selector.Kind, step.Selector.Value, timeout)
		case !step.Selector.IsZero():
			return schemas.StepFailed, fmt.Sprintf("element not found: %s %q (timeout after %s)",
				step.Selector.Kind, step.Selector.Value, timeout)
		default:
			return schemas.StepFailed, fmt.Sprintf("timeout after %s", timeout)
		}
	default:
		return schemas.StepError, fmt.Sprintf("cdp: %v", err)
	}
}

func describe(step schemas.TestStep) string {
	if step.Selector.IsZero() {
		return fmt.Sprintf("%s ok", step.Action)
	}
	return fmt.Sprintf("%s %s %q ok", step.Action, step.Selector.Kind, step.Selector.Value)
}

func wantScreenshot(step schemas.TestStep, execCtx schemas.ExecutionContext, mode schemas.PerceptionMode, status schemas.StepStatus) bool {
	if execCtx.ArtifactsDir == "" {
		return false
	}
	if step.Action == schemas.ActionScreenshot {
		return true
	}
	switch {
	case execCtx.Screenshots == schemas.ScreenshotNever:
		return false
	case execCtx.Screenshots == schemas.ScreenshotAlways:
		return true
	case mode == schemas.PerceptionVisual, mode == schemas.PerceptionDual:
		return true
	default:
		return status.IsFailure()
	}
}

// saveScreenshot writes a PNG of the tab and returns its path, or "" when
// capture fails. Evidence failures never change the step outcome.
func (b *Backend) saveScreenshot(ctx context.Context, step schemas.TestStep, execCtx schemas.ExecutionContext) string {
	captureCtx, cancel := context.WithTimeout(ctx, defaultStepTimeout)
	defer cancel()
	runCtx, release := b.combine(b.browser, captureCtx)
	defer release()

	buf, err := b.capture(runCtx)
	if err != nil {
		b.logger.Warn("Screenshot capture failed.", zap.String("flow_id", execCtx.FlowID), zap.Int("step", step.Order), zap.Error(err))
		return ""
	}
	if err := os.MkdirAll(execCtx.ArtifactsDir, 0o755); err != nil {
		b.logger.Warn("Could not create artifacts directory.", zap.String("dir", execCtx.ArtifactsDir), zap.Error(err))
		return ""
	}
	path := filepath.Join(execCtx.ArtifactsDir, fmt.Sprintf("step-%03d-attempt-%d.png", step.Order, execCtx.Attempt))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		b.logger.Warn("Could not write screenshot.", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}
