// File: internal/browser/runtime.go

// Package browser is the chromedp-backed implementation of the agent's
// environment boundary. One Runtime owns one headless browser process; each
// tab is a surface the control loop can switch between.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/wayfindlabs/wayfind/internal/agent"
	"github.com/wayfindlabs/wayfind/internal/config"
	"github.com/wayfindlabs/wayfind/internal/trace"
)

// tabHandle binds a target to its chromedp context. Contexts are cached per
// target and only cancelled on Close; cancelling earlier would kill the tab.
type tabHandle struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

// Runtime implements agent.Environment on top of a chromedp-managed browser.
type Runtime struct {
	cfg          config.BrowserConfig
	log          *zap.Logger
	defaultLimit int

	allocCtx    context.Context
	allocCancel context.CancelFunc
	// rootCtx is the first tab's chromedp context. New per-target contexts
	// derive from it so they share the CDP connection.
	rootCtx context.Context

	mu     sync.Mutex
	tabs   map[target.ID]*tabHandle
	active *tabHandle
}

var _ agent.Environment = (*Runtime)(nil)

const browserStartupTimeout = 30 * time.Second

// NewRuntime launches the browser process and opens the initial tab. The
// returned Runtime is ready for Sense immediately.
func NewRuntime(ctx context.Context, cfg config.BrowserConfig, mappingLimit int, log *zap.Logger) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if mappingLimit <= 0 {
		mappingLimit = 30
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", cfg.Headless),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.Flag("ignore-certificate-errors", true))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	startCtx, cancelStart := context.WithTimeout(tabCtx, browserStartupTimeout)
	defer cancelStart()
	if err := chromedp.Run(startCtx, chromedp.Navigate("about:blank")); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}

	cdpCtx := chromedp.FromContext(tabCtx)
	if cdpCtx == nil || cdpCtx.Target == nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("could not resolve initial browser target")
	}
	first := &tabHandle{id: cdpCtx.Target.TargetID, ctx: tabCtx, cancel: tabCancel}

	r := &Runtime{
		cfg:          cfg,
		log:          log.Named("browser"),
		defaultLimit: mappingLimit,
		allocCtx:     allocCtx,
		allocCancel:  allocCancel,
		rootCtx:      tabCtx,
		tabs:         map[target.ID]*tabHandle{first.id: first},
		active:       first,
	}
	r.log.Info("Browser launched.", zap.Bool("headless", cfg.Headless), zap.String("target_id", string(first.id)))
	return r, nil
}

// Close tears down every tab context and the browser process.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tabs {
		t.cancel()
	}
	r.tabs = map[target.ID]*tabHandle{}
	r.active = nil
	if r.allocCancel != nil {
		r.allocCancel()
	}
	return nil
}

// tab returns the active surface, or ErrEnvironmentUnavailable when the
// browser (or its last tab) is gone.
func (r *Runtime) tab() (*tabHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.ctx.Err() != nil {
		return nil, fmt.Errorf("no live browser surface: %w", agent.ErrEnvironmentUnavailable)
	}
	return r.active, nil
}

// run executes chromedp actions on the active tab, honoring both the tab
// lifetime and the caller's context.
func (r *Runtime) run(ctx context.Context, actions ...chromedp.Action) error {
	t, err := r.tab()
	if err != nil {
		return err
	}
	runCtx, cancel := combineContext(t.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if t.ctx.Err() != nil {
			return fmt.Errorf("surface lost during action: %w", agent.ErrEnvironmentUnavailable)
		}
		return err
	}
	return nil
}

func selectorFor(elementID int) string {
	return fmt.Sprintf(`[data-wf-id="%d"]`, elementID)
}

// resolve verifies that the stamped id still exists in the live DOM.
func (r *Runtime) resolve(ctx context.Context, elementID int) error {
	var found bool
	script := fmt.Sprintf(`document.querySelector('%s') !== null`, selectorFor(elementID))
	if err := r.run(ctx, chromedp.Evaluate(script, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("element %d not in live DOM: %w", elementID, agent.ErrElementNotFound)
	}
	return nil
}

// Sense collects the set-of-mark mapping plus page identity, optionally with
// a screenshot. The collection pass over-fetches by the viewport count, then
// the mapping is re-prioritized and zone-balanced down to the limit.
func (r *Runtime) Sense(ctx context.Context, opts agent.SenseOptions) (*agent.Observation, error) {
	limit := opts.MaxElements
	if limit <= 0 {
		limit = r.defaultLimit
	}
	viewports := opts.Viewports
	if viewports < 1 {
		viewports = 1
	}

	params, err := json.Marshal(markParams{
		MaxElements: limit * viewports,
		Viewports:   viewports,
		HideOverlay: false,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal mark params: %w", err)
	}

	var (
		mapping []agent.ElementMark
		urlStr  string
		title   string
	)
	script := fmt.Sprintf("(%s)(%s)", setOfMarksJS, params)
	err = r.run(ctx,
		chromedp.Evaluate(script, &mapping),
		chromedp.Location(&urlStr),
		chromedp.Title(&title),
	)
	if err != nil {
		return nil, fmt.Errorf("sense failed: %w", err)
	}

	mapping = prioritizeMarks(mapping)
	mapping = balanceMarkZones(mapping, limit)

	obs := &agent.Observation{
		URL:        urlStr,
		Title:      title,
		Mapping:    mapping,
		RecordedAt: time.Now().UTC(),
	}
	if opts.Screenshot {
		path, shotErr := r.Screenshot(ctx, opts.Label)
		if shotErr != nil {
			r.log.Debug("Screenshot during sense failed.", zap.Error(shotErr))
		} else {
			obs.Screenshot = path
		}
	}
	return obs, nil
}

// Navigate loads the URL and waits for the page to stabilize.
func (r *Runtime) Navigate(ctx context.Context, url string) error {
	navTimeout := r.cfg.NavTimeout
	if navTimeout <= 0 {
		navTimeout = 30 * time.Second
	}
	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()
	if err := r.run(navCtx, chromedp.Navigate(url)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("navigation timed out after %s: %w", navTimeout, err)
		}
		return fmt.Errorf("navigation failed: %w", err)
	}
	return r.stabilize(ctx)
}

// stabilize waits for DOM readiness plus the configured post-load quiet
// period. Failures are non-critical; the next sense pass sees whatever
// loaded.
func (r *Runtime) stabilize(ctx context.Context) error {
	stabCtx, cancel := context.WithTimeout(ctx, browserStartupTimeout)
	defer cancel()
	if err := r.run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Debug("WaitReady failed during stabilization.", zap.Error(err))
	}
	if r.cfg.PostLoadWait > 0 {
		select {
		case <-time.After(r.cfg.PostLoadWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runtime) Click(ctx context.Context, elementID int) error {
	if err := r.resolve(ctx, elementID); err != nil {
		return err
	}
	sel := selectorFor(elementID)
	err := r.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("click on element %d failed: %w", elementID, err)
	}
	return r.stabilize(ctx)
}

func (r *Runtime) TypeText(ctx context.Context, elementID int, text string, submit bool) error {
	if err := r.resolve(ctx, elementID); err != nil {
		return err
	}
	sel := selectorFor(elementID)
	tasks := chromedp.Tasks{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	}
	if submit {
		tasks = append(tasks, chromedp.SendKeys(sel, kb.Enter, chromedp.ByQuery))
	}
	if err := r.run(ctx, tasks); err != nil {
		return fmt.Errorf("type into element %d failed: %w", elementID, err)
	}
	if submit {
		return r.stabilize(ctx)
	}
	return nil
}

// Search types a query into the given control and submits it. Without a
// target element, the keystrokes go to whatever currently holds focus.
func (r *Runtime) Search(ctx context.Context, elementID *int, query string) error {
	if elementID != nil {
		if err := r.resolve(ctx, *elementID); err != nil {
			return err
		}
		sel := selectorFor(*elementID)
		err := r.run(ctx,
			chromedp.ScrollIntoView(sel, chromedp.ByQuery),
			chromedp.Click(sel, chromedp.ByQuery),
			chromedp.Clear(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, query, chromedp.ByQuery),
			chromedp.SendKeys(sel, kb.Enter, chromedp.ByQuery),
		)
		if err != nil {
			return fmt.Errorf("search via element %d failed: %w", *elementID, err)
		}
		return r.stabilize(ctx)
	}
	err := r.run(ctx,
		chromedp.KeyEvent(query),
		chromedp.KeyEvent(kb.Enter),
	)
	if err != nil {
		return fmt.Errorf("search via focused element failed: %w", err)
	}
	return r.stabilize(ctx)
}

func (r *Runtime) Scroll(ctx context.Context, deltaY int) error {
	script := fmt.Sprintf("window.scrollBy(0, %d)", deltaY)
	if err := r.run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("scroll failed: %w", err)
	}
	return nil
}

func (r *Runtime) ScrollIntoView(ctx context.Context, elementID int) error {
	if err := r.resolve(ctx, elementID); err != nil {
		return err
	}
	sel := selectorFor(elementID)
	if err := r.run(ctx, chromedp.ScrollIntoView(sel, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("scroll to element %d failed: %w", elementID, err)
	}
	return nil
}

func (r *Runtime) Back(ctx context.Context) error {
	if err := r.run(ctx, chromedp.NavigateBack()); err != nil {
		return fmt.Errorf("history back failed: %w", err)
	}
	return r.stabilize(ctx)
}

func (r *Runtime) Forward(ctx context.Context) error {
	if err := r.run(ctx, chromedp.NavigateForward()); err != nil {
		return fmt.Errorf("history forward failed: %w", err)
	}
	return r.stabilize(ctx)
}

// Screenshot captures the current viewport into the screenshots directory
// and returns the file path.
func (r *Runtime) Screenshot(ctx context.Context, label string) (string, error) {
	dir := r.cfg.ScreenshotsDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshots dir: %w", err)
	}
	var buf []byte
	if err := r.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	name := fmt.Sprintf("observe-%s.png", ts)
	if safe := trace.SanitizeLabel(label); safe != "" {
		name = fmt.Sprintf("observe-%s-%s.png", safe, ts)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// DispatchClick fires a synthetic DOM click, bypassing pointer simulation.
func (r *Runtime) DispatchClick(ctx context.Context, elementID int) error {
	if err := r.resolve(ctx, elementID); err != nil {
		return err
	}
	script := fmt.Sprintf(`document.querySelector('%s').click()`, selectorFor(elementID))
	if err := r.run(ctx, chromedp.Evaluate(script, nil)); err != nil {
		return fmt.Errorf("dispatch click on element %d failed: %w", elementID, err)
	}
	return r.stabilize(ctx)
}

// ClickByText clicks the first interactive element whose visible text
// contains the needle, case-insensitively.
func (r *Runtime) ClickByText(ctx context.Context, text string) error {
	script := fmt.Sprintf(`(() => {
  const needle = %q.toLowerCase();
  if (!needle) return false;
  const nodes = Array.from(
    document.querySelectorAll("a,button,input,textarea,select,[role='button'],[onclick]")
  );
  for (const el of nodes) {
    const t = (el.innerText || el.value || "").trim().toLowerCase();
    if (t && t.includes(needle)) {
      el.scrollIntoView({ block: "center" });
      el.click();
      return true;
    }
  }
  return false;
})()`, text)
	var clicked bool
	if err := r.run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("text click failed: %w", err)
	}
	if !clicked {
		return fmt.Errorf("no element with text %q: %w", text, agent.ErrElementNotFound)
	}
	return r.stabilize(ctx)
}

// ListSurfaces enumerates the browser's page targets in a stable order.
func (r *Runtime) ListSurfaces(ctx context.Context) ([]agent.TabInfo, error) {
	t, err := r.tab()
	if err != nil {
		return nil, err
	}
	infos, err := chromedp.Targets(t.ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	tabs := make([]agent.TabInfo, 0, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		tabs = append(tabs, agent.TabInfo{
			ID:    string(info.TargetID),
			Index: len(tabs),
			URL:   info.URL,
			Title: info.Title,
		})
	}
	return tabs, nil
}

// SwitchSurface makes another tab active. The hint is either a tab index or
// a case-insensitive URL/title substring; the last match wins so the most
// recently opened of several matches is preferred.
func (r *Runtime) SwitchSurface(ctx context.Context, hint string) error {
	tabs, err := r.ListSurfaces(ctx)
	if err != nil {
		return err
	}
	chosen := matchSurface(tabs, hint)
	if chosen == nil {
		return fmt.Errorf("no tab matches hint %q", hint)
	}
	return r.attach(ctx, target.ID(chosen.ID))
}

// matchSurface resolves a switch hint against the tab list.
func matchSurface(tabs []agent.TabInfo, hint string) *agent.TabInfo {
	hint = strings.TrimSpace(hint)
	if len(tabs) == 0 {
		return nil
	}
	if idx, err := strconv.Atoi(hint); err == nil {
		for i := range tabs {
			if tabs[i].Index == idx {
				return &tabs[i]
			}
		}
		return nil
	}
	if hint == "" {
		return &tabs[len(tabs)-1]
	}
	needle := strings.ToLower(hint)
	var chosen *agent.TabInfo
	for i := range tabs {
		if strings.Contains(strings.ToLower(tabs[i].URL), needle) ||
			strings.Contains(strings.ToLower(tabs[i].Title), needle) {
			chosen = &tabs[i]
		}
	}
	return chosen
}

// attach activates (and caches) the chromedp context for a target.
func (r *Runtime) attach(ctx context.Context, id target.ID) error {
	r.mu.Lock()
	if handle, ok := r.tabs[id]; ok && handle.ctx.Err() == nil {
		r.active = handle
		r.mu.Unlock()
		r.log.Debug("Switched to cached tab.", zap.String("target_id", string(id)))
		return nil
	}
	rootCtx := r.rootCtx
	r.mu.Unlock()

	tabCtx, tabCancel := chromedp.NewContext(rootCtx, chromedp.WithTargetID(id))
	attachCtx, cancel := combineContext(tabCtx, ctx)
	defer cancel()
	if err := chromedp.Run(attachCtx); err != nil {
		tabCancel()
		return fmt.Errorf("attach to target %s: %w", id, err)
	}

	handle := &tabHandle{id: id, ctx: tabCtx, cancel: tabCancel}
	r.mu.Lock()
	r.tabs[id] = handle
	r.active = handle
	r.mu.Unlock()
	r.log.Debug("Switched to tab.", zap.String("target_id", string(id)))
	return nil
}

// ActiveSurfaceID reports the active tab's target id, or "" when none.
func (r *Runtime) ActiveSurfaceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return string(r.active.id)
}

// combineContext derives from the chromedp context (which carries the CDP
// connection values) and cancels when either it or the operational context
// is done.
func combineContext(cdpCtx, opCtx context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(cdpCtx)
	go func() {
		select {
		case <-opCtx.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}
