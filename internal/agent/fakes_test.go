// File: internal/agent/fakes_test.go
package agent

import (
	"context"
	"fmt"
)

// fakeEnv is a scripted Environment. Hooks default to success; every call is
// appended to the call log for assertions.
type fakeEnv struct {
	calls     []string
	senseOpts []SenseOptions

	senseFn     func(SenseOptions) (*Observation, error)
	clickFn     func(int) error
	scrollFn    func(int) error
	dispatchFn  func(int) error
	clickTextFn func(string) error
	navigateFn  func(string) error
	switchFn    func(string) error

	tabs     []TabInfo
	activeID string
}

func newFakeEnv(obs *Observation) *fakeEnv {
	f := &fakeEnv{
		tabs:     []TabInfo{{ID: "tab-0", Index: 0, URL: obs.URL, Title: obs.Title}},
		activeID: "tab-0",
	}
	f.senseFn = func(SenseOptions) (*Observation, error) { return obs, nil }
	return f
}

func (f *fakeEnv) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEnv) Sense(_ context.Context, opts SenseOptions) (*Observation, error) {
	f.record("sense")
	f.senseOpts = append(f.senseOpts, opts)
	return f.senseFn(opts)
}

func (f *fakeEnv) Navigate(_ context.Context, url string) error {
	f.record("navigate:%s", url)
	if f.navigateFn != nil {
		return f.navigateFn(url)
	}
	return nil
}

func (f *fakeEnv) Click(_ context.Context, id int) error {
	f.record("click:%d", id)
	if f.clickFn != nil {
		return f.clickFn(id)
	}
	return nil
}

func (f *fakeEnv) TypeText(_ context.Context, id int, text string, submit bool) error {
	f.record("type:%d:%s:submit=%t", id, text, submit)
	return nil
}

func (f *fakeEnv) Search(_ context.Context, id *int, query string) error {
	if id != nil {
		f.record("search:%d:%s", *id, query)
	} else {
		f.record("search:-:%s", query)
	}
	return nil
}

func (f *fakeEnv) Scroll(_ context.Context, deltaY int) error {
	f.record("scroll:%d", deltaY)
	if f.scrollFn != nil {
		return f.scrollFn(deltaY)
	}
	return nil
}

func (f *fakeEnv) ScrollIntoView(_ context.Context, id int) error {
	f.record("scroll_into_view:%d", id)
	return nil
}

func (f *fakeEnv) Back(context.Context) error    { f.record("back"); return nil }
func (f *fakeEnv) Forward(context.Context) error { f.record("forward"); return nil }

func (f *fakeEnv) Screenshot(_ context.Context, label string) (string, error) {
	f.record("screenshot:%s", label)
	return "/tmp/shot.png", nil
}

func (f *fakeEnv) DispatchClick(_ context.Context, id int) error {
	f.record("dispatch_click:%d", id)
	if f.dispatchFn != nil {
		return f.dispatchFn(id)
	}
	return nil
}

func (f *fakeEnv) ClickByText(_ context.Context, text string) error {
	f.record("click_by_text:%s", text)
	if f.clickTextFn != nil {
		return f.clickTextFn(text)
	}
	return nil
}

func (f *fakeEnv) ListSurfaces(context.Context) ([]TabInfo, error) { return f.tabs, nil }

func (f *fakeEnv) SwitchSurface(_ context.Context, hint string) error {
	f.record("switch:%s", hint)
	if f.switchFn != nil {
		return f.switchFn(hint)
	}
	return nil
}

func (f *fakeEnv) ActiveSurfaceID() string { return f.activeID }

func (f *fakeEnv) countCalls(prefix string) int {
	n := 0
	for _, c := range f.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// fakePlanner replays a scripted action sequence; the last entry repeats.
type fakePlanner struct {
	results  []PlannerResult
	err      error
	requests []PlanRequest
}

func (f *fakePlanner) Plan(_ context.Context, req PlanRequest) (PlannerResult, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return PlannerResult{}, f.err
	}
	if len(f.results) == 0 {
		return PlannerResult{Action: Action{Type: ActionScroll}}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

// fakeConfirmer answers both prompts with fixed values.
type fakeConfirmer struct {
	interactive     bool
	approveAction   bool
	approveComplete bool
	actionPrompts   int
	donePrompts     int
}

func (f *fakeConfirmer) ConfirmAction(Action, string) bool {
	f.actionPrompts++
	return f.approveAction
}

func (f *fakeConfirmer) ConfirmCompletion(CompletionQuery) bool {
	f.donePrompts++
	return f.approveComplete
}

func (f *fakeConfirmer) Interactive() bool { return f.interactive }

// recTrace records every trace write in memory.
type recTrace struct {
	recs []Record
}

func (r *recTrace) Write(rec Record) { r.recs = append(r.recs, rec) }

// testConfig mirrors the shipped defaults, shrunk where a test needs faster
// termination.
func testConfig() Config {
	return Config{
		MappingLimit:          30,
		MaxSteps:              6,
		PlannerTimeout:        5_000_000_000, // 5s
		ExecuteTimeout:        5_000_000_000,
		LoopRepeatThreshold:   2,
		StagnationThreshold:   2,
		MaxAutoScrolls:        3,
		LoopRetryMappingBoost: 20,
		ProgressKeywords:      []string{"cart", "checkout"},
		AutoDoneMode:          "ask",
		AutoDoneThreshold:     2,
		AutoDoneRequireURL:    true,
		PagedScanSteps:        2,
		PagedScanViewports:    2,
		MaxReobserveAttempts:  1,
		MaxAttemptsPerElement: 3,
		ScrollStep:            600,
		MaxPlannerCalls:       20,
		MaxNoProgressSteps:    20,
	}
}
