// File: internal/agent/graph_test.go
package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listingObs builds a 16-link listing page; element 3 carries the goal tokens
// used throughout these scenarios.
func listingObs(url, title string) *Observation {
	marks := make([]ElementMark, 0, 16)
	for i := 1; i <= 16; i++ {
		text := fmt.Sprintf("Item %d", i)
		if i == 3 {
			text = "Wireless Headphones Pro"
		}
		marks = append(marks, ElementMark{ID: i, Tag: "a", Role: "link", Text: text})
	}
	return &Observation{URL: url, Title: title, Mapping: marks}
}

// articleObs is a page with no interactive elements and no goal overlap.
func articleObs() *Observation {
	return &Observation{
		URL:   "https://example.org/start",
		Title: "Start here",
		Mapping: []ElementMark{
			{ID: 1, Tag: "div", Role: "text", Text: "A descriptive paragraph long enough to read as body copy."},
		},
	}
}

func TestRunStopsOnStepBudget(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSteps = 3
	cfg.StagnationThreshold = 10
	cfg.LoopRepeatThreshold = 10
	env := newFakeEnv(articleObs())
	fp := &fakePlanner{} // defaults to scroll
	e := NewEngine(env, fp, &fakeConfirmer{}, nil, nil, cfg)

	res, err := e.Run(context.Background(), "sess-budget", "find wireless headphones")
	require.NoError(t, err)

	assert.Equal(t, StopBudgetExhausted, res.StopReason)
	assert.Equal(t, "max_steps=3", res.StopDetails)
	assert.Equal(t, TerminalBudget, res.TerminalType)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 2, res.PlannerCalls)
}

func TestRunStopsWhenWorldFrozen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxSteps = 50
	cfg.MaxNoProgressSteps = 2
	cfg.StagnationThreshold = 10
	cfg.LoopRepeatThreshold = 10
	cfg.MaxAutoScrolls = 0
	cfg.MaxPlannerCalls = 40

	env := newFakeEnv(listingObs("https://shop.example/list", "Results"))
	id := 3
	fp := &fakePlanner{results: []PlannerResult{{Action: Action{Type: ActionClick, ElementID: &id}}}}
	e := NewEngine(env, fp, &fakeConfirmer{}, nil, nil, cfg)

	res, err := e.Run(context.Background(), "sess-frozen", "find wireless headphones")
	require.NoError(t, err)

	assert.Equal(t, StopLoopStuck, res.StopReason)
	assert.Equal(t, TerminalFailure, res.TerminalType)
	assert.Contains(t, res.StopDetails, "world_frozen=true")
	// Clicking the same element on an unchanging page never demotes the stage
	// reached from the listing evidence.
	assert.Equal(t, StageLocate, res.GoalStage)
}

func TestRunObjectGoalSatisfiedFromURL(t *testing.T) {
	t.Parallel()

	obs1 := listingObs("https://shop.example/catalog", "Catalog")
	obs2 := &Observation{
		URL:   "https://shop.example/p/wireless-headphones-42",
		Title: "Wireless Headphones Pro",
		Mapping: []ElementMark{
			{ID: 1, Tag: "button", Role: "button", Text: "Wireless Headphones Pro details"},
			{ID: 2, Tag: "div", Role: "text", Text: "Crisp highs and deep bass with forty hours of battery."},
		},
	}
	env := newFakeEnv(obs1)
	env.clickFn = func(int) error {
		env.senseFn = func(SenseOptions) (*Observation, error) { return obs2, nil }
		return nil
	}
	id := 3
	fp := &fakePlanner{results: []PlannerResult{{Action: Action{Type: ActionClick, ElementID: &id}}}}
	e := NewEngine(env, fp, &fakeConfirmer{}, nil, nil, testConfig())

	res, err := e.Run(context.Background(), "sess-object", "find wireless headphones")
	require.NoError(t, err)

	assert.Equal(t, StopGoalSatisfied, res.StopReason)
	assert.Contains(t, res.StopDetails, "goal_tokens_in_url_title")
	assert.Equal(t, TerminalSuccess, res.TerminalType)
	assert.Equal(t, obs2.URL, res.FinalURL)
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, 1, env.countCalls("click:3"))
}

func TestRunDestructiveActionDeclined(t *testing.T) {
	t.Parallel()

	obs := &Observation{
		URL:   "https://shop.example/account",
		Title: "Account",
		Mapping: []ElementMark{
			{ID: 2, Tag: "button", Role: "button", Text: "Delete item"},
			{ID: 9, Tag: "div", Role: "text", Text: "Manage the items saved to your account on this page."},
		},
	}
	env := newFakeEnv(obs)
	id := 2
	fp := &fakePlanner{results: []PlannerResult{{Action: Action{Type: ActionClick, ElementID: &id}}}}
	fc := &fakeConfirmer{interactive: true, approveAction: false}
	e := NewEngine(env, fp, fc, nil, nil, testConfig())

	res, err := e.Run(context.Background(), "sess-sec", "buy a second monitor")
	require.NoError(t, err)

	assert.Equal(t, StopRejectedByUser, res.StopReason)
	assert.Equal(t, "matched destructive keyword", res.StopDetails)
	assert.Equal(t, TerminalFailure, res.TerminalType)
	assert.Equal(t, 1, fc.actionPrompts)
	// The declined click never reaches the environment.
	assert.Zero(t, env.countCalls("click:2"))
}

func TestRunPagedScanMitigation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.StagnationThreshold = 1
	cfg.LoopRepeatThreshold = 10
	cfg.MaxAutoScrolls = 1

	base := listingObs("https://shop.example/list", "Results")
	env := newFakeEnv(base)
	// The second widened capture, taken after the scroll, repeats the first
	// viewport and reveals two elements below the fold.
	belowFold := []ElementMark{
		{ID: 40, Tag: "a", Role: "link", Text: "Wireless Headphones Pro Max"},
		{ID: 41, Tag: "a", Role: "link", Text: "Studio Monitor Stands"},
	}
	pagedCaptures := 0
	env.senseFn = func(o SenseOptions) (*Observation, error) {
		if o.MaxElements == cfg.MappingLimit+cfg.LoopRetryMappingBoost {
			pagedCaptures++
			if pagedCaptures > 1 {
				out := *base
				out.Mapping = append(append([]ElementMark(nil), base.Mapping...), belowFold...)
				return &out, nil
			}
		}
		return base, nil
	}
	id := 3
	fp := &fakePlanner{results: []PlannerResult{{Action: Action{Type: ActionClick, ElementID: &id}}}}
	tr := &recTrace{}
	e := NewEngine(env, fp, &fakeConfirmer{}, tr, nil, cfg)

	res, err := e.Run(context.Background(), "sess-paged", "find wireless headphones")
	require.NoError(t, err)

	// Once looping, the mitigation edge bypasses the goal checker, so the
	// driver's node ceiling is what terminates the session.
	assert.Equal(t, StopBudgetExhausted, res.StopReason)
	assert.Contains(t, res.StopDetails, "node_ceiling")

	paged := 0
	for _, o := range env.senseOpts {
		if o.Viewports == cfg.PagedScanViewports && o.MaxElements == cfg.MappingLimit+cfg.LoopRetryMappingBoost {
			paged++
		}
	}
	assert.Equal(t, cfg.PagedScanSteps, paged, "one mitigation captures paged_scan_steps times")
	assert.Equal(t, 1, env.countCalls(fmt.Sprintf("scroll:%d", cfg.ScrollStep)), "one scroll between the two captures")

	// The planner sees the merged mapping: 16 from the first viewport, 18
	// after dedupe folds the repeated captures together.
	mergedSeen := false
	for _, req := range fp.requests {
		if req.Observation != nil && len(req.Observation.Mapping) == len(base.Mapping)+len(belowFold) {
			mergedSeen = true
		}
	}
	assert.True(t, mergedSeen, "merged deduped mapping reaches the planner")

	limitReached := false
	for _, r := range tr.recs {
		if r.Intent == "paged_scan_limit_reached" {
			limitReached = true
		}
	}
	assert.True(t, limitReached)
}

func TestRunPlannerDisallowedRetriesOnce(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(articleObs())
	// Meta "done" is never in the orient-stage vocabulary.
	fp := &fakePlanner{results: []PlannerResult{{Action: Action{Type: ActionDone}}}}
	e := NewEngine(env, fp, &fakeConfirmer{}, nil, nil, testConfig())

	res, err := e.Run(context.Background(), "sess-meta", "find wireless headphones")
	require.NoError(t, err)

	assert.Equal(t, StopPlannerDisallowed, res.StopReason)
	assert.Contains(t, res.StopDetails, "action=done")
	assert.Equal(t, TerminalFailure, res.TerminalType)
	// error_retry clears the first failure; the second one stands.
	assert.Len(t, fp.requests, 2)
	assert.Equal(t, 2, res.PlannerCalls)
}

func TestRunMetaDoneAtLocateStage(t *testing.T) {
	t.Parallel()

	env := newFakeEnv(listingObs("https://shop.example/list", "Results"))
	fp := &fakePlanner{results: []PlannerResult{{Action: Action{Type: ActionDone}}}}
	e := NewEngine(env, fp, &fakeConfirmer{}, nil, nil, testConfig())

	res, err := e.Run(context.Background(), "sess-done", "find wireless headphones")
	require.NoError(t, err)

	assert.Equal(t, StopMetaDone, res.StopReason)
	assert.Equal(t, TerminalSuccess, res.TerminalType)
	assert.Equal(t, StageLocate, res.GoalStage)
	assert.Equal(t, 1, res.Steps)
}

func TestRunProgressAskUser(t *testing.T) {
	t.Parallel()

	newScenario := func(fc *fakeConfirmer) (*Engine, *fakeEnv) {
		obs1 := listingObs("https://shop.example/list", "Results")
		obs2 := &Observation{
			URL:   "https://shop.example/section/audio-gear",
			Title: "Audio gear",
			Mapping: []ElementMark{
				{ID: 5, Tag: "a", Role: "link", Text: "Wireless Headphones Pro"},
				{ID: 6, Tag: "a", Role: "link", Text: "Portable speakers"},
				{ID: 7, Tag: "div", Role: "text", Text: "Browse our complete selection of personal audio equipment."},
				{ID: 8, Tag: "div", Role: "text", Text: "Free shipping applies to orders over fifty dollars today."},
				{ID: 9, Tag: "div", Role: "text", Text: "Returns are accepted within thirty days of the delivery."},
			},
		}
		env := newFakeEnv(obs1)
		env.clickFn = func(int) error {
			env.senseFn = func(SenseOptions) (*Observation, error) { return obs2, nil }
			return nil
		}
		id3, id5 := 3, 5
		fp := &fakePlanner{results: []PlannerResult{
			{Action: Action{Type: ActionClick, ElementID: &id3}},
			{Action: Action{Type: ActionClick, ElementID: &id5}},
		}}
		return NewEngine(env, fp, fc, nil, nil, testConfig()), env
	}

	t.Run("non-interactive sessions stop as failure", func(t *testing.T) {
		t.Parallel()
		fc := &fakeConfirmer{interactive: false}
		e, _ := newScenario(fc)

		res, err := e.Run(context.Background(), "sess-ask", "find wireless headphones")
		require.NoError(t, err)

		assert.Equal(t, StopProgressAskUser, res.StopReason)
		assert.Equal(t, TerminalFailure, res.TerminalType)
		assert.Equal(t, 2, res.ProgressScore)
		assert.Len(t, res.Evidence, 2)
		assert.Zero(t, fc.donePrompts)
	})

	t.Run("interactive confirmation finishes as success", func(t *testing.T) {
		t.Parallel()
		fc := &fakeConfirmer{interactive: true, approveComplete: true}
		e, _ := newScenario(fc)

		res, err := e.Run(context.Background(), "sess-ask-yes", "find wireless headphones")
		require.NoError(t, err)

		assert.Equal(t, StopUserConfirmDone, res.StopReason)
		assert.Equal(t, TerminalSuccess, res.TerminalType)
		assert.Equal(t, 1, fc.donePrompts)
	})
}

func TestActionGoalArtifactNeverFulfillsInCheck(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, nil, nil, nil, nil, testConfig())
	st := NewState("sess-action", "add to cart wireless headphones")
	obs := &Observation{
		URL:   "https://shop.example/p/wireless-headphones-42",
		Title: "Wireless Headphones Pro",
		Mapping: []ElementMark{
			{ID: 1, Tag: "button", Role: "button", Text: "Add to cart"},
		},
	}
	tokens := GoalTokens(st.Goal)

	v := e.checkGoal(&st, obs, tokens, PageDetail, 0, 3)

	// The right product page counts as an artifact and promotes the stage,
	// but an action goal still requires the click to actually happen.
	assert.True(t, v.ArtifactDetected)
	assert.Equal(t, "action", v.ArtifactType)
	assert.Equal(t, StageVerify, v.Stage)
	assert.False(t, v.Fulfilled)
}
