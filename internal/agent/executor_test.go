// File: internal/agent/executor_test.go
package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execTestObs() *Observation {
	return &Observation{
		URL:   "https://shop.example/list",
		Title: "Shop",
		Mapping: []ElementMark{
			{ID: 4, Tag: "button", Text: "Add to cart", Role: "button"},
			{ID: 5, Tag: "input", Text: "", Role: "searchbox"},
		},
	}
}

func TestExecutorPrimarySuccess(t *testing.T) {
	t.Parallel()

	obs := execTestObs()
	env := newFakeEnv(obs)
	ex := NewExecutor(env, nil, nil, ExecutorConfig{ScrollStep: 600, MaxReobserveAttempts: 1, MappingLimit: 30})

	res, got := ex.Execute(context.Background(), Action{Type: ActionClick, ElementID: intPtr(4)}, obs, "step-1")
	assert.True(t, res.Success)
	assert.Same(t, obs, got)
	assert.Equal(t, []string{"click:4"}, env.calls)
}

func TestExecutorFallbackChainToTextClick(t *testing.T) {
	t.Parallel()

	obs := execTestObs()
	env := newFakeEnv(obs)
	env.clickFn = func(int) error { return errors.New("node detached") }
	env.dispatchFn = func(int) error { return errors.New("js click failed") }
	tr := &recTrace{}
	ex := NewExecutor(env, tr, nil, ExecutorConfig{ScrollStep: 600, MaxReobserveAttempts: 1, MappingLimit: 30})

	res, _ := ex.Execute(context.Background(), Action{Type: ActionClick, ElementID: intPtr(4)}, obs, "step-1")

	require.True(t, res.Success, "text-match click is the last fallback and succeeds")
	// primary click, scroll nudge, re-sense, retry click, js click, text click.
	assert.Equal(t, 2, env.countCalls("click:4"))
	assert.Equal(t, 1, env.countCalls("scroll:600"))
	assert.Equal(t, 1, env.countCalls("sense"))
	assert.Equal(t, 1, env.countCalls("dispatch_click:4"))
	assert.Equal(t, []string{"click_by_text:Add to cart"}, env.calls[len(env.calls)-1:])

	// Every fallback attempt leaves a trace record.
	var nodes []string
	for _, r := range tr.recs {
		nodes = append(nodes, r.Node)
	}
	assert.Equal(t, []string{"execute_fallback", "execute_text_click"}, nodes)
}

func TestExecutorScrollFailureDoesNotNudge(t *testing.T) {
	t.Parallel()

	obs := execTestObs()
	env := newFakeEnv(obs)
	env.scrollFn = func(int) error { return errors.New("wheel blocked") }
	ex := NewExecutor(env, nil, nil, ExecutorConfig{ScrollStep: 600, MaxReobserveAttempts: 1, MappingLimit: 30})

	res, _ := ex.Execute(context.Background(), Action{Type: ActionScroll}, obs, "step-1")

	assert.False(t, res.Success)
	assert.Equal(t, "wheel blocked", res.Error)
	// The nudge is skipped for scroll actions; only the primary and the
	// retry touch the wheel.
	assert.Equal(t, 2, env.countCalls("scroll:600"))
	assert.Equal(t, 0, env.countCalls("dispatch_click"))
	assert.Equal(t, 0, env.countCalls("click_by_text"))
}

func TestExecutorLastFailurePreserved(t *testing.T) {
	t.Parallel()

	obs := execTestObs()
	env := newFakeEnv(obs)
	env.clickFn = func(int) error { return errors.New("node detached") }
	env.dispatchFn = func(int) error { return errors.New("js click failed") }
	env.clickTextFn = func(string) error { return errors.New("text not found") }
	ex := NewExecutor(env, nil, nil, ExecutorConfig{ScrollStep: 600, MaxReobserveAttempts: 1, MappingLimit: 30})

	res, _ := ex.Execute(context.Background(), Action{Type: ActionClick, ElementID: intPtr(4)}, obs, "step-1")
	assert.False(t, res.Success)
	assert.Equal(t, "text not found", res.Error)
}

func TestExecutorMetaActionsSucceedTrivially(t *testing.T) {
	t.Parallel()

	obs := execTestObs()
	env := newFakeEnv(obs)
	ex := NewExecutor(env, nil, nil, ExecutorConfig{})

	res, _ := ex.Execute(context.Background(), Action{Type: ActionDone}, obs, "step-1")
	assert.True(t, res.Success)
	assert.Empty(t, env.calls)
}

func TestExecutorTypePassesSubmitFlag(t *testing.T) {
	t.Parallel()

	obs := execTestObs()
	env := newFakeEnv(obs)
	ex := NewExecutor(env, nil, nil, ExecutorConfig{SubmitAfterType: true})

	res, _ := ex.Execute(context.Background(), Action{Type: ActionTypeText, ElementID: intPtr(5), Value: "headphones"}, obs, "s")
	assert.True(t, res.Success)
	assert.Equal(t, []string{"type:5:headphones:submit=true"}, env.calls)
}

func TestExecutorValidationErrors(t *testing.T) {
	t.Parallel()

	obs := execTestObs()

	tests := []struct {
		name   string
		action Action
		errSub string
	}{
		{"navigate without url", Action{Type: ActionNavigate}, "requires a URL"},
		{"search without query", Action{Type: ActionSearch}, "requires a query"},
		{"click without element", Action{Type: ActionClick}, "requires element_id"},
		{"type without element", Action{Type: ActionTypeText, Value: "headphones"}, "requires element_id"},
		{"type without value", Action{Type: ActionTypeText, ElementID: intPtr(5)}, "requires a non-empty value"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := newFakeEnv(obs)
			ex := NewExecutor(env, nil, nil, ExecutorConfig{MaxReobserveAttempts: 0})
			res, _ := ex.Execute(context.Background(), tt.action, obs, "s")
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.errSub)
			assert.Empty(t, env.calls, "invalid actions never reach the environment")
		})
	}
}
