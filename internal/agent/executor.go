// File: internal/agent/executor.go
package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ExecutorConfig is the slice of configuration the fallback chain needs.
type ExecutorConfig struct {
	ScrollStep           int
	SubmitAfterType      bool
	MaxReobserveAttempts int
	MappingLimit         int
}

// Executor runs one action against the environment with a bounded fallback
// chain. It owns no state of its own; everything it learns comes back in the
// ExecutionResult and the refreshed observation.
type Executor struct {
	env   Environment
	trace TraceSink
	log   *zap.Logger
	cfg   ExecutorConfig
}

func NewExecutor(env Environment, trace TraceSink, log *zap.Logger, cfg ExecutorConfig) *Executor {
	if trace == nil {
		trace = NopTrace{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{env: env, trace: trace, log: log, cfg: cfg}
}

func execResult(action Action, err error) ExecutionResult {
	res := ExecutionResult{Success: err == nil, Action: action, RecordedAt: time.Now().UTC()}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// dispatch performs the primary attempt for one action. Meta actions succeed
// trivially; element-targeted ones resolve their id live.
func (e *Executor) dispatch(ctx context.Context, action Action, obs *Observation) ExecutionResult {
	if action.Type.IsMeta() {
		return execResult(action, nil)
	}

	var err error
	switch action.Type {
	case ActionGoBack:
		err = e.env.Back(ctx)
	case ActionGoForward:
		err = e.env.Forward(ctx)
	case ActionNavigate:
		if action.Value == "" {
			err = fmt.Errorf("navigate action requires a URL value")
		} else {
			err = e.env.Navigate(ctx, action.Value)
		}
	case ActionSearch:
		if action.Value == "" {
			err = fmt.Errorf("search action requires a query value")
		} else {
			err = e.env.Search(ctx, action.ElementID, action.Value)
		}
	case ActionScroll:
		if action.ElementID == nil {
			err = e.env.Scroll(ctx, e.cfg.ScrollStep)
		} else {
			err = e.env.ScrollIntoView(ctx, *action.ElementID)
		}
	case ActionClick:
		if action.ElementID == nil {
			err = fmt.Errorf("click action requires element_id")
		} else {
			err = e.env.Click(ctx, *action.ElementID)
		}
	case ActionTypeText:
		if action.ElementID == nil {
			err = fmt.Errorf("type action requires element_id")
		} else if action.Value == "" {
			err = fmt.Errorf("type action requires a non-empty value")
		} else {
			err = e.env.TypeText(ctx, *action.ElementID, action.Value, e.cfg.SubmitAfterType)
		}
	case ActionScreenshot:
		var path string
		path, err = e.env.Screenshot(ctx, "exec-shot")
		if err == nil {
			res := execResult(action, nil)
			res.Screenshot = path
			return res
		}
	case ActionSwitchTab:
		err = e.env.SwitchSurface(ctx, action.Value)
	default:
		err = fmt.Errorf("unsupported action type: %s", action.Type)
	}
	return execResult(action, err)
}

// Execute runs the full fallback chain:
//
//	primary dispatch
//	-> per re-observe attempt: alternate-direction scroll nudge, re-sense,
//	   retry primary
//	-> raw dispatch-click (click with id only)
//	-> text-match click using the element's last known text (click only)
//
// The returned observation is the freshest one the chain captured; the
// returned result is the first success, or the last failure with its error
// preserved. Every attempt is written to the trace.
func (e *Executor) Execute(ctx context.Context, action Action, obs *Observation, label string) (ExecutionResult, *Observation) {
	current := obs

	result := e.dispatch(ctx, action, current)
	if result.Success || action.Type.IsMeta() {
		return result, current
	}
	e.log.Debug("primary dispatch failed, entering fallback chain",
		zap.String("action", string(action.Type)),
		zap.Int("element_id", action.ElementRef()),
		zap.String("error", result.Error))

	scrollDir := 1
	for attempt := 0; attempt < e.cfg.MaxReobserveAttempts; attempt++ {
		if action.Type != ActionScroll {
			// Nudge the viewport in case the target moved out of it, flipping
			// direction on each attempt.
			_ = e.env.Scroll(ctx, e.cfg.ScrollStep*scrollDir)
			scrollDir = -scrollDir
		}
		fresh, senseErr := e.env.Sense(ctx, SenseOptions{MaxElements: e.cfg.MappingLimit, Label: label})
		if senseErr == nil && fresh != nil {
			current = fresh
		}
		retry := e.dispatch(ctx, action, current)
		e.trace.Write(Record{
			Node:           "execute_fallback",
			Action:         &action,
			ExecuteSuccess: &retry.Success,
			ExecuteError:   retry.Error,
			StepID:         label,
			Timestamp:      time.Now().UTC(),
		})
		if retry.Success {
			return retry, current
		}
		result = retry
	}

	if action.Type == ActionClick && action.ElementID != nil {
		if err := e.env.DispatchClick(ctx, *action.ElementID); err == nil {
			res := execResult(action, nil)
			ok := true
			e.trace.Write(Record{Node: "execute_js_click", Action: &action, ExecuteSuccess: &ok, StepID: label, Timestamp: time.Now().UTC()})
			return res, current
		} else {
			result = execResult(action, err)
		}
	}

	if action.Type == ActionClick {
		if text := elementText(current, action.ElementID); text != "" {
			if err := e.env.ClickByText(ctx, text); err == nil {
				res := execResult(action, nil)
				ok := true
				e.trace.Write(Record{Node: "execute_text_click", Action: &action, ExecuteSuccess: &ok, StepID: label, Timestamp: time.Now().UTC()})
				return res, current
			} else {
				result = execResult(action, err)
			}
		}
	}

	return result, current
}

func elementText(obs *Observation, id *int) string {
	if id == nil {
		return ""
	}
	if el := obs.Element(*id); el != nil {
		return el.Text
	}
	return ""
}
