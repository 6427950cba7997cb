// File: internal/agent/node_execute.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// execute runs the planned action through the fallback chain and performs
// all post-action bookkeeping: visit counts, avoid sets, change detection,
// tab and context events, and the per-step audit record.
func (e *Engine) execute(ctx context.Context, st State) (State, error) {
	obs := st.Observation
	pr := st.PlannerResult
	if obs == nil || pr == nil {
		return st, errors.New("execute node missing observation or planner result")
	}
	action := pr.Action
	obsBefore := obs

	tabsBefore, _ := e.env.ListSurfaces(ctx)
	beforeIDs := make(map[string]bool, len(tabsBefore))
	for _, t := range tabsBefore {
		beforeIDs[tabKey(t)] = true
	}

	if action.Type == ActionSwitchTab {
		return e.executeSwitchTab(ctx, st, action, obsBefore, beforeIDs)
	}

	if action.Type.IsMeta() {
		return e.executeMeta(st, action), nil
	}

	execResult, newObs, timedOut := e.executeWithDeadline(ctx, action, obs, st.StepID())
	if timedOut {
		st.Stop(StopExecuteTimeout, fmt.Sprintf("step=%d", st.Step))
		rec := e.baseRecord(&st, action)
		f := false
		rec.ExecuteSuccess = &f
		rec.ExecuteError = "execute timeout"
		st.Records = append(append([]Record(nil), st.Records...), rec)
		e.trace.Write(rec)
		return st, nil
	}
	if newObs != nil {
		obs = newObs
		st.Observation = obs
	}
	st.ExecResult = &execResult
	e.log.Info("execute",
		zap.String("session_id", st.SessionID),
		zap.String("action", string(action.Type)),
		zap.Bool("success", execResult.Success),
		zap.String("error", execResult.Error))

	// Bookkeeping.
	visitedURLs := cloneIntMap(st.VisitedURLs)
	visitedURLs[obs.URL]++
	visitedElements := cloneIntMap(st.VisitedElements)
	avoid := cloneBoolMap(st.AvoidElements)
	failCounts := cloneIntMap(st.ExecFailCounts)
	if action.ElementID != nil {
		key := strconv.Itoa(*action.ElementID)
		visitedElements[key]++
		if !execResult.Success {
			avoid[key] = true
		}
		failCounts[key]++
		if failCounts[key] >= e.cfg.MaxAttemptsPerElement {
			avoid[key] = true
		}
	}
	st.VisitedURLs = visitedURLs
	st.VisitedElements = visitedElements
	st.AvoidElements = avoid
	st.ExecFailCounts = failCounts
	if execResult.Success {
		st.LastErrorContext = ""
	} else {
		st.LastErrorContext = execResult.Error
	}

	urlChanged := obsBefore.URL != obs.URL
	domChanged := MappingHashOf(obsBefore) != MappingHashOf(obs)
	st.LastStateChange = &StateChange{URLChanged: urlChanged, DOMChanged: domChanged}
	st.LastActionNoOp = !urlChanged && !domChanged

	tabsAfter, _ := e.env.ListSurfaces(ctx)
	st.Tabs = tabsAfter
	st.ActiveTabID = e.env.ActiveSurfaceID()
	tabEvents := append(append([]TabEvent(nil), st.TabEvents...), newTabEvents(tabsAfter, beforeIDs, action)...)
	st.TabEvents = tabEvents

	if urlChanged || domChanged || len(tabEvents) > len(st.ContextEvents) {
		st.ContextEvents = appendContextEvent(st.ContextEvents, ContextEvent{
			Reason:     contextChangeReason(action.Type),
			BeforeURL:  obsBefore.URL,
			AfterURL:   obs.URL,
			URLChanged: urlChanged,
			DOMChanged: domChanged,
			Action:     action.Type,
			Value:      action.Value,
			Timestamp:  time.Now().UTC(),
		})
	}

	rec := e.baseRecord(&st, action)
	rec.ExecuteSuccess = &execResult.Success
	rec.ExecuteError = execResult.Error
	rec.URLChanged = urlChanged
	rec.DOMChanged = domChanged
	rec.Tabs = tabsAfter
	rec.ActiveTabID = st.ActiveTabID
	st.Records = append(append([]Record(nil), st.Records...), rec)
	e.trace.Write(rec)

	st.ActionHistory = append(append([]HistoryEntry(nil), st.ActionHistory...), HistoryEntry{
		Action:     action.Type,
		ElementID:  action.ElementRef(),
		URL:        obs.URL,
		URLChanged: urlChanged,
		DOMChanged: domChanged,
	})
	st.Recent = appendRecent(st.Recent, obs)
	return st, nil
}

// executeSwitchTab switches the active surface by hint, re-senses, and skips
// the fallback chain entirely.
func (e *Engine) executeSwitchTab(ctx context.Context, st State, action Action, obsBefore *Observation, beforeIDs map[string]bool) (State, error) {
	if err := e.env.SwitchSurface(ctx, action.Value); err != nil {
		e.log.Warn("switch_tab failed", zap.String("hint", action.Value), zap.Error(err))
	}
	obs := obsBefore
	if fresh, err := e.env.Sense(ctx, SenseOptions{MaxElements: e.cfg.MappingLimit, Label: st.StepID()}); err == nil && fresh != nil {
		obs = fresh
	}
	st.Observation = obs
	res := execResult(action, nil)
	st.ExecResult = &res

	urlChanged := obsBefore.URL != obs.URL
	domChanged := MappingHashOf(obsBefore) != MappingHashOf(obs)
	st.LastStateChange = &StateChange{URLChanged: urlChanged, DOMChanged: domChanged}
	st.LastActionNoOp = false

	tabsAfter, _ := e.env.ListSurfaces(ctx)
	st.Tabs = tabsAfter
	st.ActiveTabID = e.env.ActiveSurfaceID()
	st.TabEvents = append(append([]TabEvent(nil), st.TabEvents...), newTabEvents(tabsAfter, beforeIDs, action)...)

	visitedURLs := cloneIntMap(st.VisitedURLs)
	visitedURLs[obs.URL]++
	st.VisitedURLs = visitedURLs

	candidates := ExtractCandidates(obs.Mapping, GoalTokens(st.Goal), 10)
	st.Candidates = candidates
	st.PrevCandHash = st.CandidateHash
	st.CandidateHash = CandidateHashOf(candidates)
	st.MappingHash = MappingHashOf(obs)
	st.StagnationCount = 0
	st.Recent = appendRecent(st.Recent, obs)

	ok := true
	rec := e.baseRecord(&st, action)
	rec.ExecuteSuccess = &ok
	rec.URLChanged = urlChanged
	rec.DOMChanged = domChanged
	rec.Tabs = tabsAfter
	rec.ActiveTabID = st.ActiveTabID
	st.Records = append(append([]Record(nil), st.Records...), rec)
	e.trace.Write(rec)

	st.ActionHistory = append(append([]HistoryEntry(nil), st.ActionHistory...), HistoryEntry{
		Action: action.Type, ElementID: -1, URL: obs.URL,
		URLChanged: urlChanged, DOMChanged: domChanged,
	})
	e.log.Info("execute: switch_tab",
		zap.String("session_id", st.SessionID),
		zap.String("hint", action.Value),
		zap.Bool("url_changed", urlChanged),
		zap.Bool("dom_changed", domChanged))
	return st, nil
}

// executeMeta terminates on a done or ask_user action. Meta before the
// locate stage is the oracle jumping the gun and counts as disallowed.
func (e *Engine) executeMeta(st State, action Action) State {
	if st.GoalStage == StageOrient || st.GoalStage == StageContext {
		st.Stop(StopPlannerDisallowed, fmt.Sprintf("action=%s; stage=%s", action.Type, st.GoalStage))
		rec := e.baseRecord(&st, action)
		f := false
		rec.ExecuteSuccess = &f
		rec.ExecuteError = "meta_not_allowed_in_stage"
		st.Records = append(append([]Record(nil), st.Records...), rec)
		e.trace.Write(rec)
		return st
	}
	if action.Type == ActionDone {
		st.Stop(StopMetaDone, "")
	} else {
		st.Stop(StopMetaAskUser, "")
	}
	ok := true
	rec := e.baseRecord(&st, action)
	rec.ExecuteSuccess = &ok
	st.Records = append(append([]Record(nil), st.Records...), rec)
	e.trace.Write(rec)
	return st
}

// executeWithDeadline races the fallback chain against the execute timeout.
// A timed-out chain is abandoned; its buffered result is discarded.
func (e *Engine) executeWithDeadline(ctx context.Context, action Action, obs *Observation, label string) (ExecutionResult, *Observation, bool) {
	type outcome struct {
		result ExecutionResult
		obs    *Observation
	}
	ch := make(chan outcome, 1)
	go func() {
		res, fresh := e.executor.Execute(ctx, action, obs, label)
		ch <- outcome{res, fresh}
	}()
	select {
	case out := <-ch:
		return out.result, out.obs, false
	case <-time.After(e.cfg.ExecuteTimeout):
		return ExecutionResult{}, nil, true
	case <-ctx.Done():
		return execResult(action, ctx.Err()), nil, false
	}
}

// baseRecord fills the fields every execute-path record shares.
func (e *Engine) baseRecord(st *State, action Action) Record {
	rec := Record{
		Step:      st.Step,
		SessionID: st.SessionID,
		StepID:    st.StepID(),
		Node:      nodeExecute,
		Action:    &action,
		Timestamp: time.Now().UTC(),

		LoopTrigger:        st.LoopTrigger,
		StopReason:         st.StopReason,
		StopDetails:        st.StopDetails,
		AttemptsPerElement: st.ExecFailCounts,
		AvoidElements:      st.AvoidList(),
		Intent:             st.IntentText,
		MappingHash:        st.MappingHash,
		CandidateHash:      st.CandidateHash,
	}
	if st.PlannerResult != nil {
		rec.PlannerRetries = st.PlannerResult.RetriesUsed
	}
	if st.SecurityDecision != nil {
		rec.SecurityRequiresConfirmation = st.SecurityDecision.RequiresConfirmation
		rec.SecurityReason = st.SecurityDecision.Reason
	}
	if st.LoopSignature != nil {
		rec.LoopSignature = st.LoopSignature.String()
	}
	return rec
}

func tabKey(t TabInfo) string {
	if t.ID != "" {
		return t.ID
	}
	return "idx:" + strconv.Itoa(t.Index)
}

func newTabEvents(after []TabInfo, beforeIDs map[string]bool, action Action) []TabEvent {
	var created []TabInfo
	for _, t := range after {
		if !beforeIDs[tabKey(t)] {
			created = append(created, t)
		}
	}
	if len(created) == 0 {
		return nil
	}
	return []TabEvent{{Type: "new_tab", Tabs: created, Action: action.Type, Value: action.Value}}
}

func appendContextEvent(events []ContextEvent, ev ContextEvent) []ContextEvent {
	out := append(append([]ContextEvent(nil), events...), ev)
	if len(out) > 10 {
		out = out[len(out)-10:]
	}
	return out
}

func contextChangeReason(t ActionType) string {
	switch t {
	case ActionNavigate, ActionSearch:
		return "action_" + string(t)
	case ActionGoBack, ActionGoForward:
		return "action_history_nav"
	case ActionClick:
		return "action_click"
	case ActionSwitchTab:
		return "action_switch_tab"
	}
	return "redirect"
}
