// File: internal/agent/node_plan.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// stage-gated action vocabularies. The oracle only ever sees the set that
// matches the current goal stage; anything else it answers with is a
// disallowed action.
var (
	stageActionsDefault = []ActionType{ActionClick, ActionScroll, ActionNavigate, ActionSearch, ActionGoBack, ActionGoForward, ActionSwitchTab, ActionTypeText}
	stageActionsContext = []ActionType{ActionClick, ActionScroll, ActionSearch, ActionGoBack}
	stageActionsLocate  = []ActionType{ActionClick, ActionTypeText, ActionScroll, ActionSearch, ActionGoBack, ActionNavigate}
	stageActionsVerify  = []ActionType{ActionClick, ActionScroll, ActionScreenshot, ActionGoBack}
)

func allowedActionsFor(stage GoalStage) (actions, meta []ActionType) {
	switch stage {
	case StageContext:
		actions = stageActionsContext
	case StageLocate:
		actions = stageActionsLocate
	case StageVerify:
		actions = stageActionsVerify
	default:
		actions = stageActionsDefault
	}
	if stage == StageLocate || stage == StageVerify {
		meta = []ActionType{ActionDone, ActionAskUser}
	}
	return actions, meta
}

// plan decides the next action: first the oracle-free commit shortcut, then
// a deadline-raced oracle call with the full assembled context.
func (e *Engine) plan(ctx context.Context, st State) (State, error) {
	obs := st.Observation
	if obs == nil {
		return st, errors.New("planner node missing observation")
	}

	lastAction := st.lastAction()
	sig := ProgressScore(st.Goal, st.PrevObservation, obs, lastAction, e.keywords)
	listingDetected := sig.ListingScore > sig.DetailScore && !sig.DetailConfidence
	pt := PageTypeFromScores(sig.ListingScore, sig.DetailScore, sig.DetailConfidence)
	exploreMode := GoalIsFindOnly(st.Goal) || st.TaskMode == ModeFind

	errorContext := st.LastErrorContext
	hasError := errorContext != ""

	// Screenshot only when the mapping is small enough that pixels add
	// information, or when recovering from an error.
	includeScreenshot := len(obs.Mapping) <= maxInt(10, e.cfg.MappingLimit/2) || hasError
	if includeScreenshot && obs.Screenshot == "" {
		if fresh, err := e.env.Sense(ctx, SenseOptions{
			MaxElements: len(obs.Mapping),
			Viewports:   e.cfg.PagedScanViewports,
			Screenshot:  true,
			Label:       st.StepID() + "-shot",
		}); err == nil && fresh != nil {
			obs = fresh
			st.Observation = obs
		}
	}

	progressParts := []string{
		fmt.Sprintf("keywords=%v", e.cfg.ProgressKeywords),
		fmt.Sprintf("listing_detected=%t", listingDetected),
	}

	searchNoChange := false
	change := st.LastStateChange
	changeHint := fmt.Sprintf("url=%s; url_changed=%v dom_changed=%v", obs.URL, change != nil && change.URLChanged, change != nil && change.DOMChanged)
	if lastAction.Type == ActionSearch && change != nil && !change.URLChanged && !change.DOMChanged {
		searchNoChange = true
		progressParts = append(progressParts, "search_no_change=true")
	}

	avoidActions := append([]ActionType(nil), st.AvoidActions...)
	if st.LoopSignature != nil && st.LoopSignature.Action == ActionSearch && st.RepeatCount >= 1 {
		avoidActions = append(avoidActions, ActionSearch)
		progressParts = append(progressParts, "avoid_search_due_to_loop=true")
	}
	if st.LastActionNoOp {
		progressParts = append(progressParts, "last_action_no_effect=true")
	}

	searchControls := findSearchControls(obs)
	if listingDetected && len(searchControls) > 0 {
		avoidActions = append(avoidActions, ActionNavigate)
		progressParts = append(progressParts, fmt.Sprintf("search_available=%v", searchControls))
	}

	var actionLines []string
	hist := st.ActionHistory
	if len(hist) > 5 {
		hist = hist[len(hist)-5:]
	}
	for _, h := range hist {
		actionLines = append(actionLines, fmt.Sprintf("%s el=%d url_changed=%t dom_changed=%t", h.Action, h.ElementID, h.URLChanged, h.DOMChanged))
	}
	actionsContext := strings.Join(actionLines, "; ")
	if actionsContext == "" {
		actionsContext = "none"
	}
	actionsContext += fmt.Sprintf("; loop_trigger=%t auto_scrolls_used=%d avoid=%v max_attempts_per_element=%d; fail_counts=%v",
		st.LoopTrigger, st.AutoScrollsUsed, st.AvoidList(), e.cfg.MaxAttemptsPerElement, st.ExecFailCounts)

	// Dynamic mapping limit: long goals and error recovery earn more
	// elements, capped hard.
	dynamicLimit := e.cfg.MappingLimit
	if len(st.Goal) > 120 {
		dynamicLimit += 10
	}
	if hasError {
		dynamicLimit += e.cfg.LoopRetryMappingBoost
	}
	mappingLimit := minInt(150, dynamicLimit)

	allowed, allowedMeta := allowedActionsFor(st.GoalStage)
	allowedAll := append(append([]ActionType(nil), allowed...), allowedMeta...)
	progressParts = append(progressParts, fmt.Sprintf("allowed_actions=%v", allowed))
	progressContext := strings.Join(progressParts, "; ")

	if commit := PickCommittedAction(st.Candidates, obs, st.VisitedElements); commit != nil {
		e.log.Info("plan: commit shortcut",
			zap.String("session_id", st.SessionID),
			zap.Int("element_id", commit.ElementRef()),
			zap.String("reason", commit.Reason))
		st.PlannerResult = &PlannerResult{Action: *commit, Committed: true}
		return st, nil
	}

	errCtxForOracle := errorContext
	if errCtxForOracle == "" {
		errCtxForOracle = "none"
	}
	req := PlanRequest{
		Goal:              st.Goal,
		Observation:       obs,
		Recent:            st.Recent,
		MappingLimit:      mappingLimit,
		IncludeScreenshot: includeScreenshot,
		MaxRetries:        2,
		StepID:            st.StepID(),
		AllowedActions:    allowed,
		AvoidElements:     st.AvoidList(),
		AvoidActions:      avoidActions,
		CandidateElements: st.Candidates,
		SearchControls:    searchControls,
		ErrorContext:      errCtxForOracle,
		ProgressContext:   progressContext,
		ActionsContext:    actionsContext,
		StateChangeHint:   changeHint,
		PageType:          pt,
		TaskMode:          st.TaskMode,
		ExploreMode:       exploreMode,
		ListingDetected:   listingDetected,
		SearchNoChange:    searchNoChange,
		LoopFlag:          st.LoopTrigger,
		LoopExhausted:     st.LoopTrigger && st.AutoScrollsUsed >= e.cfg.MaxAutoScrolls,
	}

	result, err := planWithDeadline(ctx, e.planner, req, e.cfg.PlannerTimeout)
	if err != nil {
		if errors.Is(err, ErrOracleTimeout) {
			e.log.Warn("planner timeout", zap.String("session_id", st.SessionID), zap.Int("step", st.Step))
			st = e.recordPlannerFailure(st, StopPlannerTimeout, fmt.Sprintf("step=%d", st.Step), "planner timeout")
			return st, nil
		}
		e.log.Warn("planner error", zap.String("session_id", st.SessionID), zap.Error(err))
		st = e.recordPlannerFailure(st, StopPlannerError, err.Error(), err.Error())
		return st, nil
	}

	st.PlannerCalls += 1 + result.RetriesUsed
	if !containsAction(allowedAll, result.Action.Type) {
		st.Stop(StopPlannerDisallowed, fmt.Sprintf("action=%s; allowed=%v", result.Action.Type, allowedAll))
		e.trace.Write(Record{
			Node: nodePlanner, Step: st.Step, SessionID: st.SessionID,
			StopReason: st.StopReason, StopDetails: st.StopDetails, Timestamp: time.Now().UTC(),
		})
		return st, nil
	}

	intent := fmt.Sprintf("step=%d intent: %s el=%d val=%s reason=%s stage=%s",
		st.Step, result.Action.Type, result.Action.ElementRef(), result.Action.Value,
		orDefault(result.Action.Reason, "planner_decision"), st.GoalStage)
	history := append(append([]IntentEntry(nil), st.IntentHistory...), IntentEntry{
		Step:      st.Step,
		Action:    result.Action.Type,
		ElementID: result.Action.ElementRef(),
		Value:     result.Action.Value,
		Reason:    result.Action.Reason,
		Stage:     st.GoalStage,
		Timestamp: time.Now().UTC(),
	})
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	e.log.Info("plan", zap.String("session_id", st.SessionID), zap.String("intent", intent))

	st.PlannerResult = &result
	st.IntentText = intent
	st.IntentHistory = history
	return st, nil
}

// planWithDeadline races the oracle call against the configured timeout. On
// timeout the in-flight call is abandoned; its late result is discarded via
// the buffered channel, never reused.
func planWithDeadline(ctx context.Context, p Planner, req PlanRequest, timeout time.Duration) (PlannerResult, error) {
	type outcome struct {
		result PlannerResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := p.Plan(ctx, req)
		ch <- outcome{res, err}
	}()
	select {
	case out := <-ch:
		if out.err != nil {
			return PlannerResult{}, fmt.Errorf("%w: %s", ErrOracleError, out.err)
		}
		return out.result, nil
	case <-time.After(timeout):
		return PlannerResult{}, ErrOracleTimeout
	case <-ctx.Done():
		return PlannerResult{}, fmt.Errorf("%w: %s", ErrOracleError, ctx.Err())
	}
}

func (e *Engine) recordPlannerFailure(st State, reason StopReason, details, execErr string) State {
	st.Stop(reason, details)
	rec := Record{
		Step:         st.Step,
		SessionID:    st.SessionID,
		StepID:       st.StepID(),
		Node:         nodePlanner,
		ExecuteError: execErr,
		LoopTrigger:  st.LoopTrigger,
		StopReason:   reason,
		StopDetails:  details,
		Timestamp:    time.Now().UTC(),
	}
	if st.LoopSignature != nil {
		rec.LoopSignature = st.LoopSignature.String()
	}
	rec.AttemptsPerElement = st.ExecFailCounts
	st.Records = append(append([]Record(nil), st.Records...), rec)
	e.trace.Write(rec)
	return st
}

// findSearchControls returns element ids of inputs that look like search
// fields, judged by role, tag and any "search" marker in the visible text or
// attributes.
func findSearchControls(obs *Observation) []int {
	var out []int
	for _, m := range obs.Mapping {
		role := strings.ToLower(m.Role)
		tag := strings.ToLower(m.Tag)
		if role != "searchbox" && tag != "input" && tag != "textarea" {
			continue
		}
		blob := strings.ToLower(m.Text + " " + m.AttrName + " " + m.AttrID + " " + m.AriaLabel)
		if strings.Contains(blob, "search") {
			out = append(out, m.ID)
		}
	}
	return out
}

func containsAction(list []ActionType, a ActionType) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
