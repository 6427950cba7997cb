// File: internal/agent/node_progress.go
package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// progress evaluates the heuristic score after an execution, decides
// auto-done or ask-user stops, and advances the repeat/no-progress counters
// and the step number.
func (e *Engine) progress(_ context.Context, st State) (State, error) {
	obs := st.Observation
	if obs == nil {
		return st, nil
	}
	action := Action{}
	if st.PlannerResult != nil {
		action = st.PlannerResult.Action
	}

	sig := ProgressScore(st.Goal, st.PrevObservation, obs, action, e.keywords)
	stateChanged := sig.URLChanged ||
		(st.PrevObservation != nil && MappingHashOf(st.PrevObservation) != MappingHashOf(obs))
	pt := PageTypeFromScores(sig.ListingScore, sig.DetailScore, sig.DetailConfidence)
	e.log.Debug("progress",
		zap.String("session_id", st.SessionID),
		zap.Int("score", sig.Score),
		zap.Strings("evidence", sig.Evidence),
		zap.Bool("url_changed", sig.URLChanged),
		zap.Bool("detail_confidence", sig.DetailConfidence),
		zap.Int("listing_score", sig.ListingScore),
		zap.Int("detail_score", sig.DetailScore))

	// A listing page without detail confidence only counts when the goal
	// barely matches a handful of elements.
	singleHit := sig.MappingGoalHitCount >= 1 && sig.ListingScore <= 5
	listingVeto := pt == PageListing && !sig.DetailConfidence && !singleHit
	pastOrientation := st.GoalStage != StageOrient && st.GoalStage != StageContext

	if stateChanged && sig.Score >= maxInt(1, e.cfg.AutoDoneThreshold) && !listingVeto && pastOrientation {
		findOnly := GoalIsFindOnly(st.Goal)
		listLike := sig.ListingScore > sig.DetailScore && !sig.DetailConfidence

		if e.cfg.AutoDoneMode == "auto" && sig.DetailConfidence &&
			(!e.cfg.AutoDoneRequireURL || sig.URLChanged) {
			st.Stop(StopProgressAutoDone, fmt.Sprintf("%v", sig.Evidence))
			st = e.appendProgressRecord(st, ActionDone, StopProgressAutoDone, sig)
			return st, nil
		}
		if findOnly || listLike || (e.cfg.AutoDoneRequireURL && !sig.URLChanged) || !sig.DetailConfidence {
			// The heuristics are suggestive but not conclusive. Hand the
			// decision to the ask_user node.
			st.Stop(StopProgressAskUser, fmt.Sprintf("%v", sig.Evidence))
			st = e.appendProgressRecord(st, ActionAskUser, StopProgressAskUser, sig)
			st.LastProgressScore = sig.Score
			st.LastEvidence = sig.Evidence
			st.PageType = pt
			return st, nil
		}
	}

	if action.Type == ActionSwitchTab {
		// Tab switches never count toward loop signatures or no-progress.
		st.LastProgressScore = sig.Score
		st.LastEvidence = sig.Evidence
		st.PageType = pt
		st.Step++
		return st, nil
	}

	newSig := ActionSignature{Action: action.Type, ElementID: action.ElementRef(), URL: obs.URL}
	if st.LoopSignature != nil && *st.LoopSignature == newSig {
		st.RepeatCount++
	} else {
		st.RepeatCount = 0
	}
	st.LoopSignature = &newSig

	if stateChanged {
		st.NoProgressSteps = 0
		st.ProgressSteps++
	} else {
		st.NoProgressSteps++
	}
	st.LastProgressScore = sig.Score
	st.LastEvidence = sig.Evidence
	st.PageType = pt
	st.Step++
	return st, nil
}

func (e *Engine) appendProgressRecord(st State, metaAction ActionType, reason StopReason, sig ProgressSignals) State {
	action := Action{Type: metaAction}
	ok := true
	rec := Record{
		Step:           st.Step,
		SessionID:      st.SessionID,
		StepID:         st.SessionID + "-progress",
		Node:           nodeProgress,
		Action:         &action,
		ExecuteSuccess: &ok,
		LoopTrigger:    st.LoopTrigger,
		StopReason:     reason,
		StopDetails:    fmt.Sprintf("%v", sig.Evidence),
		Timestamp:      time.Now().UTC(),
	}
	if st.PlannerResult != nil {
		rec.PlannerRetries = st.PlannerResult.RetriesUsed
	}
	st.Records = append(append([]Record(nil), st.Records...), rec)
	e.trace.Write(rec)
	return st
}

// askUser resolves a progress_ask_user stop. Non-interactive sessions keep
// the stop as a failure-class terminal; interactive ones may finish as
// user-confirmed or clear the stop and resume.
func (e *Engine) askUser(_ context.Context, st State) (State, error) {
	url, title := "", ""
	if st.Observation != nil {
		url = st.Observation.URL
		title = st.Observation.Title
	}

	if !e.confirmer.Interactive() {
		e.trace.Write(Record{
			Step: st.Step, SessionID: st.SessionID, Node: nodeAskUser,
			Decision: "auto_stop", StopReason: st.StopReason, Timestamp: time.Now().UTC(),
		})
		return st, nil
	}

	confirmed := e.confirmer.ConfirmCompletion(CompletionQuery{
		Goal:     st.Goal,
		URL:      url,
		Title:    title,
		Reason:   st.StopReason,
		Details:  st.StopDetails,
		Evidence: st.LastEvidence,
	})
	if confirmed {
		st.Stop(StopUserConfirmDone, st.StopDetails)
		e.trace.Write(Record{
			Step: st.Step, SessionID: st.SessionID, Node: nodeAskUser,
			Decision: "confirm", StopReason: StopUserConfirmDone, Timestamp: time.Now().UTC(),
		})
		return st, nil
	}
	e.trace.Write(Record{
		Step: st.Step, SessionID: st.SessionID, Node: nodeAskUser,
		Decision: "continue", Timestamp: time.Now().UTC(),
	})
	st.StopReason = ""
	st.StopDetails = ""
	st.TerminalReason = ""
	st.TerminalType = ""
	return st, nil
}

// errorRetry clears a transient planner or execute failure exactly once per
// session; the second failure stands.
func (e *Engine) errorRetry(_ context.Context, st State) (State, error) {
	if st.ErrorRetries >= 1 {
		return st, nil
	}
	e.log.Info("retrying after error",
		zap.String("session_id", st.SessionID),
		zap.String("stop_reason", string(st.StopReason)))
	e.trace.Write(Record{
		Step: st.Step, SessionID: st.SessionID, Node: nodeErrorRetry,
		StopReason: st.StopReason, StopDetails: st.StopDetails, Timestamp: time.Now().UTC(),
	})
	st.LastErrorContext = string(st.StopReason)
	st.StopReason = ""
	st.StopDetails = ""
	st.TerminalReason = ""
	st.TerminalType = ""
	st.ErrorRetries++
	return st, nil
}
