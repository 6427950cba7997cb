// File: internal/agent/node_goal.go
package agent

import (
	"context"
	"fmt"
	"strings"
)

// goalVerdict is the outcome of one goal-checker evaluation.
type goalVerdict struct {
	Stage            GoalStage
	Fulfilled        bool
	ArtifactDetected bool
	ArtifactType     string
	Evidence         []string
	Failed           bool
	FailReason       string
}

// checkGoal promotes the stage from page evidence, detects whether an
// artifact of the goal's kind is on screen, and decides fulfillment and
// failure. Promotion is monotone; action-kind artifacts never fulfill here
// because clicking is still required.
func (e *Engine) checkGoal(st *State, obs *Observation, tokens []string, pt PageType, listingScore, detailScore int) goalVerdict {
	v := goalVerdict{Stage: st.GoalStage, ArtifactType: "none"}

	urlTitle := strings.ToLower(obs.URL + " " + obs.Title)
	goalHit := false
	for _, tok := range tokens {
		if tok != "" && strings.Contains(urlTitle, tok) {
			goalHit = true
			break
		}
	}
	mappingHits := mappingGoalHits(obs, tokens)

	if goalHit || mappingHits > 0 {
		v.Stage = Promote(v.Stage, StageContext)
	}
	if pt == PageListing && mappingHits > 0 {
		v.Stage = Promote(v.Stage, StageLocate)
	}
	if pt == PageDetail && goalHit {
		v.Stage = Promote(v.Stage, StageVerify)
	}

	switch st.GoalKind {
	case GoalObject:
		detailURLHit := strings.Contains(obs.URL, "/vault/") || lastPathSegmentHasDigit(obs.URL)
		switch {
		case detailURLHit && goalHit:
			v.ArtifactDetected = true
			v.ArtifactType = "detail"
			v.Evidence = append(v.Evidence, "object_detail_url")
			v.Stage = Promote(v.Stage, StageVerify)
		case (pt == PageDetail && goalHit) ||
			(goalHit && mappingHits >= 1 && len(obs.Mapping) <= 15):
			v.ArtifactDetected = true
			v.ArtifactType = "detail"
			v.Evidence = append(v.Evidence, "object_detail")
		}
	case GoalList:
		if pt == PageListing && mappingHits >= 1 && listingScore > detailScore {
			v.ArtifactDetected = true
			v.ArtifactType = "list"
			v.Evidence = append(v.Evidence, "list_results")
		}
	case GoalAction:
		if goalHit && mappingHits >= 1 {
			v.ArtifactDetected = true
			v.ArtifactType = "action"
			v.Evidence = append(v.Evidence, "action_context")
		}
	}

	if st.GoalKind == GoalList {
		v.Fulfilled = v.ArtifactDetected && (v.Stage == StageVerify || v.Stage == StageLocate)
	} else {
		v.Fulfilled = v.ArtifactDetected && v.Stage == StageVerify
	}
	if st.GoalKind == GoalAction {
		// An action goal still needs the click to happen; the artifact only
		// means we are in the right place.
		v.Fulfilled = false
	}

	if !v.ArtifactDetected && st.NoProgressSteps >= e.cfg.MaxNoProgressSteps &&
		(v.Stage == StageOrient || v.Stage == StageContext) {
		v.Failed = true
		v.FailReason = fmt.Sprintf("insufficient_knowledge:no_progress_steps=%d", st.NoProgressSteps)
	}
	if !v.ArtifactDetected && st.PlannerCalls >= e.cfg.MaxPlannerCalls {
		v.Failed = true
		v.FailReason = fmt.Sprintf("llm_budget_exhausted:planner_calls=%d", st.PlannerCalls)
	}
	return v
}

// goalCheck evaluates termination before planning: budget, fulfillment,
// hard failure, and the composite no-progress (loop-stuck) predicate.
func (e *Engine) goalCheck(_ context.Context, st State) (State, error) {
	obs := st.Observation
	if obs == nil {
		return st, nil
	}

	if st.Step >= e.cfg.MaxSteps {
		st.Stop(StopBudgetExhausted, fmt.Sprintf("max_steps=%d", e.cfg.MaxSteps))
		return st, nil
	}

	lastAction := st.lastAction()
	sig := ProgressScore(st.Goal, st.PrevObservation, obs, lastAction, e.keywords)
	pt := PageTypeFromScores(sig.ListingScore, sig.DetailScore, sig.DetailConfidence)
	tokens := GoalTokens(st.Goal)
	v := e.checkGoal(&st, obs, tokens, pt, sig.ListingScore, sig.DetailScore)

	// Stage refuses to advance while the oracle and step budgets are half
	// spent: the session does not understand the page well enough.
	stageNotAdvanced := !v.ArtifactDetected &&
		(v.Stage == StageOrient || v.Stage == StageContext) &&
		st.PlannerCalls >= maxInt(2, e.cfg.MaxPlannerCalls/2) &&
		st.Step >= maxInt(3, e.cfg.MaxSteps/2)
	if stageNotAdvanced && !v.Failed {
		v.Failed = true
		v.FailReason = fmt.Sprintf("insufficient_knowledge:stage_not_advanced stage=%s planner_calls=%d step=%d",
			v.Stage, st.PlannerCalls, st.Step)
	}

	urlSame := st.PrevObservation != nil && st.PrevObservation.URL == obs.URL
	domSame := st.PrevObservation != nil && MappingHashOf(st.PrevObservation) == MappingHashOf(obs)
	candidatesSame := st.PrevCandHash != "" && st.PrevCandHash == st.CandidateHash
	worldFrozen := urlSame && domSame && candidatesSame
	noProgressBudget := st.NoProgressSteps >= e.cfg.MaxNoProgressSteps
	countersExhausted := st.RepeatCount >= e.cfg.LoopRepeatThreshold &&
		st.StagnationCount >= e.cfg.StagnationThreshold &&
		st.AutoScrollsUsed >= e.cfg.MaxAutoScrolls
	noProgress := !v.ArtifactDetected &&
		((worldFrozen && noProgressBudget) ||
			(worldFrozen && countersExhausted) ||
			(noProgressBudget && countersExhausted))

	st.GoalStage = v.Stage
	st.ArtifactDetected = v.ArtifactDetected
	st.ArtifactType = v.ArtifactType
	st.PageType = pt

	switch {
	case v.Fulfilled && st.GoalKind != GoalAction:
		details := v.ArtifactType
		if len(v.Evidence) > 0 {
			details = strings.Join(v.Evidence, ";")
		}
		st.Stop(StopGoalSatisfied, details)
	case v.Failed:
		st.Stop(StopGoalFailed, v.FailReason)
	case noProgress:
		st.Stop(StopLoopStuck, fmt.Sprintf("repeat=%d; stagnation=%d; auto_scrolls=%d; world_frozen=%t",
			st.RepeatCount, st.StagnationCount, st.AutoScrollsUsed, worldFrozen))
	}
	return st, nil
}

// lastAction returns the most recent planned or executed action, or the zero
// action on the first pass.
func (s *State) lastAction() Action {
	if s.PlannerResult != nil {
		return s.PlannerResult.Action
	}
	if n := len(s.ActionHistory); n > 0 {
		h := s.ActionHistory[n-1]
		a := Action{Type: h.Action}
		if h.ElementID >= 0 {
			id := h.ElementID
			a.ElementID = &id
		}
		return a
	}
	return Action{}
}

func lastPathSegmentHasDigit(url string) bool {
	seg := url
	if i := strings.LastIndex(url, "/"); i >= 0 {
		seg = url[i+1:]
	}
	for _, r := range seg {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
