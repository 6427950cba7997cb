// File: internal/agent/node_safety.go
package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// safety runs the security policy over the planned action. It never stops
// the session itself; a flagged action is routed to confirm by the
// transition table.
func (e *Engine) safety(_ context.Context, st State) (State, error) {
	if st.Observation == nil || st.PlannerResult == nil {
		return st, errors.New("safety node missing observation or planner result")
	}
	decision := e.policy.Analyze(st.PlannerResult.Action, st.Observation)
	if decision.RequiresConfirmation {
		e.log.Info("safety: confirmation required",
			zap.String("session_id", st.SessionID),
			zap.String("action", string(st.PlannerResult.Action.Type)),
			zap.String("reason", decision.Reason))
	}
	st.SecurityDecision = &decision
	return st, nil
}

// confirm resolves a flagged action: auto-confirm passes it through, an
// interactive decline (or a non-interactive session) rejects it.
func (e *Engine) confirm(_ context.Context, st State) (State, error) {
	if st.SecurityDecision == nil || st.PlannerResult == nil {
		return st, errors.New("confirm node missing security decision or planner result")
	}
	if e.cfg.AutoConfirm {
		e.log.Warn("confirm: auto-confirm enabled, proceeding",
			zap.String("session_id", st.SessionID),
			zap.String("reason", st.SecurityDecision.Reason))
		return st, nil
	}
	if e.confirmer.ConfirmAction(st.PlannerResult.Action, st.SecurityDecision.Reason) {
		return st, nil
	}
	details := st.SecurityDecision.Reason
	if details == "" {
		details = "rejected"
	}
	st.Stop(StopRejectedByUser, details)
	return st, nil
}
