// File: internal/agent/graph.go
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config carries every tunable the control loop consults. Defaults live in
// the config package; the zero value here is not runnable.
type Config struct {
	MappingLimit          int
	MaxSteps              int
	PlannerTimeout        time.Duration
	ExecuteTimeout        time.Duration
	AutoConfirm           bool
	Interactive           bool
	LoopRepeatThreshold   int
	StagnationThreshold   int
	MaxAutoScrolls        int
	LoopRetryMappingBoost int
	ProgressKeywords      []string
	AutoDoneMode          string // "auto" or "ask"
	AutoDoneThreshold     int
	AutoDoneRequireURL    bool
	PagedScanSteps        int
	PagedScanViewports    int
	TypeSubmitFallback    bool
	ConservativeObserve   bool
	MaxReobserveAttempts  int
	MaxAttemptsPerElement int
	ScrollStep            int
	MaxPlannerCalls       int
	MaxNoProgressSteps    int
	SensitivePaths        string
	RiskyDomains          string
}

// Node names of the control graph.
const (
	nodeObserve        = "observe"
	nodeLoopMitigation = "loop_mitigation"
	nodeGoalCheck      = "goal_check"
	nodePlanner        = "planner"
	nodeSafety         = "safety"
	nodeConfirm        = "confirm"
	nodeExecute        = "execute"
	nodeProgress       = "progress"
	nodeAskUser        = "ask_user"
	nodeErrorRetry     = "error_retry"
	nodeEnd            = "end"
)

// Engine owns one session's collaborators and interprets the transition
// table. It is not safe for concurrent Run calls on the same Environment.
type Engine struct {
	env       Environment
	planner   Planner
	confirmer Confirmer
	policy    *SecurityPolicy
	executor  *Executor
	trace     TraceSink
	log       *zap.Logger
	cfg       Config

	keywords []string // lowercased progress keywords
}

// NewEngine wires an Engine. Nil trace and logger degrade to no-ops.
func NewEngine(env Environment, planner Planner, confirmer Confirmer, trace TraceSink, log *zap.Logger, cfg Config) *Engine {
	if trace == nil {
		trace = NopTrace{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	kws := make([]string, 0, len(cfg.ProgressKeywords))
	for _, kw := range cfg.ProgressKeywords {
		kws = append(kws, strings.ToLower(kw))
	}
	return &Engine{
		env:       env,
		planner:   planner,
		confirmer: confirmer,
		policy:    NewSecurityPolicy(cfg.SensitivePaths, cfg.RiskyDomains),
		executor: NewExecutor(env, trace, log.Named("executor"), ExecutorConfig{
			ScrollStep:           cfg.ScrollStep,
			SubmitAfterType:      cfg.TypeSubmitFallback,
			MaxReobserveAttempts: cfg.MaxReobserveAttempts,
			MappingLimit:         cfg.MappingLimit,
		}),
		trace:    trace,
		log:      log.Named("graph"),
		cfg:      cfg,
		keywords: kws,
	}
}

type nodeFunc func(ctx context.Context, st State) (State, error)

func (e *Engine) nodes() map[string]nodeFunc {
	return map[string]nodeFunc{
		nodeObserve:        e.observe,
		nodeLoopMitigation: e.loopMitigation,
		nodeGoalCheck:      e.goalCheck,
		nodePlanner:        e.plan,
		nodeSafety:         e.safety,
		nodeConfirm:        e.confirm,
		nodeExecute:        e.execute,
		nodeProgress:       e.progress,
		nodeAskUser:        e.askUser,
		nodeErrorRetry:     e.errorRetry,
	}
}

// next implements the transition table. It is a pure function of the current
// node name and the state the node returned.
func next(node string, st State) string {
	switch node {
	case nodeObserve:
		if st.Stopped() {
			return nodeEnd
		}
		if st.LoopTrigger {
			return nodeLoopMitigation
		}
		return nodeGoalCheck
	case nodeLoopMitigation:
		return nodePlanner
	case nodeGoalCheck:
		if st.Stopped() {
			return nodeEnd
		}
		return nodePlanner
	case nodePlanner:
		switch st.StopReason {
		case StopPlannerError, StopPlannerTimeout, StopPlannerDisallowed:
			return nodeErrorRetry
		case "":
			return nodeSafety
		}
		return nodeEnd
	case nodeSafety:
		if st.SecurityDecision != nil && st.SecurityDecision.RequiresConfirmation {
			return nodeConfirm
		}
		return nodeExecute
	case nodeConfirm:
		if st.Stopped() {
			return nodeEnd
		}
		return nodeExecute
	case nodeExecute:
		switch st.StopReason {
		case StopExecuteTimeout, StopExecuteError:
			return nodeErrorRetry
		case "":
			return nodeProgress
		}
		return nodeEnd
	case nodeProgress:
		if st.StopReason == StopProgressAskUser {
			return nodeAskUser
		}
		if st.Stopped() {
			return nodeEnd
		}
		return nodeObserve
	case nodeErrorRetry:
		if st.Stopped() {
			return nodeEnd
		}
		return nodeObserve
	case nodeAskUser:
		if st.Stopped() {
			return nodeEnd
		}
		return nodeObserve
	}
	return nodeEnd
}

// Run drives one session to a terminal state. The ceiling bounds total node
// executions so a cycle in the table can never spin forever.
func (e *Engine) Run(ctx context.Context, sessionID, goal string) (Result, error) {
	st := NewState(sessionID, goal)
	nodes := e.nodes()
	ceiling := maxInt(e.cfg.MaxSteps+20, 50)

	node := nodeObserve
	for i := 0; i < ceiling && node != nodeEnd; i++ {
		fn := nodes[node]
		var err error
		st, err = fn(ctx, st)
		if err != nil {
			return e.finish(st), fmt.Errorf("node %s: %w", node, err)
		}
		node = next(node, st)
	}
	if node != nodeEnd && !st.Stopped() {
		st.Stop(StopBudgetExhausted, fmt.Sprintf("node_ceiling=%d", ceiling))
	}
	return e.finish(st), nil
}

// finish normalizes the terminal state into a Result, emits the summary
// record, and writes the final human-readable log line.
func (e *Engine) finish(st State) Result {
	if !st.Stopped() {
		st.Stop(StopGoalFailed, "no_stop_condition_reached")
	}
	if st.TerminalReason == "" {
		st.TerminalReason, st.TerminalType = TerminalFor(st.StopReason)
	}

	finalURL := ""
	if st.Observation != nil {
		finalURL = st.Observation.URL
	}
	res := Result{
		SessionID:      st.SessionID,
		Goal:           st.Goal,
		StopReason:     st.StopReason,
		StopDetails:    st.StopDetails,
		TerminalReason: st.TerminalReason,
		TerminalType:   st.TerminalType,
		GoalStage:      st.GoalStage,
		ArtifactType:   st.ArtifactType,
		FinalURL:       finalURL,
		Steps:          st.Step,
		PlannerCalls:   st.PlannerCalls,
		ProgressScore:  st.LastProgressScore,
		Evidence:       st.LastEvidence,
		Records:        st.Records,
	}
	e.trace.Write(Record{
		Summary:     true,
		SessionID:   st.SessionID,
		Step:        st.Step,
		StopReason:  st.StopReason,
		StopDetails: st.StopDetails,
		Timestamp:   time.Now().UTC(),
	})
	e.log.Info("session finished",
		zap.String("session_id", st.SessionID),
		zap.String("stop_reason", string(st.StopReason)),
		zap.String("terminal_type", string(st.TerminalType)),
		zap.String("stage", string(st.GoalStage)),
		zap.String("details", st.StopDetails),
		zap.String("url", finalURL),
		zap.Int("progress", st.LastProgressScore),
		zap.Strings("evidence", st.LastEvidence))
	return res
}
