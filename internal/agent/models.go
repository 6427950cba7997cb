// File: internal/agent/models.go
package agent

import (
	"time"
)

// ActionType enumerates every action the planner may choose. The set is
// closed: anything outside it is rejected as a malformed oracle response.
type ActionType string

const (
	ActionClick      ActionType = "click"
	ActionTypeText   ActionType = "type"
	ActionScroll     ActionType = "scroll"
	ActionScreenshot ActionType = "screenshot"
	ActionNavigate   ActionType = "navigate"
	ActionSearch     ActionType = "search"
	ActionGoBack     ActionType = "go_back"
	ActionGoForward  ActionType = "go_forward"
	ActionSwitchTab  ActionType = "switch_tab"
	ActionDone       ActionType = "done"
	ActionAskUser    ActionType = "ask_user"
)

// ValidActionTypes is the closed vocabulary used to validate oracle output.
var ValidActionTypes = map[ActionType]bool{
	ActionClick: true, ActionTypeText: true, ActionScroll: true,
	ActionScreenshot: true, ActionNavigate: true, ActionSearch: true,
	ActionGoBack: true, ActionGoForward: true, ActionSwitchTab: true,
	ActionDone: true, ActionAskUser: true,
}

// IsMeta reports whether t terminates the session rather than touching the
// environment.
func (t ActionType) IsMeta() bool { return t == ActionDone || t == ActionAskUser }

// IsNavigation reports whether t changes the browsing context by URL or
// history rather than by element interaction.
func (t ActionType) IsNavigation() bool {
	switch t {
	case ActionNavigate, ActionSearch, ActionGoBack, ActionGoForward:
		return true
	}
	return false
}

// Action is one concrete step chosen by the oracle (or synthesized by the
// commit shortcut). ElementID is nil unless the action targets an element of
// the observation it was chosen against.
type Action struct {
	Type                 ActionType `json:"action"`
	ElementID            *int       `json:"element_id"`
	Value                string     `json:"value,omitempty"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
	Reason               string     `json:"reason,omitempty"`
}

// ElementRef returns the target element id, or -1 when the action is not
// element-targeted.
func (a Action) ElementRef() int {
	if a.ElementID == nil {
		return -1
	}
	return *a.ElementID
}

// BoundingBox is the on-page rectangle of an element mark, in CSS pixels
// relative to the document origin.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns width*height in px^2.
func (b BoundingBox) Area() float64 { return b.Width * b.Height }

// ElementMark describes one interactive element found by the sense pass.
// The numeric ID is stamped onto the live DOM (data-wf-id) so actions can
// resolve it later.
type ElementMark struct {
	ID         int         `json:"id"`
	Tag        string      `json:"tag"`
	Text       string      `json:"text"`
	Role       string      `json:"role"`
	Zone       int         `json:"zone"`
	BBox       BoundingBox `json:"bbox"`
	IsFixed    bool        `json:"is_fixed"`
	IsNav      bool        `json:"is_nav"`
	IsDisabled bool        `json:"is_disabled"`
	AttrName   string      `json:"attr_name,omitempty"`
	AttrID     string      `json:"attr_id,omitempty"`
	AriaLabel  string      `json:"aria_label,omitempty"`
}

// TabInfo is a lightweight snapshot of one browser surface (tab).
type TabInfo struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Observation is an immutable snapshot of the environment at an instant.
// It is never mutated after capture; state slots only swap references.
type Observation struct {
	URL        string        `json:"url"`
	Title      string        `json:"title"`
	Mapping    []ElementMark `json:"mapping"`
	Screenshot string        `json:"screenshot,omitempty"` // file path reference
	RecordedAt time.Time     `json:"recorded_at"`
}

// Element returns the mark with the given id, or nil.
func (o *Observation) Element(id int) *ElementMark {
	if o == nil {
		return nil
	}
	for i := range o.Mapping {
		if o.Mapping[i].ID == id {
			return &o.Mapping[i]
		}
	}
	return nil
}

// SecurityDecision is the outcome of the security policy for one action.
// Derived per step, never persisted beyond it.
type SecurityDecision struct {
	RequiresConfirmation bool   `json:"requires_confirmation"`
	Reason               string `json:"reason,omitempty"`
}

// ExecutionResult reports one attempted execution, including fallback
// attempts. Every attempt is appended to the audit trail regardless of
// outcome.
type ExecutionResult struct {
	Success    bool      `json:"success"`
	Action     Action    `json:"action"`
	Error      string    `json:"error,omitempty"`
	Screenshot string    `json:"screenshot,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// PlannerResult wraps the action the oracle returned together with retry
// accounting.
type PlannerResult struct {
	Action      Action `json:"action"`
	RetriesUsed int    `json:"retries_used"`
	Committed   bool   `json:"committed"` // commit shortcut bypassed the oracle
}

// GoalKind classifies what shape of artifact satisfies the goal.
type GoalKind string

const (
	GoalObject GoalKind = "object"
	GoalList   GoalKind = "list"
	GoalAction GoalKind = "action"
)

// TaskMode is a coarse intent classification of the goal text.
type TaskMode string

const (
	ModeFind     TaskMode = "find"
	ModeAnswer   TaskMode = "answer"
	ModeDownload TaskMode = "download"
	ModeBrowse   TaskMode = "browse"
)

// GoalStage tracks how far the session has progressed toward the goal.
// Promotion is monotone: a stage is only accepted if it ranks above the
// current one.
type GoalStage string

const (
	StageOrient  GoalStage = "orient"
	StageContext GoalStage = "context"
	StageLocate  GoalStage = "locate"
	StageVerify  GoalStage = "verify"
	StageDone    GoalStage = "done"
)

var stageOrder = []GoalStage{StageOrient, StageContext, StageLocate, StageVerify, StageDone}

// Rank returns the ordinal of the stage; unknown stages rank lowest.
func (s GoalStage) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return 0
}

// Promote returns proposed if it strictly outranks current, else current.
func Promote(current, proposed GoalStage) GoalStage {
	if proposed.Rank() > current.Rank() {
		return proposed
	}
	return current
}

// PageType is the coarse shape classification of the current page.
type PageType string

const (
	PageDetail  PageType = "detail"
	PageListing PageType = "listing"
	PageUnknown PageType = "unknown"
)

// StopReason identifies why a session stopped. Once set the graph performs
// no further environment I/O.
type StopReason string

const (
	StopGoalSatisfied     StopReason = "goal_satisfied"
	StopGoalFailed        StopReason = "goal_failed"
	StopLoopStuck         StopReason = "loop_stuck"
	StopBudgetExhausted   StopReason = "budget_exhausted"
	StopProgressAutoDone  StopReason = "progress_auto_done"
	StopProgressAskUser   StopReason = "progress_ask_user"
	StopUserConfirmDone   StopReason = "user_confirm_done"
	StopMetaDone          StopReason = "meta_done"
	StopMetaAskUser       StopReason = "meta_ask_user"
	StopPlannerTimeout    StopReason = "planner_timeout"
	StopPlannerError      StopReason = "planner_error"
	StopPlannerDisallowed StopReason = "planner_disallowed_action"
	StopExecuteTimeout    StopReason = "execute_timeout"
	StopExecuteError      StopReason = "execute_error"
	StopRejectedByUser    StopReason = "rejected_by_user"
)

// TerminalType is the coarse outcome class of a finished session.
type TerminalType string

const (
	TerminalSuccess TerminalType = "success"
	TerminalFailure TerminalType = "failure"
	TerminalBudget  TerminalType = "budget"
)

// stopToTerminal maps every raw stop reason onto one of the four terminal
// reasons. loop_stuck keeps its own tag so operators can tell a designed
// non-progress stop from an ordinary failure.
var stopToTerminal = map[StopReason]StopReason{
	StopGoalSatisfied:     StopGoalSatisfied,
	StopProgressAutoDone:  StopGoalSatisfied,
	StopUserConfirmDone:   StopGoalSatisfied,
	StopMetaDone:          StopGoalSatisfied,
	StopProgressAskUser:   StopGoalFailed,
	StopMetaAskUser:       StopGoalFailed,
	StopPlannerTimeout:    StopGoalFailed,
	StopPlannerError:      StopGoalFailed,
	StopPlannerDisallowed: StopGoalFailed,
	StopExecuteTimeout:    StopGoalFailed,
	StopExecuteError:      StopGoalFailed,
	StopRejectedByUser:    StopGoalFailed,
	StopGoalFailed:        StopGoalFailed,
	StopLoopStuck:         StopLoopStuck,
	StopBudgetExhausted:   StopBudgetExhausted,
}

var terminalTypes = map[StopReason]TerminalType{
	StopGoalSatisfied:   TerminalSuccess,
	StopGoalFailed:      TerminalFailure,
	StopLoopStuck:       TerminalFailure,
	StopBudgetExhausted: TerminalBudget,
}

// TerminalFor resolves the coarse terminal reason and type for a stop reason.
func TerminalFor(stop StopReason) (StopReason, TerminalType) {
	reason, ok := stopToTerminal[stop]
	if !ok {
		reason = StopGoalFailed
	}
	typ, ok := terminalTypes[reason]
	if !ok {
		typ = TerminalFailure
	}
	return reason, typ
}
