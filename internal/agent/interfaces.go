// File: internal/agent/interfaces.go
package agent

import (
	"context"
)

// SenseOptions tunes one sense pass over the environment.
type SenseOptions struct {
	MaxElements int    // 0 means the environment's configured mapping limit
	Viewports   int    // how many viewport heights to consider visible
	Screenshot  bool   // capture a screenshot reference alongside the marks
	Label       string // correlates persisted artifacts with the step
}

// Environment is the interactive-surface boundary. One live environment
// handle is exclusively owned by a single in-flight session; no method is
// called concurrently with another.
//
// Sense fails with ErrEnvironmentUnavailable when the underlying surface is
// gone; callers re-acquire and retry once. The element-targeted operations
// fail with ErrElementNotFound when the id cannot be resolved live.
type Environment interface {
	Sense(ctx context.Context, opts SenseOptions) (*Observation, error)

	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, elementID int) error
	// TypeText fills the control and, when submit is set, presses Enter
	// afterwards.
	TypeText(ctx context.Context, elementID int, text string, submit bool) error
	// Search types a query into the given control, or into an address/search
	// bar heuristic when elementID is nil.
	Search(ctx context.Context, elementID *int, query string) error
	Scroll(ctx context.Context, deltaY int) error
	// ScrollIntoView brings an element into the viewport without
	// interacting with it.
	ScrollIntoView(ctx context.Context, elementID int) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Screenshot(ctx context.Context, label string) (string, error)

	// DispatchClick fires a DOM click event directly, bypassing pointer
	// simulation. Fallback path only.
	DispatchClick(ctx context.Context, elementID int) error
	// ClickByText clicks the first element whose visible text contains the
	// given string. Last-resort fallback when ids have gone stale.
	ClickByText(ctx context.Context, text string) error

	ListSurfaces(ctx context.Context) ([]TabInfo, error)
	SwitchSurface(ctx context.Context, hint string) error
	ActiveSurfaceID() string
}

// PlanRequest carries everything the oracle needs to decide the next action.
// The context hints are plain strings by design: they are prompt material,
// not structured state.
type PlanRequest struct {
	Goal              string
	Observation       *Observation
	Recent            []*Observation
	MappingLimit      int
	IncludeScreenshot bool
	MaxRetries        int
	StepID            string

	AllowedActions    []ActionType
	AvoidElements     []string
	AvoidActions      []ActionType
	CandidateElements []Candidate
	SearchControls    []int

	ErrorContext    string
	ProgressContext string
	ActionsContext  string
	StateChangeHint string

	PageType        PageType
	TaskMode        TaskMode
	ExploreMode     bool
	ListingDetected bool
	SearchNoChange  bool
	LoopFlag        bool
	LoopExhausted   bool
}

// Planner is the decision-oracle boundary. Plan must return an action from
// the fixed vocabulary; malformed responses surface as ErrMalformedAction
// (wrapped in ErrOracleError), never as a silently coerced action.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlannerResult, error)
}

// CompletionQuery is what the ask_user boundary shows when the agent thinks
// the goal may be done.
type CompletionQuery struct {
	Goal     string
	URL      string
	Title    string
	Reason   StopReason
	Details  string
	Evidence []string
}

// Confirmer resolves the two human-in-the-loop decision points. A
// non-interactive implementation declines everything deterministically.
type Confirmer interface {
	// ConfirmAction gates a security-flagged action. False terminates the
	// session with rejected_by_user.
	ConfirmAction(action Action, reason string) bool
	// ConfirmCompletion resolves an ask-user stop: true finishes the
	// session as user-confirmed, false resumes the loop.
	ConfirmCompletion(q CompletionQuery) bool
	// Interactive reports whether prompting is possible at all. When false
	// the ask_user node auto-resolves as a failure-class stop.
	Interactive() bool
}

// TraceSink receives structured per-step records. Implementations are
// infallible by contract: they buffer, count their own errors, and never
// return one, so node call sites need no per-write error handling.
type TraceSink interface {
	Write(rec Record)
}

// NopTrace discards all records.
type NopTrace struct{}

func (NopTrace) Write(Record) {}
