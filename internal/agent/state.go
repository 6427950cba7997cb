// File: internal/agent/state.go
package agent

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ActionSignature identifies a repeated (action, element, url) triple for
// loop detection. Comparable so consecutive repeats are a simple equality
// check.
type ActionSignature struct {
	Action    ActionType `json:"action"`
	ElementID int        `json:"element_id"` // -1 when not element-targeted
	URL       string     `json:"url"`
}

func (s ActionSignature) String() string {
	return fmt.Sprintf("%s/%d@%s", s.Action, s.ElementID, s.URL)
}

// StateChange captures whether the last executed action moved the world.
type StateChange struct {
	URLChanged bool `json:"url_changed"`
	DOMChanged bool `json:"dom_changed"`
}

// HistoryEntry is one line of the bounded trailing action log.
type HistoryEntry struct {
	Action     ActionType `json:"action"`
	ElementID  int        `json:"element_id"`
	URL        string     `json:"url"`
	URLChanged bool       `json:"url_changed"`
	DOMChanged bool       `json:"dom_changed"`
}

// IntentEntry records what the planner meant to do at a step.
type IntentEntry struct {
	Step      int        `json:"step"`
	Action    ActionType `json:"action"`
	ElementID int        `json:"element_id"`
	Value     string     `json:"value,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Stage     GoalStage  `json:"stage"`
	Timestamp time.Time  `json:"timestamp"`
}

// TabEvent notes a change in the set of browser surfaces.
type TabEvent struct {
	Type   string     `json:"type"` // "new_tab"
	Tabs   []TabInfo  `json:"tabs,omitempty"`
	Action ActionType `json:"action,omitempty"`
	Value  string     `json:"value,omitempty"`
}

// ContextEvent notes a browsing-context transition (redirect, navigation,
// history move, tab switch).
type ContextEvent struct {
	Reason     string     `json:"reason"`
	BeforeURL  string     `json:"before_url"`
	AfterURL   string     `json:"after_url"`
	URLChanged bool       `json:"url_changed"`
	DOMChanged bool       `json:"dom_changed"`
	Action     ActionType `json:"action"`
	Value      string     `json:"value,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Record is one append-only audit entry, written at every node decision
// point. It is the canonical per-step output of a session.
type Record struct {
	Step      int       `json:"step"`
	SessionID string    `json:"session_id"`
	StepID    string    `json:"step_id,omitempty"`
	Node      string    `json:"node,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Action         *Action `json:"action,omitempty"`
	PlannerRetries int     `json:"planner_retries"`

	SecurityRequiresConfirmation bool   `json:"security_requires_confirmation"`
	SecurityReason               string `json:"security_reason,omitempty"`

	ExecuteSuccess *bool  `json:"execute_success,omitempty"`
	ExecuteError   string `json:"execute_error,omitempty"`

	StopReason  StopReason `json:"stop_reason,omitempty"`
	StopDetails string     `json:"stop_details,omitempty"`

	LoopTrigger   bool   `json:"loop_trigger,omitempty"`
	LoopSignature string `json:"loop_signature,omitempty"`
	MappingHash   string `json:"mapping_hash,omitempty"`
	CandidateHash string `json:"candidate_hash,omitempty"`
	URLChanged    bool   `json:"url_changed,omitempty"`
	DOMChanged    bool   `json:"dom_changed,omitempty"`

	AttemptsPerElement map[string]int `json:"attempts_per_element,omitempty"`
	AvoidElements      []string       `json:"avoid_elements,omitempty"`

	Tabs        []TabInfo `json:"tabs,omitempty"`
	ActiveTabID string    `json:"active_tab_id,omitempty"`
	Intent      string    `json:"intent,omitempty"`
	Decision    string    `json:"decision,omitempty"` // ask_user outcome
	Summary     bool      `json:"summary,omitempty"`  // terminal summary record
}

// State is the session record threaded through the graph. Nodes receive it
// by value and return a new value; maps and slices are replaced, never
// mutated in place, so the driver's single current-state variable is the
// only mutable cell.
type State struct {
	// Identity / goal.
	SessionID string
	Goal      string
	GoalKind  GoalKind
	TaskMode  TaskMode
	GoalStage GoalStage
	Step      int

	// Perception.
	Observation     *Observation
	PrevObservation *Observation
	Recent          []*Observation // bounded ring, max 3
	MappingHash     string
	CandidateHash   string
	PrevCandHash    string

	// Per-step working values.
	PlannerResult    *PlannerResult
	SecurityDecision *SecurityDecision
	ExecResult       *ExecutionResult

	// Termination control.
	StopReason     StopReason
	StopDetails    string
	TerminalReason StopReason
	TerminalType   TerminalType

	// Loop / stagnation counters.
	RepeatCount     int
	StagnationCount int
	AutoScrollsUsed int
	NoProgressSteps int
	ProgressSteps   int
	PlannerCalls    int
	ErrorRetries    int

	LoopTrigger       bool
	LoopSignature     *ActionSignature
	LoopMitigated     bool
	ConservativeProbe bool
	LastStateChange   *StateChange
	LastActionNoOp    bool
	LastErrorContext  string

	PageType          PageType
	ArtifactDetected  bool
	ArtifactType      string
	LastProgressScore int
	LastEvidence      []string

	// Memory.
	VisitedURLs     map[string]int
	VisitedElements map[string]int
	AvoidElements   map[string]bool // append-only per session
	AvoidActions    []ActionType
	ExecFailCounts  map[string]int
	ActionHistory   []HistoryEntry
	Candidates      []Candidate
	IntentText      string
	IntentHistory   []IntentEntry

	// Surfaces.
	Tabs          []TabInfo
	ActiveTabID   string
	TabEvents     []TabEvent
	ContextEvents []ContextEvent

	// Audit.
	Records []Record
}

// NewState builds the initial state for one goal. Step starts at 1 and only
// ever increases.
func NewState(sessionID, goal string) State {
	return State{
		SessionID:       sessionID,
		Goal:            goal,
		GoalKind:        ClassifyGoalKind(goal),
		TaskMode:        ClassifyTaskMode(goal),
		GoalStage:       StageOrient,
		Step:            1,
		VisitedURLs:     map[string]int{},
		VisitedElements: map[string]int{},
		AvoidElements:   map[string]bool{},
		ExecFailCounts:  map[string]int{},
	}
}

// Stopped reports whether the session has reached a terminal condition.
func (s *State) Stopped() bool { return s.StopReason != "" }

// Stop sets the terminal condition and its coarse classification in one
// place so the mapping can never drift.
func (s *State) Stop(reason StopReason, details string) {
	s.StopReason = reason
	s.StopDetails = details
	s.TerminalReason, s.TerminalType = TerminalFor(reason)
}

// StepID derives the step correlation label used across logs, traces and
// persisted artifacts.
func (s *State) StepID() string {
	return fmt.Sprintf("%s-step%d", s.SessionID, s.Step)
}

// AvoidList flattens the avoid set for prompt assembly and records.
func (s *State) AvoidList() []string {
	if len(s.AvoidElements) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.AvoidElements))
	for k := range s.AvoidElements {
		out = append(out, k)
	}
	return out
}

// Result is the normalized outcome of one finished session.
type Result struct {
	SessionID      string       `json:"session_id"`
	Goal           string       `json:"goal"`
	StopReason     StopReason   `json:"stop_reason"`
	StopDetails    string       `json:"stop_details,omitempty"`
	TerminalReason StopReason   `json:"terminal_reason"`
	TerminalType   TerminalType `json:"terminal_type"`
	GoalStage      GoalStage    `json:"goal_stage"`
	ArtifactType   string       `json:"artifact_type,omitempty"`
	FinalURL       string       `json:"final_url,omitempty"`
	Steps          int          `json:"steps"`
	PlannerCalls   int          `json:"planner_calls"`
	ProgressScore  int          `json:"progress_score"`
	Evidence       []string     `json:"evidence,omitempty"`
	Records        []Record     `json:"records"`
}

// MappingHashOf computes a content hash over the element mapping's identity
// fields (tag, text, role). Identical hashes across senses mean a stagnant
// DOM.
func MappingHashOf(obs *Observation) string {
	if obs == nil {
		return ""
	}
	h := blake3.New()
	for _, m := range obs.Mapping {
		h.Write([]byte(m.Tag))
		h.Write([]byte{0})
		h.Write([]byte(m.Text))
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0xff})
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// CandidateHashOf hashes the goal-relevant candidate shortlist for
// change detection between steps.
func CandidateHashOf(cands []Candidate) string {
	if len(cands) == 0 {
		return ""
	}
	h := blake3.New()
	for _, c := range cands {
		fmt.Fprintf(h, "%d\x00%s\x00%s\xff", c.ID, c.Text, c.Role)
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// -- copy-on-write helpers --

func cloneIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneBoolMap(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// appendRecent keeps the bounded recent-observation ring at 3 entries.
func appendRecent(recent []*Observation, obs *Observation) []*Observation {
	if obs == nil {
		return recent
	}
	out := append(append([]*Observation(nil), recent...), obs)
	if len(out) > 3 {
		out = out[len(out)-3:]
	}
	return out
}
