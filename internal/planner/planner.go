// File: internal/planner/planner.go

// Package planner implements the decision oracle over the Gemini API. It
// assembles the planning prompt from the current observation and session
// hints, validates the model's reply against a strict JSON schema, and
// converts it into a typed action.
package planner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wayfindlabs/wayfind/internal/agent"
	"github.com/wayfindlabs/wayfind/internal/config"
)

// browserActionSchema is the closed contract for oracle replies. Anything
// outside it is a malformed action, never coerced.
const browserActionSchema = `{
  "type": "object",
  "properties": {
    "tool": {"type": "string", "enum": ["browser_action"]},
    "action": {
      "type": "string",
      "enum": ["click", "type", "scroll", "screenshot", "navigate", "search",
               "go_back", "go_forward", "switch_tab", "done", "ask_user"]
    },
    "element_id": {"type": ["integer", "null"]},
    "value": {"type": ["string", "null"]},
    "requires_confirmation": {"type": "boolean"}
  },
  "required": ["tool", "action", "element_id", "value", "requires_confirmation"],
  "additionalProperties": false
}`

var actionSchema = jsonschema.MustCompileString("browser_action.json", browserActionSchema)

// rawAction mirrors the wire format of one oracle reply.
type rawAction struct {
	Tool                 string  `json:"tool"`
	Action               string  `json:"action"`
	ElementID            *int    `json:"element_id"`
	Value                *string `json:"value"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
}

// Planner is the Gemini-backed implementation of agent.Planner.
type Planner struct {
	client  *geminiClient
	limiter *rate.Limiter
	logger  *zap.Logger
	cfg     config.OracleConfig
	rawDir  string // empty disables raw response persistence
}

// New builds a Planner from configuration. The API key is read from the
// configured environment variable.
func New(cfg config.OracleConfig, stateDir string, logger *zap.Logger) (*Planner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := newGeminiClient(cfg, os.Getenv(cfg.APIKeyEnv), logger)
	if err != nil {
		return nil, err
	}
	rawDir := ""
	if cfg.RawLogs {
		rawDir = stateDir
	}
	return &Planner{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:  logger.Named("planner"),
		cfg:     cfg,
		rawDir:  rawDir,
	}, nil
}

// Plan asks the oracle for the next action, retrying malformed or
// rate-limited replies up to req.MaxRetries times.
func (p *Planner) Plan(ctx context.Context, req agent.PlanRequest) (agent.PlannerResult, error) {
	var lastErr error
	retries := 0
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return agent.PlannerResult{}, fmt.Errorf("rate limiter: %w", err)
		}
		action, raw, err := p.planOnce(ctx, req)
		if err == nil {
			if p.rawDir != "" {
				p.saveRaw(raw, req.StepID)
			}
			return agent.PlannerResult{Action: action, RetriesUsed: retries}, nil
		}
		lastErr = err
		retries = attempt
		if strings.Contains(strings.ToLower(err.Error()), "rate limit") && attempt < req.MaxRetries {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return agent.PlannerResult{}, ctx.Err()
			}
		}
		p.logger.Warn("plan attempt failed",
			zap.Int("attempt", attempt),
			zap.String("step_id", req.StepID),
			zap.Error(err))
	}
	return agent.PlannerResult{}, fmt.Errorf("planner failed after %d attempts: %w", req.MaxRetries+1, lastErr)
}

func (p *Planner) planOnce(ctx context.Context, req agent.PlanRequest) (agent.Action, json.RawMessage, error) {
	system := systemPrompt
	user := buildUserPrompt(req)
	imageB64 := ""
	if req.IncludeScreenshot && req.Observation != nil && req.Observation.Screenshot != "" {
		imageB64 = loadBase64Image(req.Observation.Screenshot)
	}

	text, err := p.client.generate(ctx, system, user, imageB64)
	if err != nil {
		return agent.Action{}, nil, err
	}
	raw := json.RawMessage(extractJSON(text))

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return agent.Action{}, raw, fmt.Errorf("%w: not valid JSON: %s", agent.ErrMalformedAction, err)
	}
	if err := actionSchema.Validate(decoded); err != nil {
		return agent.Action{}, raw, fmt.Errorf("%w: %s", agent.ErrMalformedAction, err)
	}

	var ra rawAction
	if err := json.Unmarshal(raw, &ra); err != nil {
		return agent.Action{}, raw, fmt.Errorf("%w: %s", agent.ErrMalformedAction, err)
	}
	action := agent.Action{
		Type:                 agent.ActionType(ra.Action),
		ElementID:            ra.ElementID,
		RequiresConfirmation: ra.RequiresConfirmation,
	}
	if ra.Value != nil {
		action.Value = *ra.Value
	}
	if !agent.ValidActionTypes[action.Type] {
		return agent.Action{}, raw, fmt.Errorf("%w: unknown action %q", agent.ErrMalformedAction, ra.Action)
	}
	return action, raw, nil
}

func (p *Planner) saveRaw(raw json.RawMessage, stepID string) {
	if len(raw) == 0 {
		return
	}
	if err := os.MkdirAll(p.rawDir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("%s/planner-%s.json", p.rawDir, stepID)
	_ = os.WriteFile(name, raw, 0o644)
}

const systemPrompt = "You are a web-navigation planner. Decide the next browser action to achieve the goal. " +
	"You may navigate by URL using action 'navigate' (value=URL) when a site or domain must be opened. " +
	"Use 'search' with value as query in the site search box or omnibox when the goal is an open-ended search. " +
	"Use 'go_back' / 'go_forward' to navigate browser history when the goal requires moving back or forward. " +
	"Use 'switch_tab' to activate a tab by index, url, or title (value should contain a hint). " +
	"Otherwise use only the provided element mapping; element_id corresponds to the numbered overlays. " +
	"Return a single JSON object that strictly matches the schema."

// buildUserPrompt assembles the full planning context in a fixed order so
// the oracle sees stable structure across steps.
func buildUserPrompt(req agent.PlanRequest) string {
	obs := req.Observation
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", req.Goal)
	fmt.Fprintf(&b, "Task mode: %s\n", orUnknown(string(req.TaskMode)))
	fmt.Fprintf(&b, "Current URL: %s\n", obs.URL)
	fmt.Fprintf(&b, "Current title: %s\n", obs.Title)
	fmt.Fprintf(&b, "Recent observations (latest 3):\n%s\n\n", recentContext(req.Recent))
	fmt.Fprintf(&b, "Current mapping (top elements):\n%s\n\n", formatObservation(obs, req.MappingLimit))
	fmt.Fprintf(&b, "Loop detected: %t. Avoid previously tried elements: %v.\n", req.LoopFlag, req.AvoidElements)
	fmt.Fprintf(&b, "Recent errors or context: %s.\n", orNone(req.ErrorContext))
	fmt.Fprintf(&b, "Progress signals: %s.\n", orNone(req.ProgressContext))
	fmt.Fprintf(&b, "Loop exhausted: %t. If true, prefer exploring new areas (scroll/new links) and avoid repeating the same actions.\n", req.LoopExhausted)
	fmt.Fprintf(&b, "Recent actions: %s\n", orNone(req.ActionsContext))
	fmt.Fprintf(&b, "Page type: %s; Listing detected: %t. If listing, prefer clicking items/links, pagination, or scrolling the listing; avoid repeating search.\n",
		orUnknown(string(req.PageType)), req.ListingDetected)
	fmt.Fprintf(&b, "State change hint: %s.\n", orNone(req.StateChangeHint))
	fmt.Fprintf(&b, "Explore mode: %t. If true (goal is find/browse), rely less on search and more on browsing categories/listings.\n", req.ExploreMode)
	fmt.Fprintf(&b, "Search no change: %t. If true, previous search did not change the page; switch strategy.\n", req.SearchNoChange)
	fmt.Fprintf(&b, "Avoid actions (penalize repeats on this URL): %v.\n", req.AvoidActions)

	if len(req.CandidateElements) > 0 {
		cands := req.CandidateElements
		if len(cands) > 10 {
			cands = cands[:10]
		}
		if data, err := json.MarshalIndent(cands, "", "  "); err == nil {
			fmt.Fprintf(&b, "\nCandidate elements (by goal tokens):\n%s\n", data)
		}
	}
	if len(req.SearchControls) > 0 {
		fmt.Fprintf(&b, "\nSearch controls detected (ids): %v. Use these before clicking alphabet/nav tabs.\n", req.SearchControls)
	}
	if len(req.AllowedActions) > 0 {
		fmt.Fprintf(&b, "\nAllowed actions for current stage: %v. Avoid other action types.\n", req.AllowedActions)
	}

	b.WriteString(
		"Decide the next action. If the goal is already met, return action 'done'. " +
			"If you need clarification, return action 'ask_user'. " +
			"If you need to open a specific site/domain, use 'navigate' with value as URL (element_id null). " +
			"If you need to search (site search or omnibox), use 'search' with value as query (element_id null unless a specific search box is mapped). " +
			"Use 'go_back' / 'go_forward' to move through history when appropriate. " +
			"Use 'switch_tab' with value containing index/url/title when you need another tab (element_id null). " +
			"If you plan to type, include 'value'. For scrolling, set element_id to null. " +
			"In find/browse tasks, follow a micro-plan: 1) find relevant section/category, 2) open listing, 3) choose a candidate by goal match, 4) act. " +
			"Avoid repeating the same action that had no effect; prefer a different action type when prior attempts failed. " +
			"If a search bar is visible, use it before iterating alphabet tabs or header links.")
	return b.String()
}

// formatObservation slims the mapping for the prompt: round-robin balance
// across viewport zones under the limit, then sort by relevance to the page
// title, truncating text to 80 runes.
func formatObservation(obs *agent.Observation, limit int) string {
	type slimMark struct {
		ID      int    `json:"id"`
		Tag     string `json:"tag"`
		Role    string `json:"role"`
		Text    string `json:"text"`
		Zone    int    `json:"zone"`
		IsFixed bool   `json:"is_fixed"`
		IsNav   bool   `json:"is_nav"`
	}
	type slimObs struct {
		URL     string     `json:"url"`
		Title   string     `json:"title"`
		Mapping []slimMark `json:"mapping"`
	}

	if len(obs.Mapping) == 0 {
		data, _ := json.MarshalIndent(slimObs{URL: obs.URL, Title: obs.Title, Mapping: []slimMark{}}, "", "  ")
		return string(data)
	}

	selected := balanceZones(obs.Mapping, limit)

	tokens := titleTokens(obs.Title)
	score := func(m agent.ElementMark) int {
		s := 0
		text := strings.ToLower(m.Text)
		role := strings.ToLower(m.Role)
		tag := strings.ToLower(m.Tag)
		for _, tok := range tokens {
			switch {
			case strings.Contains(text, tok):
				s += 2
			case strings.Contains(role, tok) || strings.Contains(tag, tok):
				s++
			}
		}
		if role == "button" || role == "link" || role == "a" || tag == "button" || tag == "a" {
			s++
		}
		if role == "input" || role == "textarea" || role == "select" ||
			tag == "input" || tag == "textarea" || tag == "select" {
			s++
		}
		return s
	}
	sort.SliceStable(selected, func(i, j int) bool { return score(selected[i]) > score(selected[j]) })

	out := slimObs{URL: obs.URL, Title: obs.Title}
	for _, m := range selected {
		text := m.Text
		if r := []rune(text); len(r) > 80 {
			text = string(r[:80])
		}
		out.Mapping = append(out.Mapping, slimMark{
			ID: m.ID, Tag: m.Tag, Role: m.Role, Text: text,
			Zone: m.Zone, IsFixed: m.IsFixed, IsNav: m.IsNav,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"url":%q,"title":%q}`, obs.URL, obs.Title)
	}
	return string(data)
}

// balanceZones takes elements round-robin across zones until the limit so
// one busy zone cannot crowd out the rest of the page.
func balanceZones(mapping []agent.ElementMark, limit int) []agent.ElementMark {
	if limit <= 0 || len(mapping) <= limit {
		out := append([]agent.ElementMark(nil), mapping...)
		return out
	}
	zones := map[int][]agent.ElementMark{}
	var keys []int
	for _, m := range mapping {
		if _, ok := zones[m.Zone]; !ok {
			keys = append(keys, m.Zone)
		}
		zones[m.Zone] = append(zones[m.Zone], m)
	}
	sort.Ints(keys)
	var selected []agent.ElementMark
	for len(selected) < limit {
		progressed := false
		for _, z := range keys {
			if len(zones[z]) == 0 {
				continue
			}
			selected = append(selected, zones[z][0])
			zones[z] = zones[z][1:]
			progressed = true
			if len(selected) >= limit {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return selected
}

func recentContext(recent []*agent.Observation) string {
	if len(recent) > 2 {
		recent = recent[len(recent)-2:]
	}
	var parts []string
	for _, obs := range recent {
		parts = append(parts, fmt.Sprintf("- %s | %s | %s", obs.RecordedAt.Format(time.RFC3339), obs.Title, obs.URL))
	}
	if len(parts) == 0 {
		return "no recent observations"
	}
	return strings.Join(parts, "\n")
}

func titleTokens(title string) []string {
	fields := strings.Fields(strings.ReplaceAll(strings.ToLower(title), ",", " "))
	var out []string
	for _, t := range fields {
		if len([]rune(t)) > 3 {
			out = append(out, t)
		}
	}
	return out
}

// extractJSON strips markdown code fences the model sometimes wraps its
// reply in.
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if i := strings.LastIndex(text, "```"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
	}
	return text
}

func loadBase64Image(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
