// File: internal/agent/scoring.go
package agent

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Candidate is one goal-relevant element extracted from a mapping, ranked by
// token overlap with the goal.
type Candidate struct {
	ID         int    `json:"id"`
	Text       string `json:"text"`
	Role       string `json:"role"`
	Score      int    `json:"score"`
	Zone       int    `json:"zone"`
	IsNav      bool   `json:"is_nav"`
	IsDisabled bool   `json:"is_disabled"`
}

// GoalTokens lowercases the goal, treats commas as whitespace, and keeps
// tokens longer than 3 runes. Short connective words carry no signal.
func GoalTokens(goal string) []string {
	fields := strings.Fields(strings.ReplaceAll(goal, ",", " "))
	var out []string
	for _, tok := range fields {
		if len([]rune(tok)) > 3 {
			out = append(out, strings.ToLower(tok))
		}
	}
	return out
}

// GoalIsFindOnly reports whether the goal asks only to locate something, with
// no acquisition verb (download, purchase, cart).
func GoalIsFindOnly(goal string) bool {
	gl := strings.ToLower(goal)
	for _, v := range []string{"download", "скачай", "скачать", "add to cart", "добавь", "купить", "закажи", "оформи"} {
		if strings.Contains(gl, v) {
			return false
		}
	}
	return true
}

// ClassifyTaskMode classifies the goal's coarse intent from its verbs.
func ClassifyTaskMode(goal string) TaskMode {
	gl := strings.ToLower(goal)
	if containsAny(gl, "найди", "ищи", "find", "search", "достань", "добыть") {
		return ModeFind
	}
	if containsAny(gl, "ответ", "поясни", "explain", "answer") {
		return ModeAnswer
	}
	if containsAny(gl, "скачай", "download") {
		return ModeDownload
	}
	return ModeBrowse
}

// ClassifyGoalKind decides what shape of artifact satisfies the goal.
func ClassifyGoalKind(goal string) GoalKind {
	gl := strings.ToLower(goal)
	if containsAny(gl, "список", "list", "перевод", "translations", "results") {
		return GoalList
	}
	if containsAny(gl, "добавь", "добавить", "купи", "в корзину", "buy", "add to cart", "order", "закажи") {
		return GoalAction
	}
	return GoalObject
}

// PageTypeFromScores classifies the page shape. Detail confidence wins
// outright; a listing needs a clear margin over the detail signal.
func PageTypeFromScores(listingScore, detailScore int, detailConfidence bool) PageType {
	if detailConfidence {
		return PageDetail
	}
	if listingScore > detailScore+2 {
		return PageListing
	}
	return PageUnknown
}

// ExtractCandidates ranks mapping elements by goal-token overlap: 2 points
// per token found in the element text, 1 per token found in role or tag.
// Only positive scorers survive; the top `limit` come back sorted
// descending.
func ExtractCandidates(mapping []ElementMark, tokens []string, limit int) []Candidate {
	type scored struct {
		score int
		el    *ElementMark
	}
	var hits []scored
	for i := range mapping {
		el := &mapping[i]
		text := strings.ToLower(el.Text)
		role := strings.ToLower(el.Role)
		tag := strings.ToLower(el.Tag)
		score := 0
		for _, tok := range tokens {
			switch {
			case strings.Contains(text, tok):
				score += 2
			case strings.Contains(role, tok) || strings.Contains(tag, tok):
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{score, el})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		out = append(out, Candidate{
			ID:         h.el.ID,
			Text:       h.el.Text,
			Role:       h.el.Role,
			Score:      h.score,
			Zone:       h.el.Zone,
			IsNav:      h.el.IsNav,
			IsDisabled: h.el.IsDisabled,
		})
	}
	return out
}

// actionWords and their bonuses for commit scoring. Keys are matched as
// substrings of the lowercased candidate text.
var actionWords = map[string]int{
	"+":           5,
	"add":         4,
	"add to cart": 5,
	"cart":        4,
	"basket":      4,
	"в корзину":   5,
	"купить":      5,
	"заказать":    4,
	"добавить":    4,
}

var dangerWords = []string{"delete", "remove", "cancel", "отмена", "удалить"}

// ScoreActionCandidate rates how safe and promising it is to commit-click a
// candidate without consulting the oracle. Disabled elements are vetoed with
// a sentinel score.
func ScoreActionCandidate(c Candidate, obs *Observation, visitedElements map[string]int) int {
	score := c.Score
	text := strings.ToLower(c.Text)
	role := strings.ToLower(c.Role)
	for word, bonus := range actionWords {
		if strings.Contains(text, word) {
			score += bonus
		}
	}
	switch role {
	case "button":
		score += 3
	case "link":
		score++
	}
	if el := obs.Element(c.ID); el != nil {
		if el.IsDisabled {
			return -999
		}
		if el.BBox.Area() > 800 {
			score += 2
		}
		if el.Zone == 0 {
			score += 2
		}
	}
	if visitedElements[strconv.Itoa(c.ID)] >= 2 {
		score += 2
	}
	for _, word := range dangerWords {
		if strings.Contains(text, word) {
			score -= 10
		}
	}
	if c.IsNav {
		score -= 5
	}
	if c.Zone > 2 {
		score -= 2
	}
	if containsAny(text, "cart", "basket", "корзина") {
		score -= 3
	}
	return score
}

const commitThreshold = 8

// PickCommittedAction returns a synthesized click when the best candidate
// scores high enough to skip the oracle entirely, else nil. A candidate seen
// on two or more prior steps gets a familiarity bonus on top of its score.
func PickCommittedAction(candidates []Candidate, obs *Observation, visitedElements map[string]int) *Action {
	if len(candidates) == 0 {
		return nil
	}
	bestScore := -1 << 30
	var best *Candidate
	for i := range candidates {
		s := ScoreActionCandidate(candidates[i], obs, visitedElements)
		if best == nil || s > bestScore {
			bestScore = s
			best = &candidates[i]
		}
	}
	if visitedElements[strconv.Itoa(best.ID)] >= 2 {
		bestScore += 2
	}
	if bestScore < commitThreshold {
		return nil
	}
	id := best.ID
	return &Action{
		Type:      ActionClick,
		ElementID: &id,
		Reason:    fmt.Sprintf("commit_high_confidence=%d", bestScore),
	}
}

// ProgressSignals is the output of one progress evaluation: an additive
// score plus the raw signals later heuristics reuse.
type ProgressSignals struct {
	Score               int
	Evidence            []string
	URLChanged          bool
	DetailConfidence    bool
	MappingGoalHitCount int
	ListingScore        int
	DetailScore         int
}

// ProgressScore accumulates up to seven +1 signals comparing the previous
// and current observations against the goal tokens and the configured
// progress keywords. Evidence strings name each signal that fired.
func ProgressScore(goal string, prev, cur *Observation, lastAction Action, keywords []string) ProgressSignals {
	var sig ProgressSignals
	tokens := GoalTokens(goal)

	prevURL := ""
	if prev != nil {
		prevURL = prev.URL
	}
	sig.URLChanged = prev != nil && prevURL != cur.URL
	if sig.URLChanged {
		sig.Score++
		sig.Evidence = append(sig.Evidence, fmt.Sprintf("url_changed:%s -> %s", prevURL, cur.URL))
	}

	urlLower := strings.ToLower(cur.URL)
	if hits := matchAll(urlLower, keywords); len(hits) > 0 {
		sig.Score++
		sig.Evidence = append(sig.Evidence, fmt.Sprintf("url_keywords:%v", hits))
	}

	var sb strings.Builder
	for _, el := range cur.Mapping {
		sb.WriteString(el.Text)
		sb.WriteByte(' ')
		sb.WriteString(el.Role)
		sb.WriteByte(' ')
	}
	mappingText := strings.ToLower(sb.String())
	if hits := matchAll(mappingText, keywords); len(hits) > 0 {
		sig.Score++
		sig.Evidence = append(sig.Evidence, fmt.Sprintf("mapping_keywords:%v", hits))
	}

	var goalHits []string
	for _, tok := range tokens {
		if strings.Contains(mappingText, tok) || strings.Contains(urlLower, tok) {
			goalHits = append(goalHits, tok)
		}
	}
	if len(goalHits) > 0 {
		sig.Score++
		sig.Evidence = append(sig.Evidence, fmt.Sprintf("goal_hits:%v", goalHits))
	}

	for _, tok := range tokens {
		if strings.Contains(mappingText, tok) {
			sig.MappingGoalHitCount++
		}
	}

	// Half the goal tokens in the title or URL path means the page is most
	// likely the target artifact itself.
	titleHits := matchAll(strings.ToLower(cur.Title), tokens)
	if len(titleHits) > 0 && len(titleHits) >= maxInt(1, len(tokens)/2) {
		sig.DetailConfidence = true
		sig.Score++
		sig.Evidence = append(sig.Evidence, fmt.Sprintf("title_hits:%v", titleHits))
	}
	pathHits := matchAll(urlLower, tokens)
	if len(pathHits) > 0 && len(pathHits) >= maxInt(1, len(tokens)/2) {
		sig.DetailConfidence = true
		sig.Score++
		sig.Evidence = append(sig.Evidence, fmt.Sprintf("url_path_hits:%v", pathHits))
	}

	if lastAction.ElementID != nil && prev != nil {
		elText := ""
		if el := prev.Element(*lastAction.ElementID); el != nil {
			elText = strings.ToLower(el.Text + " " + el.Role)
		}
		if hits := matchAll(elText, keywords); len(hits) > 0 {
			sig.Score++
			sig.Evidence = append(sig.Evidence, fmt.Sprintf("last_action_target_hits:%v", hits))
		}
	}

	for _, m := range cur.Mapping {
		role := strings.ToLower(m.Role)
		if role == "link" || role == "button" || m.Tag == "a" || m.Tag == "button" {
			sig.ListingScore++
		}
		switch m.Tag {
		case "input", "textarea", "select":
			sig.ListingScore++
		}
		if len([]rune(m.Text)) > 40 {
			sig.DetailScore++
		}
	}
	return sig
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func matchAll(s string, words []string) []string {
	var hits []string
	for _, w := range words {
		if strings.Contains(s, w) {
			hits = append(hits, w)
		}
	}
	return hits
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
