// File: internal/agent/node_observe.go
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// observe captures a fresh observation, runs loop/stagnation accounting, and
// extracts goal-relevant candidates. A clearly satisfied object goal stops
// the session here without consulting the oracle.
func (e *Engine) observe(ctx context.Context, st State) (State, error) {
	obs, err := e.senseWithRetry(ctx, SenseOptions{
		MaxElements: e.cfg.MappingLimit,
		Label:       st.StepID(),
	})
	if err != nil {
		return st, fmt.Errorf("observe: %w", err)
	}

	// A listing-like page that mapped suspiciously few elements usually
	// means content was still streaming in. Re-sense up to twice and merge.
	sig := ProgressScore(st.Goal, st.PrevObservation, obs, Action{}, e.keywords)
	listLike := sig.ListingScore > sig.DetailScore && !sig.DetailConfidence
	if listLike && len(obs.Mapping) < maxInt(5, e.cfg.MappingLimit/2) {
		obs = e.resenseSparse(ctx, st, obs)
	}

	mappingHash := MappingHashOf(obs)
	stagnation := 0
	if st.MappingHash != "" && st.MappingHash == mappingHash {
		stagnation = st.StagnationCount + 1
	}
	loopDetected := st.RepeatCount >= e.cfg.LoopRepeatThreshold || stagnation >= e.cfg.StagnationThreshold

	tokens := GoalTokens(st.Goal)
	candidates := ExtractCandidates(obs.Mapping, tokens, 10)

	st.PrevObservation = st.Observation
	st.Observation = obs
	st.MappingHash = mappingHash
	st.StagnationCount = stagnation
	st.LoopTrigger = loopDetected
	st.LoopMitigated = false
	st.Recent = appendRecent(st.Recent, obs)
	st.Candidates = candidates
	st.PrevCandHash = st.CandidateHash
	st.CandidateHash = CandidateHashOf(candidates)

	if tabs, tabErr := e.env.ListSurfaces(ctx); tabErr == nil {
		st.Tabs = tabs
		st.ActiveTabID = e.env.ActiveSurfaceID()
	}

	// Quick object-goal satisfaction check: the goal shows up in the URL or
	// title, the mapping confirms it, and the page is small enough to be a
	// single artifact rather than a listing.
	urlTitle := strings.ToLower(obs.URL + " " + obs.Title)
	goalHit := false
	for _, tok := range tokens {
		if tok != "" && strings.Contains(urlTitle, tok) {
			goalHit = true
			break
		}
	}
	mappingHits := mappingGoalHits(obs, tokens)
	if st.GoalKind == GoalObject && goalHit && mappingHits >= 1 && len(obs.Mapping) <= maxInt(15, e.cfg.MappingLimit/2) {
		st.Stop(StopGoalSatisfied, fmt.Sprintf("goal_tokens_in_url_title;mapping_hits=%d", mappingHits))
	}
	return st, nil
}

// senseWithRetry re-acquires the surface once when it has gone away
// mid-session.
func (e *Engine) senseWithRetry(ctx context.Context, opts SenseOptions) (*Observation, error) {
	obs, err := e.env.Sense(ctx, opts)
	if err == nil {
		return obs, nil
	}
	e.log.Warn("sense failed, retrying once", zap.Error(err))
	return e.env.Sense(ctx, opts)
}

// resenseSparse performs the bounded double re-capture and merges the
// mappings, deduplicating by identity and integer geometry.
func (e *Engine) resenseSparse(ctx context.Context, st State, obs *Observation) *Observation {
	merged := append([]ElementMark(nil), obs.Mapping...)
	for i := 0; i < 2; i++ {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		extra, err := e.env.Sense(ctx, SenseOptions{
			MaxElements: e.cfg.MappingLimit,
			Label:       st.StepID() + "-retry",
		})
		if err != nil || extra == nil {
			continue
		}
		merged = append(merged, extra.Mapping...)
	}
	unique := dedupeMarks(merged)
	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].BBox.Y != unique[j].BBox.Y {
			return unique[i].BBox.Y < unique[j].BBox.Y
		}
		return unique[i].BBox.X < unique[j].BBox.X
	})
	out := *obs
	out.Mapping = unique
	return &out
}

// loopMitigation widens perception when the observe node flags a loop. Order
// of escalation: one conservative plain re-sense (if configured), then paged
// scans while the scroll budget lasts, then nothing but the mitigated flag.
func (e *Engine) loopMitigation(ctx context.Context, st State) (State, error) {
	if !st.LoopTrigger {
		return st, nil
	}

	if e.cfg.ConservativeObserve && !st.ConservativeProbe {
		e.log.Info("loop mitigation: conservative re-sense", zap.String("session_id", st.SessionID))
		e.trace.Write(Record{
			Node: nodeLoopMitigation, Step: st.Step, SessionID: st.SessionID,
			LoopTrigger: true, Intent: "conservative_pass", Timestamp: time.Now().UTC(),
		})
		obs, err := e.senseWithRetry(ctx, SenseOptions{
			MaxElements: e.cfg.MappingLimit + e.cfg.LoopRetryMappingBoost,
			Label:       fmt.Sprintf("%s-conservative-%d", st.SessionID, st.Step),
		})
		if err != nil {
			return st, fmt.Errorf("loop mitigation sense: %w", err)
		}
		candidates := ExtractCandidates(obs.Mapping, GoalTokens(st.Goal), 10)
		st.ConservativeProbe = true
		st.PrevObservation = st.Observation
		st.Observation = obs
		st.MappingHash = MappingHashOf(obs)
		st.StagnationCount = 0
		st.Recent = appendRecent(st.Recent, obs)
		st.Candidates = candidates
		st.PrevCandHash = st.CandidateHash
		st.CandidateHash = CandidateHashOf(candidates)
		return st, nil
	}

	if st.AutoScrollsUsed < e.cfg.MaxAutoScrolls {
		e.log.Info("loop mitigation: paged scan", zap.String("session_id", st.SessionID))
		obs, err := e.pagedScan(ctx, st)
		if err != nil {
			return st, fmt.Errorf("paged scan: %w", err)
		}
		st.PrevObservation = st.Observation
		st.Observation = obs
		st.MappingHash = MappingHashOf(obs)
		st.AutoScrollsUsed++
		st.StagnationCount = 0
		st.LoopMitigated = true
		st.Recent = appendRecent(st.Recent, obs)
		return st, nil
	}

	e.trace.Write(Record{
		Node: nodeLoopMitigation, Step: st.Step, SessionID: st.SessionID,
		LoopTrigger: true, Intent: "paged_scan_limit_reached", Timestamp: time.Now().UTC(),
	})
	st.LoopMitigated = true
	return st, nil
}

// pagedScan captures a widened viewport several times, scrolling one step
// down between captures, then merges the mappings and drops duplicates. The
// last capture supplies the page identity.
func (e *Engine) pagedScan(ctx context.Context, st State) (*Observation, error) {
	steps := maxInt(1, e.cfg.PagedScanSteps)
	opts := SenseOptions{
		MaxElements: e.cfg.MappingLimit + e.cfg.LoopRetryMappingBoost,
		Viewports:   maxInt(1, e.cfg.PagedScanViewports),
	}
	var merged []ElementMark
	var last *Observation
	for i := 0; i < steps; i++ {
		opts.Label = fmt.Sprintf("%s-scan%d", st.SessionID, i)
		obs, err := e.senseWithRetry(ctx, opts)
		if err != nil {
			if last == nil {
				return nil, err
			}
			break
		}
		merged = append(merged, obs.Mapping...)
		last = obs
		if i < steps-1 {
			// A failed scroll leaves the next capture on the same viewport.
			_ = e.env.Scroll(ctx, e.cfg.ScrollStep)
		}
	}
	out := *last
	out.Mapping = dedupeMarks(merged)
	return &out, nil
}

// dedupeMarks removes marks that repeat the same tag, text, role and integer
// geometry, keeping first-appearance order.
func dedupeMarks(marks []ElementMark) []ElementMark {
	type geoKey struct {
		tag, text, role string
		x, y, w, h      int
	}
	seen := make(map[geoKey]bool, len(marks))
	unique := marks[:0]
	for _, m := range marks {
		k := geoKey{m.Tag, m.Text, m.Role, int(m.BBox.X), int(m.BBox.Y), int(m.BBox.Width), int(m.BBox.Height)}
		if seen[k] {
			continue
		}
		seen[k] = true
		unique = append(unique, m)
	}
	return unique
}

func mappingGoalHits(obs *Observation, tokens []string) int {
	var sb strings.Builder
	for _, m := range obs.Mapping {
		sb.WriteString(m.Text)
		sb.WriteByte(' ')
	}
	text := strings.ToLower(sb.String())
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			hits++
		}
	}
	return hits
}
