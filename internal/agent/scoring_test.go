// File: internal/agent/scoring_test.go
package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoalTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		goal string
		want []string
	}{
		{"drops short tokens", "buy the milk", []string{"milk"}},
		{"commas split", "milk,bread,and eggs", []string{"milk", "bread", "eggs"}},
		{"lowercases", "Find WIRELESS Headphones", []string{"find", "wireless", "headphones"}},
		{"cyrillic counts runes", "найди сыр", []string{"найди"}},
		{"empty goal", "", nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, GoalTokens(tt.goal))
		})
	}
}

func TestClassifyGoalKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		goal string
		want GoalKind
	}{
		{"show me the list of translations", GoalList},
		{"add to cart the cheapest monitor", GoalAction},
		{"купи молоко в корзину", GoalAction},
		{"find the laptop product page", GoalObject},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyGoalKind(tt.goal), tt.goal)
	}

	// Classification is a pure function of the goal string.
	for i := 0; i < 3; i++ {
		assert.Equal(t, GoalAction, ClassifyGoalKind("add to cart the cheapest monitor"))
	}
}

func TestClassifyTaskMode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ModeFind, ClassifyTaskMode("find wireless headphones"))
	assert.Equal(t, ModeAnswer, ClassifyTaskMode("answer what the capital is"))
	assert.Equal(t, ModeDownload, ClassifyTaskMode("download the annual report"))
	assert.Equal(t, ModeBrowse, ClassifyTaskMode("open the news page"))
}

func TestGoalIsFindOnly(t *testing.T) {
	t.Parallel()

	assert.True(t, GoalIsFindOnly("find the laptop page"))
	assert.False(t, GoalIsFindOnly("download the laptop manual"))
	assert.False(t, GoalIsFindOnly("add to cart the laptop"))
	assert.False(t, GoalIsFindOnly("добавь молоко"))
}

func TestExtractCandidates(t *testing.T) {
	t.Parallel()

	mapping := []ElementMark{
		{ID: 1, Text: "Wireless Headphones Pro", Role: "link", Tag: "a"},
		{ID: 2, Text: "Contact us", Role: "link", Tag: "a"},
		{ID: 3, Text: "", Role: "headphones", Tag: "button"},
		{ID: 4, Text: "Headphones sale, wireless only", Role: "button", Tag: "button"},
	}
	tokens := GoalTokens("find wireless headphones")

	got := ExtractCandidates(mapping, tokens, 10)
	require.Len(t, got, 3)
	// Text hits score 2 per token, role hits 1; order is descending.
	assert.Equal(t, 1, got[0].ID)
	assert.Equal(t, 4, got[0].Score)
	assert.Equal(t, 4, got[1].ID)
	assert.Equal(t, 3, got[2].ID)
	assert.Equal(t, 1, got[2].Score)

	// Limit trims from the tail.
	got = ExtractCandidates(mapping, tokens, 1)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ID)
}

func TestScoreActionCandidate(t *testing.T) {
	t.Parallel()

	obs := &Observation{Mapping: []ElementMark{
		{ID: 1, Text: "Add to cart", Role: "button", Zone: 0, BBox: BoundingBox{Width: 100, Height: 20}},
		{ID: 2, Text: "Delete account", Role: "button", Zone: 0, BBox: BoundingBox{Width: 100, Height: 20}},
		{ID: 3, Text: "Buy now", Role: "button", IsDisabled: true},
	}}

	t.Run("action words and role add up", func(t *testing.T) {
		t.Parallel()
		c := Candidate{ID: 1, Text: "Add to cart", Role: "button", Score: 2}
		// 2 base + add(4) + "add to cart"(5) + cart(4) + button(3) + area(2)
		// + zone0(2) - cart text penalty(3) = 19
		got := ScoreActionCandidate(c, obs, nil)
		assert.Equal(t, 19, got)
	})

	t.Run("danger words are heavily penalized", func(t *testing.T) {
		t.Parallel()
		c := Candidate{ID: 2, Text: "Delete account", Role: "button", Score: 2}
		// 2 base + button(3) + area(2) + zone0(2) - delete(10) = -1
		got := ScoreActionCandidate(c, obs, nil)
		assert.Equal(t, -1, got)
	})

	t.Run("disabled elements are vetoed", func(t *testing.T) {
		t.Parallel()
		c := Candidate{ID: 3, Text: "Buy now", Role: "button", Score: 5}
		assert.Equal(t, -999, ScoreActionCandidate(c, obs, nil))
	})

	t.Run("nav and deep zone penalties", func(t *testing.T) {
		t.Parallel()
		c := Candidate{ID: 99, Text: "order", Role: "link", Score: 1, IsNav: true, Zone: 3}
		// 1 base + link(1) - nav(5) - zone(2) = -5
		assert.Equal(t, -5, ScoreActionCandidate(c, obs, nil))
	})
}

func TestPickCommittedAction(t *testing.T) {
	t.Parallel()

	obs := &Observation{Mapping: []ElementMark{
		{ID: 1, Text: "Add to cart", Role: "button", Zone: 0, BBox: BoundingBox{Width: 100, Height: 20}},
	}}

	t.Run("commits above threshold", func(t *testing.T) {
		t.Parallel()
		cands := []Candidate{{ID: 1, Text: "Add to cart", Role: "button", Score: 2}}
		act := PickCommittedAction(cands, obs, nil)
		require.NotNil(t, act)
		assert.Equal(t, ActionClick, act.Type)
		require.NotNil(t, act.ElementID)
		assert.Equal(t, 1, *act.ElementID)
		assert.Contains(t, act.Reason, "commit_high_confidence=")
	})

	t.Run("declines below threshold", func(t *testing.T) {
		t.Parallel()
		cands := []Candidate{{ID: 5, Text: "some link", Role: "link", Score: 1}}
		assert.Nil(t, PickCommittedAction(cands, obs, nil))
	})

	t.Run("familiarity bonus can push over the line", func(t *testing.T) {
		t.Parallel()
		// base 2 + link(1) + seen(2) = 5, plus commit-time bonus 2 = 7: still short.
		cands := []Candidate{{ID: 7, Text: "product page", Role: "link", Score: 2}}
		visited := map[string]int{"7": 3}
		assert.Nil(t, PickCommittedAction(cands, obs, visited))

		// base 4 scores 4+1+2=7, +2 at commit time crosses the threshold.
		cands = []Candidate{{ID: 7, Text: "product page", Role: "link", Score: 4}}
		act := PickCommittedAction(cands, obs, visited)
		require.NotNil(t, act)
	})

	t.Run("no candidates", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, PickCommittedAction(nil, obs, nil))
	})
}

func TestProgressScore(t *testing.T) {
	t.Parallel()

	keywords := []string{"cart", "checkout"}

	t.Run("all signals off on an unrelated page", func(t *testing.T) {
		t.Parallel()
		cur := &Observation{URL: "https://example.org/about", Title: "About"}
		sig := ProgressScore("find wireless headphones", nil, cur, Action{}, keywords)
		assert.Equal(t, 0, sig.Score)
		assert.False(t, sig.DetailConfidence)
	})

	t.Run("url change plus keyword hits accumulate", func(t *testing.T) {
		t.Parallel()
		prev := &Observation{URL: "https://shop.example/",
			Mapping: []ElementMark{{ID: 3, Text: "Add to cart", Role: "button"}}}
		cur := &Observation{
			URL:   "https://shop.example/cart",
			Title: "Cart",
			Mapping: []ElementMark{
				{ID: 1, Text: "Checkout now", Role: "button", Tag: "button"},
			},
		}
		id := 3
		last := Action{Type: ActionClick, ElementID: &id}
		sig := ProgressScore("buy wireless headphones", prev, cur, last, keywords)

		assert.True(t, sig.URLChanged)
		// url_changed, url keyword, mapping keyword, last-action target hit.
		assert.Equal(t, 4, sig.Score)
		assert.Len(t, sig.Evidence, 4)
	})

	t.Run("title hits flip detail confidence", func(t *testing.T) {
		t.Parallel()
		cur := &Observation{
			URL:   "https://shop.example/p/wireless-headphones-pro",
			Title: "Wireless Headphones Pro",
		}
		sig := ProgressScore("find wireless headphones", nil, cur, Action{}, nil)
		assert.True(t, sig.DetailConfidence)
		assert.GreaterOrEqual(t, sig.Score, 2)
	})

	t.Run("listing and detail scores count shapes", func(t *testing.T) {
		t.Parallel()
		cur := &Observation{
			URL: "https://shop.example/list",
			Mapping: []ElementMark{
				{Tag: "a", Role: "link", Text: "Item one"},
				{Tag: "button", Role: "button", Text: "Item two"},
				{Tag: "input", Role: "searchbox"},
				{Tag: "div", Role: "text", Text: "A very long product description that goes on and on"},
			},
		}
		sig := ProgressScore("irrelevant", nil, cur, Action{}, nil)
		assert.Equal(t, 3, sig.ListingScore)
		assert.Equal(t, 1, sig.DetailScore)
	})
}

func TestPageTypeFromScores(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PageDetail, PageTypeFromScores(10, 0, true))
	assert.Equal(t, PageListing, PageTypeFromScores(10, 2, false))
	assert.Equal(t, PageUnknown, PageTypeFromScores(4, 2, false))
	assert.Equal(t, PageUnknown, PageTypeFromScores(0, 0, false))
}
