// File: internal/planner/planner_test.go
package planner

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfindlabs/wayfind/internal/agent"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  \n{\"a\":1}\n  ", `{"a":1}`},
		{"fence without closer", "```json\n{\"a\":1}", `{"a":1}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}

func TestActionSchema(t *testing.T) {
	t.Parallel()

	validate := func(raw string) error {
		var decoded any
		require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
		return actionSchema.Validate(decoded)
	}

	t.Run("well-formed reply passes", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validate(`{"tool":"browser_action","action":"click","element_id":3,"value":null,"requires_confirmation":false}`))
	})

	t.Run("null element and string value pass", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, validate(`{"tool":"browser_action","action":"navigate","element_id":null,"value":"https://example.org","requires_confirmation":false}`))
	})

	t.Run("unknown action is rejected", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate(`{"tool":"browser_action","action":"explode","element_id":null,"value":null,"requires_confirmation":false}`))
	})

	t.Run("missing required field is rejected", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate(`{"tool":"browser_action","action":"click","element_id":3,"requires_confirmation":false}`))
	})

	t.Run("extra property is rejected", func(t *testing.T) {
		t.Parallel()
		assert.Error(t, validate(`{"tool":"browser_action","action":"click","element_id":3,"value":null,"requires_confirmation":false,"note":"hi"}`))
	})
}

func TestBalanceZones(t *testing.T) {
	t.Parallel()

	marks := []agent.ElementMark{
		{ID: 1, Zone: 0}, {ID: 2, Zone: 0}, {ID: 3, Zone: 0},
		{ID: 4, Zone: 1}, {ID: 5, Zone: 1},
		{ID: 6, Zone: 2},
	}

	t.Run("under the limit copies everything", func(t *testing.T) {
		t.Parallel()
		got := balanceZones(marks, 10)
		require.Len(t, got, 6)
		// The copy shields the caller's slice from the later relevance sort.
		got[0].ID = 99
		assert.Equal(t, 1, marks[0].ID)
	})

	t.Run("round robin across zones", func(t *testing.T) {
		t.Parallel()
		got := balanceZones(marks, 4)
		ids := make([]int, 0, 4)
		for _, m := range got {
			ids = append(ids, m.ID)
		}
		assert.Equal(t, []int{1, 4, 6, 2}, ids)
	})
}

func TestFormatObservation(t *testing.T) {
	t.Parallel()

	t.Run("empty mapping still yields identity", func(t *testing.T) {
		t.Parallel()
		out := formatObservation(&agent.Observation{URL: "https://x.test/", Title: "X"}, 10)
		assert.Contains(t, out, `"https://x.test/"`)
		assert.Contains(t, out, `"mapping": []`)
	})

	t.Run("title-relevant elements sort first and long text is truncated", func(t *testing.T) {
		t.Parallel()
		obs := &agent.Observation{
			URL:   "https://shop.example/audio",
			Title: "Wireless Headphones",
			Mapping: []agent.ElementMark{
				{ID: 1, Tag: "a", Role: "link", Text: "Contact us"},
				{ID: 2, Tag: "a", Role: "link", Text: "Wireless Headphones Pro " + strings.Repeat("x", 100)},
			},
		}
		out := formatObservation(obs, 10)

		var decoded struct {
			Mapping []struct {
				ID   int    `json:"id"`
				Text string `json:"text"`
			} `json:"mapping"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &decoded))
		require.Len(t, decoded.Mapping, 2)
		assert.Equal(t, 2, decoded.Mapping[0].ID)
		assert.Len(t, []rune(decoded.Mapping[0].Text), 80)
	})
}

func TestBuildUserPrompt(t *testing.T) {
	t.Parallel()

	id := 7
	req := agent.PlanRequest{
		Goal:         "find wireless headphones",
		Observation:  &agent.Observation{URL: "https://shop.example/", Title: "Shop"},
		MappingLimit: 10,
		TaskMode:     agent.ModeFind,
		AllowedActions: []agent.ActionType{
			agent.ActionClick, agent.ActionScroll,
		},
		CandidateElements: []agent.Candidate{{ID: id, Text: "Wireless Headphones Pro", Role: "link", Score: 4}},
		SearchControls:    []int{5},
		ErrorContext:      "none",
		ProgressContext:   "listing_detected=false",
		ExploreMode:       true,
		ListingDetected:   false,
	}

	prompt := buildUserPrompt(req)

	assert.Contains(t, prompt, "Goal: find wireless headphones")
	assert.Contains(t, prompt, "Current URL: https://shop.example/")
	assert.Contains(t, prompt, "Allowed actions for current stage: [click scroll]")
	assert.Contains(t, prompt, "Candidate elements (by goal tokens):")
	assert.Contains(t, prompt, "Wireless Headphones Pro")
	assert.Contains(t, prompt, "Search controls detected (ids): [5]")
	assert.Contains(t, prompt, "Explore mode: true")
	assert.Contains(t, prompt, "no recent observations")
}

func TestTitleTokens(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"wireless", "headphones"}, titleTokens("Wireless Headphones"))
	assert.Nil(t, titleTokens("a an of"))
}
