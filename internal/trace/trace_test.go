// File: internal/trace/trace_test.go
package trace

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wayfindlabs/wayfind/internal/agent"
)

func TestSanitizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"sess-1-step3", "sess-1-step3"},
		{"https://shop.example/cart?x=1", "https-shop-example-cart-x-1"},
		{"  spaces and slashes/ ", "spaces-and-slashes"},
		{"--already--trimmed--", "already--trimmed"},
		{"///", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeLabel(tt.in), tt.in)
	}
}

func TestWriterAppendsJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, "sess/1", nil)
	require.NoError(t, err)

	w.Write(agent.Record{Step: 1, SessionID: "sess/1", Node: "observe"})
	w.Write(agent.Record{Step: 2, SessionID: "sess/1", Node: "execute", StopReason: agent.StopGoalSatisfied})
	require.NoError(t, w.Close())
	assert.Zero(t, w.ErrorCount())

	f, err := os.Open(filepath.Join(dir, "trace-sess-1.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var recs []agent.Record
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec agent.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	require.Len(t, recs, 2)
	assert.Equal(t, "observe", recs[0].Node)
	assert.False(t, recs[0].Timestamp.IsZero(), "missing timestamps are filled in")
	assert.Equal(t, agent.StopGoalSatisfied, recs[1].StopReason)
}

func TestWriterReopenAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w, err := NewWriter(dir, "again", nil)
		require.NoError(t, err)
		w.Write(agent.Record{Step: i + 1})
		require.NoError(t, w.Close())
	}

	data, err := os.ReadFile(filepath.Join(dir, "trace-again.jsonl"))
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestSaveObservation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, "obs", nil)
	require.NoError(t, err)
	defer w.Close()

	w.SaveObservation(&agent.Observation{URL: "https://x.test/", Title: "X"}, "step 1")
	w.SaveObservation(nil, "ignored")
	assert.Zero(t, w.ErrorCount())

	matches, err := filepath.Glob(filepath.Join(dir, "observe-step-1-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	var obs agent.Observation
	require.NoError(t, json.Unmarshal(data, &obs))
	assert.Equal(t, "https://x.test/", obs.URL)
}

func TestSaveResult(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, "res", nil)
	require.NoError(t, err)
	defer w.Close()

	path, err := w.SaveResult(agent.Result{
		SessionID:    "res",
		Goal:         "find wireless headphones",
		StopReason:   agent.StopGoalSatisfied,
		TerminalType: agent.TerminalSuccess,
		Steps:        4,
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "result-res.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var res agent.Result
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, agent.StopGoalSatisfied, res.StopReason)
	assert.Equal(t, 4, res.Steps)
}
