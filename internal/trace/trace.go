// File: internal/trace/trace.go

// Package trace persists per-step session records and observation snapshots
// as JSON lines under the state directory. Writers are infallible by
// contract: failures are counted and logged, never returned, so the control
// loop needs no per-write error handling.
package trace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/wayfindlabs/wayfind/internal/agent"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var labelSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeLabel reduces a free-form label to a filename-safe token.
func SanitizeLabel(label string) string {
	cleaned := labelSanitizer.ReplaceAllString(label, "-")
	return trimDashes(cleaned)
}

func trimDashes(s string) string {
	for len(s) > 0 && (s[0] == '-' || s[0] == '_') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == '-' || s[len(s)-1] == '_') {
		s = s[:len(s)-1]
	}
	return s
}

// Writer appends session records to a per-session JSONL file.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	log      *zap.Logger
	errCount atomic.Int64
	dir      string
}

// NewWriter opens (or creates) the trace file for one session.
func NewWriter(stateDir, sessionID string, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	name := filepath.Join(stateDir, fmt.Sprintf("trace-%s.jsonl", SanitizeLabel(sessionID)))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Writer{f: f, log: log.Named("trace"), dir: stateDir}, nil
}

// Write appends one record as a JSON line. Errors are swallowed after
// logging; ErrorCount exposes how many writes were lost.
func (w *Writer) Write(rec agent.Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		w.errCount.Add(1)
		w.log.Warn("trace record marshal failed", zap.Error(err))
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(append(data, '\n')); err != nil {
		w.errCount.Add(1)
		w.log.Warn("trace record write failed", zap.Error(err))
	}
}

// ErrorCount reports how many writes failed since the writer was opened.
func (w *Writer) ErrorCount() int64 { return w.errCount.Load() }

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// SaveObservation persists one observation snapshot as a standalone JSON
// file keyed by its label. Failures are logged, not returned.
func (w *Writer) SaveObservation(obs *agent.Observation, label string) {
	if obs == nil {
		return
	}
	ts := time.Now().UTC().Format("20060102T150405Z")
	name := filepath.Join(w.dir, fmt.Sprintf("observe-%s-%s.json", SanitizeLabel(label), ts))
	data, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		w.errCount.Add(1)
		w.log.Warn("observation marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		w.errCount.Add(1)
		w.log.Warn("observation write failed", zap.String("path", name), zap.Error(err))
	}
}

// SaveResult persists the normalized session result next to the trace file
// and returns its path.
func (w *Writer) SaveResult(res agent.Result) (string, error) {
	name := filepath.Join(w.dir, fmt.Sprintf("result-%s.json", SanitizeLabel(res.SessionID)))
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return name, nil
}
