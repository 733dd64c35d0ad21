// Package audit writes a JSON-lines trail of promotion decisions and
// production schema changes.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"
)

// EventType classifies audit events.
type EventType string

const (
	EventStage        EventType = "stage"
	EventConfirmation EventType = "confirmation"
	EventUpgrade      EventType = "upgrade"
	EventBaseline     EventType = "baseline"
	EventOutcome      EventType = "outcome"
)

// Event is a single audit log entry.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Target    string         `json:"target,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events as one JSON object per line. A nil *Logger
// discards events.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	actor  string
	closer io.Closer
	log    *slog.Logger
}

// NewLogger creates a Logger writing to w (os.Stdout when nil).
func NewLogger(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w, actor: currentActor(), log: slog.Default()}
}

// OpenFile appends to the audit file at path, creating it if needed.
func OpenFile(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // G304: configured audit path
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l := NewLogger(f)
	l.closer = f
	return l, nil
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Log records event. It is safe for concurrent use.
func (l *Logger) Log(_ context.Context, event Event) {
	if l == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = l.actor
	}

	data, err := json.Marshal(event)
	if err != nil {
		l.log.Error("failed to marshal audit event", "error", err)
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.writer.Write(data); err != nil {
		l.log.Error("failed to write audit event", "error", err)
	}
}

// LogStage records the completion of a promotion stage.
func (l *Logger) LogStage(ctx context.Context, runID, stage, target string, elapsed time.Duration, err error) {
	e := Event{
		Type:     EventStage,
		RunID:    runID,
		Action:   stage,
		Target:   target,
		Success:  err == nil,
		Metadata: map[string]any{"elapsed_ms": elapsed.Milliseconds()},
	}
	if err != nil {
		e.Detail = err.Error()
	}
	l.Log(ctx, e)
}

// LogConfirmation records the operator's answer to the promotion prompt.
func (l *Logger) LogConfirmation(ctx context.Context, runID, target string, approved bool) {
	action := "declined"
	if approved {
		action = "approved"
	}
	l.Log(ctx, Event{Type: EventConfirmation, RunID: runID, Action: action, Target: target, Success: true})
}

// LogUpgrade records an upgrade of target from one version to another.
func (l *Logger) LogUpgrade(ctx context.Context, runID, target, from, to string, applied int, err error) {
	e := Event{
		Type:     EventUpgrade,
		RunID:    runID,
		Action:   "upgrade",
		Target:   target,
		Success:  err == nil,
		Metadata: map[string]any{"from": from, "to": to, "applied": applied},
	}
	if err != nil {
		e.Detail = err.Error()
	}
	l.Log(ctx, e)
}

// LogBaseline records a baseline being set, with reset when the ledger was
// cleared first.
func (l *Logger) LogBaseline(ctx context.Context, target, version string, reset bool, err error) {
	e := Event{
		Type:     EventBaseline,
		Action:   "baseline",
		Target:   target,
		Success:  err == nil,
		Metadata: map[string]any{"version": version, "reset": reset},
	}
	if err != nil {
		e.Detail = err.Error()
	}
	l.Log(ctx, e)
}

// LogOutcome records how a promotion run ended.
func (l *Logger) LogOutcome(ctx context.Context, runID, outcome string, success bool, detail string) {
	l.Log(ctx, Event{Type: EventOutcome, RunID: runID, Action: outcome, Success: success, Detail: detail})
}

func currentActor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}
