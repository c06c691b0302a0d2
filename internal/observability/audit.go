package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventRequestStart     AuditEventType = "request.start"
	AuditEventRequestEnd       AuditEventType = "request.end"
	AuditEventResultResolved   AuditEventType = "result.resolved"
	AuditEventModuleRun        AuditEventType = "module.run"
	AuditEventModuleError      AuditEventType = "module.error"
	AuditEventCacheWriteFailed AuditEventType = "cache.write_failed"
)

// AuditEvent represents a single audit log entry.
type AuditEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	SessionID   string         `json:"session_id"`
	RunID       string         `json:"run_id,omitempty"`
	Module      string         `json:"module,omitempty"`
	Key         string         `json:"key,omitempty"`
	Success     bool           `json:"success"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// AuditLogger writes one JSON line per resolution event. It implements
// resolver.Observer.
type AuditLogger struct {
	mu        sync.Mutex
	writer    io.Writer
	sessionID string
	runID     string
	enabled   bool
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
	SessionID  string
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stdout",
	}
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}

	var writer io.Writer
	switch config.OutputPath {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer = f
	}
	return NewAuditWriter(writer, config.SessionID, config.Enabled), nil
}

// NewAuditWriter returns an audit logger writing to w. An empty session ID
// is replaced by a random one.
func NewAuditWriter(w io.Writer, sessionID string, enabled bool) *AuditLogger {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &AuditLogger{writer: w, sessionID: sessionID, enabled: enabled}
}

// SessionID returns the session identifier stamped on every event.
func (l *AuditLogger) SessionID() string { return l.sessionID }

// Log writes an audit event.
func (l *AuditLogger) Log(event *AuditEvent) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SessionID == "" {
		event.SessionID = l.sessionID
	}
	if event.RunID == "" {
		event.RunID = l.runID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	_, err = fmt.Fprintf(l.writer, "%s\n", data)
	return err
}

// LogRequestStart marks the start of a resolution request and stamps runID
// on every event until the matching LogRequestEnd.
func (l *AuditLogger) LogRequestStart(runID string, modules []string) {
	l.mu.Lock()
	l.runID = runID
	l.mu.Unlock()
	l.Log(&AuditEvent{
		EventType: AuditEventRequestStart,
		Success:   true,
		Message:   fmt.Sprintf("Request %s started", runID),
		Details:   map[string]any{"modules": modules},
	})
}

// LogRequestEnd records the outcome of a request.
func (l *AuditLogger) LogRequestEnd(runID string, duration time.Duration, err error) {
	ev := &AuditEvent{
		EventType:  AuditEventRequestEnd,
		RunID:      runID,
		Success:    err == nil,
		DurationMS: duration.Milliseconds(),
		Message:    fmt.Sprintf("Request %s finished", runID),
	}
	if err != nil {
		ev.ErrorDetail = err.Error()
	}
	l.Log(ev)
	l.mu.Lock()
	l.runID = ""
	l.mu.Unlock()
}

func (l *AuditLogger) NodeResolved(_ context.Context, ev resolver.ResultEvent) {
	deps := make([]string, len(ev.Dependencies))
	for i, d := range ev.Dependencies {
		deps[i] = d.Name + "@" + d.Key
	}
	l.Log(&AuditEvent{
		EventType: AuditEventResultResolved,
		Module:    ev.Module,
		Key:       ev.Key,
		Success:   true,
		Message:   fmt.Sprintf("Result of %s from %s", ev.Module, ev.Source),
		Details: map[string]any{
			"source":         ev.Source.String(),
			"local_key":      ev.LocalKey,
			"dependency_key": ev.DependencyKey,
			"dependencies":   deps,
		},
	})
}

func (l *AuditLogger) ModuleRan(_ context.Context, module, key string, d time.Duration, err error) {
	ev := &AuditEvent{
		EventType:  AuditEventModuleRun,
		Module:     module,
		Key:        key,
		Success:    err == nil,
		DurationMS: d.Milliseconds(),
		Message:    fmt.Sprintf("Module %s ran", module),
	}
	if err != nil {
		ev.EventType = AuditEventModuleError
		ev.Message = fmt.Sprintf("Module %s failed", module)
		ev.ErrorDetail = err.Error()
	}
	l.Log(ev)
}

func (l *AuditLogger) CacheLookup(string, string, resolver.Source) {}

func (l *AuditLogger) DiskWriteFailed(module, object string, err error) {
	l.Log(&AuditEvent{
		EventType:   AuditEventCacheWriteFailed,
		Module:      module,
		Success:     false,
		Message:     fmt.Sprintf("Writing %s failed", object),
		ErrorDetail: err.Error(),
	})
}

// Close closes the audit logger (if using a file).
func (l *AuditLogger) Close() error {
	if closer, ok := l.writer.(io.Closer); ok {
		if closer != os.Stdout && closer != os.Stderr {
			return closer.Close()
		}
	}
	return nil
}

var _ resolver.Observer = (*AuditLogger)(nil)
