package observability

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/harun/txgate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditKind groups audit events.
type AuditKind string

const (
	AuditSession  AuditKind = "session"
	AuditSecurity AuditKind = "security"
	AuditConfig   AuditKind = "config"
)

const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Kind      AuditKind
	Timestamp time.Time
	// Actor is the login or session id that caused the event.
	Actor     string
	Action    string
	Status    string
	SessionID string
	TraceID   string
	Metadata  map[string]interface{}
}

// AuditLogger appends audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the process audit logger. Until InitAuditLogger is
// called events go to stderr.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		auditInst = &AuditLogger{logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	}
	return auditInst
}

// InitAuditLogger appends audit events to path, closing any previous audit file.
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	swapAuditLogger(&AuditLogger{
		logger: zerolog.New(file).With().Timestamp().Logger(),
		file:   file,
	})
	return nil
}

// SetAuditWriter sends audit events to logger instead of a file.
func SetAuditWriter(logger zerolog.Logger) {
	swapAuditLogger(&AuditLogger{logger: logger})
}

func swapAuditLogger(next *AuditLogger) {
	auditMu.Lock()
	prev := auditInst
	auditInst = next
	auditMu.Unlock()

	if prev != nil {
		_ = prev.Close()
	}
}

// Record writes event. The trace and session ids default to those carried by
// ctx, and an active span gets the event attached.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.SessionID == "" {
		event.SessionID = tracing.GetSessionID(ctx)
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		event.TraceID = sc.TraceID().String()
		trace.SpanFromContext(ctx).AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.kind", string(event.Kind)),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	} else if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("at", event.Timestamp).
		Str("kind", string(event.Kind)).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("actor", event.Actor)
	if event.SessionID != "" {
		entry = entry.Str("session_id", event.SessionID)
	}
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Fields(event.Metadata)
	}
	entry.Send()
}

// Close closes the audit file, if any. Closing twice is harmless.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

func record(ctx context.Context, kind AuditKind, action, actor, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Kind:     kind,
		Actor:    actor,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordSessionAudit records an action taken on a session, such as kill_session.
func RecordSessionAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	record(ctx, AuditSession, action, actor, status, metadata)
}

// RecordSecurityAudit records a login attempt or another credential check.
func RecordSecurityAudit(ctx context.Context, action, actor, status string, metadata map[string]interface{}) {
	record(ctx, AuditSecurity, action, actor, status, metadata)
}

// RecordConfigAudit records a configuration change applied at runtime.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	record(ctx, AuditConfig, action, actor, StatusSuccess, metadata)
}
