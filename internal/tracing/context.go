package tracing

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// TraceContext identifies the call a context belongs to. Empty fields are unknown.
type TraceContext struct {
	TraceID       string
	SessionID     string
	TransactionID string
	Command       string
}

// overlay returns tc with the non-empty fields of other written over it.
func (tc TraceContext) overlay(other TraceContext) TraceContext {
	if other.TraceID != "" {
		tc.TraceID = other.TraceID
	}
	if other.SessionID != "" {
		tc.SessionID = other.SessionID
	}
	if other.TransactionID != "" {
		tc.TransactionID = other.TransactionID
	}
	if other.Command != "" {
		tc.Command = other.Command
	}
	return tc
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// FromContext returns the trace context carried by ctx.
func FromContext(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	tc, _ := ctx.Value(ctxKey{}).(TraceContext)
	return tc
}

// NewContext returns ctx carrying the non-empty fields of tc on top of the
// trace context ctx already has.
func NewContext(ctx context.Context, tc TraceContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx).overlay(tc))
}

// NewRequestContext starts a request with a fresh trace id.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return NewContext(ctx, TraceContext{TraceID: traceID})
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return NewContext(ctx, TraceContext{SessionID: sessionID})
}

func WithTransactionID(ctx context.Context, transactionID string) context.Context {
	return NewContext(ctx, TraceContext{TransactionID: transactionID})
}

func WithCommand(ctx context.Context, command string) context.Context {
	return NewContext(ctx, TraceContext{Command: command})
}

func GetTraceID(ctx context.Context) string       { return FromContext(ctx).TraceID }
func GetSessionID(ctx context.Context) string     { return FromContext(ctx).SessionID }
func GetTransactionID(ctx context.Context) string { return FromContext(ctx).TransactionID }
func GetCommand(ctx context.Context) string       { return FromContext(ctx).Command }
