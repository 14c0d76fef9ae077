package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// Detach returns a background context carrying the trace context of ctx, with a
// trace id assigned if it had none. Queued work uses it to outlive its request.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	if tc.TraceID == "" {
		tc.TraceID = NewTraceID()
	}
	return NewContext(context.Background(), tc)
}

// LoggerFromContext returns base tagged with the known fields of ctx's trace context.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc == (TraceContext{}) {
		return base
	}

	lc := base.With()
	for _, f := range []struct{ key, value string }{
		{"trace_id", tc.TraceID},
		{"session_id", tc.SessionID},
		{"transaction_id", tc.TransactionID},
		{"command", tc.Command},
	} {
		if f.value != "" {
			lc = lc.Str(f.key, f.value)
		}
	}
	return lc.Logger()
}
