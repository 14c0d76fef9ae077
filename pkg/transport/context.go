package transport

import (
	"context"
	"net/http"

	"github.com/harun/txgate/internal/tracing"
	"github.com/rs/zerolog"
)

type ctxKey string

const (
	clientIDKey ctxKey = "clientID"
	remoteKey   ctxKey = "remoteAddr"
)

func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientIDFromContext returns the websocket client a request arrived on.
func ClientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(clientIDKey).(string); ok {
		return value
	}
	return ""
}

func withRemote(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteKey, addr)
}

// RemoteFromContext returns the peer address a request arrived from.
func RemoteFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(remoteKey).(string); ok {
		return value
	}
	return ""
}

// requestContext starts a request context carrying the caller's trace id, or a fresh one.
func requestContext(r *http.Request) context.Context {
	traceID := r.Header.Get(TraceHeader)
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	ctx := tracing.WithTraceID(context.Background(), traceID)
	return withRemote(ctx, r.RemoteAddr)
}

// requestLogger tags base with the trace id, peer and websocket client of ctx.
func requestLogger(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	lc := tracing.LoggerFromContext(ctx, base).With()
	if remote := RemoteFromContext(ctx); remote != "" {
		lc = lc.Str("remote", remote)
	}
	if clientID := ClientIDFromContext(ctx); clientID != "" {
		lc = lc.Str("client_id", clientID)
	}
	return lc.Logger()
}
