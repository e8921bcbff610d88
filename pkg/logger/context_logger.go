package logger

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey string

const (
	traceIDKey    ctxKey = "trace_id"
	requestIDKey  ctxKey = "request_id"
	sessionKeyKey ctxKey = "session_key"
)

// WithTraceID stores the trace id for later log enrichment.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// WithRequestID stores the HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithSessionKey stores the relay session key (meeting uuid + stream id).
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyKey, key)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.SugaredLogger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.SugaredLogger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds the trace id, request id and session key found in ctx.
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.SugaredLogger {
	var fields []interface{}
	for _, key := range []ctxKey{traceIDKey, requestIDKey, sessionKeyKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, string(key), v)
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogError logs err at error level with context fields
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, keysAndValues ...interface{}) {
	cl.WithContext(ctx).With("error", err).Errorw(message, keysAndValues...)
}
