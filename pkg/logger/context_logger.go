package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	keyCallID    ctxKey = "call_id"
	keyPeer      ctxKey = "peer"
	keyRequestID ctxKey = "request_id"
	keyTraceID   ctxKey = "trace_id"
)

// WithCallID stores the current call identifier in ctx.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyCallID, id)
}

// WithPeer stores the remote peer address in ctx.
func WithPeer(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, keyPeer, addr)
}

// WithRequestID stores an HTTP request identifier in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// WithTraceID stores a trace identifier in ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTraceID, id)
}

// CallID returns the call identifier stored in ctx, if any.
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(keyCallID).(string)
	return id
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

// NewContextLogger creates a new context logger
func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext adds context fields to logger
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	fields := []zapcore.Field{}

	for _, key := range []ctxKey{keyTraceID, keyRequestID, keyCallID, keyPeer} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}

	return cl.logger.With(fields...)
}

// Sugar returns a sugared logger carrying the context fields.
func (cl *ContextLogger) Sugar(ctx context.Context) *zap.SugaredLogger {
	return cl.WithContext(ctx).Sugar()
}

// WithError adds error to logger
func (cl *ContextLogger) WithError(err error) *zap.Logger {
	return cl.logger.With(zap.Error(err))
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogCallEvent logs a call lifecycle event with context
func (cl *ContextLogger) LogCallEvent(ctx context.Context, event string, fields ...zapcore.Field) {
	cl.WithContext(ctx).Info("call_event", append(fields, zap.String("event", event))...)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	logger := cl.WithContext(ctx).With(zap.Error(err))
	logger.Error(message, fields...)
}
