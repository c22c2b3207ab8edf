package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type sessionCtxKey struct{}
type requestCtxKey struct{}
type workerCtxKey struct{}
type loggerCtxKey struct{}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ContextFields extracts correlation fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if id := SessionIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("session.id", id))
	}
	if id := RequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request.id", id))
	}
	if id := WorkerIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("worker.id", id))
	}
	return fields
}

func mustID(id, name string) {
	if !idPattern.MatchString(id) {
		panic(fmt.Sprintf("logging: %s %q must match %s", name, id, idPattern))
	}
}

// WithSessionID adds the session ID to ctx. Panics on malformed IDs; callers
// validate user input before calling.
func WithSessionID(ctx context.Context, id string) context.Context {
	mustID(id, "session id")
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext returns the session ID or "".
func SessionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey{}).(string)
	return s
}

// WithRequestID adds the request ID to ctx. Panics on malformed IDs.
func WithRequestID(ctx context.Context, id string) context.Context {
	mustID(id, "request id")
	return context.WithValue(ctx, requestCtxKey{}, id)
}

// RequestIDFromContext returns the request ID or "".
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithWorkerID adds the worker process ID to ctx. Panics on malformed IDs.
func WithWorkerID(ctx context.Context, id string) context.Context {
	mustID(id, "worker id")
	return context.WithValue(ctx, workerCtxKey{}, id)
}

// WorkerIDFromContext returns the worker ID or "".
func WorkerIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(workerCtxKey{}).(string)
	return s
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
