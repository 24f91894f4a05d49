// Package requestctx carries request-scoped values shared by middleware, handlers and services.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
	actorKey
)

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace metadata of the current request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// HasLogger reports whether a logger was stored on ctx.
func HasLogger(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	return ok && logger != nil && logger != noopLogger
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID returns the trace id of the request, or "".
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

type actorSlot struct {
	mu sync.Mutex
	id string
}

// WithActorSlot reserves room for the caller id. Auth middleware runs inside
// the access log and cannot hand a new context back out, so it fills the slot
// instead.
func WithActorSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, actorKey, &actorSlot{})
}

// SetActor records id in the slot, if one was reserved.
func SetActor(ctx context.Context, id string) {
	if ctx == nil {
		return
	}
	if slot, ok := ctx.Value(actorKey).(*actorSlot); ok {
		slot.mu.Lock()
		slot.id = id
		slot.mu.Unlock()
	}
}

func Actor(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	slot, ok := ctx.Value(actorKey).(*actorSlot)
	if !ok {
		return ""
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.id
}
