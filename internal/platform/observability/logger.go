package observability

import (
	"context"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds the JSON logger used in every environment. Keys follow Cloud Logging
// conventions; LOG_LEVEL overrides the level.
func NewLogger() (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))))); err != nil {
		_ = level.UnmarshalText([]byte(defaultLogLevel))
	}
	cfg := zap.Config{
		Level:    level,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeLevel:   zapcore.CapitalLevelEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return requestctx.WithLogger(ctx, logger)
}

func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger is the structured logging hook accepted by services.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// ServiceLogger binds services to zap. The request logger on ctx is preferred so events carry
// request and trace ids; fallback is used outside requests. Events ending in .failed, .error or
// .rejected, and events flagged fraudSuspect, are logged at warn.
func ServiceLogger(fallback *zap.Logger) EventLogger {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := fallback
		if requestctx.HasLogger(ctx) {
			logger = requestctx.Logger(ctx)
		}
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		zapFields := make([]zap.Field, 0, len(keys)+1)
		zapFields = append(zapFields, zap.String("event", event))
		for _, key := range keys {
			if err, ok := fields[key].(error); ok {
				zapFields = append(zapFields, zap.NamedError(key, err))
				continue
			}
			zapFields = append(zapFields, zap.Any(key, fields[key]))
		}
		if isWarning(event, fields) {
			logger.Warn(event, zapFields...)
			return
		}
		logger.Info(event, zapFields...)
	}
}

func isWarning(event string, fields map[string]any) bool {
	if suspect, ok := fields["fraudSuspect"].(bool); ok && suspect {
		return true
	}
	for _, suffix := range []string{".failed", ".error", ".rejected"} {
		if strings.HasSuffix(event, suffix) {
			return true
		}
	}
	return false
}
