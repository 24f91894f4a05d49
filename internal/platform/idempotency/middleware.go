package idempotency

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/platform/requestctx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	maxKeyLength      = 255
)

type middlewareConfig struct {
	headerName string
	ttl        time.Duration
	methods    []string
	clock      func() time.Time
	logger     *zap.Logger
	optional   bool
}

type MiddlewareOption func(*middlewareConfig)

func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.headerName = name
		}
	}
}

func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts which methods require a key.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		var out []string
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			cfg.methods = out
		}
	}
}

// WithLogger sets the logger used when no request logger is on the context.
func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithOptionalKey lets requests without a key through unrecorded. Shopper
// routes use it so clients that never retry are not forced to send keys.
func WithOptionalKey() MiddlewareOption {
	return func(cfg *middlewareConfig) { cfg.optional = true }
}

func WithClock(clock func() time.Time) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

// Middleware requires an idempotency key on mutating requests unless WithOptionalKey is set, runs the handler once per key and
// replays the recorded response for retries. Keys are scoped to the authenticated uid.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	cfg := middlewareConfig{
		headerName: defaultHeaderName,
		ttl:        DefaultTTL,
		methods:    []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		clock:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(cfg.methods, r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			logger := cfg.logger
			if requestctx.HasLogger(ctx) {
				logger = requestctx.Logger(ctx)
			}

			key := strings.TrimSpace(r.Header.Get(cfg.headerName))
			if key == "" && cfg.optional {
				next.ServeHTTP(w, r)
				return
			}
			if key == "" || len(key) > maxKeyLength {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", "missing or invalid "+cfg.headerName+" header", http.StatusBadRequest))
				return
			}
			body, err := readAndReplayBody(r)
			if err != nil {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_body", "unable to read request body", http.StatusBadRequest))
				return
			}

			requester := requesterID(ctx)
			fingerprint := requestFingerprint(r, body, requester)
			scoped := key + "|" + requester

			reservation, err := store.Reserve(ctx, scoped, fingerprint, cfg.clock().UTC(), cfg.ttl)
			if err != nil {
				if errors.Is(err, ErrFingerprintMismatch) {
					httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusUnprocessableEntity))
					return
				}
				logger.Error("idempotency reserve failed", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				writeStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "another request is processing this idempotency key", http.StatusConflict))
				return
			}

			recorder := &responseRecorder{header: make(http.Header)}
			next.ServeHTTP(recorder, r)

			// server errors are not cached so the client can retry with the same key
			if recorder.Status() >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(ctx), scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
				recorder.flush(w)
				return
			}

			resp := Response{Status: recorder.Status(), Headers: recorder.header, Body: recorder.body.Bytes()}
			if err := store.SaveResponse(context.WithoutCancel(ctx), scoped, fingerprint, resp, cfg.clock().UTC(), cfg.ttl); err != nil {
				logger.Error("idempotency save failed", zap.Error(err))
				if err := store.Release(context.WithoutCancel(ctx), scoped, fingerprint); err != nil {
					logger.Warn("idempotency release failed", zap.Error(err))
				}
			}
			recorder.flush(w)
		})
	}
}

// RunCleanup sweeps expired records every interval until ctx is done.
func RunCleanup(ctx context.Context, store Store, interval time.Duration, batch int, logger *zap.Logger) {
	if store == nil || interval <= 0 {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := store.CleanupExpired(ctx, now, batch)
			if err != nil {
				logger.Warn("idempotency cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("idempotency cleanup", zap.Int("removed", removed))
			}
		}
	}
}

func requesterID(ctx context.Context) string {
	if actor, ok := auth.ActorFromContext(ctx); ok {
		return actor.ActorID()
	}
	return "anonymous"
}

func requestFingerprint(r *http.Request, body []byte, requester string) string {
	return sha256Hex([]byte(strings.Join([]string{
		r.Method,
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
		sha256Hex(body),
	}, "|")))
}

func readAndReplayBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func writeStoredResponse(w http.ResponseWriter, record Record) {
	for name, values := range record.ResponseHeaders {
		w.Header()[name] = slices.Clone(values)
	}
	w.Header().Set(replayHeaderName, "true")
	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.ResponseBody)
}

// responseRecorder buffers the handler output so it can be stored before reaching the client.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(data)
}

func (r *responseRecorder) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *responseRecorder) flush(w http.ResponseWriter) {
	for name, values := range r.header {
		w.Header()[name] = values
	}
	w.WriteHeader(r.Status())
	_, _ = w.Write(r.body.Bytes())
}
