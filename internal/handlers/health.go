package handlers

import (
	"net/http"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/repositories"
)

// BuildInfo identifies the running binary in health payloads.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// HealthHandlers serves /healthz (liveness) and /readyz (dependency readiness).
type HealthHandlers struct {
	build  BuildInfo
	health repositories.HealthRepository
	now    func() time.Time
}

// HealthOption customises health handlers.
type HealthOption func(*HealthHandlers)

func WithHealthBuildInfo(info BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

func WithHealthRepository(repo repositories.HealthRepository) HealthOption {
	return func(h *HealthHandlers) {
		h.health = repo
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.now = clock
		}
	}
}

func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.now()
	}
	return h
}

type dependencyPayload struct {
	Status    domain.HealthStatus `json:"status"`
	Detail    string              `json:"detail,omitempty"`
	LatencyMS int64               `json:"latencyMs"`
	CheckedAt string              `json:"checkedAt"`
}

func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"status":      domain.HealthStatusOK,
		"version":     h.build.Version,
		"commitSha":   h.build.CommitSHA,
		"environment": h.build.Environment,
		"uptime":      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		"timestamp":   formatTime(now),
	})
}

// Readyz answers 503 only when a required dependency is down; degraded optional
// dependencies still report ready.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.health == nil {
		writeJSONResponse(w, http.StatusOK, map[string]any{"status": domain.HealthStatusOK, "timestamp": formatTime(h.now())})
		return
	}
	report, err := h.health.Collect(ctx)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("health_unavailable", "failed to collect health report", http.StatusServiceUnavailable))
		return
	}
	checks := make(map[string]dependencyPayload, len(report.Checks))
	for name, check := range report.Checks {
		checks[name] = dependencyPayload{
			Status:    check.Status,
			Detail:    check.Detail,
			LatencyMS: check.Latency.Milliseconds(),
			CheckedAt: formatTime(check.CheckedAt),
		}
	}
	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, map[string]any{
		"status":    report.Status,
		"checks":    checks,
		"version":   h.build.Version,
		"timestamp": formatTime(report.GeneratedAt),
	})
}
