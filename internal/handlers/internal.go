package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const defaultSweepBatch = 500

// IdempotencySweeper removes expired idempotency records.
type IdempotencySweeper interface {
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// InternalHandlers serve callers authenticated with a service token: the
// fulfilment integration reporting shipments and the scheduler running sweeps.
type InternalHandlers struct {
	orders  services.OrderLifecycleManager
	sweeper IdempotencySweeper
	batch   int
	clock   func() time.Time
}

type InternalOption func(*InternalHandlers)

func WithIdempotencySweeper(sweeper IdempotencySweeper, batch int) InternalOption {
	return func(h *InternalHandlers) {
		h.sweeper = sweeper
		if batch > 0 {
			h.batch = batch
		}
	}
}

func WithInternalClock(clock func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

func NewInternalHandlers(orders services.OrderLifecycleManager, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{
		orders: orders,
		batch:  defaultSweepBatch,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /internal endpoints. The group middleware must put a
// service identity on the context.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/{orderID}:transition", h.transitionOrder)
	r.Post("/maintenance/idempotency:sweep", h.sweepIdempotency)
}

func (h *InternalHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := requireServiceIdentity(ctx, w)
	if !ok {
		return
	}
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	applyTransition(w, r, h.orders, caller.ActorID())
}

type sweepResponse struct {
	Removed int    `json:"removed"`
	SweptAt string `json:"sweptAt"`
}

func (h *InternalHandlers) sweepIdempotency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := requireServiceIdentity(ctx, w); !ok {
		return
	}
	if h.sweeper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweeper_unavailable", "idempotency store does not support sweeping", http.StatusNotImplemented))
		return
	}
	now := h.clock().UTC()
	removed, err := h.sweeper.CleanupExpired(ctx, now, h.batch)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "idempotency sweep failed", http.StatusServiceUnavailable))
		return
	}
	writeJSONResponse(w, http.StatusOK, sweepResponse{Removed: removed, SweptAt: formatTime(now)})
}

func requireServiceIdentity(ctx context.Context, w http.ResponseWriter) (*auth.ServiceIdentity, bool) {
	identity, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service token required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}
