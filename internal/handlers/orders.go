package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const maxTransitionBodySize = 4 * 1024

// ArchiveLinker signs download links for archived order snapshots.
type ArchiveLinker interface {
	DownloadURL(order domain.Order, expiry time.Duration) (string, time.Time, error)
}

// AdminOrderHandlers exposes order inspection and fulfilment transitions to staff.
type AdminOrderHandlers struct {
	authn      *auth.Authenticator
	orders     services.OrderLifecycleManager
	archive    ArchiveLinker
	roles      []string
	transition []func(http.Handler) http.Handler
}

// AdminOrderOption customises admin order handlers.
type AdminOrderOption func(*AdminOrderHandlers)

// WithStaffRoles overrides the roles allowed on admin order routes.
func WithStaffRoles(roles ...string) AdminOrderOption {
	return func(h *AdminOrderHandlers) {
		if len(roles) > 0 {
			h.roles = roles
		}
	}
}

// WithTransitionMiddlewares wraps the transition route only, typically with idempotency.
func WithTransitionMiddlewares(mw ...func(http.Handler) http.Handler) AdminOrderOption {
	return func(h *AdminOrderHandlers) {
		h.transition = append(h.transition, mw...)
	}
}

// WithArchiveLinker enables the archived snapshot link endpoint.
func WithArchiveLinker(linker ArchiveLinker) AdminOrderOption {
	return func(h *AdminOrderHandlers) {
		h.archive = linker
	}
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderLifecycleManager, opts ...AdminOrderOption) *AdminOrderHandlers {
	h := &AdminOrderHandlers{
		authn:  authn,
		orders: orders,
		roles:  []string{auth.RoleStaff, auth.RoleAdmin},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(h.roles...))
	}
	r.Get("/orders/{orderID}", h.getOrder)
	r.Get("/orders/{orderID}/events", h.listEvents)
	r.Get("/orders/{orderID}/archive", h.archiveLink)
	r.With(h.transition...).Post("/orders/{orderID}:transition", h.transitionOrder)
}

type transitionRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"trackingNumber"`
	TrackingURL    string `json:"trackingUrl"`
	Note           string `json:"note"`
}

type archiveLinkResponse struct {
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt"`
}

func (h *AdminOrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	order, ok := h.loadOrder(ctx, w, r)
	if !ok {
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminOrderHandlers) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	events, err := h.orders.History(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"events": buildOrderEventPayloads(events)})
}

func (h *AdminOrderHandlers) archiveLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.archive == nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_disabled", "order archive is not configured", http.StatusNotFound))
		return
	}
	order, ok := h.loadOrder(ctx, w, r)
	if !ok {
		return
	}
	url, expires, err := h.archive.DownloadURL(order, 0)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("archive_unavailable", "could not sign archive link", http.StatusBadGateway))
		return
	}
	writeJSONResponse(w, http.StatusOK, archiveLinkResponse{URL: url, ExpiresAt: formatTime(expires)})
}

func (h *AdminOrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	applyTransition(w, r, h.orders, identity.ActorID())
}

// applyTransition decodes a transition body and moves the order in the path.
func applyTransition(w http.ResponseWriter, r *http.Request, orders services.OrderLifecycleManager, actorID string) {
	ctx := r.Context()
	var req transitionRequest
	if !decodeJSONBody(w, r, maxTransitionBodySize, false, &req) {
		return
	}
	target := domain.OrderStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if !target.IsValid() {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be one of pending, processing, shipped, delivered, cancelled", http.StatusBadRequest))
		return
	}

	order, err := orders.Transition(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")), target, services.TransitionMeta{
		TrackingNumber: req.TrackingNumber,
		TrackingURL:    req.TrackingURL,
		Note:           req.Note,
		ActorID:        actorID,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *AdminOrderHandlers) loadOrder(ctx context.Context, w http.ResponseWriter, r *http.Request) (domain.Order, bool) {
	if !h.available(ctx, w) {
		return domain.Order{}, false
	}
	order, err := h.orders.Get(ctx, strings.TrimSpace(chi.URLParam(r, "orderID")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return domain.Order{}, false
	}
	return order, true
}

func (h *AdminOrderHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}
