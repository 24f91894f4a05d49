package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	maxCheckoutRequestBody = 8 * 1024
	defaultAwaitTimeout    = 30 * time.Second
)

// CheckoutHandlers exposes the checkout wizard to authenticated shoppers.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	maxAwait    time.Duration
	successURL  string
	cancelURL   string
	middlewares []func(http.Handler) http.Handler
	mutations   []func(http.Handler) http.Handler
}

// CheckoutOption customises checkout handlers.
type CheckoutOption func(*CheckoutHandlers)

// WithMaxAwait caps the long-poll duration accepted by the await endpoint.
func WithMaxAwait(d time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		if d > 0 {
			h.maxAwait = d
		}
	}
}

// WithReturnURLs sets the hosted payment page return URLs used when a request omits them.
func WithReturnURLs(successURL, cancelURL string) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.successURL = strings.TrimSpace(successURL)
		h.cancelURL = strings.TrimSpace(cancelURL)
	}
}

// WithCheckoutMiddlewares wraps every checkout route, typically with a rate limiter.
func WithCheckoutMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.middlewares = append(h.middlewares, mw...)
	}
}

// WithMutationMiddlewares wraps the routes that change a session, typically
// with idempotency replay. Quote, get and await are left out.
func WithMutationMiddlewares(mw ...func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) {
		for _, m := range mw {
			if m != nil {
				h.mutations = append(h.mutations, m)
			}
		}
	}
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
		maxAwait: 2 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	for _, mw := range h.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}
	r.Post("/quote", h.quote)
	r.With(h.mutations...).Post("/sessions", h.startSession)
	r.Route("/sessions/{sessionID}", func(s chi.Router) {
		s.Get("/", h.getSession)
		s.Post("/await", h.await)
		s.Group(func(m chi.Router) {
			m.Use(h.mutations...)
			m.Put("/address", h.updateAddress)
			m.Post("/country", h.selectCountry)
			m.Post("/continue", h.continueToReview)
			m.Post("/back", h.back)
			m.Post("/coupon", h.applyCoupon)
			m.Post("/payment-method", h.selectPaymentMethod)
			m.Post("/submit", h.submit)
			m.Post("/cancel-payment", h.cancelPayment)
		})
	})
}

type quoteRequest struct {
	CouponCode string `json:"couponCode"`
}

type countryRequest struct {
	Country string `json:"country"`
}

type couponRequest struct {
	Code string `json:"code"`
}

type paymentMethodRequest struct {
	MethodID string `json:"methodId"`
}

type submitRequest struct {
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

type awaitRequest struct {
	TimeoutSeconds int `json:"timeoutSeconds"`
}

type couponSessionResponse struct {
	checkoutSessionPayload
	CouponRejection string `json:"couponRejection,omitempty"`
}

func (h *CheckoutHandlers) available(w http.ResponseWriter, r *http.Request) bool {
	if h.checkout == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *CheckoutHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req quoteRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, true, &req) {
		return
	}
	quote, err := h.checkout.Preview(ctx, identity.UID, req.CouponCode)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildQuotePayload(quote))
}

func (h *CheckoutHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	session, err := h.checkout.Start(ctx, identity.UID)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildCheckoutSessionPayload(session))
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.Get(r.Context(), identity.UID, sessionID)
	})
}

func (h *CheckoutHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	var req addressPayload
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.UpdateAddress(r.Context(), identity.UID, sessionID, req.toDomain())
	})
}

func (h *CheckoutHandlers) selectCountry(w http.ResponseWriter, r *http.Request) {
	var req countryRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.SelectCountry(r.Context(), identity.UID, sessionID, req.Country)
	})
}

func (h *CheckoutHandlers) continueToReview(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.Continue(r.Context(), identity.UID, sessionID)
	})
}

func (h *CheckoutHandlers) back(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.Back(r.Context(), identity.UID, sessionID)
	})
}

// applyCoupon answers 200 for a rejected code: the session keeps the code with its reason and
// checkout continues without the discount.
func (h *CheckoutHandlers) applyCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	var req couponRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, true, &req) {
		return
	}
	session, err := h.checkout.ApplyCoupon(ctx, identity.UID, chi.URLParam(r, "sessionID"), req.Code)
	var couponErr *services.CouponError
	if err != nil && !errors.As(err, &couponErr) {
		writeServiceError(ctx, w, err)
		return
	}
	resp := couponSessionResponse{checkoutSessionPayload: buildCheckoutSessionPayload(session)}
	if couponErr != nil {
		resp.CouponRejection = string(couponErr.Kind)
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CheckoutHandlers) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, false, &req) {
		return
	}
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.SelectPaymentMethod(r.Context(), identity.UID, sessionID, req.MethodID)
	})
}

func (h *CheckoutHandlers) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, true, &req) {
		return
	}
	successURL := firstNonEmpty(req.SuccessURL, h.successURL)
	cancelURL := firstNonEmpty(req.CancelURL, h.cancelURL)
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.Submit(r.Context(), services.SubmitCheckoutCommand{
			UserID:     identity.UID,
			SessionID:  sessionID,
			SuccessURL: successURL,
			CancelURL:  cancelURL,
		})
	})
}

// await long-polls until the pending gateway payment resolves. A timeout answers 503 with the
// still-awaiting session so the client can poll again.
func (h *CheckoutHandlers) await(w http.ResponseWriter, r *http.Request) {
	var req awaitRequest
	if !decodeJSONBody(w, r, maxCheckoutRequestBody, true, &req) {
		return
	}
	timeout := defaultAwaitTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > h.maxAwait {
		timeout = h.maxAwait
	}
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.AwaitConfirmation(r.Context(), identity.UID, sessionID, timeout)
	})
}

func (h *CheckoutHandlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error) {
		return h.checkout.CancelPayment(r.Context(), identity.UID, sessionID)
	})
}

// run resolves the caller and session id, invokes fn and writes the session. Field validation
// failures still carry the session so the form can render the errors next to its values.
func (h *CheckoutHandlers) run(w http.ResponseWriter, r *http.Request, fn func(identity *auth.Identity, sessionID string) (domain.CheckoutSession, error)) {
	ctx := r.Context()
	if !h.available(w, r) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return
	}
	session, err := fn(identity, sessionID)
	if err != nil {
		apiErr := serviceError(err)
		if session.ID != "" {
			apiErr = apiErr.WithDetails(map[string]any{"session": buildCheckoutSessionPayload(session)})
		}
		httpx.WriteError(ctx, w, apiErr)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildCheckoutSessionPayload(session))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
