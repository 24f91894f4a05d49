package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

// writeServiceError maps checkout and order errors onto the shared error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	httpx.WriteError(ctx, w, serviceError(err))
}

func serviceError(err error) httpx.Error {
	var (
		fieldErrs     services.ValidationErrors
		fieldErr      *services.ValidationError
		couponErr     *services.CouponError
		pricingErr    *services.PricingError
		paymentErr    *services.PaymentError
		transitionErr *services.TransitionError
	)
	switch {
	case errors.As(err, &fieldErrs):
		return httpx.NewError("validation_failed", "one or more fields are invalid", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"fields": fieldErrs.Fields()})
	case errors.As(err, &fieldErr):
		return httpx.NewError("validation_failed", fieldErr.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"fields": map[string]string{fieldErr.Field: fieldErr.Reason}})
	case errors.As(err, &transitionErr):
		return httpx.NewError("illegal_transition", transitionErr.Error(), http.StatusConflict).
			WithDetails(map[string]any{
				"current_status":   string(transitionErr.Current),
				"attempted_status": string(transitionErr.Attempted),
			})
	case errors.As(err, &paymentErr):
		return paymentHTTPError(paymentErr)
	case errors.As(err, &couponErr):
		return httpx.NewError("coupon_rejected", couponErr.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"reason": string(couponErr.Kind)})
	case errors.As(err, &pricingErr):
		return httpx.NewError("invalid_cart", pricingErr.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"reason": string(pricingErr.Kind)})
	case errors.Is(err, services.ErrCheckoutSessionNotFound), errors.Is(err, services.ErrCheckoutForbidden):
		return httpx.NewError("session_not_found", "checkout session not found or expired", http.StatusNotFound)
	case errors.Is(err, services.ErrCheckoutSessionComplete):
		return httpx.NewError("session_complete", "checkout session is already complete", http.StatusConflict)
	case errors.Is(err, services.ErrCheckoutInvalidState):
		return httpx.NewError("invalid_state", err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrOrderNotFound):
		return httpx.NewError("order_not_found", "order not found", http.StatusNotFound)
	case errors.Is(err, services.ErrOrderInvalidInput):
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrOrderConflict):
		return httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict)
	case errors.Is(err, services.ErrRepositoryUnavailable):
		return httpx.NewError("service_unavailable", "a backing service is unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return httpx.NewError("timeout", "request timed out", http.StatusGatewayTimeout)
	default:
		return httpx.NewError("internal_error", "failed to process request", http.StatusInternalServerError)
	}
}

func paymentHTTPError(err *services.PaymentError) httpx.Error {
	details := map[string]any{
		"reason":    string(err.Kind),
		"retryable": err.Retryable(),
	}
	switch err.Kind {
	case services.PaymentDeclined:
		return httpx.NewError("payment_declined", "payment was declined", http.StatusPaymentRequired).WithDetails(details)
	case services.PaymentNetwork:
		return httpx.NewError("payment_unavailable", "payment provider could not be reached", http.StatusServiceUnavailable).WithDetails(details)
	case services.PaymentAmountMismatch:
		return httpx.NewError("payment_amount_mismatch", "payment does not match the order total", http.StatusConflict).WithDetails(details)
	default:
		return httpx.NewError("payment_failed", err.Error(), http.StatusConflict).WithDetails(details)
	}
}
