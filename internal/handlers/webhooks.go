package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/platform/httpx"
	"github.com/hanko-field/checkout/internal/services"
)

const maxWebhookBodySize = 16 * 1024

// PaymentConfirmer turns a verified gateway callback into an order.
type PaymentConfirmer interface {
	ConfirmGatewayPayment(ctx context.Context, confirmation services.GatewayConfirmation) (string, error)
}

// PaymentWebhookHandlers receives asynchronous gateway confirmations. Signature verification
// runs as router middleware before these handlers.
type PaymentWebhookHandlers struct {
	confirmer PaymentConfirmer
}

func NewPaymentWebhookHandlers(confirmer PaymentConfirmer) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{confirmer: confirmer}
}

// Routes registers webhook endpoints relative to the /webhooks group.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}/confirmations", h.confirm)
}

// ProviderFromRequest returns the signer name for the webhook route, used to select the HMAC
// secret.
func ProviderFromRequest(r *http.Request) (string, bool) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	if provider == "" {
		// middleware mounted on the group runs before chi resolves route params
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		for i := 0; i+2 < len(parts); i++ {
			if parts[i] == "payments" && parts[i+2] == "confirmations" {
				provider = strings.ToLower(strings.TrimSpace(parts[i+1]))
				break
			}
		}
	}
	return provider, provider != ""
}

type paymentConfirmationRequest struct {
	TransactionID string      `json:"transactionId"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	Status        string      `json:"status"`
}

type paymentConfirmationResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"orderId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (h *PaymentWebhookHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.confirmer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}
	var req paymentConfirmationRequest
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "transactionId is required", http.StatusBadRequest))
		return
	}

	orderID, err := h.confirmer.ConfirmGatewayPayment(ctx, services.GatewayConfirmation{
		TransactionID: req.TransactionID,
		Amount:        req.Amount.String(),
		Currency:      req.Currency,
		Status:        req.Status,
	})
	if err != nil {
		// A decline is a valid outcome the gateway should not redeliver.
		var paymentErr *services.PaymentError
		if errors.As(err, &paymentErr) && paymentErr.Kind == services.PaymentDeclined {
			writeJSONResponse(w, http.StatusOK, paymentConfirmationResponse{Status: "declined", Reason: string(paymentErr.Kind)})
			return
		}
		writeServiceError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentConfirmationResponse{Status: "confirmed", OrderID: orderID})
}
