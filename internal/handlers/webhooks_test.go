package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/services"
)

type stubConfirmer func(ctx context.Context, confirmation services.GatewayConfirmation) (string, error)

func (f stubConfirmer) ConfirmGatewayPayment(ctx context.Context, confirmation services.GatewayConfirmation) (string, error) {
	return f(ctx, confirmation)
}

func TestPaymentWebhookAcceptsNumericAndStringAmounts(t *testing.T) {
	for _, body := range []string{
		`{"transactionId":"tx-1","amount":194.40,"currency":"USD","status":"approved"}`,
		`{"transactionId":"tx-1","amount":"194.40","currency":"USD","status":"approved"}`,
	} {
		var got services.GatewayConfirmation
		handler := NewPaymentWebhookHandlers(stubConfirmer(func(_ context.Context, c services.GatewayConfirmation) (string, error) {
			got = c
			return "ord_1", nil
		}))
		router := chi.NewRouter()
		router.Route("/webhooks", handler.Routes)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe/confirmations", bytes.NewBufferString(body)))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if got.Amount != "194.40" || got.TransactionID != "tx-1" || got.Status != "approved" {
			t.Fatalf("unexpected confirmation %+v", got)
		}
	}
}

func TestPaymentWebhookOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{name: "declined acknowledged", err: &services.PaymentError{Kind: services.PaymentDeclined}, status: http.StatusOK, want: "declined"},
		{name: "mismatch", err: &services.PaymentError{Kind: services.PaymentAmountMismatch}, status: http.StatusConflict, want: "payment_amount_mismatch"},
		{name: "stale", err: services.ErrCheckoutInvalidState, status: http.StatusConflict, want: "invalid_state"},
		{name: "unknown", err: services.ErrCheckoutSessionNotFound, status: http.StatusNotFound, want: "session_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewPaymentWebhookHandlers(stubConfirmer(func(context.Context, services.GatewayConfirmation) (string, error) {
				return "", tc.err
			}))
			router := chi.NewRouter()
			router.Route("/webhooks", handler.Routes)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe/confirmations",
				bytes.NewBufferString(`{"transactionId":"tx-1","amount":"10.00","currency":"USD","status":"approved"}`)))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tc.want && body["error"] != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, body)
			}
		})
	}
}

func TestPaymentWebhookRequiresSignatureThroughRouter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	validator := auth.NewHMACValidator(
		auth.StaticSecrets{"stripe": "whsec"},
		auth.NewInMemoryNonceStore(),
		auth.WithHMACClock(func() time.Time { return now }),
	)
	calls := 0
	handler := NewPaymentWebhookHandlers(stubConfirmer(func(context.Context, services.GatewayConfirmation) (string, error) {
		calls++
		return "ord_1", nil
	}))
	router := NewRouter(
		WithWebhookRoutes(handler.Routes),
		WithWebhookMiddlewares(validator.RequireHMACResolver(ProviderFromRequest)),
	)

	path := "/api/v1/webhooks/payments/stripe/confirmations"
	body := []byte(`{"transactionId":"tx-1","amount":"10.00","currency":"USD","status":"approved"}`)

	unsigned := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, unsigned)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unsigned callback, got %d", rr.Code)
	}

	ts := strconv.FormatInt(now.Unix(), 10)
	signed := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	signed.Header.Set("X-Signature", auth.SignRequest("whsec", http.MethodPost, path, ts, "n-1", body))
	signed.Header.Set("X-Signature-Timestamp", ts)
	signed.Header.Set("X-Signature-Nonce", "n-1")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signed)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for signed callback, got %d: %s", rr.Code, rr.Body.String())
	}
	if calls != 1 {
		t.Fatalf("expected one confirmation, got %d", calls)
	}
}
