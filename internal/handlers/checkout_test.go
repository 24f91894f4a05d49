package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/services"
)

type stubCheckoutService struct {
	services.CheckoutService

	startFunc     func(ctx context.Context, userID string) (domain.CheckoutSession, error)
	previewFunc   func(ctx context.Context, userID, couponCode string) (services.PricingQuote, error)
	addressFunc   func(ctx context.Context, userID, sessionID string, addr domain.Address) (domain.CheckoutSession, error)
	continueFunc  func(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
	couponFunc    func(ctx context.Context, userID, sessionID, code string) (domain.CheckoutSession, error)
	submitFunc    func(ctx context.Context, cmd services.SubmitCheckoutCommand) (domain.CheckoutSession, error)
	awaitFunc     func(ctx context.Context, userID, sessionID string, timeout time.Duration) (domain.CheckoutSession, error)
	confirmFunc   func(ctx context.Context, confirmation services.GatewayConfirmation) (string, error)
	getFunc       func(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
	selectMethod  func(ctx context.Context, userID, sessionID, methodID string) (domain.CheckoutSession, error)
	cancelPayment func(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
}

func (s *stubCheckoutService) Start(ctx context.Context, userID string) (domain.CheckoutSession, error) {
	return s.startFunc(ctx, userID)
}

func (s *stubCheckoutService) Preview(ctx context.Context, userID, couponCode string) (services.PricingQuote, error) {
	return s.previewFunc(ctx, userID, couponCode)
}

func (s *stubCheckoutService) Get(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.getFunc(ctx, userID, sessionID)
}

func (s *stubCheckoutService) UpdateAddress(ctx context.Context, userID, sessionID string, addr domain.Address) (domain.CheckoutSession, error) {
	return s.addressFunc(ctx, userID, sessionID, addr)
}

func (s *stubCheckoutService) Continue(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.continueFunc(ctx, userID, sessionID)
}

func (s *stubCheckoutService) ApplyCoupon(ctx context.Context, userID, sessionID, code string) (domain.CheckoutSession, error) {
	return s.couponFunc(ctx, userID, sessionID, code)
}

func (s *stubCheckoutService) SelectPaymentMethod(ctx context.Context, userID, sessionID, methodID string) (domain.CheckoutSession, error) {
	return s.selectMethod(ctx, userID, sessionID, methodID)
}

func (s *stubCheckoutService) Submit(ctx context.Context, cmd services.SubmitCheckoutCommand) (domain.CheckoutSession, error) {
	return s.submitFunc(ctx, cmd)
}

func (s *stubCheckoutService) AwaitConfirmation(ctx context.Context, userID, sessionID string, timeout time.Duration) (domain.CheckoutSession, error) {
	return s.awaitFunc(ctx, userID, sessionID, timeout)
}

func (s *stubCheckoutService) CancelPayment(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.cancelPayment(ctx, userID, sessionID)
}

func (s *stubCheckoutService) ConfirmGatewayPayment(ctx context.Context, confirmation services.GatewayConfirmation) (string, error) {
	return s.confirmFunc(ctx, confirmation)
}

func merchantSnapshot() domain.MerchantConfig {
	return domain.MerchantConfig{
		Currency: "USD",
		PaymentMethods: []domain.PaymentMethodDescriptor{
			{ID: "cod", DisplayName: "Cash on delivery", Flow: domain.PaymentFlowDirect, Enabled: true},
			{ID: "card", DisplayName: "Card", Flow: domain.PaymentFlowGateway, Provider: "stripe", Enabled: true},
			{ID: "bank", DisplayName: "Bank transfer", Flow: domain.PaymentFlowDirect, Enabled: false},
		},
	}
}

func checkoutRouter(service services.CheckoutService, opts ...CheckoutOption) chi.Router {
	router := chi.NewRouter()
	router.Route("/checkout", NewCheckoutHandlers(nil, service, opts...).Routes)
	return router
}

func shopperRequest(method, path, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1", Roles: []string{auth.RoleUser}}))
}

func TestCheckoutHandlersStartSession(t *testing.T) {
	service := &stubCheckoutService{
		startFunc: func(_ context.Context, userID string) (domain.CheckoutSession, error) {
			if userID != "user-1" {
				t.Fatalf("expected user-1, got %s", userID)
			}
			return domain.CheckoutSession{
				ID:      "chk_1",
				UserID:  userID,
				Step:    domain.CheckoutStepShipping,
				Config:  merchantSnapshot(),
				Payment: domain.CheckoutPayment{Phase: domain.PaymentPhaseIdle},
			}, nil
		},
	}

	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/sessions", ""))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkoutSessionPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "chk_1" || resp.Step != "shipping" {
		t.Fatalf("unexpected session %+v", resp)
	}
	if len(resp.PaymentMethods) != 2 {
		t.Fatalf("expected only enabled methods, got %+v", resp.PaymentMethods)
	}
}

func TestCheckoutHandlersRequireIdentity(t *testing.T) {
	service := &stubCheckoutService{}
	req := httptest.NewRequest(http.MethodPost, "/checkout/sessions", nil)
	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutHandlersContinueValidationErrors(t *testing.T) {
	service := &stubCheckoutService{
		continueFunc: func(_ context.Context, _, sessionID string) (domain.CheckoutSession, error) {
			session := domain.CheckoutSession{
				ID:          sessionID,
				Step:        domain.CheckoutStepShipping,
				FieldErrors: map[string]string{"email": "must be a valid email address"},
				Config:      merchantSnapshot(),
			}
			return session, services.ValidationErrors{{Field: "email", Reason: "must be a valid email address"}}
		},
	}

	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/continue", ""))

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	fields, ok := body["fields"].(map[string]any)
	if !ok || fields["email"] == nil {
		t.Fatalf("expected field errors, got %v", body)
	}
	if _, ok := body["session"].(map[string]any); !ok {
		t.Fatalf("expected session alongside validation errors, got %v", body)
	}
}

func TestCheckoutHandlersUpdateAddressPassesFields(t *testing.T) {
	var captured domain.Address
	service := &stubCheckoutService{
		addressFunc: func(_ context.Context, _, sessionID string, addr domain.Address) (domain.CheckoutSession, error) {
			captured = addr
			return domain.CheckoutSession{ID: sessionID, Step: domain.CheckoutStepShipping, Address: addr}, nil
		},
	}
	payload := `{"fullName":"Ada Lovelace","email":"ada@example.com","phone":"+1 555 010 0000","line1":"12 Analytical St","city":"Springfield","state":"IL","postalCode":"62701","country":"US"}`

	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, shopperRequest(http.MethodPut, "/checkout/sessions/chk_1/address", payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PostalCode != "62701" || captured.Country != "US" || captured.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected address %+v", captured)
	}
}

func TestCheckoutHandlersApplyCouponRejectionIsNotAnError(t *testing.T) {
	service := &stubCheckoutService{
		couponFunc: func(_ context.Context, _, sessionID, code string) (domain.CheckoutSession, error) {
			session := domain.CheckoutSession{
				ID:         sessionID,
				Step:       domain.CheckoutStepReview,
				CouponCode: "EXPIRED10",
				Coupon:     domain.CouponResult{Code: "EXPIRED10", Reason: string(services.CouponExpired)},
			}
			return session, &services.CouponError{Kind: services.CouponExpired, Code: "EXPIRED10"}
		},
	}

	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/coupon", `{"code":"expired10"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp couponSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.CouponRejection != "EXPIRED" || resp.Coupon == nil || resp.Coupon.Applicable {
		t.Fatalf("unexpected coupon response %+v", resp)
	}
}

func TestCheckoutHandlersSubmitUsesDefaultReturnURLs(t *testing.T) {
	var captured services.SubmitCheckoutCommand
	service := &stubCheckoutService{
		submitFunc: func(_ context.Context, cmd services.SubmitCheckoutCommand) (domain.CheckoutSession, error) {
			captured = cmd
			return domain.CheckoutSession{
				ID:   cmd.SessionID,
				Step: domain.CheckoutStepReview,
				Payment: domain.CheckoutPayment{
					Phase:         domain.PaymentPhaseAwaiting,
					TransactionID: "tx-1",
					RedirectURL:   "https://pay.example/tx-1",
				},
			}, nil
		},
	}

	rr := httptest.NewRecorder()
	router := checkoutRouter(service, WithReturnURLs("https://shop.example/ok", "https://shop.example/cancel"))
	router.ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/submit", `{"cancelUrl":"https://shop.example/back"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.SessionID != "chk_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.SuccessURL != "https://shop.example/ok" || captured.CancelURL != "https://shop.example/back" {
		t.Fatalf("unexpected return urls %+v", captured)
	}
}

func TestCheckoutHandlersPaymentErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "declined", err: &services.PaymentError{Kind: services.PaymentDeclined}, status: http.StatusPaymentRequired, code: "payment_declined"},
		{name: "network", err: &services.PaymentError{Kind: services.PaymentNetwork}, status: http.StatusServiceUnavailable, code: "payment_unavailable"},
		{name: "mismatch", err: &services.PaymentError{Kind: services.PaymentAmountMismatch}, status: http.StatusConflict, code: "payment_amount_mismatch"},
		{name: "pricing", err: &services.PricingError{Kind: services.PricingInvalidCart}, status: http.StatusUnprocessableEntity, code: "invalid_cart"},
		{name: "complete", err: services.ErrCheckoutSessionComplete, status: http.StatusConflict, code: "session_complete"},
		{name: "missing", err: services.ErrCheckoutSessionNotFound, status: http.StatusNotFound, code: "session_not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubCheckoutService{
				submitFunc: func(context.Context, services.SubmitCheckoutCommand) (domain.CheckoutSession, error) {
					return domain.CheckoutSession{}, tc.err
				},
			}
			rr := httptest.NewRecorder()
			checkoutRouter(service).ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/submit", ""))
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestCheckoutHandlersAwaitCapsTimeout(t *testing.T) {
	var got time.Duration
	service := &stubCheckoutService{
		awaitFunc: func(_ context.Context, _, sessionID string, timeout time.Duration) (domain.CheckoutSession, error) {
			got = timeout
			return domain.CheckoutSession{ID: sessionID, Step: domain.CheckoutStepComplete, OrderID: "ord_1"}, nil
		},
	}

	rr := httptest.NewRecorder()
	router := checkoutRouter(service, WithMaxAwait(45*time.Second))
	router.ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/await", `{"timeoutSeconds":600}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got != 45*time.Second {
		t.Fatalf("expected timeout capped to 45s, got %v", got)
	}
	var resp checkoutSessionPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.OrderID != "ord_1" {
		t.Fatalf("expected order id, got %+v", resp)
	}
}

func TestCheckoutHandlersQuote(t *testing.T) {
	service := &stubCheckoutService{
		previewFunc: func(_ context.Context, userID, code string) (services.PricingQuote, error) {
			if code != "save10" {
				t.Fatalf("expected raw code to reach the service, got %q", code)
			}
			return services.PricingQuote{
				Cart:      domain.Cart{UserID: userID, Items: []domain.CartItem{{ProductID: "p1", UnitPrice: 10000, Quantity: 2}}},
				Coupon:    domain.CouponResult{Code: "SAVE10", Type: domain.CouponTypePercentage, Applicable: true, DiscountAmount: 2000},
				Breakdown: domain.PriceBreakdown{Currency: "USD", Subtotal: 20000, Discount: 2000, Tax: 1440, Total: 19440},
			}, nil
		},
	}

	rr := httptest.NewRecorder()
	checkoutRouter(service).ServeHTTP(rr, shopperRequest(http.MethodPost, "/checkout/quote", `{"couponCode":"save10"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp quotePayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pricing.Total != 19440 || resp.Pricing.Display != "194.40" || resp.Items != 1 {
		t.Fatalf("unexpected quote %+v", resp)
	}
}

func TestCheckoutHandlersMutationMiddlewaresSkipReads(t *testing.T) {
	var wrapped []string
	record := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped = append(wrapped, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}
	service := &stubCheckoutService{
		awaitFunc: func(_ context.Context, _, sessionID string, _ time.Duration) (domain.CheckoutSession, error) {
			return domain.CheckoutSession{ID: sessionID, Step: domain.CheckoutStepReview}, nil
		},
		cancelPayment: func(_ context.Context, _, sessionID string) (domain.CheckoutSession, error) {
			return domain.CheckoutSession{ID: sessionID, Step: domain.CheckoutStepReview}, nil
		},
	}
	router := checkoutRouter(service, WithMutationMiddlewares(record, nil))

	router.ServeHTTP(httptest.NewRecorder(), shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/await", `{"timeoutSeconds":1}`))
	router.ServeHTTP(httptest.NewRecorder(), shopperRequest(http.MethodPost, "/checkout/sessions/chk_1/cancel-payment", ""))

	if len(wrapped) != 1 || wrapped[0] != "/checkout/sessions/chk_1/cancel-payment" {
		t.Fatalf("expected only cancel-payment to be wrapped, got %v", wrapped)
	}
}
