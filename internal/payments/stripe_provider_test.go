package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubStripeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
	getID   string
	expired []string
}

func (s *stubStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.created = params
	return s.session, s.err
}

func (s *stubStripeSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	s.getID = id
	return s.session, s.err
}

func (s *stubStripeSessions) Expire(id string, _ *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error) {
	s.expired = append(s.expired, id)
	return s.session, s.err
}

func newTestStripeProvider(t *testing.T, api *stubStripeSessions) *StripeProvider {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	provider, err := NewStripeProvider(StripeProviderConfig{
		Clock:    func() time.Time { return now },
		sessions: api,
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func TestStripeProviderCreateCheckoutSession(t *testing.T) {
	api := &stubStripeSessions{session: &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.test/cs_test_1"}}
	provider := newTestStripeProvider(t, api)

	session, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{
		TransactionID:  "tx-1",
		Amount:         19440,
		Currency:       "USD",
		SuccessURL:     "https://shop.test/ok",
		CancelURL:      "https://shop.test/cancel",
		IdempotencyKey: "tx-1",
		Items:          []CheckoutLineItem{{Name: "Mug", Quantity: 2, Amount: 1000}},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "cs_test_1" || session.RedirectURL == "" {
		t.Fatalf("unexpected session %+v", session)
	}
	if api.created == nil {
		t.Fatalf("expected stripe api to be called")
	}
	if got := stripe.StringValue(api.created.ClientReferenceID); got != "tx-1" {
		t.Fatalf("expected client reference tx-1, got %q", got)
	}
	if api.created.Metadata["transactionId"] != "tx-1" {
		t.Fatalf("expected transaction id metadata, got %v", api.created.Metadata)
	}
	if len(api.created.LineItems) != 1 {
		t.Fatalf("expected single line item, got %d", len(api.created.LineItems))
	}
	price := api.created.LineItems[0].PriceData
	if stripe.Int64Value(price.UnitAmount) != 19440 || stripe.StringValue(price.Currency) != "usd" {
		t.Fatalf("unexpected price data amount=%d currency=%s", stripe.Int64Value(price.UnitAmount), stripe.StringValue(price.Currency))
	}
	if api.created.IdempotencyKey == nil || *api.created.IdempotencyKey != "tx-1" {
		t.Fatalf("expected idempotency key to be set")
	}
}

func TestStripeProviderCreateRequiresTransaction(t *testing.T) {
	provider := newTestStripeProvider(t, &stubStripeSessions{})
	if _, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{Amount: 100, Currency: "USD"}); err == nil {
		t.Fatalf("expected error without transaction id")
	}
	if _, err := provider.CreateCheckoutSession(context.Background(), CheckoutSessionRequest{TransactionID: "tx", Currency: "USD"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestStripeProviderLookupPayment(t *testing.T) {
	api := &stubStripeSessions{session: &stripe.CheckoutSession{
		ID:                "cs_test_2",
		ClientReferenceID: "tx-2",
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal:       5500,
		Currency:          stripe.CurrencyUSD,
	}}
	provider := newTestStripeProvider(t, api)

	details, err := provider.LookupPayment(context.Background(), LookupRequest{Reference: "cs_test_2", TransactionID: "tx-2"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if api.getID != "cs_test_2" {
		t.Fatalf("expected lookup by session id, got %q", api.getID)
	}
	if details.Status != StatusSucceeded || details.Amount != 5500 || details.Currency != "USD" || details.TransactionID != "tx-2" {
		t.Fatalf("unexpected details %+v", details)
	}

	if _, err := provider.LookupPayment(context.Background(), LookupRequest{Reference: "cs_test_2", TransactionID: "other"}); err == nil {
		t.Fatalf("expected mismatch error for foreign transaction")
	}
}

func TestStripeProviderLookupWrapsErrors(t *testing.T) {
	upstream := errors.New("boom")
	provider := newTestStripeProvider(t, &stubStripeSessions{err: upstream})
	_, err := provider.LookupPayment(context.Background(), LookupRequest{Reference: "cs"})
	if !errors.Is(err, upstream) {
		t.Fatalf("expected wrapped upstream error, got %v", err)
	}
}

func TestStripeProviderExpireCheckoutSession(t *testing.T) {
	tests := []struct {
		name       string
		session    *stripe.CheckoutSession
		wantErr    error
		wantExpire bool
	}{
		{
			name:       "open session is expired",
			session:    &stripe.CheckoutSession{ID: "cs_open", ClientReferenceID: "tx-3", Status: stripe.CheckoutSessionStatusOpen, PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid},
			wantExpire: true,
		},
		{
			name:    "already expired is a no-op",
			session: &stripe.CheckoutSession{ID: "cs_open", ClientReferenceID: "tx-3", Status: stripe.CheckoutSessionStatusExpired},
		},
		{
			name:    "paid session cannot be expired",
			session: &stripe.CheckoutSession{ID: "cs_open", ClientReferenceID: "tx-3", Status: stripe.CheckoutSessionStatusComplete, PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid},
			wantErr: ErrSessionCompleted,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			api := &stubStripeSessions{session: tc.session}
			provider := newTestStripeProvider(t, api)
			err := provider.ExpireCheckoutSession(context.Background(), ExpireRequest{Reference: "cs_open", TransactionID: "tx-3"})
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expire: %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if got := len(api.expired) == 1; got != tc.wantExpire {
				t.Fatalf("expected expire call %v, got %v", tc.wantExpire, api.expired)
			}
		})
	}
}
