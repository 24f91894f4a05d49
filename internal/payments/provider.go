package payments

import (
	"context"
	"errors"
	"time"
)

// Status is the gateway-neutral payment state. Checkout only creates an order
// for StatusSucceeded; StatusFailed is terminal and StatusPending keeps the
// session awaiting confirmation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

var (
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrProviderUnavailable covers network failures and an open circuit breaker.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
	// ErrSessionCompleted means the shopper already paid on the hosted page, so it can no longer
	// be expired.
	ErrSessionCompleted = errors.New("payments: checkout session already completed")
)

type CheckoutLineItem struct {
	Name     string
	Quantity int64
	Amount   int64
}

// CheckoutSessionRequest opens a hosted payment page for a quoted total.
// TransactionID comes back on the gateway confirmation and is the order
// idempotency key, so it must be unique per checkout session.
type CheckoutSessionRequest struct {
	TransactionID  string
	Amount         int64
	Currency       string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
}

type CheckoutSession struct {
	ID          string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
}

// LookupRequest finds a payment by gateway reference, falling back to the
// transaction id when the gateway supports searching by metadata.
type LookupRequest struct {
	Reference     string
	TransactionID string
}

// ExpireRequest closes a hosted payment page that has not been paid.
type ExpireRequest struct {
	Reference     string
	TransactionID string
}

// PaymentDetails is the gateway's authoritative view of a payment. Confirmations
// are re-checked against it before an order is written.
type PaymentDetails struct {
	Provider      string
	Reference     string
	TransactionID string
	Status        Status
	Amount        int64
	Currency      string
}

// Provider is implemented by each gateway adapter.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
	// ExpireCheckoutSession closes an unpaid hosted page. A page that is already closed is not an
	// error; a paid one returns ErrSessionCompleted.
	ExpireCheckoutSession(ctx context.Context, req ExpireRequest) error
}
