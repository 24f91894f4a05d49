package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeSessionLifetime = 30 * time.Minute

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Expire(id string, params *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time

	sessions stripeSessionAPI
}

// StripeProvider implements Provider on top of Stripe Checkout. Our transaction id travels as the
// session's client reference id and metadata so the confirmation can be matched back.
type StripeProvider struct {
	sessions stripeSessionAPI
	account  string
	clock    func() time.Time
	logger   StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.sessions == nil {
		return nil, errors.New("stripe: api key is required")
	}

	sessions := cfg.sessions
	if sessions == nil {
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		sessions: sessions,
		account:  strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session charging exactly the requested amount.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if p == nil {
		return CheckoutSession{}, errors.New("stripe: provider is nil")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return CheckoutSession{}, errors.New("stripe: transaction id is required")
	}
	if req.Amount <= 0 {
		return CheckoutSession{}, fmt.Errorf("stripe: amount must be positive, got %d", req.Amount)
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(transactionID),
		ExpiresAt:         stripe.Int64(p.clock().Add(stripeSessionLifetime).Unix()),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	metadata := map[string]string{"transactionId": transactionID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}

	// A single line carrying the authoritative total keeps Stripe from recomputing tax or
	// shipping differently from our breakdown.
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(currency),
			UnitAmount: stripe.Int64(req.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name:        stripe.String("Order " + transactionID),
				Description: stripe.String(describeItems(req.Items)),
			},
		},
	}}

	session, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"transactionId": transactionID,
		"currency":      session.Currency,
	})

	expiresAt := p.clock().Add(stripeSessionLifetime)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return CheckoutSession{
		ID:          session.ID,
		Provider:    "stripe",
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// LookupPayment retrieves a Stripe Checkout session by its id.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return PaymentDetails{}, errors.New("stripe: session reference is required")
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	session, err := p.sessions.Get(reference, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	details := stripePaymentDetails(session)
	if req.TransactionID != "" && details.TransactionID != req.TransactionID {
		return PaymentDetails{}, fmt.Errorf("stripe: session %s belongs to transaction %q", reference, details.TransactionID)
	}
	return details, nil
}

// ExpireCheckoutSession expires an open Stripe Checkout session. The session is read first so a
// paid session is reported as ErrSessionCompleted rather than a generic API error.
func (p *StripeProvider) ExpireCheckoutSession(ctx context.Context, req ExpireRequest) error {
	if p == nil {
		return errors.New("stripe: provider is nil")
	}
	reference := strings.TrimSpace(req.Reference)
	if reference == "" {
		return errors.New("stripe: session reference is required")
	}
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx
	if p.account != "" {
		getParams.SetStripeAccount(p.account)
	}
	session, err := p.sessions.Get(reference, getParams)
	if err != nil {
		return fmt.Errorf("stripe: lookup checkout session: %w", err)
	}
	if req.TransactionID != "" && stripePaymentDetails(session).TransactionID != req.TransactionID {
		return fmt.Errorf("stripe: session %s does not belong to transaction %q", reference, req.TransactionID)
	}
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.Status == stripe.CheckoutSessionStatusComplete:
		return fmt.Errorf("%w: %s", ErrSessionCompleted, reference)
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return nil
	}

	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if _, err := p.sessions.Expire(reference, params); err != nil {
		return fmt.Errorf("stripe: expire checkout session: %w", err)
	}
	p.logger(ctx, "payments.stripe.session.expired", map[string]any{
		"sessionId":     reference,
		"transactionId": req.TransactionID,
	})
	return nil
}

func stripePaymentDetails(session *stripe.CheckoutSession) PaymentDetails {
	if session == nil {
		return PaymentDetails{}
	}

	status := StatusPending
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		status = StatusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		status = StatusFailed
	}

	transactionID := session.ClientReferenceID
	if transactionID == "" && session.Metadata != nil {
		transactionID = session.Metadata["transactionId"]
	}

	return PaymentDetails{
		Provider:      "stripe",
		Reference:     session.ID,
		TransactionID: transactionID,
		Status:        status,
		Amount:        session.AmountTotal,
		Currency:      strings.ToUpper(string(session.Currency)),
	}
}

func describeItems(items []CheckoutLineItem) string {
	if len(items) == 0 {
		return "Checkout"
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		if item.Quantity > 1 {
			name = fmt.Sprintf("%s x%d", name, item.Quantity)
		}
		names = append(names, name)
	}
	desc := strings.Join(names, ", ")
	if len(desc) > 250 {
		desc = desc[:247] + "..."
	}
	if desc == "" {
		return "Checkout"
	}
	return desc
}
