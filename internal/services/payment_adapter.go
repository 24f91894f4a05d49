package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/text/currency"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
)

const (
	// GatewayStatusApproved and GatewayStatusDeclined are the statuses a gateway callback carries.
	GatewayStatusApproved = "approved"
	GatewayStatusDeclined = "declined"

	defaultLookupTimeout = 10 * time.Second
)

// GatewayConfirmation is the asynchronous callback a payment gateway sends once the shopper has
// paid. Amount is the decimal string exactly as received.
type GatewayConfirmation struct {
	TransactionID string
	Amount        string
	Currency      string
	Status        string
}

// PaymentEvent carries what a strategy needs to turn a payment into an order. Confirmation is nil
// for direct methods.
type PaymentEvent struct {
	Session      domain.CheckoutSession
	Confirmation *GatewayConfirmation
}

// PaymentGatewayAdapter normalises a payment, direct or gateway confirmed, into a single order
// creation. Replays of a transaction resolve to the order it already produced.
type PaymentGatewayAdapter interface {
	Confirm(ctx context.Context, method domain.PaymentMethodDescriptor, event PaymentEvent) (string, error)
}

// PaymentLookup verifies a gateway payment with the provider that processed it.
type PaymentLookup interface {
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentAdapterDeps bundles collaborators for the payment adapter.
type PaymentAdapterDeps struct {
	Orders  OrderLifecycleManager
	Pricing PricingService
	// Lookup is optional; without it gateway confirmations are trusted after the amount check.
	Lookup        PaymentLookup
	LookupTimeout time.Duration
	Meter         metric.Meter
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type paymentStrategy func(ctx context.Context, a *paymentAdapter, method domain.PaymentMethodDescriptor, event PaymentEvent) (string, error)

type paymentAdapter struct {
	orders        OrderLifecycleManager
	pricing       PricingService
	lookup        PaymentLookup
	lookupTimeout time.Duration
	logger        func(context.Context, string, map[string]any)
	strategies    map[domain.PaymentFlow]paymentStrategy

	confirmations metric.Int64Counter
	failures      metric.Int64Counter
}

// NewPaymentGatewayAdapter constructs the adapter with a strategy per payment flow.
func NewPaymentGatewayAdapter(deps PaymentAdapterDeps) (PaymentGatewayAdapter, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment adapter: order lifecycle manager is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("payment adapter: pricing service is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	timeout := deps.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	confirmations, err := meter.Int64Counter("checkout.payment.confirmations", metric.WithDescription("Payment confirmations by flow and outcome"))
	if err != nil {
		return nil, fmt.Errorf("payment adapter: register metric: %w", err)
	}
	failures, err := meter.Int64Counter("checkout.payment.errors", metric.WithDescription("Payment errors by kind"))
	if err != nil {
		return nil, fmt.Errorf("payment adapter: register metric: %w", err)
	}

	return &paymentAdapter{
		orders:        deps.Orders,
		pricing:       deps.Pricing,
		lookup:        deps.Lookup,
		lookupTimeout: timeout,
		logger:        logger,
		strategies: map[domain.PaymentFlow]paymentStrategy{
			domain.PaymentFlowDirect:  confirmDirect,
			domain.PaymentFlowGateway: confirmGateway,
		},
		confirmations: confirmations,
		failures:      failures,
	}, nil
}

// Confirm dispatches to the strategy of the method's flow and returns the id of the created or
// previously created order.
func (a *paymentAdapter) Confirm(ctx context.Context, method domain.PaymentMethodDescriptor, event PaymentEvent) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "PaymentAdapter.Confirm")
	defer span.End()

	strategy, ok := a.strategies[method.Flow]
	if !ok {
		return "", fmt.Errorf("%w: payment method %q has unsupported flow %q", ErrCheckoutInvalidState, method.ID, method.Flow)
	}
	transactionID := strings.TrimSpace(event.Session.Payment.TransactionID)
	if event.Confirmation != nil {
		transactionID = strings.TrimSpace(event.Confirmation.TransactionID)
	}
	if transactionID == "" {
		return "", fmt.Errorf("%w: transaction id is required", ErrOrderInvalidInput)
	}
	span.SetAttributes(
		attribute.String("payment.method", method.ID),
		attribute.String("payment.flow", string(method.Flow)),
		attribute.String("payment.transaction_id", transactionID),
	)

	if existing, err := a.orders.FindByTransactionID(ctx, transactionID); err == nil {
		a.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", string(method.Flow)), attribute.String("outcome", "duplicate")))
		a.logger(ctx, "payment.duplicate", map[string]any{
			"transactionId": transactionID,
			"orderId":       existing.ID,
		})
		return existing.ID, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		span.RecordError(err)
		return "", a.fail(ctx, method, transactionID, newPaymentError(PaymentNetwork, "order lookup failed", err))
	}

	orderID, err := strategy(ctx, a, method, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "confirm failed")
		var paymentErr *PaymentError
		if errors.As(err, &paymentErr) {
			if paymentErr.Kind == PaymentDuplicate {
				return a.resolveDuplicate(ctx, transactionID, paymentErr)
			}
			return "", a.fail(ctx, method, transactionID, paymentErr)
		}
		return "", err
	}

	a.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("flow", string(method.Flow)), attribute.String("outcome", "created")))
	return orderID, nil
}

func confirmDirect(ctx context.Context, a *paymentAdapter, method domain.PaymentMethodDescriptor, event PaymentEvent) (string, error) {
	session := event.Session
	quote, err := a.quote(ctx, session)
	if err != nil {
		return "", err
	}
	return a.createOrder(ctx, method, session, session.Payment.TransactionID, quote)
}

func confirmGateway(ctx context.Context, a *paymentAdapter, method domain.PaymentMethodDescriptor, event PaymentEvent) (string, error) {
	confirmation := event.Confirmation
	if confirmation == nil {
		return "", fmt.Errorf("%w: gateway payment requires a confirmation", ErrCheckoutInvalidState)
	}
	session := event.Session
	transactionID := strings.TrimSpace(confirmation.TransactionID)
	if session.Payment.TransactionID != "" && session.Payment.TransactionID != transactionID {
		return "", fmt.Errorf("%w: confirmation for %s does not match the pending payment", ErrCheckoutInvalidState, transactionID)
	}

	switch strings.ToLower(strings.TrimSpace(confirmation.Status)) {
	case GatewayStatusApproved:
	case GatewayStatusDeclined:
		return "", newPaymentError(PaymentDeclined, "payment was declined by the gateway", nil)
	default:
		return "", fmt.Errorf("%w: unknown gateway status %q", ErrOrderInvalidInput, confirmation.Status)
	}

	amount, err := domain.ParseAmount(confirmation.Amount)
	if err != nil {
		return "", newPaymentError(PaymentAmountMismatch, "confirmation amount is not a decimal", err)
	}
	unit, err := currency.ParseISO(strings.TrimSpace(confirmation.Currency))
	if err != nil {
		return "", newPaymentError(PaymentAmountMismatch, "confirmation currency is not ISO-4217", err)
	}

	quote, err := a.quote(ctx, session)
	if err != nil {
		return "", err
	}
	expected := quote.Breakdown
	if amount != expected.Total || unit.String() != strings.ToUpper(expected.Currency) {
		a.logger(ctx, "payment.amount_mismatch", map[string]any{
			"transactionId":    transactionID,
			"userId":           session.UserID,
			"expectedAmount":   expected.Total,
			"expectedCurrency": expected.Currency,
			"receivedAmount":   amount,
			"receivedCurrency": unit.String(),
			"fraudSuspect":     true,
		})
		return "", newPaymentError(PaymentAmountMismatch,
			fmt.Sprintf("expected %s %s", domain.FormatAmount(expected.Total), expected.Currency), nil)
	}

	if err := a.verifyWithProvider(ctx, session, transactionID, expected); err != nil {
		return "", err
	}

	return a.createOrder(ctx, method, session, transactionID, quote)
}

// verifyWithProvider asks the PSP that processed the payment to confirm it. Sessions without a
// provider reference were paid outside a hosted checkout and rely on the signed callback alone.
func (a *paymentAdapter) verifyWithProvider(ctx context.Context, session domain.CheckoutSession, transactionID string, expected domain.PriceBreakdown) error {
	if a.lookup == nil || strings.TrimSpace(session.Payment.ProviderRef) == "" {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, a.lookupTimeout)
	defer cancel()

	details, err := a.lookup.LookupPayment(lookupCtx, payments.PaymentContext{
		PreferredProvider: session.Payment.Provider,
		Currency:          expected.Currency,
	}, payments.LookupRequest{
		Reference:     session.Payment.ProviderRef,
		TransactionID: transactionID,
	})
	if err != nil {
		return newPaymentError(PaymentNetwork, "payment provider could not be reached", err)
	}
	switch details.Status {
	case payments.StatusSucceeded:
	case payments.StatusFailed:
		return newPaymentError(PaymentDeclined, "payment provider reports the payment failed", nil)
	default:
		return newPaymentError(PaymentNetwork, "payment provider has not settled the payment yet", nil)
	}
	if details.Amount != expected.Total || !strings.EqualFold(details.Currency, expected.Currency) {
		a.logger(ctx, "payment.provider_mismatch", map[string]any{
			"transactionId":  transactionID,
			"providerRef":    details.Reference,
			"expectedAmount": expected.Total,
			"providerAmount": details.Amount,
			"fraudSuspect":   true,
		})
		return newPaymentError(PaymentAmountMismatch, "provider amount differs from the order total", nil)
	}
	return nil
}

func (a *paymentAdapter) quote(ctx context.Context, session domain.CheckoutSession) (PricingQuote, error) {
	return a.pricing.Quote(ctx, QuoteRequest{
		UserID:     session.UserID,
		CouponCode: session.CouponCode,
		Config:     session.Config,
	})
}

func (a *paymentAdapter) createOrder(ctx context.Context, method domain.PaymentMethodDescriptor, session domain.CheckoutSession, transactionID string, quote PricingQuote) (string, error) {
	order, existing, err := a.orders.Create(ctx, OrderCreationRequest{
		UserID:          session.UserID,
		Items:           quote.Cart.Items,
		ShippingAddress: session.Address,
		PaymentMethod:   method.ID,
		TransactionID:   transactionID,
		Coupon:          quote.Coupon,
		Pricing:         quote.Breakdown,
	})
	if err != nil {
		return "", err
	}
	if existing {
		return "", &PaymentError{Kind: PaymentDuplicate, Message: order.ID}
	}
	return order.ID, nil
}

func (a *paymentAdapter) resolveDuplicate(ctx context.Context, transactionID string, dup *PaymentError) (string, error) {
	a.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "duplicate")))
	a.logger(ctx, "payment.duplicate", map[string]any{
		"transactionId": transactionID,
		"orderId":       dup.Message,
	})
	return dup.Message, nil
}

func (a *paymentAdapter) fail(ctx context.Context, method domain.PaymentMethodDescriptor, transactionID string, err *PaymentError) error {
	a.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(err.Kind)),
		attribute.String("flow", string(method.Flow)),
	))
	a.logger(ctx, "payment.failed", map[string]any{
		"transactionId": transactionID,
		"method":        method.ID,
		"kind":          string(err.Kind),
		"retryable":     err.Retryable(),
		"error":         err.Error(),
	})
	return err
}
