package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	checkoutSessionPrefix     = "chk_"
	directTransactionPrefix   = "cod_"
	defaultCheckoutSessionTTL = 2 * time.Hour
	defaultPaymentWait        = 30 * time.Second
	maxPaymentWait            = 2 * time.Minute
	defaultPaymentPoll        = time.Second
)

// checkoutSessionManager abstracts payments.Manager for easier testing.
type checkoutSessionManager interface {
	CreateCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	ExpireCheckoutSession(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ExpireRequest) error
}

// SubmitCheckoutCommand starts a payment for the session's selected method. The URLs are only
// used by hosted gateway pages.
type SubmitCheckoutCommand struct {
	UserID     string
	SessionID  string
	SuccessURL string
	CancelURL  string
}

// CheckoutService drives checkout sessions through the state machine, persisting each step.
type CheckoutService interface {
	Start(ctx context.Context, userID string) (domain.CheckoutSession, error)
	Get(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
	Preview(ctx context.Context, userID, couponCode string) (PricingQuote, error)
	UpdateAddress(ctx context.Context, userID, sessionID string, address domain.Address) (domain.CheckoutSession, error)
	SelectCountry(ctx context.Context, userID, sessionID, country string) (domain.CheckoutSession, error)
	Continue(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
	Back(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
	ApplyCoupon(ctx context.Context, userID, sessionID, code string) (domain.CheckoutSession, error)
	SelectPaymentMethod(ctx context.Context, userID, sessionID, methodID string) (domain.CheckoutSession, error)
	Submit(ctx context.Context, cmd SubmitCheckoutCommand) (domain.CheckoutSession, error)
	AwaitConfirmation(ctx context.Context, userID, sessionID string, timeout time.Duration) (domain.CheckoutSession, error)
	CancelPayment(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error)
	ConfirmGatewayPayment(ctx context.Context, confirmation GatewayConfirmation) (string, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Sessions repositories.CheckoutSessionRepository
	Merchant repositories.MerchantConfigRepository
	Pricing  PricingService
	Adapter  PaymentGatewayAdapter
	Orders   OrderLifecycleManager
	// Payments creates hosted gateway pages. Without it gateway methods wait for a callback keyed
	// by the generated transaction id.
	Payments       checkoutSessionManager
	Clock          func() time.Time
	IDGenerator    func() string
	TransactionIDs func() string
	SessionTTL     time.Duration
	PaymentWait    time.Duration
	PollInterval   time.Duration
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	sessions     repositories.CheckoutSessionRepository
	merchant     repositories.MerchantConfigRepository
	pricing      PricingService
	adapter      PaymentGatewayAdapter
	orders       OrderLifecycleManager
	payments     checkoutSessionManager
	now          func() time.Time
	newID        func() string
	newTxID      func() string
	sessionTTL   time.Duration
	paymentWait  time.Duration
	pollInterval time.Duration
	logger       func(ctx context.Context, event string, fields map[string]any)

	locks  sessionLocks
	broker *sessionBroker
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("checkout service: session repository is required")
	}
	if deps.Merchant == nil {
		return nil, errors.New("checkout service: merchant config repository is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing service is required")
	}
	if deps.Adapter == nil {
		return nil, errors.New("checkout service: payment adapter is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order lifecycle manager is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	txGen := deps.TransactionIDs
	if txGen == nil {
		txGen = uuid.NewString
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultCheckoutSessionTTL
	}
	wait := deps.PaymentWait
	if wait <= 0 {
		wait = defaultPaymentWait
	}
	poll := deps.PollInterval
	if poll <= 0 {
		poll = defaultPaymentPoll
	}

	return &checkoutService{
		sessions: deps.Sessions,
		merchant: deps.Merchant,
		pricing:  deps.Pricing,
		adapter:  deps.Adapter,
		orders:   deps.Orders,
		payments: deps.Payments,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:        idGen,
		newTxID:      txGen,
		sessionTTL:   ttl,
		paymentWait:  wait,
		pollInterval: poll,
		logger:       logger,
		broker:       newSessionBroker(),
	}, nil
}

// Start opens a session in the shipping step against a fresh merchant configuration snapshot.
func (s *checkoutService) Start(ctx context.Context, userID string) (domain.CheckoutSession, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidState)
	}
	cfg, err := s.merchant.Snapshot(ctx)
	if err != nil {
		return domain.CheckoutSession{}, s.mapSessionError(err)
	}

	now := s.now()
	session := domain.CheckoutSession{
		ID:        checkoutSessionPrefix + s.newID(),
		UserID:    userID,
		Step:      domain.CheckoutStepShipping,
		Config:    cfg.Clone(),
		Payment:   domain.CheckoutPayment{Phase: domain.PaymentPhaseIdle},
		CreatedAt: now,
	}
	if err := s.save(ctx, &session); err != nil {
		return domain.CheckoutSession{}, err
	}
	s.logger(ctx, "checkout.session.started", map[string]any{
		"sessionId":     session.ID,
		"userId":        userID,
		"configVersion": cfg.Version,
	})
	return session, nil
}

func (s *checkoutService) Get(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.load(ctx, userID, sessionID)
}

// Preview prices the shopper's cart against the live merchant configuration without opening a
// session. The result is advisory; Submit always prices again.
func (s *checkoutService) Preview(ctx context.Context, userID, couponCode string) (PricingQuote, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PricingQuote{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidState)
	}
	cfg, err := s.merchant.Snapshot(ctx)
	if err != nil {
		return PricingQuote{}, s.mapSessionError(err)
	}
	return s.pricing.Quote(ctx, QuoteRequest{
		UserID:     userID,
		CouponCode: domain.NormalizeCouponCode(couponCode),
		Config:     cfg,
	})
}

func (s *checkoutService) UpdateAddress(ctx context.Context, userID, sessionID string, address domain.Address) (domain.CheckoutSession, error) {
	return s.apply(ctx, userID, sessionID, func(domain.CheckoutSession) (CheckoutEvent, error) {
		return UpdateAddressEvent{Address: address}, nil
	})
}

func (s *checkoutService) SelectCountry(ctx context.Context, userID, sessionID, country string) (domain.CheckoutSession, error) {
	return s.apply(ctx, userID, sessionID, func(domain.CheckoutSession) (CheckoutEvent, error) {
		return SelectCountryEvent{Country: country}, nil
	})
}

// Continue prices the current cart and moves to review when the address is valid. Field errors
// are persisted on the session so the form can be re-prompted.
func (s *checkoutService) Continue(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.apply(ctx, userID, sessionID, func(current domain.CheckoutSession) (CheckoutEvent, error) {
		if current.Step != domain.CheckoutStepShipping {
			return nil, invalidEvent(current, ContinueEvent{})
		}
		if errs := ValidateAddress(current.Address); errs != nil {
			return ContinueEvent{}, nil
		}
		quote, err := s.quote(ctx, current, current.CouponCode)
		if err != nil {
			return nil, err
		}
		return ContinueEvent{Pricing: quote.Breakdown}, nil
	})
}

func (s *checkoutService) Back(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.apply(ctx, userID, sessionID, func(current domain.CheckoutSession) (CheckoutEvent, error) {
		if err := s.closeHostedPayment(ctx, current); err != nil {
			return nil, err
		}
		return BackEvent{}, nil
	})
}

// ApplyCoupon validates code against the current cart. A rejected code stays on the session with
// its reason and the *CouponError is returned alongside the updated session.
func (s *checkoutService) ApplyCoupon(ctx context.Context, userID, sessionID, code string) (domain.CheckoutSession, error) {
	var rejection *CouponError
	session, err := s.apply(ctx, userID, sessionID, func(current domain.CheckoutSession) (CheckoutEvent, error) {
		normalized := domain.NormalizeCouponCode(code)
		if normalized == "" {
			event := ApplyCouponEvent{}
			if current.Step == domain.CheckoutStepReview {
				quote, err := s.quote(ctx, current, "")
				if err != nil {
					return nil, err
				}
				event.Pricing = &quote.Breakdown
			}
			return event, nil
		}
		quote, err := s.quote(ctx, current, normalized)
		if err != nil {
			return nil, err
		}
		rejection = quote.CouponError
		return ApplyCouponEvent{Code: normalized, Result: quote.Coupon, Pricing: &quote.Breakdown}, nil
	})
	if err != nil {
		return session, err
	}
	if rejection != nil {
		return session, rejection
	}
	return session, nil
}

func (s *checkoutService) SelectPaymentMethod(ctx context.Context, userID, sessionID, methodID string) (domain.CheckoutSession, error) {
	return s.apply(ctx, userID, sessionID, func(domain.CheckoutSession) (CheckoutEvent, error) {
		return SelectPaymentMethodEvent{MethodID: methodID}, nil
	})
}

func (s *checkoutService) CancelPayment(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	return s.apply(ctx, userID, sessionID, func(current domain.CheckoutSession) (CheckoutEvent, error) {
		if err := s.closeHostedPayment(ctx, current); err != nil {
			return nil, err
		}
		return CancelPaymentEvent{}, nil
	})
}

// closeHostedPayment expires the hosted page of an awaiting payment before the session lets go of
// its transaction. A page the shopper already paid keeps the session awaiting so the confirmation
// can still create the order.
func (s *checkoutService) closeHostedPayment(ctx context.Context, session domain.CheckoutSession) error {
	payment := session.Payment
	if s.payments == nil || session.Step != domain.CheckoutStepReview || payment.Phase != domain.PaymentPhaseAwaiting || strings.TrimSpace(payment.ProviderRef) == "" {
		return nil
	}
	err := s.payments.ExpireCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: payment.Provider,
		Currency:          payment.Currency,
	}, payments.ExpireRequest{
		Reference:     payment.ProviderRef,
		TransactionID: payment.TransactionID,
	})
	switch {
	case err == nil:
		s.logger(ctx, "checkout.payment.page_expired", map[string]any{
			"sessionId":     session.ID,
			"transactionId": payment.TransactionID,
			"providerRef":   payment.ProviderRef,
		})
		return nil
	case errors.Is(err, payments.ErrSessionCompleted):
		s.logger(ctx, "checkout.payment.release_refused", map[string]any{
			"sessionId":     session.ID,
			"transactionId": payment.TransactionID,
		})
		return fmt.Errorf("%w: payment %s was already completed and awaits confirmation", ErrCheckoutInvalidState, payment.TransactionID)
	default:
		return newPaymentError(PaymentNetwork, "payment page could not be closed", err)
	}
}

// Submit recomputes pricing from the current cart and starts the payment. Direct methods create
// the order before returning; gateway methods leave the session awaiting the confirmation.
func (s *checkoutService) Submit(ctx context.Context, cmd SubmitCheckoutCommand) (domain.CheckoutSession, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "CheckoutService.Submit")
	defer span.End()

	unlock := s.locks.lock(strings.TrimSpace(cmd.SessionID))
	defer unlock()

	current, err := s.load(ctx, cmd.UserID, cmd.SessionID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if current.Step != domain.CheckoutStepReview || current.Payment.Phase != domain.PaymentPhaseIdle {
		return current, invalidEvent(current, SubmitPaymentEvent{})
	}
	method, ok := current.Config.PaymentMethod(current.PaymentMethod)
	if !ok {
		return current, &ValidationError{Field: "paymentMethod", Reason: "is required"}
	}
	span.SetAttributes(attribute.String("checkout.session_id", current.ID), attribute.String("payment.method", method.ID))

	quote, err := s.quote(ctx, current, current.CouponCode)
	if err != nil {
		return current, err
	}
	if current.CouponCode != "" {
		// The coupon may have been exhausted or expired since it was applied.
		refreshed, err := Transition(current, ApplyCouponEvent{Code: current.CouponCode, Result: quote.Coupon, Pricing: &quote.Breakdown})
		if err != nil {
			return current, err
		}
		current = refreshed
	}

	submit := SubmitPaymentEvent{Pricing: quote.Breakdown, At: s.now()}
	switch method.Flow {
	case domain.PaymentFlowDirect:
		submit.TransactionID = directTransactionPrefix + s.newID()
	case domain.PaymentFlowGateway:
		submit.TransactionID = s.newTxID()
		if s.payments != nil && strings.TrimSpace(method.Provider) != "" {
			hosted, err := s.createHostedPayment(ctx, current, method, quote, submit.TransactionID, cmd)
			if err != nil {
				return s.failPayment(ctx, current, err)
			}
			submit.RedirectURL = hosted.RedirectURL
			submit.Provider = hosted.Provider
			submit.ProviderRef = hosted.ID
		}
	default:
		return current, fmt.Errorf("%w: payment method %q has unsupported flow", ErrCheckoutInvalidState, method.ID)
	}

	next, err := Transition(current, submit)
	if err != nil {
		return current, err
	}
	if err := s.save(ctx, &next); err != nil {
		return current, err
	}
	s.logger(ctx, "checkout.payment.submitted", map[string]any{
		"sessionId":     next.ID,
		"transactionId": next.Payment.TransactionID,
		"method":        method.ID,
		"total":         next.Payment.Amount,
		"currency":      next.Payment.Currency,
	})

	if method.Flow == domain.PaymentFlowGateway {
		return next, nil
	}

	orderID, err := s.adapter.Confirm(ctx, method, PaymentEvent{Session: next})
	if err != nil {
		if !isAttemptFailure(err) {
			// The session must not stay submitting when the order store fails.
			err = newPaymentError(PaymentNetwork, "order could not be created", err)
		}
		return s.failPayment(ctx, next, err)
	}
	return s.completeOrder(ctx, next, orderID)
}

// AwaitConfirmation blocks until the pending gateway payment resolves, the context ends or timeout
// elapses. A timeout leaves the session awaiting and returns a retryable NETWORK payment error.
func (s *checkoutService) AwaitConfirmation(ctx context.Context, userID, sessionID string, timeout time.Duration) (domain.CheckoutSession, error) {
	if timeout <= 0 {
		timeout = s.paymentWait
	}
	if timeout > maxPaymentWait {
		timeout = maxPaymentWait
	}

	sessionID = strings.TrimSpace(sessionID)
	notify, unsubscribe := s.broker.subscribe(sessionID)
	defer unsubscribe()

	session, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if !awaitingPayment(session) {
		return session, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	// Confirmations handled by another instance are only visible by polling the store.
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return session, ctx.Err()
		case <-timer.C:
			s.logger(ctx, "checkout.payment.wait_timeout", map[string]any{
				"sessionId":     session.ID,
				"transactionId": session.Payment.TransactionID,
			})
			return session, newPaymentError(PaymentNetwork, "payment confirmation did not arrive in time", nil)
		case <-notify:
		case <-ticker.C:
		}
		session, err = s.load(ctx, userID, sessionID)
		if err != nil {
			return domain.CheckoutSession{}, err
		}
		if !awaitingPayment(session) {
			return session, nil
		}
	}
}

// ConfirmGatewayPayment handles a gateway callback. Replays of a transaction that already produced
// an order return that order id, even once the session has expired.
func (s *checkoutService) ConfirmGatewayPayment(ctx context.Context, confirmation GatewayConfirmation) (string, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "CheckoutService.ConfirmGatewayPayment")
	defer span.End()

	transactionID := strings.TrimSpace(confirmation.TransactionID)
	if transactionID == "" {
		return "", fmt.Errorf("%w: transaction id is required", ErrOrderInvalidInput)
	}
	confirmation.TransactionID = transactionID
	span.SetAttributes(attribute.String("payment.transaction_id", transactionID))

	indexed, err := s.sessions.FindByTransactionID(ctx, transactionID)
	if err != nil {
		mapped := s.mapSessionError(err)
		if !errors.Is(mapped, ErrCheckoutSessionNotFound) {
			return "", mapped
		}
		order, orderErr := s.orders.FindByTransactionID(ctx, transactionID)
		if orderErr == nil {
			return order.ID, nil
		}
		return "", mapped
	}

	unlock := s.locks.lock(indexed.ID)
	defer unlock()

	session, err := s.load(ctx, indexed.UserID, indexed.ID)
	if err != nil {
		return "", err
	}
	if session.Step == domain.CheckoutStepComplete {
		if session.Payment.TransactionID == transactionID {
			return session.OrderID, nil
		}
		return "", ErrCheckoutSessionComplete
	}
	if session.Payment.TransactionID != transactionID || session.Payment.Phase != domain.PaymentPhaseAwaiting {
		s.logger(ctx, "checkout.payment.stale_confirmation", map[string]any{
			"sessionId":     session.ID,
			"transactionId": transactionID,
			"pending":       session.Payment.TransactionID,
		})
		return "", fmt.Errorf("%w: no pending payment for transaction %s", ErrCheckoutInvalidState, transactionID)
	}
	method, ok := session.Config.PaymentMethod(session.PaymentMethod)
	if !ok || method.Flow != domain.PaymentFlowGateway {
		return "", fmt.Errorf("%w: session %s is not paying through a gateway", ErrCheckoutInvalidState, session.ID)
	}

	orderID, err := s.adapter.Confirm(ctx, method, PaymentEvent{Session: session, Confirmation: &confirmation})
	if err != nil {
		if _, failErr := s.failPayment(ctx, session, err); !errors.Is(failErr, err) {
			s.logger(ctx, "checkout.payment.record_failure_failed", map[string]any{
				"sessionId": session.ID,
				"error":     failErr.Error(),
			})
		}
		return "", err
	}
	if _, err := s.completeOrder(ctx, session, orderID); err != nil {
		return orderID, err
	}
	return orderID, nil
}

func (s *checkoutService) createHostedPayment(ctx context.Context, session domain.CheckoutSession, method domain.PaymentMethodDescriptor, quote PricingQuote, transactionID string, cmd SubmitCheckoutCommand) (payments.CheckoutSession, error) {
	successURL := strings.TrimSpace(cmd.SuccessURL)
	cancelURL := strings.TrimSpace(cmd.CancelURL)
	if successURL == "" || cancelURL == "" {
		return payments.CheckoutSession{}, &ValidationError{Field: "successUrl", Reason: "success and cancel urls are required for hosted payments"}
	}
	hosted, err := s.payments.CreateCheckoutSession(ctx, payments.PaymentContext{
		PreferredProvider: method.Provider,
		Currency:          quote.Breakdown.Currency,
	}, payments.CheckoutSessionRequest{
		TransactionID:  transactionID,
		Amount:         quote.Breakdown.Total,
		Currency:       quote.Breakdown.Currency,
		CustomerEmail:  session.Address.Email,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
		IdempotencyKey: transactionID,
		Items:          buildCheckoutLineItems(quote.Cart),
		Metadata: map[string]string{
			"checkoutSessionId": session.ID,
			"userId":            session.UserID,
		},
	})
	if err != nil {
		s.logger(ctx, "checkout.payment_session_failed", map[string]any{
			"sessionId": session.ID,
			"provider":  method.Provider,
			"error":     err.Error(),
		})
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return payments.CheckoutSession{}, fmt.Errorf("%w: payment provider %q is not configured", ErrCheckoutInvalidState, method.Provider)
		}
		return payments.CheckoutSession{}, newPaymentError(PaymentNetwork, "payment page could not be created", err)
	}
	return hosted, nil
}

// failPayment records a payment attempt failure on the session. Errors that do not describe a
// failed attempt leave the session untouched.
func (s *checkoutService) failPayment(ctx context.Context, session domain.CheckoutSession, cause error) (domain.CheckoutSession, error) {
	if !isAttemptFailure(cause) {
		return session, cause
	}
	next, err := Transition(session, PaymentFailedEvent{Reason: paymentFailureMessage(cause)})
	if err != nil {
		return session, cause
	}
	if err := s.save(ctx, &next); err != nil {
		return session, err
	}
	s.broker.notify(next.ID)
	return next, cause
}

func (s *checkoutService) completeOrder(ctx context.Context, session domain.CheckoutSession, orderID string) (domain.CheckoutSession, error) {
	next, err := Transition(session, OrderCreatedEvent{OrderID: orderID, TransactionID: session.Payment.TransactionID})
	if err != nil {
		return session, err
	}
	if err := s.save(ctx, &next); err != nil {
		return session, err
	}
	s.broker.notify(next.ID)
	s.logger(ctx, "checkout.session.completed", map[string]any{
		"sessionId":     next.ID,
		"orderId":       orderID,
		"transactionId": next.Payment.TransactionID,
	})
	return next, nil
}

// apply runs one state machine step under the session lock and persists the result.
func (s *checkoutService) apply(ctx context.Context, userID, sessionID string, build func(current domain.CheckoutSession) (CheckoutEvent, error)) (domain.CheckoutSession, error) {
	unlock := s.locks.lock(strings.TrimSpace(sessionID))
	defer unlock()

	current, err := s.load(ctx, userID, sessionID)
	if err != nil {
		return domain.CheckoutSession{}, err
	}
	if current.Step == domain.CheckoutStepComplete {
		return current, ErrCheckoutSessionComplete
	}
	event, err := build(current)
	if err != nil {
		return current, err
	}
	next, err := Transition(current, event)
	if err != nil {
		var fieldErrs ValidationErrors
		if errors.As(err, &fieldErrs) {
			if saveErr := s.save(ctx, &next); saveErr != nil {
				return current, saveErr
			}
			return next, err
		}
		return current, err
	}
	if err := s.save(ctx, &next); err != nil {
		return current, err
	}
	s.broker.notify(next.ID)
	s.logger(ctx, "checkout.session.transitioned", map[string]any{
		"sessionId": next.ID,
		"event":     EventName(event),
		"step":      string(next.Step),
		"phase":     string(next.Payment.Phase),
	})
	return next, nil
}

func (s *checkoutService) quote(ctx context.Context, session domain.CheckoutSession, couponCode string) (PricingQuote, error) {
	return s.pricing.Quote(ctx, QuoteRequest{
		UserID:     session.UserID,
		CouponCode: couponCode,
		Config:     session.Config,
	})
}

func (s *checkoutService) load(ctx context.Context, userID, sessionID string) (domain.CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.CheckoutSession{}, s.mapSessionError(err)
	}
	if !session.ExpiresAt.IsZero() && !s.now().Before(session.ExpiresAt) {
		return domain.CheckoutSession{}, ErrCheckoutSessionNotFound
	}
	if session.UserID != strings.TrimSpace(userID) {
		return domain.CheckoutSession{}, ErrCheckoutForbidden
	}
	return session, nil
}

func (s *checkoutService) save(ctx context.Context, session *domain.CheckoutSession) error {
	now := s.now()
	session.UpdatedAt = now
	session.ExpiresAt = now.Add(s.sessionTTL)
	if err := s.sessions.Save(ctx, *session, s.sessionTTL); err != nil {
		return s.mapSessionError(err)
	}
	return nil
}

func (s *checkoutService) mapSessionError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCheckoutSessionNotFound
		case repoErr.IsUnavailable():
			return fmt.Errorf("checkout: %w: %v", ErrRepositoryUnavailable, err)
		}
	}
	return err
}

func awaitingPayment(session domain.CheckoutSession) bool {
	return session.Step == domain.CheckoutStepReview && session.Payment.Phase == domain.PaymentPhaseAwaiting
}

func isAttemptFailure(err error) bool {
	var paymentErr *PaymentError
	var couponErr *CouponError
	var pricingErr *PricingError
	return errors.As(err, &paymentErr) || errors.As(err, &couponErr) || errors.As(err, &pricingErr)
}

func paymentFailureMessage(err error) string {
	var paymentErr *PaymentError
	if errors.As(err, &paymentErr) {
		switch paymentErr.Kind {
		case PaymentDeclined:
			return "Your payment was declined. Try another payment method."
		case PaymentNetwork:
			return "We could not reach the payment provider. Please try again."
		case PaymentAmountMismatch:
			return "The payment did not match your order total and was not accepted."
		}
	}
	var couponErr *CouponError
	if errors.As(err, &couponErr) {
		return fmt.Sprintf("Coupon %s can no longer be applied (%s).", couponErr.Code, couponErr.Kind)
	}
	var pricingErr *PricingError
	if errors.As(err, &pricingErr) {
		return "Your cart can no longer be checked out."
	}
	return "Payment failed."
}

func buildCheckoutLineItems(cart domain.Cart) []payments.CheckoutLineItem {
	items := make([]payments.CheckoutLineItem, 0, len(cart.Items))
	for _, item := range cart.Items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = strings.TrimSpace(item.ProductID)
		}
		if item.Variant != nil {
			variant := strings.TrimSpace(strings.Join([]string{item.Variant.Color, item.Variant.Size}, " "))
			if variant != "" {
				name = fmt.Sprintf("%s (%s)", name, variant)
			}
		}
		items = append(items, payments.CheckoutLineItem{
			Name:     name,
			Quantity: int64(item.Quantity),
			Amount:   item.UnitPrice,
		})
	}
	return items
}
