package services

import (
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// CheckoutEvent is an input to the checkout state machine.
type CheckoutEvent interface {
	checkoutEvent() string
}

// UpdateAddressEvent replaces the shipping form values.
type UpdateAddressEvent struct {
	Address domain.Address
}

// SelectCountryEvent changes the destination country, clearing a previously chosen state when
// the country differs.
type SelectCountryEvent struct {
	Country string
}

// ContinueEvent asks to move from shipping to review with pricing computed from the current cart.
type ContinueEvent struct {
	Pricing domain.PriceBreakdown
}

// BackEvent returns from review to shipping, keeping entered values.
type BackEvent struct{}

// ApplyCouponEvent records the outcome of validating a coupon code. An empty Code removes the
// coupon. Pricing, when set, replaces the displayed breakdown.
type ApplyCouponEvent struct {
	Code    string
	Result  domain.CouponResult
	Pricing *domain.PriceBreakdown
}

// SelectPaymentMethodEvent picks one of the enabled payment methods.
type SelectPaymentMethodEvent struct {
	MethodID string
}

// SubmitPaymentEvent starts a payment attempt with the server recomputed pricing.
type SubmitPaymentEvent struct {
	TransactionID string
	RedirectURL   string
	Provider      string
	ProviderRef   string
	Pricing       domain.PriceBreakdown
	At            time.Time
}

// PaymentFailedEvent ends the current payment attempt with an error the shopper can act on.
type PaymentFailedEvent struct {
	Reason string
}

// CancelPaymentEvent abandons a pending payment wait without side effects.
type CancelPaymentEvent struct{}

// OrderCreatedEvent completes the checkout once the order exists.
type OrderCreatedEvent struct {
	OrderID       string
	TransactionID string
}

func (UpdateAddressEvent) checkoutEvent() string       { return "update_address" }
func (SelectCountryEvent) checkoutEvent() string       { return "select_country" }
func (ContinueEvent) checkoutEvent() string            { return "continue" }
func (BackEvent) checkoutEvent() string                { return "back" }
func (ApplyCouponEvent) checkoutEvent() string         { return "apply_coupon" }
func (SelectPaymentMethodEvent) checkoutEvent() string { return "select_payment_method" }
func (SubmitPaymentEvent) checkoutEvent() string       { return "submit_payment" }
func (PaymentFailedEvent) checkoutEvent() string       { return "payment_failed" }
func (CancelPaymentEvent) checkoutEvent() string       { return "cancel_payment" }
func (OrderCreatedEvent) checkoutEvent() string        { return "order_created" }

// EventName returns the wire name of a checkout event.
func EventName(event CheckoutEvent) string {
	if event == nil {
		return ""
	}
	return event.checkoutEvent()
}

// Transition applies event to state and returns the next state. It never mutates its input and
// performs no I/O. On error the returned state is the input state, except that failed address
// validation records the field errors on it.
func Transition(state domain.CheckoutSession, event CheckoutEvent) (domain.CheckoutSession, error) {
	if state.Step == domain.CheckoutStepComplete {
		return state, ErrCheckoutSessionComplete
	}
	if event == nil {
		return state, fmt.Errorf("%w: event is required", ErrCheckoutInvalidState)
	}

	next := state.Clone()
	if next.Step == "" {
		next.Step = domain.CheckoutStepShipping
	}
	if next.Payment.Phase == "" {
		next.Payment.Phase = domain.PaymentPhaseIdle
	}

	switch ev := event.(type) {
	case UpdateAddressEvent:
		if next.Step != domain.CheckoutStepShipping {
			return state, invalidEvent(next, ev)
		}
		previous := next.Address
		updated := sanitizeAddress(ev.Address)
		if !sameCountry(previous.Country, updated.Country) && updated.State == previous.State {
			updated.State = ""
		}
		next.Address = updated
		next.FieldErrors = nil
		return next, nil

	case SelectCountryEvent:
		if next.Step != domain.CheckoutStepShipping {
			return state, invalidEvent(next, ev)
		}
		country := sanitizeAddress(domain.Address{Country: ev.Country}).Country
		if !sameCountry(next.Address.Country, country) {
			next.Address.State = ""
		}
		next.Address.Country = country
		delete(next.FieldErrors, fieldCountry)
		return next, nil

	case ContinueEvent:
		if next.Step != domain.CheckoutStepShipping {
			return state, invalidEvent(next, ev)
		}
		if errs := ValidateAddress(next.Address); errs != nil {
			failed := state.Clone()
			failed.FieldErrors = errs.Fields()
			return failed, errs
		}
		pricing := ev.Pricing
		next.Step = domain.CheckoutStepReview
		next.Pricing = &pricing
		next.FieldErrors = nil
		next.LastError = ""
		return next, nil

	case BackEvent:
		if next.Step != domain.CheckoutStepReview || next.Payment.Phase == domain.PaymentPhaseSubmitting {
			return state, invalidEvent(next, ev)
		}
		next.Step = domain.CheckoutStepShipping
		next.Payment = domain.CheckoutPayment{Phase: domain.PaymentPhaseIdle}
		next.LastError = ""
		return next, nil

	case ApplyCouponEvent:
		if next.Payment.Phase != domain.PaymentPhaseIdle {
			return state, invalidEvent(next, ev)
		}
		code := domain.NormalizeCouponCode(ev.Code)
		next.CouponCode = code
		next.Coupon = ev.Result
		if code == "" {
			next.Coupon = domain.CouponResult{}
		}
		if ev.Pricing != nil && next.Step == domain.CheckoutStepReview {
			pricing := *ev.Pricing
			next.Pricing = &pricing
		}
		return next, nil

	case SelectPaymentMethodEvent:
		if next.Step != domain.CheckoutStepReview || next.Payment.Phase != domain.PaymentPhaseIdle {
			return state, invalidEvent(next, ev)
		}
		method, ok := next.Config.PaymentMethod(ev.MethodID)
		if !ok {
			return state, &ValidationError{Field: "paymentMethod", Reason: "is not an enabled payment method"}
		}
		next.PaymentMethod = method.ID
		next.LastError = ""
		return next, nil

	case SubmitPaymentEvent:
		if next.Step != domain.CheckoutStepReview || next.Payment.Phase != domain.PaymentPhaseIdle {
			return state, invalidEvent(next, ev)
		}
		method, ok := next.Config.PaymentMethod(next.PaymentMethod)
		if !ok {
			return state, &ValidationError{Field: "paymentMethod", Reason: "is required"}
		}
		transactionID := strings.TrimSpace(ev.TransactionID)
		if transactionID == "" {
			return state, fmt.Errorf("%w: transaction id is required", ErrCheckoutInvalidState)
		}
		phase := domain.PaymentPhaseSubmitting
		if method.Flow == domain.PaymentFlowGateway {
			phase = domain.PaymentPhaseAwaiting
		}
		startedAt := ev.At
		pricing := ev.Pricing
		next.Pricing = &pricing
		next.Payment = domain.CheckoutPayment{
			Phase:         phase,
			TransactionID: transactionID,
			RedirectURL:   strings.TrimSpace(ev.RedirectURL),
			Provider:      strings.TrimSpace(ev.Provider),
			ProviderRef:   strings.TrimSpace(ev.ProviderRef),
			Amount:        pricing.Total,
			Currency:      pricing.Currency,
			StartedAt:     &startedAt,
		}
		next.LastError = ""
		return next, nil

	case PaymentFailedEvent:
		if next.Step != domain.CheckoutStepReview {
			return state, invalidEvent(next, ev)
		}
		next.Payment = domain.CheckoutPayment{Phase: domain.PaymentPhaseIdle}
		next.LastError = strings.TrimSpace(ev.Reason)
		if next.LastError == "" {
			next.LastError = "payment failed"
		}
		return next, nil

	case CancelPaymentEvent:
		if next.Step != domain.CheckoutStepReview {
			return state, invalidEvent(next, ev)
		}
		next.Payment = domain.CheckoutPayment{Phase: domain.PaymentPhaseIdle}
		return next, nil

	case OrderCreatedEvent:
		if next.Step != domain.CheckoutStepReview || next.Payment.Phase == domain.PaymentPhaseIdle {
			return state, invalidEvent(next, ev)
		}
		if ev.TransactionID != "" && ev.TransactionID != next.Payment.TransactionID {
			return state, fmt.Errorf("%w: transaction %s does not match the pending payment", ErrCheckoutInvalidState, ev.TransactionID)
		}
		orderID := strings.TrimSpace(ev.OrderID)
		if orderID == "" {
			return state, fmt.Errorf("%w: order id is required", ErrCheckoutInvalidState)
		}
		next.Step = domain.CheckoutStepComplete
		next.OrderID = orderID
		next.LastError = ""
		return next, nil
	}

	return state, fmt.Errorf("%w: unsupported event %T", ErrCheckoutInvalidState, event)
}

func invalidEvent(state domain.CheckoutSession, event CheckoutEvent) error {
	return fmt.Errorf("%w: %s in step %s (payment %s)", ErrCheckoutInvalidState, event.checkoutEvent(), state.Step, state.Payment.Phase)
}
