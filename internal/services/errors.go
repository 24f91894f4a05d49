package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	domain "github.com/hanko-field/checkout/internal/domain"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid order data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderConflict indicates a concurrent modification lost the race.
	ErrOrderConflict = errors.New("order: conflict")

	// ErrCheckoutSessionNotFound indicates the session expired or never existed.
	ErrCheckoutSessionNotFound = errors.New("checkout: session not found")
	// ErrCheckoutSessionComplete is returned for any event sent to a completed session.
	ErrCheckoutSessionComplete = errors.New("checkout: session already complete")
	// ErrCheckoutInvalidState indicates the event is not accepted in the current step or phase.
	ErrCheckoutInvalidState = errors.New("checkout: event not allowed in current state")
	// ErrCheckoutForbidden indicates the session belongs to another user.
	ErrCheckoutForbidden = errors.New("checkout: session belongs to another user")

	// ErrRepositoryUnavailable indicates a backing store could not be reached.
	ErrRepositoryUnavailable = errors.New("repository unavailable")
)

// ValidationError reports a single invalid checkout field.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// ValidationErrors aggregates field level failures so every invalid field can be re-prompted.
type ValidationErrors []*ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e))
	for _, fieldErr := range e {
		parts = append(parts, fieldErr.Field+" "+fieldErr.Reason)
	}
	return "validation: " + strings.Join(parts, "; ")
}

// Fields returns field to reason pairs.
func (e ValidationErrors) Fields() map[string]string {
	out := make(map[string]string, len(e))
	for _, fieldErr := range e {
		out[fieldErr.Field] = fieldErr.Reason
	}
	return out
}

func (e ValidationErrors) sorted() ValidationErrors {
	sort.SliceStable(e, func(i, j int) bool { return e[i].Field < e[j].Field })
	return e
}

// CouponErrorKind enumerates coupon rejection reasons.
type CouponErrorKind string

const (
	CouponNotFound      CouponErrorKind = "NOT_FOUND"
	CouponInactive      CouponErrorKind = "INACTIVE"
	CouponNotYetValid   CouponErrorKind = "NOT_YET_VALID"
	CouponExpired       CouponErrorKind = "EXPIRED"
	CouponBelowMinOrder CouponErrorKind = "BELOW_MIN_ORDER"
	CouponUsageExceeded CouponErrorKind = "USAGE_EXCEEDED"
	CouponNotApplicable CouponErrorKind = "NOT_APPLICABLE"
)

// CouponError reports why a coupon was rejected. Checkout proceeds without the discount.
type CouponError struct {
	Kind CouponErrorKind
	Code string
}

// Error implements the error interface.
func (e *CouponError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return fmt.Sprintf("coupon: %s", e.Kind)
	}
	return fmt.Sprintf("coupon %s: %s", e.Code, e.Kind)
}

// Is matches another CouponError with the same kind.
func (e *CouponError) Is(target error) bool {
	var other *CouponError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind && (other.Code == "" || other.Code == e.Code)
}

// PricingErrorKind enumerates pricing failures.
type PricingErrorKind string

// PricingInvalidCart means the cart cannot be priced (empty or malformed).
const PricingInvalidCart PricingErrorKind = "INVALID_CART"

// PricingError is fatal to order submission.
type PricingError struct {
	Kind   PricingErrorKind
	Detail string
}

// Error implements the error interface.
func (e *PricingError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return fmt.Sprintf("pricing: %s", e.Kind)
	}
	return fmt.Sprintf("pricing: %s: %s", e.Kind, e.Detail)
}

// PaymentErrorKind enumerates payment failures.
type PaymentErrorKind string

const (
	PaymentDeclined       PaymentErrorKind = "DECLINED"
	PaymentNetwork        PaymentErrorKind = "NETWORK"
	PaymentAmountMismatch PaymentErrorKind = "AMOUNT_MISMATCH"
	PaymentDuplicate      PaymentErrorKind = "DUPLICATE"
)

// PaymentError reports a failed payment attempt. No order is created when it is returned.
type PaymentError struct {
	Kind    PaymentErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *PaymentError) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("payment: %s", e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying error.
func (e *PaymentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the shopper may retry, possibly with another method. Amount
// mismatches are fraud-suspect and never retried.
func (e *PaymentError) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == PaymentDeclined || e.Kind == PaymentNetwork
}

func newPaymentError(kind PaymentErrorKind, message string, err error) *PaymentError {
	return &PaymentError{Kind: kind, Message: message, Err: err}
}

// TransitionErrorKind enumerates order transition failures.
type TransitionErrorKind string

// TransitionIllegal marks a target status not reachable from the current one.
const TransitionIllegal TransitionErrorKind = "ILLEGAL_TRANSITION"

// TransitionError carries both the attempted and the current status so operations staff can see
// exactly why a request was refused.
type TransitionError struct {
	Kind      TransitionErrorKind
	OrderID   string
	Current   domain.OrderStatus
	Attempted domain.OrderStatus
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("order %s: %s %s -> %s", e.OrderID, e.Kind, e.Current, e.Attempted)
}
