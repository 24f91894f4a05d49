package domain

import "time"

// CheckoutStep identifies the step of the checkout wizard.
type CheckoutStep string

const (
	CheckoutStepShipping CheckoutStep = "shipping"
	CheckoutStepReview   CheckoutStep = "review"
	CheckoutStepComplete CheckoutStep = "complete"
)

// PaymentPhase tracks payment progress while a session is in the review step.
type PaymentPhase string

const (
	// PaymentPhaseIdle means no payment is in flight.
	PaymentPhaseIdle PaymentPhase = "idle"
	// PaymentPhaseSubmitting means a direct payment order is being created.
	PaymentPhaseSubmitting PaymentPhase = "submitting"
	// PaymentPhaseAwaiting means the session waits for a gateway confirmation.
	PaymentPhaseAwaiting PaymentPhase = "awaiting_confirmation"
)

// CheckoutPayment holds the in-flight payment attempt for a session. ProviderRef is the gateway's
// own reference for the attempt, such as a Stripe checkout session id.
type CheckoutPayment struct {
	Phase         PaymentPhase
	TransactionID string
	RedirectURL   string
	Provider      string
	ProviderRef   string
	Amount        int64
	Currency      string
	StartedAt     *time.Time
}

// CheckoutSession is the per-shopper checkout state. It is owned by a single user and carries
// its own merchant configuration snapshot taken when the session started.
type CheckoutSession struct {
	ID            string
	UserID        string
	Step          CheckoutStep
	Address       Address
	FieldErrors   map[string]string
	Config        MerchantConfig
	CouponCode    string
	Coupon        CouponResult
	Pricing       *PriceBreakdown
	PaymentMethod string
	Payment       CheckoutPayment
	LastError     string
	OrderID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// Clone deep-copies the session.
func (s CheckoutSession) Clone() CheckoutSession {
	out := s
	out.Config = s.Config.Clone()
	if s.FieldErrors != nil {
		out.FieldErrors = make(map[string]string, len(s.FieldErrors))
		for k, v := range s.FieldErrors {
			out.FieldErrors[k] = v
		}
	}
	if s.Pricing != nil {
		pricing := *s.Pricing
		out.Pricing = &pricing
	}
	if s.Payment.StartedAt != nil {
		started := *s.Payment.StartedAt
		out.Payment.StartedAt = &started
	}
	return out
}
