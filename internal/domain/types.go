package domain

import (
	"slices"
	"strings"
	"time"
)

// CartItemVariant captures optional presentation attributes selected for a product.
type CartItemVariant struct {
	Color string
	Size  string
}

// CartItem is a single purchasable line in a cart. UnitPrice is expressed in minor units.
type CartItem struct {
	ProductID  string
	CategoryID string
	Name       string
	UnitPrice  int64
	Quantity   int
	Variant    *CartItemVariant
}

// LineTotal returns unit price multiplied by quantity.
func (i CartItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Cart is the ordered collection of items a shopper intends to buy. The subtotal is always
// derived from the items.
type Cart struct {
	UserID   string
	Currency string
	Items    []CartItem
}

// Subtotal sums unit price times quantity across all items.
func (c Cart) Subtotal() int64 {
	var subtotal int64
	for _, item := range c.Items {
		subtotal += item.LineTotal()
	}
	return subtotal
}

// IsEmpty reports whether the cart has no items.
func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Clone returns a deep copy so later changes to the live cart cannot leak into snapshots.
func (c Cart) Clone() Cart {
	return Cart{
		UserID:   c.UserID,
		Currency: c.Currency,
		Items:    CloneCartItems(c.Items),
	}
}

// CloneCartItems deep-copies a slice of cart items including variant pointers.
func CloneCartItems(items []CartItem) []CartItem {
	if items == nil {
		return nil
	}
	out := make([]CartItem, len(items))
	for i, item := range items {
		out[i] = item
		if item.Variant != nil {
			variant := *item.Variant
			out[i].Variant = &variant
		}
	}
	return out
}

// CouponType enumerates supported coupon kinds.
type CouponType string

const (
	// CouponTypePercentage discounts a percentage of the cart subtotal.
	CouponTypePercentage CouponType = "percentage"
	// CouponTypeFixedAmount discounts a fixed amount capped at the subtotal.
	CouponTypeFixedAmount CouponType = "fixed_amount"
	// CouponTypeFreeShipping waives the shipping charge.
	CouponTypeFreeShipping CouponType = "free_shipping"
)

// IsValid reports whether the coupon type is recognised.
func (t CouponType) IsValid() bool {
	switch t {
	case CouponTypePercentage, CouponTypeFixedAmount, CouponTypeFreeShipping:
		return true
	default:
		return false
	}
}

// Coupon is a named discount rule. UsedCount only grows and is incremented when an order using
// the coupon is created, never on preview.
type Coupon struct {
	Code                 string
	Type                 CouponType
	PercentOff           Rate
	AmountOff            int64
	MinOrderAmount       int64
	MaxDiscountAmount    *int64
	ValidFrom            *time.Time
	ValidUntil           *time.Time
	UsageLimit           *int64
	UsageLimitPerUser    *int64
	UsedCount            int64
	ApplicableProducts   []string
	ApplicableCategories []string
	ExcludedProducts     []string
	ExcludedCategories   []string
	IsActive             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// HasApplicabilityRules reports whether the coupon restricts the products or categories it covers.
func (c Coupon) HasApplicabilityRules() bool {
	return len(c.ApplicableProducts) > 0 || len(c.ApplicableCategories) > 0
}

// Covers reports whether the coupon applies to the given cart item.
func (c Coupon) Covers(item CartItem) bool {
	if slices.Contains(c.ExcludedProducts, item.ProductID) {
		return false
	}
	if item.CategoryID != "" && slices.Contains(c.ExcludedCategories, item.CategoryID) {
		return false
	}
	if !c.HasApplicabilityRules() {
		return true
	}
	if slices.Contains(c.ApplicableProducts, item.ProductID) {
		return true
	}
	return item.CategoryID != "" && slices.Contains(c.ApplicableCategories, item.CategoryID)
}

// NormalizeCouponCode trims and upper-cases a coupon code.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CouponResult is the outcome of evaluating a coupon against a cart. The zero value means no
// coupon was applied.
type CouponResult struct {
	Code           string
	Type           CouponType
	Applicable     bool
	DiscountAmount int64
	Reason         string
}

// FreeShipping reports whether the result waives shipping.
func (r CouponResult) FreeShipping() bool {
	return r.Applicable && r.Type == CouponTypeFreeShipping
}

// CouponRedemption records a coupon used by an order for per-user accounting.
type CouponRedemption struct {
	CouponCode string
	UserID     string
	OrderID    string
	RedeemedAt time.Time
}

// Address is a shipping destination collected during checkout.
type Address struct {
	FullName   string
	Email      string
	Phone      string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// PaymentFlow distinguishes payment methods that settle immediately from those confirmed by an
// external gateway.
type PaymentFlow string

const (
	// PaymentFlowDirect methods create the order synchronously (cash on delivery).
	PaymentFlowDirect PaymentFlow = "direct"
	// PaymentFlowGateway methods wait for an asynchronous gateway confirmation.
	PaymentFlowGateway PaymentFlow = "gateway"
)

// PaymentMethodDescriptor describes a payment option offered to shoppers.
type PaymentMethodDescriptor struct {
	ID          string
	DisplayName string
	Description string
	Flow        PaymentFlow
	Provider    string
	Enabled     bool
}

// PaymentMethodCOD is the identifier used for cash on delivery.
const PaymentMethodCOD = "cod"

// MerchantConfig is the read-only store configuration snapshot used for pricing.
type MerchantConfig struct {
	Currency              string
	TaxRate               Rate
	EnableFreeShipping    bool
	FreeShippingThreshold int64
	FlatRateShipping      int64
	PaymentMethods        []PaymentMethodDescriptor
	Version               string
}

// EnabledPaymentMethods returns the descriptors currently offered, preserving configured order.
func (c MerchantConfig) EnabledPaymentMethods() []PaymentMethodDescriptor {
	out := make([]PaymentMethodDescriptor, 0, len(c.PaymentMethods))
	for _, method := range c.PaymentMethods {
		if method.Enabled {
			out = append(out, method)
		}
	}
	return out
}

// PaymentMethod returns the enabled descriptor with the given id.
func (c MerchantConfig) PaymentMethod(id string) (PaymentMethodDescriptor, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, method := range c.PaymentMethods {
		if method.Enabled && strings.EqualFold(method.ID, id) {
			return method, true
		}
	}
	return PaymentMethodDescriptor{}, false
}

// Clone deep-copies the configuration snapshot.
func (c MerchantConfig) Clone() MerchantConfig {
	out := c
	out.PaymentMethods = slices.Clone(c.PaymentMethods)
	return out
}

// PriceBreakdown is the authoritative set of monetary totals for a cart, coupon and
// configuration. All amounts are minor units.
type PriceBreakdown struct {
	Currency string
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderStatus enumerates fulfillment states.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// IsValid reports whether the status is recognised.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Order is created once payment is confirmed. Items, address and pricing are frozen copies;
// status and tracking metadata are the only fields changed afterwards.
type Order struct {
	ID              string
	UserID          string
	Items           []CartItem
	ShippingAddress Address
	PaymentMethod   string
	TransactionID   string
	CouponCode      string
	Pricing         PriceBreakdown
	Status          OrderStatus
	TrackingNumber  string
	TrackingURL     string
	StatusNote      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy of the order.
func (o Order) Clone() Order {
	out := o
	out.Items = CloneCartItems(o.Items)
	return out
}

// OrderStatusEvent is an append-only record of a status change, including the creation event.
type OrderStatusEvent struct {
	ID             string
	OrderID        string
	From           OrderStatus
	To             OrderStatus
	TrackingNumber string
	TrackingURL    string
	Note           string
	ActorID        string
	OccurredAt     time.Time
}
