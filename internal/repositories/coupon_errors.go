package repositories

import "fmt"

// CouponUsageErrorCode enumerates reasons a coupon redemption cannot be recorded.
type CouponUsageErrorCode string

const (
	// CouponUsageExhausted indicates the coupon reached its global usage limit.
	CouponUsageExhausted CouponUsageErrorCode = "coupon_usage_exhausted"
	// CouponUsagePerUserExhausted indicates the shopper reached the per-user usage limit.
	CouponUsagePerUserExhausted CouponUsageErrorCode = "coupon_usage_per_user_exhausted"
	// CouponUsageUnknownCoupon indicates the coupon disappeared between validation and redemption.
	CouponUsageUnknownCoupon CouponUsageErrorCode = "coupon_usage_unknown_coupon"
)

// CouponUsageError is returned by OrderRepository.Create when coupon accounting rejects the order.
type CouponUsageError struct {
	Code    CouponUsageErrorCode
	Coupon  string
	Message string
}

// Error implements the error interface.
func (e *CouponUsageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Coupon != "" {
		return fmt.Sprintf("coupon %s: %s", e.Coupon, e.Message)
	}
	return e.Message
}

// NewCouponUsageError constructs a typed coupon usage error.
func NewCouponUsageError(code CouponUsageErrorCode, coupon string, message string) *CouponUsageError {
	if message == "" {
		message = string(code)
	}
	return &CouponUsageError{
		Code:    code,
		Coupon:  coupon,
		Message: message,
	}
}
