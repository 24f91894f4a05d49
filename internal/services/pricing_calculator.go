package services

import (
	"fmt"
	"math"
	"strings"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// ComputePriceBreakdown turns a cart, a coupon evaluation and the merchant configuration into the
// authoritative price breakdown. It has no side effects and does not read the clock, so the same
// inputs always produce the same breakdown.
func ComputePriceBreakdown(cart domain.Cart, coupon domain.CouponResult, cfg domain.MerchantConfig) (domain.PriceBreakdown, error) {
	if cart.IsEmpty() {
		return domain.PriceBreakdown{}, &PricingError{Kind: PricingInvalidCart, Detail: "cart has no items"}
	}

	subtotal, err := cartSubtotal(cart)
	if err != nil {
		return domain.PriceBreakdown{}, err
	}

	var discount int64
	if coupon.Applicable {
		discount = clamp(coupon.DiscountAmount, 0, subtotal)
	}

	shippingBase := subtotal - discount

	shipping := cfg.FlatRateShipping
	if shipping < 0 {
		shipping = 0
	}
	if cfg.EnableFreeShipping && shippingBase >= cfg.FreeShippingThreshold {
		shipping = 0
	}
	if coupon.FreeShipping() {
		shipping = 0
	}

	tax := cfg.TaxRate.Apply(shippingBase)
	if tax < 0 {
		tax = 0
	}

	total := shippingBase + shipping + tax
	if total < shippingBase {
		return domain.PriceBreakdown{}, &PricingError{Kind: PricingInvalidCart, Detail: "total overflow"}
	}

	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = strings.ToUpper(strings.TrimSpace(cart.Currency))
	}

	return domain.PriceBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      tax,
		Total:    total,
	}, nil
}

func cartSubtotal(cart domain.Cart) (int64, error) {
	var subtotal int64
	for idx, item := range cart.Items {
		if item.Quantity < 1 {
			return 0, &PricingError{Kind: PricingInvalidCart, Detail: fmt.Sprintf("item %d quantity must be at least 1", idx)}
		}
		if item.UnitPrice < 0 {
			return 0, &PricingError{Kind: PricingInvalidCart, Detail: fmt.Sprintf("item %d unit price must not be negative", idx)}
		}
		quantity := int64(item.Quantity)
		if item.UnitPrice > 0 && item.UnitPrice > math.MaxInt64/quantity {
			return 0, &PricingError{Kind: PricingInvalidCart, Detail: fmt.Sprintf("item %d subtotal overflow", idx)}
		}
		line := item.UnitPrice * quantity
		if subtotal > math.MaxInt64-line {
			return 0, &PricingError{Kind: PricingInvalidCart, Detail: "cart subtotal overflow"}
		}
		subtotal += line
	}
	return subtotal, nil
}

func clamp(value, lower, upper int64) int64 {
	if value < lower {
		return lower
	}
	if value > upper {
		return upper
	}
	return value
}
