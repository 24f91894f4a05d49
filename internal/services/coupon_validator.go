package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// CouponValidator checks coupon codes against a cart. Per-user limits are not part of this check
// because they need the shopper's redemption history; order creation enforces them.
type CouponValidator interface {
	Validate(ctx context.Context, code string, cart domain.Cart, now time.Time) (domain.CouponResult, error)
}

// CouponValidatorDeps bundles collaborators for the coupon validator.
type CouponValidatorDeps struct {
	Coupons repositories.CouponRepository
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type couponValidator struct {
	coupons repositories.CouponRepository
	logger  func(context.Context, string, map[string]any)
}

// NewCouponValidator constructs a repository backed CouponValidator.
func NewCouponValidator(deps CouponValidatorDeps) (CouponValidator, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon validator: coupon repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &couponValidator{coupons: deps.Coupons, logger: logger}, nil
}

// Validate looks up the coupon and evaluates it. Rejections are returned both as the result reason
// and as a *CouponError; repository failures are returned unchanged.
func (v *couponValidator) Validate(ctx context.Context, code string, cart domain.Cart, now time.Time) (domain.CouponResult, error) {
	normalized := domain.NormalizeCouponCode(code)
	if normalized == "" {
		return rejectCoupon("", "", CouponNotFound)
	}

	coupon, err := v.coupons.FindByCode(ctx, normalized)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return rejectCoupon(normalized, "", CouponNotFound)
		}
		if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
			return domain.CouponResult{}, fmt.Errorf("coupon validator: %w: %v", ErrRepositoryUnavailable, err)
		}
		return domain.CouponResult{}, fmt.Errorf("coupon validator: lookup %s: %w", normalized, err)
	}

	result := EvaluateCoupon(&coupon, cart, now)
	if !result.Applicable {
		v.logger(ctx, "coupon.rejected", map[string]any{
			"code":   normalized,
			"reason": result.Reason,
		})
		return result, &CouponError{Kind: CouponErrorKind(result.Reason), Code: normalized}
	}
	return result, nil
}

// EvaluateCoupon applies the coupon rules to the cart at the given instant. A nil coupon is
// reported as NOT_FOUND. Checks run in a fixed order and the first failure wins.
func EvaluateCoupon(coupon *domain.Coupon, cart domain.Cart, now time.Time) domain.CouponResult {
	if coupon == nil {
		return domain.CouponResult{Reason: string(CouponNotFound)}
	}

	code := domain.NormalizeCouponCode(coupon.Code)
	reject := func(kind CouponErrorKind) domain.CouponResult {
		return domain.CouponResult{Code: code, Type: coupon.Type, Reason: string(kind)}
	}

	if !coupon.IsActive {
		return reject(CouponInactive)
	}
	if coupon.ValidFrom != nil && now.Before(*coupon.ValidFrom) {
		return reject(CouponNotYetValid)
	}
	if coupon.ValidUntil != nil && now.After(*coupon.ValidUntil) {
		return reject(CouponExpired)
	}

	subtotal := cart.Subtotal()
	if subtotal < coupon.MinOrderAmount {
		return reject(CouponBelowMinOrder)
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return reject(CouponUsageExceeded)
	}

	if coupon.HasApplicabilityRules() || len(coupon.ExcludedProducts) > 0 || len(coupon.ExcludedCategories) > 0 {
		if !slices.ContainsFunc(cart.Items, coupon.Covers) {
			return reject(CouponNotApplicable)
		}
	}

	var discount int64
	switch coupon.Type {
	case domain.CouponTypePercentage:
		discount = coupon.PercentOff.Apply(subtotal)
		if coupon.MaxDiscountAmount != nil && discount > *coupon.MaxDiscountAmount {
			discount = *coupon.MaxDiscountAmount
		}
	case domain.CouponTypeFixedAmount:
		discount = min(coupon.AmountOff, subtotal)
	case domain.CouponTypeFreeShipping:
		discount = 0
	default:
		return reject(CouponNotApplicable)
	}
	if discount < 0 {
		discount = 0
	}

	return domain.CouponResult{
		Code:           code,
		Type:           coupon.Type,
		Applicable:     true,
		DiscountAmount: discount,
	}
}

func rejectCoupon(code string, couponType domain.CouponType, kind CouponErrorKind) (domain.CouponResult, error) {
	return domain.CouponResult{Code: code, Type: couponType, Reason: string(kind)}, &CouponError{Kind: kind, Code: code}
}
