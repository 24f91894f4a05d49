package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

var couponNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func int64Ptr(v int64) *int64 { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func welcomeCoupon() domain.Coupon {
	return domain.Coupon{
		Code:       "WELCOME10",
		Type:       domain.CouponTypePercentage,
		PercentOff: domain.Rate(100_000),
		IsActive:   true,
	}
}

func TestEvaluateCoupon_RejectionOrder(t *testing.T) {
	cart := cartWithSubtotal("user_1", 5_000)

	tests := []struct {
		name   string
		mutate func(*domain.Coupon)
		want   CouponErrorKind
	}{
		{
			name: "inactive wins over expiry",
			mutate: func(c *domain.Coupon) {
				c.IsActive = false
				c.ValidUntil = timePtr(couponNow.Add(-time.Hour))
			},
			want: CouponInactive,
		},
		{
			name:   "not yet valid",
			mutate: func(c *domain.Coupon) { c.ValidFrom = timePtr(couponNow.Add(time.Hour)) },
			want:   CouponNotYetValid,
		},
		{
			name: "expired wins over minimum order",
			mutate: func(c *domain.Coupon) {
				c.ValidUntil = timePtr(couponNow.Add(-time.Second))
				c.MinOrderAmount = 100_000
			},
			want: CouponExpired,
		},
		{
			name: "below minimum wins over usage",
			mutate: func(c *domain.Coupon) {
				c.MinOrderAmount = 5_001
				c.UsageLimit = int64Ptr(1)
				c.UsedCount = 1
			},
			want: CouponBelowMinOrder,
		},
		{
			name: "usage exhausted",
			mutate: func(c *domain.Coupon) {
				c.UsageLimit = int64Ptr(3)
				c.UsedCount = 3
			},
			want: CouponUsageExceeded,
		},
		{
			name:   "no eligible item",
			mutate: func(c *domain.Coupon) { c.ApplicableCategories = []string{"frames"} },
			want:   CouponNotApplicable,
		},
		{
			name:   "every item excluded",
			mutate: func(c *domain.Coupon) { c.ExcludedProducts = []string{"prod_stamp"} },
			want:   CouponNotApplicable,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			coupon := welcomeCoupon()
			tc.mutate(&coupon)
			got := EvaluateCoupon(&coupon, cart, couponNow)
			if got.Applicable {
				t.Fatalf("expected rejection, got %+v", got)
			}
			if got.Reason != string(tc.want) {
				t.Fatalf("expected %s, got %s", tc.want, got.Reason)
			}
			if got.DiscountAmount != 0 {
				t.Fatalf("expected zero discount, got %d", got.DiscountAmount)
			}
		})
	}
}

func TestEvaluateCoupon_ValidityBoundsAreInclusive(t *testing.T) {
	coupon := welcomeCoupon()
	coupon.ValidFrom = timePtr(couponNow)
	coupon.ValidUntil = timePtr(couponNow)

	got := EvaluateCoupon(&coupon, cartWithSubtotal("user_1", 1_000), couponNow)
	if !got.Applicable {
		t.Fatalf("expected coupon valid at its bounds, got %s", got.Reason)
	}
}

func TestEvaluateCoupon_Discounts(t *testing.T) {
	cart := domain.Cart{
		UserID: "user_1",
		Items: []domain.CartItem{
			{ProductID: "prod_stamp", CategoryID: "stamps", UnitPrice: 6_000, Quantity: 2},
			{ProductID: "prod_case", CategoryID: "cases", UnitPrice: 3_000, Quantity: 1},
		},
	}

	tests := []struct {
		name   string
		coupon domain.Coupon
		want   int64
	}{
		{name: "percentage of subtotal", coupon: welcomeCoupon(), want: 1_500},
		{
			name: "percentage capped",
			coupon: func() domain.Coupon {
				c := welcomeCoupon()
				c.MaxDiscountAmount = int64Ptr(1_000)
				return c
			}(),
			want: 1_000,
		},
		{
			name: "restricted coupon discounts whole subtotal",
			coupon: func() domain.Coupon {
				c := welcomeCoupon()
				c.ApplicableCategories = []string{"cases"}
				return c
			}(),
			want: 1_500,
		},
		{
			name: "product-restricted coupon discounts whole subtotal",
			coupon: func() domain.Coupon {
				c := welcomeCoupon()
				c.ApplicableProducts = []string{"prod_case"}
				return c
			}(),
			want: 1_500,
		},
		{
			name: "exclusion only gates applicability",
			coupon: func() domain.Coupon {
				c := welcomeCoupon()
				c.ExcludedCategories = []string{"stamps"}
				return c
			}(),
			want: 1_500,
		},
		{
			name:   "fixed amount",
			coupon: domain.Coupon{Code: "TAKE5", Type: domain.CouponTypeFixedAmount, AmountOff: 500, IsActive: true},
			want:   500,
		},
		{
			name:   "fixed amount capped at subtotal",
			coupon: domain.Coupon{Code: "HUGE", Type: domain.CouponTypeFixedAmount, AmountOff: 99_999, IsActive: true},
			want:   15_000,
		},
		{
			name:   "free shipping carries no discount",
			coupon: domain.Coupon{Code: "SHIPFREE", Type: domain.CouponTypeFreeShipping, IsActive: true},
			want:   0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateCoupon(&tc.coupon, cart, couponNow)
			if !got.Applicable {
				t.Fatalf("expected applicable, got %s", got.Reason)
			}
			if got.DiscountAmount != tc.want {
				t.Fatalf("expected discount %d, got %d", tc.want, got.DiscountAmount)
			}
		})
	}
}

func TestEvaluateCoupon_NilCoupon(t *testing.T) {
	got := EvaluateCoupon(nil, cartWithSubtotal("user_1", 100), couponNow)
	if got.Applicable || got.Reason != string(CouponNotFound) {
		t.Fatalf("expected NOT_FOUND, got %+v", got)
	}
}

func TestCouponValidator_Validate(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	store.PutCoupon(welcomeCoupon())
	expired := welcomeCoupon()
	expired.Code = "SPRING"
	expired.ValidUntil = timePtr(couponNow.Add(-24 * time.Hour))
	store.PutCoupon(expired)

	validator, err := NewCouponValidator(CouponValidatorDeps{Coupons: store})
	if err != nil {
		t.Fatalf("NewCouponValidator error: %v", err)
	}
	ctx := context.Background()
	cart := cartWithSubtotal("user_1", 20_000)

	result, err := validator.Validate(ctx, " welcome10 ", cart, couponNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applicable || result.Code != "WELCOME10" || result.DiscountAmount != 2_000 {
		t.Fatalf("unexpected result: %+v", result)
	}

	result, err = validator.Validate(ctx, "spring", cart, couponNow)
	if !errors.Is(err, &CouponError{Kind: CouponExpired}) {
		t.Fatalf("expected EXPIRED error, got %v", err)
	}
	if result.Applicable || result.DiscountAmount != 0 || result.Reason != string(CouponExpired) {
		t.Fatalf("unexpected result for expired coupon: %+v", result)
	}

	_, err = validator.Validate(ctx, "missing", cart, couponNow)
	var couponErr *CouponError
	if !errors.As(err, &couponErr) || couponErr.Kind != CouponNotFound || couponErr.Code != "MISSING" {
		t.Fatalf("expected NOT_FOUND for MISSING, got %v", err)
	}

	_, err = validator.Validate(ctx, "   ", cart, couponNow)
	if !errors.Is(err, &CouponError{Kind: CouponNotFound}) {
		t.Fatalf("expected NOT_FOUND for blank code, got %v", err)
	}
}

type unavailableCoupons struct{}

func (unavailableCoupons) FindByCode(context.Context, string) (domain.Coupon, error) {
	return domain.Coupon{}, repositories.NewStoreError("coupon.find", repositories.StoreErrorUnavailable, errors.New("deadline exceeded"))
}

func TestCouponValidator_RepositoryUnavailable(t *testing.T) {
	validator, err := NewCouponValidator(CouponValidatorDeps{Coupons: unavailableCoupons{}})
	if err != nil {
		t.Fatalf("NewCouponValidator error: %v", err)
	}
	_, err = validator.Validate(context.Background(), "WELCOME10", cartWithSubtotal("user_1", 100), couponNow)
	if !errors.Is(err, ErrRepositoryUnavailable) {
		t.Fatalf("expected ErrRepositoryUnavailable, got %v", err)
	}
	var couponErr *CouponError
	if errors.As(err, &couponErr) {
		t.Fatalf("repository failures must not look like rejections")
	}
}
