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

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// QuoteRequest identifies what to price. Config is the merchant snapshot the shopper is checking
// out against; it is never re-read here.
type QuoteRequest struct {
	UserID     string
	CouponCode string
	Config     domain.MerchantConfig
}

// PricingQuote is the server computed price of the shopper's current cart.
type PricingQuote struct {
	Cart      domain.Cart
	Coupon    domain.CouponResult
	Breakdown domain.PriceBreakdown
	// CouponError is set when a supplied code was rejected; the breakdown then carries no discount.
	CouponError *CouponError
}

// PricingService prices the shopper's current cart. It always re-reads the cart so a stale
// client view can never influence the result.
type PricingService interface {
	Quote(ctx context.Context, req QuoteRequest) (PricingQuote, error)
}

// PricingServiceDeps bundles collaborators for the pricing service.
type PricingServiceDeps struct {
	Carts   repositories.CartRepository
	Coupons CouponValidator
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type pricingService struct {
	carts   repositories.CartRepository
	coupons CouponValidator
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewPricingService constructs a PricingService.
func NewPricingService(deps PricingServiceDeps) (PricingService, error) {
	if deps.Carts == nil {
		return nil, errors.New("pricing service: cart repository is required")
	}
	if deps.Coupons == nil {
		return nil, errors.New("pricing service: coupon validator is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pricingService{
		carts:   deps.Carts,
		coupons: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *pricingService) Quote(ctx context.Context, req QuoteRequest) (PricingQuote, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "PricingService.Quote")
	defer span.End()

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return PricingQuote{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	cart, err := s.carts.Items(ctx, userID)
	if err != nil {
		var repoErr repositories.RepositoryError
		switch {
		case errors.As(err, &repoErr) && repoErr.IsNotFound():
			cart = domain.Cart{UserID: userID}
		case errors.As(err, &repoErr) && repoErr.IsUnavailable():
			span.RecordError(err)
			span.SetStatus(codes.Error, "cart unavailable")
			return PricingQuote{}, fmt.Errorf("pricing: %w: %v", ErrRepositoryUnavailable, err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "cart lookup failed")
			return PricingQuote{}, fmt.Errorf("pricing: load cart: %w", err)
		}
	}

	quote := PricingQuote{Cart: cart.Clone()}
	if code := domain.NormalizeCouponCode(req.CouponCode); code != "" && !cart.IsEmpty() {
		result, err := s.coupons.Validate(ctx, code, cart, s.clock())
		if err != nil {
			var couponErr *CouponError
			if !errors.As(err, &couponErr) {
				span.RecordError(err)
				return PricingQuote{}, err
			}
			quote.CouponError = couponErr
		}
		quote.Coupon = result
	}

	breakdown, err := ComputePriceBreakdown(cart, quote.Coupon, req.Config)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pricing failed")
		return PricingQuote{}, err
	}
	quote.Breakdown = breakdown

	span.SetAttributes(
		attribute.Int("cart.items", len(cart.Items)),
		attribute.Int64("pricing.total", breakdown.Total),
		attribute.String("pricing.currency", breakdown.Currency),
	)
	s.logger(ctx, "pricing.quoted", map[string]any{
		"userId":   userID,
		"coupon":   quote.Coupon.Code,
		"subtotal": breakdown.Subtotal,
		"discount": breakdown.Discount,
		"shipping": breakdown.Shipping,
		"tax":      breakdown.Tax,
		"total":    breakdown.Total,
	})
	return quote, nil
}
