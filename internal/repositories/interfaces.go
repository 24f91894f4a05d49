package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Coupons() CouponRepository
	Orders() OrderRepository
	OrderEvents() OrderEventRepository
	Merchant() MerchantConfigRepository
	CheckoutSessions() CheckoutSessionRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository is the read-only source of cart contents. The authoritative checkout path reads
// it again at submission instead of trusting client supplied line items.
type CartRepository interface {
	Items(ctx context.Context, userID string) (domain.Cart, error)
}

// CouponRepository reads coupons by their normalised code.
type CouponRepository interface {
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
}

// MerchantConfigRepository supplies the read-only merchant configuration snapshot.
type MerchantConfigRepository interface {
	Snapshot(ctx context.Context) (domain.MerchantConfig, error)
}

// OrderCreateParams carries everything persisted when a confirmed payment becomes an order.
type OrderCreateParams struct {
	Order        domain.Order
	InitialEvent domain.OrderStatusEvent
	// Redemption is nil when the order carries no coupon.
	Redemption *domain.CouponRedemption
	// PerUserLimit overrides the coupon's own usageLimitPerUser. Either is checked against the
	// user's redemptions in the same unit as the increment.
	PerUserLimit *int64
}

// OrderCreateResult reports the stored order and whether it already existed for the transaction.
type OrderCreateResult struct {
	Order    domain.Order
	Existing bool
}

// OrderMutation computes the next order state and the event recording the change from the
// current persisted order. Returning an error aborts the update.
type OrderMutation func(current domain.Order) (domain.Order, domain.OrderStatusEvent, error)

// OrderRepository persists orders. Create and UpdateStatus are atomic: implementations must run
// the existence check, coupon accounting and writes as one unit.
type OrderRepository interface {
	// Create inserts the order unless one already exists for the same transaction id, in which
	// case the existing order is returned with Existing set. When a redemption is supplied the
	// coupon usedCount is incremented within the same unit, bounded by the coupon usage limit
	// and the per-user limit.
	Create(ctx context.Context, params OrderCreateParams) (OrderCreateResult, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, mutate OrderMutation) (domain.Order, error)
}

// OrderEventRepository reads the append-only status history of an order.
type OrderEventRepository interface {
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusEvent, error)
}

// CheckoutSessionRepository stores checkout sessions with an expiry.
type CheckoutSessionRepository interface {
	Get(ctx context.Context, sessionID string) (domain.CheckoutSession, error)
	Save(ctx context.Context, session domain.CheckoutSession, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
	FindByTransactionID(ctx context.Context, transactionID string) (domain.CheckoutSession, error)
}

// HealthRepository reports the status of backing dependencies.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
