// Package memory provides process-local repositories used for local development and tests. A
// single mutex guards every collection so multi-collection writes are atomic.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Store holds carts, coupons, orders, order events and coupon redemptions.
type Store struct {
	mu sync.RWMutex

	carts       map[string]domain.Cart
	coupons     map[string]domain.Coupon
	orders      map[string]domain.Order
	byTxID      map[string]string
	events      map[string][]domain.OrderStatusEvent
	redemptions map[string][]domain.CouponRedemption
	merchant    domain.MerchantConfig
}

// NewStore returns an empty store serving cfg as the merchant snapshot.
func NewStore(cfg domain.MerchantConfig) *Store {
	return &Store{
		carts:       make(map[string]domain.Cart),
		coupons:     make(map[string]domain.Coupon),
		orders:      make(map[string]domain.Order),
		byTxID:      make(map[string]string),
		events:      make(map[string][]domain.OrderStatusEvent),
		redemptions: make(map[string][]domain.CouponRedemption),
		merchant:    cfg.Clone(),
	}
}

var (
	_ repositories.CartRepository           = (*Store)(nil)
	_ repositories.CouponRepository         = (*Store)(nil)
	_ repositories.OrderRepository          = (*Store)(nil)
	_ repositories.OrderEventRepository     = (*Store)(nil)
	_ repositories.MerchantConfigRepository = (*Store)(nil)
)

// PutCart replaces the cart of cart.UserID.
func (s *Store) PutCart(cart domain.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.carts[strings.TrimSpace(cart.UserID)] = cart.Clone()
}

// PutCoupon inserts or replaces a coupon keyed by its normalised code.
func (s *Store) PutCoupon(coupon domain.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coupon.Code = domain.NormalizeCouponCode(coupon.Code)
	s.coupons[coupon.Code] = cloneCoupon(coupon)
}

// SetMerchantConfig replaces the merchant snapshot.
func (s *Store) SetMerchantConfig(cfg domain.MerchantConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.merchant = cfg.Clone()
}

// Items returns the user's cart. A user without a cart has an empty one.
func (s *Store) Items(_ context.Context, userID string) (domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	userID = strings.TrimSpace(userID)
	cart, ok := s.carts[userID]
	if !ok {
		return domain.Cart{UserID: userID, Currency: s.merchant.Currency}, nil
	}
	return cart.Clone(), nil
}

func (s *Store) FindByCode(_ context.Context, code string) (domain.Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coupon, ok := s.coupons[domain.NormalizeCouponCode(code)]
	if !ok {
		return domain.Coupon{}, notFound("coupon.find", code)
	}
	return cloneCoupon(coupon), nil
}

func (s *Store) Snapshot(context.Context) (domain.MerchantConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.merchant.Clone(), nil
}

// Create inserts the order, its initial event and the coupon redemption as one unit.
func (s *Store) Create(_ context.Context, params repositories.OrderCreateParams) (repositories.OrderCreateResult, error) {
	order := params.Order
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.TransactionID) == "" {
		return repositories.OrderCreateResult{}, repositories.NewStoreError("order.create", repositories.StoreErrorUnknown, errors.New("order id and transaction id are required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byTxID[order.TransactionID]; ok {
		return repositories.OrderCreateResult{Order: s.orders[existingID].Clone(), Existing: true}, nil
	}
	if _, ok := s.orders[order.ID]; ok {
		return repositories.OrderCreateResult{}, repositories.NewStoreError("order.create", repositories.StoreErrorConflict, fmt.Errorf("order %s already exists", order.ID))
	}

	if redemption := params.Redemption; redemption != nil {
		code := domain.NormalizeCouponCode(redemption.CouponCode)
		coupon, ok := s.coupons[code]
		if !ok {
			return repositories.OrderCreateResult{}, repositories.NewCouponUsageError(repositories.CouponUsageUnknownCoupon, code, "")
		}
		if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
			return repositories.OrderCreateResult{}, repositories.NewCouponUsageError(repositories.CouponUsageExhausted, code, "")
		}
		perUser := coupon.UsageLimitPerUser
		if params.PerUserLimit != nil {
			perUser = params.PerUserLimit
		}
		if perUser != nil && s.countRedemptions(code, redemption.UserID) >= *perUser {
			return repositories.OrderCreateResult{}, repositories.NewCouponUsageError(repositories.CouponUsagePerUserExhausted, code, "")
		}
		coupon.UsedCount++
		coupon.UpdatedAt = redemption.RedeemedAt
		s.coupons[code] = coupon
		r := *redemption
		r.CouponCode = code
		s.redemptions[code] = append(s.redemptions[code], r)
	}

	stored := order.Clone()
	s.orders[stored.ID] = stored
	s.byTxID[stored.TransactionID] = stored.ID
	s.events[stored.ID] = append(s.events[stored.ID], params.InitialEvent)

	return repositories.OrderCreateResult{Order: stored.Clone()}, nil
}

func (s *Store) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("order.find", orderID)
	}
	return order.Clone(), nil
}

func (s *Store) FindByTransactionID(_ context.Context, transactionID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	orderID, ok := s.byTxID[strings.TrimSpace(transactionID)]
	if !ok {
		return domain.Order{}, notFound("order.find_by_transaction", transactionID)
	}
	return s.orders[orderID].Clone(), nil
}

// UpdateStatus applies mutate to the current order under the store lock.
func (s *Store) UpdateStatus(_ context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("order.update_status", orderID)
	}
	next, event, err := mutate(current.Clone())
	if err != nil {
		return domain.Order{}, err
	}
	next.ID = current.ID
	next.TransactionID = current.TransactionID
	s.orders[current.ID] = next.Clone()
	s.events[current.ID] = append(s.events[current.ID], event)
	return next, nil
}

func (s *Store) ListByOrder(_ context.Context, orderID string) ([]domain.OrderStatusEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events[strings.TrimSpace(orderID)]), nil
}

// Redemptions returns the recorded redemptions of a coupon.
func (s *Store) Redemptions(code string) []domain.CouponRedemption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.redemptions[domain.NormalizeCouponCode(code)])
}

func (s *Store) countRedemptions(code, userID string) int64 {
	var n int64
	for _, r := range s.redemptions[code] {
		if r.UserID == userID {
			n++
		}
	}
	return n
}

func cloneCoupon(c domain.Coupon) domain.Coupon {
	c.ApplicableProducts = slices.Clone(c.ApplicableProducts)
	c.ApplicableCategories = slices.Clone(c.ApplicableCategories)
	c.ExcludedProducts = slices.Clone(c.ExcludedProducts)
	c.ExcludedCategories = slices.Clone(c.ExcludedCategories)
	return c
}

func notFound(op, key string) error {
	return repositories.NewStoreError(op, repositories.StoreErrorNotFound, fmt.Errorf("%q not found", key))
}
