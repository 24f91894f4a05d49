package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	ordersCollection         = "orders"
	orderEventsSubcollection = "events"
	confirmationsCollection  = "paymentConfirmations"
	redemptionsSubcollection = "redemptions"
)

// OrderRepository stores orders under orders/{orderId} with their status history in the events
// subcollection. paymentConfirmations/{transactionId} marks a transaction as already converted so
// replays resolve to the same order.
type OrderRepository struct {
	provider      *pfirestore.Provider
	orders        *pfirestore.BaseRepository[orderDocument]
	confirmations *pfirestore.BaseRepository[confirmationDocument]
	coupons       *pfirestore.BaseRepository[couponDocument]
}

var (
	_ repositories.OrderRepository      = (*OrderRepository)(nil)
	_ repositories.OrderEventRepository = (*OrderRepository)(nil)
)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider:      provider,
		orders:        pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil),
		confirmations: pfirestore.NewBaseRepository[confirmationDocument](provider, confirmationsCollection, nil),
		coupons:       pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil),
	}, nil
}

// Create runs the transaction marker check, coupon accounting and every write in one Firestore
// transaction. All reads happen before the first write.
func (r *OrderRepository) Create(ctx context.Context, params repositories.OrderCreateParams) (repositories.OrderCreateResult, error) {
	if r == nil || r.provider == nil {
		return repositories.OrderCreateResult{}, errors.New("order repository not initialised")
	}
	order := params.Order
	orderID := strings.TrimSpace(order.ID)
	txID := strings.TrimSpace(order.TransactionID)
	if orderID == "" || txID == "" {
		return repositories.OrderCreateResult{}, pfirestore.WrapError("orders.create", errors.New("order id and transaction id are required"))
	}

	var result repositories.OrderCreateResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.OrderCreateResult{}

		markerRef, err := r.confirmations.DocumentRef(ctx, txID)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}

		markerSnap, err := tx.Get(markerRef)
		switch status.Code(err) {
		case codes.OK:
			var marker confirmationDocument
			if err := markerSnap.DataTo(&marker); err != nil {
				return fmt.Errorf("firestore paymentConfirmations decode %s: %w", txID, err)
			}
			existing, err := r.getInTx(ctx, tx, marker.OrderID)
			if err != nil {
				return err
			}
			result = repositories.OrderCreateResult{Order: existing, Existing: true}
			return nil
		case codes.NotFound:
			// first confirmation for this transaction
		default:
			return err
		}

		var (
			couponRef  *firestore.DocumentRef
			redemption domain.CouponRedemption
		)
		if params.Redemption != nil {
			redemption = *params.Redemption
			redemption.CouponCode = domain.NormalizeCouponCode(redemption.CouponCode)
			redemption.OrderID = orderID
			couponRef, err = r.coupons.DocumentRef(ctx, redemption.CouponCode)
			if err != nil {
				return err
			}
			if err := r.checkCouponUsage(tx, couponRef, redemption, params.PerUserLimit); err != nil {
				return err
			}
		}

		if couponRef != nil {
			if err := tx.Update(couponRef, []firestore.Update{
				{Path: "usedCount", Value: firestore.Increment(1)},
				{Path: "updatedAt", Value: redemption.RedeemedAt.UTC()},
			}); err != nil {
				return err
			}
			redemptionRef := couponRef.Collection(redemptionsSubcollection).Doc(orderID)
			if err := tx.Create(redemptionRef, redemptionDocument{
				UserID:     redemption.UserID,
				OrderID:    orderID,
				RedeemedAt: redemption.RedeemedAt.UTC(),
			}); err != nil {
				return err
			}
		}

		if err := tx.Create(orderRef, encodeOrder(order)); err != nil {
			return err
		}
		if err := tx.Create(markerRef, confirmationDocument{OrderID: orderID, CreatedAt: order.CreatedAt.UTC()}); err != nil {
			return err
		}
		event := params.InitialEvent
		if err := tx.Create(eventRef(orderRef, event.ID), encodeOrderEvent(event)); err != nil {
			return err
		}

		result = repositories.OrderCreateResult{Order: order.Clone()}
		return nil
	}, pfirestore.WithTxLabel("orders.create"))
	if err != nil {
		var usageErr *repositories.CouponUsageError
		if errors.As(err, &usageErr) {
			return repositories.OrderCreateResult{}, usageErr
		}
		return repositories.OrderCreateResult{}, pfirestore.WrapError("orders.create", err)
	}
	return result, nil
}

func (r *OrderRepository) checkCouponUsage(tx *firestore.Transaction, couponRef *firestore.DocumentRef, redemption domain.CouponRedemption, override *int64) error {
	snap, err := tx.Get(couponRef)
	switch status.Code(err) {
	case codes.OK:
	case codes.NotFound:
		return repositories.NewCouponUsageError(repositories.CouponUsageUnknownCoupon, redemption.CouponCode, "")
	default:
		return err
	}
	var coupon couponDocument
	if err := snap.DataTo(&coupon); err != nil {
		return fmt.Errorf("firestore coupons decode %s: %w", redemption.CouponCode, err)
	}
	if coupon.UsageLimit != nil && coupon.UsedCount >= *coupon.UsageLimit {
		return repositories.NewCouponUsageError(repositories.CouponUsageExhausted, redemption.CouponCode, "")
	}

	limit := coupon.UsageLimitPerUser
	if override != nil {
		limit = override
	}
	if limit == nil {
		return nil
	}
	query := couponRef.Collection(redemptionsSubcollection).Where("userId", "==", redemption.UserID)
	snaps, err := tx.Documents(query).GetAll()
	if err != nil {
		return err
	}
	if int64(len(snaps)) >= *limit {
		return repositories.NewCouponUsageError(repositories.CouponUsagePerUserExhausted, redemption.CouponCode, "")
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// FindByTransactionID resolves the order through its confirmation marker.
func (r *OrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	transactionID = strings.TrimSpace(transactionID)
	marker, err := r.confirmations.Get(ctx, transactionID)
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, marker.Data.OrderID)
}

// UpdateStatus reads the order, applies mutate and writes the order together with the new event.
// Firestore retries the closure on contention so mutate always sees the latest state.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, mutate repositories.OrderMutation) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if mutate == nil {
		return domain.Order{}, errors.New("order mutation is required")
	}
	orderID = strings.TrimSpace(orderID)

	var updated domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, err := r.getInTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		next, event, err := mutate(current.Clone())
		if err != nil {
			return err
		}
		next.ID = current.ID
		next.TransactionID = current.TransactionID

		ref, err := r.orders.DocumentRef(ctx, current.ID)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, encodeOrder(next)); err != nil {
			return err
		}
		if err := tx.Create(eventRef(ref, event.ID), encodeOrderEvent(event)); err != nil {
			return err
		}
		updated = next
		return nil
	}, pfirestore.WithTxLabel("orders.update_status"))
	if err != nil {
		// mutation errors stay reachable through errors.As on the wrapped error
		return domain.Order{}, pfirestore.WrapError("orders.update_status", err)
	}
	return updated, nil
}

// ListByOrder returns the status history oldest first.
func (r *OrderRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusEvent, error) {
	orderID = strings.TrimSpace(orderID)
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return nil, err
	}
	snaps, err := ref.Collection(orderEventsSubcollection).OrderBy("occurredAt", firestore.Asc).Documents(ctx).GetAll()
	if err != nil {
		return nil, pfirestore.WrapError("orders.events.list", err)
	}
	events := make([]domain.OrderStatusEvent, 0, len(snaps))
	for _, snap := range snaps {
		var doc orderEventDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore order events decode %s: %w", snap.Ref.ID, err)
		}
		events = append(events, decodeOrderEvent(snap.Ref.ID, orderID, doc))
	}
	return events, nil
}

func (r *OrderRepository) getInTx(ctx context.Context, tx *firestore.Transaction, orderID string) (domain.Order, error) {
	ref, err := r.orders.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.get", err)
	}
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("firestore orders decode %s: %w", orderID, err)
	}
	return decodeOrder(snap.Ref.ID, doc), nil
}

func eventRef(orderRef *firestore.DocumentRef, eventID string) *firestore.DocumentRef {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		eventID = ulid.Make().String()
	}
	return orderRef.Collection(orderEventsSubcollection).Doc(eventID)
}
