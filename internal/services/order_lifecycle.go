package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/textutil"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status_changed"

	orderIDPrefix       = "ord_"
	orderEventIDPrefix  = "oev_"
	statusNoteLimit     = 1000
	trackingNumberLimit = 64

	instrumentationName = "github.com/hanko-field/checkout/internal/services"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered:  {},
	domain.OrderStatusCancelled:  {},
}

// CanTransition reports whether target is reachable from current in one step.
func CanTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// AllowedTransitions lists the statuses reachable from current.
func AllowedTransitions(current domain.OrderStatus) []domain.OrderStatus {
	return slices.Clone(orderStateTransitions[current])
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Order          *domain.Order
	Metadata       map[string]any
}

// OrderCreationRequest is the input to OrderLifecycleManager.Create. Items, address and pricing
// are copied so later changes by the caller do not reach the order.
type OrderCreationRequest struct {
	UserID          string
	Items           []domain.CartItem
	ShippingAddress domain.Address
	PaymentMethod   string
	TransactionID   string
	Coupon          domain.CouponResult
	// UsageLimitPerUser is enforced atomically with the coupon increment when set.
	UsageLimitPerUser *int64
	Pricing           domain.PriceBreakdown
}

// TransitionMeta is optional metadata attached to a status change.
type TransitionMeta struct {
	TrackingNumber string
	TrackingURL    string
	Note           string
	ActorID        string
}

// OrderLifecycleManager owns order creation and the fulfillment state machine.
type OrderLifecycleManager interface {
	Create(ctx context.Context, req OrderCreationRequest) (domain.Order, bool, error)
	Transition(ctx context.Context, orderID string, target domain.OrderStatus, meta TransitionMeta) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Order, error)
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error)
	History(ctx context.Context, orderID string) ([]domain.OrderStatusEvent, error)
}

// OrderLifecycleDeps bundles collaborators required to construct the lifecycle manager.
type OrderLifecycleDeps struct {
	Orders      repositories.OrderRepository
	Events      repositories.OrderEventRepository
	Publisher   OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderLifecycle struct {
	orders    repositories.OrderRepository
	events    repositories.OrderEventRepository
	publisher OrderEventPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)

	created     metric.Int64Counter
	transitions metric.Int64Counter
}

// NewOrderLifecycleManager wires dependencies into the order lifecycle manager.
func NewOrderLifecycleManager(deps OrderLifecycleDeps) (OrderLifecycleManager, error) {
	if deps.Orders == nil {
		return nil, errors.New("order lifecycle: order repository is required")
	}
	if deps.Events == nil {
		return nil, errors.New("order lifecycle: order event repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	created, err := meter.Int64Counter("checkout.orders.created", metric.WithDescription("Orders created from confirmed payments"))
	if err != nil {
		return nil, fmt.Errorf("order lifecycle: register metric: %w", err)
	}
	transitions, err := meter.Int64Counter("checkout.order.transitions", metric.WithDescription("Order status transitions by outcome"))
	if err != nil {
		return nil, fmt.Errorf("order lifecycle: register metric: %w", err)
	}

	return &orderLifecycle{
		orders:    deps.Orders,
		events:    deps.Events,
		publisher: deps.Publisher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		logger:      logger,
		created:     created,
		transitions: transitions,
	}, nil
}

// Create snapshots the request into a pending order. The boolean result is true when the
// transaction had already produced an order, in which case nothing new was written.
func (m *orderLifecycle) Create(ctx context.Context, req OrderCreationRequest) (domain.Order, bool, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "OrderLifecycle.Create")
	defer span.End()

	if err := validateCreationRequest(req); err != nil {
		return domain.Order{}, false, err
	}

	now := m.clock()
	order := domain.Order{
		ID:              orderIDPrefix + m.newID(),
		UserID:          strings.TrimSpace(req.UserID),
		Items:           domain.CloneCartItems(req.Items),
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		TransactionID:   strings.TrimSpace(req.TransactionID),
		Pricing:         req.Pricing,
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	params := repositories.OrderCreateParams{
		Order: order,
		InitialEvent: domain.OrderStatusEvent{
			ID:         orderEventIDPrefix + m.newID(),
			OrderID:    order.ID,
			To:         domain.OrderStatusPending,
			ActorID:    order.UserID,
			OccurredAt: now,
		},
	}
	if req.Coupon.Applicable && req.Coupon.Code != "" {
		order.CouponCode = domain.NormalizeCouponCode(req.Coupon.Code)
		params.Order.CouponCode = order.CouponCode
		params.Redemption = &domain.CouponRedemption{
			CouponCode: order.CouponCode,
			UserID:     order.UserID,
			OrderID:    order.ID,
			RedeemedAt: now,
		}
		params.PerUserLimit = req.UsageLimitPerUser
	}

	span.SetAttributes(
		attribute.String("order.transaction_id", order.TransactionID),
		attribute.String("order.payment_method", order.PaymentMethod),
	)

	result, err := m.orders.Create(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		var usageErr *repositories.CouponUsageError
		if errors.As(err, &usageErr) {
			kind := CouponUsageExceeded
			if usageErr.Code == repositories.CouponUsageUnknownCoupon {
				kind = CouponNotFound
			}
			return domain.Order{}, false, &CouponError{Kind: kind, Code: usageErr.Coupon}
		}
		return domain.Order{}, false, m.mapRepositoryError(err)
	}

	if result.Existing {
		m.logger(ctx, "order.create.duplicate", map[string]any{
			"orderId":       result.Order.ID,
			"transactionId": order.TransactionID,
		})
		return result.Order, true, nil
	}

	m.created.Add(ctx, 1, metric.WithAttributes(attribute.String("payment_method", order.PaymentMethod)))
	m.logger(ctx, "order.created", map[string]any{
		"orderId":       result.Order.ID,
		"transactionId": order.TransactionID,
		"total":         result.Order.Pricing.Total,
		"coupon":        result.Order.CouponCode,
	})

	snapshot := result.Order.Clone()
	m.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       snapshot.ID,
		UserID:        snapshot.UserID,
		CurrentStatus: string(snapshot.Status),
		ActorID:       snapshot.UserID,
		OccurredAt:    now,
		Order:         &snapshot,
		Metadata: map[string]any{
			"transactionId": snapshot.TransactionID,
			"paymentMethod": snapshot.PaymentMethod,
			"total":         snapshot.Pricing.Total,
			"currency":      snapshot.Pricing.Currency,
		},
	})

	return result.Order, false, nil
}

// Transition moves the order to target when the transition table allows it. The table lookup is
// the only business check; the read and write happen atomically on the current status.
func (m *orderLifecycle) Transition(ctx context.Context, orderID string, target domain.OrderStatus, meta TransitionMeta) (domain.Order, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "OrderLifecycle.Transition")
	defer span.End()

	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target = domain.OrderStatus(strings.ToLower(strings.TrimSpace(string(target))))
	if !target.IsValid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}
	meta, err := normalizeTransitionMeta(meta)
	if err != nil {
		return domain.Order{}, err
	}

	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.target_status", string(target)))

	now := m.clock()
	var previous domain.OrderStatus
	updated, err := m.orders.UpdateStatus(ctx, orderID, func(current domain.Order) (domain.Order, domain.OrderStatusEvent, error) {
		previous = current.Status
		if !CanTransition(current.Status, target) {
			return domain.Order{}, domain.OrderStatusEvent{}, &TransitionError{
				Kind:      TransitionIllegal,
				OrderID:   current.ID,
				Current:   current.Status,
				Attempted: target,
			}
		}

		next := current.Clone()
		next.Status = target
		next.UpdatedAt = now
		if meta.TrackingNumber != "" {
			next.TrackingNumber = meta.TrackingNumber
		}
		if meta.TrackingURL != "" {
			next.TrackingURL = meta.TrackingURL
		}
		next.StatusNote = meta.Note

		event := domain.OrderStatusEvent{
			ID:             orderEventIDPrefix + m.newID(),
			OrderID:        current.ID,
			From:           current.Status,
			To:             target,
			TrackingNumber: meta.TrackingNumber,
			TrackingURL:    meta.TrackingURL,
			Note:           meta.Note,
			ActorID:        meta.ActorID,
			OccurredAt:     now,
		}
		return next, event, nil
	})
	if err != nil {
		outcome := "error"
		var transitionErr *TransitionError
		if errors.As(err, &transitionErr) {
			outcome = "illegal"
			m.logger(ctx, "order.transition.rejected", map[string]any{
				"orderId":   orderID,
				"current":   string(transitionErr.Current),
				"attempted": string(transitionErr.Attempted),
				"actorId":   meta.ActorID,
			})
		}
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("target", string(target))))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		if transitionErr != nil {
			return domain.Order{}, transitionErr
		}
		return domain.Order{}, m.mapRepositoryError(err)
	}

	m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "applied"), attribute.String("target", string(target))))
	m.logger(ctx, "order.transitioned", map[string]any{
		"orderId": orderID,
		"from":    string(previous),
		"to":      string(target),
		"actorId": meta.ActorID,
	})

	snapshot := updated.Clone()
	m.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        snapshot.ID,
		UserID:         snapshot.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(snapshot.Status),
		ActorID:        meta.ActorID,
		OccurredAt:     now,
		Order:          &snapshot,
		Metadata: map[string]any{
			"trackingNumber": meta.TrackingNumber,
			"trackingUrl":    meta.TrackingURL,
			"note":           meta.Note,
		},
	})

	return updated, nil
}

func (m *orderLifecycle) Get(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := m.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, m.mapRepositoryError(err)
	}
	return order, nil
}

func (m *orderLifecycle) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.Order{}, fmt.Errorf("%w: transaction id is required", ErrOrderInvalidInput)
	}
	order, err := m.orders.FindByTransactionID(ctx, transactionID)
	if err != nil {
		return domain.Order{}, m.mapRepositoryError(err)
	}
	return order, nil
}

// History returns the status events of the order, oldest first.
func (m *orderLifecycle) History(ctx context.Context, orderID string) ([]domain.OrderStatusEvent, error) {
	if _, err := m.Get(ctx, orderID); err != nil {
		return nil, err
	}
	events, err := m.events.ListByOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return nil, m.mapRepositoryError(err)
	}
	slices.SortStableFunc(events, func(a, b domain.OrderStatusEvent) int {
		return a.OccurredAt.Compare(b.OccurredAt)
	})
	return events, nil
}

func (m *orderLifecycle) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: %w: %v", ErrRepositoryUnavailable, err)
		}
	}
	return err
}

func (m *orderLifecycle) publishEvent(ctx context.Context, event OrderEvent) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishOrderEvent(ctx, event); err != nil {
		m.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"status": event.CurrentStatus,
			"error":  err.Error(),
		})
	}
}

func validateCreationRequest(req OrderCreationRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(req.Items) == 0 {
		return &PricingError{Kind: PricingInvalidCart, Detail: "order requires at least one item"}
	}
	if strings.TrimSpace(req.TransactionID) == "" {
		return fmt.Errorf("%w: transaction id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(req.PaymentMethod) == "" {
		return fmt.Errorf("%w: payment method is required", ErrOrderInvalidInput)
	}
	p := req.Pricing
	if p.Discount < 0 || p.Discount > p.Subtotal {
		return fmt.Errorf("%w: discount outside [0, subtotal]", ErrOrderInvalidInput)
	}
	if p.Total < 0 || p.Total != p.Subtotal-p.Discount+p.Shipping+p.Tax {
		return fmt.Errorf("%w: pricing total is inconsistent", ErrOrderInvalidInput)
	}
	return nil
}

func normalizeTransitionMeta(meta TransitionMeta) (TransitionMeta, error) {
	out := TransitionMeta{
		TrackingNumber: textutil.PlainText(meta.TrackingNumber, trackingNumberLimit),
		Note:           textutil.PlainText(meta.Note, statusNoteLimit),
		ActorID:        strings.TrimSpace(meta.ActorID),
	}
	if raw := strings.TrimSpace(meta.TrackingURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return TransitionMeta{}, fmt.Errorf("%w: tracking url must be an absolute http(s) url", ErrOrderInvalidInput)
		}
		out.TrackingURL = parsed.String()
	}
	return out, nil
}
