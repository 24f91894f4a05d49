package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func sequenceIDs(prefix string) func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%04d", prefix, n)
	}
}

func steppingClock(start time.Time) func() time.Time {
	var (
		mu  sync.Mutex
		now = start
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestLifecycle(t *testing.T, store *memory.Store, publisher OrderEventPublisher) OrderLifecycleManager {
	t.Helper()
	manager, err := NewOrderLifecycleManager(OrderLifecycleDeps{
		Orders:      store,
		Events:      store,
		Publisher:   publisher,
		Clock:       steppingClock(couponNow),
		IDGenerator: sequenceIDs("T"),
	})
	if err != nil {
		t.Fatalf("NewOrderLifecycleManager error: %v", err)
	}
	return manager
}

func creationRequest(transactionID string) OrderCreationRequest {
	cart := cartWithSubtotal("user_1", 20_000)
	return OrderCreationRequest{
		UserID:          "user_1",
		Items:           cart.Items,
		ShippingAddress: validUSAddress(),
		PaymentMethod:   "card",
		TransactionID:   transactionID,
		Coupon:          domain.CouponResult{Code: "welcome10", Type: domain.CouponTypePercentage, Applicable: true, DiscountAmount: 2_000},
		Pricing:         testBreakdown,
	}
}

func TestOrderLifecycle_CreateIsIdempotentPerTransaction(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	store.PutCoupon(welcomeCoupon())
	publisher := &recordingPublisher{}
	manager := newTestLifecycle(t, store, publisher)
	ctx := context.Background()

	first, existing, err := manager.Create(ctx, creationRequest("txn_1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if existing {
		t.Fatalf("first create must not report existing")
	}
	if first.Status != domain.OrderStatusPending || first.CouponCode != "WELCOME10" || first.ID != "ord_T0001" {
		t.Fatalf("unexpected order: %+v", first)
	}

	second, existing, err := manager.Create(ctx, creationRequest("txn_1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !existing || second.ID != first.ID {
		t.Fatalf("expected replay to resolve to %s, got %s (existing=%v)", first.ID, second.ID, existing)
	}

	coupon, err := store.FindByCode(ctx, "WELCOME10")
	if err != nil {
		t.Fatalf("find coupon: %v", err)
	}
	if coupon.UsedCount != 1 {
		t.Fatalf("expected usedCount 1, got %d", coupon.UsedCount)
	}
	if got := len(store.Redemptions("WELCOME10")); got != 1 {
		t.Fatalf("expected one redemption, got %d", got)
	}
	if types := publisher.types(); len(types) != 1 || types[0] != orderEventCreated {
		t.Fatalf("expected a single created event, got %v", types)
	}
}

func TestOrderLifecycle_ConcurrentConfirmationsCreateOneOrder(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	store.PutCoupon(welcomeCoupon())
	manager := newTestLifecycle(t, store, nil)
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, _, err := manager.Create(ctx, creationRequest("txn_race"))
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = order.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected one order id, got %v", ids)
		}
	}
	coupon, _ := store.FindByCode(ctx, "WELCOME10")
	if coupon.UsedCount != 1 {
		t.Fatalf("expected usedCount 1, got %d", coupon.UsedCount)
	}
}

func TestOrderLifecycle_CreateEnforcesCouponLimits(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	limited := welcomeCoupon()
	limited.UsageLimitPerUser = int64Ptr(1)
	store.PutCoupon(limited)
	manager := newTestLifecycle(t, store, nil)
	ctx := context.Background()

	if _, _, err := manager.Create(ctx, creationRequest("txn_1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, err := manager.Create(ctx, creationRequest("txn_2"))
	if !errors.Is(err, &CouponError{Kind: CouponUsageExceeded}) {
		t.Fatalf("expected USAGE_EXCEEDED for second redemption, got %v", err)
	}

	req := creationRequest("txn_3")
	req.Coupon.Code = "GONE"
	_, _, err = manager.Create(ctx, req)
	if !errors.Is(err, &CouponError{Kind: CouponNotFound}) {
		t.Fatalf("expected NOT_FOUND for unknown coupon, got %v", err)
	}
}

func TestOrderLifecycle_CreateValidatesRequest(t *testing.T) {
	manager := newTestLifecycle(t, memory.NewStore(testMerchantConfig()), nil)

	tests := []struct {
		name   string
		mutate func(*OrderCreationRequest)
	}{
		{name: "missing user", mutate: func(r *OrderCreationRequest) { r.UserID = " " }},
		{name: "missing transaction", mutate: func(r *OrderCreationRequest) { r.TransactionID = "" }},
		{name: "missing method", mutate: func(r *OrderCreationRequest) { r.PaymentMethod = "" }},
		{name: "discount above subtotal", mutate: func(r *OrderCreationRequest) { r.Pricing.Discount = r.Pricing.Subtotal + 1 }},
		{name: "total mismatch", mutate: func(r *OrderCreationRequest) { r.Pricing.Total++ }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := creationRequest("txn_1")
			req.Coupon = domain.CouponResult{}
			tc.mutate(&req)
			if _, _, err := manager.Create(context.Background(), req); !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}

	req := creationRequest("txn_1")
	req.Items = nil
	_, _, err := manager.Create(context.Background(), req)
	var pricingErr *PricingError
	if !errors.As(err, &pricingErr) {
		t.Fatalf("expected pricing error for empty order, got %v", err)
	}
}

func TestOrderLifecycle_TransitionTable(t *testing.T) {
	all := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}
	allowed := map[[2]domain.OrderStatus]bool{
		{domain.OrderStatusPending, domain.OrderStatusProcessing}:   true,
		{domain.OrderStatusPending, domain.OrderStatusCancelled}:    true,
		{domain.OrderStatusProcessing, domain.OrderStatusShipped}:   true,
		{domain.OrderStatusProcessing, domain.OrderStatusCancelled}: true,
		{domain.OrderStatusShipped, domain.OrderStatusDelivered}:    true,
		{domain.OrderStatusShipped, domain.OrderStatusCancelled}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			if got, want := CanTransition(from, to), allowed[[2]domain.OrderStatus{from, to}]; got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
	if len(AllowedTransitions(domain.OrderStatusDelivered)) != 0 || len(AllowedTransitions(domain.OrderStatusCancelled)) != 0 {
		t.Fatalf("terminal statuses must not allow transitions")
	}
}

func TestOrderLifecycle_Transition(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	publisher := &recordingPublisher{}
	manager := newTestLifecycle(t, store, publisher)
	ctx := context.Background()

	order, _, err := manager.Create(ctx, OrderCreationRequest{
		UserID:        "user_1",
		Items:         cartWithSubtotal("user_1", 20_000).Items,
		PaymentMethod: domain.PaymentMethodCOD,
		TransactionID: "txn_1",
		Pricing:       domain.PriceBreakdown{Currency: "USD", Subtotal: 20_000, Tax: 1_600, Total: 21_600},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, target := range []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped} {
		meta := TransitionMeta{ActorID: "staff_1"}
		if target == domain.OrderStatusShipped {
			meta.TrackingNumber = " 1Z999 "
			meta.TrackingURL = "https://track.example.com/1Z999"
			meta.Note = "<b>left</b> warehouse"
		}
		if order, err = manager.Transition(ctx, order.ID, target, meta); err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
	}
	if order.TrackingNumber != "1Z999" || order.StatusNote != "left warehouse" {
		t.Fatalf("unexpected tracking data: %+v", order)
	}

	delivered, err := manager.Transition(ctx, order.ID, "DELIVERED", TransitionMeta{ActorID: "staff_1"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if delivered.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", delivered.Status)
	}

	_, err = manager.Transition(ctx, order.ID, domain.OrderStatusPending, TransitionMeta{})
	var transitionErr *TransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if transitionErr.Kind != TransitionIllegal || transitionErr.Current != domain.OrderStatusDelivered || transitionErr.Attempted != domain.OrderStatusPending {
		t.Fatalf("unexpected transition error: %+v", transitionErr)
	}

	current, err := manager.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != domain.OrderStatusDelivered {
		t.Fatalf("rejected transition must not change status, got %s", current.Status)
	}

	history, err := manager.History(ctx, order.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	wantTo := []domain.OrderStatus{domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered}
	if len(history) != len(wantTo) {
		t.Fatalf("expected %d events, got %d", len(wantTo), len(history))
	}
	for i, event := range history {
		if event.To != wantTo[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTo[i], event.To)
		}
		if i > 0 && event.From != wantTo[i-1] {
			t.Fatalf("event %d: expected from %s, got %s", i, wantTo[i-1], event.From)
		}
	}

	types := publisher.types()
	if len(types) != 4 || types[0] != orderEventCreated || types[3] != orderEventStatusChanged {
		t.Fatalf("unexpected published events: %v", types)
	}
}

func TestOrderLifecycle_CancelPending(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	manager := newTestLifecycle(t, store, nil)
	ctx := context.Background()

	req := creationRequest("txn_1")
	req.Coupon = domain.CouponResult{}
	order, _, err := manager.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := manager.Transition(ctx, order.ID, domain.OrderStatusCancelled, TransitionMeta{Note: "customer request"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if _, err := manager.Transition(ctx, order.ID, domain.OrderStatusProcessing, TransitionMeta{}); err == nil {
		t.Fatalf("cancelled orders must be terminal")
	}
}

func TestOrderLifecycle_TransitionInputErrors(t *testing.T) {
	manager := newTestLifecycle(t, memory.NewStore(testMerchantConfig()), nil)
	ctx := context.Background()

	if _, err := manager.Transition(ctx, "ord_missing", domain.OrderStatusProcessing, TransitionMeta{}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := manager.Transition(ctx, "ord_1", "returned", TransitionMeta{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected unknown status to be invalid, got %v", err)
	}
	if _, err := manager.Transition(ctx, "ord_1", domain.OrderStatusShipped, TransitionMeta{TrackingURL: "javascript:alert(1)"}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected bad tracking url to be invalid, got %v", err)
	}
	if _, err := manager.History(ctx, "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected history of unknown order to be not found, got %v", err)
	}
}

func TestOrderLifecycle_PublishFailureDoesNotFailCreate(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	publisher := &recordingPublisher{err: errors.New("topic unavailable")}
	var logged []string
	manager, err := NewOrderLifecycleManager(OrderLifecycleDeps{
		Orders:    store,
		Events:    store,
		Publisher: publisher,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderLifecycleManager error: %v", err)
	}

	req := creationRequest("txn_1")
	req.Coupon = domain.CouponResult{}
	order, _, err := manager.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := manager.FindByTransactionID(context.Background(), "txn_1"); err != nil {
		t.Fatalf("order %s not stored: %v", order.ID, err)
	}
	found := false
	for _, event := range logged {
		if event == "order.event.publish.failed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected publish failure to be logged, got %v", logged)
	}
}

func TestOrderLifecycle_CreateFreezesItems(t *testing.T) {
	store := memory.NewStore(testMerchantConfig())
	store.PutCoupon(welcomeCoupon())
	live := cartWithSubtotal("user_1", 20_000)
	live.Items[0].Variant = &domain.CartItemVariant{Color: "vermilion", Size: "15mm"}
	store.PutCart(live)
	manager := newTestLifecycle(t, store, nil)
	ctx := context.Background()

	req := creationRequest("txn_frozen")
	req.Items = live.Clone().Items
	created, _, err := manager.Create(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	req.Items[0].Quantity = 9
	req.Items[0].Variant.Color = "black"
	created.Items[0].Name = "renamed"
	live.Items[0].UnitPrice = 1
	live.Items = append(live.Items, domain.CartItem{ProductID: "prod_extra", UnitPrice: 500, Quantity: 1})
	store.PutCart(live)

	stored, err := manager.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Items) != 1 {
		t.Fatalf("expected one frozen item, got %d", len(stored.Items))
	}
	item := stored.Items[0]
	if item.Quantity != 1 || item.UnitPrice != 20_000 || item.Name != "Stamp" {
		t.Fatalf("order items changed after create: %+v", item)
	}
	if item.Variant == nil || item.Variant.Color != "vermilion" || item.Variant.Size != "15mm" {
		t.Fatalf("order variant changed after create: %+v", item.Variant)
	}
}
