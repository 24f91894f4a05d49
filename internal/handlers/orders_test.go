package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/auth"
	"github.com/hanko-field/checkout/internal/services"
)

type stubOrderLifecycle struct {
	services.OrderLifecycleManager

	getFunc        func(ctx context.Context, orderID string) (domain.Order, error)
	historyFunc    func(ctx context.Context, orderID string) ([]domain.OrderStatusEvent, error)
	transitionFunc func(ctx context.Context, orderID string, target domain.OrderStatus, meta services.TransitionMeta) (domain.Order, error)
}

func (s *stubOrderLifecycle) Get(ctx context.Context, orderID string) (domain.Order, error) {
	return s.getFunc(ctx, orderID)
}

func (s *stubOrderLifecycle) History(ctx context.Context, orderID string) ([]domain.OrderStatusEvent, error) {
	return s.historyFunc(ctx, orderID)
}

func (s *stubOrderLifecycle) Transition(ctx context.Context, orderID string, target domain.OrderStatus, meta services.TransitionMeta) (domain.Order, error) {
	return s.transitionFunc(ctx, orderID, target, meta)
}

type stubArchiveLinker struct {
	url string
	err error
}

func (s stubArchiveLinker) DownloadURL(domain.Order, time.Duration) (string, time.Time, error) {
	return s.url, time.Date(2025, 1, 1, 0, 15, 0, 0, time.UTC), s.err
}

func adminRouter(orders services.OrderLifecycleManager, opts ...AdminOrderOption) chi.Router {
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(nil, orders, opts...).Routes)
	return router
}

func staffRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1", Roles: []string{auth.RoleStaff}}))
}

func shippedOrder() domain.Order {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:             "ord_1",
		UserID:         "user-1",
		Status:         domain.OrderStatusShipped,
		Items:          []domain.CartItem{{ProductID: "p1", UnitPrice: 1500, Quantity: 2, Variant: &domain.CartItemVariant{Color: "red"}}},
		Pricing:        domain.PriceBreakdown{Currency: "USD", Subtotal: 3000, Total: 3000},
		TrackingNumber: "1Z999",
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestAdminOrderHandlersGetOrder(t *testing.T) {
	orders := &stubOrderLifecycle{
		getFunc: func(_ context.Context, orderID string) (domain.Order, error) {
			if orderID != "ord_1" {
				return domain.Order{}, services.ErrOrderNotFound
			}
			return shippedOrder(), nil
		},
	}

	rr := httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/orders/ord_1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp orderPayload
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "shipped" || resp.Items[0].LineTotal != 3000 || resp.Items[0].Color != "red" {
		t.Fatalf("unexpected order %+v", resp)
	}
	if len(resp.AllowedTransitions) != 2 {
		t.Fatalf("expected delivered and cancelled to be allowed, got %v", resp.AllowedTransitions)
	}

	rr = httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/orders/ord_missing", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersTransition(t *testing.T) {
	var gotMeta services.TransitionMeta
	var gotTarget domain.OrderStatus
	orders := &stubOrderLifecycle{
		transitionFunc: func(_ context.Context, orderID string, target domain.OrderStatus, meta services.TransitionMeta) (domain.Order, error) {
			gotTarget = target
			gotMeta = meta
			order := shippedOrder()
			order.Status = target
			return order, nil
		},
	}

	rr := httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/orders/ord_1:transition", `{"status":"Delivered","note":"left at door"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotTarget != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", gotTarget)
	}
	if gotMeta.ActorID != "staff-1" || gotMeta.Note != "left at door" {
		t.Fatalf("unexpected meta %+v", gotMeta)
	}
}

func TestAdminOrderHandlersIllegalTransition(t *testing.T) {
	orders := &stubOrderLifecycle{
		transitionFunc: func(_ context.Context, orderID string, target domain.OrderStatus, _ services.TransitionMeta) (domain.Order, error) {
			return domain.Order{}, &services.TransitionError{
				Kind:      services.TransitionIllegal,
				OrderID:   orderID,
				Current:   domain.OrderStatusDelivered,
				Attempted: target,
			}
		},
	}

	rr := httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/orders/ord_1:transition", `{"status":"processing"}`))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["current_status"] != "delivered" || body["attempted_status"] != "processing" {
		t.Fatalf("expected both statuses in the error, got %v", body)
	}
}

func TestAdminOrderHandlersRejectsUnknownStatus(t *testing.T) {
	orders := &stubOrderLifecycle{}
	rr := httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodPost, "/admin/orders/ord_1:transition", `{"status":"lost"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersEvents(t *testing.T) {
	orders := &stubOrderLifecycle{
		historyFunc: func(context.Context, string) ([]domain.OrderStatusEvent, error) {
			return []domain.OrderStatusEvent{
				{ID: "e1", To: domain.OrderStatusPending, OccurredAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
				{ID: "e2", From: domain.OrderStatusPending, To: domain.OrderStatusProcessing, ActorID: "staff-1", OccurredAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
			}, nil
		},
	}
	rr := httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/orders/ord_1/events", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp struct {
		Events []orderEventPayload `json:"events"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Events) != 2 || resp.Events[0].From != "" || resp.Events[1].From != "pending" {
		t.Fatalf("unexpected events %+v", resp.Events)
	}
}

func TestAdminOrderHandlersArchiveLink(t *testing.T) {
	orders := &stubOrderLifecycle{
		getFunc: func(context.Context, string) (domain.Order, error) { return shippedOrder(), nil },
	}

	rr := httptest.NewRecorder()
	adminRouter(orders).ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/orders/ord_1/archive", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without archive, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	adminRouter(orders, WithArchiveLinker(stubArchiveLinker{url: "https://storage.example/o"})).
		ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/orders/ord_1/archive", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	adminRouter(orders, WithArchiveLinker(stubArchiveLinker{err: errors.New("sign failed")})).
		ServeHTTP(rr, staffRequest(http.MethodGet, "/admin/orders/ord_1/archive", ""))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
}
