package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

type memoryWriter struct {
	bytes.Buffer
	closeErr error
	closed   bool
}

func (w *memoryWriter) Close() error {
	w.closed = true
	return w.closeErr
}

func newTestArchive(now time.Time) (*OrderArchive, map[string]*memoryWriter) {
	written := map[string]*memoryWriter{}
	archive := &OrderArchive{
		bucket: "orders-archive",
		now:    func() time.Time { return now },
		open: func(_ context.Context, object string) io.WriteCloser {
			w := &memoryWriter{}
			written[object] = w
			return w
		},
	}
	return archive, written
}

func sampleOrder(status domain.OrderStatus) *domain.Order {
	created := time.Date(2025, time.May, 2, 10, 0, 0, 0, time.UTC)
	return &domain.Order{
		ID:            "ord_01",
		UserID:        "user-1",
		Items:         []domain.CartItem{{ProductID: "hanko-1", Name: "Round seal", UnitPrice: 2500, Quantity: 2}},
		PaymentMethod: "card",
		TransactionID: "tx-1",
		Pricing:       domain.PriceBreakdown{Currency: "USD", Subtotal: 5000, Shipping: 500, Tax: 400, Total: 5900},
		Status:        status,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestOrderArchiveWritesCreationSnapshot(t *testing.T) {
	now := time.Date(2025, time.May, 2, 10, 0, 5, 0, time.UTC)
	archive, written := newTestArchive(now)

	err := archive.PublishOrderEvent(context.Background(), services.OrderEvent{
		Type:          "order.created",
		OrderID:       "ord_01",
		CurrentStatus: string(domain.OrderStatusPending),
		Order:         sampleOrder(domain.OrderStatusPending),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, ok := written["orders/2025/05/ord_01/created-pending.json"]
	if !ok {
		t.Fatalf("expected creation snapshot, got %v", written)
	}
	if !w.closed {
		t.Fatalf("expected writer to be closed")
	}
	var doc snapshotDocument
	if err := json.Unmarshal(w.Bytes(), &doc); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if doc.Order.Pricing.Total != 5900 || len(doc.Items) != 1 || doc.Items[0].LineTotal != 5000 {
		t.Fatalf("unexpected snapshot: %+v", doc)
	}
	if !doc.ArchivedAt.Equal(now) {
		t.Fatalf("expected archivedAt %v, got %v", now, doc.ArchivedAt)
	}
}

func TestOrderArchiveWritesClosedSnapshot(t *testing.T) {
	archive, written := newTestArchive(time.Now())

	err := archive.PublishOrderEvent(context.Background(), services.OrderEvent{
		Type:           "order.status_changed",
		OrderID:        "ord_01",
		PreviousStatus: string(domain.OrderStatusShipped),
		CurrentStatus:  string(domain.OrderStatusDelivered),
		ActorID:        "staff-1",
		Order:          sampleOrder(domain.OrderStatusDelivered),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := written["orders/2025/05/ord_01/closed-delivered.json"]; !ok {
		t.Fatalf("expected closed snapshot, got %v", written)
	}
}

func TestOrderArchiveIgnoresEventsWithoutOrder(t *testing.T) {
	archive, written := newTestArchive(time.Now())
	if err := archive.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.created", OrderID: "ord_01"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(written) != 0 {
		t.Fatalf("expected no writes, got %d", len(written))
	}
}

func TestOrderArchiveTreatsExistingObjectAsArchived(t *testing.T) {
	archive, _ := newTestArchive(time.Now())
	archive.open = func(context.Context, string) io.WriteCloser {
		return &memoryWriter{closeErr: &googleapi.Error{Code: http.StatusPreconditionFailed, Message: "conditionNotMet"}}
	}
	err := archive.PublishOrderEvent(context.Background(), services.OrderEvent{Order: sampleOrder(domain.OrderStatusPending)})
	if err != nil {
		t.Fatalf("expected replayed snapshot to be ignored, got %v", err)
	}

	archive.open = func(context.Context, string) io.WriteCloser {
		return &memoryWriter{closeErr: errors.New("network down")}
	}
	if err := archive.PublishOrderEvent(context.Background(), services.OrderEvent{Order: sampleOrder(domain.OrderStatusPending)}); err == nil {
		t.Fatalf("expected write error")
	}
}

func TestOrderArchiveDownloadURL(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	archive, _ := newTestArchive(now)
	var gotObject string
	var gotOpts *gcs.SignedURLOptions
	archive.sign = func(object string, opts *gcs.SignedURLOptions) (string, error) {
		gotObject = object
		gotOpts = opts
		return "https://storage.example/signed", nil
	}

	url, expires, err := archive.DownloadURL(*sampleOrder(domain.OrderStatusShipped), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if url != "https://storage.example/signed" {
		t.Fatalf("unexpected url %q", url)
	}
	if gotObject != "orders/2025/05/ord_01/created-pending.json" {
		t.Fatalf("unexpected object %q", gotObject)
	}
	if gotOpts.Method != http.MethodGet || gotOpts.Scheme != gcs.SigningSchemeV4 {
		t.Fatalf("unexpected sign options %+v", gotOpts)
	}
	if !expires.Equal(now.Add(defaultDownloadExpiry)) {
		t.Fatalf("expected default expiry, got %v", expires)
	}

	if _, _, err := archive.DownloadURL(*sampleOrder(domain.OrderStatusShipped), 2*time.Hour); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
}
