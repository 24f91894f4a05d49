// Package storage archives order snapshots to Cloud Storage.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

const (
	defaultDownloadExpiry = 15 * time.Minute
	maxDownloadExpiry     = time.Hour
)

var errExpiryTooLong = errors.New("storage: expiry exceeds permitted maximum")

// OrderArchive writes an immutable JSON snapshot of an order when it is created and when it
// reaches a terminal status. Objects are written with a does-not-exist precondition so a replayed
// event never overwrites an earlier snapshot.
type OrderArchive struct {
	bucket string
	now    func() time.Time
	open   func(ctx context.Context, object string) io.WriteCloser
	sign   func(object string, opts *gcs.SignedURLOptions) (string, error)
}

var _ services.OrderEventPublisher = (*OrderArchive)(nil)

func NewOrderArchive(client *gcs.Client, bucket string) (*OrderArchive, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	handle := client.Bucket(bucket)
	return &OrderArchive{
		bucket: bucket,
		now:    time.Now,
		open: func(ctx context.Context, object string) io.WriteCloser {
			w := handle.Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
			w.ContentType = "application/json"
			w.CacheControl = "private, max-age=0"
			return w
		},
		sign: handle.SignedURL,
	}, nil
}

type snapshotDocument struct {
	ArchivedAt time.Time          `json:"archivedAt"`
	Event      string             `json:"event"`
	ActorID    string             `json:"actorId,omitempty"`
	Order      orderSnapshot      `json:"order"`
	Items      []snapshotLineItem `json:"items"`
}

type orderSnapshot struct {
	ID             string                `json:"id"`
	UserID         string                `json:"userId"`
	Status         string                `json:"status"`
	PaymentMethod  string                `json:"paymentMethod"`
	TransactionID  string                `json:"transactionId"`
	CouponCode     string                `json:"couponCode,omitempty"`
	Pricing        domain.PriceBreakdown `json:"pricing"`
	ShippingTo     domain.Address        `json:"shippingAddress"`
	TrackingNumber string                `json:"trackingNumber,omitempty"`
	TrackingURL    string                `json:"trackingUrl,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

type snapshotLineItem struct {
	ProductID  string `json:"productId"`
	CategoryID string `json:"categoryId,omitempty"`
	Name       string `json:"name,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
	LineTotal  int64  `json:"lineTotal"`
}

// PublishOrderEvent archives events that carry an order snapshot. Other events are ignored.
func (a *OrderArchive) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if event.Order == nil {
		return nil
	}
	order := event.Order.Clone()
	kind := SnapshotClosed
	if event.PreviousStatus == "" {
		kind = SnapshotCreated
	}
	object, err := SnapshotPath(order.ID, order.CreatedAt, kind, string(order.Status))
	if err != nil {
		return err
	}

	doc := snapshotDocument{
		ArchivedAt: a.now().UTC(),
		Event:      event.Type,
		ActorID:    event.ActorID,
		Order: orderSnapshot{
			ID:             order.ID,
			UserID:         order.UserID,
			Status:         string(order.Status),
			PaymentMethod:  order.PaymentMethod,
			TransactionID:  order.TransactionID,
			CouponCode:     order.CouponCode,
			Pricing:        order.Pricing,
			ShippingTo:     order.ShippingAddress,
			TrackingNumber: order.TrackingNumber,
			TrackingURL:    order.TrackingURL,
			CreatedAt:      order.CreatedAt.UTC(),
			UpdatedAt:      order.UpdatedAt.UTC(),
		},
		Items: make([]snapshotLineItem, 0, len(order.Items)),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, snapshotLineItem{
			ProductID:  item.ProductID,
			CategoryID: item.CategoryID,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			LineTotal:  item.LineTotal(),
		})
	}

	w := a.open(ctx, object)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: encode snapshot %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return nil
		}
		return fmt.Errorf("storage: write snapshot %s: %w", object, err)
	}
	return nil
}

// DownloadURL signs a V4 GET URL for the creation snapshot of order.
func (a *OrderArchive) DownloadURL(order domain.Order, expiry time.Duration) (string, time.Time, error) {
	if expiry <= 0 {
		expiry = defaultDownloadExpiry
	}
	if expiry > maxDownloadExpiry {
		return "", time.Time{}, errExpiryTooLong
	}
	object, err := SnapshotPath(order.ID, order.CreatedAt, SnapshotCreated, string(domain.OrderStatusPending))
	if err != nil {
		return "", time.Time{}, err
	}
	expires := a.now().Add(expiry).UTC()
	url, err := a.sign(object, &gcs.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: expires,
		Scheme:  gcs.SigningSchemeV4,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign %s: %w", object, err)
	}
	return url, expires, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusPreconditionFailed
	}
	return status.Code(err) == codes.FailedPrecondition
}
