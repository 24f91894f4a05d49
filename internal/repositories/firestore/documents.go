package firestore

import (
	"slices"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

type cartItemVariantDocument struct {
	Color string `firestore:"color,omitempty"`
	Size  string `firestore:"size,omitempty"`
}

type cartItemDocument struct {
	ProductID  string                   `firestore:"productId"`
	CategoryID string                   `firestore:"categoryId,omitempty"`
	Name       string                   `firestore:"name,omitempty"`
	UnitPrice  int64                    `firestore:"unitPrice"`
	Quantity   int                      `firestore:"quantity"`
	Variant    *cartItemVariantDocument `firestore:"variant,omitempty"`
	Position   int                      `firestore:"position"`
}

type couponDocument struct {
	Type                 string     `firestore:"type"`
	PercentOffPPM        int64      `firestore:"percentOffPpm,omitempty"`
	AmountOff            int64      `firestore:"amountOff,omitempty"`
	MinOrderAmount       int64      `firestore:"minOrderAmount"`
	MaxDiscountAmount    *int64     `firestore:"maxDiscountAmount,omitempty"`
	ValidFrom            *time.Time `firestore:"validFrom,omitempty"`
	ValidUntil           *time.Time `firestore:"validUntil,omitempty"`
	UsageLimit           *int64     `firestore:"usageLimit,omitempty"`
	UsageLimitPerUser    *int64     `firestore:"usageLimitPerUser,omitempty"`
	UsedCount            int64      `firestore:"usedCount"`
	ApplicableProducts   []string   `firestore:"applicableProducts,omitempty"`
	ApplicableCategories []string   `firestore:"applicableCategories,omitempty"`
	ExcludedProducts     []string   `firestore:"excludedProducts,omitempty"`
	ExcludedCategories   []string   `firestore:"excludedCategories,omitempty"`
	IsActive             bool       `firestore:"isActive"`
	CreatedAt            time.Time  `firestore:"createdAt"`
	UpdatedAt            time.Time  `firestore:"updatedAt"`
}

type redemptionDocument struct {
	UserID     string    `firestore:"userId"`
	OrderID    string    `firestore:"orderId"`
	RedeemedAt time.Time `firestore:"redeemedAt"`
}

type addressDocument struct {
	FullName   string `firestore:"fullName"`
	Email      string `firestore:"email"`
	Phone      string `firestore:"phone"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type pricingDocument struct {
	Currency string `firestore:"currency"`
	Subtotal int64  `firestore:"subtotal"`
	Discount int64  `firestore:"discount"`
	Shipping int64  `firestore:"shipping"`
	Tax      int64  `firestore:"tax"`
	Total    int64  `firestore:"total"`
}

type orderDocument struct {
	UserID          string             `firestore:"userId"`
	Items           []cartItemDocument `firestore:"items"`
	ShippingAddress addressDocument    `firestore:"shippingAddress"`
	PaymentMethod   string             `firestore:"paymentMethod"`
	TransactionID   string             `firestore:"transactionId"`
	CouponCode      string             `firestore:"couponCode,omitempty"`
	Pricing         pricingDocument    `firestore:"pricing"`
	Status          string             `firestore:"status"`
	TrackingNumber  string             `firestore:"trackingNumber,omitempty"`
	TrackingURL     string             `firestore:"trackingUrl,omitempty"`
	StatusNote      string             `firestore:"statusNote,omitempty"`
	CreatedAt       time.Time          `firestore:"createdAt"`
	UpdatedAt       time.Time          `firestore:"updatedAt"`
}

type orderEventDocument struct {
	From           string    `firestore:"from,omitempty"`
	To             string    `firestore:"to"`
	TrackingNumber string    `firestore:"trackingNumber,omitempty"`
	TrackingURL    string    `firestore:"trackingUrl,omitempty"`
	Note           string    `firestore:"note,omitempty"`
	ActorID        string    `firestore:"actorId,omitempty"`
	OccurredAt     time.Time `firestore:"occurredAt"`
}

type confirmationDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

type paymentMethodDocument struct {
	ID          string `firestore:"id"`
	DisplayName string `firestore:"displayName"`
	Description string `firestore:"description,omitempty"`
	Flow        string `firestore:"flow"`
	Provider    string `firestore:"provider,omitempty"`
	Enabled     bool   `firestore:"enabled"`
}

type merchantConfigDocument struct {
	Currency              string                  `firestore:"currency"`
	TaxRatePPM            int64                   `firestore:"taxRatePpm"`
	EnableFreeShipping    bool                    `firestore:"enableFreeShipping"`
	FreeShippingThreshold int64                   `firestore:"freeShippingThreshold"`
	FlatRateShipping      int64                   `firestore:"flatRateShipping"`
	PaymentMethods        []paymentMethodDocument `firestore:"paymentMethods"`
	UpdatedAt             time.Time               `firestore:"updatedAt"`
}

func encodeItems(items []domain.CartItem) []cartItemDocument {
	out := make([]cartItemDocument, 0, len(items))
	for idx, item := range items {
		doc := cartItemDocument{
			ProductID:  item.ProductID,
			CategoryID: item.CategoryID,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			Position:   idx,
		}
		if item.Variant != nil {
			doc.Variant = &cartItemVariantDocument{Color: item.Variant.Color, Size: item.Variant.Size}
		}
		out = append(out, doc)
	}
	return out
}

func decodeItems(docs []cartItemDocument) []domain.CartItem {
	sorted := slices.Clone(docs)
	slices.SortStableFunc(sorted, func(a, b cartItemDocument) int { return a.Position - b.Position })
	out := make([]domain.CartItem, 0, len(sorted))
	for _, doc := range sorted {
		item := domain.CartItem{
			ProductID:  doc.ProductID,
			CategoryID: doc.CategoryID,
			Name:       doc.Name,
			UnitPrice:  doc.UnitPrice,
			Quantity:   doc.Quantity,
		}
		if doc.Variant != nil {
			item.Variant = &domain.CartItemVariant{Color: doc.Variant.Color, Size: doc.Variant.Size}
		}
		out = append(out, item)
	}
	return out
}

func decodeCoupon(code string, doc couponDocument) domain.Coupon {
	return domain.Coupon{
		Code:                 code,
		Type:                 domain.CouponType(doc.Type),
		PercentOff:           domain.Rate(doc.PercentOffPPM),
		AmountOff:            doc.AmountOff,
		MinOrderAmount:       doc.MinOrderAmount,
		MaxDiscountAmount:    doc.MaxDiscountAmount,
		ValidFrom:            utcPtr(doc.ValidFrom),
		ValidUntil:           utcPtr(doc.ValidUntil),
		UsageLimit:           doc.UsageLimit,
		UsageLimitPerUser:    doc.UsageLimitPerUser,
		UsedCount:            doc.UsedCount,
		ApplicableProducts:   slices.Clone(doc.ApplicableProducts),
		ApplicableCategories: slices.Clone(doc.ApplicableCategories),
		ExcludedProducts:     slices.Clone(doc.ExcludedProducts),
		ExcludedCategories:   slices.Clone(doc.ExcludedCategories),
		IsActive:             doc.IsActive,
		CreatedAt:            doc.CreatedAt.UTC(),
		UpdatedAt:            doc.UpdatedAt.UTC(),
	}
}

func encodeOrder(order domain.Order) orderDocument {
	addr := order.ShippingAddress
	p := order.Pricing
	return orderDocument{
		UserID: order.UserID,
		Items:  encodeItems(order.Items),
		ShippingAddress: addressDocument{
			FullName:   addr.FullName,
			Email:      addr.Email,
			Phone:      addr.Phone,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
		},
		PaymentMethod: order.PaymentMethod,
		TransactionID: order.TransactionID,
		CouponCode:    order.CouponCode,
		Pricing: pricingDocument{
			Currency: p.Currency,
			Subtotal: p.Subtotal,
			Discount: p.Discount,
			Shipping: p.Shipping,
			Tax:      p.Tax,
			Total:    p.Total,
		},
		Status:         string(order.Status),
		TrackingNumber: order.TrackingNumber,
		TrackingURL:    order.TrackingURL,
		StatusNote:     order.StatusNote,
		CreatedAt:      order.CreatedAt.UTC(),
		UpdatedAt:      order.UpdatedAt.UTC(),
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	addr := doc.ShippingAddress
	p := doc.Pricing
	return domain.Order{
		ID:     id,
		UserID: doc.UserID,
		Items:  decodeItems(doc.Items),
		ShippingAddress: domain.Address{
			FullName:   addr.FullName,
			Email:      addr.Email,
			Phone:      addr.Phone,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
		},
		PaymentMethod: doc.PaymentMethod,
		TransactionID: doc.TransactionID,
		CouponCode:    doc.CouponCode,
		Pricing: domain.PriceBreakdown{
			Currency: p.Currency,
			Subtotal: p.Subtotal,
			Discount: p.Discount,
			Shipping: p.Shipping,
			Tax:      p.Tax,
			Total:    p.Total,
		},
		Status:         domain.OrderStatus(doc.Status),
		TrackingNumber: doc.TrackingNumber,
		TrackingURL:    doc.TrackingURL,
		StatusNote:     doc.StatusNote,
		CreatedAt:      doc.CreatedAt.UTC(),
		UpdatedAt:      doc.UpdatedAt.UTC(),
	}
}

func encodeOrderEvent(event domain.OrderStatusEvent) orderEventDocument {
	return orderEventDocument{
		From:           string(event.From),
		To:             string(event.To),
		TrackingNumber: event.TrackingNumber,
		TrackingURL:    event.TrackingURL,
		Note:           event.Note,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
	}
}

func decodeOrderEvent(id, orderID string, doc orderEventDocument) domain.OrderStatusEvent {
	return domain.OrderStatusEvent{
		ID:             id,
		OrderID:        orderID,
		From:           domain.OrderStatus(doc.From),
		To:             domain.OrderStatus(doc.To),
		TrackingNumber: doc.TrackingNumber,
		TrackingURL:    doc.TrackingURL,
		Note:           doc.Note,
		ActorID:        doc.ActorID,
		OccurredAt:     doc.OccurredAt.UTC(),
	}
}

func decodeMerchantConfig(version string, doc merchantConfigDocument) domain.MerchantConfig {
	methods := make([]domain.PaymentMethodDescriptor, 0, len(doc.PaymentMethods))
	for _, m := range doc.PaymentMethods {
		methods = append(methods, domain.PaymentMethodDescriptor{
			ID:          m.ID,
			DisplayName: m.DisplayName,
			Description: m.Description,
			Flow:        domain.PaymentFlow(m.Flow),
			Provider:    m.Provider,
			Enabled:     m.Enabled,
		})
	}
	return domain.MerchantConfig{
		Currency:              doc.Currency,
		TaxRate:               domain.Rate(doc.TaxRatePPM),
		EnableFreeShipping:    doc.EnableFreeShipping,
		FreeShippingThreshold: doc.FreeShippingThreshold,
		FlatRateShipping:      doc.FlatRateShipping,
		PaymentMethods:        methods,
		Version:               version,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
