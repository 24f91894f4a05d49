package handlers

import (
	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

// Monetary amounts are minor units of the pricing currency.
type pricingPayload struct {
	Currency string `json:"currency"`
	Subtotal int64  `json:"subtotal"`
	Discount int64  `json:"discount"`
	Shipping int64  `json:"shipping"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
	Display  string `json:"display"`
}

type addressPayload struct {
	FullName   string `json:"fullName"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type couponPayload struct {
	Code           string `json:"code"`
	Type           string `json:"type,omitempty"`
	Applicable     bool   `json:"applicable"`
	DiscountAmount int64  `json:"discountAmount"`
	Reason         string `json:"reason,omitempty"`
}

type paymentMethodPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	Flow        string `json:"flow"`
}

type checkoutPaymentPayload struct {
	Phase         string `json:"phase"`
	TransactionID string `json:"transactionId,omitempty"`
	RedirectURL   string `json:"redirectUrl,omitempty"`
	Provider      string `json:"provider,omitempty"`
	StartedAt     string `json:"startedAt,omitempty"`
}

type checkoutSessionPayload struct {
	ID             string                 `json:"id"`
	Step           string                 `json:"step"`
	Address        addressPayload         `json:"address"`
	FieldErrors    map[string]string      `json:"fieldErrors,omitempty"`
	PaymentMethods []paymentMethodPayload `json:"paymentMethods"`
	PaymentMethod  string                 `json:"paymentMethod,omitempty"`
	Coupon         *couponPayload         `json:"coupon,omitempty"`
	Pricing        *pricingPayload        `json:"pricing,omitempty"`
	Payment        checkoutPaymentPayload `json:"payment"`
	LastError      string                 `json:"lastError,omitempty"`
	OrderID        string                 `json:"orderId,omitempty"`
	ExpiresAt      string                 `json:"expiresAt,omitempty"`
	UpdatedAt      string                 `json:"updatedAt,omitempty"`
}

type quotePayload struct {
	Pricing pricingPayload `json:"pricing"`
	Coupon  *couponPayload `json:"coupon,omitempty"`
	Items   int            `json:"items"`
}

type orderItemPayload struct {
	ProductID  string `json:"productId"`
	CategoryID string `json:"categoryId,omitempty"`
	Name       string `json:"name,omitempty"`
	Color      string `json:"color,omitempty"`
	Size       string `json:"size,omitempty"`
	UnitPrice  int64  `json:"unitPrice"`
	Quantity   int    `json:"quantity"`
	LineTotal  int64  `json:"lineTotal"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"userId"`
	Status             string             `json:"status"`
	AllowedTransitions []string           `json:"allowedTransitions"`
	Items              []orderItemPayload `json:"items"`
	ShippingAddress    addressPayload     `json:"shippingAddress"`
	PaymentMethod      string             `json:"paymentMethod"`
	TransactionID      string             `json:"transactionId"`
	CouponCode         string             `json:"couponCode,omitempty"`
	Pricing            pricingPayload     `json:"pricing"`
	TrackingNumber     string             `json:"trackingNumber,omitempty"`
	TrackingURL        string             `json:"trackingUrl,omitempty"`
	StatusNote         string             `json:"statusNote,omitempty"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
}

type orderEventPayload struct {
	ID             string `json:"id"`
	From           string `json:"from,omitempty"`
	To             string `json:"to"`
	TrackingNumber string `json:"trackingNumber,omitempty"`
	TrackingURL    string `json:"trackingUrl,omitempty"`
	Note           string `json:"note,omitempty"`
	ActorID        string `json:"actorId,omitempty"`
	OccurredAt     string `json:"occurredAt"`
}

func buildPricingPayload(p domain.PriceBreakdown) pricingPayload {
	return pricingPayload{
		Currency: p.Currency,
		Subtotal: p.Subtotal,
		Discount: p.Discount,
		Shipping: p.Shipping,
		Tax:      p.Tax,
		Total:    p.Total,
		Display:  domain.FormatAmount(p.Total),
	}
}

func buildAddressPayload(a domain.Address) addressPayload {
	return addressPayload{
		FullName:   a.FullName,
		Email:      a.Email,
		Phone:      a.Phone,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		FullName:   p.FullName,
		Email:      p.Email,
		Phone:      p.Phone,
		Line1:      p.Line1,
		Line2:      p.Line2,
		City:       p.City,
		State:      p.State,
		PostalCode: p.PostalCode,
		Country:    p.Country,
	}
}

func buildCouponPayload(code string, result domain.CouponResult) *couponPayload {
	if code == "" && result.Code == "" {
		return nil
	}
	if result.Code != "" {
		code = result.Code
	}
	return &couponPayload{
		Code:           code,
		Type:           string(result.Type),
		Applicable:     result.Applicable,
		DiscountAmount: result.DiscountAmount,
		Reason:         result.Reason,
	}
}

func buildCheckoutSessionPayload(session domain.CheckoutSession) checkoutSessionPayload {
	methods := session.Config.EnabledPaymentMethods()
	payload := checkoutSessionPayload{
		ID:             session.ID,
		Step:           string(session.Step),
		Address:        buildAddressPayload(session.Address),
		FieldErrors:    session.FieldErrors,
		PaymentMethods: make([]paymentMethodPayload, 0, len(methods)),
		PaymentMethod:  session.PaymentMethod,
		Coupon:         buildCouponPayload(session.CouponCode, session.Coupon),
		Payment: checkoutPaymentPayload{
			Phase:         string(session.Payment.Phase),
			TransactionID: session.Payment.TransactionID,
			RedirectURL:   session.Payment.RedirectURL,
			Provider:      session.Payment.Provider,
			StartedAt:     formatTimePtr(session.Payment.StartedAt),
		},
		LastError: session.LastError,
		OrderID:   session.OrderID,
		ExpiresAt: formatTime(session.ExpiresAt),
		UpdatedAt: formatTime(session.UpdatedAt),
	}
	for _, method := range methods {
		payload.PaymentMethods = append(payload.PaymentMethods, paymentMethodPayload{
			ID:          method.ID,
			DisplayName: method.DisplayName,
			Description: method.Description,
			Flow:        string(method.Flow),
		})
	}
	if session.Pricing != nil {
		pricing := buildPricingPayload(*session.Pricing)
		payload.Pricing = &pricing
	}
	return payload
}

func buildQuotePayload(quote services.PricingQuote) quotePayload {
	return quotePayload{
		Pricing: buildPricingPayload(quote.Breakdown),
		Coupon:  buildCouponPayload("", quote.Coupon),
		Items:   len(quote.Cart.Items),
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	allowed := services.AllowedTransitions(order.Status)
	payload := orderPayload{
		ID:                 order.ID,
		UserID:             order.UserID,
		Status:             string(order.Status),
		AllowedTransitions: make([]string, 0, len(allowed)),
		Items:              make([]orderItemPayload, 0, len(order.Items)),
		ShippingAddress:    buildAddressPayload(order.ShippingAddress),
		PaymentMethod:      order.PaymentMethod,
		TransactionID:      order.TransactionID,
		CouponCode:         order.CouponCode,
		Pricing:            buildPricingPayload(order.Pricing),
		TrackingNumber:     order.TrackingNumber,
		TrackingURL:        order.TrackingURL,
		StatusNote:         order.StatusNote,
		CreatedAt:          formatTime(order.CreatedAt),
		UpdatedAt:          formatTime(order.UpdatedAt),
	}
	for _, status := range allowed {
		payload.AllowedTransitions = append(payload.AllowedTransitions, string(status))
	}
	for _, item := range order.Items {
		line := orderItemPayload{
			ProductID:  item.ProductID,
			CategoryID: item.CategoryID,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			LineTotal:  item.LineTotal(),
		}
		if item.Variant != nil {
			line.Color = item.Variant.Color
			line.Size = item.Variant.Size
		}
		payload.Items = append(payload.Items, line)
	}
	return payload
}

func buildOrderEventPayloads(events []domain.OrderStatusEvent) []orderEventPayload {
	out := make([]orderEventPayload, 0, len(events))
	for _, event := range events {
		out = append(out, orderEventPayload{
			ID:             event.ID,
			From:           string(event.From),
			To:             string(event.To),
			TrackingNumber: event.TrackingNumber,
			TrackingURL:    event.TrackingURL,
			Note:           event.Note,
			ActorID:        event.ActorID,
			OccurredAt:     formatTime(event.OccurredAt),
		})
	}
	return out
}
