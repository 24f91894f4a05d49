// Package jobs delivers order domain events to asynchronous consumers.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

// OrderEventMessage is the JSON payload published for every order event.
type OrderEventMessage struct {
	Type           string         `json:"type"`
	OrderID        string         `json:"orderId"`
	UserID         string         `json:"userId"`
	PreviousStatus string         `json:"previousStatus,omitempty"`
	CurrentStatus  string         `json:"currentStatus"`
	ActorID        string         `json:"actorId,omitempty"`
	OccurredAt     time.Time      `json:"occurredAt"`
	Total          int64          `json:"total,omitempty"`
	Currency       string         `json:"currency,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// PubSubOrderEventPublisher publishes order.created and order.status_changed to one topic.
// Messages of one order share an ordering key when the topic has ordering enabled.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{topic: topic, marshal: json.Marshal}, nil
}

func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}
	msg := OrderEventMessage{
		Type:           event.Type,
		OrderID:        event.OrderID,
		UserID:         event.UserID,
		PreviousStatus: event.PreviousStatus,
		CurrentStatus:  event.CurrentStatus,
		ActorID:        event.ActorID,
		OccurredAt:     event.OccurredAt.UTC(),
		Metadata:       event.Metadata,
	}
	if event.Order != nil {
		msg.Total = event.Order.Pricing.Total
		msg.Currency = event.Order.Pricing.Currency
	}
	data, err := p.marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := map[string]string{}
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", event.CurrentStatus)

	message := &pubsub.Message{Data: data, Attributes: attrs}
	if p.topic.EnableMessageOrdering {
		message.OrderingKey = event.OrderID
	}
	if _, err := p.topic.Publish(ctx, message).Get(ctx); err != nil {
		if message.OrderingKey != "" {
			p.topic.ResumePublish(message.OrderingKey)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []services.OrderEventPublisher

func (f Fanout) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.PublishOrderEvent(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StatusFilter forwards only events whose order reached one of the statuses, e.g. to archive an
// order once at creation and again when it closes.
func StatusFilter(next services.OrderEventPublisher, statuses ...domain.OrderStatus) services.OrderEventPublisher {
	return statusFilter{next: next, statuses: statuses}
}

type statusFilter struct {
	next     services.OrderEventPublisher
	statuses []domain.OrderStatus
}

func (s statusFilter) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	for _, status := range s.statuses {
		if event.CurrentStatus == string(status) {
			return s.next.PublishOrderEvent(ctx, event)
		}
	}
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
