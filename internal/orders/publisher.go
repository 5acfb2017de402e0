package orders

import (
	"context"
	"errors"
	"strconv"
	"time"

	kafkax "github.com/ghya66/tg-dgn-bot/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafkago.Header) error
}

// AnomalySink receives payments that need manual reconciliation.
type AnomalySink interface {
	RecordAnomaly(ctx context.Context, a Anomaly) error
}

// AnomalySinks fans one anomaly out to several sinks.
type AnomalySinks []AnomalySink

func (s AnomalySinks) RecordAnomaly(ctx context.Context, a Anomaly) error {
	var errs []error
	for _, sink := range s {
		if err := sink.RecordAnomaly(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EventPublisher turns committed order changes into Kafka events.
type EventPublisher struct {
	Producer Publisher
	Service  string
	Now      func() time.Time
}

func NewEventPublisher(p Publisher, service string) *EventPublisher {
	return &EventPublisher{Producer: p, Service: service, Now: time.Now}
}

func (p *EventPublisher) OrderCreated(ctx context.Context, o Order) error {
	return p.publish(ctx, TopicOrderCreated, EventOrderCreated, o.ID, NewOrderPayload(o, ""))
}

func (p *EventPublisher) OrderTransitioned(ctx context.Context, o Order, from Status) error {
	return p.publish(ctx, TopicFor(o.Status), EventFor(o.Status), o.ID, NewOrderPayload(o, from))
}

func (p *EventPublisher) RecordAnomaly(ctx context.Context, a Anomaly) error {
	return p.publish(ctx, TopicPaymentAnomaly, EventPaymentAnomaly, a.OrderID, AnomalyPayload{
		Kind:          a.Kind,
		OrderID:       a.OrderID,
		AmountMicro:   int64(a.AmountMicro),
		TxHash:        a.TxHash,
		FromStatus:    a.FromStatus,
		ToStatus:      a.ToStatus,
		CurrentStatus: a.CurrentStatus,
		Detail:        a.Detail,
	})
}

func (p *EventPublisher) publish(ctx context.Context, topic, eventType, orderID string, payload any) error {
	const version = 1
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  version,
		OccurredAt:    p.Now().UTC(),
		Producer:      p.Service,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	return p.Producer.Publish(ctx, topic, PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(version))},
	)
}
