package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

// Publisher puts lifecycle events and confirmation notifications on their topics.
type Publisher struct {
	Events        *Producer
	Notifications *Producer
	ServiceName   string
}

func envelopeHeaders(ev orders.Envelope) []kafka.Header {
	return []kafka.Header{
		{Key: "x-event-type", Value: []byte(ev.EventType)},
		{Key: "x-event-version", Value: []byte(strconv.Itoa(ev.EventVersion))},
	}
}

func (p *Publisher) Publish(ctx context.Context, ev orders.Envelope) error {
	return p.Events.Publish(ctx, orders.PartitionKey(ev.CorrelationID), MustMarshal(ev), envelopeHeaders(ev)...)
}

// Enqueue implements orders.Notifier.
func (p *Publisher) Enqueue(ctx context.Context, n orders.Notification) error {
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     orders.EventOrderConfirmation,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      p.ServiceName,
		CorrelationID: n.OrderID,
		Payload:       MustMarshal(n),
	}
	return p.Notifications.Publish(ctx, orders.PartitionKey(n.OrderID), MustMarshal(ev), envelopeHeaders(ev)...)
}
