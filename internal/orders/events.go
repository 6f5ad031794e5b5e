package orders

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderPaid          = "OrderPaid"
	EventOrderCancelled     = "OrderCancelled"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderConfirmation  = "OrderConfirmation"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // salah satu const di atas
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"` // e.g., "order-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // biasanya order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload tipe per event ----

type OrderCreatedPayload struct {
	OrderID         string      `json:"order_id"`
	UserID          string      `json:"user_id"`
	Items           []OrderItem `json:"items"`
	TotalCents      int64       `json:"total_cents"`
	PaymentDeadline time.Time   `json:"payment_deadline"`
}

type OrderPaidPayload struct {
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	PaymentID     string `json:"payment_id"`
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
}

type OrderCancelledPayload struct {
	OrderID string  `json:"order_id"`
	UserID  string  `json:"user_id"`
	From    Status  `json:"from"`
	Trigger Trigger `json:"trigger"`
}

type OrderStatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

// Notification is the confirmation message handed to the notification sink.
type Notification struct {
	OrderID    string `json:"order_id"`
	UserID     string `json:"user_id"`
	Email      string `json:"email"`
	TotalCents int64  `json:"total_cents"`
}

// EventPublisher receives lifecycle events after the unit of work that produced them
// has completed. Implementations must not block on I/O for long.
type EventPublisher interface {
	Publish(ctx context.Context, ev Envelope) error
}

// Notifier is a best-effort, at-least-once sink. Errors are logged by callers and
// never undo the operation that produced the notification.
type Notifier interface {
	Enqueue(ctx context.Context, n Notification) error
}

// Publishers fans one event out to several publishers and joins their errors.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, ev Envelope) error {
	var errs []error
	for _, p := range ps {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
