package reservation

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

// UpdateOrderStatus applies an administrative transition. Cancelling a
// PENDING_PAYMENT order releases its reservation in the same unit of work;
// every other edge only changes the status.
func (s *Service) UpdateOrderStatus(ctx context.Context, orderID, status string) (orders.Order, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.UpdateOrderStatus", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status", status),
	))
	defer span.End()

	to, err := orders.ParseStatus(status)
	if err != nil {
		return orders.Order{}, err
	}

	var (
		out  orders.Order
		from orders.Status
	)
	err = s.exec.Run(ctx, Operation{Kind: orders.OpAdmin, OrderID: orderID}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		o, err := u.Orders().Lock(ctx, orderID)
		if err != nil {
			return err
		}
		from = o.Status
		if err := orders.CheckTransition(o.Status, to, orders.TriggerAdmin); err != nil {
			return err
		}
		if o.Status == orders.StatusPendingPayment && to == orders.StatusCancelled {
			if err := s.releaseAndCancel(ctx, u, undo, &o); err != nil {
				return err
			}
			out = o
			return nil
		}
		now := s.now()
		if err := u.Orders().SetStatus(ctx, o.ID, o.Status, to, now); err != nil {
			return statusErr(o, err)
		}
		o.Status = to
		o.UpdatedAt = now
		out = o
		return nil
	})
	if err != nil {
		s.fail(span, "admin", orderID, err)
		return orders.Order{}, err
	}

	if to == orders.StatusCancelled {
		s.publish(ctx, orders.EventOrderCancelled, out.ID, orders.OrderCancelledPayload{
			OrderID: out.ID, UserID: out.UserID, From: from, Trigger: orders.TriggerAdmin,
		})
	} else {
		s.publish(ctx, orders.EventOrderStatusChanged, out.ID, orders.OrderStatusChangedPayload{
			OrderID: out.ID, From: from, To: to,
		})
	}
	s.log.Info("order status updated",
		zap.String("order_id", out.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return out, nil
}
