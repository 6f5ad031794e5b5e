// Package reservation coordinates checkout, payment and cancellation of orders
// against the stock ledger as all-or-nothing units of work.
package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

const (
	DefaultReservationTimeout = 15 * time.Minute
	DefaultPageLimit          = 10
	MaxPageLimit              = 100
)

// Timers arms the expiry of a PENDING_PAYMENT order.
type Timers interface {
	Arm(orderID string, deadline time.Time)
}

type Deps struct {
	Backend  orders.Backend
	Executor Executor
	Timers   Timers
	Events   orders.EventPublisher
	Notifier orders.Notifier
	// ReservationTimeout is read at checkout time. Zero means 15 minutes.
	ReservationTimeout time.Duration
	ServiceName        string

	Clock          func() time.Time
	IDGenerator    func() string
	TxnIDGenerator func() string
	Logger         *zap.Logger
}

type Service struct {
	backend  orders.Backend
	exec     Executor
	timers   Timers
	events   orders.EventPublisher
	notifier orders.Notifier
	timeout  time.Duration
	name     string

	clock    func() time.Time
	newID    func() string
	newTxnID func() string
	log      *zap.Logger
	tracer   trace.Tracer
}

type PaymentResult struct {
	Order   orders.Order   `json:"order"`
	Payment orders.Payment `json:"payment"`
}

func NewService(d Deps) (*Service, error) {
	if d.Backend == nil {
		return nil, errors.New("reservation service: backend is required")
	}
	if d.Executor == nil {
		return nil, errors.New("reservation service: executor is required")
	}
	s := &Service{
		backend:  d.Backend,
		exec:     d.Executor,
		timers:   d.Timers,
		events:   d.Events,
		notifier: d.Notifier,
		timeout:  d.ReservationTimeout,
		name:     d.ServiceName,
		clock:    d.Clock,
		newID:    d.IDGenerator,
		newTxnID: d.TxnIDGenerator,
		log:      d.Logger,
		tracer:   otel.Tracer("github.com/ariefcatur/go-order-reservations/internal/reservation"),
	}
	if s.timeout <= 0 {
		s.timeout = DefaultReservationTimeout
	}
	if s.name == "" {
		s.name = "order-api"
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.newTxnID == nil {
		s.newTxnID = func() string { return "TXN-" + ulid.Make().String() }
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	return s, nil
}

func (s *Service) Mode() Mode { return s.exec.Mode() }

func (s *Service) now() time.Time { return s.clock().UTC() }

// Checkout reserves every cart line and creates a PENDING_PAYMENT order.
func (s *Service) Checkout(ctx context.Context, userID string) (orders.Order, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.Checkout", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return orders.Order{}, fmt.Errorf("%w: user id is required", orders.ErrInvalidInput)
	}

	orderID := s.newID()
	var created orders.Order
	err := s.exec.Run(ctx, Operation{Kind: orders.OpCheckout, OrderID: orderID}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		cart, err := u.Carts().GetCart(ctx, userID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if len(cart) == 0 {
			return fmt.Errorf("%w: user %s", orders.ErrEmptyCart, userID)
		}
		lines, err := mergeCart(cart)
		if err != nil {
			return err
		}

		prices := make(map[string]int64, len(lines))
		for _, line := range byProduct(lines) {
			p, err := u.Ledger().Reserve(ctx, line.ProductID, line.Qty)
			if err != nil {
				return err
			}
			prices[line.ProductID] = p.PriceCents
			if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompRelease, ProductID: line.ProductID, Qty: line.Qty}); err != nil {
				return err
			}
		}

		items := make([]orders.OrderItem, 0, len(lines))
		for _, line := range lines {
			items = append(items, orders.OrderItem{ProductID: line.ProductID, Qty: line.Qty, PriceCents: prices[line.ProductID]})
		}
		now := s.now()
		created = orders.NewOrder(orderID, userID, items, now, now.Add(s.timeout))
		return u.Orders().Create(ctx, created)
	})
	if err != nil {
		s.fail(span, "checkout", orderID, err)
		return orders.Order{}, err
	}

	if s.timers != nil {
		s.timers.Arm(created.ID, created.PaymentDeadline)
	}
	s.publish(ctx, orders.EventOrderCreated, created.ID, orders.OrderCreatedPayload{
		OrderID:         created.ID,
		UserID:          created.UserID,
		Items:           created.Items,
		TotalCents:      created.TotalCents,
		PaymentDeadline: created.PaymentDeadline,
	})
	s.log.Info("order created",
		zap.String("order_id", created.ID),
		zap.String("user_id", userID),
		zap.Int("lines", len(created.Items)),
		zap.Int64("total_cents", created.TotalCents),
		zap.Time("payment_deadline", created.PaymentDeadline))
	return created, nil
}

// ProcessPayment converts the order's reservation into consumed stock and records
// the payment. The deadline is checked here against the clock, independently of
// the expiry scheduler.
func (s *Service) ProcessPayment(ctx context.Context, orderID, userID string) (PaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.ProcessPayment", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var res PaymentResult
	err := s.exec.Run(ctx, Operation{Kind: orders.OpPayment, OrderID: orderID}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		o, err := u.Orders().Lock(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("%w: order %s belongs to another user", orders.ErrForbidden, orderID)
		}
		if o.Status != orders.StatusPendingPayment {
			return &orders.StateError{OrderID: o.ID, Status: o.Status}
		}
		now := s.now()
		if o.Expired(now) {
			return &orders.DeadlineError{OrderID: o.ID, Deadline: o.PaymentDeadline}
		}

		for _, it := range itemsByProduct(o.Items) {
			if err := u.Ledger().Commit(ctx, it.ProductID, it.Qty); err != nil {
				return err
			}
			if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompRevert, ProductID: it.ProductID, Qty: it.Qty}); err != nil {
				return err
			}
		}

		if err := u.Orders().SetStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusPaid, now); err != nil {
			return statusErr(o, err)
		}
		if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompStatus, OrderID: o.ID, From: orders.StatusPaid, To: orders.StatusPendingPayment}); err != nil {
			return err
		}

		cart, err := u.Carts().GetCart(ctx, o.UserID)
		if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}
		if len(cart) > 0 {
			if err := u.Carts().ClearCart(ctx, o.UserID); err != nil {
				return fmt.Errorf("clear cart: %w", err)
			}
			if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompCart, UserID: o.UserID, Items: cart}); err != nil {
				return err
			}
		}

		// Payment row is the commit point of this unit.
		pay := orders.Payment{
			ID:            s.newID(),
			OrderID:       o.ID,
			TransactionID: s.newTxnID(),
			AmountCents:   o.TotalCents,
			Status:        orders.PaymentSuccess,
			CreatedAt:     now,
		}
		if err := u.Payments().Create(ctx, pay); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}

		o.Status = orders.StatusPaid
		o.UpdatedAt = now
		res = PaymentResult{Order: o, Payment: pay}
		return nil
	})
	if err != nil {
		var de *orders.DeadlineError
		if errors.As(err, &de) && s.timers != nil {
			s.timers.Arm(de.OrderID, de.Deadline)
		}
		s.fail(span, "payment", orderID, err)
		return PaymentResult{}, err
	}

	s.publish(ctx, orders.EventOrderPaid, res.Order.ID, orders.OrderPaidPayload{
		OrderID:       res.Order.ID,
		UserID:        res.Order.UserID,
		PaymentID:     res.Payment.ID,
		TransactionID: res.Payment.TransactionID,
		AmountCents:   res.Payment.AmountCents,
	})
	s.notify(ctx, res.Order)
	s.log.Info("order paid",
		zap.String("order_id", res.Order.ID),
		zap.String("transaction_id", res.Payment.TransactionID),
		zap.Int64("amount_cents", res.Payment.AmountCents))
	return res, nil
}

// CancelOrder releases the reservation of a PENDING_PAYMENT order. A missing order
// or one that already left PENDING_PAYMENT is a silent no-op; the bool reports
// whether this call applied the cancellation.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (orders.Order, bool, error) {
	ctx, span := s.tracer.Start(ctx, "reservation.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var (
		out     orders.Order
		applied bool
	)
	err := s.exec.Run(ctx, Operation{Kind: orders.OpCancel, OrderID: orderID}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		o, err := u.Orders().Lock(ctx, orderID)
		if errors.Is(err, orders.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out = o
		if o.Status != orders.StatusPendingPayment {
			return nil
		}
		if err := s.releaseAndCancel(ctx, u, undo, &o); err != nil {
			return err
		}
		out, applied = o, true
		return nil
	})
	if err != nil {
		s.fail(span, "cancel", orderID, err)
		return orders.Order{}, false, err
	}
	if !applied {
		s.log.Debug("cancel skipped", zap.String("order_id", orderID), zap.String("status", string(out.Status)))
		return out, false, nil
	}
	s.publish(ctx, orders.EventOrderCancelled, out.ID, orders.OrderCancelledPayload{
		OrderID: out.ID, UserID: out.UserID, From: orders.StatusPendingPayment, Trigger: orders.TriggerExpiry,
	})
	s.log.Info("order cancelled", zap.String("order_id", out.ID), zap.String("trigger", string(orders.TriggerExpiry)))
	return out, true, nil
}

// releaseAndCancel is the only path that moves PENDING_PAYMENT to CANCELLED.
// The status write is the commit point, so it goes last.
func (s *Service) releaseAndCancel(ctx context.Context, u orders.Unit, undo *Undo, o *orders.Order) error {
	for _, it := range itemsByProduct(o.Items) {
		if err := u.Ledger().Release(ctx, it.ProductID, it.Qty); err != nil {
			return err
		}
		if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompReserve, ProductID: it.ProductID, Qty: it.Qty}); err != nil {
			return err
		}
	}
	now := s.now()
	if err := u.Orders().SetStatus(ctx, o.ID, orders.StatusPendingPayment, orders.StatusCancelled, now); err != nil {
		return statusErr(*o, err)
	}
	o.Status = orders.StatusCancelled
	o.UpdatedAt = now
	return nil
}

func (s *Service) GetOrder(ctx context.Context, orderID, userID string) (orders.Order, error) {
	o, err := s.backend.Orders().Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}
	if o.UserID != userID {
		return orders.Order{}, fmt.Errorf("%w: order %s belongs to another user", orders.ErrForbidden, orderID)
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, f orders.ListFilter) ([]orders.Order, orders.Pagination, error) {
	f, err := normaliseFilter(f)
	if err != nil {
		return nil, orders.Pagination{}, err
	}
	list, total, err := s.backend.Orders().List(ctx, f)
	if err != nil {
		return nil, orders.Pagination{}, fmt.Errorf("list orders: %w", err)
	}
	if list == nil {
		list = []orders.Order{}
	}
	return list, orders.NewPagination(f.Page, f.Limit, total), nil
}

func (s *Service) ListProducts(ctx context.Context) ([]orders.Product, error) {
	return s.backend.Ledger().List(ctx)
}

func normaliseFilter(f orders.ListFilter) (orders.ListFilter, error) {
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Limit == 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Page < 1 {
		return f, fmt.Errorf("%w: page must be >= 1", orders.ErrInvalidInput)
	}
	if f.Limit < 1 || f.Limit > MaxPageLimit {
		return f, fmt.Errorf("%w: limit must be between 1 and %d", orders.ErrInvalidInput, MaxPageLimit)
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("%w: unknown status %q", orders.ErrInvalidInput, f.Status)
	}
	return f, nil
}

// mergeCart sums duplicate lines and keeps first-seen order.
func mergeCart(cart []orders.CartItem) ([]orders.CartItem, error) {
	idx := make(map[string]int, len(cart))
	out := make([]orders.CartItem, 0, len(cart))
	for _, it := range cart {
		pid := strings.TrimSpace(it.ProductID)
		if pid == "" {
			return nil, fmt.Errorf("%w: cart line without product id", orders.ErrInvalidInput)
		}
		if it.Qty < 1 {
			return nil, fmt.Errorf("%w: quantity for product %s must be >= 1", orders.ErrInvalidInput, pid)
		}
		if i, ok := idx[pid]; ok {
			out[i].Qty += it.Qty
			continue
		}
		idx[pid] = len(out)
		out = append(out, orders.CartItem{ProductID: pid, Qty: it.Qty})
	}
	return out, nil
}

// byProduct orders lines by product id so concurrent units lock products in the
// same order.
func byProduct(lines []orders.CartItem) []orders.CartItem {
	out := append([]orders.CartItem(nil), lines...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func itemsByProduct(items []orders.OrderItem) []orders.OrderItem {
	out := append([]orders.OrderItem(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

func statusErr(o orders.Order, err error) error {
	if errors.Is(err, orders.ErrStatusConflict) {
		return fmt.Errorf("%w: order %s: %w", orders.ErrInvalidState, o.ID, err)
	}
	return err
}

func (s *Service) notify(ctx context.Context, o orders.Order) {
	if s.notifier == nil {
		return
	}
	email, err := s.backend.UserEmail(ctx, o.UserID)
	if err != nil {
		s.log.Warn("confirmation skipped: user email lookup failed", zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.Error(err))
		return
	}
	n := orders.Notification{OrderID: o.ID, UserID: o.UserID, Email: email, TotalCents: o.TotalCents}
	if err := s.notifier.Enqueue(ctx, n); err != nil {
		s.log.Warn("confirmation enqueue failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) {
	if s.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	ev := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.now(),
		Producer:      s.name,
		CorrelationID: orderID,
		Payload:       raw,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish event failed", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}

// fail logs by error class: invariant violations are coordinator bugs and must
// stand out from user errors.
func (s *Service) fail(span trace.Span, op, orderID string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, op)
	fields := []zap.Field{zap.String("op", op), zap.String("order_id", orderID), zap.Error(err)}
	switch {
	case errors.Is(err, orders.ErrInvariantViolation):
		s.log.Error("reservation invariant violated", append(fields, zap.Bool("invariant_violation", true))...)
	case isUserError(err):
		s.log.Info("request rejected", fields...)
	default:
		s.log.Error("unit of work failed", fields...)
	}
}

func isUserError(err error) bool {
	for _, target := range []error{
		orders.ErrNotFound, orders.ErrForbidden, orders.ErrInvalidState, orders.ErrInvalidTransition,
		orders.ErrInsufficientStock, orders.ErrDeadlineExpired, orders.ErrEmptyCart, orders.ErrInvalidInput,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
