package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

func cloneOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.OrderItem(nil), o.Items...)
	return o
}

type orderRepo struct {
	s  *Store
	tx *tx
}

func (r orderRepo) Create(ctx context.Context, o orders.Order) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.orders[o.ID]; ok {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidInput, o.ID)
	}
	r.s.orders[o.ID] = &orderSlot{o: cloneOrder(o), guard: make(chan struct{}, 1)}
	return nil
}

func (r orderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	slot, ok := r.s.order(id)
	if !ok {
		return orders.Order{}, orders.OrderNotFound(id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return cloneOrder(slot.o), nil
}

func (r orderRepo) Lock(ctx context.Context, id string) (orders.Order, error) {
	slot, ok := r.s.order(id)
	if !ok {
		return orders.Order{}, orders.OrderNotFound(id)
	}
	if r.tx != nil {
		if err := r.tx.acquire(ctx, slot); err != nil {
			return orders.Order{}, err
		}
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return cloneOrder(slot.o), nil
}

func (r orderRepo) SetStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) error {
	slot, ok := r.s.order(id)
	if !ok {
		return orders.OrderNotFound(id)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.o.Status != from {
		return orders.ErrStatusConflict
	}
	slot.o.Status = to
	slot.o.UpdatedAt = at.UTC()
	return nil
}

func (r orderRepo) snapshot() []orders.Order {
	r.s.mu.RLock()
	slots := make([]*orderSlot, 0, len(r.s.orders))
	for _, slot := range r.s.orders {
		slots = append(slots, slot)
	}
	r.s.mu.RUnlock()

	out := make([]orders.Order, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		out = append(out, cloneOrder(slot.o))
		slot.mu.Unlock()
	}
	return out
}

func (r orderRepo) List(ctx context.Context, f orders.ListFilter) ([]orders.Order, int, error) {
	var matched []orders.Order
	for _, o := range r.snapshot() {
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		matched = append(matched, o)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := len(matched)
	start := min(f.Offset(), total)
	end := min(start+f.Limit, total)
	return matched[start:end], total, nil
}

func (r orderRepo) ListPending(ctx context.Context, dueBefore time.Time) ([]orders.Order, error) {
	var out []orders.Order
	for _, o := range r.snapshot() {
		if o.Status != orders.StatusPendingPayment {
			continue
		}
		if !dueBefore.IsZero() && o.PaymentDeadline.After(dueBefore) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaymentDeadline.Before(out[j].PaymentDeadline) })
	return out, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Create(ctx context.Context, p orders.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.payments[p.OrderID]; ok {
		return fmt.Errorf("%w: order %s already has a payment", orders.ErrInvalidState, p.OrderID)
	}
	if _, ok := r.s.txns[p.TransactionID]; ok {
		return fmt.Errorf("%w: duplicate transaction id %s", orders.ErrInvalidInput, p.TransactionID)
	}
	r.s.payments[p.OrderID] = p
	r.s.txns[p.TransactionID] = struct{}{}
	return nil
}

func (r paymentRepo) ByOrder(ctx context.Context, orderID string) (orders.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.payments[orderID]
	if !ok {
		return orders.Payment{}, &orders.NotFoundError{Kind: "payment", ID: orderID}
	}
	return p, nil
}

type cartStore struct{ s *Store }

func (c cartStore) GetCart(ctx context.Context, userID string) ([]orders.CartItem, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return append([]orders.CartItem(nil), c.s.carts[userID]...), nil
}

func (c cartStore) ClearCart(ctx context.Context, userID string) error {
	c.s.mu.Lock()
	delete(c.s.carts, userID)
	c.s.mu.Unlock()
	return nil
}

func (c cartStore) RestoreCart(ctx context.Context, userID string, items []orders.CartItem) error {
	c.s.PutCart(userID, items)
	return nil
}

type journal struct{ s *Store }

func (j journal) Open(ctx context.Context, in orders.Intent) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	in.Compensations = append([]orders.Compensation(nil), in.Compensations...)
	j.s.intents[in.ID] = in
	return nil
}

func (j journal) Record(ctx context.Context, intentID string, c orders.Compensation) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	in, ok := j.s.intents[intentID]
	if !ok {
		return &orders.NotFoundError{Kind: "intent", ID: intentID}
	}
	in.Compensations = append(in.Compensations, c)
	j.s.intents[intentID] = in
	return nil
}

func (j journal) Replace(ctx context.Context, intentID string, remaining []orders.Compensation) error {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	in, ok := j.s.intents[intentID]
	if !ok {
		return &orders.NotFoundError{Kind: "intent", ID: intentID}
	}
	in.Compensations = append([]orders.Compensation(nil), remaining...)
	j.s.intents[intentID] = in
	return nil
}

func (j journal) Close(ctx context.Context, intentID string) error {
	j.s.mu.Lock()
	delete(j.s.intents, intentID)
	j.s.mu.Unlock()
	return nil
}

func (j journal) Stale(ctx context.Context, startedBefore time.Time) ([]orders.Intent, error) {
	j.s.mu.RLock()
	defer j.s.mu.RUnlock()
	var out []orders.Intent
	for _, in := range j.s.intents {
		if in.StartedAt.Before(startedBefore) {
			in.Compensations = append([]orders.Compensation(nil), in.Compensations...)
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}
