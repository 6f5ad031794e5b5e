// Package memstore is an in-process backend. Every operation is atomic on a single
// product or order, but there are no multi-document transactions, so the
// coordinator drives it in sequential (compensating) mode.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

type productSlot struct {
	mu sync.Mutex
	p  orders.Product
}

type orderSlot struct {
	mu    sync.Mutex
	o     orders.Order
	guard chan struct{}
}

type Store struct {
	mu       sync.RWMutex
	products map[string]*productSlot
	orders   map[string]*orderSlot
	payments map[string]orders.Payment // by order id
	txns     map[string]struct{}
	carts    map[string][]orders.CartItem
	users    map[string]string
	intents  map[string]orders.Intent

	now func() time.Time
}

func New() *Store {
	return &Store{
		products: map[string]*productSlot{},
		orders:   map[string]*orderSlot{},
		payments: map[string]orders.Payment{},
		txns:     map[string]struct{}{},
		carts:    map[string][]orders.CartItem{},
		users:    map[string]string{},
		intents:  map[string]orders.Intent{},
		now:      time.Now,
	}
}

func (s *Store) Capabilities() orders.Capabilities { return orders.Capabilities{} }

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) { return &tx{s: s}, nil }

func (s *Store) Ledger() orders.Ledger        { return ledger{s: s} }
func (s *Store) Orders() orders.OrderRepo     { return orderRepo{s: s} }
func (s *Store) Payments() orders.PaymentRepo { return paymentRepo{s: s} }
func (s *Store) Carts() orders.CartStore      { return cartStore{s: s} }
func (s *Store) Journal() orders.Journal      { return journal{s: s} }

func (s *Store) UserEmail(ctx context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email, ok := s.users[userID]
	if !ok {
		return "", &orders.NotFoundError{Kind: "user", ID: userID}
	}
	return email, nil
}

// ---- seeding ----

func (s *Store) PutProduct(p orders.Product) {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.mu.Lock()
	s.products[p.ID] = &productSlot{p: p}
	s.mu.Unlock()
}

func (s *Store) PutCart(userID string, items []orders.CartItem) {
	s.mu.Lock()
	s.carts[userID] = append([]orders.CartItem(nil), items...)
	s.mu.Unlock()
}

func (s *Store) PutUser(userID, email string) {
	s.mu.Lock()
	s.users[userID] = email
	s.mu.Unlock()
}

func (s *Store) product(id string) (*productSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ps, ok := s.products[id]
	return ps, ok
}

func (s *Store) order(id string) (*orderSlot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slot, ok := s.orders[id]
	return slot, ok
}

// tx only tracks the per-order guards taken through Lock; writes are applied
// immediately.
type tx struct {
	s    *Store
	mu   sync.Mutex
	held []*orderSlot
}

func (t *tx) Ledger() orders.Ledger        { return ledger{s: t.s} }
func (t *tx) Orders() orders.OrderRepo     { return orderRepo{s: t.s, tx: t} }
func (t *tx) Payments() orders.PaymentRepo { return paymentRepo{s: t.s} }
func (t *tx) Carts() orders.CartStore      { return cartStore{s: t.s} }

func (t *tx) Commit(ctx context.Context) error   { t.release(); return nil }
func (t *tx) Rollback(ctx context.Context) error { t.release(); return nil }

func (t *tx) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, slot := range t.held {
		<-slot.guard
	}
	t.held = nil
}

func (t *tx) holds(slot *orderSlot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.held {
		if h == slot {
			return true
		}
	}
	return false
}

func (t *tx) acquire(ctx context.Context, slot *orderSlot) error {
	if t.holds(slot) {
		return nil
	}
	select {
	case slot.guard <- struct{}{}:
	case <-ctx.Done():
		return orders.ErrLockTimeout
	}
	t.mu.Lock()
	t.held = append(t.held, slot)
	t.mu.Unlock()
	return nil
}

// ---- ledger ----

type ledger struct{ s *Store }

func (l ledger) Product(ctx context.Context, id string) (orders.Product, error) {
	ps, ok := l.s.product(id)
	if !ok {
		return orders.Product{}, orders.ProductNotFound(id)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.p, nil
}

func (l ledger) List(ctx context.Context) ([]orders.Product, error) {
	l.s.mu.RLock()
	slots := make([]*productSlot, 0, len(l.s.products))
	for _, ps := range l.s.products {
		slots = append(slots, ps)
	}
	l.s.mu.RUnlock()

	out := make([]orders.Product, 0, len(slots))
	for _, ps := range slots {
		ps.mu.Lock()
		out = append(out, ps.p)
		ps.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (l ledger) mutate(id string, fn func(p *orders.Product) error) (orders.Product, error) {
	ps, ok := l.s.product(id)
	if !ok {
		return orders.Product{}, orders.ProductNotFound(id)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	next := ps.p
	if err := fn(&next); err != nil {
		return orders.Product{}, err
	}
	next.UpdatedAt = l.s.now().UTC()
	ps.p = next
	return next, nil
}

func (l ledger) Reserve(ctx context.Context, productID string, qty int) (orders.Product, error) {
	return l.mutate(productID, func(p *orders.Product) error {
		if p.Available() < qty {
			return &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Available()}
		}
		p.ReservedStock += qty
		return nil
	})
}

func (l ledger) Commit(ctx context.Context, productID string, qty int) error {
	_, err := l.mutate(productID, func(p *orders.Product) error {
		if p.ReservedStock < qty || p.Stock < qty {
			return &orders.InvariantError{Op: "commit", ProductID: productID, Qty: qty, Stock: p.Stock, Reserved: p.ReservedStock}
		}
		p.ReservedStock -= qty
		p.Stock -= qty
		return nil
	})
	return err
}

func (l ledger) Release(ctx context.Context, productID string, qty int) error {
	_, err := l.mutate(productID, func(p *orders.Product) error {
		p.ReservedStock = max(p.ReservedStock-qty, 0)
		return nil
	})
	return err
}

func (l ledger) Revert(ctx context.Context, productID string, qty int) error {
	_, err := l.mutate(productID, func(p *orders.Product) error {
		p.Stock += qty
		p.ReservedStock += qty
		return nil
	})
	return err
}
