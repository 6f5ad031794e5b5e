package memstore

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

func newStore(stock int) *Store {
	s := New()
	s.PutProduct(orders.Product{ID: "p-1", SKU: "SKU-1", Name: "Mug", PriceCents: 900, Stock: stock})
	return s
}

func TestLedgerReserveCommitRelease(t *testing.T) {
	ctx := context.Background()
	s := newStore(5)
	l := s.Ledger()

	p, err := l.Reserve(ctx, "p-1", 3)
	require.NoError(t, err)
	require.Equal(t, 3, p.ReservedStock)
	require.Equal(t, int64(900), p.PriceCents)

	_, err = l.Reserve(ctx, "p-1", 3)
	var ise *orders.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	require.Equal(t, 2, ise.Available)

	require.NoError(t, l.Commit(ctx, "p-1", 2))
	p, err = l.Product(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, 3, p.Stock)
	require.Equal(t, 1, p.ReservedStock)

	// Release is clamped at zero.
	require.NoError(t, l.Release(ctx, "p-1", 5))
	p, _ = l.Product(ctx, "p-1")
	require.Equal(t, 0, p.ReservedStock)
	require.Equal(t, 3, p.Stock)
}

func TestLedgerCommitWithoutReservationIsInvariantViolation(t *testing.T) {
	s := newStore(5)
	err := s.Ledger().Commit(context.Background(), "p-1", 1)
	require.ErrorIs(t, err, orders.ErrInvariantViolation)
}

func TestLedgerUnknownProduct(t *testing.T) {
	_, err := New().Ledger().Reserve(context.Background(), "nope", 1)
	require.ErrorIs(t, err, orders.ErrNotFound)
}

func TestLedgerConcurrentReserveNeverOversells(t *testing.T) {
	ctx := context.Background()
	s := newStore(10)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Ledger().Reserve(ctx, "p-1", 1); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, ok)
	p, _ := s.Ledger().Product(ctx, "p-1")
	require.Equal(t, 10, p.ReservedStock)
}

func TestSetStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Orders().Create(ctx, orders.NewOrder("o-1", "u-1", nil, now, now.Add(time.Minute))))

	require.NoError(t, s.Orders().SetStatus(ctx, "o-1", orders.StatusPendingPayment, orders.StatusPaid, now))
	err := s.Orders().SetStatus(ctx, "o-1", orders.StatusPendingPayment, orders.StatusCancelled, now)
	require.ErrorIs(t, err, orders.ErrStatusConflict)
	require.ErrorIs(t, s.Orders().SetStatus(ctx, "o-2", orders.StatusPaid, orders.StatusShipped, now), orders.ErrNotFound)
}

func TestLockGuardsOrderAcrossUnits(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Orders().Create(ctx, orders.NewOrder("o-1", "u-1", nil, now, now.Add(time.Minute))))

	tx1, _ := s.Begin(ctx)
	_, err := tx1.Orders().Lock(ctx, "o-1")
	require.NoError(t, err)
	// Re-entrant within the same unit.
	_, err = tx1.Orders().Lock(ctx, "o-1")
	require.NoError(t, err)

	tx2, _ := s.Begin(ctx)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = tx2.Orders().Lock(short, "o-1")
	require.ErrorIs(t, err, orders.ErrLockTimeout)

	require.NoError(t, tx1.Commit(ctx))
	_, err = tx2.Orders().Lock(ctx, "o-1")
	require.NoError(t, err)
	require.NoError(t, tx2.Rollback(ctx))
}

func TestListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Orders().Create(ctx, orders.NewOrder(id, "u-1", nil, at, at.Add(time.Hour))))
	}
	require.NoError(t, s.Orders().Create(ctx, orders.NewOrder("d", "u-2", nil, base, base.Add(time.Hour))))

	list, total, err := s.Orders().List(ctx, orders.ListFilter{UserID: "u-1", Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"c", "b"}, []string{list[0].ID, list[1].ID})

	list, _, err = s.Orders().List(ctx, orders.ListFilter{UserID: "u-1", Page: 3, Limit: 2})
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestListPendingByDeadline(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()
	require.NoError(t, s.Orders().Create(ctx, orders.NewOrder("late", "u", nil, now, now.Add(time.Hour))))
	require.NoError(t, s.Orders().Create(ctx, orders.NewOrder("soon", "u", nil, now, now.Add(time.Minute))))

	due, err := s.Orders().ListPending(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "soon", due[0].ID)

	all, err := s.Orders().ListPending(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "soon", all[0].ID)
	require.Len(t, all, 2)
}

func TestPaymentUniquePerOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	p := orders.Payment{ID: "pay-1", OrderID: "o-1", TransactionID: "TXN-1"}
	require.NoError(t, s.Payments().Create(ctx, p))
	require.ErrorIs(t, s.Payments().Create(ctx, orders.Payment{ID: "pay-2", OrderID: "o-1", TransactionID: "TXN-2"}), orders.ErrInvalidState)
	require.ErrorIs(t, s.Payments().Create(ctx, orders.Payment{ID: "pay-3", OrderID: "o-2", TransactionID: "TXN-1"}), orders.ErrInvalidInput)
}

func TestLoadSeed(t *testing.T) {
	s := New()
	err := s.Load(strings.NewReader(`{
		"products": [{"id": "p-1", "sku": "SKU-1", "name": "Mug", "price_cents": 900, "stock": 5}],
		"carts": {"u-1": [{"product_id": "p-1", "qty": 2}]},
		"users": {"u-1": "u1@example.com"}
	}`))
	require.NoError(t, err)

	ctx := context.Background()
	cart, err := s.Carts().GetCart(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, []orders.CartItem{{ProductID: "p-1", Qty: 2}}, cart)
	email, err := s.UserEmail(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, "u1@example.com", email)
}

func TestJournalReplaceKeepsRemainingSteps(t *testing.T) {
	s := New()
	ctx := context.Background()
	j := s.Journal()
	started := time.Now().Add(-time.Minute)

	require.NoError(t, j.Open(ctx, orders.Intent{ID: "i-1", Kind: orders.OpCheckout, OrderID: "o-1", StartedAt: started}))
	require.NoError(t, j.Record(ctx, "i-1", orders.Compensation{Kind: orders.CompRelease, ProductID: "p-1", Qty: 2}))
	require.NoError(t, j.Record(ctx, "i-1", orders.Compensation{Kind: orders.CompRelease, ProductID: "p-2", Qty: 1}))

	require.NoError(t, j.Replace(ctx, "i-1", []orders.Compensation{{Kind: orders.CompRelease, ProductID: "p-1", Qty: 2}}))
	require.ErrorIs(t, j.Replace(ctx, "i-404", nil), orders.ErrNotFound)

	open, err := j.Stale(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, []orders.Compensation{{Kind: orders.CompRelease, ProductID: "p-1", Qty: 2}}, open[0].Compensations)
}
