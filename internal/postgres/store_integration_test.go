//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
	"github.com/ariefcatur/go-order-reservations/internal/postgres"
	"github.com/ariefcatur/go-order-reservations/internal/reservation"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("orders"),
		tcpostgres.WithUsername("app"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres: %v\n", err)
		os.Exit(1)
	}
	code := run(ctx, ctr, m)
	_ = ctr.Terminate(ctx)
	os.Exit(code)
}

func run(ctx context.Context, ctr *tcpostgres.PostgresContainer, m *testing.M) int {
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsn: %v\n", err)
		return 1
	}
	if err := postgres.Migrate(dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}
	// Second run must be a no-op.
	if err := postgres.Migrate(dsn); err != nil {
		fmt.Fprintf(os.Stderr, "migrate again: %v\n", err)
		return 1
	}
	pool, err = postgres.Connect(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		return 1
	}
	defer pool.Close()
	return m.Run()
}

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	_, err := pool.Exec(ctx, `TRUNCATE payments, order_items, orders, cart_items, users, products`)
	require.NoError(t, err)

	s := postgres.New(pool)
	require.NoError(t, s.Apply(ctx, orders.Seed{
		Products: []orders.Product{
			{ID: "p-1", SKU: "SKU-1", Name: "Mug", PriceCents: 1000, Stock: 5},
			{ID: "p-2", SKU: "SKU-2", Name: "Tea", PriceCents: 250, Stock: 10},
		},
		Users: map[string]string{"u-1": "u1@example.com"},
		Carts: map[string][]orders.CartItem{"u-1": {{ProductID: "p-2", Qty: 1}, {ProductID: "p-1", Qty: 2}}},
	}))
	return s
}

func newService(t *testing.T, s *postgres.Store) *reservation.Service {
	t.Helper()
	exec, err := reservation.NewExecutor(reservation.ModeAuto, s, nil, nil)
	require.NoError(t, err)
	require.Equal(t, reservation.ModeTransactional, exec.Mode())
	svc, err := reservation.NewService(reservation.Deps{Backend: s, Executor: exec})
	require.NoError(t, err)
	return svc
}

func product(t *testing.T, s *postgres.Store, id string) orders.Product {
	t.Helper()
	p, err := s.Ledger().Product(context.Background(), id)
	require.NoError(t, err)
	return p
}

func TestSeedIsReadable(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	list, err := s.Ledger().List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "SKU-1", list[0].SKU)

	cart, err := s.Carts().GetCart(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, []orders.CartItem{{ProductID: "p-2", Qty: 1}, {ProductID: "p-1", Qty: 2}}, cart)

	email, err := s.UserEmail(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, "u1@example.com", email)
	_, err = s.UserEmail(ctx, "nobody")
	require.ErrorIs(t, err, orders.ErrNotFound)
}

func TestLedgerCounters(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	l := s.Ledger()

	p, err := l.Reserve(ctx, "p-1", 4)
	require.NoError(t, err)
	require.Equal(t, 4, p.ReservedStock)
	require.Equal(t, int64(1000), p.PriceCents)

	_, err = l.Reserve(ctx, "p-1", 2)
	var ise *orders.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	require.Equal(t, 1, ise.Available)

	require.NoError(t, l.Commit(ctx, "p-1", 3))
	require.ErrorIs(t, l.Commit(ctx, "p-1", 3), orders.ErrInvariantViolation)
	require.NoError(t, l.Release(ctx, "p-1", 10))
	got := product(t, s, "p-1")
	require.Equal(t, 2, got.Stock)
	require.Equal(t, 0, got.ReservedStock)

	require.NoError(t, l.Revert(ctx, "p-1", 3))
	got = product(t, s, "p-1")
	require.Equal(t, 5, got.Stock)
	require.Equal(t, 3, got.ReservedStock)

	_, err = l.Reserve(ctx, "p-404", 1)
	require.ErrorIs(t, err, orders.ErrNotFound)
	require.ErrorIs(t, l.Release(ctx, "p-404", 1), orders.ErrNotFound)
}

func TestFailedUnitRollsBackEverything(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()

	// p-1 fits, p-2 does not: the reservation of p-1 must not survive.
	require.NoError(t, s.Carts().RestoreCart(ctx, "u-1", []orders.CartItem{{ProductID: "p-1", Qty: 2}, {ProductID: "p-2", Qty: 11}}))
	_, err := svc.Checkout(ctx, "u-1")
	require.ErrorIs(t, err, orders.ErrInsufficientStock)
	require.Equal(t, 0, product(t, s, "p-1").ReservedStock)

	list, page, err := svc.ListOrders(ctx, orders.ListFilter{})
	require.NoError(t, err)
	require.Empty(t, list)
	require.Equal(t, 0, page.Total)
}

func TestCheckoutPayAndShip(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()

	o, err := svc.Checkout(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, int64(2250), o.TotalCents)
	require.Equal(t, 2, product(t, s, "p-1").ReservedStock)

	got, err := svc.GetOrder(ctx, o.ID, "u-1")
	require.NoError(t, err)
	require.Equal(t, o.Items, got.Items)

	res, err := svc.ProcessPayment(ctx, o.ID, "u-1")
	require.NoError(t, err)
	require.Equal(t, orders.StatusPaid, res.Order.Status)
	p := product(t, s, "p-1")
	require.Equal(t, 3, p.Stock)
	require.Equal(t, 0, p.ReservedStock)

	cart, err := s.Carts().GetCart(ctx, "u-1")
	require.NoError(t, err)
	require.Empty(t, cart)
	pay, err := s.Payments().ByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, res.Payment.TransactionID, pay.TransactionID)

	_, err = svc.ProcessPayment(ctx, o.ID, "u-1")
	require.ErrorIs(t, err, orders.ErrInvalidState)

	_, err = svc.UpdateOrderStatus(ctx, o.ID, "SHIPPED")
	require.NoError(t, err)
	_, err = svc.UpdateOrderStatus(ctx, o.ID, "DELIVERED")
	require.NoError(t, err)
	_, err = svc.UpdateOrderStatus(ctx, o.ID, "CANCELLED")
	require.ErrorIs(t, err, orders.ErrInvalidTransition)
}

func TestConcurrentCheckoutsNeverOversell(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()
	require.NoError(t, s.Carts().RestoreCart(ctx, "a", []orders.CartItem{{ProductID: "p-1", Qty: 3}}))
	require.NoError(t, s.Carts().RestoreCart(ctx, "b", []orders.CartItem{{ProductID: "p-1", Qty: 4}}))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, user := range []string{"a", "b"} {
		i, user := i, user
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Checkout(ctx, user)
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, orders.ErrInsufficientStock)
			failed++
		}
	}
	require.Equal(t, 1, failed)
	require.Contains(t, []int{3, 4}, product(t, s, "p-1").ReservedStock)
}

func TestPaymentRacingCancelHasOneWinner(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()

	o, err := svc.Checkout(ctx, "u-1")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		payErr    error
		cancelErr error
		applied   bool
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, payErr = svc.ProcessPayment(ctx, o.ID, "u-1")
	}()
	go func() {
		defer wg.Done()
		_, applied, cancelErr = svc.CancelOrder(ctx, o.ID)
	}()
	wg.Wait()

	require.NoError(t, cancelErr)
	require.NotEqual(t, payErr == nil, applied)
	require.Equal(t, 0, product(t, s, "p-1").ReservedStock)
}

func TestOrderLockTimesOut(t *testing.T) {
	s := newStore(t)
	svc := newService(t, s)
	ctx := context.Background()
	o, err := svc.Checkout(ctx, "u-1")
	require.NoError(t, err)

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = holder.Rollback(ctx) }()
	_, err = holder.Orders().Lock(ctx, o.ID)
	require.NoError(t, err)

	other, err := s.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = other.Rollback(ctx) }()
	lctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = other.Orders().Lock(lctx, o.ID)
	require.ErrorIs(t, err, orders.ErrLockTimeout)
}

func TestOrderQueries(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	repo := s.Orders()
	base := time.Now().UTC().Truncate(time.Millisecond)

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Minute)
		o := orders.NewOrder(fmt.Sprintf("o-%d", i), "u-1",
			[]orders.OrderItem{{ProductID: "p-2", Qty: 1, PriceCents: 250}}, at, at.Add(15*time.Minute))
		require.NoError(t, repo.Create(ctx, o))
	}
	require.ErrorIs(t, repo.Create(ctx, orders.Order{ID: "o-0", UserID: "u-1", Status: orders.StatusPendingPayment}), orders.ErrInvalidInput)

	require.NoError(t, repo.SetStatus(ctx, "o-1", orders.StatusPendingPayment, orders.StatusPaid, base))
	require.ErrorIs(t, repo.SetStatus(ctx, "o-1", orders.StatusPendingPayment, orders.StatusCancelled, base), orders.ErrStatusConflict)
	require.ErrorIs(t, repo.SetStatus(ctx, "missing", orders.StatusPendingPayment, orders.StatusPaid, base), orders.ErrNotFound)

	list, total, err := repo.List(ctx, orders.ListFilter{UserID: "u-1", Page: 1, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, []string{"o-2", "o-1"}, []string{list[0].ID, list[1].ID})
	require.Len(t, list[0].Items, 1)

	list, total, err = repo.List(ctx, orders.ListFilter{Status: orders.StatusPaid, Page: 1, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "o-1", list[0].ID)

	pending, err := repo.ListPending(ctx, time.Time{})
	require.NoError(t, err)
	require.Equal(t, []string{"o-0", "o-2"}, []string{pending[0].ID, pending[1].ID})
	due, err := repo.ListPending(ctx, base.Add(15*time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestPaymentUniqueness(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()
	o := orders.NewOrder("o-1", "u-1", nil, now, now.Add(time.Minute))
	require.NoError(t, s.Orders().Create(ctx, o))

	require.NoError(t, s.Payments().Create(ctx, orders.Payment{ID: "pay-1", OrderID: "o-1", TransactionID: "TXN-1", Status: orders.PaymentSuccess, CreatedAt: now}))
	err := s.Payments().Create(ctx, orders.Payment{ID: "pay-2", OrderID: "o-1", TransactionID: "TXN-2", Status: orders.PaymentSuccess, CreatedAt: now})
	require.ErrorIs(t, err, orders.ErrInvalidState)
	_, err = s.Payments().ByOrder(ctx, "o-404")
	require.ErrorIs(t, err, orders.ErrNotFound)
}
