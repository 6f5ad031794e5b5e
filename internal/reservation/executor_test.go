package reservation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ariefcatur/go-order-reservations/internal/memstore"
	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

// txBackend pretends to be transactional and counts how units end.
type txBackend struct {
	*memstore.Store
	commits   atomic.Int32
	rollbacks atomic.Int32
}

func (b *txBackend) Capabilities() orders.Capabilities {
	return orders.Capabilities{Transactions: true}
}

func (b *txBackend) Begin(ctx context.Context) (orders.Tx, error) {
	inner, err := b.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &countingTx{Tx: inner, b: b}, nil
}

type countingTx struct {
	orders.Tx
	b *txBackend
}

func (t *countingTx) Commit(ctx context.Context) error {
	t.b.commits.Add(1)
	return t.Tx.Commit(ctx)
}

func (t *countingTx) Rollback(ctx context.Context) error {
	t.b.rollbacks.Add(1)
	return t.Tx.Rollback(ctx)
}

func seededStore() *memstore.Store {
	s := memstore.New()
	s.PutProduct(orders.Product{ID: "p-1", SKU: "SKU-1", PriceCents: 1000, Stock: 5})
	s.PutProduct(orders.Product{ID: "p-2", SKU: "SKU-2", PriceCents: 250, Stock: 10})
	return s
}

func reserved(t *testing.T, s *memstore.Store, id string) int {
	t.Helper()
	p, err := s.Ledger().Product(context.Background(), id)
	require.NoError(t, err)
	return p.ReservedStock
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":               ModeAuto,
		"auto":           ModeAuto,
		" Sequential ":   ModeSequential,
		"TRANSACTIONAL":  ModeTransactional,
		"transactional ": ModeTransactional,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseMode("saga")
	require.ErrorIs(t, err, orders.ErrInvalidInput)
}

func TestNewExecutorPicksModeFromCapabilities(t *testing.T) {
	mem := seededStore()
	tb := &txBackend{Store: seededStore()}

	exec, err := NewExecutor(ModeAuto, mem, mem.Journal(), nil)
	require.NoError(t, err)
	require.Equal(t, ModeSequential, exec.Mode())

	exec, err = NewExecutor(ModeAuto, tb, nil, nil)
	require.NoError(t, err)
	require.Equal(t, ModeTransactional, exec.Mode())

	_, err = NewExecutor(ModeTransactional, mem, mem.Journal(), nil)
	require.Error(t, err)
	_, err = NewExecutor(ModeSequential, mem, nil, nil)
	require.Error(t, err)
	_, err = NewExecutor(ModeSequential, tb, mem.Journal(), nil)
	require.Error(t, err)
	_, err = NewExecutor(ModeAuto, nil, nil, nil)
	require.Error(t, err)
}

func TestTxExecutorCommitsOrRollsBack(t *testing.T) {
	tb := &txBackend{Store: seededStore()}
	exec, err := NewExecutor(ModeTransactional, tb, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	err = exec.Run(ctx, Operation{Kind: orders.OpCheckout}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		_, err := u.Ledger().Reserve(ctx, "p-1", 1)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, int32(1), tb.commits.Load())
	require.Equal(t, int32(0), tb.rollbacks.Load())

	boom := errors.New("boom")
	err = exec.Run(ctx, Operation{Kind: orders.OpCheckout}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		// Nothing is journaled in transactional mode.
		require.NoError(t, undo.Push(ctx, orders.Compensation{Kind: orders.CompRelease, ProductID: "p-1", Qty: 1}))
		require.Empty(t, undo.steps)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), tb.commits.Load())
	require.Equal(t, int32(1), tb.rollbacks.Load())
}

func TestTxExecutorRollsBackOnPanic(t *testing.T) {
	tb := &txBackend{Store: seededStore()}
	exec, err := NewExecutor(ModeTransactional, tb, nil, nil)
	require.NoError(t, err)

	require.Panics(t, func() {
		_ = exec.Run(context.Background(), Operation{Kind: orders.OpAdmin}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
			panic("kaboom")
		})
	})
	require.Equal(t, int32(1), tb.rollbacks.Load())
	require.Equal(t, int32(0), tb.commits.Load())
}

func TestSequentialExecutorCompensatesInReverse(t *testing.T) {
	s := seededStore()
	exec, err := NewExecutor(ModeSequential, s, s.Journal(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	boom := errors.New("boom")
	err = exec.Run(ctx, Operation{Kind: orders.OpCheckout, OrderID: "o-1"}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		for _, id := range []string{"p-1", "p-2"} {
			if _, err := u.Ledger().Reserve(ctx, id, 2); err != nil {
				return err
			}
			if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompRelease, ProductID: id, Qty: 2}); err != nil {
				return err
			}
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, reserved(t, s, "p-1"))
	require.Equal(t, 0, reserved(t, s, "p-2"))

	open, err := s.Journal().Stale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestSequentialExecutorRecoversPanic(t *testing.T) {
	s := seededStore()
	exec, err := NewExecutor(ModeSequential, s, s.Journal(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = exec.Run(ctx, Operation{Kind: orders.OpCheckout, OrderID: "o-1"}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		if _, err := u.Ledger().Reserve(ctx, "p-1", 3); err != nil {
			return err
		}
		if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompRelease, ProductID: "p-1", Qty: 3}); err != nil {
			return err
		}
		panic("kaboom")
	})
	require.ErrorContains(t, err, "panic")
	require.Equal(t, 0, reserved(t, s, "p-1"))
}

func TestSequentialExecutorLeavesIntentWhenCompensationFails(t *testing.T) {
	s := seededStore()
	exec, err := NewExecutor(ModeSequential, s, s.Journal(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	boom := errors.New("boom")
	err = exec.Run(ctx, Operation{Kind: orders.OpAdmin, OrderID: "ghost"}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompStatus, OrderID: "ghost", From: orders.StatusPaid, To: orders.StatusPendingPayment}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	open, err := s.Journal().Stale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, orders.OpAdmin, open[0].Kind)
	require.Equal(t, "ghost", open[0].OrderID)
	require.Len(t, open[0].Compensations, 1)
}

func TestCompensateKeepsGoingAfterFailure(t *testing.T) {
	s := seededStore()
	ctx := context.Background()
	_, err := s.Ledger().Reserve(ctx, "p-1", 2)
	require.NoError(t, err)

	remaining, err := Compensate(ctx, s, []orders.Compensation{
		{Kind: orders.CompRelease, ProductID: "p-1", Qty: 2},
		{Kind: orders.CompRelease, ProductID: "p-404", Qty: 1},
	}, time.Now())
	require.ErrorIs(t, err, orders.ErrNotFound)
	require.Equal(t, []orders.Compensation{{Kind: orders.CompRelease, ProductID: "p-404", Qty: 1}}, remaining)
	require.Equal(t, 0, reserved(t, s, "p-1"))

	remaining, err = Compensate(ctx, s, nil, time.Now())
	require.NoError(t, err)
	require.Empty(t, remaining)
}

// flakyBackend fails the first Release calls on one product and, optionally,
// every unit Commit.
type flakyBackend struct {
	*memstore.Store
	product   string
	failures  atomic.Int32
	commitErr error
}

func (b *flakyBackend) Begin(ctx context.Context) (orders.Tx, error) {
	inner, err := b.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: inner, b: b}, nil
}

type flakyTx struct {
	orders.Tx
	b *flakyBackend
}

func (t *flakyTx) Ledger() orders.Ledger { return flakyLedger{Ledger: t.Tx.Ledger(), b: t.b} }

func (t *flakyTx) Commit(ctx context.Context) error {
	if err := t.Tx.Commit(ctx); err != nil {
		return err
	}
	return t.b.commitErr
}

type flakyLedger struct {
	orders.Ledger
	b *flakyBackend
}

func (l flakyLedger) Release(ctx context.Context, productID string, qty int) error {
	if productID == l.b.product && l.b.failures.Add(-1) >= 0 {
		return errors.New("ledger unavailable")
	}
	return l.Ledger.Release(ctx, productID, qty)
}

func TestSequentialExecutorJournalsOnlyUnappliedSteps(t *testing.T) {
	b := &flakyBackend{Store: seededStore(), product: "p-1"}
	b.failures.Store(1)
	exec, err := NewExecutor(ModeSequential, b, b.Journal(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = exec.Run(ctx, Operation{Kind: orders.OpCheckout, OrderID: "o-1"}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		for _, id := range []string{"p-1", "p-2"} {
			if _, err := u.Ledger().Reserve(ctx, id, 2); err != nil {
				return err
			}
			if err := undo.Push(ctx, orders.Compensation{Kind: orders.CompRelease, ProductID: id, Qty: 2}); err != nil {
				return err
			}
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 2, reserved(t, b.Store, "p-1"))
	require.Equal(t, 0, reserved(t, b.Store, "p-2"))

	open, err := b.Journal().Stale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, []orders.Compensation{{Kind: orders.CompRelease, ProductID: "p-1", Qty: 2}}, open[0].Compensations)
}

func TestSequentialExecutorLogsFailedLockRelease(t *testing.T) {
	b := &flakyBackend{Store: seededStore(), commitErr: errors.New("unlock failed")}
	core, logs := observer.New(zapcore.WarnLevel)
	exec, err := NewExecutor(ModeSequential, b, b.Journal(), zap.New(core))
	require.NoError(t, err)
	ctx := context.Background()

	err = exec.Run(ctx, Operation{Kind: orders.OpPayment, OrderID: "o-1"}, func(ctx context.Context, u orders.Unit, undo *Undo) error {
		return nil
	})
	require.NoError(t, err)
	entries := logs.FilterMessage("release unit locks").All()
	require.Len(t, entries, 1)
	require.Equal(t, "o-1", entries[0].ContextMap()["order_id"])

	open, err := b.Journal().Stale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, open)
}
