package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

const DefaultJournalLease = time.Minute

// Reconciler finishes journal intents left open by a crashed or failed
// sequential unit of work and reports reserved-stock drift.
type Reconciler struct {
	backend orders.Backend
	journal orders.Journal
	lease   time.Duration
	log     *zap.Logger
	clock   func() time.Time
}

type Drift struct {
	ProductID string `json:"product_id"`
	Expected  int    `json:"expected"`
	Actual    int    `json:"actual"`
}

type RecoverReport struct {
	Closed      int `json:"closed"`
	Compensated int `json:"compensated"`
	Failed      int `json:"failed"`
}

func NewReconciler(backend orders.Backend, journal orders.Journal, lease time.Duration, log *zap.Logger) *Reconciler {
	if lease <= 0 {
		lease = DefaultJournalLease
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{backend: backend, journal: journal, lease: lease, log: log, clock: time.Now}
}

// Recover handles every intent older than the lease. An intent whose commit
// point was reached is closed; any other one is compensated, then closed.
func (r *Reconciler) Recover(ctx context.Context) (RecoverReport, error) {
	var rep RecoverReport
	if r.journal == nil {
		return rep, nil
	}
	stale, err := r.journal.Stale(ctx, r.clock().Add(-r.lease))
	if err != nil {
		return rep, fmt.Errorf("list stale intents: %w", err)
	}
	for _, in := range stale {
		compensated, err := r.recoverOne(ctx, in)
		switch {
		case err != nil:
			rep.Failed++
			r.log.Error("recover intent",
				zap.String("intent_id", in.ID),
				zap.String("op", string(in.Kind)),
				zap.String("order_id", in.OrderID),
				zap.Error(err))
		case compensated:
			rep.Compensated++
		default:
			rep.Closed++
		}
	}
	if len(stale) > 0 {
		r.log.Info("journal recovery done",
			zap.Int("closed", rep.Closed),
			zap.Int("compensated", rep.Compensated),
			zap.Int("failed", rep.Failed))
	}
	return rep, nil
}

func (r *Reconciler) recoverOne(ctx context.Context, in orders.Intent) (bool, error) {
	tx, err := r.backend.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if in.OrderID != "" {
		if _, err := tx.Orders().Lock(ctx, in.OrderID); err != nil && !errors.Is(err, orders.ErrNotFound) {
			return false, err
		}
	}
	done, err := r.committed(ctx, tx, in)
	if err != nil {
		return false, err
	}
	if !done {
		remaining, err := Compensate(ctx, tx, in.Compensations, r.clock())
		if err != nil {
			// Keep only what is still owed.
			if rerr := r.journal.Replace(context.WithoutCancel(ctx), in.ID, remaining); rerr != nil {
				return false, errors.Join(err, fmt.Errorf("rewrite intent: %w", rerr))
			}
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	if err := r.journal.Close(ctx, in.ID); err != nil {
		return false, fmt.Errorf("close intent: %w", err)
	}
	if !done {
		r.log.Warn("intent compensated",
			zap.String("intent_id", in.ID),
			zap.String("op", string(in.Kind)),
			zap.String("order_id", in.OrderID),
			zap.Int("steps", len(in.Compensations)))
	}
	return !done, nil
}

func (r *Reconciler) committed(ctx context.Context, u orders.Unit, in orders.Intent) (bool, error) {
	if len(in.Compensations) == 0 {
		return true, nil
	}
	switch in.Kind {
	case orders.OpCheckout:
		_, err := u.Orders().Get(ctx, in.OrderID)
		return found(err)
	case orders.OpPayment:
		_, err := u.Payments().ByOrder(ctx, in.OrderID)
		return found(err)
	case orders.OpCancel, orders.OpAdmin:
		o, err := u.Orders().Get(ctx, in.OrderID)
		if errors.Is(err, orders.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return o.Status == orders.StatusCancelled, nil
	default:
		return false, fmt.Errorf("%w: unknown intent kind %q", orders.ErrInvalidInput, in.Kind)
	}
}

func found(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, orders.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Audit compares every product's reserved counter with the units held by
// PENDING_PAYMENT orders. It never mutates.
func (r *Reconciler) Audit(ctx context.Context) ([]Drift, error) {
	products, err := r.backend.Ledger().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	pending, err := r.backend.Orders().ListPending(ctx, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	expected := map[string]int{}
	for _, o := range pending {
		for _, it := range o.Items {
			expected[it.ProductID] += it.Qty
		}
	}

	var drift []Drift
	for _, p := range products {
		if p.ReservedStock == expected[p.ID] {
			continue
		}
		d := Drift{ProductID: p.ID, Expected: expected[p.ID], Actual: p.ReservedStock}
		drift = append(drift, d)
		r.log.Warn("reserved stock drift",
			zap.String("product_id", d.ProductID),
			zap.Int("expected", d.Expected),
			zap.Int("actual", d.Actual),
			zap.Int("reserved_drift", d.Actual-d.Expected))
	}
	sort.Slice(drift, func(i, j int) bool { return drift[i].ProductID < drift[j].ProductID })
	return drift, nil
}

// Run recovers and audits on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := r.Recover(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("reconcile", zap.Error(err))
			}
			if _, err := r.Audit(ctx); err != nil && ctx.Err() == nil {
				r.log.Error("audit", zap.Error(err))
			}
		}
	}
}
