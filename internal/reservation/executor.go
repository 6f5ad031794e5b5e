package reservation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

type Mode string

const (
	ModeAuto          Mode = "auto"
	ModeTransactional Mode = "transactional"
	ModeSequential    Mode = "sequential"
)

func ParseMode(v string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(v))); m {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeTransactional, ModeSequential:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown reservation mode %q", orders.ErrInvalidInput, v)
	}
}

type Operation struct {
	Kind    orders.OpKind
	OrderID string
}

// Undo collects the compensation of every side effect a unit of work has applied.
// In transactional mode nothing is recorded; the rollback covers it.
type Undo struct {
	record func(ctx context.Context, c orders.Compensation) error
	steps  []orders.Compensation
}

// Push must be called right after the side effect it undoes succeeded.
func (u *Undo) Push(ctx context.Context, c orders.Compensation) error {
	if u == nil || u.record == nil {
		return nil
	}
	u.steps = append(u.steps, c)
	return u.record(ctx, c)
}

type Work func(ctx context.Context, u orders.Unit, undo *Undo) error

// Executor runs a Work as one all-or-nothing unit.
type Executor interface {
	Mode() Mode
	Run(ctx context.Context, op Operation, work Work) error
}

// NewExecutor picks the strategy for the backend. ModeAuto follows the backend's
// capabilities.
func NewExecutor(mode Mode, backend orders.Backend, journal orders.Journal, log *zap.Logger) (Executor, error) {
	if backend == nil {
		return nil, errors.New("reservation executor: backend is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	caps := backend.Capabilities()
	if mode == ModeAuto {
		mode = ModeSequential
		if caps.Transactions {
			mode = ModeTransactional
		}
	}
	switch mode {
	case ModeTransactional:
		if !caps.Transactions {
			return nil, errors.New("reservation executor: backend does not support multi-document transactions")
		}
		return &TxExecutor{backend: backend}, nil
	case ModeSequential:
		if caps.Transactions {
			return nil, errors.New("reservation executor: backend runs units in transactions, use transactional mode")
		}
		if journal == nil {
			return nil, errors.New("reservation executor: sequential mode requires a journal")
		}
		log.Warn("running in sequential mode: units of work are approximated with compensating actions")
		return &SequentialExecutor{backend: backend, journal: journal, log: log, clock: time.Now, newID: uuid.NewString}, nil
	default:
		return nil, fmt.Errorf("reservation executor: unsupported mode %q", mode)
	}
}

type TxExecutor struct {
	backend orders.Backend
}

func (e *TxExecutor) Mode() Mode { return ModeTransactional }

func (e *TxExecutor) Run(ctx context.Context, op Operation, work Work) (err error) {
	tx, err := e.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op.Kind, err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(r)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = work(ctx, tx, &Undo{}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s: %w", op.Kind, err)
	}
	return nil
}

// SequentialExecutor is the weaker mode for backends that are only atomic per
// document. Every side effect is followed by a journaled compensation; on failure
// they are applied in reverse order. A crash between a side effect and its journal
// record can still leak that one step; Reconciler.Audit reports such drift.
type SequentialExecutor struct {
	backend orders.Backend
	journal orders.Journal
	log     *zap.Logger
	clock   func() time.Time
	newID   func() string
}

func (e *SequentialExecutor) Mode() Mode { return ModeSequential }

func (e *SequentialExecutor) Run(ctx context.Context, op Operation, work Work) error {
	tx, err := e.backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin %s: %w", op.Kind, err)
	}
	intent := orders.Intent{
		ID:        e.newID(),
		Kind:      op.Kind,
		OrderID:   op.OrderID,
		StartedAt: e.clock().UTC(),
	}
	if err := e.journal.Open(ctx, intent); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("open journal intent: %w", err)
	}
	undo := &Undo{record: func(ctx context.Context, c orders.Compensation) error {
		return e.journal.Record(ctx, intent.ID, c)
	}}

	werr := e.runWork(ctx, tx, undo, work)
	if werr == nil {
		if err := tx.Commit(ctx); err != nil {
			// Order locks now wait out their TTL; the status CAS still guards the rows.
			e.log.Warn("release unit locks", zap.String("op", string(op.Kind)), zap.String("order_id", op.OrderID), zap.Error(err))
		}
		if err := e.journal.Close(ctx, intent.ID); err != nil {
			// Recover sees the commit point and only closes it.
			e.log.Warn("close journal intent", zap.String("intent_id", intent.ID), zap.Error(err))
		}
		return nil
	}

	cctx := context.WithoutCancel(ctx)
	remaining, err := Compensate(cctx, tx, undo.steps, e.clock())
	if err != nil {
		// The intent keeps only the steps still owed.
		if rerr := e.journal.Replace(cctx, intent.ID, remaining); rerr != nil {
			e.log.Error("rewrite journal intent", zap.String("intent_id", intent.ID), zap.Error(rerr))
		}
		e.log.Error("compensation failed, intent left for reconciler",
			zap.String("intent_id", intent.ID),
			zap.String("op", string(op.Kind)),
			zap.String("order_id", op.OrderID),
			zap.Int("pending_steps", len(remaining)),
			zap.Error(err))
	} else if err := e.journal.Close(cctx, intent.ID); err != nil {
		e.log.Warn("close journal intent", zap.String("intent_id", intent.ID), zap.Error(err))
	}
	if err := tx.Rollback(cctx); err != nil {
		e.log.Warn("release unit locks", zap.String("op", string(op.Kind)), zap.String("order_id", op.OrderID), zap.Error(err))
	}
	return werr
}

func (e *SequentialExecutor) runWork(ctx context.Context, tx orders.Tx, undo *Undo, work Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in unit of work: %v", r)
		}
	}()
	return work(ctx, tx, undo)
}

// Compensate applies steps in reverse order. It keeps going after a failed step
// and returns every failure joined, together with the steps that were not
// applied, in their original order.
func Compensate(ctx context.Context, u orders.Unit, steps []orders.Compensation, now time.Time) ([]orders.Compensation, error) {
	var (
		errs   []error
		failed []orders.Compensation
	)
	for i := len(steps) - 1; i >= 0; i-- {
		if err := apply(ctx, u, steps[i], now); err != nil {
			errs = append(errs, fmt.Errorf("%s %s%s: %w", steps[i].Kind, steps[i].ProductID, steps[i].OrderID, err))
			failed = append(failed, steps[i])
		}
	}
	slices.Reverse(failed)
	return failed, errors.Join(errs...)
}

func apply(ctx context.Context, u orders.Unit, c orders.Compensation, now time.Time) error {
	switch c.Kind {
	case orders.CompRelease:
		return u.Ledger().Release(ctx, c.ProductID, c.Qty)
	case orders.CompRevert:
		return u.Ledger().Revert(ctx, c.ProductID, c.Qty)
	case orders.CompReserve:
		_, err := u.Ledger().Reserve(ctx, c.ProductID, c.Qty)
		return err
	case orders.CompStatus:
		return u.Orders().SetStatus(ctx, c.OrderID, c.From, c.To, now)
	case orders.CompCart:
		return u.Carts().RestoreCart(ctx, c.UserID, c.Items)
	default:
		return fmt.Errorf("%w: unknown compensation %q", orders.ErrInvalidInput, c.Kind)
	}
}
