package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

func (s *Store) Capabilities() orders.Capabilities {
	return orders.Capabilities{Transactions: true}
}

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) {
	t, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &tx{t: t}, nil
}

func (s *Store) Ledger() orders.Ledger        { return ledger{db: s.pool} }
func (s *Store) Orders() orders.OrderRepo     { return orderRepo{db: s.pool} }
func (s *Store) Payments() orders.PaymentRepo { return paymentRepo{db: s.pool} }
func (s *Store) Carts() orders.CartStore      { return cartStore{db: s.pool} }

func (s *Store) UserEmail(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx, `SELECT email FROM users WHERE id=$1`, userID).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", &orders.NotFoundError{Kind: "user", ID: userID}
	}
	return email, err
}

// Apply upserts seed data.
func (s *Store) Apply(ctx context.Context, seed orders.Seed) error {
	return pgx.BeginFunc(ctx, s.pool, func(t pgx.Tx) error {
		b := &pgx.Batch{}
		for _, p := range seed.Products {
			b.Queue(`
				INSERT INTO products(id, sku, name, price_cents, stock, reserved_stock)
				VALUES ($1,$2,$3,$4,$5,$6)
				ON CONFLICT (id) DO UPDATE SET sku=EXCLUDED.sku, name=EXCLUDED.name,
					price_cents=EXCLUDED.price_cents, stock=EXCLUDED.stock,
					reserved_stock=EXCLUDED.reserved_stock, updated_at=now()`,
				p.ID, p.SKU, p.Name, p.PriceCents, p.Stock, p.ReservedStock)
		}
		for id, email := range seed.Users {
			b.Queue(`INSERT INTO users(id, email) VALUES ($1,$2) ON CONFLICT (id) DO UPDATE SET email=EXCLUDED.email`, id, email)
		}
		if err := t.SendBatch(ctx, b).Close(); err != nil {
			return err
		}
		for user, items := range seed.Carts {
			if err := replaceCart(ctx, t, user, items); err != nil {
				return err
			}
		}
		return nil
	})
}

type tx struct {
	t pgx.Tx
}

func (x *tx) Ledger() orders.Ledger        { return ledger{db: x.t} }
func (x *tx) Orders() orders.OrderRepo     { return orderRepo{db: x.t} }
func (x *tx) Payments() orders.PaymentRepo { return paymentRepo{db: x.t} }
func (x *tx) Carts() orders.CartStore      { return cartStore{db: x.t} }

func (x *tx) Commit(ctx context.Context) error { return x.t.Commit(ctx) }

func (x *tx) Rollback(ctx context.Context) error {
	if err := x.t.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func lockErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return orders.ErrLockTimeout
	}
	var pgErr *pgconn.PgError
	// lock_not_available
	if errors.As(err, &pgErr) && pgErr.Code == "55P03" {
		return orders.ErrLockTimeout
	}
	return err
}
