package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

const productColumns = `id, sku, name, price_cents, stock, reserved_stock, created_at, updated_at`

type ledger struct{ db dbtx }

func scanProduct(row pgx.Row) (orders.Product, error) {
	var p orders.Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.PriceCents, &p.Stock, &p.ReservedStock, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (l ledger) Product(ctx context.Context, id string) (orders.Product, error) {
	p, err := scanProduct(l.db.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Product{}, orders.ProductNotFound(id)
	}
	return p, err
}

func (l ledger) List(ctx context.Context) ([]orders.Product, error) {
	rows, err := l.db.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// mutate locks the product row, lets fn check and change the counters, then
// writes them back. It runs in a savepoint when db is already a transaction.
func (l ledger) mutate(ctx context.Context, id string, fn func(p *orders.Product) error) (orders.Product, error) {
	var out orders.Product
	err := pgx.BeginFunc(ctx, l.db, func(t pgx.Tx) error {
		p, err := scanProduct(t.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return orders.ProductNotFound(id)
		}
		if err != nil {
			return lockErr(err)
		}
		if err := fn(&p); err != nil {
			return err
		}
		err = t.QueryRow(ctx, `
			UPDATE products SET stock=$2, reserved_stock=$3, updated_at=now()
			WHERE id=$1 RETURNING updated_at`, id, p.Stock, p.ReservedStock).Scan(&p.UpdatedAt)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (l ledger) Reserve(ctx context.Context, productID string, qty int) (orders.Product, error) {
	return l.mutate(ctx, productID, func(p *orders.Product) error {
		if p.Available() < qty {
			return &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: p.Available()}
		}
		p.ReservedStock += qty
		return nil
	})
}

func (l ledger) Commit(ctx context.Context, productID string, qty int) error {
	_, err := l.mutate(ctx, productID, func(p *orders.Product) error {
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
	ct, err := l.db.Exec(ctx, `
		UPDATE products SET reserved_stock = GREATEST(reserved_stock - $2, 0), updated_at = now()
		WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.ProductNotFound(productID)
	}
	return nil
}

func (l ledger) Revert(ctx context.Context, productID string, qty int) error {
	ct, err := l.db.Exec(ctx, `
		UPDATE products SET stock = stock + $2, reserved_stock = reserved_stock + $2, updated_at = now()
		WHERE id=$1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return orders.ProductNotFound(productID)
	}
	return nil
}
