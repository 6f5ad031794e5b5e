package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

const orderColumns = `id, user_id, status, total_cents, payment_deadline, created_at, updated_at`

type orderRepo struct{ db dbtx }

func scanOrder(row pgx.Row) (orders.Order, error) {
	var o orders.Order
	var status string
	err := row.Scan(&o.ID, &o.UserID, &status, &o.TotalCents, &o.PaymentDeadline, &o.CreatedAt, &o.UpdatedAt)
	o.Status = orders.Status(status)
	return o, err
}

func (r orderRepo) Create(ctx context.Context, o orders.Order) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO orders(`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		o.ID, o.UserID, string(o.Status), o.TotalCents, o.PaymentDeadline, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidInput, o.ID)
	}
	if err != nil {
		return err
	}

	if len(o.Items) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for i, it := range o.Items {
		b.Queue(`INSERT INTO order_items(order_id, product_id, line_no, qty, price_cents) VALUES ($1,$2,$3,$4,$5)`,
			o.ID, it.ProductID, i, it.Qty, it.PriceCents)
	}
	return r.db.SendBatch(ctx, b).Close()
}

func (r orderRepo) one(ctx context.Context, query, id string) (orders.Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.OrderNotFound(id)
	}
	if err != nil {
		return orders.Order{}, lockErr(err)
	}
	items, err := r.items(ctx, []string{o.ID})
	if err != nil {
		return orders.Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

func (r orderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

// Lock holds the row lock until the surrounding transaction ends.
func (r orderRepo) Lock(ctx context.Context, id string) (orders.Order, error) {
	return r.one(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1 FOR UPDATE`, id)
}

func (r orderRepo) items(ctx context.Context, ids []string) (map[string][]orders.OrderItem, error) {
	out := make(map[string][]orders.OrderItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT order_id, product_id, qty, price_cents FROM order_items
		WHERE order_id = ANY($1) ORDER BY order_id, line_no`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var orderID string
		var it orders.OrderItem
		if err := rows.Scan(&orderID, &it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		out[orderID] = append(out[orderID], it)
	}
	return out, rows.Err()
}

func (r orderRepo) SetStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) error {
	ct, err := r.db.Exec(ctx, `UPDATE orders SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		id, string(from), string(to), at.UTC())
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return orders.OrderNotFound(id)
	}
	return orders.ErrStatusConflict
}

func (r orderRepo) collect(ctx context.Context, query string, args ...any) ([]orders.Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var (
		out []orders.Order
		ids []string
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	items, err := r.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (r orderRepo) List(ctx context.Context, f orders.ListFilter) ([]orders.Order, int, error) {
	const where = ` WHERE ($1::text = '' OR user_id = $1) AND ($2::text = '' OR status = $2)`
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM orders`+where, f.UserID, string(f.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	list, err := r.collect(ctx, `SELECT `+orderColumns+` FROM orders`+where+`
		ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		f.UserID, string(f.Status), f.Limit, f.Offset())
	return list, total, err
}

func (r orderRepo) ListPending(ctx context.Context, dueBefore time.Time) ([]orders.Order, error) {
	var due *time.Time
	if !dueBefore.IsZero() {
		t := dueBefore.UTC()
		due = &t
	}
	return r.collect(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = $1 AND ($2::timestamptz IS NULL OR payment_deadline <= $2)
		ORDER BY payment_deadline`, string(orders.StatusPendingPayment), due)
}

type paymentRepo struct{ db dbtx }

func (r paymentRepo) Create(ctx context.Context, p orders.Payment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payments(id, order_id, transaction_id, amount_cents, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.OrderID, p.TransactionID, p.AmountCents, string(p.Status), p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: order %s already has a payment", orders.ErrInvalidState, p.OrderID)
	}
	return err
}

func (r paymentRepo) ByOrder(ctx context.Context, orderID string) (orders.Payment, error) {
	var p orders.Payment
	var status string
	err := r.db.QueryRow(ctx, `
		SELECT id, order_id, transaction_id, amount_cents, status, created_at
		FROM payments WHERE order_id=$1`, orderID).
		Scan(&p.ID, &p.OrderID, &p.TransactionID, &p.AmountCents, &status, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Payment{}, &orders.NotFoundError{Kind: "payment", ID: orderID}
	}
	p.Status = orders.PaymentStatus(status)
	return p, err
}

type cartStore struct{ db dbtx }

func (c cartStore) GetCart(ctx context.Context, userID string) ([]orders.CartItem, error) {
	rows, err := c.db.Query(ctx, `SELECT product_id, qty FROM cart_items WHERE user_id=$1 ORDER BY position`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []orders.CartItem
	for rows.Next() {
		var it orders.CartItem
		if err := rows.Scan(&it.ProductID, &it.Qty); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (c cartStore) ClearCart(ctx context.Context, userID string) error {
	_, err := c.db.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1`, userID)
	return err
}

func (c cartStore) RestoreCart(ctx context.Context, userID string, items []orders.CartItem) error {
	return replaceCart(ctx, c.db, userID, items)
}

func replaceCart(ctx context.Context, db dbtx, userID string, items []orders.CartItem) error {
	b := &pgx.Batch{}
	b.Queue(`DELETE FROM cart_items WHERE user_id=$1`, userID)
	for i, it := range items {
		b.Queue(`INSERT INTO cart_items(user_id, position, product_id, qty) VALUES ($1,$2,$3,$4)`,
			userID, i, it.ProductID, it.Qty)
	}
	return db.SendBatch(ctx, b).Close()
}
