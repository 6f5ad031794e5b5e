package orders

import (
	"context"
	"time"
)

// Ledger owns the (stock, reserved_stock) pair of every product. Each method is a
// single atomic read-check-write on one product.
type Ledger interface {
	Product(ctx context.Context, id string) (Product, error)
	List(ctx context.Context) ([]Product, error)
	// Reserve returns the product as it is after the reservation, so callers can
	// snapshot the price read under the same atomic step.
	Reserve(ctx context.Context, productID string, qty int) (Product, error)
	Commit(ctx context.Context, productID string, qty int) error
	// Release is clamped at zero.
	Release(ctx context.Context, productID string, qty int) error
	// Revert undoes a Commit. Only compensation uses it.
	Revert(ctx context.Context, productID string, qty int) error
}

type OrderRepo interface {
	Create(ctx context.Context, o Order) error
	Get(ctx context.Context, id string) (Order, error)
	// Lock takes the per-order guard for the rest of the unit of work and returns
	// the order as seen under that guard.
	Lock(ctx context.Context, id string) (Order, error)
	SetStatus(ctx context.Context, id string, from, to Status, at time.Time) error
	List(ctx context.Context, f ListFilter) ([]Order, int, error)
	// ListPending returns PENDING_PAYMENT orders with a deadline at or before dueBefore,
	// ordered by deadline. A zero dueBefore returns all of them.
	ListPending(ctx context.Context, dueBefore time.Time) ([]Order, error)
}

type PaymentRepo interface {
	Create(ctx context.Context, p Payment) error
	ByOrder(ctx context.Context, orderID string) (Payment, error)
}

// CartStore is the read side of the external cart plus the clear instruction.
type CartStore interface {
	GetCart(ctx context.Context, userID string) ([]CartItem, error)
	ClearCart(ctx context.Context, userID string) error
	RestoreCart(ctx context.Context, userID string, items []CartItem) error
}

type Directory interface {
	UserEmail(ctx context.Context, userID string) (string, error)
}

type Unit interface {
	Ledger() Ledger
	Orders() OrderRepo
	Payments() PaymentRepo
	Carts() CartStore
}

type Tx interface {
	Unit
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Capabilities struct {
	// Transactions reports multi-document atomic transactions.
	Transactions bool
}

// Backend is a store. Its Unit methods are autocommit and meant for reads; writes go
// through Begin.
type Backend interface {
	Unit
	Directory
	Capabilities() Capabilities
	Begin(ctx context.Context) (Tx, error)
}

// Journal is the durable pending-operation log used when the backend cannot run
// multi-document transactions.
type Journal interface {
	Open(ctx context.Context, in Intent) error
	Record(ctx context.Context, intentID string, c Compensation) error
	// Replace swaps the recorded compensations for the ones still to be applied.
	Replace(ctx context.Context, intentID string, remaining []Compensation) error
	Close(ctx context.Context, intentID string) error
	Stale(ctx context.Context, startedBefore time.Time) ([]Intent, error)
}
