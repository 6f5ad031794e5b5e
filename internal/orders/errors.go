package orders

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidState       = errors.New("invalid order state")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrDeadlineExpired    = errors.New("payment deadline expired")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrInvariantViolation = errors.New("stock invariant violation")
	ErrInvalidInput       = errors.New("invalid input")

	// ErrStatusConflict is returned by OrderRepo.SetStatus when the stored status
	// no longer matches the expected source status.
	ErrStatusConflict = errors.New("order status changed concurrently")
	// ErrLockTimeout means the per-order guard could not be taken before ctx ended.
	ErrLockTimeout = errors.New("order is locked by another operation")
)

type NotFoundError struct {
	Kind string // "product" | "order" | "payment"
	ID   string
}

func (e *NotFoundError) Error() string        { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func ProductNotFound(id string) error { return &NotFoundError{Kind: "product", ID: id} }
func OrderNotFound(id string) error   { return &NotFoundError{Kind: "order", ID: id} }

// InsufficientStockError carries enough detail for the caller to retry with less.
type InsufficientStockError struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type StateError struct {
	OrderID string
	Status  Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("order %s is %s, expected %s", e.OrderID, e.Status, StatusPendingPayment)
}
func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

type DeadlineError struct {
	OrderID  string
	Deadline time.Time
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("order %s payment deadline %s has passed", e.OrderID, e.Deadline.Format(time.RFC3339))
}
func (e *DeadlineError) Is(target error) bool { return target == ErrDeadlineExpired }

// InvariantError signals a reserve/commit mismatch. It is never caused by user input.
type InvariantError struct {
	Op        string
	ProductID string
	Qty       int
	Stock     int
	Reserved  int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s product %s qty %d would break counters (stock=%d reserved=%d)", e.Op, e.ProductID, e.Qty, e.Stock, e.Reserved)
}
func (e *InvariantError) Is(target error) bool { return target == ErrInvariantViolation }
