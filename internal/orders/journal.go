package orders

import "time"

type OpKind string

const (
	OpCheckout OpKind = "checkout"
	OpPayment  OpKind = "payment"
	OpCancel   OpKind = "cancel"
	OpAdmin    OpKind = "admin"
)

type CompensationKind string

const (
	CompRelease CompensationKind = "release"
	CompRevert  CompensationKind = "revert"
	CompReserve CompensationKind = "reserve"
	CompStatus  CompensationKind = "status"
	CompCart    CompensationKind = "cart"
)

// Compensation is the undo of one side effect, stored as data so a recovery
// sweep in another process can apply it.
type Compensation struct {
	Kind      CompensationKind `json:"kind"`
	ProductID string           `json:"product_id,omitempty"`
	Qty       int              `json:"qty,omitempty"`
	OrderID   string           `json:"order_id,omitempty"`
	From      Status           `json:"from,omitempty"`
	To        Status           `json:"to,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
	Items     []CartItem       `json:"items,omitempty"`
}

type Intent struct {
	ID            string         `json:"id"`
	Kind          OpKind         `json:"kind"`
	OrderID       string         `json:"order_id"`
	Compensations []Compensation `json:"compensations"`
	StartedAt     time.Time      `json:"started_at"`
}
