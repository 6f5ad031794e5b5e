package orders

import "time"

type Product struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Name          string    `json:"name"`
	PriceCents    int64     `json:"price_cents"`
	Stock         int       `json:"stock"`
	ReservedStock int       `json:"reserved_stock"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available is derived and never persisted.
func (p Product) Available() int { return p.Stock - p.ReservedStock }

type Order struct {
	ID              string      `json:"id"`
	UserID          string      `json:"user_id"`
	Items           []OrderItem `json:"items"`
	TotalCents      int64       `json:"total_cents"`
	Status          Status      `json:"status"` // lihat status.go
	PaymentDeadline time.Time   `json:"payment_deadline"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// OrderItem.PriceCents is the price at purchase, frozen when the order is created.
type OrderItem struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

func (it OrderItem) Subtotal() int64 { return it.PriceCents * int64(it.Qty) }

// NewOrder builds a PENDING_PAYMENT order and fixes its total.
func NewOrder(id, userID string, items []OrderItem, now, deadline time.Time) Order {
	var total int64
	for _, it := range items {
		total += it.Subtotal()
	}
	return Order{
		ID:              id,
		UserID:          userID,
		Items:           items,
		TotalCents:      total,
		Status:          StatusPendingPayment,
		PaymentDeadline: deadline.UTC(),
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

func (o Order) Expired(now time.Time) bool { return now.After(o.PaymentDeadline) }

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

type Payment struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	TransactionID string        `json:"transaction_id"`
	AmountCents   int64         `json:"amount_cents"`
	Status        PaymentStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

type ListFilter struct {
	UserID string // kosong = semua user (admin)
	Status Status // kosong = tanpa filter
	Page   int
	Limit  int
}

// Offset assumes Page and Limit were already normalised.
func (f ListFilter) Offset() int { return (f.Page - 1) * f.Limit }

type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}
