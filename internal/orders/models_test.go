package orders

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewOrderFixesTotal(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	o := NewOrder("o-1", "u-1", []OrderItem{
		{ProductID: "p-1", Qty: 2, PriceCents: 1500},
		{ProductID: "p-2", Qty: 1, PriceCents: 250},
	}, now, now.Add(15*time.Minute))

	require.Equal(t, int64(3250), o.TotalCents)
	require.Equal(t, StatusPendingPayment, o.Status)
	require.False(t, o.Expired(now.Add(15*time.Minute)))
	require.True(t, o.Expired(now.Add(15*time.Minute+time.Nanosecond)))
}

func TestNewPagination(t *testing.T) {
	require.Equal(t, Pagination{Page: 2, Limit: 10, Total: 21, TotalPages: 3}, NewPagination(2, 10, 21))
	require.Equal(t, 0, NewPagination(1, 10, 0).TotalPages)
	require.Equal(t, 10, ListFilter{Page: 2, Limit: 10}.Offset())
}

func TestErrorsMatchSentinels(t *testing.T) {
	require.ErrorIs(t, ProductNotFound("p"), ErrNotFound)
	require.ErrorIs(t, &InsufficientStockError{ProductID: "p", Requested: 3, Available: 1}, ErrInsufficientStock)
	require.ErrorIs(t, &StateError{OrderID: "o", Status: StatusPaid}, ErrInvalidState)
	require.ErrorIs(t, &DeadlineError{OrderID: "o"}, ErrDeadlineExpired)
	require.ErrorIs(t, &InvariantError{Op: "commit"}, ErrInvariantViolation)
}

func TestDecodeSeed(t *testing.T) {
	s, err := DecodeSeed(strings.NewReader(`{
		"products": [{"id": "p-1", "sku": "SKU-1", "name": "Mug", "price_cents": 900, "stock": 5}],
		"carts": {"u-1": [{"product_id": "p-1", "qty": 2}]},
		"users": {"u-1": "u1@example.com"}
	}`))
	require.NoError(t, err)
	require.Len(t, s.Products, 1)
	require.Equal(t, 2, s.Carts["u-1"][0].Qty)

	_, err = DecodeSeed(strings.NewReader(`{"products": [{"id": "p-1", "stock": 1, "reserved_stock": 2}]}`))
	require.ErrorIs(t, err, ErrInvalidInput)
}
