package redisx

import "time"

const (
	// product:{id} -> hash sku, name, price_cents, stock, reserved_stock, created_at, updated_at
	KeyProduct  = "product:%s"
	KeyProducts = "products"

	// order:{id} -> hash data (json), status, updated_at
	KeyOrder        = "order:%s"
	KeyOrdersAll    = "orders:all"
	KeyOrdersByUser = "orders:user:%s"
	// orders:pending -> zset order_id scored by payment deadline (unix ms)
	KeyOrdersPending = "orders:pending"
	KeyOrderLock     = "lock:order:%s"

	KeyPayment    = "payment:%s"
	KeyPaymentTxn = "payment:txn:%s"
	KeyCart       = "cart:%s"
	KeyUser       = "user:%s"

	// journal:{id} -> hash kind, order_id, started_at; journal:{id}:comps -> list of json
	KeyIntent      = "journal:%s"
	KeyIntentComps = "journal:%s:comps"
	KeyIntentIndex = "journal:index"

	// Idempotency checkout: idem:checkout:{user_id}:{key} -> order_id
	KeyIdemCheckout = "idem:checkout:%s:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"
	// order_status:{order_id}:gen -> counter bumped on every invalidation
	KeyOrderStatusGen = "order_status:%s:gen"

	// Dedup event processing: dedup:{service}:{id} (id = event_id)
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLStatusGen   = time.Hour
	TTLDedup       = 48 * time.Hour
	TTLOrderLock   = 30 * time.Second
)
