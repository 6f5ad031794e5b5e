package redisx

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

// Reply codes of the ledger scripts.
const (
	codeNotFound     = -1
	codeInsufficient = 0
	codeOK           = 1
	codeInvariant    = -2
)

// Every script returns {code, stock, reserved}.
var (
	reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0, 0} end
local stock = tonumber(redis.call('HGET', KEYS[1], 'stock'))
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved_stock'))
local qty = tonumber(ARGV[1])
if stock - reserved < qty then return {0, stock, reserved} end
redis.call('HSET', KEYS[1], 'reserved_stock', reserved + qty, 'updated_at', ARGV[2])
return {1, stock, reserved + qty}
`)

	commitScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0, 0} end
local stock = tonumber(redis.call('HGET', KEYS[1], 'stock'))
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved_stock'))
local qty = tonumber(ARGV[1])
if reserved < qty or stock < qty then return {-2, stock, reserved} end
redis.call('HSET', KEYS[1], 'stock', stock - qty, 'reserved_stock', reserved - qty, 'updated_at', ARGV[2])
return {1, stock - qty, reserved - qty}
`)

	releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0, 0} end
local stock = tonumber(redis.call('HGET', KEYS[1], 'stock'))
local reserved = tonumber(redis.call('HGET', KEYS[1], 'reserved_stock'))
local left = math.max(reserved - tonumber(ARGV[1]), 0)
redis.call('HSET', KEYS[1], 'reserved_stock', left, 'updated_at', ARGV[2])
return {1, stock, left}
`)

	revertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1, 0, 0} end
local qty = tonumber(ARGV[1])
local stock = redis.call('HINCRBY', KEYS[1], 'stock', qty)
local reserved = redis.call('HINCRBY', KEYS[1], 'reserved_stock', qty)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return {1, stock, reserved}
`)
)

type ledger struct{ s *Store }

func parseProduct(h map[string]string) (orders.Product, error) {
	var (
		p   orders.Product
		err error
	)
	p.ID, p.SKU, p.Name = h["id"], h["sku"], h["name"]
	if p.PriceCents, err = strconv.ParseInt(h["price_cents"], 10, 64); err != nil {
		return p, fmt.Errorf("product %s price_cents: %w", p.ID, err)
	}
	if p.Stock, err = strconv.Atoi(h["stock"]); err != nil {
		return p, fmt.Errorf("product %s stock: %w", p.ID, err)
	}
	if p.ReservedStock, err = strconv.Atoi(h["reserved_stock"]); err != nil {
		return p, fmt.Errorf("product %s reserved_stock: %w", p.ID, err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	return p, nil
}

func (l ledger) Product(ctx context.Context, id string) (orders.Product, error) {
	h, err := l.s.rdb.HGetAll(ctx, fmt.Sprintf(KeyProduct, id)).Result()
	if err != nil {
		return orders.Product{}, err
	}
	if len(h) == 0 {
		return orders.Product{}, orders.ProductNotFound(id)
	}
	return parseProduct(h)
}

func (l ledger) List(ctx context.Context) ([]orders.Product, error) {
	ids, err := l.s.rdb.SMembers(ctx, KeyProducts).Result()
	if err != nil {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = l.s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, fmt.Sprintf(KeyProduct, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]orders.Product, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			continue
		}
		p, err := parseProduct(h)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

type counters struct {
	code     int64
	stock    int
	reserved int
}

func (l ledger) run(ctx context.Context, script *redis.Script, productID string, qty int) (counters, error) {
	now := l.s.clock().UTC().Format(time.RFC3339Nano)
	vals, err := script.Run(ctx, l.s.rdb, []string{fmt.Sprintf(KeyProduct, productID)}, qty, now).Int64Slice()
	if err != nil {
		return counters{}, err
	}
	if len(vals) != 3 {
		return counters{}, fmt.Errorf("ledger script: unexpected reply %v", vals)
	}
	c := counters{code: vals[0], stock: int(vals[1]), reserved: int(vals[2])}
	if c.code == codeNotFound {
		return c, orders.ProductNotFound(productID)
	}
	return c, nil
}

func (l ledger) Reserve(ctx context.Context, productID string, qty int) (orders.Product, error) {
	c, err := l.run(ctx, reserveScript, productID, qty)
	if err != nil {
		return orders.Product{}, err
	}
	if c.code == codeInsufficient {
		return orders.Product{}, &orders.InsufficientStockError{ProductID: productID, Requested: qty, Available: c.stock - c.reserved}
	}
	p, err := l.Product(ctx, productID)
	if err != nil {
		return orders.Product{}, err
	}
	// Counters as of the reservation, not of the later read.
	p.Stock, p.ReservedStock = c.stock, c.reserved
	return p, nil
}

func (l ledger) Commit(ctx context.Context, productID string, qty int) error {
	c, err := l.run(ctx, commitScript, productID, qty)
	if err != nil {
		return err
	}
	if c.code == codeInvariant {
		return &orders.InvariantError{Op: "commit", ProductID: productID, Qty: qty, Stock: c.stock, Reserved: c.reserved}
	}
	return nil
}

func (l ledger) Release(ctx context.Context, productID string, qty int) error {
	_, err := l.run(ctx, releaseScript, productID, qty)
	return err
}

func (l ledger) Revert(ctx context.Context, productID string, qty int) error {
	_, err := l.run(ctx, revertScript, productID, qty)
	return err
}
