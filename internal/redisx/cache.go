package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

// CachedStatus carries the owner so reads can be authorised without the store.
type CachedStatus struct {
	OrderID   string        `json:"order_id"`
	UserID    string        `json:"user_id"`
	Status    orders.Status `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// setIfCurrent writes the entry only while the generation read before the store
// lookup is still current.
// KEYS[1]=entry KEYS[2]=gen ARGV[1]=gen ARGV[2]=json ARGV[3]=ttl ms
var setIfCurrent = redis.NewScript(`
local gen = tonumber(redis.call('GET', KEYS[2]) or '0')
if gen ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// StatusCache keeps the last known status per order. It is also an
// orders.EventPublisher: every lifecycle event drops the entry of its order and
// bumps its generation, so a fill that read the store earlier is discarded.
type StatusCache struct {
	rdb redis.Cmdable
}

func NewStatusCache(rdb redis.Cmdable) *StatusCache { return &StatusCache{rdb: rdb} }

func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	raw, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, err
	}
	var v CachedStatus
	if err := json.Unmarshal(raw, &v); err != nil || v.Status == "" {
		// Entries from an older format are treated as a miss.
		return CachedStatus{}, false, nil
	}
	return v, true, nil
}

// Generation must be read before the store lookup whose result is passed to Set.
func (c *StatusCache) Generation(ctx context.Context, orderID string) (int64, error) {
	gen, err := c.rdb.Get(ctx, fmt.Sprintf(KeyOrderStatusGen, orderID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Set caches o unless the order was invalidated after gen was read. The bool
// reports whether the entry was written.
func (c *StatusCache) Set(ctx context.Context, o orders.Order, gen int64) (bool, error) {
	raw, err := json.Marshal(CachedStatus{OrderID: o.ID, UserID: o.UserID, Status: o.Status, UpdatedAt: o.UpdatedAt})
	if err != nil {
		return false, err
	}
	keys := []string{fmt.Sprintf(KeyOrderStatus, o.ID), fmt.Sprintf(KeyOrderStatusGen, o.ID)}
	n, err := setIfCurrent.Run(ctx, c.rdb, keys, gen, raw, TTLStatusCache.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	genKey := fmt.Sprintf(KeyOrderStatusGen, orderID)
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.PExpire(ctx, genKey, TTLStatusGen)
		p.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID))
		return nil
	})
	return err
}

func (c *StatusCache) Publish(ctx context.Context, ev orders.Envelope) error {
	if ev.CorrelationID == "" {
		return nil
	}
	return c.Invalidate(ctx, ev.CorrelationID)
}
