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

// setStatusScript is a compare-and-set on the order's status field that also
// keeps the pending index in step. Returns -1 missing, 0 conflict, 1 applied.
var setStatusScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then return -1 end
if cur ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
if ARGV[2] == 'PENDING_PAYMENT' then
  redis.call('ZADD', KEYS[2], ARGV[5], ARGV[4])
else
  redis.call('ZREM', KEYS[2], ARGV[4])
end
return 1
`)

type orderRepo struct {
	s  *Store
	tx *tx
}

func (r orderRepo) Create(ctx context.Context, o orders.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(KeyOrder, o.ID)
	ok, err := r.s.rdb.HSetNX(ctx, key, "data", data).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %s already exists", orders.ErrInvalidInput, o.ID)
	}
	_, err = r.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "status", string(o.Status), "updated_at", o.UpdatedAt.UTC().Format(time.RFC3339Nano))
		score := float64(o.CreatedAt.UnixMilli())
		p.ZAdd(ctx, KeyOrdersAll, redis.Z{Score: score, Member: o.ID})
		p.ZAdd(ctx, fmt.Sprintf(KeyOrdersByUser, o.UserID), redis.Z{Score: score, Member: o.ID})
		if o.Status == orders.StatusPendingPayment {
			p.ZAdd(ctx, KeyOrdersPending, redis.Z{Score: float64(o.PaymentDeadline.UnixMilli()), Member: o.ID})
		}
		return nil
	})
	return err
}

func decodeOrder(h map[string]string) (orders.Order, error) {
	var o orders.Order
	if err := json.Unmarshal([]byte(h["data"]), &o); err != nil {
		return o, fmt.Errorf("decode order: %w", err)
	}
	if st := h["status"]; st != "" {
		o.Status = orders.Status(st)
	}
	if at, err := time.Parse(time.RFC3339Nano, h["updated_at"]); err == nil {
		o.UpdatedAt = at
	}
	return o, nil
}

func (r orderRepo) Get(ctx context.Context, id string) (orders.Order, error) {
	h, err := r.s.rdb.HGetAll(ctx, fmt.Sprintf(KeyOrder, id)).Result()
	if err != nil {
		return orders.Order{}, err
	}
	if h["data"] == "" {
		return orders.Order{}, orders.OrderNotFound(id)
	}
	return decodeOrder(h)
}

func (r orderRepo) Lock(ctx context.Context, id string) (orders.Order, error) {
	if r.tx != nil {
		if err := r.tx.lock(ctx, id); err != nil {
			return orders.Order{}, err
		}
	}
	return r.Get(ctx, id)
}

func (r orderRepo) SetStatus(ctx context.Context, id string, from, to orders.Status, at time.Time) error {
	key := fmt.Sprintf(KeyOrder, id)
	var deadline int64
	if to == orders.StatusPendingPayment {
		o, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		deadline = o.PaymentDeadline.UnixMilli()
	}
	res, err := setStatusScript.Run(ctx, r.s.rdb, []string{key, KeyOrdersPending},
		string(from), string(to), at.UTC().Format(time.RFC3339Nano), id, deadline).Int()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return orders.OrderNotFound(id)
	case 0:
		return orders.ErrStatusConflict
	}
	return nil
}

func (r orderRepo) load(ctx context.Context, ids []string) ([]orders.Order, error) {
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := r.s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, fmt.Sprintf(KeyOrder, id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]orders.Order, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if h["data"] == "" {
			continue
		}
		o, err := decodeOrder(h)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r orderRepo) List(ctx context.Context, f orders.ListFilter) ([]orders.Order, int, error) {
	index := KeyOrdersAll
	if f.UserID != "" {
		index = fmt.Sprintf(KeyOrdersByUser, f.UserID)
	}

	if f.Status == "" {
		total, err := r.s.rdb.ZCard(ctx, index).Result()
		if err != nil {
			return nil, 0, err
		}
		start := int64(f.Offset())
		ids, err := r.s.rdb.ZRevRange(ctx, index, start, start+int64(f.Limit)-1).Result()
		if err != nil {
			return nil, 0, err
		}
		list, err := r.load(ctx, ids)
		return list, int(total), err
	}

	// Status lives in the order hash, so a status filter scans the index.
	ids, err := r.s.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, 0, err
	}
	all, err := r.load(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	var matched []orders.Order
	for _, o := range all {
		if o.Status == f.Status {
			matched = append(matched, o)
		}
	}
	total := len(matched)
	start := min(f.Offset(), total)
	end := min(start+f.Limit, total)
	return matched[start:end], total, nil
}

func (r orderRepo) ListPending(ctx context.Context, dueBefore time.Time) ([]orders.Order, error) {
	upper := "+inf"
	if !dueBefore.IsZero() {
		upper = fmt.Sprint(dueBefore.UnixMilli())
	}
	ids, err := r.s.rdb.ZRangeByScore(ctx, KeyOrdersPending, &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	if err != nil {
		return nil, err
	}
	list, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, o := range list {
		if o.Status == orders.StatusPendingPayment {
			out = append(out, o)
		}
	}
	return out, nil
}

type paymentRepo struct{ s *Store }

func (r paymentRepo) Create(ctx context.Context, p orders.Payment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	key := fmt.Sprintf(KeyPayment, p.OrderID)
	ok, err := r.s.rdb.SetNX(ctx, key, raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: order %s already has a payment", orders.ErrInvalidState, p.OrderID)
	}
	ok, err = r.s.rdb.SetNX(ctx, fmt.Sprintf(KeyPaymentTxn, p.TransactionID), p.OrderID, 0).Result()
	if err != nil || !ok {
		_ = r.s.rdb.Del(context.WithoutCancel(ctx), key).Err()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: duplicate transaction id %s", orders.ErrInvalidInput, p.TransactionID)
	}
	return nil
}

func (r paymentRepo) ByOrder(ctx context.Context, orderID string) (orders.Payment, error) {
	raw, err := r.s.rdb.Get(ctx, fmt.Sprintf(KeyPayment, orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return orders.Payment{}, &orders.NotFoundError{Kind: "payment", ID: orderID}
	}
	if err != nil {
		return orders.Payment{}, err
	}
	var p orders.Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return orders.Payment{}, fmt.Errorf("decode payment: %w", err)
	}
	return p, nil
}

type cartStore struct{ s *Store }

func marshalCart(items []orders.CartItem) ([]byte, error) {
	if items == nil {
		items = []orders.CartItem{}
	}
	return json.Marshal(items)
}

func (c cartStore) GetCart(ctx context.Context, userID string) ([]orders.CartItem, error) {
	raw, err := c.s.rdb.Get(ctx, fmt.Sprintf(KeyCart, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []orders.CartItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return items, nil
}

func (c cartStore) ClearCart(ctx context.Context, userID string) error {
	return c.s.rdb.Del(ctx, fmt.Sprintf(KeyCart, userID)).Err()
}

func (c cartStore) RestoreCart(ctx context.Context, userID string, items []orders.CartItem) error {
	raw, err := marshalCart(items)
	if err != nil {
		return err
	}
	return c.s.rdb.Set(ctx, fmt.Sprintf(KeyCart, userID), raw, 0).Err()
}
