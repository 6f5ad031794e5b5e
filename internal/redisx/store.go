package redisx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store has no multi-key transactions; the coordinator runs it in sequential mode.
type Store struct {
	rdb   *redis.Client
	clock func() time.Time
	// lockRetry is the pause between attempts to take an order lock.
	lockRetry time.Duration
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, clock: time.Now, lockRetry: 20 * time.Millisecond}
}

func (s *Store) Capabilities() orders.Capabilities { return orders.Capabilities{} }

func (s *Store) Begin(ctx context.Context) (orders.Tx, error) { return &tx{s: s}, nil }

func (s *Store) Ledger() orders.Ledger        { return ledger{s: s} }
func (s *Store) Orders() orders.OrderRepo     { return orderRepo{s: s} }
func (s *Store) Payments() orders.PaymentRepo { return paymentRepo{s: s} }
func (s *Store) Carts() orders.CartStore      { return cartStore{s: s} }
func (s *Store) Journal() orders.Journal      { return journal{s: s} }

func (s *Store) UserEmail(ctx context.Context, userID string) (string, error) {
	email, err := s.rdb.Get(ctx, fmt.Sprintf(KeyUser, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", &orders.NotFoundError{Kind: "user", ID: userID}
	}
	return email, err
}

func (s *Store) Apply(ctx context.Context, seed orders.Seed) error {
	now := s.clock().UTC()
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, prod := range seed.Products {
			created := prod.CreatedAt
			if created.IsZero() {
				created = now
			}
			p.HSet(ctx, fmt.Sprintf(KeyProduct, prod.ID),
				"id", prod.ID,
				"sku", prod.SKU,
				"name", prod.Name,
				"price_cents", prod.PriceCents,
				"stock", prod.Stock,
				"reserved_stock", prod.ReservedStock,
				"created_at", created.Format(time.RFC3339Nano),
				"updated_at", now.Format(time.RFC3339Nano))
			p.SAdd(ctx, KeyProducts, prod.ID)
		}
		for user, email := range seed.Users {
			p.Set(ctx, fmt.Sprintf(KeyUser, user), email, 0)
		}
		for user, items := range seed.Carts {
			raw, err := marshalCart(items)
			if err != nil {
				return err
			}
			p.Set(ctx, fmt.Sprintf(KeyCart, user), raw, 0)
		}
		return nil
	})
	return err
}

// tx holds the order locks taken through Lock until Commit or Rollback.
type tx struct {
	s *Store

	mu    sync.Mutex
	locks map[string]string // key -> token
}

func (t *tx) Ledger() orders.Ledger        { return ledger{s: t.s} }
func (t *tx) Orders() orders.OrderRepo     { return orderRepo{s: t.s, tx: t} }
func (t *tx) Payments() orders.PaymentRepo { return paymentRepo{s: t.s} }
func (t *tx) Carts() orders.CartStore      { return cartStore{s: t.s} }

func (t *tx) Commit(ctx context.Context) error   { return t.unlockAll(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.unlockAll(ctx) }

func (t *tx) unlockAll(ctx context.Context) error {
	t.mu.Lock()
	locks := t.locks
	t.locks = nil
	t.mu.Unlock()

	var errs []error
	for key, token := range locks {
		if err := unlockScript.Run(ctx, t.s.rdb, []string{key}, token).Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *tx) lock(ctx context.Context, orderID string) error {
	key := fmt.Sprintf(KeyOrderLock, orderID)
	t.mu.Lock()
	_, held := t.locks[key]
	t.mu.Unlock()
	if held {
		return nil
	}

	token := uuid.NewString()
	for {
		ok, err := t.s.rdb.SetNX(ctx, key, token, TTLOrderLock).Result()
		if err != nil {
			if ctx.Err() != nil {
				return orders.ErrLockTimeout
			}
			return err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return orders.ErrLockTimeout
		case <-time.After(t.s.lockRetry):
		}
	}

	t.mu.Lock()
	if t.locks == nil {
		t.locks = map[string]string{}
	}
	t.locks[key] = token
	t.mu.Unlock()
	return nil
}
