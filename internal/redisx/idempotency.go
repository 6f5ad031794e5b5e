package redisx

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const idemPending = "-"

// ErrInFlight means another request with the same idempotency key is still running.
var ErrInFlight = errors.New("request with this idempotency key is in progress")

// Idempotency remembers which order an Idempotency-Key produced.
type Idempotency struct {
	rdb redis.Cmdable
}

func NewIdempotency(rdb redis.Cmdable) *Idempotency { return &Idempotency{rdb: rdb} }

// Claim returns ("", true) when the caller owns the key and must run the
// request, or (orderID, false) when the key already produced an order.
func (i *Idempotency) Claim(ctx context.Context, userID, key string) (string, bool, error) {
	k := fmt.Sprintf(KeyIdemCheckout, userID, key)
	ok, err := i.rdb.SetNX(ctx, k, idemPending, TTLIdempotency).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	v, err := i.rdb.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired or abandoned in between; try once more.
		ok, err = i.rdb.SetNX(ctx, k, idemPending, TTLIdempotency).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return "", true, nil
		}
		return "", false, ErrInFlight
	}
	if err != nil {
		return "", false, err
	}
	if v == idemPending {
		return "", false, ErrInFlight
	}
	return v, false, nil
}

func (i *Idempotency) Complete(ctx context.Context, userID, key, orderID string) error {
	return i.rdb.Set(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key), orderID, TTLIdempotency).Err()
}

// Abandon frees the key after a failed request so the client can retry.
func (i *Idempotency) Abandon(ctx context.Context, userID, key string) error {
	return i.rdb.Del(ctx, fmt.Sprintf(KeyIdemCheckout, userID, key)).Err()
}
