package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

type journal struct{ s *Store }

func (j journal) Open(ctx context.Context, in orders.Intent) error {
	comps := make([]any, 0, len(in.Compensations))
	for _, c := range in.Compensations {
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		comps = append(comps, raw)
	}
	_, err := j.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, fmt.Sprintf(KeyIntent, in.ID),
			"kind", string(in.Kind),
			"order_id", in.OrderID,
			"started_at", in.StartedAt.UTC().Format(time.RFC3339Nano))
		if len(comps) > 0 {
			p.RPush(ctx, fmt.Sprintf(KeyIntentComps, in.ID), comps...)
		}
		p.ZAdd(ctx, KeyIntentIndex, redis.Z{Score: float64(in.StartedAt.UnixMilli()), Member: in.ID})
		return nil
	})
	return err
}

func (j journal) Record(ctx context.Context, intentID string, c orders.Compensation) error {
	ok, err := Exists(ctx, j.s.rdb, fmt.Sprintf(KeyIntent, intentID))
	if err != nil {
		return err
	}
	if !ok {
		return &orders.NotFoundError{Kind: "intent", ID: intentID}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return j.s.rdb.RPush(ctx, fmt.Sprintf(KeyIntentComps, intentID), raw).Err()
}

func (j journal) Replace(ctx context.Context, intentID string, remaining []orders.Compensation) error {
	ok, err := Exists(ctx, j.s.rdb, fmt.Sprintf(KeyIntent, intentID))
	if err != nil {
		return err
	}
	if !ok {
		return &orders.NotFoundError{Kind: "intent", ID: intentID}
	}
	comps := make([]any, 0, len(remaining))
	for _, c := range remaining {
		raw, err := json.Marshal(c)
		if err != nil {
			return err
		}
		comps = append(comps, raw)
	}
	key := fmt.Sprintf(KeyIntentComps, intentID)
	_, err = j.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(comps) > 0 {
			p.RPush(ctx, key, comps...)
		}
		return nil
	})
	return err
}

func (j journal) Close(ctx context.Context, intentID string) error {
	_, err := j.s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, fmt.Sprintf(KeyIntent, intentID), fmt.Sprintf(KeyIntentComps, intentID))
		p.ZRem(ctx, KeyIntentIndex, intentID)
		return nil
	})
	return err
}

func (j journal) Stale(ctx context.Context, startedBefore time.Time) ([]orders.Intent, error) {
	ids, err := j.s.rdb.ZRangeByScore(ctx, KeyIntentIndex, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", startedBefore.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, err
	}

	heads := make([]*redis.MapStringStringCmd, len(ids))
	comps := make([]*redis.StringSliceCmd, len(ids))
	_, err = j.s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			heads[i] = p.HGetAll(ctx, fmt.Sprintf(KeyIntent, id))
			comps[i] = p.LRange(ctx, fmt.Sprintf(KeyIntentComps, id), 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]orders.Intent, 0, len(ids))
	for i, id := range ids {
		h := heads[i].Val()
		if len(h) == 0 {
			// Closed between the index read and the pipeline.
			continue
		}
		in := orders.Intent{ID: id, Kind: orders.OpKind(h["kind"]), OrderID: h["order_id"]}
		in.StartedAt, _ = time.Parse(time.RFC3339Nano, h["started_at"])
		for _, raw := range comps[i].Val() {
			var c orders.Compensation
			if err := json.Unmarshal([]byte(raw), &c); err != nil {
				return nil, fmt.Errorf("decode intent %s: %w", id, err)
			}
			in.Compensations = append(in.Compensations, c)
		}
		out = append(out, in)
	}
	return out, nil
}
