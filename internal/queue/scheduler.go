package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PushAt schedules payload to become pending on tier at the given time. The
// item waits in the delayed set and is released by ProcessRetries like any
// retry. A time in the past behaves like Push.
func (q *Queue) PushAt(ctx context.Context, kind string, payload any, tier Tier, at time.Time) (Item, error) {
	if !at.After(q.opts.Clock()) {
		return q.Push(ctx, kind, payload, tier)
	}
	item, _, err := q.newItem(kind, payload, tier)
	if err != nil {
		return Item{}, err
	}
	at = at.UTC()
	item.RetryAt = &at
	body, err := json.Marshal(item)
	if err != nil {
		return Item{}, err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey(), item.ID, body)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(at.UnixMilli()), Member: item.ID})
		return nil
	})
	if err != nil {
		return Item{}, fmt.Errorf("schedule %s: %w", q.name, err)
	}
	return item, nil
}
