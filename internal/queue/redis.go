package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotClaimed is returned when an item is no longer in the processing set,
// typically because it was recovered as an orphan and claimed elsewhere.
var ErrNotClaimed = errors.New("queue item not claimed")

// claimScript moves one id from a tier list into the processing set. Ids
// whose body is gone (deleted while queued) are discarded until a live one
// turns up or the list is empty.
var claimScript = redis.NewScript(`
while true do
	local id = redis.call("LPOP", KEYS[1])
	if not id then
		return false
	end
	redis.call("HINCRBY", KEYS[4], "pending", -1)
	local body = redis.call("HGET", KEYS[3], id)
	if body then
		redis.call("ZADD", KEYS[2], ARGV[1], id)
		redis.call("HINCRBY", KEYS[4], "processing", 1)
		return body
	end
end
`)

var completeScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[3], "processing", -1)
redis.call("HINCRBY", KEYS[3], "completed", 1)
if ARGV[3] ~= "" then
	redis.call("SET", KEYS[4], ARGV[2], "PX", ARGV[3])
end
return 1
`)

// settleScript takes an item out of processing and sends it to one of:
// "retry" (delayed zset), "requeue" (tier list) or "dead" (dead set).
//
// KEYS: processing, items, stats, target, dead, dead items
// ARGV: id, body, mode, score, dead ttl ms, dead cutoff ms, counter
var settleScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HINCRBY", KEYS[3], "processing", -1)
redis.call("HINCRBY", KEYS[3], ARGV[7], 1)
if ARGV[3] == "retry" then
	redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
	redis.call("ZADD", KEYS[4], ARGV[4], ARGV[1])
	return 1
end
if ARGV[3] == "requeue" then
	redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
	redis.call("RPUSH", KEYS[4], ARGV[1])
	redis.call("HINCRBY", KEYS[3], "pending", 1)
	return 1
end
redis.call("HDEL", KEYS[2], ARGV[1])
local expired = redis.call("ZRANGEBYSCORE", KEYS[5], "-inf", ARGV[6])
for _, old in ipairs(expired) do
	redis.call("HDEL", KEYS[6], old)
end
redis.call("ZREMRANGEBYSCORE", KEYS[5], "-inf", ARGV[6])
redis.call("ZADD", KEYS[5], ARGV[4], ARGV[1])
redis.call("HSET", KEYS[6], ARGV[1], ARGV[2])
redis.call("PEXPIRE", KEYS[5], ARGV[5])
redis.call("PEXPIRE", KEYS[6], ARGV[5])
return 2
`)

// releaseScript moves a due id from the delayed set back onto its tier list.
var releaseScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("HSET", KEYS[4], ARGV[1], ARGV[2])
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HINCRBY", KEYS[3], "pending", 1)
return 1
`)

type Options struct {
	MaxAttempts    int
	RetryDelayBase time.Duration
	ResultTTL      time.Duration
	DeadLetterTTL  time.Duration
	PollInterval   time.Duration
	SweepBatch     int64
	Clock          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.RetryDelayBase <= 0 {
		o.RetryDelayBase = 5 * time.Second
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = 24 * time.Hour
	}
	if o.DeadLetterTTL <= 0 {
		o.DeadLetterTTL = 7 * 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.SweepBatch <= 0 {
		o.SweepBatch = 100
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Queue is a three-tier at-least-once work queue on Redis.
type Queue struct {
	client *redis.Client
	name   string
	base   string
	opts   Options
}

func New(client *redis.Client, prefix, name string, opts Options) *Queue {
	if prefix == "" {
		prefix = "dialer"
	}
	return &Queue{
		client: client,
		name:   name,
		base:   prefix + ":queue:" + name + ":",
		opts:   opts.withDefaults(),
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Client() *redis.Client { return q.client }

func (q *Queue) pendingKey(t Tier) string { return q.base + "pending:" + string(t) }
func (q *Queue) itemsKey() string { return q.base + "items" }
func (q *Queue) processingKey() string { return q.base + "processing" }
func (q *Queue) delayedKey() string { return q.base + "delayed" }
func (q *Queue) deadKey() string { return q.base + "dead" }
func (q *Queue) deadItemsKey() string { return q.base + "dead:items" }
func (q *Queue) statsKey() string { return q.base + "stats" }
func (q *Queue) resultKey(id string) string { return q.base + "result:" + id }

func (q *Queue) newItem(kind string, payload any, tier Tier) (Item, []byte, error) {
	if _, err := ParseTier(string(tier)); err != nil {
		return Item{}, nil, err
	}
	if tier == "" {
		tier = TierNormal
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Item{}, nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	item := Item{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		Tier:        tier,
		CreatedAt:   q.opts.Clock().UTC(),
		Attempts:    0,
		MaxAttempts: q.opts.MaxAttempts,
	}
	body, err := json.Marshal(item)
	if err != nil {
		return Item{}, nil, err
	}
	return item, body, nil
}

// Push appends payload to the tail of tier's pending list.
func (q *Queue) Push(ctx context.Context, kind string, payload any, tier Tier) (Item, error) {
	item, body, err := q.newItem(kind, payload, tier)
	if err != nil {
		return Item{}, err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey(), item.ID, body)
		pipe.RPush(ctx, q.pendingKey(item.Tier), item.ID)
		pipe.HIncrBy(ctx, q.statsKey(), "pending", 1)
		return nil
	})
	if err != nil {
		return Item{}, fmt.Errorf("push %s: %w", q.name, err)
	}
	return item, nil
}

// Pop claims the next item, checking high, normal and low in that order. When
// every tier is empty it polls until timeout elapses and returns nil, nil. A
// lower tier is served only when every higher tier was empty at poll time.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)
	for {
		for _, tier := range tiers {
			item, err := q.claim(ctx, tier)
			if err != nil {
				return nil, err
			}
			if item != nil {
				return item, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := q.opts.PollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, tier Tier) (*Item, error) {
	keys := []string{q.pendingKey(tier), q.processingKey(), q.itemsKey(), q.statsKey()}
	body, err := claimScript.Run(ctx, q.client, keys, q.opts.Clock().UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s/%s: %w", q.name, tier, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("pop %s/%s: corrupt item: %w", q.name, tier, err)
	}
	return &item, nil
}

// Complete removes a claimed item. A non-nil result is kept for ResultTTL.
func (q *Queue) Complete(ctx context.Context, item *Item, result []byte) error {
	ttl := ""
	if result != nil {
		ttl = strconv.FormatInt(q.opts.ResultTTL.Milliseconds(), 10)
	}
	keys := []string{q.processingKey(), q.itemsKey(), q.statsKey(), q.resultKey(item.ID)}
	n, err := completeScript.Run(ctx, q.client, keys, item.ID, result, ttl).Int()
	if err != nil {
		return fmt.Errorf("complete %s/%s: %w", q.name, item.ID, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Result returns the stored result of a completed item.
func (q *Queue) Result(ctx context.Context, id string) ([]byte, bool, error) {
	b, err := q.client.Get(ctx, q.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Fail records a failed attempt. The item is scheduled for retry at
// now + RetryDelay(base, attempts) while attempts < MaxAttempts, and is
// dead-lettered with reason once the budget is spent.
func (q *Queue) Fail(ctx context.Context, item *Item, reason string) (dead bool, err error) {
	now := q.opts.Clock().UTC()
	item.Attempts++
	item.LastError = reason
	if item.Attempts < item.maxAttempts(q.opts.MaxAttempts) {
		retryAt := now.Add(RetryDelay(q.opts.RetryDelayBase, item.Attempts))
		item.RetryAt = &retryAt
		return false, q.settle(ctx, item, "retry", q.delayedKey(), retryAt, "retried")
	}
	item.RetryAt = nil
	return true, q.deadLetter(ctx, item, reason, now, "failed")
}

func (q *Queue) deadLetter(ctx context.Context, item *Item, reason string, now time.Time, counter string) error {
	dl := DeadLetter{Item: *item, Reason: reason, DeadAt: now}
	body, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	keys := []string{q.processingKey(), q.itemsKey(), q.statsKey(), q.deadKey(), q.deadKey(), q.deadItemsKey()}
	cutoff := now.Add(-q.opts.DeadLetterTTL).UnixMilli()
	n, err := settleScript.Run(ctx, q.client, keys,
		item.ID, body, "dead", now.UnixMilli(), q.opts.DeadLetterTTL.Milliseconds(), cutoff, counter).Int()
	if err != nil {
		return fmt.Errorf("dead-letter %s/%s: %w", q.name, item.ID, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (q *Queue) settle(ctx context.Context, item *Item, mode, target string, at time.Time, counter string) error {
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	keys := []string{q.processingKey(), q.itemsKey(), q.statsKey(), target, q.deadKey(), q.deadItemsKey()}
	n, err := settleScript.Run(ctx, q.client, keys, item.ID, body, mode, at.UnixMilli(), 0, 0, counter).Int()
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", mode, q.name, item.ID, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// ProcessRetries moves every delayed item whose retry time has passed back to
// the tail of its tier. It returns how many items were released.
func (q *Queue) ProcessRetries(ctx context.Context) (int, error) {
	now := q.opts.Clock()
	ids, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: q.opts.SweepBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed %s: %w", q.name, err)
	}

	released := 0
	for _, id := range ids {
		item, err := q.load(ctx, id)
		if err != nil {
			return released, err
		}
		if item == nil {
			// cleared underneath us
			q.client.ZRem(ctx, q.delayedKey(), id)
			continue
		}
		item.RetryAt = nil
		body, err := json.Marshal(item)
		if err != nil {
			return released, err
		}
		keys := []string{q.delayedKey(), q.pendingKey(item.Tier), q.statsKey(), q.itemsKey()}
		n, err := releaseScript.Run(ctx, q.client, keys, id, body).Int()
		if err != nil {
			return released, fmt.Errorf("release %s/%s: %w", q.name, id, err)
		}
		released += n
	}
	return released, nil
}

// RecoverOrphans requeues items that have been in processing longer than
// timeout, counting the lost claim as an attempt. Items whose budget that
// exhausts are dead-lettered. A recovered item may be processed twice.
func (q *Queue) RecoverOrphans(ctx context.Context, timeout time.Duration) (int, error) {
	now := q.opts.Clock()
	ids, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Add(-timeout).UnixMilli(), 10),
		Count: q.opts.SweepBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan processing %s: %w", q.name, err)
	}

	recovered := 0
	for _, id := range ids {
		item, err := q.load(ctx, id)
		if err != nil {
			return recovered, err
		}
		if item == nil {
			q.client.ZRem(ctx, q.processingKey(), id)
			continue
		}
		item.Attempts++
		item.LastError = "claim timed out"
		if item.Attempts >= item.maxAttempts(q.opts.MaxAttempts) {
			err = q.deadLetter(ctx, item, item.LastError, now.UTC(), "failed")
		} else {
			err = q.settle(ctx, item, "requeue", q.pendingKey(item.Tier), now, "recovered")
		}
		if errors.Is(err, ErrNotClaimed) {
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) load(ctx context.Context, id string) (*Item, error) {
	body, err := q.client.HGet(ctx, q.itemsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", q.name, id, err)
	}
	var item Item
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return nil, fmt.Errorf("load %s/%s: %w", q.name, id, err)
	}
	return &item, nil
}

func (it *Item) maxAttempts(def int) int {
	if it.MaxAttempts > 0 {
		return it.MaxAttempts
	}
	return def
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Name: q.name, Pending: make(map[Tier]int, len(tiers))}

	pipe := q.client.Pipeline()
	lens := make(map[Tier]*redis.IntCmd, len(tiers))
	for _, t := range tiers {
		lens[t] = pipe.LLen(ctx, q.pendingKey(t))
	}
	processing := pipe.ZCard(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.ZCard(ctx, q.deadKey())
	counters := pipe.HGetAll(ctx, q.statsKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("stats %s: %w", q.name, err)
	}

	for t, cmd := range lens {
		st.Pending[t] = int(cmd.Val())
	}
	st.Processing = int(processing.Val())
	st.Delayed = int(delayed.Val())
	st.Dead = int(dead.Val())
	c := counters.Val()
	st.Completed = parseCounter(c["completed"])
	st.Retried = parseCounter(c["retried"])
	st.Failed = parseCounter(c["failed"])
	st.Recovered = parseCounter(c["recovered"])
	return st, nil
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// Pending lists up to limit waiting items of a tier in pop order.
func (q *Queue) Pending(ctx context.Context, tier Tier, limit int64) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.pendingKey(tier), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("pending %s/%s: %w", q.name, tier, err)
	}
	return loadMany(ctx, q.client, q.itemsKey(), ids, func(b []byte) (Item, error) {
		var it Item
		err := json.Unmarshal(b, &it)
		return it, err
	})
}

// DeadLetters lists up to limit dead-lettered items, newest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRevRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: %w", q.name, err)
	}
	return loadMany(ctx, q.client, q.deadItemsKey(), ids, func(b []byte) (DeadLetter, error) {
		var dl DeadLetter
		err := json.Unmarshal(b, &dl)
		return dl, err
	})
}

func loadMany[T any](ctx context.Context, client *redis.Client, key string, ids []string, decode func([]byte) (T, error)) ([]T, error) {
	if len(ids) == 0 {
		return []T{}, nil
	}
	vals, err := client.HMGet(ctx, key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	out := make([]T, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		t, err := decode([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Clear drops every structure of the queue, including in-flight claims.
func (q *Queue) Clear(ctx context.Context) error {
	keys := []string{q.itemsKey(), q.processingKey(), q.delayedKey(), q.deadKey(), q.deadItemsKey(), q.statsKey()}
	for _, t := range tiers {
		keys = append(keys, q.pendingKey(t))
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear %s: %w", q.name, err)
	}
	return nil
}
