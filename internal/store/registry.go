package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry keeps short-lived shared state in Redis: worker heartbeats, the
// worker enable/disable set and per-campaign pacing snapshots.
type Registry struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

func NewRegistry(rdb *redis.Client, prefix string) *Registry {
	if prefix == "" {
		prefix = "dialer"
	}
	return &Registry{rdb: rdb, prefix: prefix, now: time.Now}
}

func (r *Registry) workersKey() string { return r.prefix + ":workers" }
func (r *Registry) workerKey(id string) string { return r.prefix + ":worker:" + id }
func (r *Registry) disabledKey() string { return r.prefix + ":workers:disabled" }
func (r *Registry) pacingIndexKey() string { return r.prefix + ":pacing" }
func (r *Registry) pacingKey(campaign string) string { return r.prefix + ":pacing:" + campaign }

// Heartbeat records that workerID is alive for ttl.
func (r *Registry) Heartbeat(ctx context.Context, hb WorkerHeartbeat, ttl time.Duration) error {
	if hb.LastSeenAt.IsZero() {
		hb.LastSeenAt = r.now().UTC()
	}
	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.workerKey(hb.WorkerID), body, ttl)
		pipe.ZAdd(ctx, r.workersKey(), redis.Z{Score: float64(hb.LastSeenAt.UnixMilli()), Member: hb.WorkerID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", hb.WorkerID, err)
	}
	return nil
}

// Forget drops a worker's heartbeat immediately (graceful shutdown).
func (r *Registry) Forget(ctx context.Context, workerID string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.workerKey(workerID))
		pipe.ZRem(ctx, r.workersKey(), workerID)
		return nil
	})
	return err
}

// Workers returns the heartbeats that have not expired.
func (r *Registry) Workers(ctx context.Context) ([]WorkerHeartbeat, error) {
	ids, err := r.rdb.ZRange(ctx, r.workersKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.workerKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load workers: %w", err)
	}
	disabled, err := r.rdb.SMembers(ctx, r.disabledKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load disabled workers: %w", err)
	}
	off := make(map[string]bool, len(disabled))
	for _, id := range disabled {
		off[id] = true
	}

	var out []WorkerHeartbeat
	var gone []any
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			gone = append(gone, ids[i])
			continue
		}
		var hb WorkerHeartbeat
		if err := json.Unmarshal([]byte(s), &hb); err != nil {
			continue
		}
		hb.Disabled = off[hb.WorkerID]
		out = append(out, hb)
	}
	if len(gone) > 0 {
		r.rdb.ZRem(ctx, r.workersKey(), gone...)
	}
	return out, nil
}

func (r *Registry) SetDisabled(ctx context.Context, workerID string, disabled bool) error {
	var err error
	if disabled {
		err = r.rdb.SAdd(ctx, r.disabledKey(), workerID).Err()
	} else {
		err = r.rdb.SRem(ctx, r.disabledKey(), workerID).Err()
	}
	if err != nil {
		return fmt.Errorf("set disabled %s: %w", workerID, err)
	}
	return nil
}

func (r *Registry) IsDisabled(ctx context.Context, workerID string) (bool, error) {
	return r.rdb.SIsMember(ctx, r.disabledKey(), workerID).Result()
}

// PublishPacing stores the latest pacing snapshot for ttl.
func (r *Registry) PublishPacing(ctx context.Context, snap PacingSnapshot, ttl time.Duration) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.pacingKey(snap.CampaignID), body, ttl)
		pipe.SAdd(ctx, r.pacingIndexKey(), snap.CampaignID)
		return nil
	})
	return err
}

func (r *Registry) Pacing(ctx context.Context, campaignID string) (PacingSnapshot, bool, error) {
	body, err := r.rdb.Get(ctx, r.pacingKey(campaignID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return PacingSnapshot{}, false, nil
	}
	if err != nil {
		return PacingSnapshot{}, false, err
	}
	var snap PacingSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return PacingSnapshot{}, false, fmt.Errorf("pacing %s: %w", campaignID, err)
	}
	return snap, true, nil
}

// AllPacing returns every live pacing snapshot keyed by campaign id.
func (r *Registry) AllPacing(ctx context.Context) (map[string]PacingSnapshot, error) {
	ids, err := r.rdb.SMembers(ctx, r.pacingIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]PacingSnapshot, len(ids))
	for _, id := range ids {
		snap, ok, err := r.Pacing(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			r.rdb.SRem(ctx, r.pacingIndexKey(), id)
			continue
		}
		out[id] = snap
	}
	return out, nil
}
