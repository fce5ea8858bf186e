// Package lease grants one worker at a time the right to run a campaign.
//
// A claim passes two gates. The Redis lock is the admission gate that makes
// concurrent first claims mutually exclusive. The lease row in the store is
// the authoritative liveness record: it carries the heartbeat and a
// generation that increases on every claim, and every engine write is fenced
// on that generation. A lease whose heartbeat is older than the liveness
// window is claimable by anyone, whatever the lock TTL says.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"outbound-dialer/internal/lock"
	"outbound-dialer/internal/store"
)

var (
	// ErrNotClaimable is returned when the campaign is not runnable or is held
	// by another live worker.
	ErrNotClaimable = errors.New("campaign not claimable")
	// ErrLeaseLost is returned by Renew when the lease row no longer carries
	// our generation.
	ErrLeaseLost = errors.New("lease lost")
)

type Config struct {
	LockTTL           time.Duration
	LivenessWindow    time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LivenessWindow {
		c.HeartbeatInterval = c.LivenessWindow / 4
	}
	return c
}

// Lease is a worker's handle on a claimed campaign.
type Lease struct {
	CampaignID  string
	WorkerID    string
	LockToken   string
	Generation  int64
	HeartbeatAt time.Time
}

func (l *Lease) Fence() store.Fence {
	return store.Fence{CampaignID: l.CampaignID, WorkerID: l.WorkerID, Generation: l.Generation}
}

type Coordinator struct {
	locker   *lock.Locker
	store    *store.Store
	workerID string
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

func New(locker *lock.Locker, st *store.Store, workerID string, cfg Config, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		locker:   locker,
		store:    st,
		workerID: workerID,
		cfg:      cfg.withDefaults(),
		log:      log.With(zap.String("worker_id", workerID)),
		now:      time.Now,
	}
}

func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

func (c *Coordinator) WorkerID() string { return c.workerID }

func (c *Coordinator) HeartbeatInterval() time.Duration { return c.cfg.HeartbeatInterval }

// LockResource names the lock guarding a campaign.
func LockResource(campaignID string) string { return "campaign:" + campaignID }

func runnable(s store.CampaignStatus) bool {
	return s == store.CampaignStarting || s == store.CampaignRunning
}

// fresh reports whether rec is held by a worker whose heartbeat is inside
// the liveness window.
func (c *Coordinator) fresh(rec store.LeaseRecord, now time.Time) bool {
	return rec.Held() && !rec.HeartbeatAt.Before(now.Add(-c.cfg.LivenessWindow))
}

// Claimable reports whether this worker could claim the campaign right now.
func (c *Coordinator) Claimable(ctx context.Context, campaignID string) (bool, error) {
	camp, err := c.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if !runnable(camp.Status) {
		return false, nil
	}
	rec, ok, err := c.store.GetLease(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if ok && rec.WorkerID != c.workerID && c.fresh(rec, c.now()) {
		return false, nil
	}
	return true, nil
}

// Claim takes the campaign's lease for this worker and moves a starting
// campaign to running.
func (c *Coordinator) Claim(ctx context.Context, campaignID string) (*Lease, error) {
	camp, err := c.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !runnable(camp.Status) {
		return nil, fmt.Errorf("campaign %s is %s: %w", campaignID, camp.Status, ErrNotClaimable)
	}

	now := c.now()
	rec, ok, err := c.store.GetLease(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if ok && rec.Held() {
		if rec.WorkerID != c.workerID && c.fresh(rec, now) {
			return nil, fmt.Errorf("campaign %s held by %s: %w", campaignID, rec.WorkerID, ErrNotClaimable)
		}
		// The previous holder is gone (or is an earlier incarnation of us);
		// its lock may still be within TTL.
		if broke, err := c.locker.Release(ctx, LockResource(campaignID), rec.LockToken); err != nil {
			return nil, err
		} else if broke {
			c.log.Info("broke stale campaign lock",
				zap.String("campaign_id", campaignID),
				zap.String("previous_worker", rec.WorkerID),
				zap.Time("last_heartbeat", rec.HeartbeatAt))
		}
	}

	token, got, err := c.locker.Acquire(ctx, LockResource(campaignID), c.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !got {
		return nil, fmt.Errorf("campaign %s admission lock held: %w", campaignID, ErrNotClaimable)
	}

	rec, ok, err = c.store.ClaimLease(ctx, campaignID, c.workerID, token, now, now.Add(-c.cfg.LivenessWindow))
	if err != nil || !ok {
		if _, rerr := c.locker.Release(ctx, LockResource(campaignID), token); rerr != nil {
			c.log.Warn("release admission lock", zap.String("campaign_id", campaignID), zap.Error(rerr))
		}
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("campaign %s lease row taken: %w", campaignID, ErrNotClaimable)
	}

	if _, err := c.store.TransitionCampaign(ctx, campaignID,
		[]store.CampaignStatus{store.CampaignStarting}, store.CampaignRunning); err != nil {
		c.log.Warn("mark campaign running", zap.String("campaign_id", campaignID), zap.Error(err))
	}

	c.log.Info("campaign lease claimed",
		zap.String("campaign_id", campaignID),
		zap.Int64("generation", rec.Generation))

	return &Lease{
		CampaignID:  rec.CampaignID,
		WorkerID:    rec.WorkerID,
		LockToken:   token,
		Generation:  rec.Generation,
		HeartbeatAt: rec.HeartbeatAt,
	}, nil
}

// Renew refreshes the lease heartbeat. The row update is authoritative; the
// lock is extended on a best-effort basis and re-taken if it had expired.
func (c *Coordinator) Renew(ctx context.Context, l *Lease) error {
	now := c.now()
	ok, err := c.store.TouchLease(ctx, l.Fence(), "", now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("campaign %s generation %d: %w", l.CampaignID, l.Generation, ErrLeaseLost)
	}
	l.HeartbeatAt = now

	extended, err := c.locker.Extend(ctx, LockResource(l.CampaignID), l.LockToken, c.cfg.LockTTL)
	if err != nil {
		c.log.Warn("extend campaign lock", zap.String("campaign_id", l.CampaignID), zap.Error(err))
		return nil
	}
	if extended {
		return nil
	}

	token, got, err := c.locker.Acquire(ctx, LockResource(l.CampaignID), c.cfg.LockTTL)
	if err != nil || !got {
		c.log.Debug("campaign lock not re-taken", zap.String("campaign_id", l.CampaignID), zap.Error(err))
		return nil
	}
	if ok, err := c.store.TouchLease(ctx, l.Fence(), token, now); err != nil || !ok {
		_, _ = c.locker.Release(ctx, LockResource(l.CampaignID), token)
		if err != nil {
			return err
		}
		return fmt.Errorf("campaign %s generation %d: %w", l.CampaignID, l.Generation, ErrLeaseLost)
	}
	l.LockToken = token
	return nil
}

// Release gives the lease up. The lease row keeps its generation.
func (c *Coordinator) Release(ctx context.Context, l *Lease) error {
	_, rowErr := c.store.ReleaseLease(ctx, l.Fence())
	_, lockErr := c.locker.Release(ctx, LockResource(l.CampaignID), l.LockToken)
	if err := errors.Join(rowErr, lockErr); err != nil {
		return fmt.Errorf("release campaign %s: %w", l.CampaignID, err)
	}
	c.log.Info("campaign lease released",
		zap.String("campaign_id", l.CampaignID),
		zap.Int64("generation", l.Generation))
	return nil
}
