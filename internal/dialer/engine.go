// Package dialer runs the per-campaign control loop: pacing, origination and
// the hopper retry sweep, all under a campaign lease.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"outbound-dialer/internal/lease"
	"outbound-dialer/internal/store"
)

// ErrOriginateRejected is returned by an Originator when the switch refused
// the call synchronously.
var ErrOriginateRejected = errors.New("origination rejected")

// OriginateRequest is one call the engine wants placed.
type OriginateRequest struct {
	DialID     string
	CampaignID string
	ContactID  string
	WorkerID   string
	Phone      string
	CallerID   string
}

// Originator places calls on the switch.
type Originator interface {
	Originate(ctx context.Context, req OriginateRequest) error
}

// PacingPublisher receives the pacing decision of every cycle.
type PacingPublisher interface {
	PublishPacing(ctx context.Context, snap store.PacingSnapshot, ttl time.Duration) error
}

type Config struct {
	CycleInterval time.Duration
	StatsWindow   time.Duration
	MaxBackoff    time.Duration
	PacingTTL     time.Duration
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = time.Second
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = time.Hour
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.PacingTTL <= 0 {
		c.PacingTTL = time.Minute
	}
	return c
}

// CycleReport describes what one cycle did.
type CycleReport struct {
	Status      store.CampaignStatus
	Stats       store.WindowStats
	AnswerRate  float64
	Multiplier  float64
	CallsToMake int
	Originated  int
	Rejected    int
	Rearmed     int
	// Done is set when the engine must stop: the campaign was stopped (lease
	// released) or the lease was lost.
	Done bool
}

// Engine drives one leased campaign. It is not safe for concurrent use; Run
// owns it for the lifetime of the lease.
type Engine struct {
	store    *store.Store
	leases   *lease.Coordinator
	lease    *lease.Lease
	orig     Originator
	pacing   PacingPublisher
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
	lastBeat time.Time
}

func NewEngine(st *store.Store, leases *lease.Coordinator, l *lease.Lease, orig Originator, pacing PacingPublisher, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:    st,
		leases:   leases,
		lease:    l,
		orig:     orig,
		pacing:   pacing,
		cfg:      cfg.withDefaults(),
		log:      log.With(zap.String("campaign_id", l.CampaignID), zap.Int64("generation", l.Generation)),
		now:      time.Now,
		lastBeat: l.HeartbeatAt,
	}
}

func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Lease() *lease.Lease { return e.lease }

func (e *Engine) CampaignID() string { return e.lease.CampaignID }

// Run cycles until the campaign stops, the lease is lost or ctx is done. On
// ctx cancellation the lease is released before returning.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		rep, err := e.Cycle(ctx)
		switch {
		case errors.Is(err, lease.ErrLeaseLost):
			e.log.Warn("campaign lease lost", zap.Error(err))
			return err
		case err != nil && ctx.Err() == nil:
			e.log.Error("dial cycle failed", zap.Error(err))
		case rep.Done:
			return nil
		}

		select {
		case <-ctx.Done():
			e.release(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.leases.Release(ctx, e.lease); err != nil {
		e.log.Warn("release lease", zap.Error(err))
	}
}

// Cycle runs one control cycle to completion.
func (e *Engine) Cycle(ctx context.Context) (CycleReport, error) {
	var rep CycleReport
	now := e.now()

	if now.Sub(e.lastBeat) >= e.leases.HeartbeatInterval() {
		if err := e.leases.Renew(ctx, e.lease); err != nil {
			if errors.Is(err, lease.ErrLeaseLost) {
				rep.Done = true
				return rep, err
			}
			e.log.Warn("lease heartbeat failed", zap.Error(err))
		} else {
			e.lastBeat = now
		}
	}

	camp, err := e.store.GetCampaign(ctx, e.lease.CampaignID)
	if err != nil {
		return rep, err
	}
	rep.Status = camp.Status
	switch camp.Status {
	case store.CampaignStopped:
		e.release(ctx)
		e.log.Info("campaign stopped, lease released")
		rep.Done = true
		return rep, nil
	case store.CampaignPaused:
		return rep, nil
	}

	stats, err := e.store.WindowStats(ctx, camp.ID, now.Add(-e.cfg.StatsWindow))
	if err != nil {
		return rep, err
	}
	rep.Stats = stats
	rep.AnswerRate = AnswerRate(stats.Answered, stats.Failed)
	rep.Multiplier = Multiplier(stats.Answered, stats.Failed, camp.BaseMultiplier, camp.MaxMultiplier)
	rep.CallsToMake = CallsToMake(camp.MaxChannels, stats.Active, rep.Multiplier)

	if rep.CallsToMake > 0 {
		if err := e.originate(ctx, camp, now, &rep); err != nil {
			return e.fenced(rep, err)
		}
	}

	fence := e.lease.Fence()
	rearmed, err := e.store.RearmRetryable(ctx, fence, camp.MaxAttempts, now, func(attempts int) time.Duration {
		return RetryDelay(camp.RetryDelayBase, attempts, e.cfg.MaxBackoff)
	})
	rep.Rearmed = rearmed
	if err != nil {
		return e.fenced(rep, err)
	}

	e.publish(ctx, rep, now)
	if rep.Originated > 0 || rep.Rejected > 0 || rep.Rearmed > 0 {
		e.log.Debug("dial cycle",
			zap.Int("active", stats.Active),
			zap.Float64("multiplier", rep.Multiplier),
			zap.Int("calls_to_make", rep.CallsToMake),
			zap.Int("originated", rep.Originated),
			zap.Int("rejected", rep.Rejected),
			zap.Int("rearmed", rep.Rearmed))
	}
	return rep, nil
}

func (e *Engine) originate(ctx context.Context, camp store.Campaign, now time.Time, rep *CycleReport) error {
	entries, err := e.store.SelectDialable(ctx, camp.ID, now, rep.CallsToMake)
	if err != nil {
		return err
	}
	fence := e.lease.Fence()
	for _, entry := range entries {
		dialID := uuid.NewString()
		ok, err := e.store.StartDial(ctx, fence, store.Call{
			DialID:     dialID,
			CampaignID: camp.ID,
			ContactID:  entry.ContactID,
			WorkerID:   e.lease.WorkerID,
			Status:     store.StatusDialing,
			StartedAt:  now,
		})
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		err = e.orig.Originate(ctx, OriginateRequest{
			DialID:     dialID,
			CampaignID: camp.ID,
			ContactID:  entry.ContactID,
			WorkerID:   e.lease.WorkerID,
			Phone:      entry.Phone,
			CallerID:   camp.CallerID,
		})
		if err == nil {
			rep.Originated++
			continue
		}

		rep.Rejected++
		e.log.Info("origination rejected",
			zap.String("contact_id", entry.ContactID),
			zap.String("dial_id", dialID),
			zap.Error(err))
		if _, ferr := e.store.MarkOriginateFailed(ctx, fence, entry.ContactID); ferr != nil {
			return ferr
		}
		if _, ferr := e.store.EndCall(ctx, dialID, store.StatusFailed, 0, now); ferr != nil {
			return ferr
		}
	}
	return nil
}

// fenced maps a stale-generation write onto lease loss.
func (e *Engine) fenced(rep CycleReport, err error) (CycleReport, error) {
	if errors.Is(err, store.ErrFenced) {
		rep.Done = true
		return rep, fmt.Errorf("%w: %v", lease.ErrLeaseLost, err)
	}
	return rep, err
}

func (e *Engine) publish(ctx context.Context, rep CycleReport, now time.Time) {
	if e.pacing == nil {
		return
	}
	snap := store.PacingSnapshot{
		CampaignID:  e.lease.CampaignID,
		WorkerID:    e.lease.WorkerID,
		Generation:  e.lease.Generation,
		Active:      rep.Stats.Active,
		Answered:    rep.Stats.Answered,
		Failed:      rep.Stats.Failed,
		AnswerRate:  rep.AnswerRate,
		Multiplier:  rep.Multiplier,
		CallsToMake: rep.CallsToMake,
		Originated:  rep.Originated,
		Rejected:    rep.Rejected,
		Rearmed:     rep.Rearmed,
		At:          now,
	}
	if err := e.pacing.PublishPacing(ctx, snap, e.cfg.PacingTTL); err != nil {
		e.log.Warn("publish pacing", zap.Error(err))
	}
}
