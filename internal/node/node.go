// Package node is one dialer worker process: it heartbeats, claims campaign
// leases and runs an engine per lease, follows the switch event stream, and
// serves control commands.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outbound-dialer/internal/config"
	"outbound-dialer/internal/control"
	"outbound-dialer/internal/dialer"
	"outbound-dialer/internal/lease"
	"outbound-dialer/internal/lock"
	"outbound-dialer/internal/monitor"
	"outbound-dialer/internal/outcome"
	"outbound-dialer/internal/queue"
	"outbound-dialer/internal/store"
)

// SwitchConn is the switch connection the node owns for its lifetime.
type SwitchConn interface {
	monitor.Switch
	Run(ctx context.Context) error
	Connected() bool
}

type Deps struct {
	Config   config.Config
	Redis    *redis.Client
	Store    *store.Store
	Switch   SwitchConn
	Outcomes outcome.Publisher
	Log      *zap.Logger
}

type engineRun struct {
	engine *dialer.Engine
	cancel context.CancelFunc
	done   chan struct{}
}

type Node struct {
	cfg      config.Config
	id       string
	log      *zap.Logger
	store    *store.Store
	registry *store.Registry
	leases   *lease.Coordinator
	monitor  *monitor.Monitor
	sw       SwitchConn

	controlWorker *queue.Worker
	ownWorker     *queue.Worker
	sweeper       *queue.Sweeper

	mu      sync.Mutex
	engines map[string]*engineRun
	wg      sync.WaitGroup
}

func New(d Deps) (*Node, error) {
	if d.Redis == nil || d.Store == nil || d.Switch == nil {
		return nil, errors.New("node: redis, store and switch are required")
	}
	if err := d.Config.Validate(); err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := d.Config
	id := cfg.WorkerID
	log = log.With(zap.String("worker_id", id))

	commander := control.NewCommander(d.Redis, cfg.Redis.Prefix, queue.Options{
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryDelayBase: cfg.Queue.RetryDelayBase,
		ResultTTL:      cfg.Queue.ResultTTL,
		DeadLetterTTL:  cfg.Queue.DeadLetterTTL,
	})
	controlQ := commander.Queue(control.ControlQueue)
	ownQ := commander.Queue(control.WorkerQueue(id))

	n := &Node{
		cfg:      cfg,
		id:       id,
		log:      log,
		store:    d.Store,
		registry: store.NewRegistry(d.Redis, cfg.Redis.Prefix),
		sw:       d.Switch,
		engines:  make(map[string]*engineRun),
	}
	n.leases = lease.New(lock.New(d.Redis, cfg.Redis.Prefix), d.Store, id, lease.Config{
		LockTTL:           cfg.Lease.LockTTL,
		LivenessWindow:    cfg.Lease.LivenessWindow,
		HeartbeatInterval: cfg.Lease.HeartbeatInterval,
	}, log)
	n.monitor = monitor.New(d.Switch, d.Store, d.Outcomes, monitor.Config{
		WorkerID:      id,
		ChannelPrefix: cfg.Switch.ChannelPrefix,
		Context:       cfg.Switch.Context,
		Extension:     cfg.Switch.Extension,
		CallerID:      cfg.Switch.CallerID,
		RingTimeout:   cfg.Switch.DialTimeout,
		CallCeiling:   cfg.Switch.CallCeiling,
	}, log)

	n.controlWorker = queue.NewWorker(controlQ, id, cfg.Queue.Consumers, cfg.Queue.PopTimeout, log)
	for _, kind := range []string{control.KindCampaignStart, control.KindCampaignStop, control.KindCampaignPause, control.KindCampaignResume} {
		n.controlWorker.Handle(kind, n.handleCampaign)
	}
	n.ownWorker = queue.NewWorker(ownQ, id, 1, cfg.Queue.PopTimeout, log)
	for _, kind := range []string{control.KindWorkerAdd, control.KindWorkerRemove, control.KindWorkerRestart} {
		n.ownWorker.Handle(kind, n.handleWorker)
	}
	n.sweeper = queue.NewSweeper(cfg.Queue.SweepInterval, cfg.Queue.OrphanTimeout, log, controlQ, ownQ)
	return n, nil
}

func (n *Node) ID() string { return n.id }

func (n *Node) Monitor() *monitor.Monitor { return n.monitor }

// Run blocks until ctx is done. On the way out every engine releases its
// lease and the worker heartbeat is withdrawn.
func (n *Node) Run(ctx context.Context) error {
	n.log.Info("worker starting")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.sw.Run(gctx) })
	g.Go(func() error { return n.monitor.Run(gctx) })
	g.Go(func() error { n.heartbeatLoop(gctx); return nil })
	g.Go(func() error { n.claimLoop(gctx); return nil })
	g.Go(func() error { n.controlWorker.Run(gctx); return nil })
	g.Go(func() error { n.ownWorker.Run(gctx); return nil })
	g.Go(func() error { n.sweeper.Run(gctx); return nil })
	err := g.Wait()

	n.stopAll()
	n.wg.Wait()

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if ferr := n.registry.Forget(cctx, n.id); ferr != nil {
		n.log.Warn("withdraw heartbeat", zap.Error(ferr))
	}
	n.log.Info("worker stopped")
	return err
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Queue.HeartbeatPeriod)
	defer ticker.Stop()
	for {
		if err := n.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			n.log.Warn("worker heartbeat failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Heartbeat publishes this worker's liveness, held campaigns and a summary
// of its switch connection.
func (n *Node) Heartbeat(ctx context.Context) error {
	var peers map[string]string
	if ps := n.monitor.Peers(); len(ps) > 0 {
		peers = make(map[string]string, len(ps))
		for _, p := range ps {
			peers[p.Peer] = p.Status
		}
	}
	return n.registry.Heartbeat(ctx, store.WorkerHeartbeat{
		WorkerID:        n.id,
		Campaigns:       n.Held(),
		ActiveCalls:     len(n.monitor.Calls()),
		SwitchConnected: n.sw.Connected(),
		Peers:           peers,
	}, n.cfg.Queue.HeartbeatTTL)
}

func (n *Node) claimLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Lease.ClaimInterval)
	defer ticker.Stop()
	for {
		if _, err := n.ClaimOnce(ctx); err != nil && ctx.Err() == nil {
			n.log.Warn("claim pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ClaimOnce tries to lease every runnable campaign this worker does not hold
// yet, up to the campaign limit, and starts an engine for each lease won.
func (n *Node) ClaimOnce(ctx context.Context) (int, error) {
	disabled, err := n.registry.IsDisabled(ctx, n.id)
	if err != nil {
		return 0, err
	}
	if disabled {
		return 0, nil
	}
	camps, err := n.store.ListCampaigns(ctx, store.CampaignStarting, store.CampaignRunning)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, c := range camps {
		if n.holds(c.ID) {
			continue
		}
		if n.cfg.Lease.MaxCampaigns > 0 && len(n.Held()) >= n.cfg.Lease.MaxCampaigns {
			break
		}
		l, err := n.leases.Claim(ctx, c.ID)
		if errors.Is(err, lease.ErrNotClaimable) {
			continue
		}
		if err != nil {
			n.log.Warn("claim campaign", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		n.startEngine(ctx, l)
		claimed++
	}
	return claimed, nil
}

func (n *Node) startEngine(ctx context.Context, l *lease.Lease) {
	eng := dialer.NewEngine(n.store, n.leases, l, n.monitor, n.registry, dialer.Config{
		CycleInterval: n.cfg.Dialer.CycleInterval,
		StatsWindow:   n.cfg.Dialer.StatsWindow,
		MaxBackoff:    n.cfg.Dialer.MaxBackoff,
	}, n.log)
	ectx, cancel := context.WithCancel(ctx)
	run := &engineRun{engine: eng, cancel: cancel, done: make(chan struct{})}

	n.mu.Lock()
	n.engines[l.CampaignID] = run
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer close(run.done)
		defer cancel()
		if err := eng.Run(ectx); err != nil && !errors.Is(err, context.Canceled) {
			n.log.Warn("engine stopped", zap.String("campaign_id", l.CampaignID), zap.Error(err))
		}
		n.mu.Lock()
		if n.engines[l.CampaignID] == run {
			delete(n.engines, l.CampaignID)
		}
		n.mu.Unlock()
	}()
}

func (n *Node) holds(campaignID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.engines[campaignID]
	return ok
}

// Held lists the campaigns this worker runs an engine for.
func (n *Node) Held() []string {
	n.mu.Lock()
	out := make([]string, 0, len(n.engines))
	for id := range n.engines {
		out = append(out, id)
	}
	n.mu.Unlock()
	sort.Strings(out)
	return out
}

// stopEngine cancels a campaign's engine and waits for it to release.
func (n *Node) stopEngine(campaignID string) bool {
	n.mu.Lock()
	run, ok := n.engines[campaignID]
	n.mu.Unlock()
	if !ok {
		return false
	}
	run.cancel()
	<-run.done
	return true
}

func (n *Node) stopAll() {
	for _, id := range n.Held() {
		n.stopEngine(id)
	}
}

type commandResult struct {
	CampaignID string               `json:"campaign_id,omitempty"`
	WorkerID   string               `json:"worker_id,omitempty"`
	Changed    bool                 `json:"changed"`
	Status     store.CampaignStatus `json:"status,omitempty"`
	Released   []string             `json:"released,omitempty"`
}

var campaignTransitions = map[string]struct {
	from []store.CampaignStatus
	to   store.CampaignStatus
}{
	control.KindCampaignStart:  {[]store.CampaignStatus{store.CampaignStopped}, store.CampaignStarting},
	control.KindCampaignStop:   {[]store.CampaignStatus{store.CampaignStarting, store.CampaignRunning, store.CampaignPaused}, store.CampaignStopped},
	control.KindCampaignPause:  {[]store.CampaignStatus{store.CampaignRunning}, store.CampaignPaused},
	control.KindCampaignResume: {[]store.CampaignStatus{store.CampaignPaused}, store.CampaignRunning},
}

func (n *Node) handleCampaign(ctx context.Context, item *queue.Item) ([]byte, error) {
	var cmd control.CampaignCommand
	if err := item.Decode(&cmd); err != nil {
		return nil, err
	}
	tr, ok := campaignTransitions[item.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind: %s", item.Kind)
	}
	changed, err := n.store.TransitionCampaign(ctx, cmd.CampaignID, tr.from, tr.to)
	if err != nil {
		return nil, err
	}
	camp, err := n.store.GetCampaign(ctx, cmd.CampaignID)
	if err != nil {
		return nil, err
	}
	if changed && item.Kind == control.KindCampaignStop {
		n.stopEngine(cmd.CampaignID)
	}
	n.log.Info("campaign command",
		zap.String("kind", item.Kind),
		zap.String("campaign_id", cmd.CampaignID),
		zap.Bool("changed", changed),
		zap.String("status", string(camp.Status)))
	return json.Marshal(commandResult{CampaignID: cmd.CampaignID, Changed: changed, Status: camp.Status})
}

func (n *Node) handleWorker(ctx context.Context, item *queue.Item) ([]byte, error) {
	var cmd control.WorkerCommand
	if err := item.Decode(&cmd); err != nil {
		return nil, err
	}
	if cmd.WorkerID != n.id {
		return nil, fmt.Errorf("%s addressed to worker %s", item.Kind, cmd.WorkerID)
	}

	res := commandResult{WorkerID: n.id, Changed: true}
	switch item.Kind {
	case control.KindWorkerAdd:
		if err := n.registry.SetDisabled(ctx, n.id, false); err != nil {
			return nil, err
		}
	case control.KindWorkerRemove:
		if err := n.registry.SetDisabled(ctx, n.id, true); err != nil {
			return nil, err
		}
		res.Released = n.Held()
		n.stopAll()
	case control.KindWorkerRestart:
		res.Released = n.Held()
		n.stopAll()
	default:
		return nil, fmt.Errorf("unknown kind: %s", item.Kind)
	}
	n.log.Info("worker command", zap.String("kind", item.Kind), zap.Strings("released", res.Released))
	return json.Marshal(res)
}
