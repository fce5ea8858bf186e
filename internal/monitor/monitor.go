// Package monitor follows the switch's event stream for the calls this
// worker originated, drives each call through its state machine and writes
// the terminal outcome back to the hopper.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"outbound-dialer/internal/ami"
	"outbound-dialer/internal/dialer"
	"outbound-dialer/internal/outcome"
	"outbound-dialer/internal/store"
)

// Channel variables set on every originated call.
const (
	VarDial     = "DIALER_DIAL"
	VarCampaign = "DIALER_CAMPAIGN"
	VarContact  = "DIALER_CONTACT"
	VarWorker   = "DIALER_WORKER"
)

const stateRinging = 5

// Switch is the part of the management client the monitor needs.
type Switch interface {
	Send(ctx context.Context, action *ami.Message) (*ami.Message, error)
	Events() <-chan ami.Event
}

type Config struct {
	WorkerID      string
	ChannelPrefix string
	Context       string
	Extension     string
	CallerID      string
	RingTimeout   time.Duration
	CallCeiling   time.Duration
	GCInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Context == "" {
		c.Context = "default"
	}
	if c.Extension == "" {
		c.Extension = "s"
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.CallCeiling <= 0 {
		c.CallCeiling = time.Hour
	}
	if c.GCInterval <= 0 {
		c.GCInterval = time.Minute
	}
	return c
}

// ActiveCall is the in-memory record of one in-flight call.
type ActiveCall struct {
	DialID       string            `json:"dial_id"`
	SwitchCallID string            `json:"switch_call_id,omitempty"`
	CampaignID   string            `json:"campaign_id"`
	ContactID    string            `json:"contact_id"`
	WorkerID     string            `json:"worker_id"`
	Channel      string            `json:"channel,omitempty"`
	Status       store.Status      `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	AnsweredAt   *time.Time        `json:"answered_at,omitempty"`
	Vars         map[string]string `json:"vars,omitempty"`

	uniqueIDs []string
}

func (c *ActiveCall) snapshot() ActiveCall {
	s := *c
	s.Vars = make(map[string]string, len(c.Vars))
	for k, v := range c.Vars {
		s.Vars[k] = v
	}
	if c.AnsweredAt != nil {
		t := *c.AnsweredAt
		s.AnsweredAt = &t
	}
	s.uniqueIDs = nil
	return s
}

func (c ActiveCall) record() store.Call {
	return store.Call{
		DialID:       c.DialID,
		SwitchCallID: c.SwitchCallID,
		CampaignID:   c.CampaignID,
		ContactID:    c.ContactID,
		WorkerID:     c.WorkerID,
		Channel:      c.Channel,
		Status:       c.Status,
		StartedAt:    c.StartedAt,
		AnsweredAt:   c.AnsweredAt,
		Vars:         c.Vars,
	}
}

type PeerState struct {
	Peer      string    `json:"peer"`
	Status    string    `json:"status"`
	Cause     string    `json:"cause,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type QueueMemberState struct {
	Queue     string    `json:"queue"`
	Interface string    `json:"interface"`
	Member    string    `json:"member,omitempty"`
	Status    int       `json:"status"`
	Paused    bool      `json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Monitor struct {
	sw    Switch
	store *store.Store
	sink  outcome.Publisher
	cfg   Config
	log   *zap.Logger
	now   func() time.Time

	mu      sync.Mutex
	calls   map[string]*ActiveCall // dial id
	byID    map[string]string      // switch unique id -> dial id
	peers   map[string]PeerState
	members map[string]QueueMemberState
}

func New(sw Switch, st *store.Store, sink outcome.Publisher, cfg Config, log *zap.Logger) *Monitor {
	if sink == nil {
		sink = outcome.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		sw:      sw,
		store:   st,
		sink:    sink,
		cfg:     cfg.withDefaults(),
		log:     log.With(zap.String("worker_id", cfg.WorkerID)),
		now:     time.Now,
		calls:   make(map[string]*ActiveCall),
		byID:    make(map[string]string),
		peers:   make(map[string]PeerState),
		members: make(map[string]QueueMemberState),
	}
}

func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

var _ dialer.Originator = (*Monitor)(nil)

// Originate registers the call and asks the switch to place it. The dial id
// doubles as the ActionID so the asynchronous OriginateResponse finds it.
func (m *Monitor) Originate(ctx context.Context, req dialer.OriginateRequest) error {
	call := &ActiveCall{
		DialID:     req.DialID,
		CampaignID: req.CampaignID,
		ContactID:  req.ContactID,
		WorkerID:   req.WorkerID,
		Status:     store.StatusDialing,
		StartedAt:  m.now(),
		Vars:       make(map[string]string),
	}
	m.mu.Lock()
	m.calls[req.DialID] = call
	m.mu.Unlock()

	callerID := req.CallerID
	if callerID == "" {
		callerID = m.cfg.CallerID
	}
	action := ami.Originate(ami.OriginateParams{
		ActionID: req.DialID,
		Channel:  m.cfg.ChannelPrefix + req.Phone,
		Context:  m.cfg.Context,
		Exten:    m.cfg.Extension,
		CallerID: callerID,
		Timeout:  m.cfg.RingTimeout,
		Variables: map[string]string{
			VarDial:     req.DialID,
			VarCampaign: req.CampaignID,
			VarContact:  req.ContactID,
			VarWorker:   req.WorkerID,
		},
	})
	if _, err := m.sw.Send(ctx, action); err != nil {
		m.mu.Lock()
		m.drop(req.DialID)
		m.mu.Unlock()
		if errors.Is(err, ami.ErrActionFailed) {
			return fmt.Errorf("%w: %v", dialer.ErrOriginateRejected, err)
		}
		return err
	}
	return nil
}

// Run recovers this worker's open calls, then consumes switch events until
// ctx is done or the event stream closes, collecting orphaned calls on a
// timer.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.Recover(ctx); err != nil {
		m.log.Warn("recover open calls", zap.Error(err))
	}
	m.GC(ctx)

	ticker := time.NewTicker(m.cfg.GCInterval)
	defer ticker.Stop()
	events := m.sw.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.Handle(ctx, ev)
		case <-ticker.C:
			m.GC(ctx)
		}
	}
}

// Handle applies one event.
func (m *Monitor) Handle(ctx context.Context, ev ami.Event) {
	switch e := ev.(type) {
	case ami.VarSetEvent:
		m.onVarSet(ctx, e)
	case ami.OriginateResponseEvent:
		m.onOriginateResponse(ctx, e)
	case ami.DialEvent:
		m.onDial(ctx, e)
	case ami.NewstateEvent:
		m.onNewstate(ctx, e)
	case ami.BridgeEvent:
		m.onBridge(ctx, e)
	case ami.HangupEvent:
		m.onHangup(ctx, e)
	case ami.PeerStatusEvent:
		m.mu.Lock()
		m.peers[e.Peer] = PeerState{Peer: e.Peer, Status: e.Status, Cause: e.Cause, UpdatedAt: m.now()}
		m.mu.Unlock()
	case ami.QueueMemberEvent:
		m.mu.Lock()
		key := e.Queue + "/" + e.Interface
		if e.Name() == "QueueMemberRemoved" {
			delete(m.members, key)
		} else {
			m.members[key] = QueueMemberState{
				Queue: e.Queue, Interface: e.Interface, Member: e.Member,
				Status: e.Status, Paused: e.Paused, UpdatedAt: m.now(),
			}
		}
		m.mu.Unlock()
	}
}

// lookup and the other map helpers below require m.mu.
func (m *Monitor) lookup(uniqueID string) *ActiveCall {
	if uniqueID == "" {
		return nil
	}
	return m.calls[m.byID[uniqueID]]
}

func (m *Monitor) bind(uniqueID string, call *ActiveCall) {
	if uniqueID == "" {
		return
	}
	if _, ok := m.byID[uniqueID]; ok {
		return
	}
	if call.SwitchCallID == "" {
		call.SwitchCallID = uniqueID
	}
	m.byID[uniqueID] = call.DialID
	call.uniqueIDs = append(call.uniqueIDs, uniqueID)
}

func (m *Monitor) drop(dialID string) {
	call, ok := m.calls[dialID]
	if !ok {
		return
	}
	for _, id := range call.uniqueIDs {
		delete(m.byID, id)
	}
	delete(m.calls, dialID)
}

func (m *Monitor) onVarSet(ctx context.Context, e ami.VarSetEvent) {
	if e.Variable == VarDial {
		m.mu.Lock()
		call := m.calls[e.Value]
		if call != nil {
			m.bind(e.UniqueID, call)
		}
		m.mu.Unlock()
		if call == nil {
			m.adopt(ctx, e.Value, e.UniqueID)
		}
		return
	}

	m.mu.Lock()
	call := m.lookup(e.UniqueID)
	if call == nil {
		m.mu.Unlock()
		return
	}
	call.Vars[e.Variable] = e.Value
	snap := call.snapshot()
	m.mu.Unlock()
	m.mirror(ctx, snap)
}

// adopt takes over a still-open call this worker originated before a
// restart. Calls placed by other workers are left to them.
func (m *Monitor) adopt(ctx context.Context, dialID, uniqueID string) {
	rec, err := m.store.GetCall(ctx, dialID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("look up call", zap.String("dial_id", dialID), zap.Error(err))
		}
		return
	}
	if rec.WorkerID != m.cfg.WorkerID || rec.EndedAt != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.calls[dialID]
	if call == nil {
		call = fromRecord(rec)
		m.calls[dialID] = call
		m.log.Info("adopted in-flight call", zap.String("dial_id", dialID))
	}
	m.bind(uniqueID, call)
}

// Recover loads the unended calls this worker recorded before a restart, so
// the ones the switch never reports on again are still collected by GC.
func (m *Monitor) Recover(ctx context.Context) (int, error) {
	recs, err := m.store.OpenCalls(ctx, m.cfg.WorkerID)
	if err != nil {
		return 0, err
	}
	n := 0
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		if _, ok := m.calls[rec.DialID]; ok {
			continue
		}
		call := fromRecord(rec)
		m.calls[rec.DialID] = call
		if rec.SwitchCallID != "" {
			m.bind(rec.SwitchCallID, call)
		}
		n++
	}
	if n > 0 {
		m.log.Info("recovered open calls", zap.Int("calls", n))
	}
	return n, nil
}

func fromRecord(rec store.Call) *ActiveCall {
	call := &ActiveCall{
		DialID:       rec.DialID,
		SwitchCallID: rec.SwitchCallID,
		CampaignID:   rec.CampaignID,
		ContactID:    rec.ContactID,
		WorkerID:     rec.WorkerID,
		Channel:      rec.Channel,
		Status:       rec.Status,
		StartedAt:    rec.StartedAt,
		AnsweredAt:   rec.AnsweredAt,
		Vars:         rec.Vars,
	}
	if call.Vars == nil {
		call.Vars = make(map[string]string)
	}
	return call
}

func (m *Monitor) onOriginateResponse(ctx context.Context, e ami.OriginateResponseEvent) {
	m.mu.Lock()
	call := m.calls[e.ActionID]
	if call == nil {
		m.mu.Unlock()
		return
	}
	if e.Success() {
		m.bind(e.UniqueID, call)
		if call.Channel == "" {
			call.Channel = e.Channel
		}
		snap := call.snapshot()
		m.mu.Unlock()
		m.mirror(ctx, snap)
		return
	}
	// No call leg was created, so no Hangup will follow.
	snap := call.snapshot()
	m.drop(call.DialID)
	m.mu.Unlock()
	m.log.Info("origination failed",
		zap.String("dial_id", snap.DialID),
		zap.Int("reason", e.Reason))
	m.finish(ctx, snap, store.StatusFailed, 0, false)
}

func (m *Monitor) onDial(ctx context.Context, e ami.DialEvent) {
	if !e.Begin() {
		return
	}
	m.mu.Lock()
	call := m.lookup(e.UniqueID)
	if call == nil {
		call = m.lookup(e.DestUniqueID)
	}
	if call == nil {
		m.mu.Unlock()
		return
	}
	m.bind(e.UniqueID, call)
	m.bind(e.DestUniqueID, call)
	if call.Channel == "" {
		call.Channel = e.Channel
	}
	snap := call.snapshot()
	m.mu.Unlock()
	m.mirror(ctx, snap)
}

func (m *Monitor) onNewstate(ctx context.Context, e ami.NewstateEvent) {
	if e.State != stateRinging {
		return
	}
	m.mu.Lock()
	call := m.lookup(e.UniqueID)
	if call == nil || call.Status != store.StatusDialing {
		m.mu.Unlock()
		return
	}
	call.Status = store.StatusRinging
	snap := call.snapshot()
	m.mu.Unlock()

	if _, err := m.store.Transition(ctx, snap.CampaignID, snap.ContactID,
		[]store.Status{store.StatusDialing}, store.StatusRinging); err != nil {
		m.log.Warn("mark ringing", zap.String("dial_id", snap.DialID), zap.Error(err))
	}
	m.mirror(ctx, snap)
}

func (m *Monitor) onBridge(ctx context.Context, e ami.BridgeEvent) {
	if !e.Linked() {
		return
	}
	m.mu.Lock()
	call := m.lookup(e.UniqueID1)
	if call == nil {
		call = m.lookup(e.UniqueID2)
	}
	if call == nil || call.Status == store.StatusConnected {
		m.mu.Unlock()
		return
	}
	now := m.now()
	call.Status = store.StatusConnected
	call.AnsweredAt = &now
	snap := call.snapshot()
	m.mu.Unlock()

	if _, err := m.store.SetOutcome(ctx, snap.CampaignID, snap.ContactID, store.StatusAnswered); err != nil {
		m.log.Warn("mark answered", zap.String("dial_id", snap.DialID), zap.Error(err))
	}
	m.mirror(ctx, snap)
}

func (m *Monitor) onHangup(ctx context.Context, e ami.HangupEvent) {
	m.mu.Lock()
	call := m.lookup(e.UniqueID)
	if call == nil {
		m.mu.Unlock()
		return
	}
	connected := call.Status == store.StatusConnected
	snap := call.snapshot()
	m.drop(call.DialID)
	m.mu.Unlock()

	m.finish(ctx, snap, Classify(e.Cause, connected), e.Cause, false)
}

// GC drops calls older than the call ceiling that never saw a terminating
// event, and returns how many it dropped.
func (m *Monitor) GC(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.CallCeiling)
	var orphans []ActiveCall
	m.mu.Lock()
	for id, call := range m.calls {
		if call.StartedAt.Before(cutoff) {
			orphans = append(orphans, call.snapshot())
			m.drop(id)
		}
	}
	m.mu.Unlock()

	for _, c := range orphans {
		m.log.Warn("dropping orphaned call",
			zap.String("dial_id", c.DialID),
			zap.String("campaign_id", c.CampaignID),
			zap.Time("started_at", c.StartedAt))
		m.finish(ctx, c, store.StatusFailed, 0, true)
	}
	return len(orphans)
}

func (m *Monitor) finish(ctx context.Context, c ActiveCall, status store.Status, cause int, orphaned bool) {
	now := m.now()
	c.Status = status

	if _, err := m.store.SetOutcome(ctx, c.CampaignID, c.ContactID, status); err != nil {
		m.log.Error("write call outcome", zap.String("dial_id", c.DialID), zap.Error(err))
	}
	m.mirror(ctx, c)
	if _, err := m.store.EndCall(ctx, c.DialID, status, cause, now); err != nil {
		m.log.Error("end call", zap.String("dial_id", c.DialID), zap.Error(err))
	}

	err := m.sink.Publish(ctx, outcome.Outcome{
		DialID:       c.DialID,
		SwitchCallID: c.SwitchCallID,
		CampaignID:   c.CampaignID,
		ContactID:    c.ContactID,
		WorkerID:     c.WorkerID,
		Status:       status,
		Cause:        cause,
		Orphaned:     orphaned,
		StartedAt:    c.StartedAt,
		AnsweredAt:   c.AnsweredAt,
		EndedAt:      now,
		Vars:         c.Vars,
	})
	if err != nil {
		m.log.Warn("publish call outcome", zap.String("dial_id", c.DialID), zap.Error(err))
	}

	m.log.Debug("call finished",
		zap.String("dial_id", c.DialID),
		zap.String("status", string(status)),
		zap.Int("cause", cause))
}

func (m *Monitor) mirror(ctx context.Context, c ActiveCall) {
	if err := m.store.MirrorCall(ctx, c.record()); err != nil {
		m.log.Warn("mirror call", zap.String("dial_id", c.DialID), zap.Error(err))
	}
}

// Calls returns the in-flight calls, oldest first.
func (m *Monitor) Calls() []ActiveCall {
	m.mu.Lock()
	out := make([]ActiveCall, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Monitor) Peers() []PeerState {
	m.mu.Lock()
	out := make([]PeerState, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (m *Monitor) QueueMembers() []QueueMemberState {
	m.mu.Lock()
	out := make([]QueueMemberState, 0, len(m.members))
	for _, q := range m.members {
		out = append(out, q)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Queue != out[j].Queue {
			return out[i].Queue < out[j].Queue
		}
		return out[i].Interface < out[j].Interface
	})
	return out
}
