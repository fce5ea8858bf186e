package dialer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/lease"
	"outbound-dialer/internal/lock"
	"outbound-dialer/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeOriginator struct {
	mu     sync.Mutex
	reqs   []OriginateRequest
	reject map[string]bool
}

func (f *fakeOriginator) Originate(_ context.Context, req OriginateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.reject[req.Phone] {
		return fmt.Errorf("switch said no: %w", ErrOriginateRejected)
	}
	return nil
}

type fakePacing struct {
	snaps []store.PacingSnapshot
}

func (f *fakePacing) PublishPacing(_ context.Context, snap store.PacingSnapshot, _ time.Duration) error {
	f.snaps = append(f.snaps, snap)
	return nil
}

type harness struct {
	store  *store.Store
	locker *lock.Locker
	coord  *lease.Coordinator
	engine *Engine
	orig   *fakeOriginator
	pacing *fakePacing
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "dialer.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, locker: lock.New(rdb, "test"), orig: &fakeOriginator{reject: map[string]bool{}}, pacing: &fakePacing{}, now: t0}
	clock := func() time.Time { return h.now }
	st.SetClock(clock)

	ctx := context.Background()
	require.NoError(t, st.CreateCampaign(ctx, store.Campaign{
		ID: "c1", TenantID: "t1", Status: store.CampaignStarting, MaxChannels: 10,
		BaseMultiplier: 1.2, MaxMultiplier: 2, MaxAttempts: 3, RetryDelayBase: time.Minute,
	}))

	h.coord = lease.New(h.locker, st, "w1", lease.Config{
		LockTTL: time.Minute, LivenessWindow: 2 * time.Minute, HeartbeatInterval: 30 * time.Second,
	}, nil)
	h.coord.SetClock(clock)
	l, err := h.coord.Claim(ctx, "c1")
	require.NoError(t, err)

	h.engine = NewEngine(st, h.coord, l, h.orig, h.pacing, Config{}, nil)
	h.engine.SetClock(clock)
	return h
}

func (h *harness) addContacts(t *testing.T, phones ...string) {
	t.Helper()
	for i, p := range phones {
		require.NoError(t, h.store.AddContact(context.Background(), store.HopperEntry{
			CampaignID: "c1", ContactID: fmt.Sprintf("k%d", i), Phone: p,
		}))
	}
}

func TestCycleOriginatesDialableContacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addContacts(t, "100", "101", "102")

	rep, err := h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Done)
	assert.Equal(t, store.CampaignRunning, rep.Status)
	assert.InDelta(t, 1.8, rep.Multiplier, 1e-9)
	assert.Equal(t, 10, rep.CallsToMake)
	assert.Equal(t, 3, rep.Originated)
	require.Len(t, h.orig.reqs, 3)
	assert.Equal(t, "w1", h.orig.reqs[0].WorkerID)

	for i := 0; i < 3; i++ {
		e, err := h.store.GetEntry(ctx, "c1", fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		assert.Equal(t, store.StatusDialing, e.Status)
		assert.Equal(t, 1, e.Attempts)

		call, err := h.store.GetCall(ctx, e.LastDialID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusDialing, call.Status)
	}

	ws, err := h.store.WindowStats(ctx, "c1", t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, ws.Active)

	require.Len(t, h.pacing.snaps, 1)
	assert.Equal(t, 3, h.pacing.snaps[0].Originated)

	rep, err = h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Originated, "nothing left to dial")
	assert.Equal(t, 3, rep.Stats.Active)
}

func TestRejectedOriginationFailsEntryAndRearmsIt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addContacts(t, "bad")
	h.orig.reject["bad"] = true

	rep, err := h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Originated)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, 1, rep.Rearmed)

	e, err := h.store.GetEntry(ctx, "c1", "k0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusWaiting, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, t0.Add(time.Minute), e.NextAttemptAt)

	call, err := h.store.GetCall(ctx, e.LastDialID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, call.Status)
	require.NotNil(t, call.EndedAt)
}

func TestBusyContactBacksOffExponentially(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addContacts(t, "100")

	for attempt := 1; attempt <= 2; attempt++ {
		rep, err := h.engine.Cycle(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Originated)
		_, err = h.store.SetOutcome(ctx, "c1", "k0", store.StatusBusy)
		require.NoError(t, err)

		rep, err = h.engine.Cycle(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Rearmed)

		e, err := h.store.GetEntry(ctx, "c1", "k0")
		require.NoError(t, err)
		want := h.now.Add(RetryDelay(time.Minute, attempt, 0))
		assert.Equal(t, want, e.NextAttemptAt, "attempt %d", attempt)
		h.now = e.NextAttemptAt
	}

	e, err := h.store.GetEntry(ctx, "c1", "k0")
	require.NoError(t, err)
	assert.Equal(t, 2, e.Attempts)

	_, err = h.engine.Cycle(ctx)
	require.NoError(t, err)
	_, err = h.store.SetOutcome(ctx, "c1", "k0", store.StatusBusy)
	require.NoError(t, err)
	rep, err := h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Rearmed, "budget exhausted")

	e, err = h.store.GetEntry(ctx, "c1", "k0")
	require.NoError(t, err)
	assert.Equal(t, store.StatusBusy, e.Status)
	assert.Equal(t, 3, e.Attempts)
}

func TestFullChannelsSkipOrigination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addContacts(t, "100")
	for i := 0; i < 10; i++ {
		require.NoError(t, h.store.CreateDial(ctx, store.Call{
			DialID: fmt.Sprintf("live-%d", i), CampaignID: "c1", ContactID: "other", WorkerID: "w1", StartedAt: t0,
		}))
	}

	rep, err := h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, rep.Stats.Active)
	assert.Zero(t, rep.CallsToMake)
	assert.Empty(t, h.orig.reqs)
}

func TestPausedCampaignKeepsLeaseWithoutDialing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addContacts(t, "100")
	_, err := h.store.TransitionCampaign(ctx, "c1", []store.CampaignStatus{store.CampaignRunning}, store.CampaignPaused)
	require.NoError(t, err)

	rep, err := h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Done)
	assert.Equal(t, store.CampaignPaused, rep.Status)
	assert.Empty(t, h.orig.reqs)

	rec, _, err := h.store.GetLease(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "w1", rec.WorkerID)
}

func TestStoppedCampaignReleasesLease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.TransitionCampaign(ctx, "c1", []store.CampaignStatus{store.CampaignRunning}, store.CampaignStopped)
	require.NoError(t, err)

	rep, err := h.engine.Cycle(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Done)

	rec, ok, err := h.store.GetLease(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, rec.Held())
}

func TestLostLeaseStopsEngine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.addContacts(t, "100")

	other := lease.New(h.locker, h.store, "w2", lease.Config{LockTTL: time.Minute, LivenessWindow: 2 * time.Minute}, nil)
	h.now = t0.Add(3 * time.Minute)
	other.SetClock(func() time.Time { return h.now })
	_, err := other.Claim(ctx, "c1")
	require.NoError(t, err)

	rep, err := h.engine.Cycle(ctx)
	assert.ErrorIs(t, err, lease.ErrLeaseLost)
	assert.True(t, rep.Done)
	assert.Empty(t, h.orig.reqs)

	require.ErrorIs(t, h.engine.Run(ctx), lease.ErrLeaseLost)
}
