package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/control"
	"outbound-dialer/internal/queue"
	"outbound-dialer/internal/store"
)

type testServer struct {
	router    *gin.Engine
	store     *store.Store
	registry  *store.Registry
	commander *control.Commander
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := NewHandler(rdb, st, "test", queue.Options{}, nil)
	return &testServer{
		router:    h.Router(),
		store:     st,
		registry:  store.NewRegistry(rdb, "test"),
		commander: control.NewCommander(rdb, "test", queue.Options{}),
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]any](t, w)["status"])
}

func TestCreateCampaignAndLoadContacts(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/campaigns", `{"id":"c1","tenant_id":"t1","max_channels":4,"retry_delay":"30s"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	camp := decode[store.Campaign](t, w)
	assert.Equal(t, store.CampaignStopped, camp.Status)
	assert.Equal(t, 30*time.Second, camp.RetryDelayBase)

	w = s.do(t, http.MethodPost, "/campaigns", `{"id":"c1","tenant_id":"t1","max_channels":4}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/campaigns", `{"id":"c2"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/campaigns/c1/contacts", `[{"contact_id":"a","phone":"5551"},{"contact_id":"b","phone":"5552"}]`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode[map[string]any](t, w)["added"])

	w = s.do(t, http.MethodPost, "/campaigns/nope/contacts", `[{"contact_id":"a","phone":"5551"}]`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/campaigns/c1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Campaign store.Campaign       `json:"campaign"`
		Hopper   map[store.Status]int `json:"hopper"`
		LockHeld bool                 `json:"lock_held"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "c1", got.Campaign.ID)
	assert.Equal(t, 2, got.Hopper[store.StatusWaiting])
	assert.False(t, got.LockHeld)

	w = s.do(t, http.MethodGet, "/campaigns/c1/contacts", "")
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode[[]store.HopperEntry](t, w)
	require.Len(t, entries, 2)
	assert.Equal(t, store.StatusWaiting, entries[0].Status)

	w = s.do(t, http.MethodGet, "/campaigns", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]store.Campaign](t, w), 1)
}

func TestCampaignActionsEnqueueControlCommands(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateCampaign(ctx, store.Campaign{ID: "c1", TenantID: "t1", MaxChannels: 2}))

	w := s.do(t, http.MethodPost, "/campaigns/c1/start", `{"requested_by":"ops"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	w = s.do(t, http.MethodPost, "/campaigns/c1/stop", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	item, err := s.commander.Queue(control.ControlQueue).Pop(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, control.KindCampaignStop, item.Kind, "stop is served before start")

	item, err = s.commander.Queue(control.ControlQueue).Pop(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	var cmd control.CampaignCommand
	require.NoError(t, item.Decode(&cmd))
	assert.Equal(t, "ops", cmd.RequestedBy)

	w = s.do(t, http.MethodPost, "/campaigns/missing/start", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/campaigns/c1/explode", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduledCampaignCommand(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateCampaign(ctx, store.Campaign{ID: "c1", TenantID: "t1", MaxChannels: 2}))

	at := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	w := s.do(t, http.MethodPost, "/campaigns/c1/start", `{"at":"`+at+`"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "scheduled", decode[map[string]any](t, w)["status"])

	st, err := s.commander.Queue(control.ControlQueue).Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Delayed)
	assert.Zero(t, st.Pending[queue.TierNormal])

	w = s.do(t, http.MethodPost, "/campaigns/c1/start", `{"at":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWorkerActionsAndListing(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.registry.Heartbeat(ctx, store.WorkerHeartbeat{WorkerID: "w1", Campaigns: []string{"c1"}}, time.Minute))

	w := s.do(t, http.MethodPost, "/workers/w1/remove", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "worker:w1", decode[map[string]any](t, w)["queue"])

	w = s.do(t, http.MethodGet, "/queues/worker:w1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var qs struct {
		Stats   queue.Stats                 `json:"stats"`
		Pending map[queue.Tier][]queue.Item `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qs))
	assert.Equal(t, 1, qs.Stats.Pending[queue.TierHigh])
	require.Len(t, qs.Pending[queue.TierHigh], 1)
	assert.Equal(t, control.KindWorkerRemove, qs.Pending[queue.TierHigh][0].Kind)

	w = s.do(t, http.MethodGet, "/workers", "")
	require.Equal(t, http.StatusOK, w.Code)
	workers := decode[[]store.WorkerHeartbeat](t, w)
	require.Len(t, workers, 1)
	assert.Equal(t, []string{"c1"}, workers[0].Campaigns)
}

func TestDeadLettersAndClear(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	q := s.commander.Queue("scratch")
	_, err := q.Push(ctx, "noop", map[string]string{"a": "b"}, queue.TierLow)
	require.NoError(t, err)
	item, err := q.Pop(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	item.MaxAttempts = 1
	dead, err := q.Fail(ctx, item, "boom")
	require.NoError(t, err)
	require.True(t, dead)

	w := s.do(t, http.MethodGet, "/queues/scratch/dead", "")
	require.Equal(t, http.StatusOK, w.Code)
	letters := decode[[]queue.DeadLetter](t, w)
	require.Len(t, letters, 1)
	assert.Equal(t, "boom", letters[0].Reason)

	w = s.do(t, http.MethodDelete, "/queues/scratch", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/queues/scratch/dead", "")
	assert.Empty(t, decode[[]queue.DeadLetter](t, w))
}

func TestResultOfACompletedCommand(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	q := s.commander.Queue(control.ControlQueue)
	_, err := q.Push(ctx, "noop", map[string]string{}, queue.TierNormal)
	require.NoError(t, err)
	item, err := q.Pop(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, item, []byte(`{"changed":true}`)))

	w := s.do(t, http.MethodGet, "/queues/control/results/"+item.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"changed":true}`, w.Body.String())

	w = s.do(t, http.MethodGet, "/queues/control/results/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStats(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.CreateCampaign(ctx, store.Campaign{ID: "c1", TenantID: "t1", Status: store.CampaignRunning, MaxChannels: 2}))
	_, ok, err := s.store.ClaimLease(ctx, "c1", "w1", "tok", time.Now(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.registry.Heartbeat(ctx, store.WorkerHeartbeat{WorkerID: "w1"}, time.Minute))
	require.NoError(t, s.registry.PublishPacing(ctx, store.PacingSnapshot{CampaignID: "c1", WorkerID: "w1", Multiplier: 1.5}, time.Minute))

	w := s.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Queues  []queue.Stats                   `json:"queues"`
		Workers int                             `json:"workers"`
		Leases  []store.LeaseRecord             `json:"leases"`
		Pacing  map[string]store.PacingSnapshot `json:"pacing"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Queues, 2)
	assert.Equal(t, control.ControlQueue, got.Queues[0].Name)
	assert.Equal(t, "worker:w1", got.Queues[1].Name)
	assert.Equal(t, 1, got.Workers)
	require.Len(t, got.Leases, 1)
	assert.Equal(t, "w1", got.Leases[0].WorkerID)
	assert.InDelta(t, 1.5, got.Pacing["c1"].Multiplier, 1e-9)
}
