// Package api is the collaborator-facing HTTP interface: it enqueues control
// commands and exposes campaign, worker and queue state.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outbound-dialer/internal/control"
	"outbound-dialer/internal/lease"
	"outbound-dialer/internal/lock"
	"outbound-dialer/internal/queue"
	"outbound-dialer/internal/store"
)

type Handler struct {
	rdb       *redis.Client
	store     *store.Store
	registry  *store.Registry
	commander *control.Commander
	locker    *lock.Locker
	log       *zap.Logger
}

func NewHandler(rdb *redis.Client, st *store.Store, prefix string, opts queue.Options, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		rdb:       rdb,
		store:     st,
		registry:  store.NewRegistry(rdb, prefix),
		commander: control.NewCommander(rdb, prefix, opts),
		locker:    lock.New(rdb, prefix),
		log:       log,
	}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog())

	r.GET("/healthz", h.Health)

	r.GET("/campaigns", h.ListCampaigns)
	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns/:id", h.GetCampaign)
	r.GET("/campaigns/:id/contacts", h.ListContacts)
	r.POST("/campaigns/:id/contacts", h.AddContacts)
	for _, action := range []string{"start", "stop", "pause", "resume"} {
		r.POST("/campaigns/:id/"+action, h.campaignCommand(action))
	}

	r.GET("/workers", h.ListWorkers)
	for _, action := range []string{"add", "remove", "restart"} {
		r.POST("/workers/:id/"+action, h.workerCommand(action))
	}

	r.GET("/queues/:name", h.QueueStats)
	r.GET("/queues/:name/dead", h.DeadLetters)
	r.GET("/queues/:name/results/:item", h.Result)
	r.DELETE("/queues/:name", h.ClearQueue)

	r.GET("/stats", h.Stats)
	return r
}

func (h *Handler) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.log.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	checks := gin.H{"redis": "ok", "store": "ok"}
	code := http.StatusOK
	if err := h.rdb.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := h.store.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	status := "ok"
	if code != http.StatusOK {
		status = "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func (h *Handler) ListCampaigns(c *gin.Context) {
	var statuses []store.CampaignStatus
	if s := c.Query("status"); s != "" {
		statuses = append(statuses, store.CampaignStatus(s))
	}
	camps, err := h.store.ListCampaigns(c.Request.Context(), statuses...)
	if err != nil {
		h.fail(c, err)
		return
	}
	if camps == nil {
		camps = []store.Campaign{}
	}
	c.JSON(http.StatusOK, camps)
}

type createCampaignRequest struct {
	ID             string  `json:"id" binding:"required"`
	TenantID       string  `json:"tenant_id" binding:"required"`
	Name           string  `json:"name"`
	MaxChannels    int     `json:"max_channels" binding:"required,min=1"`
	BaseMultiplier float64 `json:"base_multiplier"`
	MaxMultiplier  float64 `json:"max_multiplier"`
	MaxAttempts    int     `json:"max_attempts"`
	RetryDelay     string  `json:"retry_delay"`
	CallerID       string  `json:"caller_id"`
}

// CreateCampaign registers a campaign in the stopped state.
func (h *Handler) CreateCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var delay time.Duration
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "retry_delay: " + err.Error()})
			return
		}
		delay = d
	}
	camp := store.Campaign{
		ID:             req.ID,
		TenantID:       req.TenantID,
		Name:           req.Name,
		Status:         store.CampaignStopped,
		MaxChannels:    req.MaxChannels,
		BaseMultiplier: req.BaseMultiplier,
		MaxMultiplier:  req.MaxMultiplier,
		MaxAttempts:    req.MaxAttempts,
		RetryDelayBase: delay,
		CallerID:       req.CallerID,
	}
	if err := h.store.CreateCampaign(c.Request.Context(), camp); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	created, err := h.store.GetCampaign(c.Request.Context(), req.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

type contactRequest struct {
	ContactID string `json:"contact_id" binding:"required"`
	Phone     string `json:"phone" binding:"required"`
	Priority  int    `json:"priority"`
}

// AddContacts loads contacts into a campaign's hopper.
func (h *Handler) AddContacts(c *gin.Context) {
	id := c.Param("id")
	var req []contactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if _, err := h.store.GetCampaign(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	for _, ct := range req {
		if ct.ContactID == "" || ct.Phone == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "contact_id and phone are required"})
			return
		}
	}
	added := 0
	for _, ct := range req {
		err := h.store.AddContact(ctx, store.HopperEntry{
			CampaignID: id,
			ContactID:  ct.ContactID,
			Phone:      ct.Phone,
			Priority:   ct.Priority,
		})
		if err != nil {
			h.fail(c, err)
			return
		}
		added++
	}
	c.JSON(http.StatusCreated, gin.H{"campaign_id": id, "added": added})
}

func (h *Handler) ListContacts(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetCampaign(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.store.ListEntries(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []store.HopperEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) GetCampaign(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	camp, err := h.store.GetCampaign(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	counts, err := h.store.HopperCounts(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := gin.H{"campaign": camp, "hopper": counts}

	if snap, ok, err := h.registry.Pacing(ctx, id); err != nil {
		h.fail(c, err)
		return
	} else if ok {
		resp["pacing"] = snap
	}
	if rec, ok, err := h.store.GetLease(ctx, id); err != nil {
		h.fail(c, err)
		return
	} else if ok && rec.Held() {
		resp["lease"] = rec
	}
	holder, err := h.locker.Holder(ctx, lease.LockResource(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	resp["lock_held"] = holder != ""
	c.JSON(http.StatusOK, resp)
}

type commandRequest struct {
	RequestedBy string     `json:"requested_by"`
	At          *time.Time `json:"at"`
}

// bindCommand reads the optional command body. An empty body is allowed.
func bindCommand(c *gin.Context) (commandRequest, error) {
	var req commandRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, err
		}
	}
	if req.RequestedBy == "" {
		req.RequestedBy = c.GetHeader("X-Requested-By")
	}
	return req, nil
}

func (h *Handler) campaignCommand(action string) gin.HandlerFunc {
	kind, _ := control.CampaignKind(action)
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		if _, err := h.store.GetCampaign(ctx, id); err != nil {
			h.fail(c, err)
			return
		}
		req, err := bindCommand(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var at time.Time
		if req.At != nil {
			at = *req.At
		}
		item, err := h.commander.CampaignAt(ctx, kind, id, req.RequestedBy, at)
		if err != nil {
			h.fail(c, err)
			return
		}
		resp := gin.H{"id": item.ID, "kind": item.Kind, "queue": control.ControlQueue, "status": "accepted"}
		if item.RetryAt != nil {
			resp["status"] = "scheduled"
			resp["at"] = item.RetryAt
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

func (h *Handler) workerCommand(action string) gin.HandlerFunc {
	kind, _ := control.WorkerKind(action)
	return func(c *gin.Context) {
		id := c.Param("id")
		req, err := bindCommand(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		item, err := h.commander.Worker(c.Request.Context(), kind, id, req.RequestedBy)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": item.ID, "kind": item.Kind, "queue": control.WorkerQueue(id), "status": "accepted"})
	}
}

func (h *Handler) ListWorkers(c *gin.Context) {
	workers, err := h.registry.Workers(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if workers == nil {
		workers = []store.WorkerHeartbeat{}
	}
	c.JSON(http.StatusOK, workers)
}

func queryLimit(c *gin.Context) int64 {
	n, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || n <= 0 {
		return 50
	}
	return n
}

// QueueStats returns a queue's counters and the head of each pending tier.
func (h *Handler) QueueStats(c *gin.Context) {
	ctx := c.Request.Context()
	q := h.commander.Queue(c.Param("name"))
	stats, err := q.Stats(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	limit := queryLimit(c)
	pending := make(map[queue.Tier][]queue.Item, 3)
	for _, tier := range []queue.Tier{queue.TierHigh, queue.TierNormal, queue.TierLow} {
		items, err := q.Pending(ctx, tier, limit)
		if err != nil {
			h.fail(c, err)
			return
		}
		pending[tier] = items
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "pending": pending})
}

func (h *Handler) DeadLetters(c *gin.Context) {
	dead, err := h.commander.Queue(c.Param("name")).DeadLetters(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dead)
}

// Result returns what a handler produced for a completed command.
func (h *Handler) Result(c *gin.Context) {
	body, ok, err := h.commander.Queue(c.Param("name")).Result(c.Request.Context(), c.Param("item"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no result"})
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *Handler) ClearQueue(c *gin.Context) {
	name := c.Param("name")
	if err := h.commander.Queue(name).Clear(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.log.Info("queue cleared", zap.String("queue", name))
	c.Status(http.StatusNoContent)
}

// Stats summarises the control plane: queue counters for the shared queue
// and every live worker's queue, held leases and pacing snapshots.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	workers, err := h.registry.Workers(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	names := []string{control.ControlQueue}
	for _, w := range workers {
		names = append(names, control.WorkerQueue(w.WorkerID))
	}
	queues := make([]queue.Stats, 0, len(names))
	for _, name := range names {
		st, err := h.commander.Queue(name).Stats(ctx)
		if err != nil {
			h.fail(c, err)
			return
		}
		queues = append(queues, st)
	}
	leases, err := h.store.ListLeases(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	if leases == nil {
		leases = []store.LeaseRecord{}
	}
	pacing, err := h.registry.AllPacing(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"queues":  queues,
		"workers": len(workers),
		"leases":  leases,
		"pacing":  pacing,
	})
}
