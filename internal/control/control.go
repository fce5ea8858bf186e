// Package control defines the commands collaborators send to the dialer and
// enqueues them. Campaign commands go to the shared control queue, served by
// any worker; worker commands go to the addressed worker's own queue.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"outbound-dialer/internal/queue"
)

const ControlQueue = "control"

func WorkerQueue(workerID string) string { return "worker:" + workerID }

const (
	KindCampaignStart  = "campaign.start"
	KindCampaignStop   = "campaign.stop"
	KindCampaignPause  = "campaign.pause"
	KindCampaignResume = "campaign.resume"

	KindWorkerAdd     = "worker.add"
	KindWorkerRemove  = "worker.remove"
	KindWorkerRestart = "worker.restart"
)

var campaignKinds = map[string]queue.Tier{
	KindCampaignStart:  queue.TierNormal,
	KindCampaignResume: queue.TierNormal,
	KindCampaignPause:  queue.TierHigh,
	KindCampaignStop:   queue.TierHigh,
}

var workerKinds = map[string]queue.Tier{
	KindWorkerAdd:     queue.TierNormal,
	KindWorkerRestart: queue.TierNormal,
	KindWorkerRemove:  queue.TierHigh,
}

type CampaignCommand struct {
	CampaignID  string `json:"campaign_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

type WorkerCommand struct {
	WorkerID    string `json:"worker_id"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// CampaignKind maps an action name ("start", "stop", ...) to its kind.
func CampaignKind(action string) (string, bool) {
	kind := "campaign." + strings.ToLower(action)
	_, ok := campaignKinds[kind]
	return kind, ok
}

// WorkerKind maps an action name ("add", "remove", "restart") to its kind.
func WorkerKind(action string) (string, bool) {
	kind := "worker." + strings.ToLower(action)
	_, ok := workerKinds[kind]
	return kind, ok
}

// Commander enqueues commands and hands out queue handles for inspection.
type Commander struct {
	rdb    *redis.Client
	prefix string
	opts   queue.Options
}

func NewCommander(rdb *redis.Client, prefix string, opts queue.Options) *Commander {
	return &Commander{rdb: rdb, prefix: prefix, opts: opts}
}

func (c *Commander) Queue(name string) *queue.Queue {
	return queue.New(c.rdb, c.prefix, name, c.opts)
}

func (c *Commander) Campaign(ctx context.Context, kind, campaignID, requestedBy string) (queue.Item, error) {
	return c.CampaignAt(ctx, kind, campaignID, requestedBy, time.Time{})
}

// CampaignAt enqueues a campaign command that becomes visible at the given
// time. A zero or past time enqueues it immediately.
func (c *Commander) CampaignAt(ctx context.Context, kind, campaignID, requestedBy string, at time.Time) (queue.Item, error) {
	tier, ok := campaignKinds[kind]
	if !ok {
		return queue.Item{}, fmt.Errorf("unknown campaign command %q", kind)
	}
	if campaignID == "" {
		return queue.Item{}, fmt.Errorf("%s: campaign id is required", kind)
	}
	return c.Queue(ControlQueue).PushAt(ctx, kind, CampaignCommand{CampaignID: campaignID, RequestedBy: requestedBy}, tier, at)
}

func (c *Commander) Worker(ctx context.Context, kind, workerID, requestedBy string) (queue.Item, error) {
	tier, ok := workerKinds[kind]
	if !ok {
		return queue.Item{}, fmt.Errorf("unknown worker command %q", kind)
	}
	if workerID == "" {
		return queue.Item{}, fmt.Errorf("%s: worker id is required", kind)
	}
	return c.Queue(WorkerQueue(workerID)).Push(ctx, kind, WorkerCommand{WorkerID: workerID, RequestedBy: requestedBy}, tier)
}
