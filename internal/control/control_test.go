package control

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-dialer/internal/queue"
)

func newCommander(t *testing.T) *Commander {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewCommander(rdb, "test", queue.Options{})
}

func TestKindsFromActions(t *testing.T) {
	kind, ok := CampaignKind("Stop")
	assert.True(t, ok)
	assert.Equal(t, KindCampaignStop, kind)

	_, ok = CampaignKind("explode")
	assert.False(t, ok)

	kind, ok = WorkerKind("restart")
	assert.True(t, ok)
	assert.Equal(t, KindWorkerRestart, kind)
}

func TestStopOvertakesQueuedStart(t *testing.T) {
	c := newCommander(t)
	ctx := context.Background()

	_, err := c.Campaign(ctx, KindCampaignStart, "c1", "ops")
	require.NoError(t, err)
	_, err = c.Campaign(ctx, KindCampaignStop, "c1", "ops")
	require.NoError(t, err)

	item, err := c.Queue(ControlQueue).Pop(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, KindCampaignStop, item.Kind)

	var cmd CampaignCommand
	require.NoError(t, item.Decode(&cmd))
	assert.Equal(t, "c1", cmd.CampaignID)
	assert.Equal(t, "ops", cmd.RequestedBy)
}

func TestWorkerCommandsGoToTheWorkersQueue(t *testing.T) {
	c := newCommander(t)
	ctx := context.Background()

	_, err := c.Worker(ctx, KindWorkerRemove, "w7", "")
	require.NoError(t, err)

	item, err := c.Queue(ControlQueue).Pop(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, item)

	item, err = c.Queue(WorkerQueue("w7")).Pop(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	var cmd WorkerCommand
	require.NoError(t, item.Decode(&cmd))
	assert.Equal(t, "w7", cmd.WorkerID)
}

func TestRejectsUnknownOrIncompleteCommands(t *testing.T) {
	c := newCommander(t)
	ctx := context.Background()

	_, err := c.Campaign(ctx, "campaign.explode", "c1", "")
	assert.Error(t, err)
	_, err = c.Campaign(ctx, KindCampaignStart, "", "")
	assert.Error(t, err)
	_, err = c.Worker(ctx, KindCampaignStart, "w1", "")
	assert.Error(t, err)
}

func TestScheduledStartWaitsUntilDue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := NewCommander(rdb, "test", queue.Options{Clock: func() time.Time { return now }})
	ctx := context.Background()

	_, err := c.CampaignAt(ctx, KindCampaignStart, "c1", "scheduler", now.Add(time.Hour))
	require.NoError(t, err)

	q := c.Queue(ControlQueue)
	item, err := q.Pop(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, item)

	now = now.Add(time.Hour)
	n, err := q.ProcessRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err = q.Pop(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, KindCampaignStart, item.Kind)
}
