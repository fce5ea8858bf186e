package outcome

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"outbound-dialer/internal/store"
)

type captureWriter struct {
	msgs   []kgo.Message
	closed bool
}

func (w *captureWriter) WriteMessages(ctx context.Context, msgs ...kgo.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		panic("publish without deadline")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherKeysByCampaign(t *testing.T) {
	w := &captureWriter{}
	p := &KafkaPublisher{writer: w, timeout: time.Second}

	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), Outcome{
		DialID: "d1", CampaignID: "c1", ContactID: "k1", WorkerID: "w1",
		Status: store.StatusBusy, Cause: 17, EndedAt: ended,
	}))
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "c1", string(msg.Key))
	assert.Equal(t, ended, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "busy", string(msg.Headers[0].Value))

	var got Outcome
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "d1", got.DialID)
	assert.Equal(t, 17, got.Cause)
	assert.True(t, w.closed)
}

func TestNewKafkaPublisherRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "t")
	assert.Error(t, err)
	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "")
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "t")
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

// stalledPublisher blocks every write until release is closed.
type stalledPublisher struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once

	mu     sync.Mutex
	outs   []Outcome
	closed bool
}

func newStalledPublisher() *stalledPublisher {
	return &stalledPublisher{started: make(chan struct{}), release: make(chan struct{})}
}

func (p *stalledPublisher) Publish(_ context.Context, o Outcome) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outs = append(p.outs, o)
	return nil
}

func (p *stalledPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestAsyncPublishDoesNotWaitForDownstream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	next := newStalledPublisher()
	a := NewAsync(next, 1, nil)
	ctx := context.Background()

	require.NoError(t, a.Publish(ctx, Outcome{DialID: "d1"}))
	select {
	case <-next.started:
	case <-time.After(time.Second):
		t.Fatal("downstream publisher never called")
	}

	returned := make(chan error, 1)
	go func() { returned <- a.Publish(ctx, Outcome{DialID: "d2"}) }()
	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a stalled downstream")
	}
	assert.Equal(t, 1, a.Pending())
	assert.ErrorIs(t, a.Publish(ctx, Outcome{DialID: "d3"}), ErrBacklogFull)

	close(next.release)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Publish(ctx, Outcome{DialID: "d4"}), ErrClosed)

	next.mu.Lock()
	defer next.mu.Unlock()
	require.Len(t, next.outs, 2)
	assert.Equal(t, "d1", next.outs[0].DialID)
	assert.Equal(t, "d2", next.outs[1].DialID)
	assert.True(t, next.closed)
}
