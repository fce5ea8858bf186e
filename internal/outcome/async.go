package outcome

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrBacklogFull = errors.New("outcome backlog full")
	ErrClosed      = errors.New("outcome publisher closed")
)

// Async hands outcomes to a background goroutine so the caller never waits
// on the downstream publisher. When the buffer is full the outcome is
// rejected with ErrBacklogFull. Close drains what is queued, then closes
// the downstream publisher.
type Async struct {
	next  Publisher
	queue chan Outcome
	done  chan struct{}
	log   *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next Publisher, buffer int, log *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	a := &Async{
		next:  next,
		queue: make(chan Outcome, buffer),
		done:  make(chan struct{}),
		log:   log,
	}
	go a.loop()
	return a
}

func (a *Async) loop() {
	defer close(a.done)
	for o := range a.queue {
		// The downstream publisher bounds each write itself; queued outcomes
		// are still delivered after the caller's context ends.
		if err := a.next.Publish(context.Background(), o); err != nil {
			a.log.Warn("publish call outcome",
				zap.String("dial_id", o.DialID),
				zap.String("campaign_id", o.CampaignID),
				zap.Error(err))
		}
	}
}

func (a *Async) Publish(_ context.Context, o Outcome) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.queue <- o:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Pending returns how many outcomes wait for the downstream publisher.
func (a *Async) Pending() int { return len(a.queue) }

func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.next.Close()
}
