package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryDelay is the linear backoff used by Fail: base × attempts.
func RetryDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return base * time.Duration(attempts)
}

// Sweeper periodically releases due retries and recovers orphaned claims.
// The queue has no timer of its own; something has to drive these sweeps.
type Sweeper struct {
	queues        []*Queue
	interval      time.Duration
	orphanTimeout time.Duration
	log           *zap.Logger
}

func NewSweeper(interval, orphanTimeout time.Duration, log *zap.Logger, queues ...*Queue) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{
		queues:        queues,
		interval:      interval,
		orphanTimeout: orphanTimeout,
		log:           log.Named("sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) {
	for _, q := range s.queues {
		released, err := q.ProcessRetries(ctx)
		if err != nil {
			s.log.Warn("retry sweep failed", zap.String("queue", q.Name()), zap.Error(err))
		} else if released > 0 {
			s.log.Debug("released retries", zap.String("queue", q.Name()), zap.Int("count", released))
		}

		if s.orphanTimeout <= 0 {
			continue
		}
		recovered, err := q.RecoverOrphans(ctx, s.orphanTimeout)
		if err != nil {
			s.log.Warn("orphan sweep failed", zap.String("queue", q.Name()), zap.Error(err))
		} else if recovered > 0 {
			s.log.Warn("recovered orphaned items", zap.String("queue", q.Name()), zap.Int("count", recovered))
		}
	}
}
