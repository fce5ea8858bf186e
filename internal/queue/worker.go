package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc processes one item. A nil error completes the item with result;
// an error fails it (retry or dead-letter).
type HandlerFunc func(ctx context.Context, item *Item) (result []byte, err error)

// Worker runs consumer goroutines that pop from a queue and dispatch by kind.
type Worker struct {
	q          *Queue
	consumers  int
	popTimeout time.Duration
	log        *zap.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewWorker(q *Queue, name string, consumers int, popTimeout time.Duration, log *zap.Logger) *Worker {
	if consumers < 1 {
		consumers = 1
	}
	if popTimeout <= 0 {
		popTimeout = 2 * time.Second
	}
	return &Worker{
		q:          q,
		consumers:  consumers,
		popTimeout: popTimeout,
		log:        log.Named("consumer").With(zap.String("queue", q.Name()), zap.String("worker", name)),
		handlers:   make(map[string]HandlerFunc),
	}
}

func (w *Worker) Handle(kind string, fn HandlerFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = fn
}

// Run blocks until ctx is cancelled and all consumers have returned.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.consumers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.run(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) run(ctx context.Context, id int) {
	log := w.log.With(zap.Int("consumer", id))
	log.Debug("started")
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.q.Pop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("pop failed", zap.Error(err))
			sleepCtx(ctx, time.Second)
			continue
		}
		if item == nil {
			continue
		}
		w.process(ctx, log, item)
	}
}

// ProcessOne pops and handles a single item if one is available.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	item, err := w.q.Pop(ctx, 0)
	if err != nil || item == nil {
		return false, err
	}
	w.process(ctx, w.log, item)
	return true, nil
}

func (w *Worker) process(ctx context.Context, log *zap.Logger, item *Item) {
	log = log.With(zap.String("item", item.ID), zap.String("kind", item.Kind), zap.Int("attempts", item.Attempts))

	result, err := w.dispatch(ctx, item)
	if err == nil {
		if cerr := w.q.Complete(ctx, item, result); cerr != nil {
			if errors.Is(cerr, ErrNotClaimed) {
				log.Debug("item completed after losing its claim")
				return
			}
			log.Warn("complete failed", zap.Error(cerr))
		}
		return
	}

	dead, ferr := w.q.Fail(ctx, item, err.Error())
	switch {
	case errors.Is(ferr, ErrNotClaimed):
		log.Debug("item failed after losing its claim", zap.Error(err))
	case ferr != nil:
		log.Warn("fail bookkeeping failed", zap.Error(ferr), zap.NamedError("cause", err))
	case dead:
		log.Warn("item dead-lettered", zap.Error(err))
	default:
		log.Info("item scheduled for retry", zap.Error(err), zap.Timep("retry_at", item.RetryAt))
	}
}

func (w *Worker) dispatch(ctx context.Context, item *Item) ([]byte, error) {
	w.mu.RLock()
	fn, ok := w.handlers[item.Kind]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown kind: %s", item.Kind)
	}
	return fn(ctx, item)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
