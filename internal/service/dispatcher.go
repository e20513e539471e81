package service

import (
	"context"
	"errors"
	"sync"

	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"

	"go.uber.org/zap"
)

// ErrDispatcherClosed is returned by Submit after Shutdown started.
var ErrDispatcherClosed = errors.New("dispatcher is shutting down")

// Job is one unit of inbound work.
type Job func(ctx context.Context) error

// Dispatcher runs jobs serially per key (a channel identity) and
// concurrently across keys, bounded by a bulkhead.
type Dispatcher struct {
	bulkhead *resilience.Bulkhead
	metrics  *observability.Metrics
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	lanes  map[string][]Job
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher running at most maxConcurrency jobs at
// once.
func NewDispatcher(maxConcurrency int, metrics *observability.Metrics, logger *zap.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		bulkhead: resilience.NewBulkhead(maxConcurrency),
		metrics:  metrics,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string][]Job),
	}
}

// Submit enqueues job behind earlier jobs of the same key and returns
// immediately. Job errors are logged.
func (d *Dispatcher) Submit(key string, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}

	queue, running := d.lanes[key]
	d.lanes[key] = append(queue, job)
	d.metrics.AddDispatchQueued(1)

	if !running {
		d.wg.Add(1)
		go d.drain(key)
	}
	return nil
}

// drain runs the lane of key until it is empty.
func (d *Dispatcher) drain(key string) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		queue := d.lanes[key]
		if len(queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		job := queue[0]
		d.lanes[key] = queue[1:]
		d.mu.Unlock()

		d.metrics.AddDispatchQueued(-1)
		d.run(key, job)
	}
}

func (d *Dispatcher) run(key string, job Job) {
	if err := d.bulkhead.Acquire(d.ctx); err != nil {
		d.logger.Warn("job dropped on shutdown", zap.String("key", key))
		return
	}
	defer d.bulkhead.Release()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("job panicked", zap.String("key", key), zap.Any("panic", r))
		}
	}()

	if err := job(d.ctx); err != nil {
		d.logger.Error("job failed", zap.String("key", key), zap.Error(err))
	}
}

// Pending returns the number of queued jobs not yet started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.lanes {
		n += len(q)
	}
	return n
}

// Shutdown stops accepting jobs and waits for queued ones. When ctx expires
// first, running jobs are cancelled and ctx's error is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
