package service_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
)

func TestDispatcher_SerialPerKey(t *testing.T) {
	d := service.NewDispatcher(4, observability.NewMetrics(), zap.NewNop())

	var (
		mu      sync.Mutex
		order   []int
		running atomic.Int32
	)
	for i := 0; i < 20; i++ {
		i := i
		err := d.Submit("whatsapp:5592", func(context.Context) error {
			if running.Add(1) > 1 {
				t.Errorf("two jobs of the same key ran at once")
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			running.Add(-1)
			return nil
		})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(order) != 20 {
		t.Fatalf("expected 20 jobs, ran %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("jobs of one key must run in submission order, got %v", order)
		}
	}
}

func TestDispatcher_ConcurrentAcrossKeys(t *testing.T) {
	d := service.NewDispatcher(2, observability.NewMetrics(), zap.NewNop())

	var (
		running atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	for _, key := range []string{"a", "b", "c"} {
		d.Submit(key, func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if peak.Load() != 2 {
		t.Errorf("expected two keys in parallel under the bulkhead, peak %d", peak.Load())
	}
}

func TestDispatcher_ErrorsAndPanicsDoNotStopLane(t *testing.T) {
	d := service.NewDispatcher(1, observability.NewMetrics(), zap.NewNop())

	var ran atomic.Int32
	d.Submit("k", func(context.Context) error { return errors.New("boom") })
	d.Submit("k", func(context.Context) error { panic("worse") })
	d.Submit("k", func(context.Context) error { ran.Add(1); return nil })

	if err := d.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if ran.Load() != 1 {
		t.Error("job after a failing one must still run")
	}
}

func TestDispatcher_ShutdownRejectsAndTimesOut(t *testing.T) {
	d := service.NewDispatcher(1, observability.NewMetrics(), zap.NewNop())

	started := make(chan struct{})
	d.Submit("k", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	if err := d.Submit("k", func(context.Context) error { return nil }); !errors.Is(err, service.ErrDispatcherClosed) {
		t.Errorf("expected ErrDispatcherClosed, got %v", err)
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d", d.Pending())
	}
}
