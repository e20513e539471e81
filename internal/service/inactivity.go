package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Defaults of the inactivity monitor.
const (
	DefaultInactivityTick    = 60 * time.Second
	DefaultInactivityTimeout = 10 * time.Minute
)

// SweepReport is the outcome of one monitor pass.
type SweepReport struct {
	Candidates int       `json:"candidates"`
	Reverted   int       `json:"reverted"`
	Skipped    int       `json:"skipped"`
	Cutoff     time.Time `json:"cutoff"`
}

// InactivityMonitor returns assigned conversations to PRINCIPAL when the
// patient stays silent past the timeout.
//
// A candidate is re-read before the write, and the write itself is
// conditional, so a patient message or an agent action that lands in
// between is never overwritten.
type InactivityMonitor struct {
	conversations port.ConversationStore
	machine       *StateMachine
	clock         port.Clock
	tick          time.Duration
	timeout       atomic.Int64
	metrics       *observability.Metrics
	logger        *zap.Logger

	sweepMu   sync.Mutex
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewInactivityMonitor creates the monitor. Non-positive durations select
// the defaults.
func NewInactivityMonitor(
	conversations port.ConversationStore,
	machine *StateMachine,
	clock port.Clock,
	tick, timeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *InactivityMonitor {
	if tick <= 0 {
		tick = DefaultInactivityTick
	}
	if timeout <= 0 {
		timeout = DefaultInactivityTimeout
	}
	m := &InactivityMonitor{
		conversations: conversations,
		machine:       machine,
		clock:         clock,
		tick:          tick,
		metrics:       metrics,
		logger:        logger.With(zap.String("component", "inactivity-monitor")),
		done:          make(chan struct{}),
	}
	m.timeout.Store(int64(timeout))
	return m
}

// Start runs the sweep loop in the background. Only the first call starts it.
func (m *InactivityMonitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run(ctx)
		m.logger.Info("inactivity monitor started",
			zap.Duration("tick", m.tick),
			zap.Duration("timeout", m.Timeout()),
		)
	})
}

// Stop signals the loop to exit and waits for the current sweep.
func (m *InactivityMonitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		m.logger.Info("inactivity monitor stopped")
	})
}

// Wait blocks until the loop has exited.
func (m *InactivityMonitor) Wait() {
	m.wg.Wait()
}

// Timeout returns the current inactivity timeout.
func (m *InactivityMonitor) Timeout() time.Duration {
	return time.Duration(m.timeout.Load())
}

// UpdateTimeout changes the timeout used from the next sweep on.
func (m *InactivityMonitor) UpdateTimeout(d time.Duration) error {
	if d <= 0 {
		return &domain.ErrValidation{Field: "timeout", Message: "must be positive"}
	}
	m.timeout.Store(int64(d))
	m.logger.Info("inactivity timeout updated", zap.Duration("timeout", d))
	return nil
}

func (m *InactivityMonitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("inactivity sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass. Sweeps never overlap; a manual trigger waits for a
// running tick.
func (m *InactivityMonitor) Sweep(ctx context.Context) (*SweepReport, error) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	ctx, span := tracer.Start(ctx, "InactivityMonitor.Sweep")
	defer span.End()

	cutoff := m.clock.Now().Add(-m.Timeout())
	report := &SweepReport{Cutoff: cutoff}

	candidates, err := m.conversations.ListStaleAssigned(ctx, cutoff)
	if err != nil {
		return report, err
	}
	report.Candidates = len(candidates)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	for i := range candidates {
		if ctx.Err() != nil {
			break
		}
		if m.revert(ctx, candidates[i].ID, cutoff) {
			report.Reverted++
			m.metrics.IncrInactivity("reverted")
		} else {
			report.Skipped++
			m.metrics.IncrInactivity("skipped")
		}
	}

	if report.Candidates > 0 {
		m.logger.Info("inactivity sweep done",
			zap.Int("candidates", report.Candidates),
			zap.Int("reverted", report.Reverted),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, nil
}

// revert re-reads the candidate and times it out if it is still stale.
func (m *InactivityMonitor) revert(ctx context.Context, id string, cutoff time.Time) bool {
	conv, err := m.conversations.Get(ctx, id)
	if err != nil {
		m.logger.Warn("inactivity re-read failed", zap.String("conversation_id", id), zap.Error(err))
		return false
	}
	if conv.Status != domain.StatusInService || conv.AssignedAgentID == "" || !conv.StaleSince(cutoff) {
		m.logger.Debug("inactivity candidate changed, skipping", zap.String("conversation_id", id))
		return false
	}

	if _, err := m.machine.Timeout(ctx, conv, cutoff); err != nil {
		var stale *domain.ErrStaleState
		if !errors.As(err, &stale) {
			m.logger.Error("inactivity revert failed", zap.String("conversation_id", id), zap.Error(err))
		}
		return false
	}

	m.logger.Info("conversation returned to queue by inactivity",
		zap.String("conversation_id", id),
		zap.String("previous_agent_id", conv.AssignedAgentID),
	)
	return true
}
