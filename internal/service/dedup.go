package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"go.uber.org/zap"
)

// Deduplicator rejects channel messages already seen within a window.
// Providers retry webhooks; the same external id must be processed once.
type Deduplicator struct {
	store    port.DedupStore
	messages port.MessageStore
	clock    port.Clock
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewDeduplicator creates the deduplicator. messages may be nil, in which
// case only the claim store is consulted.
func NewDeduplicator(store port.DedupStore, messages port.MessageStore, clock port.Clock, metrics *observability.Metrics, logger *zap.Logger) *Deduplicator {
	return &Deduplicator{store: store, messages: messages, clock: clock, metrics: metrics, logger: logger}
}

// DedupKey is the claim key of an external id inside scope.
func DedupKey(scope, externalID string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, externalID)
}

// Claim records externalID atomically. It returns true if this call is the
// first to see the id within window. An empty id is never a duplicate, and a
// store failure lets the message through.
func (d *Deduplicator) Claim(ctx context.Context, externalID, scope string, window time.Duration) (bool, error) {
	if externalID == "" {
		return true, nil
	}

	ctx, span := tracer.Start(ctx, "Deduplicator.Claim")
	defer span.End()

	claimed, err := d.store.Claim(ctx, DedupKey(scope, externalID), window)
	if err != nil {
		d.metrics.IncrDedupFailOpen()
		d.logger.Warn("dedup claim failed, processing anyway",
			zap.String("external_id", externalID),
			zap.String("scope", scope),
			zap.Error(err),
		)
		return true, nil
	}
	if !claimed {
		return false, nil
	}

	// ids persisted before the claim store was reset (restart, eviction)
	if d.seenInLog(ctx, externalID, scope, window) {
		return false, nil
	}
	return true, nil
}

// Release drops the claim on externalID so a provider retry is processed.
// Used when handling failed before the message reached the log.
func (d *Deduplicator) Release(ctx context.Context, externalID, scope string) {
	if externalID == "" {
		return
	}
	if err := d.store.Release(ctx, DedupKey(scope, externalID)); err != nil {
		d.logger.Warn("dedup release failed",
			zap.String("external_id", externalID),
			zap.String("scope", scope),
			zap.Error(err),
		)
	}
}

// IsDuplicate reports whether externalID was already recorded in scope
// within window, without claiming it.
func (d *Deduplicator) IsDuplicate(ctx context.Context, externalID, scope string, window time.Duration) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	return d.seenInLog(ctx, externalID, scope, window), nil
}

func (d *Deduplicator) seenInLog(ctx context.Context, externalID, scope string, window time.Duration) bool {
	if d.messages == nil {
		return false
	}
	msg, err := d.messages.FindByExternalID(ctx, domain.Channel(scope), externalID, d.clock.Now().Add(-window))
	if err != nil {
		d.logger.Warn("dedup log lookup failed",
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		return false
	}
	return msg != nil
}
