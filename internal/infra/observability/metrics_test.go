package observability_test

import (
	"errors"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
)

func TestMetrics_EngineSnapshot(t *testing.T) {
	m := observability.NewMetrics()

	m.IncrInbound(domain.ChannelWhatsApp, observability.OutcomeProcessed)
	m.IncrInbound(domain.ChannelInstagram, observability.OutcomeProcessed)
	m.IncrInbound(domain.ChannelWhatsApp, observability.OutcomeDuplicate)
	m.RecordAssistantCall(nil, 100*time.Millisecond)
	m.RecordAssistantCall(errors.New("boom"), time.Second)
	m.IncrFallback()
	m.RecordDecision(&domain.RouteDecision{Type: domain.DecisionTransferToHuman, Queue: domain.StatusWaiting})
	m.RecordDecision(&domain.RouteDecision{Type: domain.DecisionTransferToHuman, Queue: domain.StatusWaiting})
	m.RecordDecision(&domain.RouteDecision{Type: domain.DecisionAIConversation})
	m.IncrInactivity("reverted")
	m.IncrCacheHit("rules")
	m.IncrCacheMiss("rules")

	snap := m.GetEngineSnapshot()

	if snap.InboundProcessed != 2 {
		t.Errorf("expected 2 processed, got %d", snap.InboundProcessed)
	}
	if snap.InboundDuplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", snap.InboundDuplicates)
	}
	if snap.AssistantCalls != 2 {
		t.Errorf("expected 2 assistant calls, got %d", snap.AssistantCalls)
	}
	if snap.AssistantErrorRate != 0.5 {
		t.Errorf("expected error rate 0.5, got %f", snap.AssistantErrorRate)
	}
	if snap.FallbackRate != 0.5 {
		t.Errorf("expected fallback rate 0.5, got %f", snap.FallbackRate)
	}
	if snap.TransfersByQueue[string(domain.StatusWaiting)] != 2 {
		t.Errorf("expected 2 transfers to AGUARDANDO, got %v", snap.TransfersByQueue)
	}
	if snap.InactivityReverted != 1 {
		t.Errorf("expected 1 reverted, got %d", snap.InactivityReverted)
	}
	if snap.RuleCacheHitRate != 0.5 {
		t.Errorf("expected hit rate 0.5, got %f", snap.RuleCacheHitRate)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := observability.NewMetrics()
	b := observability.NewMetrics()
	a.IncrFallback()

	if a.Registry == b.Registry {
		t.Fatal("expected distinct registries")
	}
	if b.GetEngineSnapshot().AssistantCalls != 0 {
		t.Error("expected fresh metrics on second instance")
	}
}
