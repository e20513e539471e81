package handler_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/handler"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(handler.Deps{}, observability.NewMetrics(), zap.NewNop())
	s := &stack{router: router}

	if rec := s.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	s := newStack(t, replyWith(greeting), map[string]handler.Pinger{
		"redis": pingFunc(func(context.Context) error { return nil }),
	})
	rec := s.do(http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var hs domain.HealthStatus
	decode(t, rec, &hs)
	if hs.Status != "healthy" || len(hs.Services) != 2 {
		t.Errorf("unexpected health %+v", hs)
	}
}

func TestReadyz_DependencyDown(t *testing.T) {
	s := newStack(t, replyWith(greeting), map[string]handler.Pinger{
		"supabase": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := s.do(http.MethodGet, "/readyz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("failure reason missing: %s", rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)

	s.do(http.MethodPost, "/v1/simulate", "", `{"sender_id":"5592","text":"oi"}`)

	rec := s.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "clinic_inbound_messages_total") {
		t.Error("engine metrics missing from /metrics")
	}

	rec = s.do(http.MethodGet, "/v1/metrics/engine", "", "")
	var snap domain.EngineMetrics
	decode(t, rec, &snap)
	if snap.InboundProcessed != 1 {
		t.Errorf("expected 1 processed message, got %+v", snap)
	}
}

func TestWebhookVerification(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)

	rec := s.do(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wa-verify&hub.challenge=123", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "123" {
		t.Errorf("expected challenge echo, got %d %q", rec.Code, rec.Body.String())
	}

	rec = s.do(http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=wa-verify&hub.challenge=123", "", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("token of another channel must be rejected, got %d", rec.Code)
	}
}

func TestWebhook_UnparseableIsAcknowledged(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)

	rec := s.do(http.MethodPost, "/webhooks/whatsapp", "", "{not json")
	if rec.Code != http.StatusOK {
		t.Fatalf("provider must always get 200, got %d", rec.Code)
	}
	if s.metrics.GetEngineSnapshot().InboundMalformed != 1 {
		t.Error("malformed delivery not counted")
	}
}

func TestSimulate(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)

	rec := s.do(http.MethodPost, "/v1/simulate", "", `{"channel":"whatsapp","sender_id":"5592991","text":"Olá"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res service.ProcessResult
	decode(t, rec, &res)
	if res.Reply != greeting.Message || res.Status != domain.StatusBotQueue {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.Logs) == 0 {
		t.Error("simulation must return the processing log")
	}
	if len(s.graph.Sent()) != 1 {
		t.Errorf("expected one outbound message, got %d", len(s.graph.Sent()))
	}
}

func TestSimulate_Invalid(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)

	if rec := s.do(http.MethodPost, "/v1/simulate", "", `{"sender_id":"","text":"oi"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing sender: expected 400, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/simulate", "", `{"channel":"telegram","sender_id":"1","text":"oi"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown channel: expected 400, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/simulate", "", `oi`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad json: expected 400, got %d", rec.Code)
	}
}

func TestOperatorRoutes_RequireToken(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)
	s.seed(t, "c1", domain.StatusHumanQueue, "", time.Now())

	if rec := s.do(http.MethodPost, "/v1/conversations/c1/claim", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/conversations/c1/claim", "garbage", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", rec.Code)
	}

	other := service.NewOperatorAuth("another-secret", time.Hour)
	forged, _ := other.IssueToken("ana", service.RoleAgent)
	if rec := s.do(http.MethodPost, "/v1/conversations/c1/claim", forged, ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("foreign signature: expected 401, got %d", rec.Code)
	}
}

func TestClaimCloseRelease(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)
	s.seed(t, "c1", domain.StatusHumanQueue, "", time.Now().Add(-time.Hour))
	ana := s.token(t, "ana", service.RoleAgent)
	bia := s.token(t, "bia", service.RoleAgent)

	rec := s.do(http.MethodPost, "/v1/conversations/c1/claim", ana, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var conv domain.Conversation
	decode(t, rec, &conv)
	if conv.Status != domain.StatusInService || conv.AssignedAgentID != "ana" {
		t.Errorf("unexpected conversation %+v", conv)
	}

	if rec := s.do(http.MethodPost, "/v1/conversations/c1/claim", bia, ""); rec.Code != http.StatusConflict {
		t.Errorf("second agent claim: expected 409, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/conversations/c1/close", bia, ""); rec.Code != http.StatusForbidden {
		t.Errorf("close by another agent: expected 403, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/conversations/c1/release", ana, `{"queue":"BOT_QUEUE"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("release to the bot: expected 400, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/v1/conversations/c1/release", ana, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	conv = domain.Conversation{}
	decode(t, rec, &conv)
	if conv.Status != domain.StatusPrincipal || conv.AssignedAgentID != "" {
		t.Errorf("release must return to PRINCIPAL unassigned, got %+v", conv)
	}

	if rec := s.do(http.MethodPost, "/v1/conversations/c1/close", ana, ""); rec.Code != http.StatusConflict {
		t.Errorf("closing an unassigned conversation: expected 409, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/v1/conversations/missing/claim", ana, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown conversation: expected 404, got %d", rec.Code)
	}

	rec = s.do(http.MethodGet, "/v1/conversations/c1", ana, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	var view struct {
		ID       string           `json:"id"`
		Messages []domain.Message `json:"messages"`
	}
	decode(t, rec, &view)
	if view.ID != "c1" || len(view.Messages) != 2 {
		t.Errorf("expected assignment and release notices, got %+v", view)
	}

	rec = s.do(http.MethodGet, "/v1/events?conversation_id=c1", ana, "")
	var events struct {
		Events []domain.Event `json:"events"`
	}
	decode(t, rec, &events)
	if len(events.Events) != 2 || events.Events[0].Type != service.EventConversationAssigned {
		t.Errorf("unexpected events %+v", events.Events)
	}
}

func TestSupervisorActions(t *testing.T) {
	s := newStack(t, replyWith(greeting), nil)
	s.seed(t, "stale", domain.StatusInService, "ana", time.Now().Add(-time.Hour))
	s.seed(t, "held", domain.StatusInService, "bia", time.Now())
	agent := s.token(t, "ana", service.RoleAgent)
	boss := s.token(t, "carla", service.RoleSupervisor)

	if rec := s.do(http.MethodPost, "/v1/inactivity/sweep", agent, ""); rec.Code != http.StatusForbidden {
		t.Errorf("agent sweep: expected 403, got %d", rec.Code)
	}

	rec := s.do(http.MethodPost, "/v1/inactivity/sweep", boss, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sweep: expected 200, got %d", rec.Code)
	}
	var report service.SweepReport
	decode(t, rec, &report)
	if report.Candidates != 1 || report.Reverted != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	if rec := s.do(http.MethodPost, "/v1/conversations/held/close", boss, ""); rec.Code != http.StatusOK {
		t.Errorf("supervisor close: expected 200, got %d", rec.Code)
	}

	if rec := s.do(http.MethodPut, "/v1/inactivity/timeout", boss, `{"timeout_minutes":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("zero timeout: expected 400, got %d", rec.Code)
	}
	rec = s.do(http.MethodPut, "/v1/inactivity/timeout", boss, `{"timeout_minutes":15}`)
	if rec.Code != http.StatusOK || s.monitor.Timeout() != 15*time.Minute {
		t.Errorf("timeout update failed: %d, %v", rec.Code, s.monitor.Timeout())
	}
}
