package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/handler"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/cache"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/client"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/memory"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/resilience"
	"github.com/boddenberg/clinic-frontline-go/internal/port"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
)

const testSecret = "test-secret"

// graphRecorder is a fake Graph API that records outbound texts.
type graphRecorder struct {
	mu   sync.Mutex
	sent []map[string]any
}

func (g *graphRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	json.NewDecoder(r.Body).Decode(&body)
	g.mu.Lock()
	g.sent = append(g.sent, body)
	n := len(g.sent)
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if strings.HasSuffix(r.URL.Path, "/me/messages") {
		json.NewEncoder(w).Encode(map[string]any{"message_id": "mid.out"})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"messages": []map[string]any{{"id": "wamid.out." + string(rune('0'+n))}}})
}

func (g *graphRecorder) Sent() []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.sent...)
}

// stack is the whole engine behind the router, with the assistant and the
// Graph API faked over HTTP.
type stack struct {
	router        http.Handler
	conversations *memory.ConversationStore
	messages      *memory.MessageStore
	events        *memory.EventLog
	dispatcher    *service.Dispatcher
	monitor       *service.InactivityMonitor
	auth          *service.OperatorAuth
	graph         *graphRecorder
	metrics       *observability.Metrics
}

func newStack(t *testing.T, assistant http.HandlerFunc, checks map[string]handler.Pinger) *stack {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()
	clock := port.SystemClock{}
	retry := resilience.Config{MaxRetries: 1, InitialBackoff: time.Millisecond}

	graph := &graphRecorder{}
	graphSrv := httptest.NewServer(graph)
	t.Cleanup(graphSrv.Close)
	assistantSrv := httptest.NewServer(assistant)
	t.Cleanup(assistantSrv.Close)

	s := &stack{
		conversations: memory.NewConversationStore(),
		messages:      memory.NewMessageStore(),
		events:        memory.NewEventLog(100, logger),
		graph:         graph,
		metrics:       metrics,
		auth:          service.NewOperatorAuth(testSecret, time.Hour),
	}
	patients := memory.NewPatientStore()
	learning := memory.NewLearningStore()
	dedupStore := memory.NewDedupStore(time.Minute)
	t.Cleanup(dedupStore.Close)
	ruleCache := cache.New[[]domain.ResponseRule](time.Minute)
	t.Cleanup(ruleCache.Close)

	graphClient := client.NewGraphClient(graphSrv.Client(), client.GraphConfig{
		BaseURL:               graphSrv.URL,
		WhatsAppToken:         "wa",
		WhatsAppPhoneNumberID: "phone-1",
		InstagramToken:        "ig",
	}, resilience.NewCircuitBreaker(t.Name()+"-graph"), retry)
	assistantClient := client.NewAssistantClient(assistantSrv.Client(), assistantSrv.URL, resilience.NewCircuitBreaker(t.Name()+"-assistant"), retry)

	machine := service.NewStateMachine(s.conversations, s.messages, s.events, clock, time.Hour, metrics, logger)
	contexts := service.NewContextBuilder(s.conversations, s.messages, patients, memory.NewAppointmentStore(), learning, clock, logger)
	processor := service.NewProcessor(service.ProcessorDeps{
		Conversations: s.conversations,
		Messages:      s.messages,
		Patients:      patients,
		Learning:      learning,
		Assistant:     assistantClient,
		Sender:        graphClient,
		Events:        s.events,
		Clock:         clock,
		Dedup:         service.NewDeduplicator(dedupStore, s.messages, clock, metrics, logger),
		Contexts:      contexts,
		Router:        service.NewIntentRouter(0.6, nil),
		Rules:         service.NewRuleResolver(memory.NewRuleStore(), ruleCache, metrics, logger),
		Machine:       machine,
		Memory:        service.NewMemoryKeeper(patients, clock, logger),
	}, service.ProcessorConfig{AssistantTimeout: 2 * time.Second}, metrics, logger)

	s.dispatcher = service.NewDispatcher(4, metrics, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.dispatcher.Shutdown(ctx)
	})
	s.monitor = service.NewInactivityMonitor(s.conversations, machine, clock, time.Hour, 10*time.Minute, metrics, logger)

	s.router = handler.NewRouter(handler.Deps{
		Processor:            processor,
		Dispatcher:           s.dispatcher,
		Machine:              machine,
		Monitor:              s.monitor,
		Auth:                 s.auth,
		Conversations:        s.conversations,
		Messages:             s.messages,
		Events:               s.events,
		WhatsAppVerifyToken:  "wa-verify",
		InstagramVerifyToken: "ig-verify",
		Checks:               checks,
	}, metrics, logger)
	return s
}

// replyWith answers every assistant call with out.
func replyWith(out domain.AssistantOutput) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

var greeting = domain.AssistantOutput{
	Message:    "Olá! Como posso ajudar?",
	Intent:     domain.IntentFreeTalk,
	Action:     domain.ActionContinue,
	Confidence: 0.95,
}

func (s *stack) token(t *testing.T, agent, role string) string {
	t.Helper()
	tok, err := s.auth.IssueToken(agent, role)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (s *stack) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *stack) seed(t *testing.T, id string, status domain.ConversationStatus, agent string, lastActivity time.Time) {
	t.Helper()
	_, err := s.conversations.Create(context.Background(), &domain.Conversation{
		ID:                 id,
		Phone:              "phone-" + id,
		Channel:            domain.ChannelWhatsApp,
		Status:             status,
		AssignedAgentID:    agent,
		LastUserActivityAt: &lastActivity,
		LastActivityAt:     lastActivity,
		CreatedAt:          lastActivity,
		WorkflowContext:    map[string]any{},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}
