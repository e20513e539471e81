package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/cache"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/memory"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"
	"github.com/boddenberg/clinic-frontline-go/internal/service"

	"go.uber.org/zap"
)

// --- Mocks ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockAssistant struct {
	mu    sync.Mutex
	out   *domain.AssistantOutput
	err   error
	calls int
	last  *port.AssistantRequest
}

func (m *mockAssistant) Generate(_ context.Context, req *port.AssistantRequest) (*domain.AssistantOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	out := *m.out
	return &out, nil
}

func (m *mockAssistant) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type sentText struct {
	channel domain.Channel
	to      string
	text    string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentText
	err  error
}

func (m *mockSender) SendText(_ context.Context, channel domain.Channel, to, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, sentText{channel: channel, to: to, text: text})
	return "out-" + to, nil
}

func (m *mockSender) Sent() []sentText {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentText(nil), m.sent...)
}

// --- Harness ---

// engine wires the real services over the in-memory stores.
type engine struct {
	clock         *testClock
	conversations *memory.ConversationStore
	messages      *memory.MessageStore
	patients      *memory.PatientStore
	appointments  *memory.AppointmentStore
	learning      *memory.LearningStore
	rules         *memory.RuleStore
	events        *memory.EventLog
	assistant     *mockAssistant
	sender        *mockSender
	metrics       *observability.Metrics

	router    *service.IntentRouter
	machine   *service.StateMachine
	contexts  *service.ContextBuilder
	processor *service.Processor
}

func newEngine(t *testing.T, cfg service.ProcessorConfig) *engine {
	t.Helper()
	return newEngineWith(t, cfg, nil)
}

// newEngineWith lets wrap decorate the message store seen by the processor.
func newEngineWith(t *testing.T, cfg service.ProcessorConfig, wrap func(port.MessageStore) port.MessageStore) *engine {
	t.Helper()
	logger := zap.NewNop()
	e := &engine{
		clock:         newTestClock(),
		conversations: memory.NewConversationStore(),
		messages:      memory.NewMessageStore(),
		patients:      memory.NewPatientStore(),
		appointments:  memory.NewAppointmentStore(),
		learning:      memory.NewLearningStore(),
		rules:         memory.NewRuleStore(),
		events:        memory.NewEventLog(100, logger),
		assistant: &mockAssistant{out: &domain.AssistantOutput{
			Message:    "Olá! Como posso ajudar?",
			Intent:     domain.IntentFreeTalk,
			Action:     domain.ActionContinue,
			Confidence: 0.9,
		}},
		sender:  &mockSender{},
		metrics: observability.NewMetrics(),
	}

	dedupStore := memory.NewDedupStore(time.Minute)
	t.Cleanup(dedupStore.Close)
	ruleCache := cache.New[[]domain.ResponseRule](time.Minute)
	t.Cleanup(ruleCache.Close)

	var messages port.MessageStore = e.messages
	if wrap != nil {
		messages = wrap(e.messages)
	}

	e.router = service.NewIntentRouter(0, nil)
	e.machine = service.NewStateMachine(e.conversations, e.messages, e.events, e.clock, time.Hour, e.metrics, logger)
	e.contexts = service.NewContextBuilder(e.conversations, e.messages, e.patients, e.appointments, e.learning, e.clock, logger)
	e.processor = service.NewProcessor(service.ProcessorDeps{
		Conversations: e.conversations,
		Messages:      messages,
		Patients:      e.patients,
		Learning:      e.learning,
		Assistant:     e.assistant,
		Sender:        e.sender,
		Events:        e.events,
		Clock:         e.clock,
		Dedup:         service.NewDeduplicator(dedupStore, messages, e.clock, e.metrics, logger),
		Contexts:      e.contexts,
		Router:        e.router,
		Rules:         service.NewRuleResolver(e.rules, ruleCache, e.metrics, logger),
		Machine:       e.machine,
		Memory:        service.NewMemoryKeeper(e.patients, e.clock, logger),
	}, cfg, e.metrics, logger)
	return e
}

func inbound(sender, externalID, text string) *domain.InboundMessage {
	return &domain.InboundMessage{
		Channel:    domain.ChannelWhatsApp,
		SenderID:   sender,
		ExternalID: externalID,
		Kind:       domain.KindText,
		Text:       text,
	}
}

// seedConversation stores a conversation in status, optionally assigned.
func (e *engine) seedConversation(t *testing.T, phone string, status domain.ConversationStatus, agent string) *domain.Conversation {
	t.Helper()
	now := e.clock.Now()
	conv, err := e.conversations.Create(context.Background(), &domain.Conversation{
		ID:                 "conv-" + phone,
		Phone:              phone,
		Channel:            domain.ChannelWhatsApp,
		Status:             status,
		AssignedAgentID:    agent,
		LastUserActivityAt: &now,
		LastActivityAt:     now,
		SessionExpiresAt:   now.Add(time.Hour),
		WorkflowContext:    map[string]any{},
		CreatedAt:          now,
	})
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	return conv
}

func (e *engine) mustGet(t *testing.T, id string) *domain.Conversation {
	t.Helper()
	conv, err := e.conversations.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get conversation %s: %v", id, err)
	}
	return conv
}

func (e *engine) transcript(t *testing.T, id string) []domain.Message {
	t.Helper()
	msgs, err := e.messages.ListByConversation(context.Background(), id, 100, false)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func notices(msgs []domain.Message) []domain.SystemNotice {
	var out []domain.SystemNotice
	for _, m := range msgs {
		if m.Origin == domain.OriginSystem {
			out = append(out, m.SystemType)
		}
	}
	return out
}

func hasNotice(msgs []domain.Message, kind domain.SystemNotice) bool {
	for _, n := range notices(msgs) {
		if n == kind {
			return true
		}
	}
	return false
}
