// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the domain/service
// layer from concrete implementations (Supabase, Redis, in-memory, Graph API).
package port

import (
	"context"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// ConversationStore owns the conversation rows. Every mutation is a
// conditional write against the current persisted state. Lookups return
// *domain.ErrNotFound when nothing matches.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	FindByPhone(ctx context.Context, phone string) (*domain.Conversation, error)
	Create(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error)

	// UpdateIf applies patch only if cond matches the persisted row, in one
	// atomic step. Returns *domain.ErrStaleState when the condition fails.
	UpdateIf(ctx context.Context, id string, cond domain.UpdateCondition, patch domain.ConversationPatch) (*domain.Conversation, error)

	// ListStaleAssigned returns conversations in EM_ATENDIMENTO, with an agent,
	// whose patient activity (or general activity) is older than cutoff.
	ListStaleAssigned(ctx context.Context, cutoff time.Time) ([]domain.Conversation, error)

	// ListPreviousByPhone returns up to limit conversations of phone other
	// than excludeID, newest first.
	ListPreviousByPhone(ctx context.Context, phone, excludeID string, limit int) ([]domain.Conversation, error)
}

// MessageStore is the message log.
type MessageStore interface {
	Append(ctx context.Context, msg *domain.Message) (*domain.Message, error)
	// ListByConversation returns up to limit messages. newest=true returns the
	// latest ones; the result is always sorted by timestamp ascending.
	ListByConversation(ctx context.Context, conversationID string, limit int, newest bool) ([]domain.Message, error)
	// FindByExternalID returns nil, nil when no message of channel has the id
	// since the given time. An empty channel matches any.
	FindByExternalID(ctx context.Context, channel domain.Channel, externalID string, since time.Time) (*domain.Message, error)
}

// DedupStore atomically records channel message ids. Claim returns false when
// the key already exists (the unique-constraint violation case). Release
// drops a claim so a redelivery of the same id is accepted again.
type DedupStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// PatientStore persists patients, unique per phone. FindByPhone returns
// *domain.ErrNotFound for unknown contacts.
type PatientStore interface {
	FindByPhone(ctx context.Context, phone string) (*domain.Patient, error)
	Create(ctx context.Context, p *domain.Patient) (*domain.Patient, error)
	Update(ctx context.Context, p *domain.Patient) (*domain.Patient, error)
}

// AppointmentStore lists a patient's appointments, newest first.
type AppointmentStore interface {
	ListByPatient(ctx context.Context, patientID string, limit int) ([]domain.Appointment, error)
}

// LearningStore records per-turn signals used by the context builder.
type LearningStore interface {
	Record(ctx context.Context, rec *domain.LearningRecord) error
	ListByPhone(ctx context.Context, phone string, limit int) ([]domain.LearningRecord, error)
}

// RuleStore is the read side of the rule table. The Get methods return
// nil, nil when no rule exists.
type RuleStore interface {
	ListResponseRules(ctx context.Context, intent domain.Intent) ([]domain.ResponseRule, error)
	GetProcedureRule(ctx context.Context, code string) (*domain.ProcedureRule, error)
	GetInsuranceRule(ctx context.Context, code string) (*domain.InsuranceRule, error)
}

// AssistantRequest is what the engine sends to the language model service.
type AssistantRequest struct {
	ConversationID string                  `json:"conversation_id"`
	Message        string                  `json:"message"`
	Context        *domain.ContextSnapshot `json:"context"`
}

// AssistantCaller is the black-box language model capability.
type AssistantCaller interface {
	Generate(ctx context.Context, req *AssistantRequest) (*domain.AssistantOutput, error)
}

// MessageSender delivers outbound text through the channel provider.
type MessageSender interface {
	SendText(ctx context.Context, channel domain.Channel, to, text string) (string, error)
}

// MediaFetcher downloads an attachment from the provider.
type MediaFetcher interface {
	Fetch(ctx context.Context, msg *domain.InboundMessage) ([]byte, string, error)
}

// MediaStore persists attachment bytes under a deterministic name and
// returns the public URL.
type MediaStore interface {
	Save(ctx context.Context, filename string, data []byte) (string, error)
}

// EventPublisher fans out realtime events to the operator dashboard.
type EventPublisher interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	SetIfAbsent(key string, value T) bool
	Delete(key string)
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }
