package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
	"github.com/boddenberg/clinic-frontline-go/internal/infra/observability"
	"github.com/boddenberg/clinic-frontline-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Workflow context keys.
const (
	wcAwaitingInput  = "awaitingInput"
	wcEntities       = "entities"
	wcLastIntent     = "lastIntent"
	wcTransferReason = "transferReason"
)

// StateMachine performs every conversation status change. Writes are
// conditional on the state they were decided from; a lost race surfaces as
// *domain.ErrStaleState and nothing is written.
type StateMachine struct {
	conversations port.ConversationStore
	messages      port.MessageStore
	events        port.EventPublisher
	clock         port.Clock
	sessionTTL    time.Duration
	metrics       *observability.Metrics
	logger        *zap.Logger
}

// NewStateMachine creates the state machine. events may be nil.
func NewStateMachine(
	conversations port.ConversationStore,
	messages port.MessageStore,
	events port.EventPublisher,
	clock port.Clock,
	sessionTTL time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *StateMachine {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &StateMachine{
		conversations: conversations,
		messages:      messages,
		events:        events,
		clock:         clock,
		sessionTTL:    sessionTTL,
		metrics:       metrics,
		logger:        logger,
	}
}

// ApplyDecision records the routing outcome. A transfer moves the
// conversation from the bot queue to the decision's queue; a bot decision
// only stages the collected entities.
func (sm *StateMachine) ApplyDecision(ctx context.Context, conv *domain.Conversation, d *domain.RouteDecision) (*domain.Conversation, error) {
	ctx, span := tracer.Start(ctx, "StateMachine.ApplyDecision")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.String("decision", string(d.Type)),
	)

	wc := stageWorkflow(conv.WorkflowContext, d)
	patch := domain.ConversationPatch{WorkflowContext: wc}
	cond := domain.UpdateCondition{Status: conv.Status}

	if !d.IsTransfer() {
		return sm.conversations.UpdateIf(ctx, conv.ID, cond, patch)
	}

	if !domain.CanTransition(conv.Status, d.Queue) {
		return nil, &domain.ErrInvalidTransition{From: conv.Status, To: d.Queue}
	}
	queue := d.Queue
	wc[wcTransferReason] = d.Reason
	patch.Status = &queue
	patch.ClearAgent = true

	updated, err := sm.conversations.UpdateIf(ctx, conv.ID, cond, patch)
	if err != nil {
		return nil, err
	}
	sm.metrics.RecordTransition(conv.Status, queue)

	sm.notice(ctx, updated.ID, domain.NoticeBotToHuman, noticeMeta{Queue: queue, Reason: d.Reason})
	if d.AIContext != nil {
		sm.notice(ctx, updated.ID, domain.NoticeBotIntentContext, noticeMeta{AI: d.AIContext, Entities: d.Entities})
	}
	sm.publish(ctx, EventConversationTransferred, updated, map[string]any{
		"queue":  string(queue),
		"reason": d.Reason,
	})

	sm.logger.Info("conversation transferred",
		zap.String("conversation_id", updated.ID),
		zap.String("status", string(queue)),
		zap.String("reason", d.Reason),
	)
	return updated, nil
}

// Claim assigns the conversation to agentID (queue → EM_ATENDIMENTO). The
// inactivity clock starts at the assignment. Claiming a conversation the
// agent already holds is a no-op.
func (sm *StateMachine) Claim(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	ctx, span := tracer.Start(ctx, "StateMachine.Claim")
	defer span.End()

	if agentID == "" {
		return nil, &domain.ErrValidation{Field: "agent_id", Message: "required"}
	}
	conv, err := sm.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == domain.StatusInService {
		if conv.AssignedAgentID == agentID {
			return conv, nil
		}
		return nil, &domain.ErrConflict{Message: "conversation already assigned to another agent"}
	}
	if !domain.CanTransition(conv.Status, domain.StatusInService) {
		return nil, &domain.ErrInvalidTransition{From: conv.Status, To: domain.StatusInService}
	}

	now := sm.clock.Now()
	status := domain.StatusInService
	updated, err := sm.conversations.UpdateIf(ctx, conv.ID,
		domain.UpdateCondition{Status: conv.Status, Version: conv.Version},
		domain.ConversationPatch{
			Status:             &status,
			AssignedAgentID:    &agentID,
			LastUserActivityAt: &now,
			LastActivityAt:     &now,
		},
	)
	if err != nil {
		return nil, err
	}
	sm.metrics.RecordTransition(conv.Status, status)
	sm.notice(ctx, updated.ID, domain.NoticeAgentAssigned, noticeMeta{Agent: agentID})
	sm.publish(ctx, EventConversationAssigned, updated, map[string]any{"agent_id": agentID})
	return updated, nil
}

// Close ends the conversation held by agentID.
func (sm *StateMachine) Close(ctx context.Context, conversationID, agentID string) (*domain.Conversation, error) {
	ctx, span := tracer.Start(ctx, "StateMachine.Close")
	defer span.End()

	conv, err := sm.heldBy(ctx, conversationID, agentID, domain.StatusClosed)
	if err != nil {
		return nil, err
	}

	status := domain.StatusClosed
	updated, err := sm.conversations.UpdateIf(ctx, conv.ID,
		domain.UpdateCondition{Status: domain.StatusInService, AgentID: conv.AssignedAgentID},
		domain.ConversationPatch{Status: &status, ClearAgent: true},
	)
	if err != nil {
		return nil, err
	}
	sm.metrics.RecordTransition(domain.StatusInService, status)
	sm.notice(ctx, updated.ID, domain.NoticeConversationClosed, noticeMeta{Agent: conv.AssignedAgentID})
	sm.publish(ctx, EventConversationClosed, updated, map[string]any{"agent_id": conv.AssignedAgentID})
	return updated, nil
}

// Release hands the conversation back to a queue without closing it.
func (sm *StateMachine) Release(ctx context.Context, conversationID, agentID string, queue domain.ConversationStatus) (*domain.Conversation, error) {
	ctx, span := tracer.Start(ctx, "StateMachine.Release")
	defer span.End()

	if queue == "" {
		queue = domain.StatusPrincipal
	}
	if !queue.IsHumanQueue() {
		return nil, &domain.ErrValidation{Field: "queue", Message: "not a queue: " + string(queue)}
	}
	conv, err := sm.heldBy(ctx, conversationID, agentID, queue)
	if err != nil {
		return nil, err
	}

	updated, err := sm.conversations.UpdateIf(ctx, conv.ID,
		domain.UpdateCondition{Status: domain.StatusInService, AgentID: conv.AssignedAgentID},
		domain.ConversationPatch{Status: &queue, ClearAgent: true},
	)
	if err != nil {
		return nil, err
	}
	sm.metrics.RecordTransition(domain.StatusInService, queue)
	sm.notice(ctx, updated.ID, domain.NoticeReturnedToQueue, noticeMeta{Agent: conv.AssignedAgentID, Queue: queue})
	sm.publish(ctx, EventConversationUpdated, updated, map[string]any{"queue": string(queue)})
	return updated, nil
}

// Timeout returns an assigned conversation to PRINCIPAL because the patient
// went silent. The write only happens if, at write time, the conversation is
// still EM_ATENDIMENTO with the same agent and patient activity older than
// cutoff.
func (sm *StateMachine) Timeout(ctx context.Context, conv *domain.Conversation, cutoff time.Time) (*domain.Conversation, error) {
	ctx, span := tracer.Start(ctx, "StateMachine.Timeout")
	defer span.End()

	status := domain.StatusPrincipal
	updated, err := sm.conversations.UpdateIf(ctx, conv.ID,
		domain.UpdateCondition{
			Status:         domain.StatusInService,
			AgentID:        conv.AssignedAgentID,
			ActivityBefore: &cutoff,
		},
		domain.ConversationPatch{Status: &status, ClearAgent: true},
	)
	if err != nil {
		return nil, err
	}

	minutes := int(sm.clock.Now().Sub(cutoff).Round(time.Minute) / time.Minute)
	reason := fmt.Sprintf("Sem resposta por %d minutos", minutes)

	sm.metrics.RecordTransition(domain.StatusInService, status)
	sm.notice(ctx, updated.ID, domain.NoticeTimeoutInactivity, noticeMeta{Agent: conv.AssignedAgentID, Reason: reason})
	sm.publish(ctx, EventConversationTimeout, updated, map[string]any{
		"previous_agent_id": conv.AssignedAgentID,
		"reason":            reason,
	})
	return updated, nil
}

// Reopen moves a closed conversation back to the bot queue with a fresh
// session and an empty workflow context.
func (sm *StateMachine) Reopen(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.Status != domain.StatusClosed {
		return conv, nil
	}
	status := domain.StatusBotQueue
	expires := sm.clock.Now().Add(sm.sessionTTL)
	updated, err := sm.conversations.UpdateIf(ctx, conv.ID,
		domain.UpdateCondition{Status: domain.StatusClosed},
		domain.ConversationPatch{
			Status:           &status,
			ClearAgent:       true,
			SessionExpiresAt: &expires,
			WorkflowContext:  map[string]any{},
		},
	)
	if err != nil {
		return nil, err
	}
	sm.metrics.RecordTransition(domain.StatusClosed, status)
	sm.notice(ctx, updated.ID, domain.NoticeConversationReopen, noticeMeta{})
	sm.publish(ctx, EventConversationUpdated, updated, map[string]any{"reopened": true})
	return updated, nil
}

// heldBy loads the conversation and checks it is in service with agentID.
// An empty agentID skips the ownership check (supervisor actions).
func (sm *StateMachine) heldBy(ctx context.Context, conversationID, agentID string, target domain.ConversationStatus) (*domain.Conversation, error) {
	conv, err := sm.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != domain.StatusInService {
		return nil, &domain.ErrInvalidTransition{From: conv.Status, To: target}
	}
	if agentID != "" && conv.AssignedAgentID != agentID {
		return nil, &domain.ErrForbidden{Action: "conversation is assigned to another agent"}
	}
	return conv, nil
}

// notice appends a system message. The transition is already committed, so
// failures are logged and not returned.
func (sm *StateMachine) notice(ctx context.Context, conversationID string, kind domain.SystemNotice, meta noticeMeta) {
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Direction:      domain.DirectionSent,
		Origin:         domain.OriginSystem,
		Type:           domain.MessageSystem,
		Body:           noticeText(kind, meta),
		SystemType:     kind,
		Metadata:       meta.toMap(),
		Timestamp:      sm.clock.Now(),
	}
	if _, err := sm.messages.Append(ctx, msg); err != nil {
		sm.logger.Error("failed to write system notice",
			zap.String("conversation_id", conversationID),
			zap.String("notice", string(kind)),
			zap.Error(err),
		)
	}
}

func (sm *StateMachine) publish(ctx context.Context, kind string, conv *domain.Conversation, data map[string]any) {
	if sm.events == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["status"] = string(conv.Status)
	sm.events.Publish(ctx, domain.Event{
		Type:           kind,
		ConversationID: conv.ID,
		Phone:          conv.Phone,
		Data:           data,
		At:             sm.clock.Now(),
	})
}

// stageWorkflow copies wc and records the decision's staged data.
// Newer entity values win over staged ones.
func stageWorkflow(wc map[string]any, d *domain.RouteDecision) map[string]any {
	out := make(map[string]any, len(wc)+4)
	maps.Copy(out, wc)

	out[wcAwaitingInput] = d.AwaitingInput
	if d.AIContext != nil && d.AIContext.Intent != "" {
		out[wcLastIntent] = string(d.AIContext.Intent)
	}
	if !d.Entities.IsZero() {
		prev, _ := out[wcEntities].(map[string]any)
		merged := d.Entities.Merge(domain.EntitiesFromMap(prev))
		ents := make(map[string]any)
		for k, v := range merged.ToMap() {
			ents[k] = v
		}
		out[wcEntities] = ents
	}
	return out
}

// StagedEntities returns the entities staged in the workflow context.
func StagedEntities(conv *domain.Conversation) domain.Entities {
	m, _ := conv.WorkflowContext[wcEntities].(map[string]any)
	return domain.EntitiesFromMap(m)
}

// IsStale reports whether err is a lost conditional write.
func IsStale(err error) bool {
	var stale *domain.ErrStaleState
	return errors.As(err, &stale)
}
