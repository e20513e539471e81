package supabase

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// ConversationStore implements port.ConversationStore on the conversations
// table.
type ConversationStore struct {
	c *Client
}

// NewConversationStore creates the store.
func NewConversationStore(c *Client) *ConversationStore {
	return &ConversationStore{c: c}
}

func (s *ConversationStore) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	rows, err := selectRows[domain.Conversation](ctx, s.c, "GetConversation",
		fmt.Sprintf("conversations?id=%s&limit=1", eq(id)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: id}
	}
	return &rows[0], nil
}

func (s *ConversationStore) FindByPhone(ctx context.Context, phone string) (*domain.Conversation, error) {
	rows, err := selectRows[domain.Conversation](ctx, s.c, "FindConversationByPhone",
		fmt.Sprintf("conversations?phone=%s&order=created_at.desc&limit=1", eq(phone)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: phone}
	}
	return &rows[0], nil
}

func (s *ConversationStore) Create(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	row := *conv
	if row.Version == 0 {
		row.Version = 1
	}
	created, err := insertRow[domain.Conversation](ctx, s.c, "CreateConversation", "conversations", row)
	if isStatus(err, http.StatusConflict) {
		return nil, &domain.ErrConflict{Message: "conversation already exists for " + conv.Phone}
	}
	return created, err
}

// UpdateIf reads the row, checks cond, and writes with a filter on the
// version it read. A concurrent writer bumps the version first, the PATCH
// matches no row and the call reports ErrStaleState.
func (s *ConversationStore) UpdateIf(ctx context.Context, id string, cond domain.UpdateCondition, patch domain.ConversationPatch) (*domain.Conversation, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cond.Matches(cur) {
		return nil, &domain.ErrStaleState{ConversationID: id}
	}

	next := *cur
	patch.Apply(&next)

	data := map[string]any{"version": next.Version}
	if patch.Status != nil {
		data["status"] = next.Status
	}
	if patch.ClearAgent {
		data["assigned_agent_id"] = nil
	} else if patch.AssignedAgentID != nil {
		data["assigned_agent_id"] = next.AssignedAgentID
	}
	if patch.PatientID != nil {
		data["patient_id"] = next.PatientID
	}
	if patch.LastMessage != nil {
		data["last_message"] = next.LastMessage
	}
	if patch.LastUserActivityAt != nil {
		data["last_user_activity_at"] = next.LastUserActivityAt
	}
	if patch.LastActivityAt != nil {
		data["last_activity_at"] = next.LastActivityAt
	}
	if patch.SessionExpiresAt != nil {
		data["session_expires_at"] = next.SessionExpiresAt
	}
	if patch.WorkflowContext != nil {
		data["workflow_context"] = next.WorkflowContext
	}

	path := fmt.Sprintf("conversations?id=%s&version=eq.%d&status=%s", eq(id), cur.Version, eq(string(cur.Status)))
	rows, err := patchRows[domain.Conversation](ctx, s.c, "UpdateConversation", path, data)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.ErrStaleState{ConversationID: id}
	}
	return &rows[0], nil
}

func (s *ConversationStore) ListStaleAssigned(ctx context.Context, cutoff time.Time) ([]domain.Conversation, error) {
	path := fmt.Sprintf(
		"conversations?status=eq.%s&assigned_agent_id=not.is.null&or=(last_user_activity_at.lt.%s,and(last_user_activity_at.is.null,last_activity_at.lt.%s))",
		domain.StatusInService, ts(cutoff), ts(cutoff),
	)
	return selectRows[domain.Conversation](ctx, s.c, "ListStaleAssigned", path)
}

func (s *ConversationStore) ListPreviousByPhone(ctx context.Context, phone, excludeID string, limit int) ([]domain.Conversation, error) {
	path := fmt.Sprintf("conversations?phone=%s&id=%s&order=created_at.desc&limit=%d", eq(phone), neq(excludeID), limit)
	return selectRows[domain.Conversation](ctx, s.c, "ListPreviousConversations", path)
}
