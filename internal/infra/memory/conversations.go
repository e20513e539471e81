// Package memory implements the storage ports in process. It backs the
// development mode and the tests; the conditional write semantics are the
// same as the Supabase adapter's.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// ConversationStore keeps conversations in a map guarded by a mutex.
type ConversationStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Conversation
	order []string
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{byID: make(map[string]*domain.Conversation)}
}

func (s *ConversationStore) Get(_ context.Context, id string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: id}
	}
	return cloneConversation(c), nil
}

// FindByPhone returns the newest conversation of phone.
func (s *ConversationStore) FindByPhone(_ context.Context, phone string) (*domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Conversation
	for _, id := range s.order {
		c := s.byID[id]
		if c.Phone != phone {
			continue
		}
		if found == nil || !c.CreatedAt.Before(found.CreatedAt) {
			found = c
		}
	}
	if found == nil {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: phone}
	}
	return cloneConversation(found), nil
}

func (s *ConversationStore) Create(_ context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[conv.ID]; ok {
		return nil, &domain.ErrConflict{Message: "conversation already exists: " + conv.ID}
	}
	c := cloneConversation(conv)
	if c.Version == 0 {
		c.Version = 1
	}
	s.byID[c.ID] = c
	s.order = append(s.order, c.ID)
	return cloneConversation(c), nil
}

// UpdateIf evaluates cond and applies patch under the same lock.
func (s *ConversationStore) UpdateIf(_ context.Context, id string, cond domain.UpdateCondition, patch domain.ConversationPatch) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "conversation", ID: id}
	}
	if !cond.Matches(c) {
		return nil, &domain.ErrStaleState{ConversationID: id}
	}
	if patch.WorkflowContext != nil {
		patch.WorkflowContext = cloneMap(patch.WorkflowContext)
	}
	patch.Apply(c)
	return cloneConversation(c), nil
}

func (s *ConversationStore) ListStaleAssigned(_ context.Context, cutoff time.Time) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Conversation
	for _, id := range s.order {
		c := s.byID[id]
		if c.Status == domain.StatusInService && c.AssignedAgentID != "" && c.StaleSince(cutoff) {
			out = append(out, *cloneConversation(c))
		}
	}
	return out, nil
}

func (s *ConversationStore) ListPreviousByPhone(_ context.Context, phone, excludeID string, limit int) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Conversation
	for _, id := range s.order {
		c := s.byID[id]
		if c.Phone == phone && c.ID != excludeID {
			out = append(out, *cloneConversation(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// List returns conversations, optionally filtered by status, newest activity
// first.
func (s *ConversationStore) List(_ context.Context, status domain.ConversationStatus) ([]domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Conversation, 0, len(s.byID))
	for _, id := range s.order {
		c := s.byID[id]
		if status == "" || c.Status == status {
			out = append(out, *cloneConversation(c))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func cloneConversation(c *domain.Conversation) *domain.Conversation {
	out := *c
	if c.LastUserActivityAt != nil {
		t := *c.LastUserActivityAt
		out.LastUserActivityAt = &t
	}
	out.WorkflowContext = cloneMap(c.WorkflowContext)
	return &out
}

// cloneMap deep-copies the JSON-like values of a bag.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
