package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"

	"github.com/google/uuid"
)

// MessageStore keeps the message log per conversation.
type MessageStore struct {
	mu     sync.RWMutex
	byConv map[string][]domain.Message
}

// NewMessageStore creates an empty log.
func NewMessageStore() *MessageStore {
	return &MessageStore{byConv: make(map[string][]domain.Message)}
}

func (s *MessageStore) Append(_ context.Context, msg *domain.Message) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := *msg
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Metadata = cloneMap(msg.Metadata)
	s.byConv[m.ConversationID] = append(s.byConv[m.ConversationID], m)
	return &m, nil
}

// ListByConversation sorts by timestamp; insertion order breaks ties.
func (s *MessageStore) ListByConversation(_ context.Context, conversationID string, limit int, newest bool) ([]domain.Message, error) {
	s.mu.RLock()
	out := append([]domain.Message(nil), s.byConv[conversationID]...)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		if newest {
			out = out[len(out)-limit:]
		} else {
			out = out[:limit]
		}
	}
	return out, nil
}

func (s *MessageStore) FindByExternalID(_ context.Context, channel domain.Channel, externalID string, since time.Time) (*domain.Message, error) {
	if externalID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msgs := range s.byConv {
		for i := range msgs {
			if msgs[i].ExternalID != externalID || msgs[i].Timestamp.Before(since) {
				continue
			}
			if channel == "" || msgs[i].Channel == channel {
				m := msgs[i]
				return &m, nil
			}
		}
	}
	return nil, nil
}
