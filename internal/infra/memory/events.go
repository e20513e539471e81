package memory

import (
	"context"
	"sync"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"

	"go.uber.org/zap"
)

const defaultEventBacklog = 200

// EventLog publishes dashboard events to the log and keeps the latest ones
// for polling clients.
type EventLog struct {
	mu      sync.RWMutex
	events  []domain.Event
	backlog int
	logger  *zap.Logger
}

// NewEventLog creates a publisher keeping up to backlog events.
func NewEventLog(backlog int, logger *zap.Logger) *EventLog {
	if backlog <= 0 {
		backlog = defaultEventBacklog
	}
	return &EventLog{backlog: backlog, logger: logger}
}

func (l *EventLog) Publish(_ context.Context, evt domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, evt)
	if over := len(l.events) - l.backlog; over > 0 {
		l.events = append([]domain.Event(nil), l.events[over:]...)
	}
	l.mu.Unlock()

	l.logger.Info("event published",
		zap.String("event", evt.Type),
		zap.String("conversation_id", evt.ConversationID),
		zap.Any("data", evt.Data),
	)
}

// Recent returns up to limit of the latest events, oldest first. An empty
// conversationID matches every event.
func (l *EventLog) Recent(conversationID string, limit int) []domain.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if conversationID != "" && l.events[i].ConversationID != conversationID {
			continue
		}
		out = append(out, l.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
