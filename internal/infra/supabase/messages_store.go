package supabase

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/domain"
)

// MessageStore implements port.MessageStore on the messages table.
type MessageStore struct {
	c *Client
}

// NewMessageStore creates the store.
func NewMessageStore(c *Client) *MessageStore {
	return &MessageStore{c: c}
}

func (s *MessageStore) Append(ctx context.Context, msg *domain.Message) (*domain.Message, error) {
	return insertRow[domain.Message](ctx, s.c, "AppendMessage", "messages", msg)
}

func (s *MessageStore) ListByConversation(ctx context.Context, conversationID string, limit int, newest bool) ([]domain.Message, error) {
	order := "timestamp.asc"
	if newest {
		order = "timestamp.desc"
	}
	path := fmt.Sprintf("messages?conversation_id=%s&order=%s", eq(conversationID), order)
	if limit > 0 {
		path += fmt.Sprintf("&limit=%d", limit)
	}
	rows, err := selectRows[domain.Message](ctx, s.c, "ListMessages", path)
	if err != nil {
		return nil, err
	}
	if newest {
		slices.Reverse(rows)
	}
	return rows, nil
}

func (s *MessageStore) FindByExternalID(ctx context.Context, channel domain.Channel, externalID string, since time.Time) (*domain.Message, error) {
	if externalID == "" {
		return nil, nil
	}
	path := fmt.Sprintf("messages?external_id=%s&timestamp=gte.%s&limit=1", eq(externalID), ts(since))
	if channel != "" {
		path += "&channel=" + eq(string(channel))
	}
	rows, err := selectRows[domain.Message](ctx, s.c, "FindMessageByExternalID", path)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// DedupStore claims message ids by inserting into message_dedup, which has a
// unique constraint on (dedup_key, bucket). A 409 is a duplicate.
type DedupStore struct {
	c   *Client
	now func() time.Time
}

// NewDedupStore creates the store.
func NewDedupStore(c *Client) *DedupStore {
	return &DedupStore{c: c, now: time.Now}
}

func (s *DedupStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	bucket := int64(0)
	if ttl > 0 {
		bucket = s.now().Unix() / int64(ttl/time.Second)
	}
	row := map[string]any{
		"dedup_key":  key,
		"bucket":     bucket,
		"created_at": s.now().UTC(),
	}
	_, err := s.c.execute(ctx, "ClaimDedup", http.MethodPost, "message_dedup", row, preferMinimal)
	if isStatus(err, http.StatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes every bucket of key.
func (s *DedupStore) Release(ctx context.Context, key string) error {
	path := "message_dedup?dedup_key=" + eq(key)
	_, err := s.c.execute(ctx, "ReleaseDedup", http.MethodDelete, path, nil, preferMinimal)
	return err
}
