package memory

import (
	"context"
	"time"

	"github.com/boddenberg/clinic-frontline-go/internal/infra/cache"
)

// DedupStore claims keys in a TTL cache. Claims are lost on restart; the
// deduplicator backs them with the message log.
type DedupStore struct {
	claims *cache.InMemory[struct{}]
}

// NewDedupStore creates the store. ttl is the default window.
func NewDedupStore(ttl time.Duration) *DedupStore {
	return &DedupStore{claims: cache.New[struct{}](ttl)}
}

// Claim returns false when key was claimed within ttl.
func (s *DedupStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	return s.claims.SetIfAbsentTTL(key, struct{}{}, ttl), nil
}

// Release forgets key.
func (s *DedupStore) Release(_ context.Context, key string) error {
	s.claims.Delete(key)
	return nil
}

// Close stops the cache janitor.
func (s *DedupStore) Close() {
	s.claims.Close()
}
