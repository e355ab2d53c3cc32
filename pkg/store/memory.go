package store

import (
	"context"
	"sync"
	"time"
)

// MemoryFeedStore keeps feeds in process memory. Suitable for tests and
// single-instance deployments.
type MemoryFeedStore struct {
	mu    sync.RWMutex
	feeds map[string][]FeedMessage
	ttl   time.Duration
}

// NewMemoryFeedStore creates an in-memory feed store. A zero ttl keeps
// messages forever.
func NewMemoryFeedStore(ttl time.Duration) *MemoryFeedStore {
	return &MemoryFeedStore{
		feeds: make(map[string][]FeedMessage),
		ttl:   ttl,
	}
}

// Append implements FeedStore
func (s *MemoryFeedStore) Append(_ context.Context, userID string, msg FeedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	// Newest first.
	s.feeds[userID] = append([]FeedMessage{msg}, s.pruneLocked(userID)...)
	return nil
}

// List implements FeedStore
func (s *MemoryFeedStore) List(_ context.Context, userID string, limit int) ([]FeedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.pruneLocked(userID)
	s.feeds[userID] = msgs

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	out := make([]FeedMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// pruneLocked drops expired messages. Caller holds s.mu.
func (s *MemoryFeedStore) pruneLocked(userID string) []FeedMessage {
	msgs := s.feeds[userID]
	if s.ttl <= 0 {
		return msgs
	}
	cutoff := time.Now().Add(-s.ttl)
	kept := msgs[:0]
	for _, m := range msgs {
		if m.CreatedAt.After(cutoff) {
			kept = append(kept, m)
		}
	}
	return kept
}
