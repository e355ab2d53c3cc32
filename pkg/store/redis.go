package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const feedKeyPrefix = "feed:"

// maxFeedLength caps how many messages a single feed retains.
const maxFeedLength = 200

// RedisFeedStore keeps each user's feed in a Redis list, newest first
type RedisFeedStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisFeedStore creates a Redis-backed feed store. A zero ttl keeps
// feeds forever.
func NewRedisFeedStore(client *redis.Client, ttl time.Duration) *RedisFeedStore {
	return &RedisFeedStore{
		client: client,
		ttl:    ttl,
	}
}

func (s *RedisFeedStore) key(userID string) string {
	return feedKeyPrefix + userID
}

// Append implements FeedStore
func (s *RedisFeedStore) Append(ctx context.Context, userID string, msg FeedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	val, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal feed message: %w", err)
	}

	key := s.key(userID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, val)
	pipe.LTrim(ctx, key, 0, maxFeedLength-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append feed message: %w", err)
	}
	return nil
}

// List implements FeedStore
func (s *RedisFeedStore) List(ctx context.Context, userID string, limit int) ([]FeedMessage, error) {
	if limit <= 0 || limit > maxFeedLength {
		limit = maxFeedLength
	}

	vals, err := s.client.LRange(ctx, s.key(userID), 0, int64(limit-1)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}

	msgs := make([]FeedMessage, 0, len(vals))
	for _, val := range vals {
		var msg FeedMessage
		if err := json.Unmarshal([]byte(val), &msg); err != nil {
			// Skip entries written by incompatible versions.
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
