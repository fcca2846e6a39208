package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"doublet/internal/doublet/models"
)

// RedisStore keeps matches in Redis as the contact's raw JSON with TTL
// eviction.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore accepts any go-redis client (single node, cluster, ring).
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Get loads a cached contact.
//
// Errors: ErrNotFound on a miss; wraps Redis and decode errors.
func (s *RedisStore) Get(ctx context.Context, key string) (*models.Contact, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find cached contact: %w", err)
	}

	var contact models.Contact
	if err := json.Unmarshal(data, &contact); err != nil {
		return nil, fmt.Errorf("decode cached contact: %w", err)
	}
	return &contact, nil
}

// Set writes contact with TTL eviction, overwriting any existing entry.
func (s *RedisStore) Set(ctx context.Context, key string, contact *models.Contact, ttl time.Duration) error {
	if contact == nil || ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("encode cached contact: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save cached contact: %w", err)
	}
	return nil
}
