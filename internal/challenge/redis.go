package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "challenge:"

// RedisStore keeps challenges in Redis with a native TTL. GETDEL gives
// the atomic retrieve-and-delete that single-use consumption requires
// even with multiple service replicas.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisStore) Issue(ctx context.Context, kind Kind, value string, contextData map[string]string) (string, error) {
	now := time.Now()
	rec := &Record{
		ID:        uuid.NewString(),
		Kind:      kind,
		Value:     value,
		Context:   contextData,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal challenge: %w", err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+rec.ID, data, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to save challenge: %w", err)
	}
	return rec.ID, nil
}

func (r *RedisStore) Consume(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.GetDel(ctx, redisKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume challenge: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}

	// Redis expiry is authoritative, but guard against clock skew between
	// writer and reader.
	if rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// Sweep is a no-op for Redis; keys expire via their TTL.
func (r *RedisStore) Sweep(ctx context.Context) (int, error) {
	return 0, nil
}
