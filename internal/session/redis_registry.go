package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry shares the connection-to-session mapping across server
// instances. Entries carry a TTL as a safety net for connections whose
// close hook never ran; Resolve refreshes it.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisRegistry(redisURL string, ttl time.Duration) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisRegistry{client: client, prefix: "conn:", ttl: ttl}, nil
}

func NewRedisRegistryWithClient(client *redis.Client, ttl time.Duration) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "conn:", ttl: ttl}
}

func (r *RedisRegistry) key(connectionID string) string {
	return r.prefix + connectionID
}

func (r *RedisRegistry) Resolve(ctx context.Context, connectionID string) (string, error) {
	key := r.key(connectionID)
	sessionID := uuid.NewString()

	// SetNX keeps concurrent resolves for the same connection from
	// racing each other into different session ids.
	created, err := r.client.SetNX(ctx, key, sessionID, r.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if created {
		return sessionID, nil
	}

	existing, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Entry expired between SetNX and Get; retry once.
		return r.Resolve(ctx, connectionID)
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("refresh session ttl: %w", err)
	}
	return existing, nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, connectionID string) (string, error) {
	sessionID, err := r.client.Get(ctx, r.key(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup session: %w", err)
	}
	return sessionID, nil
}

func (r *RedisRegistry) Drop(ctx context.Context, connectionID string) error {
	if err := r.client.Del(ctx, r.key(connectionID)).Err(); err != nil {
		return fmt.Errorf("drop session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
