package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"dealerpay/internal/domain"
)

// Key prefixes
const (
	initiationCachePrefix = "cache:initiation:"
	initiationClaimPrefix = "claim:initiation:"
)

// InitiationCache stores provider initiation results per idempotency key.
type InitiationCache struct {
	client *redis.Client
}

// NewInitiationCache creates a new InitiationCache.
func NewInitiationCache(client *redis.Client) *InitiationCache {
	return &InitiationCache{client: client}
}

// GetHandle retrieves a handle from cache. Returns nil on a miss.
func (s *InitiationCache) GetHandle(ctx context.Context, key string) (*domain.ProviderHandle, error) {
	data, err := s.client.Get(ctx, initiationCachePrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // Cache miss
		}
		return nil, err
	}

	var handle domain.ProviderHandle
	if err := json.Unmarshal(data, &handle); err != nil {
		return nil, err
	}
	return &handle, nil
}

// ClaimKey marks key as in flight. Returns false if another caller holds the claim.
func (s *InitiationCache) ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, initiationClaimPrefix+key, "1", ttl).Result()
}

// StoreHandle stores a handle in cache.
func (s *InitiationCache) StoreHandle(ctx context.Context, key string, handle *domain.ProviderHandle, ttl time.Duration) error {
	data, err := json.Marshal(handle)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, initiationCachePrefix+key, data, ttl).Err()
}

// ReleaseKey drops the claim on key.
func (s *InitiationCache) ReleaseKey(ctx context.Context, key string) error {
	return s.client.Del(ctx, initiationClaimPrefix+key).Err()
}
