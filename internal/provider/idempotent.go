package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dealerpay/internal/domain"
)

// HandleCache stores initiation results per idempotency key.
type HandleCache interface {
	// GetHandle returns the stored handle, or nil if none exists.
	GetHandle(ctx context.Context, key string) (*domain.ProviderHandle, error)
	// ClaimKey marks key as in flight. It returns false if the key is already claimed.
	ClaimKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	StoreHandle(ctx context.Context, key string, handle *domain.ProviderHandle, ttl time.Duration) error
	ReleaseKey(ctx context.Context, key string) error
}

// IdempotentAdapter guarantees that one idempotency key reaches the provider at most once
// unless the earlier attempt was definitively refused.
type IdempotentAdapter struct {
	next   Adapter
	cache  HandleCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewIdempotentAdapter wraps next.
func NewIdempotentAdapter(next Adapter, cache HandleCache, ttl time.Duration, logger *zap.Logger) *IdempotentAdapter {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotentAdapter{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Kind implements Adapter.
func (a *IdempotentAdapter) Kind() domain.ProviderKind { return a.next.Kind() }

// Idempotent implements NativelyIdempotent.
func (a *IdempotentAdapter) Idempotent() bool { return true }

// Initiate implements Adapter.
func (a *IdempotentAdapter) Initiate(ctx context.Context, req InitiateRequest) (*domain.ProviderHandle, error) {
	if req.IdempotencyKey == "" {
		return a.next.Initiate(ctx, req)
	}

	native := isNativelyIdempotent(a.next)
	key := string(a.next.Kind()) + ":" + req.IdempotencyKey
	log := a.logger.With(zap.String("provider", string(a.next.Kind())), zap.String("idempotency_key", req.IdempotencyKey))

	handle, err := a.cache.GetHandle(ctx, key)
	if err != nil {
		if !native {
			return nil, unavailable(a.next.Kind(), "idempotency cache unavailable", err)
		}
		log.Warn("idempotency cache read failed, relying on provider deduplication", zap.Error(err))
		return a.next.Initiate(ctx, req)
	}
	if handle != nil {
		log.Info("initiation served from cache", zap.String("external_id", handle.ExternalID))
		return handle, nil
	}

	claimed, err := a.cache.ClaimKey(ctx, key, a.ttl)
	if err != nil {
		if !native {
			return nil, unavailable(a.next.Kind(), "idempotency cache unavailable", err)
		}
		log.Warn("idempotency claim failed, relying on provider deduplication", zap.Error(err))
		return a.next.Initiate(ctx, req)
	}
	if !claimed {
		return nil, unavailable(a.next.Kind(), "previous initiation outcome unknown", ErrInitiationPending)
	}

	handle, err = a.next.Initiate(ctx, req)
	if err != nil {
		// A refusal is final, and a natively idempotent provider tolerates a resend.
		// Anything else may have reached the payer, so the key stays claimed.
		if errors.Is(err, ErrRejected) || native {
			if relErr := a.cache.ReleaseKey(ctx, key); relErr != nil {
				log.Warn("failed to release idempotency claim", zap.Error(relErr))
			}
		}
		return nil, err
	}

	if err := a.cache.StoreHandle(ctx, key, handle, a.ttl); err != nil {
		log.Warn("failed to cache initiation result", zap.Error(err))
	}

	return handle, nil
}

// MemoryHandleCache is an in-process HandleCache.
type MemoryHandleCache struct {
	mu      sync.Mutex
	handles map[string]memoryEntry
	claims  map[string]time.Time
	now     func() time.Time
}

type memoryEntry struct {
	handle    domain.ProviderHandle
	expiresAt time.Time
}

// NewMemoryHandleCache creates an empty MemoryHandleCache.
func NewMemoryHandleCache() *MemoryHandleCache {
	return &MemoryHandleCache{
		handles: make(map[string]memoryEntry),
		claims:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// GetHandle implements HandleCache.
func (c *MemoryHandleCache) GetHandle(_ context.Context, key string) (*domain.ProviderHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.handles[key]
	if !ok {
		return nil, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.handles, key)
		return nil, nil
	}
	h := e.handle
	return &h, nil
}

// ClaimKey implements HandleCache.
func (c *MemoryHandleCache) ClaimKey(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.claims[key]; ok && c.now().Before(exp) {
		return false, nil
	}
	c.claims[key] = c.now().Add(ttl)
	return true, nil
}

// StoreHandle implements HandleCache.
func (c *MemoryHandleCache) StoreHandle(_ context.Context, key string, handle *domain.ProviderHandle, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handles[key] = memoryEntry{handle: *handle, expiresAt: c.now().Add(ttl)}
	return nil
}

// ReleaseKey implements HandleCache.
func (c *MemoryHandleCache) ReleaseKey(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.claims, key)
	return nil
}
