package redis

import (
	"context"
	"time"

	"dealerpay/internal/provider"
)

// LockStoreInterface defines the interface for distributed locking.
type LockStoreInterface interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

// EventDeduperInterface defines the interface for webhook event deduplication.
type EventDeduperInterface interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// Ensure concrete types implement interfaces.
var (
	_ LockStoreInterface    = (*LockStore)(nil)
	_ EventDeduperInterface = (*EventDeduper)(nil)
	_ EventDeduperInterface = (*MemoryEventDeduper)(nil)
	_ provider.HandleCache  = (*InitiationCache)(nil)
)
