package redis

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const webhookEventPrefix = "webhook:event:"

// EventDeduper records processed webhook event ids in Redis.
// When Redis fails it falls back to an in-process record so a short outage does not stop webhooks.
type EventDeduper struct {
	client   *redis.Client
	ttl      time.Duration
	fallback *MemoryEventDeduper
	logger   *zap.Logger
}

// NewEventDeduper creates an EventDeduper. A nil client means memory only.
func NewEventDeduper(client *redis.Client, ttl time.Duration, logger *zap.Logger) *EventDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EventDeduper{
		client:   client,
		ttl:      ttl,
		fallback: NewMemoryEventDeduper(ttl),
		logger:   logger,
	}
}

// Seen records eventID and reports whether it had been recorded before.
func (d *EventDeduper) Seen(ctx context.Context, eventID string) (bool, error) {
	if d.client == nil {
		return d.fallback.Seen(ctx, eventID)
	}

	ok, err := d.client.SetNX(ctx, webhookEventPrefix+eventID, "1", d.ttl).Result()
	if err != nil {
		d.logger.Warn("webhook dedup falling back to memory", zap.String("event_id", eventID), zap.Error(err))
		return d.fallback.Seen(ctx, eventID)
	}
	// false => already exists => duplicate
	return !ok, nil
}

// Forget removes eventID so a provider retry is processed again.
func (d *EventDeduper) Forget(ctx context.Context, eventID string) error {
	_ = d.fallback.Forget(ctx, eventID)
	if d.client == nil {
		return nil
	}
	return d.client.Del(ctx, webhookEventPrefix+eventID).Err()
}

// MemoryEventDeduper is an in-process event record with expiry.
type MemoryEventDeduper struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	nextGC time.Time
	now    func() time.Time
}

// NewMemoryEventDeduper creates a MemoryEventDeduper.
func NewMemoryEventDeduper(ttl time.Duration) *MemoryEventDeduper {
	now := time.Now()
	return &MemoryEventDeduper{
		seen:   make(map[string]time.Time),
		ttl:    ttl,
		nextGC: now.Add(ttl),
		now:    time.Now,
	}
}

// Seen records eventID and reports whether it had been recorded before.
func (d *MemoryEventDeduper) Seen(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[eventID]; ok && exp.After(now) {
		return true, nil
	}

	d.seen[eventID] = now.Add(d.ttl)
	if now.After(d.nextGC) {
		for id, exp := range d.seen {
			if exp.Before(now) {
				delete(d.seen, id)
			}
		}
		d.nextGC = now.Add(d.ttl)
	}

	return false, nil
}

// Forget removes eventID.
func (d *MemoryEventDeduper) Forget(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.seen, eventID)
	return nil
}
