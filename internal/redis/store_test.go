package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/provider"
	"dealerpay/internal/tests"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// ──────────────────────────────────────────────
// INITIATION CACHE
// ──────────────────────────────────────────────

func TestInitiationCache_ClaimAndRelease(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewInitiationCache(client)
	ctx := context.Background()

	ok, err := cache.ClaimKey(ctx, "mobile_money:k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.ClaimKey(ctx, "mobile_money:k1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must fail while the first is held")

	require.NoError(t, cache.ReleaseKey(ctx, "mobile_money:k1"))
	ok, err = cache.ClaimKey(ctx, "mobile_money:k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Claims expire with their TTL.
	mr.FastForward(2 * time.Minute)
	ok, err = cache.ClaimKey(ctx, "mobile_money:k1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestInitiationCache_StoreAndGetHandle(t *testing.T) {
	mr, client := newTestClient(t)
	cache := NewInitiationCache(client)
	ctx := context.Background()

	h, err := cache.GetHandle(ctx, "mobile_money:k1")
	require.NoError(t, err)
	assert.Nil(t, h)

	want := &domain.ProviderHandle{
		Kind:              domain.HandlePush,
		ExternalID:        "ws_CO_1",
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "29115-1",
	}
	require.NoError(t, cache.StoreHandle(ctx, "mobile_money:k1", want, time.Hour))

	got, err := cache.GetHandle(ctx, "mobile_money:k1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	mr.FastForward(2 * time.Hour)
	got, err = cache.GetHandle(ctx, "mobile_money:k1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInitiationCache_UnderIdempotentAdapter(t *testing.T) {
	_, client := newTestClient(t)
	cache := NewInitiationCache(client)
	ctx := context.Background()

	t.Run("concurrent callers push once", func(t *testing.T) {
		next := tests.NewMockMobileMoneyAdapter()
		a := provider.NewIdempotentAdapter(next, cache, time.Hour, zap.NewNop())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = a.Initiate(ctx, provider.InitiateRequest{IdempotencyKey: "concurrent"})
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), atomic.LoadInt32(&next.InitiateCallCount))

		h, err := a.Initiate(ctx, provider.InitiateRequest{IdempotencyKey: "concurrent"})
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_1", h.ExternalID)
		assert.Equal(t, int32(1), atomic.LoadInt32(&next.InitiateCallCount))
	})

	t.Run("unavailable keeps the claim", func(t *testing.T) {
		next := tests.NewMockMobileMoneyAdapter()
		next.FailWith(&provider.Error{Provider: domain.ProviderMobileMoney, Kind: provider.ErrUnavailable, Reason: "timeout"})
		a := provider.NewIdempotentAdapter(next, cache, time.Hour, zap.NewNop())

		_, err := a.Initiate(ctx, provider.InitiateRequest{IdempotencyKey: "timeout"})
		assert.ErrorIs(t, err, provider.ErrUnavailable)

		_, err = a.Initiate(ctx, provider.InitiateRequest{IdempotencyKey: "timeout"})
		assert.ErrorIs(t, err, provider.ErrInitiationPending)
		assert.Equal(t, int32(1), atomic.LoadInt32(&next.InitiateCallCount))
	})

	t.Run("rejected releases the claim", func(t *testing.T) {
		next := tests.NewMockMobileMoneyAdapter()
		next.FailWith(&provider.Error{Provider: domain.ProviderMobileMoney, Kind: provider.ErrRejected, Reason: "bad phone"})
		a := provider.NewIdempotentAdapter(next, cache, time.Hour, zap.NewNop())

		_, err := a.Initiate(ctx, provider.InitiateRequest{IdempotencyKey: "rejected"})
		assert.ErrorIs(t, err, provider.ErrRejected)

		h, err := a.Initiate(ctx, provider.InitiateRequest{IdempotencyKey: "rejected"})
		require.NoError(t, err)
		assert.Equal(t, "ws_CO_1", h.ExternalID)
		assert.Equal(t, int32(2), atomic.LoadInt32(&next.InitiateCallCount))
	})
}

func TestInitiationCache_RedisDownFailsClosed(t *testing.T) {
	mr, client := newTestClient(t)
	next := tests.NewMockMobileMoneyAdapter()
	a := provider.NewIdempotentAdapter(next, NewInitiationCache(client), time.Hour, zap.NewNop())

	mr.Close()

	_, err := a.Initiate(context.Background(), provider.InitiateRequest{IdempotencyKey: "k1"})
	assert.ErrorIs(t, err, provider.ErrUnavailable)
	assert.Equal(t, int32(0), atomic.LoadInt32(&next.InitiateCallCount))
}

// ──────────────────────────────────────────────
// LOCK STORE
// ──────────────────────────────────────────────

func TestLockStore(t *testing.T) {
	mr, client := newTestClient(t)
	locks := NewLockStore(client)
	ctx := context.Background()

	token, ok, err := locks.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = locks.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A foreign token must not release the lock.
	require.NoError(t, locks.Release(ctx, "sweep", "not-the-owner"))
	held, err := mr.Get(lockPrefix + "sweep")
	require.NoError(t, err)
	assert.Equal(t, token, held)

	require.NoError(t, locks.Release(ctx, "sweep", token))
	assert.False(t, mr.Exists(lockPrefix+"sweep"))

	_, ok, err = locks.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockStore_ExpiredLockCanBeRetaken(t *testing.T) {
	mr, client := newTestClient(t)
	locks := NewLockStore(client)
	ctx := context.Background()

	first, ok, err := locks.Acquire(ctx, "poll", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	second, ok, err := locks.Acquire(ctx, "poll", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The first holder's late release leaves the new holder's lock in place.
	require.NoError(t, locks.Release(ctx, "poll", first))
	held, err := mr.Get(lockPrefix + "poll")
	require.NoError(t, err)
	assert.Equal(t, second, held)
}

// ──────────────────────────────────────────────
// EVENT DEDUPER
// ──────────────────────────────────────────────

func TestEventDeduper_Redis(t *testing.T) {
	mr, client := newTestClient(t)
	d := NewEventDeduper(client, time.Hour, zap.NewNop())
	ctx := context.Background()

	seen, err := d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, d.Forget(ctx, "evt_1"))
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	mr.FastForward(2 * time.Hour)
	seen, err = d.Seen(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}
