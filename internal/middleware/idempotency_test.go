package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type idempotencyEnv struct {
	router *gin.Engine
	mr     *miniredis.Miniredis
	calls  int
	// statuses scripts the handler's answers in order; the last one repeats.
	statuses []int
}

func newIdempotencyEnv(t *testing.T, statuses ...int) *idempotencyEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	env := &idempotencyEnv{mr: mr, statuses: statuses}

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			c.Set(userIDKey, user)
		}
		c.Next()
	})
	r.Use(IdempotencyMiddleware(client, time.Hour, zap.NewNop()))
	handle := func(c *gin.Context) {
		env.calls++
		status := env.statuses[len(env.statuses)-1]
		if env.calls <= len(env.statuses) {
			status = env.statuses[env.calls-1]
		}
		c.Header("Location", "/v1/payments/p-1")
		c.JSON(status, gin.H{"call": env.calls})
	}
	r.POST("/v1/payments/intents", handle)
	r.GET("/v1/payments/intents", handle)

	env.router = r
	return env
}

func (e *idempotencyEnv) do(method, user, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/v1/payments/intents", nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyMiddleware_ReplaysCreated(t *testing.T) {
	env := newIdempotencyEnv(t, http.StatusCreated)

	first := env.do(http.MethodPost, "dealer-1", "k1")
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := env.do(http.MethodPost, "dealer-1", "k1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "/v1/payments/p-1", second.Header().Get("Location"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, env.calls)
}

func TestIdempotencyMiddleware_KeyScopedPerUser(t *testing.T) {
	env := newIdempotencyEnv(t, http.StatusCreated)

	env.do(http.MethodPost, "dealer-1", "k1")
	rec := env.do(http.MethodPost, "dealer-2", "k1")

	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, env.calls)
}

func TestIdempotencyMiddleware_RetryableAnswersNotCached(t *testing.T) {
	cases := []struct {
		name   string
		status int
	}{
		{"conflict", http.StatusConflict},
		{"service unavailable", http.StatusServiceUnavailable},
		{"internal error", http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newIdempotencyEnv(t, tc.status, http.StatusCreated)

			first := env.do(http.MethodPost, "dealer-1", "k1")
			assert.Equal(t, tc.status, first.Code)

			second := env.do(http.MethodPost, "dealer-1", "k1")
			assert.Equal(t, http.StatusCreated, second.Code)
			assert.Empty(t, second.Header().Get("Idempotent-Replayed"))

			third := env.do(http.MethodPost, "dealer-1", "k1")
			assert.Equal(t, http.StatusCreated, third.Code)
			assert.Equal(t, "true", third.Header().Get("Idempotent-Replayed"))
			assert.Equal(t, 2, env.calls)
		})
	}
}

func TestIdempotencyMiddleware_FinalFailuresCached(t *testing.T) {
	env := newIdempotencyEnv(t, http.StatusPaymentRequired, http.StatusCreated)

	env.do(http.MethodPost, "dealer-1", "k1")
	rec := env.do(http.MethodPost, "dealer-1", "k1")

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, env.calls)
}

func TestIdempotencyMiddleware_Bypass(t *testing.T) {
	cases := []struct {
		name   string
		method string
		user   string
		key    string
	}{
		{"no key", http.MethodPost, "dealer-1", ""},
		{"no user", http.MethodPost, "", "k1"},
		{"not a post", http.MethodGet, "dealer-1", "k1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newIdempotencyEnv(t, http.StatusCreated)

			env.do(tc.method, tc.user, tc.key)
			rec := env.do(tc.method, tc.user, tc.key)

			assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
			assert.Equal(t, 2, env.calls)
		})
	}
}

func TestIdempotencyMiddleware_ExpiredEntryNotReplayed(t *testing.T) {
	env := newIdempotencyEnv(t, http.StatusCreated)

	env.do(http.MethodPost, "dealer-1", "k1")
	env.mr.FastForward(2 * time.Hour)
	rec := env.do(http.MethodPost, "dealer-1", "k1")

	assert.Empty(t, rec.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, env.calls)
}

func TestIdempotencyMiddleware_RedisDownPassesThrough(t *testing.T) {
	env := newIdempotencyEnv(t, http.StatusCreated)
	env.mr.Close()

	rec := env.do(http.MethodPost, "dealer-1", "k1")
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = env.do(http.MethodPost, "dealer-1", "k1")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 2, env.calls)
}
