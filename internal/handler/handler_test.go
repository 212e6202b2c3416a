package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/middleware"
	"dealerpay/internal/pricing"
	"dealerpay/internal/provider"
	internalRedis "dealerpay/internal/redis"
	"dealerpay/internal/service"
	"dealerpay/internal/tests"
)

var jwtSecret = []byte("handler-test-secret")

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router    *gin.Engine
	repo      *tests.MockPaymentRepository
	card      *tests.MockAdapter
	activator *tests.MockActivator
	cardHook  *fakeCardParser
	mmHook    *fakeMobileMoneyParser
}

type fakeCardParser struct {
	n   *domain.ProviderNotification
	err error
}

func (f *fakeCardParser) ParseWebhook(_ []byte, signature string) (*domain.ProviderNotification, error) {
	if signature != "valid" {
		return nil, provider.ErrInvalidSignature
	}
	return f.n, f.err
}

type fakeMobileMoneyParser struct {
	n *domain.ProviderNotification
}

func (f *fakeMobileMoneyParser) ParseCallback(payload []byte) (*domain.ProviderNotification, error) {
	if !json.Valid(payload) {
		return nil, provider.ErrMalformedPayload
	}
	return f.n, nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:      tests.NewMockPaymentRepository(),
		card:      tests.NewMockCardAdapter(),
		activator: new(tests.MockActivator),
		cardHook:  &fakeCardParser{},
		mmHook:    &fakeMobileMoneyParser{},
	}

	payments := service.NewPaymentService(
		env.repo,
		pricing.NewDefaultCatalog(),
		provider.NewRegistry(env.card, tests.NewMockMobileMoneyAdapter()),
		service.RetryPolicy{MaxAttempts: 1},
		zap.NewNop(),
	)
	reconciler := service.NewReconciliationService(env.repo, env.activator, zap.NewNop())

	paymentHandler := NewPaymentHandler(payments)
	pricingHandler := NewPricingHandler(payments)
	webhookHandler := NewWebhookHandler(reconciler, env.cardHook, env.mmHook, "cb-token",
		internalRedis.NewMemoryEventDeduper(time.Hour), zap.NewNop())

	r := gin.New()
	r.GET("/v1/pricing", pricingHandler.List)
	r.GET("/v1/pricing/:tier", pricingHandler.Get)
	r.POST("/v1/webhooks/card", webhookHandler.Card)
	r.POST("/v1/webhooks/mobile-money", webhookHandler.MobileMoney)
	authed := r.Group("/v1/payments", middleware.AuthMiddleware(jwtSecret, ""))
	authed.POST("/intents", paymentHandler.CreateIntent)
	authed.GET("/:id", paymentHandler.GetPayment)

	env.router = r
	return env
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwtSecret)
	require.NoError(t, err)
	return "Bearer " + token
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// ──────────────────────────────────────────────
// Pricing
// ──────────────────────────────────────────────

func TestPricingHandler_List(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/pricing", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PriceListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Prices, 6)

	rec = env.do(t, http.MethodGet, "/v1/pricing?provider=paypal", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPricingHandler_Get(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/pricing/featured", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var quote domain.PriceQuote
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.Equal(t, domain.PriceQuote{Tier: domain.TierFeatured, Amount: 999, Currency: "USD"}, quote)

	rec = env.do(t, http.MethodGet, "/v1/pricing/FEATURED?provider=mobile_money", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &quote))
	assert.Equal(t, "KES", quote.Currency)

	rec = env.do(t, http.MethodGet, "/v1/pricing/GOLD", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ──────────────────────────────────────────────
// Payment intents
// ──────────────────────────────────────────────

func TestPaymentHandler_CreateIntent(t *testing.T) {
	env := newTestEnv(t)

	body := CreateIntentRequest{
		Tier:      "FEATURED",
		Provider:  "card",
		ListingID: "listing-1",
		ReturnURL: "https://dealer.example.com/return",
	}
	headers := map[string]string{
		"Authorization":              bearer(t, "dealer-1"),
		middleware.IdempotencyHeader: "order-1",
	}

	rec := env.do(t, http.MethodPost, "/v1/payments/intents", body, headers)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var first IntentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "requires_action", first.Status)
	assert.Equal(t, int64(999), first.Quote.Amount)
	require.NotNil(t, first.Handle)
	assert.Equal(t, domain.HandleRedirect, first.Handle.Kind)
	assert.Equal(t, "/v1/payments/"+first.PaymentID, rec.Header().Get("Location"))

	rec = env.do(t, http.MethodPost, "/v1/payments/intents", body, headers)
	require.Equal(t, http.StatusOK, rec.Code)

	var second IntentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Replayed)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, env.repo.Count())
}

func TestPaymentHandler_CreateIntent_Errors(t *testing.T) {
	cases := []struct {
		name       string
		body       any
		failWith   error
		wantStatus int
		wantField  string
		// wantRecord means a failed payment row exists and its id is reported.
		wantRecord bool
	}{
		{
			name:       "malformed body",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "mobile money without phone",
			body:       CreateIntentRequest{Tier: "PREMIUM", Provider: "mobile_money"},
			wantStatus: http.StatusBadRequest,
			wantField:  "phone_number",
		},
		{
			name:       "unknown tier",
			body:       CreateIntentRequest{Tier: "GOLD", Provider: "card", ReturnURL: "https://x.example.com"},
			wantStatus: http.StatusBadRequest,
			wantField:  "tier",
		},
		{
			name:       "provider rejected",
			body:       CreateIntentRequest{Tier: "PREMIUM", Provider: "card", ReturnURL: "https://x.example.com"},
			failWith:   &provider.Error{Provider: domain.ProviderCard, Kind: provider.ErrRejected, Reason: "card declined"},
			wantStatus: http.StatusPaymentRequired,
			wantRecord: true,
		},
		{
			name:       "provider unavailable",
			body:       CreateIntentRequest{Tier: "PREMIUM", Provider: "card", ReturnURL: "https://x.example.com"},
			failWith:   &provider.Error{Provider: domain.ProviderCard, Kind: provider.ErrUnavailable, Reason: "timeout"},
			wantStatus: http.StatusServiceUnavailable,
			wantRecord: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tc.failWith != nil {
				env.card.FailWith(tc.failWith)
			}

			rec := env.do(t, http.MethodPost, "/v1/payments/intents", tc.body, map[string]string{
				"Authorization": bearer(t, "dealer-1"),
			})
			assert.Equal(t, tc.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.wantField, resp.Field)
			assert.NotEmpty(t, resp.Error)

			if !tc.wantRecord {
				assert.Empty(t, resp.PaymentID)
				assert.Equal(t, 0, env.repo.Count())
				return
			}
			payments := env.repo.All()
			require.Len(t, payments, 1)
			assert.Equal(t, domain.PaymentStatusFailed, payments[0].Status)
			assert.Equal(t, payments[0].ID, resp.PaymentID)
			assert.Equal(t, "/v1/payments/"+payments[0].ID, rec.Header().Get("Location"))
		})
	}
}

func TestPaymentHandler_CreateIntent_ReferenceNotRecordedReportsPayment(t *testing.T) {
	env := newTestEnv(t)
	env.repo.UpdateError = errors.New("pq: write timeout")

	rec := env.do(t, http.MethodPost, "/v1/payments/intents", CreateIntentRequest{
		Tier: "FEATURED", Provider: "card", ReturnURL: "https://x.example.com",
	}, map[string]string{"Authorization": bearer(t, "dealer-1")})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "write timeout")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal error", resp.Error)

	payments := env.repo.All()
	require.Len(t, payments, 1)
	assert.Equal(t, payments[0].ID, resp.PaymentID)
}

func TestPaymentHandler_CreateIntent_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/payments/intents", CreateIntentRequest{Tier: "FEATURED"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.repo.Count())
}

func TestPaymentHandler_CreateIntent_InternalErrorHidden(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CreateError = errors.New("pq: password authentication failed")

	rec := env.do(t, http.MethodPost, "/v1/payments/intents", CreateIntentRequest{
		Tier: "FEATURED", Provider: "card", ReturnURL: "https://x.example.com",
	}, map[string]string{"Authorization": bearer(t, "dealer-1")})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
}

func TestPaymentHandler_GetPayment(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/payments/intents", CreateIntentRequest{
		Tier: "SPOTLIGHT_RENTAL", Provider: "mobile_money", PhoneNumber: "+254700000000",
	}, map[string]string{"Authorization": bearer(t, "dealer-1")})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created IntentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, domain.HandlePush, created.Handle.Kind)

	rec = env.do(t, http.MethodGet, "/v1/payments/"+created.PaymentID, nil, map[string]string{"Authorization": bearer(t, "dealer-1")})
	require.Equal(t, http.StatusOK, rec.Code)

	var got PaymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, created.PaymentID, got.ID)
	assert.Equal(t, "mobile_money", got.Provider)

	rec = env.do(t, http.MethodGet, "/v1/payments/"+created.PaymentID, nil, map[string]string{"Authorization": bearer(t, "dealer-2")})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ──────────────────────────────────────────────
// Webhooks
// ──────────────────────────────────────────────

func seedCardPayment(env *testEnv) *domain.Payment {
	p := &domain.Payment{
		ID:                "8c1d6a52-3c1e-4e8f-9b0a-5f3e2d1c0b9a",
		UserID:            "dealer-1",
		ListingID:         "listing-1",
		Tier:              domain.TierFeatured,
		Provider:          domain.ProviderCard,
		Amount:            999,
		Currency:          "USD",
		Status:            domain.PaymentStatusRequiresAction,
		ProviderReference: "cs_test_1",
	}
	env.repo.AddPayment(p)
	return p
}

func TestWebhookHandler_Card(t *testing.T) {
	env := newTestEnv(t)
	p := seedCardPayment(env)
	env.cardHook.n = &domain.ProviderNotification{
		Provider:          domain.ProviderCard,
		ProviderReference: "cs_test_1",
		Outcome:           domain.OutcomeConfirmed,
		EventID:           "evt_1",
	}
	env.activator.On("Activate", mock.Anything, mock.Anything).Return(nil).Once()

	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/v1/webhooks/card", "{}", map[string]string{"Stripe-Signature": "valid"})
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	stored, err := env.repo.GetByID(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, stored.Status)
	env.activator.AssertExpectations(t)
	// The second delivery was dropped by the deduper before reaching the store.
	assert.Equal(t, int32(1), env.repo.UpdateCallCount)
}

func TestWebhookHandler_CardInvalidSignature(t *testing.T) {
	env := newTestEnv(t)
	seedCardPayment(env)

	rec := env.do(t, http.MethodPost, "/v1/webhooks/card", "{}", map[string]string{"Stripe-Signature": "forged"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, int32(0), env.repo.UpdateCallCount)
}

func TestWebhookHandler_CardIgnoredEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/webhooks/card", "{}", map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookHandler_CardConflictAcknowledged(t *testing.T) {
	env := newTestEnv(t)
	p := seedCardPayment(env)
	p.Status = domain.PaymentStatusSucceeded
	env.repo.AddPayment(p)

	env.cardHook.n = &domain.ProviderNotification{
		Provider:          domain.ProviderCard,
		ProviderReference: "cs_test_1",
		Outcome:           domain.OutcomeDenied,
		EventID:           "evt_2",
	}

	rec := env.do(t, http.MethodPost, "/v1/webhooks/card", "{}", map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookHandler_CardStoreFailureRetryable(t *testing.T) {
	env := newTestEnv(t)
	seedCardPayment(env)
	env.repo.UpdateError = errors.New("connection reset")
	env.cardHook.n = &domain.ProviderNotification{
		Provider:          domain.ProviderCard,
		ProviderReference: "cs_test_1",
		Outcome:           domain.OutcomeConfirmed,
		EventID:           "evt_3",
	}

	rec := env.do(t, http.MethodPost, "/v1/webhooks/card", "{}", map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// The event was forgotten, so the provider's retry is processed.
	env.repo.UpdateError = nil
	env.activator.On("Activate", mock.Anything, mock.Anything).Return(nil).Once()
	rec = env.do(t, http.MethodPost, "/v1/webhooks/card", "{}", map[string]string{"Stripe-Signature": "valid"})
	assert.Equal(t, http.StatusOK, rec.Code)
	env.activator.AssertExpectations(t)
}

func TestWebhookHandler_MobileMoney(t *testing.T) {
	env := newTestEnv(t)
	env.repo.AddPayment(&domain.Payment{
		ID:                "0b7e8f6a-1d2c-4b3a-9e8f-7a6b5c4d3e2f",
		UserID:            "dealer-1",
		Tier:              domain.TierSpotlightRental,
		Provider:          domain.ProviderMobileMoney,
		Amount:            455000,
		Currency:          "KES",
		Status:            domain.PaymentStatusPending,
		ProviderReference: "ws_CO_1",
	})
	env.mmHook.n = &domain.ProviderNotification{
		Provider:          domain.ProviderMobileMoney,
		ProviderReference: "ws_CO_1",
		Outcome:           domain.OutcomeConfirmed,
		EventID:           "mpesa:ws_CO_1:0",
	}
	env.activator.On("Activate", mock.Anything, mock.Anything).Return(nil).Once()

	rec := env.do(t, http.MethodPost, "/v1/webhooks/mobile-money?token=cb-token", "{}", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ResultCode":0,"ResultDesc":"Accepted"}`, rec.Body.String())
	env.activator.AssertExpectations(t)
}

func TestWebhookHandler_MobileMoneyRejected(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/webhooks/mobile-money?token=wrong", "{}", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/webhooks/mobile-money?token=cb-token", "{broken", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&service.ValidationError{Field: "tier", Reason: "bad"}, http.StatusBadRequest},
		{service.ErrNotFound, http.StatusNotFound},
		{service.ErrConflict, http.StatusConflict},
		{service.ErrIdempotencyMismatch, http.StatusConflict},
		{&provider.Error{Kind: provider.ErrRejected}, http.StatusPaymentRequired},
		{&provider.Error{Kind: provider.ErrUnavailable}, http.StatusServiceUnavailable},
		{&provider.Error{Kind: provider.ErrUnavailable, Err: provider.ErrInitiationPending}, http.StatusConflict},
		{service.ErrInternal, http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
		{&service.PaymentFailedError{PaymentID: "p-1", Err: &provider.Error{Kind: provider.ErrRejected}}, http.StatusPaymentRequired},
		{&service.PaymentFailedError{PaymentID: "p-1", Err: service.ErrInternal}, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, mapErrorToHTTPStatus(tc.err), tc.err.Error())
	}
}
