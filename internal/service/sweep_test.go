package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/provider"
	"dealerpay/internal/service"
	"dealerpay/internal/tests"
)

func newSweeper(repo *tests.MockPaymentRepository, activator *tests.MockActivator, querier *tests.MockStatusQuerier, locker service.Locker) *service.Sweeper {
	reconciler := service.NewReconciliationService(repo, activator, zap.NewNop())
	queriers := map[domain.ProviderKind]provider.StatusQuerier{}
	if querier != nil {
		queriers[domain.ProviderMobileMoney] = querier
	}
	return service.NewSweeper(repo, reconciler, queriers, locker, service.SweepConfig{}, zap.NewNop())
}

func seedMobileMoney(repo *tests.MockPaymentRepository, id, ref string, age time.Duration) {
	p := &domain.Payment{
		ID:                id,
		UserID:            "user-2",
		Tier:              domain.TierSpotlightRental,
		Provider:          domain.ProviderMobileMoney,
		Amount:            455000,
		Currency:          "KES",
		Status:            domain.PaymentStatusPending,
		ProviderReference: ref,
	}
	_ = repo.Create(context.Background(), p)
	repo.Age(id, age)
}

func TestSweeper_PollAppliesFinalOutcome(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	seedMobileMoney(repo, "p-confirmed", "ws_CO_a", time.Minute)
	seedMobileMoney(repo, "p-processing", "ws_CO_b", time.Minute)
	seedMobileMoney(repo, "p-fresh", "ws_CO_c", 0)

	querier := tests.NewMockStatusQuerier()
	querier.Set("ws_CO_a", domain.OutcomeConfirmed)
	querier.Set("ws_CO_c", domain.OutcomeConfirmed)

	activator := new(tests.MockActivator)
	activator.On("Activate", mock.Anything, mock.Anything).Return(nil).Once()

	resolved, err := newSweeper(repo, activator, querier, nil).Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	p, _ := repo.GetByID(context.Background(), "p-confirmed")
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
	p, _ = repo.GetByID(context.Background(), "p-processing")
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	// Too recent to poll; the callback may still arrive.
	p, _ = repo.GetByID(context.Background(), "p-fresh")
	assert.Equal(t, domain.PaymentStatusPending, p.Status)

	activator.AssertExpectations(t)
}

func TestSweeper_SweepExpiresOldPayments(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	seedMobileMoney(repo, "p-old", "ws_CO_a", time.Hour)
	seedMobileMoney(repo, "p-recent", "ws_CO_b", 10*time.Minute)

	succeeded := &domain.Payment{ID: "p-done", UserID: "u", Tier: domain.TierFeatured, Provider: domain.ProviderCard, Amount: 999, Currency: "USD", Status: domain.PaymentStatusSucceeded}
	_ = repo.Create(context.Background(), succeeded)
	repo.Age("p-done", time.Hour)

	failed, err := newSweeper(repo, new(tests.MockActivator), nil, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, failed)

	p, _ := repo.GetByID(context.Background(), "p-old")
	assert.Equal(t, domain.PaymentStatusFailed, p.Status)
	assert.NotEmpty(t, p.FailureReason)

	p, _ = repo.GetByID(context.Background(), "p-recent")
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	p, _ = repo.GetByID(context.Background(), "p-done")
	assert.Equal(t, domain.PaymentStatusSucceeded, p.Status)
}

func TestSweeper_SkipsWhenLockHeld(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	seedMobileMoney(repo, "p-old", "ws_CO_a", time.Hour)

	locker := tests.NewMockLocker()
	locker.Hold("payments:sweep")

	failed, err := newSweeper(repo, new(tests.MockActivator), nil, locker).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, failed)

	p, _ := repo.GetByID(context.Background(), "p-old")
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
}

func TestSweeper_ReleasesLock(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	locker := tests.NewMockLocker()
	sweeper := newSweeper(repo, new(tests.MockActivator), tests.NewMockStatusQuerier(), locker)

	for i := 0; i < 2; i++ {
		_, err := sweeper.Sweep(context.Background())
		require.NoError(t, err)
		_, err = sweeper.Poll(context.Background())
		require.NoError(t, err)
	}

	token, ok, err := locker.Acquire(context.Background(), "payments:sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)
}

// A payment whose activation publish failed at callback time is picked up by the next retry run.
func TestSweeper_RetryActivationsReemitsFailedPublish(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	p := seedPayment(repo, domain.PaymentStatusRequiresAction)

	activator := new(tests.MockActivator)
	activator.On("Activate", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()
	activator.On("Activate", mock.Anything, mock.MatchedBy(func(a domain.ListingActivation) bool {
		return a.PaymentID == p.ID && a.ListingID == "listing-1"
	})).Return(nil).Once()

	sweeper := newSweeper(repo, activator, nil, tests.NewMockLocker())
	reconciler := service.NewReconciliationService(repo, activator, zap.NewNop())
	require.NoError(t, reconciler.HandleProviderCallback(context.Background(), confirmed("cs_test_1")))

	// Inside the grace period nothing is retried.
	delivered, err := sweeper.RetryActivations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)

	repo.Age(p.ID, 2*time.Minute)
	delivered, err = sweeper.RetryActivations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	stored, _ := repo.GetByID(context.Background(), p.ID)
	assert.False(t, stored.ActivatedAt.IsZero())

	// Marked payments are not published again.
	delivered, err = sweeper.RetryActivations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	activator.AssertNumberOfCalls(t, "Activate", 2)
}

func TestSweeper_RetryActivationsKeepsFailuresPending(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	p := seedPayment(repo, domain.PaymentStatusSucceeded)
	repo.Age(p.ID, time.Hour)

	activator := new(tests.MockActivator)
	activator.On("Activate", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	sweeper := newSweeper(repo, activator, nil, nil)
	for i := 0; i < 2; i++ {
		delivered, err := sweeper.RetryActivations(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, delivered)
	}
	activator.AssertNumberOfCalls(t, "Activate", 2)
}

func TestSweeper_RetryActivationsSkipsWhenLockHeld(t *testing.T) {
	repo := tests.NewMockPaymentRepository()
	p := seedPayment(repo, domain.PaymentStatusSucceeded)
	repo.Age(p.ID, time.Hour)

	locker := tests.NewMockLocker()
	locker.Hold("payments:activation")
	activator := new(tests.MockActivator)

	delivered, err := newSweeper(repo, activator, nil, locker).RetryActivations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
	activator.AssertNotCalled(t, "Activate", mock.Anything, mock.Anything)
}
