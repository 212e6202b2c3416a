package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/provider"
	"dealerpay/internal/repository"
)

const (
	sweepLockName      = "payments:sweep"
	pollLockName       = "payments:poll"
	activationLockName = "payments:activation"

	expiredReason = "expired: no provider confirmation"
)

// Locker serializes sweep runs across instances.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, name, token string) error
}

// SweepConfig configures the Sweeper.
type SweepConfig struct {
	// MaxAge is how long a payment may stay non-terminal before it is failed.
	MaxAge time.Duration
	// PollAfter is how long to wait for a callback before asking the provider.
	PollAfter time.Duration
	// ActivationRetryAfter is how long a succeeded payment may stay unactivated before the
	// activation is published again.
	ActivationRetryAfter time.Duration
	BatchSize            int
	LockTTL              time.Duration
}

// Sweeper resolves payments whose provider notification never arrived.
type Sweeper struct {
	paymentRepo repository.PaymentRepository
	reconciler  *ReconciliationService
	queriers    map[domain.ProviderKind]provider.StatusQuerier
	locker      Locker
	cfg         SweepConfig
	logger      *zap.Logger
	now         func() time.Time
}

// NewSweeper creates a new Sweeper. locker may be nil for a single instance.
func NewSweeper(
	paymentRepo repository.PaymentRepository,
	reconciler *ReconciliationService,
	queriers map[domain.ProviderKind]provider.StatusQuerier,
	locker Locker,
	cfg SweepConfig,
	logger *zap.Logger,
) *Sweeper {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 45 * time.Minute
	}
	if cfg.PollAfter <= 0 {
		cfg.PollAfter = 30 * time.Second
	}
	if cfg.ActivationRetryAfter <= 0 {
		cfg.ActivationRetryAfter = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}

	return &Sweeper{
		paymentRepo: paymentRepo,
		reconciler:  reconciler,
		queriers:    queriers,
		locker:      locker,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

// Poll asks providers about payments still waiting for a callback and applies final outcomes.
// It returns the number of payments resolved.
func (s *Sweeper) Poll(ctx context.Context) (int, error) {
	var resolved int
	err := s.withLock(ctx, pollLockName, func(ctx context.Context) error {
		now := s.now()
		for kind, querier := range s.queriers {
			payments, err := s.paymentRepo.ListStale(ctx, repository.StaleFilter{
				Provider:      kind,
				Statuses:      []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusRequiresAction},
				UpdatedBefore: now.Add(-s.cfg.PollAfter),
				CreatedAfter:  now.Add(-s.cfg.MaxAge),
				Limit:         s.cfg.BatchSize,
			})
			if err != nil {
				return fmt.Errorf("list %s payments to poll: %w", kind, err)
			}

			for _, p := range payments {
				if p.ProviderReference == "" {
					continue
				}
				if s.pollOne(ctx, querier, p) {
					resolved++
				}
			}
		}
		return nil
	})
	return resolved, err
}

func (s *Sweeper) pollOne(ctx context.Context, querier provider.StatusQuerier, p *domain.Payment) bool {
	log := s.logger.With(zap.String("payment_id", p.ID), zap.String("provider", string(p.Provider)))

	outcome, reason, err := querier.QueryStatus(ctx, p.ProviderReference)
	if err != nil {
		log.Warn("status query failed", zap.Error(err))
		return false
	}
	if _, final := outcome.TargetStatus(); !final {
		return false
	}

	err = s.reconciler.HandleProviderCallback(ctx, domain.ProviderNotification{
		Provider:          p.Provider,
		ProviderReference: p.ProviderReference,
		Outcome:           outcome,
		Reason:            reason,
		EventID:           "poll:" + p.ID,
	})
	if err != nil {
		log.Warn("failed to apply polled status", zap.Error(err))
		return false
	}
	return true
}

// Sweep fails payments that stayed non-terminal longer than MaxAge.
// It returns the number of payments failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	var failed int
	err := s.withLock(ctx, sweepLockName, func(ctx context.Context) error {
		payments, err := s.paymentRepo.ListStale(ctx, repository.StaleFilter{
			Statuses:      []domain.PaymentStatus{domain.PaymentStatusPending, domain.PaymentStatusRequiresAction},
			UpdatedBefore: s.now().Add(-s.cfg.MaxAge),
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("list stale payments: %w", err)
		}

		status := domain.PaymentStatusFailed
		reason := expiredReason
		for _, p := range payments {
			_, err := s.paymentRepo.UpdateIfStatus(ctx, p.ID, p.Status, domain.PaymentPatch{
				Status:        &status,
				FailureReason: &reason,
			})
			if err != nil {
				if !errors.Is(err, repository.ErrStaleStatus) {
					s.logger.Error("failed to expire payment", zap.String("payment_id", p.ID), zap.Error(err))
				}
				continue
			}
			s.logger.Info("payment expired",
				zap.String("payment_id", p.ID),
				zap.String("from", string(p.Status)),
			)
			failed++
		}
		return nil
	})
	return failed, err
}

// RetryActivations publishes again the listing activations of succeeded payments that were never
// marked activated. It returns the number of activations delivered.
func (s *Sweeper) RetryActivations(ctx context.Context) (int, error) {
	var delivered int
	err := s.withLock(ctx, activationLockName, func(ctx context.Context) error {
		payments, err := s.paymentRepo.ListStale(ctx, repository.StaleFilter{
			Statuses:          []domain.PaymentStatus{domain.PaymentStatusSucceeded},
			UpdatedBefore:     s.now().Add(-s.cfg.ActivationRetryAfter),
			PendingActivation: true,
			Limit:             s.cfg.BatchSize,
		})
		if err != nil {
			return fmt.Errorf("list payments pending activation: %w", err)
		}

		for _, p := range payments {
			if err := s.reconciler.RetryActivation(ctx, p); err != nil {
				s.logger.Warn("activation retry failed", zap.String("payment_id", p.ID), zap.Error(err))
				continue
			}
			s.logger.Info("listing activation re-emitted", zap.String("payment_id", p.ID))
			delivered++
		}
		return nil
	})
	return delivered, err
}

func (s *Sweeper) withLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}

	token, ok, err := s.locker.Acquire(ctx, name, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", name, err)
	}
	if !ok {
		s.logger.Debug("another instance holds the lock", zap.String("lock", name))
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), name, token); err != nil {
			s.logger.Warn("failed to release lock", zap.String("lock", name), zap.Error(err))
		}
	}()

	return fn(ctx)
}
