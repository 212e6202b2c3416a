package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/repository"
)

const (
	maxTransitionAttempts = 3

	// activationTimeout bounds one publish attempt. A payment left unmarked is retried by the sweeper.
	activationTimeout = 10 * time.Second
)

// ReconciliationService applies provider notifications to stored payments.
type ReconciliationService struct {
	paymentRepo repository.PaymentRepository
	activator   ListingActivator
	logger      *zap.Logger
	now         func() time.Time
}

// NewReconciliationService creates a new ReconciliationService.
func NewReconciliationService(paymentRepo repository.PaymentRepository, activator ListingActivator, logger *zap.Logger) *ReconciliationService {
	return &ReconciliationService{
		paymentRepo: paymentRepo,
		activator:   activator,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleProviderCallback moves the referenced payment to the status the notification implies.
// Repeating a notification that was already applied is a no-op. Unknown references are logged and dropped.
func (s *ReconciliationService) HandleProviderCallback(ctx context.Context, n domain.ProviderNotification) error {
	target, ok := n.Outcome.TargetStatus()
	if !ok {
		return invalid("outcome", fmt.Sprintf("%q is not a final outcome", n.Outcome))
	}
	if n.ProviderReference == "" {
		return invalid("provider_reference", "is required")
	}

	log := s.logger.With(
		zap.String("provider", string(n.Provider)),
		zap.String("provider_reference", n.ProviderReference),
		zap.String("outcome", string(n.Outcome)),
		zap.String("event_id", n.EventID),
	)

	payment, err := s.paymentRepo.GetByProviderReference(ctx, n.Provider, n.ProviderReference)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("notification for unknown provider reference discarded")
			return nil
		}
		log.Error("failed to load payment for notification", zap.Error(err))
		return fmt.Errorf("%w: load payment", ErrInternal)
	}

	log = log.With(zap.String("payment_id", payment.ID))

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		if payment.Status.IsTerminal() {
			if payment.Status == target {
				log.Debug("notification already applied")
				return nil
			}
			log.Warn("notification contradicts terminal status", zap.String("status", string(payment.Status)))
			return fmt.Errorf("%w: payment %s is %s, provider reports %s", ErrConflict, payment.ID, payment.Status, n.Outcome)
		}

		if !domain.CanTransition(payment.Status, target) {
			log.Warn("transition not allowed", zap.String("status", string(payment.Status)))
			return fmt.Errorf("%w: payment %s cannot move from %s to %s", ErrConflict, payment.ID, payment.Status, target)
		}

		patch := domain.PaymentPatch{Status: &target}
		if target != domain.PaymentStatusSucceeded && n.Reason != "" {
			reason := n.Reason
			patch.FailureReason = &reason
		}

		updated, err := s.paymentRepo.UpdateIfStatus(ctx, payment.ID, payment.Status, patch)
		if err == nil {
			log.Info("payment reconciled",
				zap.String("from", string(payment.Status)),
				zap.String("to", string(updated.Status)),
			)
			if updated.Status == domain.PaymentStatusSucceeded {
				s.activate(ctx, log, updated)
			}
			return nil
		}
		if !errors.Is(err, repository.ErrStaleStatus) {
			log.Error("failed to update payment status", zap.Error(err))
			return fmt.Errorf("%w: update payment status", ErrInternal)
		}

		// Lost the race; re-evaluate against the fresh row.
		payment, err = s.paymentRepo.GetByID(ctx, payment.ID)
		if err != nil {
			log.Error("failed to reload payment", zap.Error(err))
			return fmt.Errorf("%w: reload payment", ErrInternal)
		}
	}

	return fmt.Errorf("%w: payment %s changed concurrently %d times", ErrConflict, payment.ID, maxTransitionAttempts)
}

// activate runs only for the caller whose update won the transition to succeeded.
func (s *ReconciliationService) activate(ctx context.Context, log *zap.Logger, p *domain.Payment) {
	if err := s.publishActivation(ctx, p); err != nil {
		log.Error("listing activation failed, left pending for retry", zap.Error(err))
	}
}

// RetryActivation publishes the listing activation of a succeeded payment whose earlier publish
// never completed. Payments that are not succeeded, or already activated, are skipped.
func (s *ReconciliationService) RetryActivation(ctx context.Context, p *domain.Payment) error {
	if p.Status != domain.PaymentStatusSucceeded || !p.ActivatedAt.IsZero() {
		return nil
	}
	return s.publishActivation(ctx, p)
}

func (s *ReconciliationService) publishActivation(ctx context.Context, p *domain.Payment) error {
	now := s.now().UTC()
	activation := domain.ListingActivation{
		PaymentID:   p.ID,
		UserID:      p.UserID,
		ListingID:   p.ListingID,
		Tier:        p.Tier,
		Amount:      p.Amount,
		Currency:    p.Currency,
		ActivatedAt: now,
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), activationTimeout)
	defer cancel()

	if err := s.activator.Activate(pubCtx, activation); err != nil {
		return fmt.Errorf("publish activation: %w", err)
	}

	if err := s.paymentRepo.MarkActivated(context.WithoutCancel(ctx), p.ID, now); err != nil {
		// The event went out; a later retry publishes it again.
		return fmt.Errorf("mark activated: %w", err)
	}
	return nil
}
