package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealerpay/internal/domain"
	"dealerpay/internal/pricing"
	"dealerpay/internal/provider"
	"dealerpay/internal/repository"
)

// PaymentService creates payment intents and answers pricing queries.
type PaymentService struct {
	paymentRepo repository.PaymentRepository
	catalog     *pricing.Catalog
	adapters    *provider.Registry
	retry       RetryPolicy
	logger      *zap.Logger
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(
	paymentRepo repository.PaymentRepository,
	catalog *pricing.Catalog,
	adapters *provider.Registry,
	retry RetryPolicy,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		paymentRepo: paymentRepo,
		catalog:     catalog,
		adapters:    adapters,
		retry:       retry,
		logger:      logger,
	}
}

// PaymentIntentResult is the unified answer to a payment intent request.
type PaymentIntentResult struct {
	PaymentID string
	Status    domain.PaymentStatus
	Quote     domain.PriceQuote
	Handle    *domain.ProviderHandle
	// Replayed is true when the result was served from an earlier request with the same idempotency key.
	Replayed bool
}

// CreatePaymentIntent validates req, records a pending payment and starts it with the provider.
func (s *PaymentService) CreatePaymentIntent(ctx context.Context, req domain.PaymentRequest) (*PaymentIntentResult, error) {
	if err := validatePaymentRequest(req); err != nil {
		return nil, err
	}

	adapter, ok := s.adapters.Get(req.Provider)
	if !ok {
		return nil, invalid("provider", fmt.Sprintf("%q is not configured", req.Provider))
	}

	log := s.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("tier", string(req.Tier)),
		zap.String("provider", string(req.Provider)),
	)

	if req.IdempotencyKey != "" {
		existing, err := s.paymentRepo.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			log.Error("failed to look up idempotency key", zap.Error(err))
			return nil, fmt.Errorf("%w: idempotency lookup", ErrInternal)
		}
		if existing != nil {
			return replay(existing, req)
		}
	}

	quote, err := s.catalog.QuoteFor(req.Tier, req.Provider)
	if err != nil {
		return nil, invalid("tier", err.Error())
	}

	payment := &domain.Payment{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		ListingID:      req.ListingID,
		Tier:           quote.Tier,
		Provider:       req.Provider,
		Amount:         quote.Amount,
		Currency:       quote.Currency,
		Status:         domain.PaymentStatusPending,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := s.paymentRepo.Create(ctx, payment); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && req.IdempotencyKey != "" {
			// A concurrent request with the same key won the insert.
			existing, gerr := s.paymentRepo.GetByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
			if gerr == nil && existing != nil {
				return replay(existing, req)
			}
		}
		log.Error("failed to create payment record", zap.Error(err))
		return nil, fmt.Errorf("%w: create payment record", ErrInternal)
	}

	log = log.With(zap.String("payment_id", payment.ID))

	// The row exists now; a caller abort must not leave it without an outcome.
	ctx = context.WithoutCancel(ctx)

	var handle *domain.ProviderHandle
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		h, err := adapter.Initiate(ctx, provider.InitiateRequest{
			Quote:          quote,
			IdempotencyKey: payment.ID,
			PaymentID:      payment.ID,
			UserID:         req.UserID,
			ListingID:      req.ListingID,
			ReturnURL:      req.ReturnURL,
			CancelURL:      req.CancelURL,
			PhoneNumber:    req.PhoneNumber,
		})
		if err != nil {
			log.Warn("provider initiation failed", zap.Error(err))
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		s.markFailed(ctx, log, payment.ID, provider.Reason(err))
		return nil, &PaymentFailedError{PaymentID: payment.ID, Err: err}
	}

	target := domain.PaymentStatusPending
	if handle.Kind == domain.HandleRedirect {
		target = domain.PaymentStatusRequiresAction
	}

	updated, err := s.paymentRepo.UpdateIfStatus(ctx, payment.ID, domain.PaymentStatusPending, domain.PaymentPatch{
		Status:            &target,
		ProviderReference: &handle.ExternalID,
		RedirectURL:       &handle.RedirectURL,
		MerchantRequestID: &handle.MerchantRequestID,
	})
	if err != nil {
		// The payer must not be sent to a transaction we cannot reconcile. The sweep covers a failed markFailed.
		log.Error("failed to record provider reference",
			zap.String("provider_reference", handle.ExternalID),
			zap.Error(err),
		)
		s.markFailed(ctx, log, payment.ID, "provider reference could not be recorded")
		return nil, &PaymentFailedError{PaymentID: payment.ID, Err: fmt.Errorf("%w: record provider reference", ErrInternal)}
	}

	log.Info("payment intent created",
		zap.String("status", string(updated.Status)),
		zap.String("provider_reference", handle.ExternalID),
	)

	return &PaymentIntentResult{
		PaymentID: updated.ID,
		Status:    updated.Status,
		Quote:     updated.Quote(),
		Handle:    handle,
	}, nil
}

func (s *PaymentService) markFailed(ctx context.Context, log *zap.Logger, paymentID, reason string) {
	failed := domain.PaymentStatusFailed
	_, err := s.paymentRepo.UpdateIfStatus(ctx, paymentID, domain.PaymentStatusPending, domain.PaymentPatch{
		Status:        &failed,
		FailureReason: &reason,
	})
	if err != nil {
		log.Error("failed to mark payment failed", zap.Error(err))
	}
}

// replay answers a repeated request from the stored payment without calling the provider.
func replay(existing *domain.Payment, req domain.PaymentRequest) (*PaymentIntentResult, error) {
	if existing.Tier != req.Tier || existing.Provider != req.Provider || existing.ListingID != req.ListingID {
		return nil, ErrIdempotencyMismatch
	}

	switch {
	case existing.Status == domain.PaymentStatusFailed, existing.Status == domain.PaymentStatusCanceled:
		return nil, fmt.Errorf("%w: payment %s is %s", ErrConflict, existing.ID, existing.Status)
	case existing.ProviderReference == "":
		return nil, fmt.Errorf("%w: payment %s is still being initiated", ErrConflict, existing.ID)
	}

	return &PaymentIntentResult{
		PaymentID: existing.ID,
		Status:    existing.Status,
		Quote:     existing.Quote(),
		Handle:    handleFromPayment(existing),
		Replayed:  true,
	}, nil
}

func handleFromPayment(p *domain.Payment) *domain.ProviderHandle {
	if p.Provider == domain.ProviderCard {
		return &domain.ProviderHandle{
			Kind:        domain.HandleRedirect,
			ExternalID:  p.ProviderReference,
			RedirectURL: p.RedirectURL,
		}
	}
	return &domain.ProviderHandle{
		Kind:              domain.HandlePush,
		ExternalID:        p.ProviderReference,
		CheckoutRequestID: p.ProviderReference,
		MerchantRequestID: p.MerchantRequestID,
	}
}

// GetPricingInfo returns the provider-agnostic price of a tier.
func (s *PaymentService) GetPricingInfo(tier domain.ListingTier) (domain.PriceQuote, error) {
	if !tier.IsValid() {
		return domain.PriceQuote{}, invalid("tier", fmt.Sprintf("%q is not a listing tier", tier))
	}
	return s.catalog.Quote(tier)
}

// GetProviderPricing returns the price a provider charges for a tier.
func (s *PaymentService) GetProviderPricing(tier domain.ListingTier, kind domain.ProviderKind) (domain.PriceQuote, error) {
	if !kind.IsValid() {
		return domain.PriceQuote{}, invalid("provider", fmt.Sprintf("%q is not supported", kind))
	}
	if !tier.IsValid() {
		return domain.PriceQuote{}, invalid("tier", fmt.Sprintf("%q is not a listing tier", tier))
	}
	return s.catalog.QuoteFor(tier, kind)
}

// ListPricing returns every tier's price. An empty provider means the base list.
func (s *PaymentService) ListPricing(kind domain.ProviderKind) ([]domain.PriceQuote, error) {
	if kind != "" && !kind.IsValid() {
		return nil, invalid("provider", fmt.Sprintf("%q is not supported", kind))
	}
	return s.catalog.AllFor(kind), nil
}

// GetPayment retrieves a payment owned by userID.
func (s *PaymentService) GetPayment(ctx context.Context, paymentID, userID string) (*domain.Payment, error) {
	if _, err := uuid.Parse(paymentID); err != nil {
		return nil, ErrNotFound
	}

	payment, err := s.paymentRepo.GetByID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Error("failed to load payment", zap.String("payment_id", paymentID), zap.Error(err))
		return nil, fmt.Errorf("%w: load payment", ErrInternal)
	}

	if payment.UserID != userID {
		return nil, ErrNotFound
	}

	return payment, nil
}
