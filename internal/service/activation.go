package service

import (
	"context"

	"go.uber.org/zap"

	"dealerpay/internal/domain"
)

// ListingActivator promotes a listing once its payment has succeeded.
type ListingActivator interface {
	Activate(ctx context.Context, activation domain.ListingActivation) error
}

// LogActivator records activations in the log only. Used when no message broker is configured.
type LogActivator struct {
	logger *zap.Logger
}

// NewLogActivator creates a new LogActivator.
func NewLogActivator(logger *zap.Logger) *LogActivator {
	return &LogActivator{logger: logger}
}

// Activate implements ListingActivator.
func (a *LogActivator) Activate(_ context.Context, activation domain.ListingActivation) error {
	a.logger.Info("listing promotion activated",
		zap.String("payment_id", activation.PaymentID),
		zap.String("user_id", activation.UserID),
		zap.String("listing_id", activation.ListingID),
		zap.String("tier", string(activation.Tier)),
		zap.Int64("amount", activation.Amount),
		zap.String("currency", activation.Currency),
		zap.Time("activated_at", activation.ActivatedAt),
	)
	return nil
}
