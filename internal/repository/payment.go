package repository

import (
	"context"
	"time"

	"dealerpay/internal/domain"
)

// StaleFilter selects non-terminal payments for the sweep and status poller.
type StaleFilter struct {
	// Provider restricts the result to one provider. Empty means all providers.
	Provider domain.ProviderKind
	Statuses []domain.PaymentStatus
	// UpdatedBefore is exclusive.
	UpdatedBefore time.Time
	// CreatedAfter is inclusive. Zero means no lower bound.
	CreatedAfter time.Time
	// PendingActivation restricts the result to payments whose activation was never published.
	PendingActivation bool
	Limit             int
}

// PaymentRepository defines the persistence operations for payments.
type PaymentRepository interface {
	// Create persists a new payment.
	// Returns ErrDuplicate if the user already has a payment with the same idempotency key.
	Create(ctx context.Context, payment *domain.Payment) error

	// UpdateIfStatus applies patch only if the payment is currently in expected status,
	// and returns the updated row. Returns ErrStaleStatus if the guard fails.
	UpdateIfStatus(ctx context.Context, id string, expected domain.PaymentStatus, patch domain.PaymentPatch) (*domain.Payment, error)

	// GetByID retrieves a payment by ID.
	GetByID(ctx context.Context, id string) (*domain.Payment, error)

	// GetByIdempotencyKey retrieves a user's payment by its idempotency key.
	// Returns nil if no payment exists with the given key.
	GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Payment, error)

	// GetByProviderReference retrieves a payment by the provider's transaction reference.
	GetByProviderReference(ctx context.Context, provider domain.ProviderKind, reference string) (*domain.Payment, error)

	// ListStale lists payments matching filter, oldest first.
	ListStale(ctx context.Context, filter StaleFilter) ([]*domain.Payment, error)

	// MarkActivated records that the payment's listing activation was published.
	// Marking an already activated payment is a no-op. Returns ErrNotFound for an unknown id.
	MarkActivated(ctx context.Context, id string, at time.Time) error
}
