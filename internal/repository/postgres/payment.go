package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"dealerpay/internal/domain"
	"dealerpay/internal/repository"
)

const uniqueViolation = "23505"

const paymentColumns = `id, user_id, listing_id, tier, provider, amount, currency, status,
	provider_reference, redirect_url, merchant_request_id, failure_reason, idempotency_key,
	created_at, updated_at, activated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PaymentRepository is a PostgreSQL implementation of repository.PaymentRepository.
type PaymentRepository struct {
	q   querier
	now func() time.Time
}

// NewPaymentRepository creates a new PostgreSQL payment repository.
func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{q: db, now: time.Now}
}

// Create persists a new payment.
func (r *PaymentRepository) Create(ctx context.Context, payment *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	now := r.now().UTC()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = now
	}
	if payment.UpdatedAt.IsZero() {
		payment.UpdatedAt = payment.CreatedAt
	}

	_, err := r.q.ExecContext(ctx, query,
		payment.ID,
		payment.UserID,
		nullString(payment.ListingID),
		payment.Tier,
		payment.Provider,
		payment.Amount,
		payment.Currency,
		payment.Status,
		nullString(payment.ProviderReference),
		payment.RedirectURL,
		payment.MerchantRequestID,
		payment.FailureReason,
		nullString(payment.IdempotencyKey),
		payment.CreatedAt,
		payment.UpdatedAt,
		nullTime(payment.ActivatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
	}

	return err
}

// UpdateIfStatus applies patch only while the row is still in expected status.
func (r *PaymentRepository) UpdateIfStatus(ctx context.Context, id string, expected domain.PaymentStatus, patch domain.PaymentPatch) (*domain.Payment, error) {
	query := `
		UPDATE payments SET
			status              = COALESCE($3, status),
			provider_reference  = COALESCE($4, provider_reference),
			redirect_url        = COALESCE($5, redirect_url),
			merchant_request_id = COALESCE($6, merchant_request_id),
			failure_reason      = COALESCE($7, failure_reason),
			updated_at          = $8
		WHERE id = $1 AND status = $2
		RETURNING ` + paymentColumns

	var status sql.NullString
	if patch.Status != nil {
		status = sql.NullString{String: string(*patch.Status), Valid: true}
	}

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query,
		id,
		expected,
		status,
		nullStringPtr(patch.ProviderReference),
		nullStringPtr(patch.RedirectURL),
		nullStringPtr(patch.MerchantRequestID),
		nullStringPtr(patch.FailureReason),
		r.now().UTC(),
	))
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %v", repository.ErrDuplicate, err)
		}
		return nil, err
	}

	// Zero rows: either the row is gone or its status moved on.
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, repository.ErrStaleStatus
}

// GetByID retrieves a payment by ID.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return payment, nil
}

// GetByIdempotencyKey retrieves a user's payment by its idempotency key.
// Returns nil if no payment exists with the given key.
func (r *PaymentRepository) GetByIdempotencyKey(ctx context.Context, userID, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE user_id = $1 AND idempotency_key = $2`

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, userID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return payment, nil
}

// GetByProviderReference retrieves a payment by the provider's transaction reference.
func (r *PaymentRepository) GetByProviderReference(ctx context.Context, provider domain.ProviderKind, reference string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_reference = $2`

	payment, err := scanPayment(r.q.QueryRowContext(ctx, query, provider, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}

	return payment, nil
}

// MarkActivated records that the payment's listing activation was published.
func (r *PaymentRepository) MarkActivated(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE payments SET activated_at = $2 WHERE id = $1 AND activated_at IS NULL`

	res, err := r.q.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already marked, or no such row.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListStale lists payments matching filter, oldest first.
func (r *PaymentRepository) ListStale(ctx context.Context, filter repository.StaleFilter) ([]*domain.Payment, error) {
	query, args := buildStaleQuery(filter)

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}

	return payments, rows.Err()
}

func buildStaleQuery(filter repository.StaleFilter) (string, []any) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}

	conds := []string{"status = ANY($1)", "updated_at < $2"}
	args := []any{pq.Array(statuses), filter.UpdatedBefore.UTC()}

	if filter.Provider != "" {
		args = append(args, filter.Provider)
		conds = append(conds, fmt.Sprintf("provider = $%d", len(args)))
	}
	if !filter.CreatedAfter.IsZero() {
		args = append(args, filter.CreatedAfter.UTC())
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.PendingActivation {
		conds = append(conds, "activated_at IS NULL")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	var (
		payment           domain.Payment
		listingID         sql.NullString
		providerReference sql.NullString
		idempotencyKey    sql.NullString
		activatedAt       sql.NullTime
	)

	err := row.Scan(
		&payment.ID,
		&payment.UserID,
		&listingID,
		&payment.Tier,
		&payment.Provider,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&providerReference,
		&payment.RedirectURL,
		&payment.MerchantRequestID,
		&payment.FailureReason,
		&idempotencyKey,
		&payment.CreatedAt,
		&payment.UpdatedAt,
		&activatedAt,
	)
	if err != nil {
		return nil, err
	}

	payment.ListingID = listingID.String
	payment.ProviderReference = providerReference.String
	payment.IdempotencyKey = idempotencyKey.String
	if activatedAt.Valid {
		payment.ActivatedAt = activatedAt.Time
	}

	return &payment, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringPtr maps nil and empty to NULL so COALESCE keeps the stored value.
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullString(*s)
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
