package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payments (
		id                  UUID PRIMARY KEY,
		user_id             TEXT        NOT NULL,
		listing_id          TEXT,
		tier                TEXT        NOT NULL,
		provider            TEXT        NOT NULL,
		amount              BIGINT      NOT NULL CHECK (amount > 0),
		currency            CHAR(3)     NOT NULL,
		status              TEXT        NOT NULL,
		provider_reference  TEXT,
		redirect_url        TEXT        NOT NULL DEFAULT '',
		merchant_request_id TEXT        NOT NULL DEFAULT '',
		failure_reason      TEXT        NOT NULL DEFAULT '',
		idempotency_key     TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		activated_at        TIMESTAMPTZ
	)`,
	`ALTER TABLE payments ADD COLUMN IF NOT EXISTS activated_at TIMESTAMPTZ`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_user_idempotency_key_idx
		ON payments (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS payments_provider_reference_idx
		ON payments (provider, provider_reference) WHERE provider_reference IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS payments_status_updated_at_idx
		ON payments (status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS payments_pending_activation_idx
		ON payments (updated_at) WHERE status = 'succeeded' AND activated_at IS NULL`,
}

// Migrate creates the payments schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}

	return tx.Commit()
}
