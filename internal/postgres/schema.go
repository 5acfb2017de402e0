package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    order_id      TEXT PRIMARY KEY,
    user_id       BIGINT      NOT NULL,
    order_type    TEXT        NOT NULL,
    base_micro    BIGINT      NOT NULL,
    unique_suffix INT         NOT NULL CHECK (unique_suffix BETWEEN 1 AND 999),
    total_micro   BIGINT      NOT NULL,
    status        TEXT        NOT NULL,
    tx_hash       TEXT,
    metadata      JSONB       NOT NULL DEFAULT '{}'::jsonb,
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL,
    expires_at    TIMESTAMPTZ NOT NULL,
    paid_at       TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders (user_id, status);
CREATE INDEX IF NOT EXISTS idx_orders_total_micro ON orders (total_micro);

CREATE TABLE IF NOT EXISTS reconciliation_anomalies (
    id             BIGSERIAL PRIMARY KEY,
    kind           TEXT        NOT NULL,
    order_id       TEXT        NOT NULL,
    amount_micro   BIGINT      NOT NULL,
    tx_hash        TEXT        NOT NULL,
    from_status    TEXT        NOT NULL DEFAULT '',
    to_status      TEXT        NOT NULL DEFAULT '',
    current_status TEXT        NOT NULL DEFAULT '',
    detail         TEXT        NOT NULL DEFAULT '',
    observed_at    TIMESTAMPTZ NOT NULL,
    resolved_at    TIMESTAMPTZ,
    UNIQUE (kind, order_id, tx_hash)
);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the mirror tables when missing.
func Migrate(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
