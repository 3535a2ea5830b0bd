package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is the fulfillment core's persisted layout. Batches are
// append-only by discipline; nothing in this module issues UPDATE or
// DELETE against the batches table.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS prescriptions (
		folio           BIGSERIAL PRIMARY KEY,
		patient_id      TEXT NOT NULL,
		type            TEXT NOT NULL,
		state           TEXT NOT NULL,
		priority        TEXT NOT NULL,
		service         TEXT NOT NULL DEFAULT '',
		diagnosis       TEXT NOT NULL DEFAULT '',
		instructions    TEXT NOT NULL DEFAULT '',
		observations    TEXT NOT NULL DEFAULT '',
		expires_at      DATE,
		prescribed_by   TEXT NOT NULL DEFAULT '',
		validated_by    TEXT NOT NULL DEFAULT '',
		dispensed_by    TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		validated_at    TIMESTAMPTZ,
		partial_fill_at TIMESTAMPTZ,
		filled_at       TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_state ON prescriptions (state)`,
	`CREATE INDEX IF NOT EXISTS idx_prescriptions_type ON prescriptions (type)`,

	`CREATE TABLE IF NOT EXISTS line_items (
		id                   UUID PRIMARY KEY,
		folio                BIGINT NOT NULL REFERENCES prescriptions(folio) ON DELETE CASCADE,
		medication_key       TEXT NOT NULL,
		description          TEXT NOT NULL DEFAULT '',
		dose                 TEXT NOT NULL DEFAULT '',
		prescribed_qty       INT NOT NULL CHECK (prescribed_qty > 0),
		legacy_dispensed_qty INT NOT NULL DEFAULT 0,
		created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (folio, medication_key)
	)`,

	`CREATE TABLE IF NOT EXISTS batches (
		id           UUID PRIMARY KEY,
		line_item_id UUID NOT NULL REFERENCES line_items(id) ON DELETE CASCADE,
		lot          TEXT NOT NULL,
		expiry       DATE NOT NULL,
		quantity     INT NOT NULL CHECK (quantity > 0),
		dispensed_by TEXT NOT NULL,
		dispensed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		note         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_line_item ON batches (line_item_id)`,

	`CREATE TABLE IF NOT EXISTS stock_records (
		medication_key   TEXT PRIMARY KEY,
		current_stock    INT NOT NULL DEFAULT 0 CHECK (current_stock >= 0),
		reserved_stock   INT NOT NULL DEFAULT 0 CHECK (reserved_stock >= 0),
		last_movement_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS outbox (
		id           BIGSERIAL PRIMARY KEY,
		folio        BIGINT NOT NULL,
		event_type   TEXT NOT NULL,
		payload      JSONB NOT NULL,
		kafka_topic  TEXT NOT NULL,
		kafka_key    TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		retry_count  INT NOT NULL DEFAULT 0,
		last_error   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unprocessed ON outbox (created_at) WHERE processed_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS inbox (
		idempotency_key TEXT PRIMARY KEY,
		handler_name    TEXT NOT NULL,
		status          TEXT NOT NULL,
		payload         JSONB,
		result          JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_expires ON inbox (expires_at)`,
}

// EnsureSchema creates the fulfillment tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
