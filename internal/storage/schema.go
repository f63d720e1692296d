package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS engine_settings (
        id               smallint PRIMARY KEY CHECK (id = 1),
        paused           boolean  NOT NULL,
        cooldown_seconds bigint   NOT NULL,
        current_batch    bigint   NOT NULL
    );`,

	`CREATE TABLE IF NOT EXISTS providers (
        address  bytea PRIMARY KEY,
        added_at timestamptz NOT NULL DEFAULT now()
    );`,

	`CREATE TABLE IF NOT EXISTS batches (
        id        bigint PRIMARY KEY,
        open      boolean NOT NULL,
        opened_at timestamptz,
        closed_at timestamptz
    );`,

	`CREATE TABLE IF NOT EXISTS deals (
        batch_id       bigint NOT NULL,
        deal_id        bigint NOT NULL,
        provider       bytea  NOT NULL,
        amount_ct      bytea  NOT NULL,
        price_ct       bytea  NOT NULL,
        buyer_ct       bytea  NOT NULL,
        seller_ct      bytea  NOT NULL,
        condition_ct   bytea  NOT NULL,
        status         text   NOT NULL,
        submitted_at   timestamptz NOT NULL,
        settled_amount numeric,
        settled_at     timestamptz,
        PRIMARY KEY (batch_id, deal_id)
    );`,

	`CREATE TABLE IF NOT EXISTS ciphertext_handles (
        handle        bytea PRIMARY KEY,
        batch_id      bigint NOT NULL,
        deal_id       bigint NOT NULL,
        registered_at timestamptz NOT NULL
    );`,

	`CREATE TABLE IF NOT EXISTS decryption_requests (
        request_id   bigint PRIMARY KEY,
        batch_id     bigint NOT NULL,
        deal_id      bigint NOT NULL,
        requester    bytea  NOT NULL,
        state_hash   bytea  NOT NULL,
        status       text   NOT NULL,
        created_at   timestamptz NOT NULL,
        processed_at timestamptz
    );`,

	`CREATE TABLE IF NOT EXISTS cooldowns (
        address        bytea NOT NULL,
        kind           text  NOT NULL,
        last_action_at timestamptz NOT NULL,
        PRIMARY KEY (address, kind)
    );`,

	`CREATE TABLE IF NOT EXISTS events (
        id         bigserial PRIMARY KEY,
        kind       text NOT NULL,
        actor      bytea,
        batch_id   bigint,
        deal_id    bigint,
        request_id bigint,
        amount     numeric,
        settled    boolean,
        detail     text NOT NULL DEFAULT '',
        created_at timestamptz NOT NULL DEFAULT now()
    );`,

	`CREATE INDEX IF NOT EXISTS decryption_requests_status_created_idx
        ON decryption_requests (status, created_at);`,

	`CREATE INDEX IF NOT EXISTS events_created_idx ON events (created_at);`,
}

const (
	seedSettingsSQL = `INSERT INTO engine_settings (id, paused, cooldown_seconds, current_batch)
    VALUES (1, false, $1, 1)
    ON CONFLICT (id) DO NOTHING;`

	seedFirstBatchSQL = `INSERT INTO batches (id, open) VALUES (1, false)
    ON CONFLICT (id) DO NOTHING;`
)

// EnsureSchema creates the ledger tables and seeds the settings row and the
// first (closed) batch. Safe to run on every startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, defaultCooldownSeconds uint64) error {
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if _, err := pool.Exec(ctx, seedSettingsSQL, int64(defaultCooldownSeconds)); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if _, err := pool.Exec(ctx, seedFirstBatchSQL); err != nil {
		return fmt.Errorf("seed first batch: %w", err)
	}
	return nil
}
