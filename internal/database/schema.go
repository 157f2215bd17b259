package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// schema creates the recorder table. Rows are append-only; the primary key
// makes replays after a reconnect idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS market_events (
		asset_id     TEXT        NOT NULL,
		market       TEXT        NOT NULL DEFAULT '',
		event_type   TEXT        NOT NULL,
		event_ts     TIMESTAMPTZ NOT NULL,
		received_at  TIMESTAMPTZ NOT NULL,
		dedup_key    TEXT        NOT NULL DEFAULT '',
		price        NUMERIC,
		size         NUMERIC,
		side         TEXT        NOT NULL DEFAULT '',
		best_bid     NUMERIC,
		best_ask     NUMERIC,
		payload      JSONB       NOT NULL,
		PRIMARY KEY (asset_id, event_type, event_ts, dedup_key)
	)`,
	`CREATE INDEX IF NOT EXISTS market_events_market_ts_idx
		ON market_events (market, event_ts DESC)`,
}

// hypertable converts market_events when the timescaledb extension is present.
const hypertable = `
	DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			PERFORM create_hypertable('market_events', 'event_ts', if_not_exists => TRUE);
		END IF;
	END
	$$`

// EnsureSchema creates the recorder table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	if _, err := db.Exec(ctx, hypertable); err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}
	return nil
}
