package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS members (
		id UUID PRIMARY KEY,
		phone TEXT UNIQUE,
		full_name TEXT NOT NULL,
		email TEXT,
		city TEXT,
		pin_hash TEXT NOT NULL DEFAULT '',
		pin_salt TEXT NOT NULL DEFAULT '',
		referral_code TEXT UNIQUE,
		referrer_code TEXT,
		direct_count BIGINT NOT NULL DEFAULT 0,
		team_count BIGINT NOT NULL DEFAULT 0,
		role_tier INT NOT NULL DEFAULT 0,
		role_name TEXT NOT NULL DEFAULT 'Member',
		stats_updated_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS members_referrer_code_idx ON members (referrer_code, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS phone_registry (
		phone TEXT PRIMARY KEY,
		referral_code TEXT,
		claimed_by UUID NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS code_reservations (
		code TEXT PRIMARY KEY,
		owner_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		aggregate_id UUID NOT NULL,
		aggregate_type TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data JSONB NOT NULL,
		metadata JSONB,
		version INT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (aggregate_id, version)
	)`,
}

// Migrate creates the schema if it does not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	slog.Info("Schema up to date", "statements", len(migrations))
	return nil
}
