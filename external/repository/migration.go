package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE support_session_status AS ENUM ('running', 'completed', 'failed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS pairing_credentials (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		hashed_code TEXT NOT NULL,
		user_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		used BOOLEAN NOT NULL DEFAULT FALSE,
		bound_session_id UUID
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_pairing_credentials_active_code ON pairing_credentials (hashed_code) WHERE used = FALSE`,
	`CREATE TABLE IF NOT EXISTS support_sessions (
		id UUID PRIMARY KEY,
		kind TEXT NOT NULL,
		participant_ref TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status support_session_status NOT NULL DEFAULT 'running',
		end_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_support_sessions_running ON support_sessions (participant_ref) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS session_outputs (
		session_id UUID PRIMARY KEY REFERENCES support_sessions(id) ON DELETE CASCADE,
		duration_seconds BIGINT NOT NULL,
		transcript JSONB NOT NULL DEFAULT '[]',
		tool_calls JSONB NOT NULL DEFAULT '[]',
		ticket_created BOOLEAN NOT NULL DEFAULT FALSE,
		escalated BOOLEAN NOT NULL DEFAULT FALSE,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
