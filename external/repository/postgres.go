package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/foxseedlab/denwaban/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) GetCredentialByHash(ctx context.Context, hashedCode string) (*repository.PairingCredential, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, hashed_code, user_id, tenant_id, device_id, created_at, used, COALESCE(bound_session_id::text, '')
		 FROM pairing_credentials WHERE hashed_code = $1`,
		hashedCode)
	var c repository.PairingCredential
	err := row.Scan(&c.ID, &c.HashedCode, &c.UserID, &c.TenantID, &c.DeviceID, &c.CreatedAt, &c.Used, &c.BoundSessionID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ConsumeCredential is the compare-and-swap that makes code consumption
// atomic: only the caller that flips used from FALSE wins.
func (r *PostgresRepository) ConsumeCredential(ctx context.Context, credentialID, sessionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE pairing_credentials SET used = TRUE, bound_session_id = $2
		 WHERE id = $1 AND used = FALSE`,
		credentialID, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) CreateCredential(ctx context.Context, cred repository.PairingCredential) (*repository.PairingCredential, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO pairing_credentials (hashed_code, user_id, tenant_id, device_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, hashed_code, user_id, tenant_id, device_id, created_at, used, COALESCE(bound_session_id::text, '')`,
		cred.HashedCode, cred.UserID, cred.TenantID, cred.DeviceID)
	var c repository.PairingCredential
	err := row.Scan(&c.ID, &c.HashedCode, &c.UserID, &c.TenantID, &c.DeviceID, &c.CreatedAt, &c.Used, &c.BoundSessionID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO support_sessions (id, kind, participant_ref, started_at, status)
		 VALUES ($1, $2, $3, $4, 'running')
		 RETURNING id, kind, participant_ref, started_at, ended_at, status, end_reason, created_at, updated_at`,
		input.ID, input.Kind, input.ParticipantRef, input.StartedAt)
	var s repository.Session
	var endedAt *time.Time
	err := row.Scan(&s.ID, &s.Kind, &s.ParticipantRef, &s.StartedAt, &endedAt, &s.Status, &s.EndReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}

func (r *PostgresRepository) SaveSessionOutput(ctx context.Context, input repository.SaveSessionOutputInput) error {
	transcript, err := json.Marshal(input.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	toolCalls, err := json.Marshal(input.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE support_sessions SET status = $2, ended_at = $3, end_reason = $4, updated_at = NOW()
		 WHERE id = $1`,
		input.SessionID, string(input.Status), input.EndedAt, input.EndReason); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO session_outputs (session_id, duration_seconds, transcript, tool_calls, ticket_created, escalated, resolved)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		input.SessionID, input.DurationSeconds, transcript, toolCalls, input.TicketCreated, input.Escalated, input.Resolved); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
