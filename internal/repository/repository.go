package repository

import (
	"context"
	"time"
)

type CreateSessionInput struct {
	ID             string
	Kind           string
	ParticipantRef string
	StartedAt      time.Time
}

type SaveSessionOutputInput struct {
	SessionID       string
	EndedAt         time.Time
	EndReason       string
	Status          SessionStatus
	DurationSeconds int64
	Transcript      []TranscriptEntry
	ToolCalls       []ToolCallEntry
	TicketCreated   bool
	Escalated       bool
	Resolved        bool
}

type CredentialRepository interface {
	GetCredentialByHash(ctx context.Context, hashedCode string) (*PairingCredential, error)
	// ConsumeCredential marks the credential used and binds it to sessionID.
	// Returns false when another caller consumed it first (compare-and-swap
	// on used = FALSE).
	ConsumeCredential(ctx context.Context, credentialID, sessionID string) (bool, error)
	CreateCredential(ctx context.Context, cred PairingCredential) (*PairingCredential, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	SaveSessionOutput(ctx context.Context, input SaveSessionOutputInput) error
}

type Repository interface {
	CredentialRepository
	SessionRepository
}
