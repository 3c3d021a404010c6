package audit

import (
	"context"
	"time"
)

// SessionEnded is the audit event emitted once when a session reaches a
// terminal state.
type SessionEnded struct {
	EventID         string    `json:"event_id"`
	SessionID       string    `json:"session_id"`
	Kind            string    `json:"kind"`
	ParticipantRef  string    `json:"participant_ref"`
	Status          string    `json:"status"`
	EndReason       string    `json:"end_reason"`
	DurationSeconds int64     `json:"duration_seconds"`
	TranscriptLines int       `json:"transcript_lines"`
	ToolCalls       int       `json:"tool_calls"`
	Escalated       bool      `json:"escalated"`
	TicketCreated   bool      `json:"ticket_created"`
	Resolved        bool      `json:"resolved"`
	EndedAt         time.Time `json:"ended_at"`
}

// Publisher ships audit events to the event bus. Implementations must be
// safe to call concurrently; publish failures are logged by callers, never
// fatal to the session.
type Publisher interface {
	PublishSessionEnded(ctx context.Context, event SessionEnded) error
}
