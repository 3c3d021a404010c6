package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

type Session struct {
	ID             string
	Kind           string
	ParticipantRef string
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         SessionStatus
	EndReason      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PairingCredential is a short-lived, single-use code binding one device
// session to one identity. The code itself is never stored; only its hash.
type PairingCredential struct {
	ID             string
	HashedCode     string
	UserID         string
	TenantID       string
	DeviceID       string
	CreatedAt      time.Time
	Used           bool
	BoundSessionID string
}

type TranscriptEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type ToolCallEntry struct {
	Name      string    `json:"name"`
	Arguments string    `json:"arguments"`
	Result    string    `json:"result"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}
