package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/foxseedlab/denwaban/internal/repository"
)

type Kind string

const (
	KindVoice          Kind = "voice"
	KindDeviceChat     Kind = "device-chat"
	KindTechnicianView Kind = "technician-view"
)

type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateInConference   State = "in-conference"
	StateEnding         State = "ending"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

var allowedTransitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateActive, StateFailed},
	StateActive:         {StateInConference, StateEnding, StateFailed},
	StateInConference:   {StateEnding, StateFailed},
	StateEnding:         {StateEnded, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

type InvalidTransitionError struct {
	From, To State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session state transition %s -> %s", e.From, e.To)
}

// ConferenceInfo summarizes the conference a session was escalated into. Leg
// lifecycle is owned by the conference orchestrator; the session only keeps
// the handles for audit.
type ConferenceInfo struct {
	Room              string
	HumanLegID        string
	AssistantLegID    string
	RecordingID       string
	HumanDialOutcome  string
	DegradedAssistant bool
}

// Session is one logical realtime interaction from connect to end. The id is
// immutable, state changes only through TransitionTo, and LastActivity is
// monotonically non-decreasing.
type Session struct {
	id             string
	kind           Kind
	participantRef string
	secondaryKey   string
	createdAt      time.Time

	mu               sync.Mutex
	state            State
	lastActivity     time.Time
	lastHeartbeat    time.Time
	transcript       []repository.TranscriptEntry
	toolCalls        []repository.ToolCallEntry
	conference       *ConferenceInfo
	primaryAuthority bool
	endReason        string
	persistStarted   bool
	ticketCreated    bool
	escalated        bool
	resolved         bool
}

func New(id string, kind Kind, participantRef string, now time.Time) *Session {
	return &Session{
		id:             id,
		kind:           kind,
		participantRef: participantRef,
		createdAt:      now,
		state:          StateConnecting,
		lastActivity:   now,
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Kind() Kind             { return s.kind }
func (s *Session) ParticipantRef() string { return s.participantRef }
func (s *Session) CreatedAt() time.Time   { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TransitionTo applies one state-machine edge. Failed is reachable from any
// non-terminal state; everything else must follow the transition table.
func (s *Session) TransitionTo(target State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return &InvalidTransitionError{From: s.state, To: target}
	}
	if target == StateFailed {
		s.state = StateFailed
		return nil
	}
	for _, next := range allowedTransitions[s.state] {
		if next == target {
			s.state = target
			return nil
		}
	}
	return &InvalidTransitionError{From: s.state, To: target}
}

// Touch advances LastActivity, never backwards.
func (s *Session) Touch(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.After(s.lastActivity) {
		s.lastActivity = t
	}
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Heartbeat(t time.Time) {
	s.mu.Lock()
	if t.After(s.lastHeartbeat) {
		s.lastHeartbeat = t
	}
	s.mu.Unlock()
	s.Touch(t)
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) SetSecondaryKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondaryKey = key
}

func (s *Session) SecondaryKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secondaryKey
}

func (s *Session) SetPrimaryAuthority(primary bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.primaryAuthority = primary
}

func (s *Session) PrimaryAuthority() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryAuthority
}

func (s *Session) AppendTranscript(role, text string, t time.Time) {
	s.mu.Lock()
	s.transcript = append(s.transcript, repository.TranscriptEntry{Role: role, Text: text, Timestamp: t})
	s.mu.Unlock()
	s.Touch(t)
}

func (s *Session) AppendToolCall(entry repository.ToolCallEntry) {
	s.mu.Lock()
	s.toolCalls = append(s.toolCalls, entry)
	s.mu.Unlock()
	s.Touch(entry.Timestamp)
}

func (s *Session) TranscriptSnapshot() []repository.TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

func (s *Session) ToolCallsSnapshot() []repository.ToolCallEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.ToolCallEntry, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

func (s *Session) SetConference(info ConferenceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conference = &info
	s.escalated = true
}

func (s *Session) Conference() *ConferenceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conference == nil {
		return nil
	}
	info := *s.conference
	return &info
}

func (s *Session) SetOutcomeFlags(ticketCreated, resolved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticketCreated = ticketCreated
	s.resolved = resolved
}

func (s *Session) Escalated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalated
}

// BeginPersist flips the persist-once latch. Only the first caller gets
// true; a concurrent double-trigger of cleanup persists nothing twice.
func (s *Session) BeginPersist(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistStarted {
		return false
	}
	s.persistStarted = true
	s.endReason = reason
	return true
}

func (s *Session) EndReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

func (s *Session) outputInput(status repository.SessionStatus, endedAt time.Time) repository.SaveSessionOutputInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return repository.SaveSessionOutputInput{
		SessionID:       s.id,
		EndedAt:         endedAt,
		EndReason:       s.endReason,
		Status:          status,
		DurationSeconds: int64(endedAt.Sub(s.createdAt).Seconds()),
		Transcript:      append([]repository.TranscriptEntry(nil), s.transcript...),
		ToolCalls:       append([]repository.ToolCallEntry(nil), s.toolCalls...),
		TicketCreated:   s.ticketCreated,
		Escalated:       s.escalated,
		Resolved:        s.resolved,
	}
}
