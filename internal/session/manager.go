package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foxseedlab/denwaban/internal/assistant"
	"github.com/foxseedlab/denwaban/internal/audit"
	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/credential"
	"github.com/foxseedlab/denwaban/internal/debounce"
	"github.com/foxseedlab/denwaban/internal/metrics"
	"github.com/foxseedlab/denwaban/internal/ratelimit"
	"github.com/foxseedlab/denwaban/internal/registry"
	"github.com/foxseedlab/denwaban/internal/repository"
	"github.com/foxseedlab/denwaban/internal/retry"
)

const (
	persistTimeout   = 15 * time.Second
	assistantTimeout = 30 * time.Second
)

// ErrViewTargetNotFound is returned when a technician presents a session
// token that matches no live session.
var ErrViewTargetNotFound = errors.New("no live session for the presented session token")

// RateLimitError rejects an authentication attempt with the time until the
// window opens again.
type RateLimitError struct {
	ResetSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many authentication attempts, retry in %ds", e.ResetSeconds)
}

// CredentialStore validates and consumes pairing codes.
type CredentialStore interface {
	Validate(ctx context.Context, code string, claimed credential.Participant) (*credential.BoundContext, error)
	Consume(ctx context.Context, credentialID, sessionID string) error
}

// RateLimiter guards the authentication path.
type RateLimiter interface {
	Check(key string) ratelimit.Decision
	Reset(key string)
	Sweep() int
}

// pendingCommand remembers what was dispatched so the eventual result can be
// correlated and the ledger entry carries the original arguments.
type pendingCommand struct {
	name      string
	arguments string
}

type trackedSession struct {
	sess      *Session
	debouncer *debounce.Debouncer

	pendingMu sync.Mutex
	pending   map[string]pendingCommand
}

// Manager owns the lifecycle of all live sessions: authentication, chat
// debouncing, command auditing, and the single finalize path that persists
// each session exactly once.
type Manager struct {
	cfg       *config.Config
	repo      repository.Repository
	creds     CredentialStore
	limiter   RateLimiter
	registry  *registry.Registry
	assistant assistant.Client
	audit     audit.Publisher
	now       func() time.Time

	mu            sync.Mutex
	sessions      map[string]*trackedSession
	finalizeHooks []func(*Session)
}

func NewManager(cfg *config.Config, repo repository.Repository, creds CredentialStore, limiter RateLimiter, reg *registry.Registry, ai assistant.Client, auditPub audit.Publisher) *Manager {
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		creds:     creds,
		limiter:   limiter,
		registry:  reg,
		assistant: ai,
		audit:     auditPub,
		now:       time.Now,
		sessions:  make(map[string]*trackedSession),
	}
}

func (m *Manager) Registry() *registry.Registry { return m.registry }

// OnFinalized registers fn to run after a session is finalized, exactly once
// per session. Collaborators holding per-session resources (conference rooms,
// media legs) release them here. Registration happens during wiring.
func (m *Manager) OnFinalized(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeHooks = append(m.finalizeHooks, fn)
}

func (m *Manager) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  m.cfg.RetryMaxAttempts,
		InitialDelay: m.cfg.RetryInitialDelay,
		Multiplier:   m.cfg.RetryMultiplier,
		MaxDelay:     m.cfg.RetryMaxDelay,
		Jitter:       true,
	}
}

// Authenticate runs the full device/technician authentication path:
// rate-limit check, credential validation, session creation, and the
// compare-and-swap consume that makes code-use atomic with session creation.
func (m *Manager) Authenticate(ctx context.Context, remoteAddr string, msg AuthMessage) (*Session, error) {
	decision := m.limiter.Check(remoteAddr)
	if !decision.Allowed {
		metrics.RateLimited.Inc()
		slog.Warn("authentication rate limited", "remote_addr", remoteAddr, "reset_seconds", decision.ResetSeconds)
		return nil, &RateLimitError{ResetSeconds: decision.ResetSeconds}
	}

	claimed := credential.Participant{UserID: msg.UserID, TenantID: msg.TenantID, DeviceID: msg.DeviceID}
	bound, err := m.creds.Validate(ctx, msg.Code, claimed)
	if err != nil {
		if kind := credential.KindOf(err); kind != "" {
			metrics.AuthFailures.WithLabelValues(string(kind)).Inc()
		}
		slog.Warn("credential validation failed", "remote_addr", remoteAddr, "error", err)
		return nil, err
	}

	kind := KindDeviceChat
	if msg.Kind == string(KindTechnicianView) {
		kind = KindTechnicianView
	}

	sess := New(uuid.NewString(), kind, msg.DeviceID, m.now())
	if err := sess.TransitionTo(StateAuthenticating); err != nil {
		return nil, err
	}

	result := retry.Do(ctx, m.retryPolicy(), func(ctx context.Context) error {
		_, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
			ID:             sess.ID(),
			Kind:           string(kind),
			ParticipantRef: sess.ParticipantRef(),
			StartedAt:      sess.CreatedAt(),
		})
		return err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("persist session record: %w", result.Err)
	}

	if err := m.creds.Consume(ctx, bound.CredentialID, sess.ID()); err != nil {
		if kind := credential.KindOf(err); kind != "" {
			metrics.AuthFailures.WithLabelValues(string(kind)).Inc()
		}
		return nil, err
	}
	m.limiter.Reset(remoteAddr)

	if kind == KindTechnicianView {
		target, ok := m.findByToken(msg.SessionToken)
		if !ok {
			return nil, ErrViewTargetNotFound
		}
		sess.SetSecondaryKey(target.SecondaryKey())
		sess.SetPrimaryAuthority(false)
	} else {
		sess.SetSecondaryKey(uuid.NewString())
		sess.SetPrimaryAuthority(true)
	}

	if err := sess.TransitionTo(StateActive); err != nil {
		return nil, err
	}
	m.track(sess)
	metrics.SessionsTotal.WithLabelValues(string(kind)).Inc()
	slog.Info("session authenticated", "session_id", sess.ID(), "kind", kind, "participant_ref", sess.ParticipantRef())

	if kind == KindTechnicianView {
		// The device-side agent adjusts behavior once a human is watching.
		m.deliverToSessionGroup(sess, EncodeAIInstruction("A technician has joined this session."))
	}
	return sess, nil
}

// CreateVoiceSession registers a phone call as a live session. Caller
// identity comes from the telephony provider, not a pairing code.
func (m *Manager) CreateVoiceSession(ctx context.Context, participantRef string) (*Session, error) {
	sess := New(uuid.NewString(), KindVoice, participantRef, m.now())
	if err := sess.TransitionTo(StateAuthenticating); err != nil {
		return nil, err
	}

	result := retry.Do(ctx, m.retryPolicy(), func(ctx context.Context) error {
		_, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
			ID:             sess.ID(),
			Kind:           string(KindVoice),
			ParticipantRef: participantRef,
			StartedAt:      sess.CreatedAt(),
		})
		return err
	})
	if result.Err != nil {
		return nil, fmt.Errorf("persist session record: %w", result.Err)
	}

	if err := sess.TransitionTo(StateActive); err != nil {
		return nil, err
	}
	sess.SetPrimaryAuthority(true)
	m.track(sess)
	metrics.SessionsTotal.WithLabelValues(string(KindVoice)).Inc()
	slog.Info("voice session created", "session_id", sess.ID(), "participant_ref", participantRef)
	return sess, nil
}

// Attach registers the transport handle so the session becomes addressable.
func (m *Manager) Attach(h registry.Handle) {
	m.registry.Register(h)
	metrics.SessionsActive.Set(float64(m.registry.ActiveCount()))
}

func (m *Manager) track(sess *Session) {
	ts := &trackedSession{sess: sess, pending: make(map[string]pendingCommand)}
	ts.debouncer = debounce.NewDebouncer(
		m.cfg.DebounceQuietPeriod,
		m.cfg.DebounceMaxDelay,
		m.cfg.DebounceMaxBatch,
		m.cfg.DebounceShortMsgChars,
		func(combined string) { m.onBatch(sess.ID(), combined) },
	)

	m.mu.Lock()
	m.sessions[sess.ID()] = ts
	m.mu.Unlock()
}

func (m *Manager) tracked(sessionID string) (*trackedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessions[sessionID]
	return ts, ok
}

// Get returns a live session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	ts, ok := m.tracked(sessionID)
	if !ok {
		return nil, false
	}
	return ts.sess, true
}

func (m *Manager) findByToken(token string) (*Session, bool) {
	if token == "" {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range m.sessions {
		if ts.sess.SecondaryKey() == token && ts.sess.Kind() != KindTechnicianView {
			return ts.sess, true
		}
	}
	return nil, false
}

// HandleChat records the fragment on the transcript and feeds the debouncer.
func (m *Manager) HandleChat(sessionID, text string) bool {
	ts, ok := m.tracked(sessionID)
	if !ok {
		return false
	}
	ts.sess.AppendTranscript("user", text, m.now())
	ts.debouncer.Add(text)
	return true
}

// onBatch is the debounce trigger: one combined user message per batch goes
// to the assistant collaborator, fire-and-forget relative to the read loop.
func (m *Manager) onBatch(sessionID, combined string) {
	metrics.DebounceBatches.Inc()

	ts, ok := m.tracked(sessionID)
	if !ok {
		slog.Info("dropping debounced batch for ended session", "session_id", sessionID)
		return
	}
	if state := ts.sess.State(); state != StateActive && state != StateInConference {
		slog.Info("dropping debounced batch in non-active state", "session_id", sessionID, "state", state)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), assistantTimeout)
	defer cancel()

	reply, err := m.assistant.Respond(ctx, sessionID, combined)
	if err != nil {
		slog.Error("assistant respond failed", "session_id", sessionID, "error", err)
		return
	}
	ts.sess.AppendTranscript("assistant", reply.Text, m.now())
	m.deliverToSessionGroup(ts.sess, EncodeChat("assistant", reply.Text))
}

// deliverToSessionGroup sends a payload to the session's own handle and to
// any technician viewers sharing its session token.
func (m *Manager) deliverToSessionGroup(sess *Session, payload []byte) {
	token := sess.SecondaryKey()
	if token != "" {
		m.registry.Broadcast(func(h registry.Handle) bool {
			return h.SecondaryKey() == token
		}, payload)
		return
	}
	if h, ok := m.registry.Get(sess.ID()); ok {
		if err := h.Deliver(payload); err != nil {
			slog.Warn("delivery failed", "session_id", sess.ID(), "error", err)
		}
	}
}

// Heartbeat refreshes the session's liveness and returns the ack payload.
func (m *Manager) Heartbeat(sessionID string) ([]byte, bool) {
	ts, ok := m.tracked(sessionID)
	if !ok {
		return nil, false
	}
	ts.sess.Heartbeat(m.now())
	return EncodeHeartbeatAck(), true
}

// DispatchCommand fans a pending command out to the session group so every
// viewer sees it before the result arrives.
func (m *Manager) DispatchCommand(sessionID, commandID, name, arguments string) bool {
	ts, ok := m.tracked(sessionID)
	if !ok {
		return false
	}
	if state := ts.sess.State(); state != StateActive && state != StateInConference {
		return false
	}
	ts.sess.Touch(m.now())
	ts.pendingMu.Lock()
	ts.pending[commandID] = pendingCommand{name: name, arguments: arguments}
	ts.pendingMu.Unlock()
	slog.Info("command dispatched", "session_id", sessionID, "command_id", commandID, "command", name, "argument_bytes", len(arguments))
	m.deliverToSessionGroup(ts.sess, EncodeCommandUpdate(commandID, name, "pending", "", false))
	return true
}

// RecordCommandResult appends a command execution to the session's tool-call
// ledger and fans the update out to viewers, correlated by command id so
// viewers can match it to the execute_command they saw. Results arriving
// after the session left the active states are orphaned: the policy is
// discard-and-log, never buffer, so a Failed session cannot grow state after
// cleanup.
func (m *Manager) RecordCommandResult(sessionID, commandID string, entry repository.ToolCallEntry) bool {
	ts, ok := m.tracked(sessionID)
	if !ok {
		slog.Info("discarding orphaned command result", "session_id", sessionID, "command", entry.Name)
		return false
	}
	if state := ts.sess.State(); state != StateActive && state != StateInConference {
		slog.Info("discarding orphaned command result", "session_id", sessionID, "command", entry.Name, "state", state)
		return false
	}

	ts.pendingMu.Lock()
	dispatched, known := ts.pending[commandID]
	delete(ts.pending, commandID)
	ts.pendingMu.Unlock()
	if known {
		if entry.Name == "" {
			entry.Name = dispatched.name
		}
		entry.Arguments = dispatched.arguments
	}

	ts.sess.AppendToolCall(entry)
	status := "failed"
	if entry.Success {
		status = "completed"
	}
	m.deliverToSessionGroup(ts.sess, EncodeCommandUpdate(commandID, entry.Name, status, entry.Result, entry.Success))
	return true
}

// InitialStateByToken builds the replay payload for a technician joining an
// existing session by its token.
func (m *Manager) InitialStateByToken(token string) ([]byte, bool) {
	sess, ok := m.findByToken(token)
	if !ok {
		return nil, false
	}
	return EncodeInitialState(sess.ID(), sess.TranscriptSnapshot(), sess.ToolCallsSnapshot()), true
}

// InitialState builds the replay payload for a session's own transcript.
func (m *Manager) InitialState(sessionID string) ([]byte, bool) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, false
	}
	return EncodeInitialState(sess.ID(), sess.TranscriptSnapshot(), sess.ToolCallsSnapshot()), true
}

// EndSession finishes a session gracefully.
func (m *Manager) EndSession(sessionID, reason string) {
	m.finalize(sessionID, repository.SessionStatusCompleted, reason)
}

// FailSession moves a session to Failed and runs the same cleanup path as a
// graceful end.
func (m *Manager) FailSession(sessionID, reason string) {
	m.finalize(sessionID, repository.SessionStatusFailed, reason)
}

func (m *Manager) finalize(sessionID string, status repository.SessionStatus, reason string) {
	ts, ok := m.tracked(sessionID)
	if !ok {
		return
	}
	sess := ts.sess
	if !sess.BeginPersist(reason) {
		return
	}

	if status == repository.SessionStatusFailed {
		_ = sess.TransitionTo(StateFailed)
	} else {
		if state := sess.State(); state == StateActive || state == StateInConference {
			_ = sess.TransitionTo(StateEnding)
		}
		_ = sess.TransitionTo(StateEnded)
	}

	ts.debouncer.Stop()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.registry.Unregister(sessionID) {
		metrics.SessionsActive.Set(float64(m.registry.ActiveCount()))
	}

	m.mu.Lock()
	hooks := append([](func(*Session))(nil), m.finalizeHooks...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(sess)
	}

	endedAt := m.now()
	metrics.SessionDuration.Observe(endedAt.Sub(sess.CreatedAt()).Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	output := sess.outputInput(status, endedAt)
	result := retry.Do(ctx, m.retryPolicy(), func(ctx context.Context) error {
		return m.repo.SaveSessionOutput(ctx, output)
	})
	if result.Err != nil {
		slog.Error("session output persistence failed", "session_id", sessionID, "error", result.Err, "attempts", result.Attempts)
	}

	if m.audit != nil {
		event := audit.SessionEnded{
			EventID:         uuid.NewString(),
			SessionID:       sessionID,
			Kind:            string(sess.Kind()),
			ParticipantRef:  sess.ParticipantRef(),
			Status:          string(status),
			EndReason:       reason,
			DurationSeconds: output.DurationSeconds,
			TranscriptLines: len(output.Transcript),
			ToolCalls:       len(output.ToolCalls),
			Escalated:       output.Escalated,
			TicketCreated:   output.TicketCreated,
			Resolved:        output.Resolved,
			EndedAt:         endedAt,
		}
		if err := m.audit.PublishSessionEnded(ctx, event); err != nil {
			slog.Error("audit publish failed", "session_id", sessionID, "error", err)
		}
	}

	slog.Info("session finalized", "session_id", sessionID, "status", status, "reason", reason, "duration_s", output.DurationSeconds)
}

// EvictStale fails every session idle past the stale threshold. Called by the
// cleanup scheduler.
func (m *Manager) EvictStale() int {
	now := m.now()
	m.mu.Lock()
	var stale []string
	for id, ts := range m.sessions {
		if now.Sub(ts.sess.LastActivity()) > m.cfg.StaleThreshold {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		slog.Info("evicting stale session", "session_id", id)
		metrics.StaleEvictions.Inc()
		m.FailSession(id, "stale connection")
	}
	return len(stale)
}

// EndAll finishes every live session; used on process shutdown.
func (m *Manager) EndAll(reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.EndSession(id, reason)
	}
	return len(ids)
}
