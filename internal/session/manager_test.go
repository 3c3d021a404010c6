package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/denwaban/internal/assistant"
	"github.com/foxseedlab/denwaban/internal/audit"
	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/credential"
	"github.com/foxseedlab/denwaban/internal/ratelimit"
	"github.com/foxseedlab/denwaban/internal/registry"
	"github.com/foxseedlab/denwaban/internal/repository"
)

type mockRepository struct {
	mu              sync.Mutex
	createCalls     []repository.CreateSessionInput
	saveOutputCalls []repository.SaveSessionOutputInput
}

func (m *mockRepository) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls = append(m.createCalls, input)
	return &repository.Session{
		ID:             input.ID,
		Kind:           input.Kind,
		ParticipantRef: input.ParticipantRef,
		StartedAt:      input.StartedAt,
		Status:         repository.SessionStatusRunning,
	}, nil
}

func (m *mockRepository) SaveSessionOutput(_ context.Context, input repository.SaveSessionOutputInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveOutputCalls = append(m.saveOutputCalls, input)
	return nil
}

func (m *mockRepository) GetCredentialByHash(_ context.Context, _ string) (*repository.PairingCredential, error) {
	return nil, nil
}

func (m *mockRepository) ConsumeCredential(_ context.Context, _, _ string) (bool, error) {
	return true, nil
}

func (m *mockRepository) CreateCredential(_ context.Context, cred repository.PairingCredential) (*repository.PairingCredential, error) {
	return &cred, nil
}

func (m *mockRepository) savedOutputs() []repository.SaveSessionOutputInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]repository.SaveSessionOutputInput(nil), m.saveOutputCalls...)
}

type mockCredStore struct {
	validateErr  error
	consumeErr   error
	consumeCalls []string
}

func (m *mockCredStore) Validate(_ context.Context, _ string, claimed credential.Participant) (*credential.BoundContext, error) {
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return &credential.BoundContext{CredentialID: "cred-1", Participant: claimed}, nil
}

func (m *mockCredStore) Consume(_ context.Context, credentialID, sessionID string) error {
	m.consumeCalls = append(m.consumeCalls, credentialID+":"+sessionID)
	return m.consumeErr
}

type mockLimiter struct {
	allowed      bool
	resetSeconds int

	mu         sync.Mutex
	resetCalls []string
	sweepCount int
}

func (m *mockLimiter) Check(_ string) ratelimit.Decision {
	return ratelimit.Decision{Allowed: m.allowed, ResetSeconds: m.resetSeconds}
}

func (m *mockLimiter) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetCalls = append(m.resetCalls, key)
}

func (m *mockLimiter) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepCount++
	return 0
}

func (m *mockLimiter) resets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resetCalls)
}

func (m *mockLimiter) sweeps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweepCount
}

type mockAssistant struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *mockAssistant) Respond(_ context.Context, _, userText string) (*assistant.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, userText)
	if m.err != nil {
		return nil, m.err
	}
	return &assistant.Reply{Text: "reply to: " + userText}, nil
}

func (m *mockAssistant) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockAuditPublisher struct {
	mu     sync.Mutex
	events []audit.SessionEnded
}

func (m *mockAuditPublisher) PublishSessionEnded(_ context.Context, event audit.SessionEnded) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockAuditPublisher) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type mockHandle struct {
	id        string
	secondary string

	mu       sync.Mutex
	payloads [][]byte
}

func (m *mockHandle) SessionID() string    { return m.id }
func (m *mockHandle) SecondaryKey() string { return m.secondary }
func (m *mockHandle) Deliver(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockHandle) deliveredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payloads)
}

func (m *mockHandle) payload(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payloads[i]
}

func testConfig() *config.Config {
	return &config.Config{
		Env:                   "test",
		ListenAddr:            ":0",
		DatabaseURL:           "postgres://test",
		AuthTimeout:           10 * time.Second,
		HeartbeatInterval:     30 * time.Second,
		StaleThreshold:        time.Minute,
		CleanupInterval:       20 * time.Millisecond,
		CredentialTTL:         15 * time.Minute,
		RateLimitMaxAttempts:  5,
		RateLimitWindow:       time.Minute,
		DebounceQuietPeriod:   20 * time.Millisecond,
		DebounceMaxDelay:      200 * time.Millisecond,
		DebounceMaxBatch:      5,
		DebounceShortMsgChars: 100,
		RetryMaxAttempts:      2,
		RetryInitialDelay:     time.Millisecond,
		RetryMultiplier:       2,
		RetryMaxDelay:         5 * time.Millisecond,
		EchoGracePeriod:       3500 * time.Millisecond,
		TriggerPhrase:         "hey assistant",
		ConferenceDialTimeout: time.Second,
	}
}

type managerFixture struct {
	manager   *Manager
	repo      *mockRepository
	creds     *mockCredStore
	limiter   *mockLimiter
	registry  *registry.Registry
	assistant *mockAssistant
	audit     *mockAuditPublisher
}

func newManagerFixture() *managerFixture {
	f := &managerFixture{
		repo:      &mockRepository{},
		creds:     &mockCredStore{},
		limiter:   &mockLimiter{allowed: true},
		registry:  registry.NewRegistry(),
		assistant: &mockAssistant{},
		audit:     &mockAuditPublisher{},
	}
	f.manager = NewManager(testConfig(), f.repo, f.creds, f.limiter, f.registry, f.assistant, f.audit)
	return f
}

func deviceAuth() AuthMessage {
	return AuthMessage{
		Type:     MessageTypeAuth,
		Code:     "123456",
		UserID:   "user-1",
		TenantID: "tenant-1",
		DeviceID: "device-1",
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestAuthenticate_Success(t *testing.T) {
	f := newManagerFixture()

	sess, err := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("expected active session, got %s", sess.State())
	}
	if !sess.PrimaryAuthority() {
		t.Fatal("device session should hold primary authority")
	}
	if sess.SecondaryKey() == "" {
		t.Fatal("device session should receive a session token")
	}
	if len(f.creds.consumeCalls) != 1 {
		t.Fatalf("expected one consume call, got %d", len(f.creds.consumeCalls))
	}
	if f.limiter.resets() != 1 {
		t.Fatal("successful auth should reset the rate-limit key")
	}
	if len(f.repo.createCalls) != 1 || f.repo.createCalls[0].Kind != string(KindDeviceChat) {
		t.Fatalf("unexpected session record: %+v", f.repo.createCalls)
	}
}

func TestAuthenticate_RateLimited(t *testing.T) {
	f := newManagerFixture()
	f.limiter.allowed = false
	f.limiter.resetSeconds = 30

	_, err := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) || rlErr.ResetSeconds != 30 {
		t.Fatalf("expected rate limit error with reset 30, got %v", err)
	}
	if len(f.creds.consumeCalls) != 0 {
		t.Fatal("rate-limited attempt must not touch the credential store")
	}
}

func TestAuthenticate_CredentialErrorPassedThrough(t *testing.T) {
	f := newManagerFixture()
	f.creds.validateErr = &credential.AuthError{Kind: credential.KindCodeExpired}

	_, err := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	if credential.KindOf(err) != credential.KindCodeExpired {
		t.Fatalf("expected CODE_EXPIRED to surface distinctly, got %v", err)
	}
}

func TestAuthenticate_ConsumeRaceLostDoesNotTrackSession(t *testing.T) {
	f := newManagerFixture()
	f.creds.consumeErr = &credential.AuthError{Kind: credential.KindCodeUsed}

	_, err := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	if credential.KindOf(err) != credential.KindCodeUsed {
		t.Fatalf("expected CODE_USED, got %v", err)
	}
	f.manager.mu.Lock()
	tracked := len(f.manager.sessions)
	f.manager.mu.Unlock()
	if tracked != 0 {
		t.Fatalf("expected no tracked sessions after lost consume race, got %d", tracked)
	}
}

func TestAuthenticate_TechnicianViewJoinsByToken(t *testing.T) {
	f := newManagerFixture()

	device, err := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	if err != nil {
		t.Fatalf("device auth: %v", err)
	}
	deviceHandle := &mockHandle{id: device.ID(), secondary: device.SecondaryKey()}
	f.manager.Attach(deviceHandle)

	techMsg := deviceAuth()
	techMsg.Kind = string(KindTechnicianView)
	techMsg.SessionToken = device.SecondaryKey()
	tech, err := f.manager.Authenticate(context.Background(), "10.0.0.2:5000", techMsg)
	if err != nil {
		t.Fatalf("technician auth: %v", err)
	}
	if tech.PrimaryAuthority() {
		t.Fatal("technician viewer must not hold primary authority")
	}
	if tech.SecondaryKey() != device.SecondaryKey() {
		t.Fatal("technician should share the device session token")
	}
	if deviceHandle.deliveredCount() != 1 {
		t.Fatalf("expected one join notification, got %d", deviceHandle.deliveredCount())
	}
	if !bytes.Contains(deviceHandle.payload(0), []byte(`"ai_instruction"`)) {
		t.Fatalf("expected ai_instruction frame, got %s", deviceHandle.payload(0))
	}
}

func TestAuthenticate_TechnicianViewUnknownToken(t *testing.T) {
	f := newManagerFixture()

	techMsg := deviceAuth()
	techMsg.Kind = string(KindTechnicianView)
	techMsg.SessionToken = "no-such-token"
	if _, err := f.manager.Authenticate(context.Background(), "10.0.0.2:5000", techMsg); !errors.Is(err, ErrViewTargetNotFound) {
		t.Fatalf("expected ErrViewTargetNotFound, got %v", err)
	}
}

func TestHandleChat_DebouncedBatchReachesAssistantOnce(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	handle := &mockHandle{id: sess.ID(), secondary: sess.SecondaryKey()}
	f.manager.Attach(handle)

	f.manager.HandleChat(sess.ID(), "my lapt")
	f.manager.HandleChat(sess.ID(), "my laptop won't boot")

	waitUntil(t, time.Second, func() bool { return f.assistant.callCount() == 1 }, "expected one debounced assistant call")
	f.assistant.mu.Lock()
	got := f.assistant.calls[0]
	f.assistant.mu.Unlock()
	if got != "my laptop won't boot" {
		t.Fatalf("short correction burst should keep the last fragment, got %q", got)
	}
	waitUntil(t, time.Second, func() bool { return handle.deliveredCount() == 1 }, "expected assistant reply delivered to the device handle")
}

func TestHeartbeat_RefreshesActivity(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	before := sess.LastActivity()

	time.Sleep(5 * time.Millisecond)
	ack, ok := f.manager.Heartbeat(sess.ID())
	if !ok || len(ack) == 0 {
		t.Fatal("expected heartbeat ack")
	}
	if !sess.LastActivity().After(before) {
		t.Fatal("heartbeat should advance last activity")
	}
}

func TestFinalize_PersistsExactlyOnceUnderConcurrentCleanup(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.EndSession(sess.ID(), "device disconnected")
		}()
	}
	wg.Wait()

	if got := len(f.repo.savedOutputs()); got != 1 {
		t.Fatalf("expected exactly one persisted output, got %d", got)
	}
	if f.audit.eventCount() != 1 {
		t.Fatalf("expected exactly one audit event, got %d", f.audit.eventCount())
	}
	if sess.State() != StateEnded {
		t.Fatalf("unexpected final state: %s", sess.State())
	}
}

func TestFailSession_RunsSameCleanupPath(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	handle := &mockHandle{id: sess.ID(), secondary: sess.SecondaryKey()}
	f.manager.Attach(handle)

	f.manager.FailSession(sess.ID(), "voice channel disconnected")

	if sess.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", sess.State())
	}
	outputs := f.repo.savedOutputs()
	if len(outputs) != 1 || outputs[0].Status != repository.SessionStatusFailed {
		t.Fatalf("unexpected outputs: %+v", outputs)
	}
	if f.registry.IsActive(sess.ID()) {
		t.Fatal("failed session should be unregistered")
	}
}

func TestRecordCommandResult_OrphanedAfterFailureIsDiscarded(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	f.manager.FailSession(sess.ID(), "transport error")

	recorded := f.manager.RecordCommandResult(sess.ID(), "cmd-1", repository.ToolCallEntry{
		Name: "restart_service", Result: "done", Success: true, Timestamp: time.Now(),
	})
	if recorded {
		t.Fatal("command result for a failed session must be discarded")
	}
	if len(sess.ToolCallsSnapshot()) != 0 {
		t.Fatal("orphaned result must not grow the ledger")
	}
}

func TestRecordCommandResult_CorrelatesWithDispatch(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	handle := &mockHandle{id: sess.ID(), secondary: sess.SecondaryKey()}
	f.manager.Attach(handle)

	if !f.manager.DispatchCommand(sess.ID(), "cmd-7", "restart_service", `{"service":"vpn"}`) {
		t.Fatal("dispatch should succeed on an active session")
	}
	if !f.manager.RecordCommandResult(sess.ID(), "cmd-7", repository.ToolCallEntry{
		Name: "restart_service", Result: "restarted", Success: true, Timestamp: time.Now(),
	}) {
		t.Fatal("result for a dispatched command should be recorded")
	}

	calls := sess.ToolCallsSnapshot()
	if len(calls) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(calls))
	}
	if calls[0].Arguments != `{"service":"vpn"}` {
		t.Fatalf("ledger entry should carry the dispatched arguments, got %q", calls[0].Arguments)
	}
	if handle.deliveredCount() != 2 {
		t.Fatalf("expected pending and completed updates, got %d", handle.deliveredCount())
	}
	if !bytes.Contains(handle.payload(1), []byte(`"command_id":"cmd-7"`)) {
		t.Fatalf("completed update should carry the command id, got %s", handle.payload(1))
	}
}

func TestEndSession_RunsFinalizeHooksOnce(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())

	var mu sync.Mutex
	var notified []string
	f.manager.OnFinalized(func(s *Session) {
		mu.Lock()
		notified = append(notified, s.ID())
		mu.Unlock()
	})

	f.manager.EndSession(sess.ID(), "done")
	f.manager.EndSession(sess.ID(), "done again")

	mu.Lock()
	defer mu.Unlock()
	if len(notified) != 1 || notified[0] != sess.ID() {
		t.Fatalf("hook should fire exactly once for the session, got %v", notified)
	}
}

func TestEvictStale_FailsIdleSessions(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	evicted := f.manager.EvictStale()

	if evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if sess.State() != StateFailed {
		t.Fatalf("stale session should be failed, got %s", sess.State())
	}
}

func TestEndAll_FinishesEverySession(t *testing.T) {
	f := newManagerFixture()
	a, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	b, _ := f.manager.CreateVoiceSession(context.Background(), "+15550100")

	count := f.manager.EndAll("server shutting down")
	if count != 2 {
		t.Fatalf("expected 2 sessions ended, got %d", count)
	}
	if a.State() != StateEnded || b.State() != StateEnded {
		t.Fatalf("unexpected states: %s %s", a.State(), b.State())
	}
}

func TestInitialStateByToken_ReplaysLedgers(t *testing.T) {
	f := newManagerFixture()
	sess, _ := f.manager.Authenticate(context.Background(), "10.0.0.1:5000", deviceAuth())
	sess.AppendTranscript("user", "hello", time.Now())

	payload, ok := f.manager.InitialStateByToken(sess.SecondaryKey())
	if !ok || len(payload) == 0 {
		t.Fatal("expected initial state payload")
	}
}
