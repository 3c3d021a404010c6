package conference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/session"
	"github.com/foxseedlab/denwaban/internal/telephony"
)

type mockController struct {
	redirectCalls   int
	redirectErr     error
	dialCalls       int
	dialOutcome     telephony.DialOutcome
	dialLegID       string
	dialErr         error
	assistantLegErr error
	announceCalls   int
	recordingCalls  int
	recordingErr    error
}

func (m *mockController) RedirectToConference(_ context.Context, _, _ string) error {
	m.redirectCalls++
	return m.redirectErr
}

func (m *mockController) DialParticipant(_ context.Context, _, _ string, _ time.Duration) (telephony.DialOutcome, string, error) {
	m.dialCalls++
	return m.dialOutcome, m.dialLegID, m.dialErr
}

func (m *mockController) AddAssistantLeg(_ context.Context, _ string) (string, error) {
	if m.assistantLegErr != nil {
		return "", m.assistantLegErr
	}
	return "leg-assistant", nil
}

func (m *mockController) Announce(_ context.Context, _, _ string) error {
	m.announceCalls++
	return nil
}

func (m *mockController) StartRecording(_ context.Context, _ string) (string, error) {
	m.recordingCalls++
	if m.recordingErr != nil {
		return "", m.recordingErr
	}
	return "rec-1", nil
}

type mockSilencer struct {
	silent bool
	calls  []bool
}

func (m *mockSilencer) SetSilent(on bool) {
	m.silent = on
	m.calls = append(m.calls, on)
}

type mockEnder struct {
	ended map[string]string
}

func (m *mockEnder) EndSession(sessionID, reason string) {
	if m.ended == nil {
		m.ended = make(map[string]string)
	}
	m.ended[sessionID] = reason
}

func confConfig() *config.Config {
	return &config.Config{
		HumanAgentNumber:      "+15550100",
		ConferenceDialTimeout: time.Second,
		RetryMaxAttempts:      2,
		RetryInitialDelay:     time.Millisecond,
		RetryMultiplier:       2,
		RetryMaxDelay:         5 * time.Millisecond,
	}
}

func activeVoiceSession(t *testing.T) *session.Session {
	t.Helper()
	sess := session.New("session-1", session.KindVoice, "+15550199", time.Now())
	for _, st := range []session.State{session.StateAuthenticating, session.StateActive} {
		if err := sess.TransitionTo(st); err != nil {
			t.Fatalf("setup transition: %v", err)
		}
	}
	return sess
}

func TestEscalate_HappyPath(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered, dialLegID: "leg-human"}
	ender := &mockEnder{}
	o := NewOrchestrator(confConfig(), controller, ender)
	sess := activeVoiceSession(t)
	silencer := &mockSilencer{}

	info, err := o.Escalate(context.Background(), sess, "call-1", silencer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != session.StateInConference {
		t.Fatalf("expected InConference, got %s", sess.State())
	}
	if !silencer.silent {
		t.Fatal("assistant should stay silent after a successful handoff")
	}
	if info.HumanDialOutcome != string(telephony.DialAnswered) || info.HumanLegID != "leg-human" {
		t.Fatalf("unexpected dial result: %+v", info)
	}
	if info.AssistantLegID != "leg-assistant" || info.DegradedAssistant {
		t.Fatalf("unexpected assistant leg: %+v", info)
	}
	if info.RecordingID != "rec-1" {
		t.Fatalf("unexpected recording id: %q", info.RecordingID)
	}
	if !sess.Escalated() {
		t.Fatal("session should be marked escalated")
	}
}

func TestEscalate_DialIsNeverRetried(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialFailed, dialErr: errors.New("provider timeout")}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	sess := activeVoiceSession(t)

	if _, err := o.Escalate(context.Background(), sess, "call-1", &mockSilencer{}); err != nil {
		t.Fatalf("a failed dial must not fail the escalation: %v", err)
	}
	if controller.dialCalls != 1 {
		t.Fatalf("dial must run exactly once, got %d", controller.dialCalls)
	}
}

func TestEscalate_NoAnswerKeepsConferenceAndReengagesAssistant(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialNoAnswer}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	sess := activeVoiceSession(t)
	silencer := &mockSilencer{}

	info, err := o.Escalate(context.Background(), sess, "call-1", silencer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.State() != session.StateInConference {
		t.Fatalf("session should stay in conference, got %s", sess.State())
	}
	if info.HumanDialOutcome != string(telephony.DialNoAnswer) {
		t.Fatalf("outcome should be recorded, got %q", info.HumanDialOutcome)
	}
	if silencer.silent {
		t.Fatal("assistant should be re-engaged when no human answers")
	}
}

func TestEscalate_RedirectFailureRestoresAssistant(t *testing.T) {
	controller := &mockController{redirectErr: errors.New("call not found")}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	sess := activeVoiceSession(t)
	silencer := &mockSilencer{}

	if _, err := o.Escalate(context.Background(), sess, "call-1", silencer); err == nil {
		t.Fatal("expected redirect failure to surface")
	}
	if silencer.silent {
		t.Fatal("assistant should be unmuted after a failed redirect")
	}
	if sess.State() != session.StateActive {
		t.Fatalf("session should remain active, got %s", sess.State())
	}
}

func TestEscalate_DegradedModeAnnouncesOnce(t *testing.T) {
	controller := &mockController{
		dialOutcome:     telephony.DialAnswered,
		dialLegID:       "leg-human",
		assistantLegErr: telephony.ErrAssistantLegUnsupported,
	}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	sess := activeVoiceSession(t)

	info, err := o.Escalate(context.Background(), sess, "call-1", &mockSilencer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !info.DegradedAssistant || info.AssistantLegID != "" {
		t.Fatalf("expected degraded assistant mode: %+v", info)
	}
	if controller.announceCalls != 1 {
		t.Fatalf("expected one announcement, got %d", controller.announceCalls)
	}
}

func TestEscalate_RecordingStartIsRetried(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered, recordingErr: errors.New("flaky")}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	sess := activeVoiceSession(t)

	info, err := o.Escalate(context.Background(), sess, "call-1", &mockSilencer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if controller.recordingCalls != 2 {
		t.Fatalf("expected recording start to be retried, got %d calls", controller.recordingCalls)
	}
	if info.RecordingID != "" {
		t.Fatalf("recording id should stay empty on failure, got %q", info.RecordingID)
	}
}

func escalatedRoom(t *testing.T, o *Orchestrator, sess *session.Session) string {
	t.Helper()
	info, err := o.Escalate(context.Background(), sess, "call-1", &mockSilencer{})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	return info.Room
}

func TestHandleStatusEvent_DuplicateJoinIsIdempotent(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	room := escalatedRoom(t, o, activeVoiceSession(t))

	join := telephony.StatusEvent{Kind: telephony.StatusParticipantJoined, Room: room, LegID: "leg-1", Role: "human", OccurredAt: time.Now()}
	o.HandleStatusEvent(join)
	o.HandleStatusEvent(join)

	if got := len(o.Legs(room)); got != 1 {
		t.Fatalf("duplicate join must not duplicate legs, got %d", got)
	}
}

func TestHandleStatusEvent_CallerLeavingEndsSession(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	ender := &mockEnder{}
	o := NewOrchestrator(confConfig(), controller, ender)
	sess := activeVoiceSession(t)
	room := escalatedRoom(t, o, sess)

	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantJoined, Room: room, LegID: "leg-caller", Role: "caller", OccurredAt: time.Now()})
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantLeft, Room: room, LegID: "leg-caller", Role: "caller", OccurredAt: time.Now()})

	if ender.ended[sess.ID()] == "" {
		t.Fatal("caller leaving should end the session")
	}
	if o.Legs(room) != nil {
		t.Fatal("room state should be released once the caller leaves")
	}
}

func TestHandleStatusEvent_HumanLeavingDoesNotEndSession(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	ender := &mockEnder{}
	o := NewOrchestrator(confConfig(), controller, ender)
	sess := activeVoiceSession(t)
	room := escalatedRoom(t, o, sess)

	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantJoined, Room: room, LegID: "leg-human", Role: "human", OccurredAt: time.Now()})
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantLeft, Room: room, LegID: "leg-human", Role: "human", OccurredAt: time.Now()})

	if len(ender.ended) != 0 {
		t.Fatal("a human agent leaving must not end the session")
	}
	legs := o.Legs(room)
	if len(legs) != 1 || legs[0].LeftAt == nil {
		t.Fatalf("leave should be recorded on the leg: %+v", legs)
	}
}

func TestHandleStatusEvent_RecordingReadyAndUnknownRoom(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	room := escalatedRoom(t, o, activeVoiceSession(t))

	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusRecordingReady, Room: room, Recording: "rec-final"})
	// Unknown rooms are ignored without panicking.
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantLeft, Room: "support-nope", LegID: "x"})
}

func TestHandleStatusEvent_MuteAndHoldCallbacks(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	room := escalatedRoom(t, o, activeVoiceSession(t))
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantJoined, Room: room, LegID: "leg-1", Role: "human", OccurredAt: time.Now()})

	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantMuted, Room: room, LegID: "leg-1"})
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantHeld, Room: room, LegID: "leg-1"})
	// Unknown legs are absorbed without side effects.
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantMuted, Room: room, LegID: "leg-missing"})

	legs := o.Legs(room)
	if len(legs) != 1 || !legs[0].Muted || !legs[0].OnHold {
		t.Fatalf("unexpected leg state: %+v", legs)
	}

	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantUnmuted, Room: room, LegID: "leg-1"})
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantResumed, Room: room, LegID: "leg-1"})

	legs = o.Legs(room)
	if legs[0].Muted || legs[0].OnHold {
		t.Fatalf("unmute and resume should clear the flags: %+v", legs)
	}
}

func TestReleaseFor_DropsRoomWhenSessionEnds(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	sess := activeVoiceSession(t)
	room := escalatedRoom(t, o, sess)
	o.HandleStatusEvent(telephony.StatusEvent{Kind: telephony.StatusParticipantJoined, Room: room, LegID: "leg-1", Role: "human", OccurredAt: time.Now()})

	o.ReleaseFor(sess)

	if legs := o.Legs(room); legs != nil {
		t.Fatalf("room still tracked with %d leg(s) after session end", len(legs))
	}
}

func TestReleaseFor_SessionWithoutConferenceIsNoOp(t *testing.T) {
	controller := &mockController{dialOutcome: telephony.DialAnswered}
	o := NewOrchestrator(confConfig(), controller, &mockEnder{})
	room := escalatedRoom(t, o, activeVoiceSession(t))

	plain := session.New("session-2", session.KindVoice, "+15550198", time.Now())
	o.ReleaseFor(plain)

	if o.Legs(room) == nil {
		t.Fatal("releasing an unescalated session must not touch other rooms")
	}
}
