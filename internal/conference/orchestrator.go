// Package conference escalates a voice session into a provider-side
// conference room with a human agent, and tracks room membership from
// asynchronous provider callbacks.
package conference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/metrics"
	"github.com/foxseedlab/denwaban/internal/retry"
	"github.com/foxseedlab/denwaban/internal/session"
	"github.com/foxseedlab/denwaban/internal/telephony"
)

// Leg is one conference participant as seen through provider callbacks.
type Leg struct {
	LegID    string
	Role     string
	JoinedAt time.Time
	LeftAt   *time.Time
	Muted    bool
	OnHold   bool
}

// SilentSwitch mutes and unmutes the assistant toward the caller. The media
// bridge satisfies this.
type SilentSwitch interface {
	SetSilent(on bool)
}

// SessionEnder finishes a session when its caller leaves the room. The
// session manager satisfies this.
type SessionEnder interface {
	EndSession(sessionID, reason string)
}

type room struct {
	sessionID   string
	legs        map[string]*Leg
	recordingID string
}

// Orchestrator runs escalations and consumes provider status callbacks.
// Callbacks arrive out of order and duplicated; every handler is idempotent.
type Orchestrator struct {
	cfg        *config.Config
	controller telephony.CallController
	ender      SessionEnder

	mu    sync.Mutex
	rooms map[string]*room
}

func NewOrchestrator(cfg *config.Config, controller telephony.CallController, ender SessionEnder) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		controller: controller,
		ender:      ender,
		rooms:      make(map[string]*room),
	}
}

func (o *Orchestrator) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:  o.cfg.RetryMaxAttempts,
		InitialDelay: o.cfg.RetryInitialDelay,
		Multiplier:   o.cfg.RetryMultiplier,
		MaxDelay:     o.cfg.RetryMaxDelay,
		Jitter:       true,
	}
}

// Escalate moves the caller into a conference room, dials the human agent,
// rejoins the assistant, and starts recording. The assistant is silenced
// first so it cannot talk over the handoff; if the human never answers the
// assistant is re-engaged and the session stays in the room.
func (o *Orchestrator) Escalate(ctx context.Context, sess *session.Session, callID string, silencer SilentSwitch) (*session.ConferenceInfo, error) {
	roomName := "support-" + sess.ID()
	silencer.SetSilent(true)

	if err := o.controller.RedirectToConference(ctx, callID, roomName); err != nil {
		silencer.SetSilent(false)
		return nil, fmt.Errorf("redirect caller to conference: %w", err)
	}
	o.trackRoom(roomName, sess.ID())

	if err := sess.TransitionTo(session.StateInConference); err != nil {
		return nil, err
	}

	info := session.ConferenceInfo{Room: roomName}

	// Dialing is never retried: a second attempt rings a real phone twice.
	outcome, humanLegID, err := o.controller.DialParticipant(ctx, roomName, o.cfg.HumanAgentNumber, o.cfg.ConferenceDialTimeout)
	if err != nil {
		outcome = telephony.DialFailed
		slog.Error("human agent dial failed", "session_id", sess.ID(), "room", roomName, "error", err)
	}
	info.HumanDialOutcome = string(outcome)
	info.HumanLegID = humanLegID
	if outcome != telephony.DialAnswered {
		slog.Warn("human agent did not join", "session_id", sess.ID(), "room", roomName, "outcome", outcome)
		silencer.SetSilent(false)
	}

	assistantLegID, err := o.controller.AddAssistantLeg(ctx, roomName)
	switch {
	case err == nil:
		info.AssistantLegID = assistantLegID
	case errors.Is(err, telephony.ErrAssistantLegUnsupported):
		info.DegradedAssistant = true
		if announceErr := o.controller.Announce(ctx, roomName, "An AI assistant remains on the line and can be called back with the trigger phrase."); announceErr != nil {
			slog.Warn("degraded-mode announcement failed", "session_id", sess.ID(), "room", roomName, "error", announceErr)
		}
	default:
		slog.Error("assistant leg join failed", "session_id", sess.ID(), "room", roomName, "error", err)
	}

	recordingID, result := retry.DoValue(ctx, o.retryPolicy(), func(ctx context.Context) (string, error) {
		return o.controller.StartRecording(ctx, roomName)
	})
	if result.Err != nil {
		slog.Error("conference recording failed to start", "session_id", sess.ID(), "room", roomName, "error", result.Err)
	} else {
		info.RecordingID = recordingID
	}

	sess.SetConference(info)
	metrics.Escalations.Inc()
	slog.Info("session escalated to conference",
		"session_id", sess.ID(), "room", roomName,
		"dial_outcome", info.HumanDialOutcome, "degraded_assistant", info.DegradedAssistant)
	return &info, nil
}

func (o *Orchestrator) trackRoom(roomName, sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.rooms[roomName]; !ok {
		o.rooms[roomName] = &room{sessionID: sessionID, legs: make(map[string]*Leg)}
	}
}

// HandleStatusEvent folds one provider callback into room state. Duplicates
// and reordered deliveries are absorbed without side effects.
func (o *Orchestrator) HandleStatusEvent(ev telephony.StatusEvent) {
	o.mu.Lock()
	r, ok := o.rooms[ev.Room]
	if !ok {
		o.mu.Unlock()
		slog.Debug("status event for unknown room", "room", ev.Room, "kind", ev.Kind)
		return
	}

	var endSession string
	switch ev.Kind {
	case telephony.StatusParticipantJoined:
		if _, exists := r.legs[ev.LegID]; !exists {
			r.legs[ev.LegID] = &Leg{LegID: ev.LegID, Role: ev.Role, JoinedAt: ev.OccurredAt}
		}
	case telephony.StatusParticipantLeft:
		if leg, exists := r.legs[ev.LegID]; exists && leg.LeftAt == nil {
			at := ev.OccurredAt
			leg.LeftAt = &at
			if leg.Role == "caller" {
				endSession = r.sessionID
				delete(o.rooms, ev.Room)
			}
		}
	case telephony.StatusParticipantMuted, telephony.StatusParticipantUnmuted:
		if leg, exists := r.legs[ev.LegID]; exists {
			leg.Muted = ev.Kind == telephony.StatusParticipantMuted
		}
	case telephony.StatusParticipantHeld, telephony.StatusParticipantResumed:
		if leg, exists := r.legs[ev.LegID]; exists {
			leg.OnHold = ev.Kind == telephony.StatusParticipantHeld
		}
	case telephony.StatusRecordingReady:
		r.recordingID = ev.Recording
	}
	o.mu.Unlock()

	if endSession != "" {
		slog.Info("caller left conference, ending session", "session_id", endSession, "room", ev.Room)
		o.ender.EndSession(endSession, "caller left conference")
	}
}

// Legs returns a snapshot of the room's membership.
func (o *Orchestrator) Legs(roomName string) []Leg {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]Leg, 0, len(r.legs))
	for _, leg := range r.legs {
		out = append(out, *leg)
	}
	return out
}

// Release drops room state once its session is gone.
func (o *Orchestrator) Release(roomName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.rooms, roomName)
}

// ReleaseFor drops the room tracked for a finalized session, if any. Hooked
// into the session manager's finalize path so rooms never outlive their
// session, whichever way it ended.
func (o *Orchestrator) ReleaseFor(sess *session.Session) {
	info := sess.Conference()
	if info == nil {
		return
	}
	o.Release(info.Room)
}
