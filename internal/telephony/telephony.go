package telephony

import (
	"context"
	"errors"
	"time"
)

// LegEvent is one event produced by a telephony media leg. The set is closed;
// consumers switch exhaustively over the concrete types.
type LegEvent interface {
	legEventType() string
}

// LegStarted reports that the provider began streaming media. Timing windows
// (echo grace) anchor here, not at session creation.
type LegStarted struct {
	StreamID  string
	StartedAt time.Time
}

func (LegStarted) legEventType() string { return "started" }

// LegMedia carries one raw inbound audio frame.
type LegMedia struct {
	Payload []byte
}

func (LegMedia) legEventType() string { return "media" }

// LegMark echoes back a named playback marker once the provider has played
// all audio queued before it.
type LegMark struct {
	Name string
}

func (LegMark) legEventType() string { return "mark" }

// LegStopped reports that the provider closed the stream.
type LegStopped struct {
	Reason string
}

func (LegStopped) legEventType() string { return "stopped" }

// Leg is one participant's media connection. Implementations own the
// transport; the bridge consumes Events and writes outbound audio.
type Leg interface {
	StreamID() string
	Events() <-chan LegEvent
	WriteAudio(payload []byte) error
	// FlushAudio discards audio already buffered toward the caller. Used on
	// barge-in so the caller never hears overlapping speech.
	FlushAudio() error
	Close() error
}

// DialOutcome is the terminal result of dialing a participant.
type DialOutcome string

const (
	DialAnswered DialOutcome = "answered"
	DialNoAnswer DialOutcome = "no-answer"
	DialBusy     DialOutcome = "busy"
	DialFailed   DialOutcome = "failed"
)

// ErrAssistantLegUnsupported is returned by providers that cannot host a
// bidirectional AI participant in a conference.
var ErrAssistantLegUnsupported = errors.New("telephony: bidirectional assistant leg not supported")

// CallController is the out-of-band call/conference control surface of the
// telephony provider.
type CallController interface {
	// RedirectToConference moves an in-progress call leg into a named room.
	RedirectToConference(ctx context.Context, callID, room string) error
	// DialParticipant dials a human into the room and blocks up to timeout
	// for a terminal outcome. Never retried by callers: a duplicate dial
	// rings a real phone twice.
	DialParticipant(ctx context.Context, room, number string, timeout time.Duration) (DialOutcome, string, error)
	// AddAssistantLeg joins the AI as a bidirectional participant, returning
	// its leg id, or ErrAssistantLegUnsupported.
	AddAssistantLeg(ctx context.Context, room string) (string, error)
	// Announce plays one-way audio into the room (degraded assistant mode).
	Announce(ctx context.Context, room, text string) error
	// StartRecording is idempotent upstream and safe to retry.
	StartRecording(ctx context.Context, room string) (string, error)
}

// StatusKind discriminates asynchronous provider callbacks.
type StatusKind string

const (
	StatusParticipantJoined  StatusKind = "participant-joined"
	StatusParticipantLeft    StatusKind = "participant-left"
	StatusParticipantMuted   StatusKind = "participant-muted"
	StatusParticipantUnmuted StatusKind = "participant-unmuted"
	StatusParticipantHeld    StatusKind = "participant-held"
	StatusParticipantResumed StatusKind = "participant-resumed"
	StatusRecordingReady     StatusKind = "recording-ready"
)

// StatusEvent is an out-of-band call/conference lifecycle callback. Events
// arrive asynchronously and possibly out of order or duplicated; handlers
// must be idempotent.
type StatusEvent struct {
	Kind       StatusKind
	Room       string
	LegID      string
	Role       string
	Recording  string
	OccurredAt time.Time
}
