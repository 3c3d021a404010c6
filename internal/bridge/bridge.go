// Package bridge pumps audio between a telephony media leg and the realtime
// voice channel, and owns the interaction policies that live between them:
// barge-in, the echo grace window, silent mode, and trigger-phrase
// re-engagement.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/denwaban/internal/metrics"
	"github.com/foxseedlab/denwaban/internal/telephony"
	"github.com/foxseedlab/denwaban/internal/voicechannel"
)

// Event is one typed event the bridge surfaces to its owner. The set is
// closed; the session layer switches exhaustively over the concrete types.
type Event interface {
	bridgeEventType() string
}

// TranscriptEvent is one committed transcript line from either side.
type TranscriptEvent struct {
	Role string
	Text string
	At   time.Time
}

func (TranscriptEvent) bridgeEventType() string { return "transcript" }

// ToolCallEvent is a function-call request surfaced from the voice channel.
// The owner executes it and answers via SendToolResult.
type ToolCallEvent struct {
	CallID    string
	Name      string
	Arguments string
}

func (ToolCallEvent) bridgeEventType() string { return "tool_call" }

// TriggerHeard reports that the caller spoke the trigger phrase while the
// bridge was silent, so the assistant re-engaged.
type TriggerHeard struct {
	At time.Time
}

func (TriggerHeard) bridgeEventType() string { return "trigger_heard" }

// Bridge connects one media leg to one voice channel. Run it once; it returns
// when either side closes or ctx is canceled.
type Bridge struct {
	sessionID     string
	leg           telephony.Leg
	channel       voicechannel.Channel
	gracePeriod   time.Duration
	triggerPhrase string
	now           func() time.Time

	// silent suppresses assistant audio toward the caller. Caller audio keeps
	// flowing to the channel so the trigger phrase can still be heard.
	silent atomic.Bool

	events chan Event
}

func New(sessionID string, leg telephony.Leg, channel voicechannel.Channel, gracePeriod time.Duration, triggerPhrase string) *Bridge {
	return &Bridge{
		sessionID:     sessionID,
		leg:           leg,
		channel:       channel,
		gracePeriod:   gracePeriod,
		triggerPhrase: strings.ToLower(triggerPhrase),
		now:           time.Now,
		events:        make(chan Event, 64),
	}
}

// Events delivers transcript lines, tool calls, and trigger notifications.
// Closed when Run returns.
func (b *Bridge) Events() <-chan Event { return b.events }

// SetSilent flips silent mode. Safe from any goroutine.
func (b *Bridge) SetSilent(on bool) { b.silent.Store(on) }

func (b *Bridge) Silent() bool { return b.silent.Load() }

// SendToolResult answers a ToolCallEvent.
func (b *Bridge) SendToolResult(callID, result string) error {
	return b.channel.SendToolResult(callID, result)
}

// Run pumps events until the leg stops, the channel closes, or ctx is
// canceled. A non-nil return means the bridge died abnormally and the session
// should be failed.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.events)

	// responseActive and graceUntil are only touched by this loop. The grace
	// window is anchored at media stream start: speech detected that early is
	// the channel hearing the greeting play back, not the caller.
	responseActive := false
	var graceUntil time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-b.leg.Events():
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case telephony.LegStarted:
				graceUntil = ev.StartedAt.Add(b.gracePeriod)
				slog.Info("media leg started", "session_id", b.sessionID, "stream_id", ev.StreamID)
			case telephony.LegMedia:
				if err := b.channel.SendAudio(ev.Payload); err != nil {
					return fmt.Errorf("forward caller audio: %w", err)
				}
			case telephony.LegMark:
				slog.Debug("playback marker reached", "session_id", b.sessionID, "mark", ev.Name)
			case telephony.LegStopped:
				slog.Info("media leg stopped", "session_id", b.sessionID, "reason", ev.Reason)
				return nil
			}

		case ev, ok := <-b.channel.Events():
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case voicechannel.SpeechStarted:
				if !responseActive {
					continue
				}
				if b.now().Before(graceUntil) {
					metrics.EchoGraceIgnored.Inc()
					slog.Debug("speech inside echo grace window ignored", "session_id", b.sessionID)
					continue
				}
				metrics.BargeIns.Inc()
				slog.Info("barge-in, canceling assistant response", "session_id", b.sessionID)
				if err := b.channel.CancelResponse(); err != nil {
					slog.Warn("cancel response failed", "session_id", b.sessionID, "error", err)
				}
				if err := b.leg.FlushAudio(); err != nil {
					slog.Warn("flush buffered audio failed", "session_id", b.sessionID, "error", err)
				}
				responseActive = false

			case voicechannel.AudioDelta:
				if b.silent.Load() {
					continue
				}
				if err := b.leg.WriteAudio(ev.Data); err != nil {
					return fmt.Errorf("write assistant audio: %w", err)
				}

			case voicechannel.TextDelta:
				// Streaming text is not surfaced; committed lines arrive as
				// TranscriptFinal.

			case voicechannel.TranscriptFinal:
				at := b.now()
				b.emit(ctx, TranscriptEvent{Role: ev.Role, Text: ev.Text, At: at})
				if b.silent.Load() && ev.Role == "user" && b.triggerPhrase != "" &&
					strings.Contains(strings.ToLower(ev.Text), b.triggerPhrase) {
					b.silent.Store(false)
					slog.Info("trigger phrase heard, re-engaging assistant", "session_id", b.sessionID)
					b.emit(ctx, TriggerHeard{At: at})
				}

			case voicechannel.ToolCall:
				b.emit(ctx, ToolCallEvent{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments})

			case voicechannel.ResponseStarted:
				responseActive = true

			case voicechannel.ResponseDone:
				responseActive = false

			case voicechannel.ResponseCanceled:
				responseActive = false

			case voicechannel.Closed:
				if ev.Err != nil {
					return fmt.Errorf("voice channel closed: %w", ev.Err)
				}
				return nil
			}
		}
	}
}

func (b *Bridge) emit(ctx context.Context, ev Event) {
	select {
	case b.events <- ev:
	case <-ctx.Done():
	}
}
