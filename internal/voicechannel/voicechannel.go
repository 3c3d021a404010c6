package voicechannel

import "context"

// Event is one typed event from the realtime voice channel. The producer
// pushes events onto a channel and the bridge consumes them in a loop, so
// there are no re-entrant callback hazards.
type Event interface {
	channelEventType() string
}

// SpeechStarted reports that the remote end detected inbound caller speech.
type SpeechStarted struct{}

func (SpeechStarted) channelEventType() string { return "speech_started" }

// AudioDelta carries a chunk of synthesized assistant audio.
type AudioDelta struct {
	Data []byte
}

func (AudioDelta) channelEventType() string { return "audio_delta" }

// TextDelta carries streaming assistant text.
type TextDelta struct {
	Text string
}

func (TextDelta) channelEventType() string { return "text_delta" }

// TranscriptFinal is a committed transcript line for either side.
type TranscriptFinal struct {
	Role string
	Text string
}

func (TranscriptFinal) channelEventType() string { return "transcript_final" }

// ToolCall is a function-call request from the assistant.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments string
}

func (ToolCall) channelEventType() string { return "tool_call" }

// ResponseStarted marks the beginning of a spoken assistant response.
type ResponseStarted struct {
	ResponseID string
}

func (ResponseStarted) channelEventType() string { return "response_started" }

// ResponseDone marks the end of an assistant response.
type ResponseDone struct {
	ResponseID string
}

func (ResponseDone) channelEventType() string { return "response_done" }

// ResponseCanceled acknowledges an explicit cancel.
type ResponseCanceled struct {
	ResponseID string
}

func (ResponseCanceled) channelEventType() string { return "response_canceled" }

// Closed reports that the channel disconnected. Err is nil on a clean close.
type Closed struct {
	Err error
}

func (Closed) channelEventType() string { return "closed" }

// Channel is a live connection to the realtime voice AI.
type Channel interface {
	Events() <-chan Event
	SendAudio(payload []byte) error
	SendText(text string) error
	SendToolResult(callID, result string) error
	CancelResponse() error
	Close() error
}

// Dialer opens a channel for one session.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Channel, error)
}
