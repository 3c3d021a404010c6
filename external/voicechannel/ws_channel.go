// Package voicechannel connects to the realtime voice AI service over a
// WebSocket and translates its wire protocol into typed channel events.
package voicechannel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foxseedlab/denwaban/internal/voicechannel"
)

const channelWriteTimeout = 10 * time.Second

type wireEvent struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	Text       string `json:"text,omitempty"`
	Role       string `json:"role,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Result     string `json:"result,omitempty"`
}

// WSChannel is one live realtime connection. The reader goroutine owns the
// events channel and closes it after emitting Closed.
type WSChannel struct {
	ws     *websocket.Conn
	events chan voicechannel.Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSChannel(ws *websocket.Conn) *WSChannel {
	c := &WSChannel{
		ws:     ws,
		events: make(chan voicechannel.Event, 64),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *WSChannel) Events() <-chan voicechannel.Event { return c.events }

// emit delivers one event unless the channel was closed. Once Close runs, the
// bridge has stopped consuming; blocking on a full buffer would park the
// reader goroutine forever.
func (c *WSChannel) emit(ev voicechannel.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *WSChannel) readPump() {
	defer close(c.events)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.emit(voicechannel.Closed{})
			} else {
				c.emit(voicechannel.Closed{Err: err})
			}
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		var out voicechannel.Event
		switch ev.Type {
		case "speech_started":
			out = voicechannel.SpeechStarted{}
		case "audio_delta":
			data, err := base64.StdEncoding.DecodeString(ev.Data)
			if err != nil {
				continue
			}
			out = voicechannel.AudioDelta{Data: data}
		case "text_delta":
			out = voicechannel.TextDelta{Text: ev.Text}
		case "transcript_final":
			out = voicechannel.TranscriptFinal{Role: ev.Role, Text: ev.Text}
		case "tool_call":
			out = voicechannel.ToolCall{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments}
		case "response_started":
			out = voicechannel.ResponseStarted{ResponseID: ev.ResponseID}
		case "response_done":
			out = voicechannel.ResponseDone{ResponseID: ev.ResponseID}
		case "response_canceled":
			out = voicechannel.ResponseCanceled{ResponseID: ev.ResponseID}
		default:
			continue
		}
		if !c.emit(out) {
			return
		}
	}
}

func (c *WSChannel) write(ev wireEvent) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
	return c.ws.WriteJSON(ev)
}

func (c *WSChannel) SendAudio(payload []byte) error {
	return c.write(wireEvent{Type: "audio", Data: base64.StdEncoding.EncodeToString(payload)})
}

func (c *WSChannel) SendText(text string) error {
	return c.write(wireEvent{Type: "text", Text: text})
}

func (c *WSChannel) SendToolResult(callID, result string) error {
	return c.write(wireEvent{Type: "tool_result", CallID: callID, Result: result})
}

func (c *WSChannel) CancelResponse() error {
	return c.write(wireEvent{Type: "cancel"})
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// WSDialer opens one channel per session against the realtime service.
type WSDialer struct {
	url   string
	token string
}

func NewWSDialer(url, token string) voicechannel.Dialer {
	return &WSDialer{url: url, token: token}
}

func (d *WSDialer) Dial(ctx context.Context, sessionID string) (voicechannel.Channel, error) {
	header := http.Header{}
	if d.token != "" {
		header.Set("Authorization", "Bearer "+d.token)
	}
	header.Set("X-Session-ID", sessionID)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("voice channel dial returned status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("voice channel dial: %w", err)
	}
	return newWSChannel(ws), nil
}
