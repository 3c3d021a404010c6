package telephony

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foxseedlab/denwaban/internal/telephony"
)

const legWriteTimeout = 10 * time.Second

// mediaFrame is the provider's stream protocol: one JSON object per frame,
// audio carried base64-encoded.
type mediaFrame struct {
	Event    string `json:"event"`
	StreamID string `json:"stream_id,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Caller   string `json:"caller,omitempty"`
	Payload  string `json:"payload,omitempty"`
	Mark     string `json:"mark,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// wsLeg adapts one provider media stream to the Leg interface. The read pump
// owns the events channel and closes it when the stream ends.
type wsLeg struct {
	ws       *websocket.Conn
	streamID string
	events   chan telephony.LegEvent
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSLeg(ws *websocket.Conn, streamID string, startedAt time.Time) *wsLeg {
	l := &wsLeg{
		ws:       ws,
		streamID: streamID,
		events:   make(chan telephony.LegEvent, 64),
		done:     make(chan struct{}),
	}
	l.events <- telephony.LegStarted{StreamID: streamID, StartedAt: startedAt}
	return l
}

func (l *wsLeg) StreamID() string                  { return l.streamID }
func (l *wsLeg) Events() <-chan telephony.LegEvent { return l.events }

// emit delivers one event unless the leg was closed. A closed leg has no
// consumer left; blocking on a full buffer would park this goroutine forever.
func (l *wsLeg) emit(ev telephony.LegEvent) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

func (l *wsLeg) readPump() {
	defer close(l.events)
	for {
		_, raw, err := l.ws.ReadMessage()
		if err != nil {
			l.emit(telephony.LegStopped{Reason: "transport closed"})
			return
		}
		var frame mediaFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		switch frame.Event {
		case "media":
			payload, err := base64.StdEncoding.DecodeString(frame.Payload)
			if err != nil {
				continue
			}
			if !l.emit(telephony.LegMedia{Payload: payload}) {
				return
			}
		case "mark":
			if !l.emit(telephony.LegMark{Name: frame.Mark}) {
				return
			}
		case "stop":
			l.emit(telephony.LegStopped{Reason: frame.Reason})
			return
		}
	}
}

func (l *wsLeg) writeFrame(frame mediaFrame) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.ws.SetWriteDeadline(time.Now().Add(legWriteTimeout))
	return l.ws.WriteJSON(frame)
}

func (l *wsLeg) WriteAudio(payload []byte) error {
	return l.writeFrame(mediaFrame{
		Event:    "media",
		StreamID: l.streamID,
		Payload:  base64.StdEncoding.EncodeToString(payload),
	})
}

// FlushAudio tells the provider to drop audio it has buffered but not yet
// played toward the caller.
func (l *wsLeg) FlushAudio() error {
	return l.writeFrame(mediaFrame{Event: "clear", StreamID: l.streamID})
}

func (l *wsLeg) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ws.Close()
	})
	return err
}
