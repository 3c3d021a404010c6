package telephony

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foxseedlab/denwaban/internal/bridge"
	"github.com/foxseedlab/denwaban/internal/conference"
	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/repository"
	"github.com/foxseedlab/denwaban/internal/session"
	"github.com/foxseedlab/denwaban/internal/voicechannel"
)

const escalateToolName = "escalate_to_human"

// MediaHandler accepts provider media streams and runs the full voice call
// lifecycle: session creation, voice channel dialing, and the bridge loop.
type MediaHandler struct {
	cfg          *config.Config
	manager      *session.Manager
	dialer       voicechannel.Dialer
	orchestrator *conference.Orchestrator

	upgrader websocket.Upgrader
}

func NewMediaHandler(cfg *config.Config, manager *session.Manager, dialer voicechannel.Dialer, orchestrator *conference.Orchestrator) *MediaHandler {
	return &MediaHandler{
		cfg:          cfg,
		manager:      manager,
		dialer:       dialer,
		orchestrator: orchestrator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("media stream upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		slog.Warn("media stream closed before start frame", "remote_addr", r.RemoteAddr)
		return
	}
	var start mediaFrame
	if err := json.Unmarshal(raw, &start); err != nil || start.Event != "start" || start.StreamID == "" {
		slog.Warn("media stream sent invalid start frame", "remote_addr", r.RemoteAddr)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	ctx := context.Background()
	sess, err := h.manager.CreateVoiceSession(ctx, start.Caller)
	if err != nil {
		slog.Error("voice session creation failed", "caller", start.Caller, "error", err)
		return
	}

	channel, err := h.dialer.Dial(ctx, sess.ID())
	if err != nil {
		slog.Error("voice channel dial failed", "session_id", sess.ID(), "error", err)
		h.manager.FailSession(sess.ID(), "voice channel unavailable")
		return
	}
	defer func() { _ = channel.Close() }()

	leg := newWSLeg(ws, start.StreamID, time.Now())
	defer func() { _ = leg.Close() }()
	go leg.readPump()

	br := bridge.New(sess.ID(), leg, channel, h.cfg.EchoGracePeriod, h.cfg.TriggerPhrase)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.consumeBridgeEvents(runCtx, sess, br, start.CallID)

	if err := br.Run(runCtx); err != nil {
		slog.Error("media bridge failed", "session_id", sess.ID(), "error", err)
		h.manager.FailSession(sess.ID(), "media bridge failure")
		return
	}
	h.manager.EndSession(sess.ID(), "call ended")
}

func (h *MediaHandler) consumeBridgeEvents(ctx context.Context, sess *session.Session, br *bridge.Bridge, callID string) {
	for ev := range br.Events() {
		switch ev := ev.(type) {
		case bridge.TranscriptEvent:
			sess.AppendTranscript(ev.Role, ev.Text, ev.At)
		case bridge.ToolCallEvent:
			h.handleToolCall(ctx, sess, br, callID, ev)
		case bridge.TriggerHeard:
			slog.Info("assistant re-engaged by trigger phrase", "session_id", sess.ID())
		}
	}
}

func (h *MediaHandler) handleToolCall(ctx context.Context, sess *session.Session, br *bridge.Bridge, callID string, call bridge.ToolCallEvent) {
	switch call.Name {
	case escalateToolName:
		// Escalation blocks on dialing a human; run it off the event loop so
		// audio keeps flowing.
		go func() {
			info, err := h.orchestrator.Escalate(ctx, sess, callID, br)
			if err != nil {
				slog.Error("escalation failed", "session_id", sess.ID(), "error", err)
				h.finishToolCall(sess, br, call, `{"ok":false,"error":"escalation failed"}`, false)
				return
			}
			result, _ := json.Marshal(map[string]any{
				"ok":           true,
				"room":         info.Room,
				"dial_outcome": info.HumanDialOutcome,
			})
			h.finishToolCall(sess, br, call, string(result), true)
		}()
	default:
		slog.Warn("unsupported tool call from voice channel", "session_id", sess.ID(), "tool", call.Name)
		h.finishToolCall(sess, br, call, `{"ok":false,"error":"unsupported tool"}`, false)
	}
}

// finishToolCall records the completed call on the session's tool-call ledger
// and answers the voice channel.
func (h *MediaHandler) finishToolCall(sess *session.Session, br *bridge.Bridge, call bridge.ToolCallEvent, result string, success bool) {
	sess.AppendToolCall(repository.ToolCallEntry{
		Name:      call.Name,
		Arguments: call.Arguments,
		Result:    result,
		Success:   success,
		Timestamp: time.Now(),
	})
	_ = br.SendToolResult(call.CallID, result)
}
