// Package ws is the device/technician gateway: one WebSocket per client,
// authenticated with a pairing code before anything else is accepted.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foxseedlab/denwaban/internal/config"
	"github.com/foxseedlab/denwaban/internal/credential"
	"github.com/foxseedlab/denwaban/internal/repository"
	"github.com/foxseedlab/denwaban/internal/session"
)

// Application close codes sent alongside the close frame.
const (
	CloseAuthFailed  = 4001
	CloseRejected    = 4003
	CloseRateLimited = 4029
)

const writeTimeout = 10 * time.Second

// conn is one live client connection. It satisfies registry.Handle so the
// session layer can address it without knowing about WebSockets.
type conn struct {
	sessionID    string
	secondaryKey string
	ws           *websocket.Conn

	// writeMu serializes writes; gorilla permits one concurrent writer only.
	writeMu sync.Mutex
}

func (c *conn) SessionID() string    { return c.sessionID }
func (c *conn) SecondaryKey() string { return c.secondaryKey }

func (c *conn) Deliver(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.ws.Close()
}

type Handler struct {
	cfg     *config.Config
	manager *session.Manager

	upgrader websocket.Upgrader
	// admission bounds concurrent connections before the upgrade.
	admission chan struct{}
}

func NewHandler(cfg *config.Config, manager *session.Manager) *Handler {
	return &Handler{
		cfg:     cfg,
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		admission: make(chan struct{}, cfg.MaxConcurrentConnections),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case h.admission <- struct{}{}:
		defer func() { <-h.admission }()
	default:
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &conn{ws: ws}

	sess, ok := h.authenticate(r.Context(), c, r.RemoteAddr)
	if !ok {
		return
	}
	c.sessionID = sess.ID()
	c.secondaryKey = sess.SecondaryKey()

	h.manager.Attach(c)
	if err := c.Deliver(session.EncodeAuthSuccess(sess.ID(), sess.SecondaryKey(), sess.PrimaryAuthority())); err != nil {
		h.manager.FailSession(sess.ID(), "auth ack delivery failed")
		_ = ws.Close()
		return
	}
	if state, found := h.manager.InitialState(sess.ID()); found {
		_ = c.Deliver(state)
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(c, stopPing)

	h.readLoop(c, sess)
}

// pingLoop sends a protocol-level ping every heartbeat interval so idle
// connections keep traffic flowing through intermediaries between
// application heartbeats.
func (h *Handler) pingLoop(c *conn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// authenticate reads exactly one frame under the auth deadline and runs the
// full authentication path. On failure the socket is closed with an
// application close code and false is returned.
func (h *Handler) authenticate(ctx context.Context, c *conn, remoteAddr string) (*session.Session, bool) {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.AuthTimeout))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		c.closeWith(CloseAuthFailed, "authentication timed out")
		return nil, false
	}

	msg, err := session.DecodeInbound(raw)
	if err != nil {
		c.closeWith(CloseAuthFailed, "malformed authentication message")
		return nil, false
	}
	authMsg, ok := msg.(session.AuthMessage)
	if !ok {
		c.closeWith(CloseAuthFailed, "first message must be auth")
		return nil, false
	}

	sess, err := h.manager.Authenticate(ctx, remoteAddr, authMsg)
	if err != nil {
		var rlErr *session.RateLimitError
		switch {
		case errors.As(err, &rlErr):
			_ = c.Deliver(session.EncodeError("RATE_LIMITED", err.Error(), rlErr.ResetSeconds))
			c.closeWith(CloseRateLimited, "too many attempts")
		case credential.KindOf(err) != "":
			_ = c.Deliver(session.EncodeError(string(credential.KindOf(err)), err.Error(), 0))
			c.closeWith(CloseRejected, "authentication rejected")
		case errors.Is(err, session.ErrViewTargetNotFound):
			_ = c.Deliver(session.EncodeError("SESSION_NOT_FOUND", err.Error(), 0))
			c.closeWith(CloseRejected, "authentication rejected")
		default:
			_ = c.Deliver(session.EncodeError("INTERNAL", "authentication failed", 0))
			c.closeWith(CloseRejected, "authentication failed")
		}
		return nil, false
	}
	return sess, true
}

func (h *Handler) readLoop(c *conn, sess *session.Session) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.StaleThreshold))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.manager.EndSession(sess.ID(), "client disconnected")
			} else {
				h.manager.FailSession(sess.ID(), "connection error")
			}
			_ = c.ws.Close()
			return
		}

		msg, err := session.DecodeInbound(raw)
		if err != nil {
			_ = c.Deliver(session.EncodeError("MALFORMED_MESSAGE", err.Error(), 0))
			continue
		}

		switch msg := msg.(type) {
		case session.HeartbeatMessage:
			if ack, ok := h.manager.Heartbeat(sess.ID()); ok {
				_ = c.Deliver(ack)
			}

		case session.ChatMessage:
			h.manager.HandleChat(sess.ID(), msg.Text)

		case session.ExecuteCommandMessage:
			if !sess.PrimaryAuthority() {
				_ = c.Deliver(session.EncodeError("NOT_AUTHORIZED", "viewer sessions cannot execute commands", 0))
				continue
			}
			h.manager.DispatchCommand(sess.ID(), msg.CommandID, msg.Name, msg.Arguments)

		case session.CommandUpdateMessage:
			if !sess.PrimaryAuthority() {
				_ = c.Deliver(session.EncodeError("NOT_AUTHORIZED", "viewer sessions cannot report command results", 0))
				continue
			}
			h.manager.RecordCommandResult(sess.ID(), msg.CommandID, repository.ToolCallEntry{
				Name:      msg.Name,
				Result:    msg.Result,
				Success:   msg.Success,
				Timestamp: time.Now(),
			})

		case session.AuthMessage:
			_ = c.Deliver(session.EncodeError("ALREADY_AUTHENTICATED", "session is already authenticated", 0))
		}
	}
}
