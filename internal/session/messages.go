package session

import (
	"encoding/json"
	"fmt"

	"github.com/foxseedlab/denwaban/internal/repository"
)

// MessageType discriminates protocol messages on the device/technician
// WebSocket. The set is closed: decoding an unknown type is an error, never a
// silent drop.
type MessageType string

const (
	MessageTypeAuth           MessageType = "auth"
	MessageTypeAuthSuccess    MessageType = "auth_success"
	MessageTypeError          MessageType = "error"
	MessageTypeHeartbeat      MessageType = "heartbeat"
	MessageTypeHeartbeatAck   MessageType = "heartbeat_ack"
	MessageTypeChat           MessageType = "chat"
	MessageTypeInitialState   MessageType = "initial_state"
	MessageTypeExecuteCommand MessageType = "execute_command"
	MessageTypeCommandUpdate  MessageType = "command_update"
	MessageTypeAIInstruction  MessageType = "ai_instruction"
)

type envelope struct {
	Type MessageType `json:"type"`
}

// InboundMessage is one decoded client-to-server message.
type InboundMessage interface {
	inboundType() MessageType
}

type AuthMessage struct {
	Type         MessageType `json:"type"`
	Code         string      `json:"code"`
	UserID       string      `json:"user_id"`
	TenantID     string      `json:"tenant_id"`
	DeviceID     string      `json:"device_id"`
	Kind         string      `json:"kind,omitempty"`
	SessionToken string      `json:"session_token,omitempty"`
}

func (AuthMessage) inboundType() MessageType { return MessageTypeAuth }

type HeartbeatMessage struct {
	Type MessageType `json:"type"`
}

func (HeartbeatMessage) inboundType() MessageType { return MessageTypeHeartbeat }

type ChatMessage struct {
	Type     MessageType       `json:"type"`
	Text     string            `json:"text"`
	Role     string            `json:"role,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (ChatMessage) inboundType() MessageType { return MessageTypeChat }

type ExecuteCommandMessage struct {
	Type      MessageType `json:"type"`
	CommandID string      `json:"command_id"`
	Name      string      `json:"name"`
	Arguments string      `json:"arguments"`
}

func (ExecuteCommandMessage) inboundType() MessageType { return MessageTypeExecuteCommand }

type CommandUpdateMessage struct {
	Type      MessageType `json:"type"`
	CommandID string      `json:"command_id"`
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	Result    string      `json:"result,omitempty"`
	Success   bool        `json:"success"`
}

func (CommandUpdateMessage) inboundType() MessageType { return MessageTypeCommandUpdate }

// DecodeInbound parses one client frame through an explicit dispatch table so
// every message kind is matched exhaustively.
func DecodeInbound(data []byte) (InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	decoder, ok := inboundDecoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}
	return decoder(data)
}

var inboundDecoders = map[MessageType]func([]byte) (InboundMessage, error){
	MessageTypeAuth:           decodeInto[AuthMessage],
	MessageTypeHeartbeat:      decodeInto[HeartbeatMessage],
	MessageTypeChat:           decodeInto[ChatMessage],
	MessageTypeExecuteCommand: decodeInto[ExecuteCommandMessage],
	MessageTypeCommandUpdate:  decodeInto[CommandUpdateMessage],
}

func decodeInto[T InboundMessage](data []byte) (InboundMessage, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	return msg, nil
}

type authSuccessMessage struct {
	Type             MessageType `json:"type"`
	SessionID        string      `json:"session_id"`
	SessionToken     string      `json:"session_token"`
	PrimaryAuthority bool        `json:"primary_authority"`
}

type errorMessage struct {
	Type         MessageType `json:"type"`
	Kind         string      `json:"kind"`
	Message      string      `json:"message"`
	ResetSeconds int         `json:"reset_seconds,omitempty"`
}

type heartbeatAckMessage struct {
	Type MessageType `json:"type"`
}

type initialStateMessage struct {
	Type       MessageType                  `json:"type"`
	SessionID  string                       `json:"session_id"`
	Transcript []repository.TranscriptEntry `json:"transcript"`
	Commands   []repository.ToolCallEntry   `json:"commands"`
}

type chatOutMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
	Role string      `json:"role"`
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All outbound message types marshal cleanly; a failure here is a
		// programming error.
		panic(err)
	}
	return b
}

func EncodeAuthSuccess(sessionID, sessionToken string, primary bool) []byte {
	return mustMarshal(authSuccessMessage{
		Type:             MessageTypeAuthSuccess,
		SessionID:        sessionID,
		SessionToken:     sessionToken,
		PrimaryAuthority: primary,
	})
}

func EncodeError(kind, message string, resetSeconds int) []byte {
	return mustMarshal(errorMessage{
		Type:         MessageTypeError,
		Kind:         kind,
		Message:      message,
		ResetSeconds: resetSeconds,
	})
}

func EncodeHeartbeatAck() []byte {
	return mustMarshal(heartbeatAckMessage{Type: MessageTypeHeartbeatAck})
}

func EncodeInitialState(sessionID string, transcript []repository.TranscriptEntry, commands []repository.ToolCallEntry) []byte {
	if transcript == nil {
		transcript = []repository.TranscriptEntry{}
	}
	if commands == nil {
		commands = []repository.ToolCallEntry{}
	}
	return mustMarshal(initialStateMessage{
		Type:       MessageTypeInitialState,
		SessionID:  sessionID,
		Transcript: transcript,
		Commands:   commands,
	})
}

func EncodeChat(role, text string) []byte {
	return mustMarshal(chatOutMessage{Type: MessageTypeChat, Text: text, Role: role})
}

func EncodeCommandUpdate(commandID, name, status, result string, success bool) []byte {
	return mustMarshal(CommandUpdateMessage{
		Type:      MessageTypeCommandUpdate,
		CommandID: commandID,
		Name:      name,
		Status:    status,
		Result:    result,
		Success:   success,
	})
}

func EncodeAIInstruction(text string) []byte {
	return mustMarshal(struct {
		Type MessageType `json:"type"`
		Text string      `json:"text"`
	}{Type: MessageTypeAIInstruction, Text: text})
}
