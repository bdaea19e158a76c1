package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage      MessageType = "user_message"
	TypePing             MessageType = "ping"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeHandoffUpdate    MessageType = "handoff_update"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
	// ClientMsgID is echoed back on the matching assistant_message.
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

type Ping struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TSMs      int64       `json:"ts_ms,omitempty"`
}

type AssistantMessage struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	ClientMsgID string      `json:"client_msg_id,omitempty"`
	Text        string      `json:"text"`
	Decision    string      `json:"decision,omitempty"`
	AuthState   string      `json:"auth_state"`
	TicketID    string      `json:"ticket_id,omitempty"`
	Resumed     bool        `json:"resumed,omitempty"`
}

// HandoffUpdate carries an asynchronous message about an escalated ticket.
type HandoffUpdate struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TicketID  string      `json:"ticket_id"`
	State     string      `json:"state"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserMessage:
		var msg UserMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, errors.New("invalid user_message: text is required")
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
