package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserMessage      MessageType = "user_message"
	TypeAssistantMessage MessageType = "assistant_message"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type UserMessage struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text"`
	Language string      `json:"language,omitempty"`
}

type AssistantMessage struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Text           string      `json:"text"`
	TSMs           int64       `json:"ts_ms"`
}

type SystemEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Detail         string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type           MessageType `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Code           string      `json:"code"`
	Retryable      bool        `json:"retryable"`
	Detail         string      `json:"detail"`
}

// ParseClientMessage decodes an inbound frame. Frames that are not a JSON object
// are taken as the text of a user_message.
func ParseClientMessage(raw []byte) (UserMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return UserMessage{}, errors.New("empty message")
	}
	if trimmed[0] != '{' {
		if !utf8.Valid(trimmed) {
			return UserMessage{}, errors.New("message is not valid utf-8")
		}
		return UserMessage{Type: TypeUserMessage, Text: string(trimmed)}, nil
	}

	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return UserMessage{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type != TypeUserMessage {
		return UserMessage{}, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
	var msg UserMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return UserMessage{}, err
	}
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Text == "" {
		return UserMessage{}, errors.New("invalid user_message: text is required")
	}
	return msg, nil
}

func NewAssistantMessage(conversationID, text string) AssistantMessage {
	return AssistantMessage{
		Type:           TypeAssistantMessage,
		ConversationID: conversationID,
		Text:           text,
		TSMs:           time.Now().UnixMilli(),
	}
}

func NewSystemEvent(conversationID, code, detail string) SystemEvent {
	return SystemEvent{Type: TypeSystemEvent, ConversationID: conversationID, Code: code, Detail: detail}
}

func NewErrorEvent(conversationID, code, detail string, retryable bool) ErrorEvent {
	return ErrorEvent{Type: TypeErrorEvent, ConversationID: conversationID, Code: code, Detail: detail, Retryable: retryable}
}
