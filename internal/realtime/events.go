package realtime

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lucasbezerra26/moderated-chat-client/internal/models"
)

type EventType string

// 线上帧类型。
const (
	EventChatMessage     EventType = "chat_message"
	EventMessageQueued   EventType = "message_queued"
	EventMessageRejected EventType = "message_rejected"
)

// 本地合成事件，永远不会出现在线上。
const (
	EventConnect          EventType = "connect"
	EventDisconnect       EventType = "disconnect"
	EventError            EventType = "error"
	EventReconnecting     EventType = "reconnecting"
	EventAuthFailure      EventType = "auth_failure"
	EventRetriesExhausted EventType = "retries_exhausted"
)

// Local 表示事件只在客户端内部产生。
func (t EventType) Local() bool {
	switch t {
	case EventConnect, EventDisconnect, EventError, EventReconnecting, EventAuthFailure, EventRetriesExhausted:
		return true
	}
	return false
}

// Payload 是分发给监听器的事件。字段按 Type 取用。
type Payload struct {
	Type EventType

	Message  *models.Message
	Rejected *models.RejectedMessage

	// Raw 保留未知类型帧的原始内容。
	Raw json.RawMessage

	Error   string
	Code    int
	Attempt int
	Delay   time.Duration
}

// OutboundMessage 是客户端发出的聊天帧。
type OutboundMessage struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func NewChatMessage(text string) OutboundMessage {
	return OutboundMessage{Type: EventChatMessage, Message: text}
}

var (
	errMissingType = errors.New("realtime: frame has no type")
	errLocalType   = errors.New("realtime: frame uses a local event type")
)

type envelope struct {
	Type    EventType       `json:"type"`
	Message json.RawMessage `json:"message"`
}

// DecodePayload 解析一条入站帧。
func DecodePayload(data []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Payload{}, err
	}
	if env.Type == "" {
		return Payload{}, errMissingType
	}
	if env.Type.Local() {
		return Payload{}, errLocalType
	}
	p := Payload{Type: env.Type}
	switch env.Type {
	case EventChatMessage, EventMessageQueued:
		var m models.Message
		if err := json.Unmarshal(env.Message, &m); err != nil {
			return Payload{}, err
		}
		if m.ID == "" {
			return Payload{}, errors.New("realtime: message without id")
		}
		p.Message = &m
	case EventMessageRejected:
		var r models.RejectedMessage
		if err := json.Unmarshal(env.Message, &r); err != nil {
			return Payload{}, err
		}
		if r.ID == "" {
			return Payload{}, errors.New("realtime: rejection without id")
		}
		p.Rejected = &r
	default:
		p.Raw = append(json.RawMessage(nil), data...)
	}
	return p, nil
}
