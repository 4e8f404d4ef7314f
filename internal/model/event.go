package model

import "encoding/json"

// 实时通道事件名
const (
	EventIdentify         = "identify"
	EventTyping           = "typing"
	EventSendMessage      = "send-message"
	EventJoinConversation = "join-conversation"

	EventConnected  = "connected"
	EventUserTyping = "user-typing"
	EventNewMessage = "new-message"
	EventError      = "error"
)

// 消息发送方
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Envelope 是 websocket 上传输的帧：{"event": "...", "data": {...}}。
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OutboundEvent 是服务端发出的帧。
type OutboundEvent struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// IdentifyPayload 对应 identify 事件。
type IdentifyPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// TypingPayload 对应 typing / user-typing 事件。
type TypingPayload struct {
	UserID         string `json:"userId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId,omitempty"`
}

// SendMessagePayload 对应 send-message 事件。
type SendMessagePayload struct {
	Message        string `json:"message"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
	Username       string `json:"username"`
}

// JoinConversationPayload 对应 join-conversation 事件。
type JoinConversationPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// NewMessagePayload 是广播给客户端的 new-message 事件。
type NewMessagePayload struct {
	Message        string `json:"message"`
	Sender         string `json:"sender"`
	UserID         string `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	ConversationID string `json:"conversationId"`
}

// ErrorPayload 是发给单个连接的 error 事件。
type ErrorPayload struct {
	Message string `json:"message"`
}

// ConnectedPayload 在连接建立后下发，告知客户端自己的连接 ID。
type ConnectedPayload struct {
	ConnectionID string `json:"connectionId"`
}
