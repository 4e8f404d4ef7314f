// Package model 包含了应用的数据模型定义。
package model

import (
	"strconv"
	"time"
)

// Role 是消息的角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid 判断角色是否合法。
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ChatMessage 代表会话历史中的单条消息，追加后不再修改。
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationKey 由用户 ID 与会话 ID 组成，唯一标识一段历史。
// 区分大小写，不做任何规范化。
type ConversationKey struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// String 返回 "<len(userID)>:userID:conversationID"，用作 Redis 键、锁键和 Kafka 消息键。
// 长度前缀保证两个部分中含有 ':' 时编码仍然唯一。
func (k ConversationKey) String() string {
	return strconv.Itoa(len(k.UserID)) + ":" + k.UserID + ":" + k.ConversationID
}
