// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"time"

	"chat-relay/internal/service"
	"chat-relay/pkg/llm"
	"chat-relay/pkg/log"

	"github.com/gin-gonic/gin"
)

// ChatHandler 处理点对点的聊天请求。
type ChatHandler struct {
	chatService service.ChatService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Chat 处理 POST /api/chat。
func (h *ChatHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message is required"})
		return
	}

	reply, err := h.chatService.Chat(c.Request.Context(), service.ChatRequest{
		Message:        req.Message,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Errorw("chat request failed", "userId", req.UserID, "conversationId", req.ConversationID, "error", err)
		}
		c.JSON(status, gin.H{"error": service.UserFacingMessage(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"response":       reply.Response,
		"conversationId": reply.ConversationID,
		"timestamp":      reply.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// statusFor 把业务错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case llm.IsThrottled(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
