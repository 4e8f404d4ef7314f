package handler

import (
	"errors"
	"net/http"
	"strconv"

	"chat-relay/internal/model"
	"chat-relay/internal/service"
	"chat-relay/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理与对话相关的 API 请求。
type ConversationHandler struct {
	service service.ConversationService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService) *ConversationHandler {
	return &ConversationHandler{service: service}
}

func keyFromPath(c *gin.Context) model.ConversationKey {
	return model.ConversationKey{UserID: c.Param("userId"), ConversationID: c.Param("conversationId")}
}

// GetConversation 处理 GET /api/conversations/:userId/:conversationId。
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	key := keyFromPath(c)
	messages := h.service.GetConversation(c.Request.Context(), key)
	c.JSON(http.StatusOK, gin.H{
		"conversationId": key.ConversationID,
		"messages":       messages,
		"messageCount":   len(messages),
	})
}

// DeleteConversation 处理 DELETE /api/conversations/:userId/:conversationId。
func (h *ConversationHandler) DeleteConversation(c *gin.Context) {
	h.service.DeleteConversation(c.Request.Context(), keyFromPath(c))
	c.JSON(http.StatusOK, gin.H{"message": "Conversation cleared"})
}

// ListExchanges 处理 GET /api/conversations/:userId/:conversationId/exchanges?limit=N。
func (h *ConversationHandler) ListExchanges(c *gin.Context) {
	key := keyFromPath(c)
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	exchanges, err := h.service.ListExchanges(c.Request.Context(), key, limit)
	if errors.Is(err, service.ErrArchiveDisabled) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Exchange archive is not enabled"})
		return
	}
	if err != nil {
		log.Errorw("failed to list exchanges", "conversation", key.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve exchanges"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversationId": key.ConversationID,
		"exchanges":      exchanges,
		"count":          len(exchanges),
	})
}
