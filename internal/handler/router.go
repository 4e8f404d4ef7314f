package handler

import (
	"chat-relay/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Handlers 汇总所有控制器，用于注册路由。
type Handlers struct {
	Chat         *ChatHandler
	Conversation *ConversationHandler
	Health       *HealthHandler
	Realtime     *RealtimeHandler
}

// NewRouter 创建路由引擎并注册全部路由。
func NewRouter(h Handlers) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/chat", h.Chat.Chat)
		api.GET("/health", h.Health.Health)

		conversations := api.Group("/conversations/:userId/:conversationId")
		{
			conversations.GET("", h.Conversation.GetConversation)
			conversations.DELETE("", h.Conversation.DeleteConversation)
			conversations.GET("/exchanges", h.Conversation.ListExchanges)
		}
	}

	r.GET("/ws", h.Realtime.Handle)
	return r
}
