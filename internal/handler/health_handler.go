package handler

import (
	"net/http"
	"time"

	"chat-relay/internal/service"

	"github.com/gin-gonic/gin"
)

// HealthHandler 处理健康检查。
type HealthHandler struct {
	health *service.HealthService
}

func NewHealthHandler(health *service.HealthService) *HealthHandler {
	return &HealthHandler{health: health}
}

// Health 处理 GET /api/health，uptime 单位为秒。
func (h *HealthHandler) Health(c *gin.Context) {
	s := h.health.Check()
	c.JSON(http.StatusOK, gin.H{
		"status":            s.Status,
		"timestamp":         s.Timestamp.UTC().Format(time.RFC3339Nano),
		"activeConnections": s.ActiveConnections,
		"activeExchanges":   s.ActiveExchanges,
		"uptime":            s.Uptime.Seconds(),
		"provider":          s.Provider,
	})
}
