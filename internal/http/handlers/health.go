package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/mediaforge-backend/internal/jobs/service"
)

// HealthHandler serves GET /health: process status, uptime,
// and an embedded queue snapshot so an operator can see degradation
// without a second call.
type HealthHandler struct {
	svc       *service.Service
	startedAt time.Time
}

func NewHealthHandler(svc *service.Service, startedAt time.Time) *HealthHandler {
	return &HealthHandler{svc: svc, startedAt: startedAt}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	stats, err := h.svc.GetQueueStats(c.Request.Context())
	status := http.StatusOK
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(h.startedAt).String(),
	}
	if err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "degraded"
		body["error"] = err.Error()
	} else {
		body["queue"] = stats
	}
	c.JSON(status, body)
}
