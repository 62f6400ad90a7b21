package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yungbote/mediaforge-backend/internal/http/response"
	"github.com/yungbote/mediaforge-backend/internal/jobs/service"
	"github.com/yungbote/mediaforge-backend/internal/platform/apierr"
)

// AdminHandler exposes the operational diagnostics endpoints:
// manual leak recovery and a worker-status snapshot.
type AdminHandler struct {
	svc *service.Service
}

func NewAdminHandler(svc *service.Service) *AdminHandler {
	return &AdminHandler{svc: svc}
}

// RecoverWorkers handles POST /admin/recover-workers.
func (h *AdminHandler) RecoverWorkers(c *gin.Context) {
	n, err := h.svc.RecoverWorkers(c.Request.Context())
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal_error", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"recoveredWorkers": n})
}

// WorkersStatus handles GET /admin/workers/status.
func (h *AdminHandler) WorkersStatus(c *gin.Context) {
	entries, err := h.svc.AdminWorkerStatus(c.Request.Context())
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal_error", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": entries})
}
