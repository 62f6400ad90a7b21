package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/yungbote/mediaforge-backend/internal/http/handlers"
	httpMW "github.com/yungbote/mediaforge-backend/internal/http/middleware"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/platform/observability"
)

type RouterConfig struct {
	JobHandler    *httpH.JobHandler
	AdminHandler  *httpH.AdminHandler
	HealthHandler *httpH.HealthHandler

	AuthMiddleware *httpMW.AuthMiddleware
	Metrics        *observability.Metrics
	OtelEnabled    bool
}

// NewRouter wires the middleware chain —
// AttachTraceContext -> AttachRequestContext -> CORS -> Metrics ->
// RequestLogger -> [auth] — in front of the job-orchestration routes.
// Submission routes are one per operation, sharing the same response
// contract.
func NewRouter(log *logger.Logger, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.OtelEnabled {
		r.Use(otelgin.Middleware("job-orchestrator"))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.AttachRequestContext())
	r.Use(httpMW.CORS())
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.RequestLogger(log))

	if cfg.HealthHandler != nil {
		r.GET("/health", cfg.HealthHandler.HealthCheck)
	}

	protected := r.Group("/")
	if cfg.AuthMiddleware != nil {
		protected.Use(cfg.AuthMiddleware.RequireAPIKey())
	}

	if cfg.JobHandler != nil {
		jh := cfg.JobHandler
		protected.POST("/jobs/image-to-video", jh.SubmitImageToVideo)
		protected.POST("/jobs/subtitle-burn", jh.SubmitSubtitleBurn)
		protected.POST("/jobs/subtitle-burn-styled", jh.SubmitSubtitleBurnStyled)
		protected.POST("/jobs/add-audio", jh.SubmitAddAudio)
		protected.POST("/jobs/audio-video-cycle", jh.SubmitAudioVideoCycle)
		protected.POST("/jobs/background-music-mix", jh.SubmitBackgroundMusicMix)
		protected.POST("/jobs/image-to-video-cpu", jh.SubmitImageToVideoCPU)
		protected.POST("/jobs/subtitle-burn-cpu", jh.SubmitSubtitleBurnCPU)
		protected.POST("/jobs/subtitle-burn-styled-cpu", jh.SubmitSubtitleBurnStyledCPU)
		protected.POST("/jobs/add-audio-cpu", jh.SubmitAddAudioCPU)
		protected.POST("/jobs/audio-video-cycle-cpu", jh.SubmitAudioVideoCycleCPU)
		protected.POST("/jobs/background-music-mix-cpu", jh.SubmitBackgroundMusicMixCPU)

		protected.GET("/jobs/:jobId", jh.GetJob)
		protected.POST("/jobs/:jobId/cancel", jh.CancelJob)
		protected.GET("/queue/stats", jh.QueueStats)
	}

	if cfg.AdminHandler != nil {
		protected.POST("/admin/recover-workers", cfg.AdminHandler.RecoverWorkers)
		protected.GET("/admin/workers/status", cfg.AdminHandler.WorkersStatus)
	}

	return r
}
