package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/http/response"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/service"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
	"github.com/yungbote/mediaforge-backend/internal/platform/apierr"
)

// JobHandler exposes the submission endpoints (one per operation)
// plus the query/cancel endpoints, all backed by the same Job Service
// facade.
type JobHandler struct {
	svc        *service.Service
	dispatcher external.Router
}

func NewJobHandler(svc *service.Service, dispatcher external.Router) *JobHandler {
	return &JobHandler{svc: svc, dispatcher: dispatcher}
}

// submitBody is the common envelope every operation's request body
// carries: webhook_url and path are required and owned by the core;
// everything else is operation-specific and passed through untouched as
// the job payload (validated upstream).
type submitBody struct {
	WebhookURL string  `json:"webhook_url"`
	Path       string  `json:"path"`
	IDRoteiro  *int    `json:"id_roteiro,omitempty"`
	PathRaiz   *string `json:"path_raiz,omitempty"`
}

// submitFor returns a gin.HandlerFunc bound to a single operation,
// registered once per route in the router. Every operation shares the
// same response contract.
func (h *JobHandler) submitFor(op domain.Operation) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, domain.ErrCodeValidation, err))
			return
		}
		var env submitBody
		if err := json.Unmarshal(raw, &env); err != nil {
			response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, domain.ErrCodeValidation, err))
			return
		}

		resp, err := h.svc.CreateJob(c.Request.Context(), service.CreateRequest{
			Operation:  op,
			Payload:    raw,
			WebhookURL: env.WebhookURL,
			Path:       env.Path,
			IDRoteiro:  env.IDRoteiro,
			PathRaiz:   env.PathRaiz,
		})
		if err != nil {
			var verr *service.ValidationError
			if errors.As(err, &verr) {
				response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, verr.Code, verr))
				return
			}
			response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal_error", err))
			return
		}
		c.JSON(http.StatusAccepted, resp)
	}
}

// SubmitImageToVideo handles POST /jobs/image-to-video.
func (h *JobHandler) SubmitImageToVideo(c *gin.Context) { h.submitFor(domain.OperationImageToVideo)(c) }

// SubmitSubtitleBurn handles POST /jobs/subtitle-burn.
func (h *JobHandler) SubmitSubtitleBurn(c *gin.Context) { h.submitFor(domain.OperationSubtitleBurn)(c) }

// SubmitSubtitleBurnStyled handles POST /jobs/subtitle-burn-styled.
func (h *JobHandler) SubmitSubtitleBurnStyled(c *gin.Context) {
	h.submitFor(domain.OperationSubtitleBurnStyled)(c)
}

// SubmitAddAudio handles POST /jobs/add-audio.
func (h *JobHandler) SubmitAddAudio(c *gin.Context) { h.submitFor(domain.OperationAddAudio)(c) }

// SubmitAudioVideoCycle handles POST /jobs/audio-video-cycle.
func (h *JobHandler) SubmitAudioVideoCycle(c *gin.Context) {
	h.submitFor(domain.OperationAudioVideoCycle)(c)
}

// SubmitBackgroundMusicMix handles POST /jobs/background-music-mix.
func (h *JobHandler) SubmitBackgroundMusicMix(c *gin.Context) {
	h.submitFor(domain.OperationBackgroundMusicMix)(c)
}

// SubmitImageToVideoCPU handles POST /jobs/image-to-video-cpu.
func (h *JobHandler) SubmitImageToVideoCPU(c *gin.Context) {
	h.submitFor(domain.OperationImageToVideoCPU)(c)
}

// SubmitSubtitleBurnCPU handles POST /jobs/subtitle-burn-cpu.
func (h *JobHandler) SubmitSubtitleBurnCPU(c *gin.Context) {
	h.submitFor(domain.OperationSubtitleBurnCPU)(c)
}

// SubmitSubtitleBurnStyledCPU handles POST /jobs/subtitle-burn-styled-cpu.
func (h *JobHandler) SubmitSubtitleBurnStyledCPU(c *gin.Context) {
	h.submitFor(domain.OperationSubtitleBurnStyledCPU)(c)
}

// SubmitAddAudioCPU handles POST /jobs/add-audio-cpu.
func (h *JobHandler) SubmitAddAudioCPU(c *gin.Context) { h.submitFor(domain.OperationAddAudioCPU)(c) }

// SubmitAudioVideoCycleCPU handles POST /jobs/audio-video-cycle-cpu.
func (h *JobHandler) SubmitAudioVideoCycleCPU(c *gin.Context) {
	h.submitFor(domain.OperationAudioVideoCycleCPU)(c)
}

// SubmitBackgroundMusicMixCPU handles POST /jobs/background-music-mix-cpu.
func (h *JobHandler) SubmitBackgroundMusicMixCPU(c *gin.Context) {
	h.submitFor(domain.OperationBackgroundMusicMixCPU)(c)
}

func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("jobId"))
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, "invalid_job_id", err))
		return uuid.Nil, false
	}
	return id, true
}

// GetJob handles GET /jobs/:jobId.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	status, err := h.svc.GetJobStatus(c.Request.Context(), jobID, h.dispatcher)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.RespondAPIErr(c, apierr.New(http.StatusNotFound, "job_not_found", err))
			return
		}
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal_error", err))
		return
	}
	c.JSON(http.StatusOK, status)
}

// CancelJob handles POST /jobs/:jobId/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := parseJobID(c)
	if !ok {
		return
	}
	resp, err := h.svc.CancelJob(c.Request.Context(), jobID, h.dispatcher)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.RespondAPIErr(c, apierr.New(http.StatusNotFound, "job_not_found", err))
			return
		}
		if errors.Is(err, service.ErrAlreadyTerminal) {
			response.RespondAPIErr(c, apierr.New(http.StatusBadRequest, "already_terminal", err))
			return
		}
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal_error", err))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// QueueStats handles GET /queue/stats.
func (h *JobHandler) QueueStats(c *gin.Context) {
	stats, err := h.svc.GetQueueStats(c.Request.Context())
	if err != nil {
		response.RespondAPIErr(c, apierr.New(http.StatusInternalServerError, "internal_error", err))
		return
	}
	c.JSON(http.StatusOK, stats)
}
