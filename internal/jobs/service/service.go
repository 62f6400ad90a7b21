// Package service implements the Job Service facade: the
// thin API surface HTTP handlers call into. It validates submissions
// (including the SSRF check on webhookUrl), persists the new
// job as QUEUED, wakes the Queue Manager, and answers status/cancel/
// stats queries by reading the Job Store directly — it holds no state
// of its own beyond references to its collaborators.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
	"github.com/yungbote/mediaforge-backend/internal/jobs/webhook"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/pkg/pointers"
)

// Waker lets the service nudge the Queue Manager after admitting a job,
// without importing its full surface (mirrors monitor.queueWaker).
type Waker interface {
	Wake()
}

type Service struct {
	log       *logger.Logger
	st        store.JobStore
	wake      Waker
	webhooks  *webhook.Dispatcher
	statusURL string // template with a single %s for jobId
}

func New(log *logger.Logger, st store.JobStore, wake Waker, webhooks *webhook.Dispatcher, statusURLTemplate string) *Service {
	return &Service{
		log:       log.With("component", "job_service"),
		st:        st,
		wake:      wake,
		webhooks:  webhooks,
		statusURL: statusURLTemplate,
	}
}

// ValidationError is returned by CreateJob for synchronous 400s.
// VALIDATION_ERROR and SSRF_REJECTED never appear in webhooks; they are
// rejected before a job record ever exists.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// CreateRequest is the input to CreateJob, already validated for
// operation-specific fields by the upstream adapter; this layer only
// validates what the core owns: webhookUrl and path.
type CreateRequest struct {
	Operation  domain.Operation
	Payload    []byte
	WebhookURL string
	Path       string
	IDRoteiro  *int
	PathRaiz   *string
}

type SubmitResponse struct {
	JobID           uuid.UUID        `json:"jobId"`
	Status          domain.Status    `json:"status"`
	Operation       domain.Operation `json:"operation"`
	IDRoteiro       *int             `json:"idRoteiro,omitempty"`
	Message         string           `json:"message"`
	EstimatedTime   string           `json:"estimatedTime,omitempty"`
	QueuePosition   int              `json:"queuePosition,omitempty"`
	StatusURL       string           `json:"statusUrl"`
	CreatedAt       time.Time        `json:"createdAt"`
	WorkersReserved int              `json:"workersReserved,omitempty"`
}

// CreateJob validates the submission, persists it as QUEUED,
// wake the Queue Manager, and return a synchronous response carrying an
// approximate queue position (snapshot only — it may already be stale
// by the time the client reads it, which is fine; it is advisory).
func (s *Service) CreateJob(ctx context.Context, req CreateRequest) (*SubmitResponse, error) {
	if !req.Operation.Valid() {
		return nil, &ValidationError{Code: domain.ErrCodeValidation, Message: fmt.Sprintf("unknown operation %q", req.Operation)}
	}
	if req.Path == "" {
		return nil, &ValidationError{Code: domain.ErrCodeValidation, Message: "path is required"}
	}
	if req.WebhookURL == "" {
		return nil, &ValidationError{Code: domain.ErrCodeValidation, Message: "webhook_url is required"}
	}
	if err := webhook.ValidateURL(req.WebhookURL); err != nil {
		return nil, &ValidationError{Code: domain.ErrCodeSSRFRejected, Message: err.Error()}
	}

	job := &domain.Job{
		JobID:      uuid.New(),
		Operation:  req.Operation,
		Status:     domain.StatusQueued,
		Payload:    req.Payload,
		WebhookURL: req.WebhookURL,
		Path:       req.Path,
		IDRoteiro:  req.IDRoteiro,
		PathRaiz:   req.PathRaiz,
		CreatedAt:  time.Now(),
	}
	if err := s.st.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	s.log.Info("job created", "job_id", job.JobID, "operation", job.Operation)
	if s.wake != nil {
		s.wake.Wake()
	}

	pos, err := s.st.QueuePosition(ctx, job.JobID)
	if err != nil {
		pos = 1
	}
	if pos == 0 {
		pos = 1
	}

	return &SubmitResponse{
		JobID:         job.JobID,
		Status:        job.Status,
		Operation:     job.Operation,
		IDRoteiro:     job.IDRoteiro,
		Message:       "job accepted",
		EstimatedTime: estimatedTime(job.Operation),
		QueuePosition: pos,
		StatusURL:     fmt.Sprintf(s.statusURL, job.JobID.String()),
		CreatedAt:     job.CreatedAt,
	}, nil
}

type Progress struct {
	CompletedSubjobs int     `json:"completedSubjobs"`
	TotalSubjobs     int     `json:"totalSubjobs"`
	Percentage       float64 `json:"percentage"`
}

type StatusResponse struct {
	JobID       uuid.UUID        `json:"jobId"`
	Operation   domain.Operation `json:"operation"`
	Status      domain.Status    `json:"status"`
	Progress    *Progress        `json:"progress,omitempty"`
	Result      []byte           `json:"result,omitempty"`
	Error       *domain.JobError `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	SubmittedAt *time.Time       `json:"submittedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// GetJobStatus answers a status query, including the
// in-flight progress estimate for split jobs: progress is only reported
// while PROCESSING. Since the store does not record per-sub-job status,
// it polls the external dispatcher for each of the job's external ids
// and counts those reporting COMPLETED, out of the total number of
// external ids. Without a configured dispatcher only the total is
// reported.
func (s *Service) GetJobStatus(ctx context.Context, jobID uuid.UUID, dispatcher external.Router) (*StatusResponse, error) {
	job, err := s.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	resp := &StatusResponse{
		JobID:       job.JobID,
		Operation:   job.Operation,
		Status:      job.Status,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		SubmittedAt: job.SubmittedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == domain.StatusProcessing && len(job.ExternalIDs) > 0 {
		resp.Progress = s.computeProgress(ctx, job, dispatcher)
	}
	return resp, nil
}

func (s *Service) computeProgress(ctx context.Context, job *domain.Job, dispatcher external.Router) *Progress {
	total := len(job.ExternalIDs)
	if total == 0 {
		return nil
	}
	if dispatcher.GPU == nil && dispatcher.CPU == nil {
		return &Progress{TotalSubjobs: total}
	}
	d := dispatcher.For(job.Operation)
	completed := 0
	for _, id := range job.ExternalIDs {
		pollCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		res, err := d.Status(pollCtx, id)
		cancel()
		if err == nil && res.Status == external.SubStatusCompleted {
			completed++
		}
	}
	pct := float64(completed) / float64(total) * 100
	return &Progress{CompletedSubjobs: completed, TotalSubjobs: total, Percentage: pct}
}

type CancelResponse struct {
	JobID   uuid.UUID `json:"jobId"`
	Message string    `json:"message"`
}

// ErrAlreadyTerminal is returned by CancelJob for an already-terminal
// job.
var ErrAlreadyTerminal = fmt.Errorf("job: already in a terminal state")

// CancelJob cancels a non-terminal job. A client-initiated
// cancellation never triggers a webhook; that channel is reserved for
// externally-driven terminal events.
func (s *Service) CancelJob(ctx context.Context, jobID uuid.UUID, dispatcher external.Router) (*CancelResponse, error) {
	job, err := s.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}

	wasReserved := job.WorkersReserved
	if job.Status == domain.StatusSubmitted || job.Status == domain.StatusProcessing {
		d := dispatcher.For(job.Operation)
		for _, id := range job.ExternalIDs {
			cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = d.Cancel(cancelCtx, id) // best-effort; may race with completion
			cancel()
		}
	}

	// For a QUEUED job the store drops the id from the pending queue as
	// part of the CANCELLED transition.
	now := time.Now()
	updated, err := s.st.UpdateJob(ctx, jobID, domain.Patch{
		Status:          pointers.Ptr(domain.StatusCancelled),
		CompletedAt:     &now,
		WorkersReserved: pointers.Int(0),
	})
	if err != nil {
		// Lost the race against finalization (e.g. Worker Monitor just
		// completed the job): terminal states are absorbing, report the
		// job as already terminal rather than erroring oddly.
		return nil, ErrAlreadyTerminal
	}
	if wasReserved > 0 {
		if err := s.st.ReleaseWorkers(ctx, wasReserved); err != nil {
			s.log.Error("cancel: failed to release workers", "job_id", jobID, "error", err)
		}
		if s.wake != nil {
			s.wake.Wake()
		}
	}
	s.log.Info("job cancelled", "job_id", jobID)
	return &CancelResponse{JobID: updated.JobID, Message: "job cancelled"}, nil
}

func (s *Service) GetQueueStats(ctx context.Context) (domain.QueueStats, error) {
	return s.st.GetQueueStats(ctx)
}

// RecoverWorkers exposes recoverLeakedWorkers for the admin endpoint.
func (s *Service) RecoverWorkers(ctx context.Context) (int, error) {
	n, err := s.st.RecoverLeakedWorkers(ctx)
	if err == nil && n > 0 && s.wake != nil {
		s.wake.Wake()
	}
	return n, err
}

// WorkerStatusEntry is one row of the admin diagnostic snapshot
// behind GET /admin/workers/status.
type WorkerStatusEntry struct {
	JobID           uuid.UUID     `json:"jobId"`
	Operation       domain.Operation `json:"operation"`
	Status          domain.Status `json:"status"`
	WorkersReserved int           `json:"workersReserved"`
	ExternalIDs     []string      `json:"externalIds"`
	AgeSeconds      float64       `json:"ageSeconds"`
}

// AdminWorkerStatus lists every non-terminal job with its reservation
// and age, richer than the aggregate counters GetQueueStats returns.
func (s *Service) AdminWorkerStatus(ctx context.Context) ([]WorkerStatusEntry, error) {
	var out []WorkerStatusEntry
	for _, status := range []domain.Status{domain.StatusQueued, domain.StatusSubmitted, domain.StatusProcessing} {
		ids, err := s.st.ListByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			job, err := s.st.GetJob(ctx, id)
			if err != nil {
				continue
			}
			out = append(out, WorkerStatusEntry{
				JobID:           job.JobID,
				Operation:       job.Operation,
				Status:          job.Status,
				WorkersReserved: job.WorkersReserved,
				ExternalIDs:     job.ExternalIDs,
				AgeSeconds:      time.Since(job.CreatedAt).Seconds(),
			})
		}
	}
	return out, nil
}

// ResumePendingWebhooks re-enqueues for dispatch any job that is
// terminal but has not recorded a successful delivery. Called once at
// startup after the store is constructed.
func (s *Service) ResumePendingWebhooks(ctx context.Context) (int, error) {
	if s.webhooks == nil {
		return 0, nil
	}
	resumed := 0
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		ids, err := s.st.ListByStatus(ctx, status)
		if err != nil {
			return resumed, err
		}
		for _, id := range ids {
			job, err := s.st.GetJob(ctx, id)
			if err != nil || job.WebhookSent || job.WebhookURL == "" {
				continue
			}
			s.webhooks.Dispatch(job.JobID, job.WebhookURL, webhook.PayloadFor(job))
			resumed++
		}
	}
	return resumed, nil
}

// estimatedTime gives a rough heuristic string per operation.
// These are intentionally coarse — real durations vary with payload
// size and are not tracked precisely by the core.
func estimatedTime(op domain.Operation) string {
	switch op {
	case domain.OperationImageToVideo, domain.OperationImageToVideoCPU:
		return "~3 minutes"
	case domain.OperationSubtitleBurn, domain.OperationSubtitleBurnCPU,
		domain.OperationSubtitleBurnStyled, domain.OperationSubtitleBurnStyledCPU:
		return "~1 minute"
	case domain.OperationAddAudio, domain.OperationAddAudioCPU:
		return "~1 minute"
	case domain.OperationAudioVideoCycle, domain.OperationAudioVideoCycleCPU:
		return "~2 minutes"
	case domain.OperationBackgroundMusicMix, domain.OperationBackgroundMusicMixCPU:
		return "~2 minutes"
	default:
		return "~2 minutes"
	}
}
