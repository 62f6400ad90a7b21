package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Operation is the closed tag set a job may be submitted under. Each
// "_cpu" suffixed variant is routed to the local CPU worker instead of
// the external GPU service; semantics are otherwise identical to its
// unsuffixed counterpart.
type Operation string

const (
	OperationImageToVideo       Operation = "image_to_video"
	OperationSubtitleBurn       Operation = "subtitle_burn"
	OperationSubtitleBurnStyled Operation = "subtitle_burn_styled"
	OperationAddAudio           Operation = "add_audio"
	OperationAudioVideoCycle    Operation = "audio_video_cycle"
	OperationBackgroundMusicMix Operation = "background_music_mix"

	OperationImageToVideoCPU       Operation = "image_to_video_cpu"
	OperationSubtitleBurnCPU       Operation = "subtitle_burn_cpu"
	OperationSubtitleBurnStyledCPU Operation = "subtitle_burn_styled_cpu"
	OperationAddAudioCPU           Operation = "add_audio_cpu"
	OperationAudioVideoCycleCPU    Operation = "audio_video_cycle_cpu"
	OperationBackgroundMusicMixCPU Operation = "background_music_mix_cpu"
)

// IsCPURouted reports whether the operation is a local-CPU routing variant.
func (o Operation) IsCPURouted() bool {
	switch o {
	case OperationImageToVideoCPU, OperationSubtitleBurnCPU, OperationSubtitleBurnStyledCPU,
		OperationAddAudioCPU, OperationAudioVideoCycleCPU, OperationBackgroundMusicMixCPU:
		return true
	default:
		return false
	}
}

// Splittable reports whether this operation is subject to the
// workers-needed split policy. Only image-to-video jobs
// split; every other operation always reserves a single worker.
func (o Operation) Splittable() bool {
	return o == OperationImageToVideo || o == OperationImageToVideoCPU
}

func (o Operation) Valid() bool {
	switch o {
	case OperationImageToVideo, OperationSubtitleBurn, OperationSubtitleBurnStyled,
		OperationAddAudio, OperationAudioVideoCycle, OperationBackgroundMusicMix,
		OperationImageToVideoCPU, OperationSubtitleBurnCPU, OperationSubtitleBurnStyledCPU,
		OperationAddAudioCPU, OperationAudioVideoCycleCPU, OperationBackgroundMusicMixCPU:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusSubmitted  Status = "SUBMITTED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// rank gives each non-terminal status its position in the DAG for the
// one-step-forward check on the happy path.
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusSubmitted:  1,
	StatusProcessing: 2,
}

// CanTransition reports whether moving from `from` to `to` respects
// the status DAG. The happy path advances one step at a time
// (QUEUED -> SUBMITTED -> PROCESSING); CANCELLED and FAILED are
// reachable from any non-terminal state (client cancel, submission
// error, timeout), while COMPLETED requires the job to have actually
// been handed to a worker.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled, StatusFailed:
		return true
	case StatusCompleted:
		return from == StatusSubmitted || from == StatusProcessing
	}
	fr, ok1 := statusRank[from]
	tr, ok2 := statusRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr == fr+1
}

// Error kinds carried in a terminal job's Error field and echoed into the
// webhook payload.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeSSRFRejected         = "SSRF_REJECTED"
	ErrCodeSubmission           = "SUBMISSION_ERROR"
	ErrCodeProcessing           = "PROCESSING_ERROR"
	ErrCodeCancelledByExternal  = "CANCELLED_BY_EXTERNAL"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeWebhookUndeliverable = "WEBHOOK_UNDELIVERABLE"
)

// JobError is the {code, message, details?} shape carried on failed
// jobs and echoed into webhooks.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Job is the unit of work tracked by the Job Store.
type Job struct {
	JobID           uuid.UUID       `json:"jobId"`
	Operation       Operation       `json:"operation"`
	Status          Status          `json:"status"`
	Payload         json.RawMessage `json:"payload"`
	WebhookURL      string          `json:"webhookUrl"`
	ExternalIDs     []string        `json:"externalIds"`
	WorkersReserved int             `json:"workersReserved"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           *JobError       `json:"error,omitempty"`
	IDRoteiro       *int            `json:"idRoteiro,omitempty"`
	PathRaiz        *string         `json:"pathRaiz,omitempty"`
	Path            string          `json:"path"`

	CreatedAt   time.Time  `json:"createdAt"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Attempts      int            `json:"attempts"`
	RetryCount    int            `json:"retryCount"`
	WebhookSent   bool           `json:"webhookSent"`
	NotFoundTicks map[string]int `json:"notFoundTicks,omitempty"`
}

// Patch carries the mutable-field subset updateJob applies. Nil fields
// are left untouched.
type Patch struct {
	Status          *Status
	ExternalIDs     []string
	WorkersReserved *int
	Result          json.RawMessage
	Error           *JobError
	SubmittedAt     *time.Time
	CompletedAt     *time.Time
	Attempts        *int
	RetryCount      *int
	WebhookSent     *bool
	NotFoundTicks   map[string]int
}

// QueueStats is the snapshot returned by getQueueStats.
type QueueStats struct {
	Queued           int `json:"queued"`
	Submitted        int `json:"submitted"`
	Processing       int `json:"processing"`
	Completed        int `json:"completed"`
	Failed           int `json:"failed"`
	Cancelled        int `json:"cancelled"`
	ActiveWorkers    int `json:"activeWorkers"`
	AvailableWorkers int `json:"availableWorkers"`
}
