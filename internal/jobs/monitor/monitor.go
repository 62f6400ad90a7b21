/*
Package monitor implements the Worker Monitor: a perpetual background
task reconciling external worker state into the Job Store. It runs a
ticking poll loop and a slower secondary ticker for leak recovery,
catches panics per job so one bad sub-job never stops the loop, and
never holds the store lock across the external HTTP calls it makes.
*/
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
	"github.com/yungbote/mediaforge-backend/internal/jobs/webhook"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/pkg/pointers"
	"github.com/yungbote/mediaforge-backend/internal/platform/observability"
)

const maxNotFoundTicks = 3

// queueWaker lets the monitor nudge the Queue Manager after releasing
// workers, without importing queue.Manager's full surface.
type queueWaker interface {
	Wake()
}

type Monitor struct {
	log        *logger.Logger
	st         store.JobStore
	dispatcher external.Router
	webhooks   *webhook.Dispatcher
	wake       queueWaker

	pollInterval     time.Duration
	recoveryInterval time.Duration
	executionTimeout time.Duration
	pollTimeout      time.Duration

	stop chan struct{}
}

func NewMonitor(log *logger.Logger, st store.JobStore, dispatcher external.Router, webhooks *webhook.Dispatcher, wake queueWaker, pollInterval, recoveryInterval, executionTimeout, pollTimeout time.Duration) *Monitor {
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Second
	}
	return &Monitor{
		log:              log.With("component", "worker_monitor"),
		st:               st,
		dispatcher:       dispatcher,
		webhooks:         webhooks,
		wake:             wake,
		pollInterval:     pollInterval,
		recoveryInterval: recoveryInterval,
		executionTimeout: executionTimeout,
		pollTimeout:      pollTimeout,
		stop:             make(chan struct{}),
	}
}

func (m *Monitor) Stop() { close(m.stop) }

func (m *Monitor) Run(ctx context.Context) error {
	pollTicker := time.NewTicker(m.pollInterval)
	defer pollTicker.Stop()
	recoveryTicker := time.NewTicker(m.recoveryInterval)
	defer recoveryTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-pollTicker.C:
			m.pollOnce(ctx)
		case <-recoveryTicker.C:
			m.recoverOnce(ctx)
		}
	}
}

func (m *Monitor) pollOnce(ctx context.Context) {
	submitted, err := m.st.ListByStatus(ctx, domain.StatusSubmitted)
	if err != nil {
		m.log.Error("monitor: list submitted failed", "error", err)
		return
	}
	processing, err := m.st.ListByStatus(ctx, domain.StatusProcessing)
	if err != nil {
		m.log.Error("monitor: list processing failed", "error", err)
		return
	}
	ids := append(submitted, processing...)

	for _, jobID := range ids {
		m.reconcileSafely(ctx, jobID)
	}
}

func (m *Monitor) reconcileSafely(ctx context.Context, jobID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("monitor: panic reconciling job", "job_id", jobID, "panic", r)
		}
	}()
	if err := m.reconcile(ctx, jobID); err != nil {
		m.log.Warn("monitor: reconcile failed, retrying next tick", "job_id", jobID, "error", err)
	}
}

func (m *Monitor) reconcile(ctx context.Context, jobID uuid.UUID) error {
	job, err := m.st.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if m.executionTimeout > 0 && job.SubmittedAt != nil && time.Since(*job.SubmittedAt) > m.executionTimeout {
		m.timeoutJob(ctx, job)
		return nil
	}

	dispatcher := m.dispatcher.For(job.Operation)
	results := make([]external.StatusResult, 0, len(job.ExternalIDs))
	anyInProgress := false
	allTerminal := true
	var failedResult *external.StatusResult
	notFoundTicks := copyNotFound(job.NotFoundTicks)

	for _, id := range job.ExternalIDs {
		pollCtx, cancel := context.WithTimeout(ctx, m.pollTimeout)
		res, err := dispatcher.Status(pollCtx, id)
		cancel()
		if err != nil {
			if isNotFound(err) {
				notFoundTicks[id]++
				if notFoundTicks[id] < maxNotFoundTicks {
					allTerminal = false
					continue
				}
				res = external.StatusResult{ID: id, Status: external.SubStatusFailed, Error: "external id not found after retries"}
			} else {
				// transient network/5xx error: skip this id, retry next tick.
				allTerminal = false
				continue
			}
		} else {
			delete(notFoundTicks, id)
		}
		results = append(results, res)
		switch res.Status {
		case external.SubStatusInProgress:
			anyInProgress = true
			allTerminal = false
		case external.SubStatusInQueue:
			allTerminal = false
		case external.SubStatusFailed:
			r := res
			failedResult = &r
		case external.SubStatusCancelled, external.SubStatusTimedOut:
			r := res
			if failedResult == nil {
				failedResult = &r
			}
		case external.SubStatusCompleted:
			// counted toward allTerminal unless another branch said otherwise
		default:
			allTerminal = false
		}
	}

	if len(notFoundTicks) > 0 || len(job.NotFoundTicks) > 0 {
		if _, err := m.st.UpdateJob(ctx, jobID, domain.Patch{NotFoundTicks: notFoundTicks}); err != nil {
			m.log.Warn("monitor: failed to persist not-found tick counters", "job_id", jobID, "error", err)
		}
	}

	if job.Status == domain.StatusSubmitted && anyInProgress {
		if _, err := m.st.UpdateJob(ctx, jobID, domain.Patch{Status: pointers.Ptr(domain.StatusProcessing)}); err != nil {
			return err
		}
	}

	// A failed sub-job only fails the parent once every sibling is
	// terminal; in-flight chunks keep polling until then.
	if failedResult != nil && allTerminal && len(results) == len(job.ExternalIDs) {
		code := domain.ErrCodeProcessing
		msg := failedResult.Error
		if failedResult.Status == external.SubStatusCancelled || failedResult.Status == external.SubStatusTimedOut {
			code = domain.ErrCodeCancelledByExternal
			if msg == "" {
				msg = "external worker reported " + string(failedResult.Status)
			}
		}
		if msg == "" {
			msg = "sub-job failed"
		}
		m.finalize(ctx, job, domain.StatusFailed, nil, &domain.JobError{Code: code, Message: msg})
		return nil
	}

	if allTerminal && len(results) == len(job.ExternalIDs) && len(results) > 0 {
		result, err := aggregateResults(results)
		if err != nil {
			m.finalize(ctx, job, domain.StatusFailed, nil, &domain.JobError{Code: domain.ErrCodeProcessing, Message: err.Error()})
			return nil
		}
		m.finalize(ctx, job, domain.StatusCompleted, result, nil)
		return nil
	}

	return nil
}

func (m *Monitor) timeoutJob(ctx context.Context, job *domain.Job) {
	dispatcher := m.dispatcher.For(job.Operation)
	for _, id := range job.ExternalIDs {
		cancelCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = dispatcher.Cancel(cancelCtx, id) // best-effort, errors ignored
		cancel()
	}
	m.finalize(ctx, job, domain.StatusFailed, nil, &domain.JobError{Code: domain.ErrCodeTimeout, Message: "execution timeout exceeded"})
}

// finalize transitions a job to a terminal state, releases its workers,
// and enqueues its webhook. Regression is impossible here because
// domain.CanTransition enforces the monotonic DAG inside UpdateJob.
func (m *Monitor) finalize(ctx context.Context, job *domain.Job, status domain.Status, result []byte, jobErr *domain.JobError) {
	now := time.Now()
	updated, err := m.st.UpdateJob(ctx, job.JobID, domain.Patch{
		Status:          &status,
		Result:          result,
		Error:           jobErr,
		CompletedAt:     &now,
		WorkersReserved: pointers.Int(0),
	})
	if err != nil {
		m.log.Warn("monitor: failed to finalize job (likely already finalized)", "job_id", job.JobID, "error", err)
		return
	}
	if reserved := job.WorkersReserved; reserved > 0 {
		if err := m.st.ReleaseWorkers(ctx, reserved); err != nil {
			m.log.Error("monitor: failed to release workers", "job_id", job.JobID, "error", err)
		}
		if m.wake != nil {
			m.wake.Wake()
		}
	}
	if job.SubmittedAt != nil {
		observability.Current().ObserveJobTerminal(string(job.Operation), string(status), now.Sub(*job.SubmittedAt))
	}
	m.log.Info("job finalized", "job_id", job.JobID, "status", status)
	m.enqueueWebhook(updated)
}

func (m *Monitor) enqueueWebhook(job *domain.Job) {
	if job.WebhookURL == "" || m.webhooks == nil || job.WebhookSent {
		return
	}
	m.webhooks.Dispatch(job.JobID, job.WebhookURL, webhook.PayloadFor(job))
}

// recoverOnce releases workers leaked by terminal jobs and re-enqueues
// webhooks for any completed or failed job without a recorded successful
// delivery, covering crash recovery and restart resume. Cancelled jobs
// are skipped: a client cancellation never sends a webhook.
func (m *Monitor) recoverOnce(ctx context.Context) {
	recovered, err := m.st.RecoverLeakedWorkers(ctx)
	if err != nil {
		m.log.Error("monitor: recoverLeakedWorkers failed", "error", err)
		return
	}
	if recovered > 0 {
		m.log.Info("recovered leaked workers", "count", recovered)
		if m.wake != nil {
			m.wake.Wake()
		}
	}
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusFailed} {
		ids, err := m.st.ListByStatus(ctx, status)
		if err != nil {
			continue
		}
		for _, id := range ids {
			job, err := m.st.GetJob(ctx, id)
			if err != nil || job.WebhookSent || job.WebhookURL == "" {
				continue
			}
			m.enqueueWebhook(job)
		}
	}
}

// aggregateResults merges sub-job outputs: once every
// external id belonging to a job is terminal, concatenate the
// per-chunk "videos" arrays in the original submission order into one
// JSON array. A chunk whose output omits "videos" contributes nothing;
// a chunk that failed to decode is an aggregation error, since a
// silently dropped chunk would produce a falsely complete result.
func aggregateResults(results []external.StatusResult) ([]byte, error) {
	var videos []json.RawMessage
	for _, res := range results {
		if len(res.Output) == 0 {
			continue
		}
		var chunk struct {
			Videos []json.RawMessage `json:"videos"`
		}
		if err := json.Unmarshal(res.Output, &chunk); err != nil {
			return nil, fmt.Errorf("aggregate results: decode chunk %s: %w", res.ID, err)
		}
		videos = append(videos, chunk.Videos...)
	}
	merged := struct {
		Videos []json.RawMessage `json:"videos"`
	}{Videos: videos}
	return json.Marshal(merged)
}

func copyNotFound(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func isNotFound(err error) bool {
	type statusCoder interface{ HTTPStatusCode() int }
	if sc, ok := err.(statusCoder); ok {
		return sc.HTTPStatusCode() == 404
	}
	return false
}
