/*
Package queue implements the Queue Manager: a perpetual background task
that drives jobs from QUEUED to SUBMITTED. It runs on a fixed
tick and also wakes on demand after each submission or worker release:
a ticker drives the steady-state cadence, a buffered signal channel
collapses bursts of wakeups into a single immediate pass, and every
blocking I/O call (the external Submit) happens outside the store lock.
*/
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/split"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
	"github.com/yungbote/mediaforge-backend/internal/jobs/webhook"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/pkg/pointers"
	"github.com/yungbote/mediaforge-backend/internal/platform/observability"
)

type Manager struct {
	log        *logger.Logger
	st         store.JobStore
	dispatcher external.Router
	webhooks   *webhook.Dispatcher

	tickInterval   time.Duration
	splitMaxChunks int
	splitThreshold int
	submitTimeout  time.Duration

	wake chan struct{}
	stop chan struct{}
}

func NewManager(log *logger.Logger, st store.JobStore, dispatcher external.Router, webhooks *webhook.Dispatcher, tickInterval time.Duration, splitMaxChunks, splitThreshold int, submitTimeout time.Duration) *Manager {
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}
	return &Manager{
		log:            log.With("component", "queue_manager"),
		st:             st,
		dispatcher:     dispatcher,
		webhooks:       webhooks,
		tickInterval:   tickInterval,
		splitMaxChunks: splitMaxChunks,
		splitThreshold: splitThreshold,
		submitTimeout:  submitTimeout,
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
	}
}

// Wake requests an out-of-band tick; non-blocking, safe to call from
// any goroutine (Job Service on submission, Worker Monitor on release).
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) Stop() { close(m.stop) }

func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return nil
		case <-ticker.C:
			m.runTick(ctx)
		case <-m.wake:
			m.runTick(ctx)
		}
	}
}

// runTick runs one admission pass. It loops while
// admission keeps succeeding so a single wakeup can admit every job the
// current worker budget allows, not just one.
func (m *Manager) runTick(ctx context.Context) {
	for {
		admitted, err := m.admitOne(ctx)
		if err != nil {
			m.log.Error("queue manager: tick failed", "error", err)
			return
		}
		if !admitted {
			break
		}
	}
	if stats, err := m.st.GetQueueStats(ctx); err == nil {
		met := observability.Current()
		met.SetQueueDepth("queued", stats.Queued)
		met.SetQueueDepth("submitted", stats.Submitted)
		met.SetQueueDepth("processing", stats.Processing)
		met.SetWorkerBudget(stats.ActiveWorkers+stats.AvailableWorkers, stats.ActiveWorkers)
	}
}

func (m *Manager) admitOne(ctx context.Context) (bool, error) {
	stats, err := m.st.GetQueueStats(ctx)
	if err != nil {
		return false, err
	}
	if stats.AvailableWorkers == 0 {
		return false, nil
	}

	head, err := m.st.PeekPending(ctx)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	needed, err := split.WorkersNeeded(head.Operation, head.Payload, m.splitMaxChunks, m.splitThreshold)
	if err != nil {
		needed = 1
	}
	if needed > stats.AvailableWorkers {
		// Head-of-line blocking by design: a large job
		// at the head must not be skipped over by smaller jobs behind it.
		return false, nil
	}

	dequeued, err := m.st.DequeuePending(ctx)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if dequeued.JobID != head.JobID {
		// Someone else dequeued between our peek and our dequeue; put
		// back what we got and retry on the next tick.
		_ = m.st.RequeueHead(ctx, dequeued.JobID)
		return false, nil
	}
	if dequeued.Status != domain.StatusQueued {
		// Stale pending entry (the store removes cancelled jobs from the
		// pending list, this is belt-and-suspenders): drop it and keep
		// admitting.
		return true, nil
	}

	ok, err := m.st.ReserveWorkers(ctx, needed)
	if err != nil {
		return false, err
	}
	if !ok {
		// Lost the reservation race: re-enqueue at
		// the head and retry later.
		_ = m.st.RequeueHead(ctx, dequeued.JobID)
		return false, nil
	}

	m.submitSafely(ctx, dequeued, needed)
	return true, nil
}

// submitSafely mirrors monitor's reconcileSafely: a panic anywhere in
// the dispatch path (ChunkPayloads, the pluggable dispatcher's Submit)
// must fail only this job, never take down the shared errgroup the
// manager runs under.
func (m *Manager) submitSafely(ctx context.Context, job *domain.Job, needed int) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("queue manager: panic submitting job", "job_id", job.JobID, "panic", r)
			m.fail(ctx, job, needed, domain.ErrCodeSubmission, fmt.Sprintf("panic during submission: %v", r))
		}
	}()
	m.submit(ctx, job, needed)
}

func (m *Manager) submit(ctx context.Context, job *domain.Job, needed int) {
	chunks, err := split.ChunkPayloads(job.Operation, job.Payload, needed)
	if err != nil {
		m.fail(ctx, job, needed, domain.ErrCodeSubmission, err.Error())
		return
	}

	dispatcher := m.dispatcher.For(job.Operation)
	externalIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		submitCtx, cancel := context.WithTimeout(ctx, m.submitTimeout)
		id, err := dispatcher.Submit(submitCtx, job.Operation, chunk)
		cancel()
		if err != nil {
			if len(externalIDs) == 0 {
				m.fail(ctx, job, needed, domain.ErrCodeSubmission, err.Error())
				return
			}
			// Partial submission failure after at least one external id
			// was obtained: still fail the parent (there is no partial
			// retry), but keep the ids we have for diagnostics.
			m.failWithIDs(ctx, job, needed, externalIDs, domain.ErrCodeSubmission, err.Error())
			return
		}
		externalIDs = append(externalIDs, id)
	}

	now := time.Now()
	if _, err := m.st.UpdateJob(ctx, job.JobID, domain.Patch{
		Status:          pointers.Ptr(domain.StatusSubmitted),
		ExternalIDs:     externalIDs,
		WorkersReserved: pointers.Int(needed),
		SubmittedAt:     &now,
		Attempts:        pointers.Int(job.Attempts + 1),
	}); err != nil {
		m.log.Error("queue manager: failed to mark job submitted", "job_id", job.JobID, "error", err)
		return
	}
	observability.Current().ObserveJobSubmitted(string(job.Operation))
	m.log.Info("job submitted", "job_id", job.JobID, "operation", job.Operation, "workers", needed, "external_ids", externalIDs)
}

func (m *Manager) fail(ctx context.Context, job *domain.Job, reserved int, code, message string) {
	m.failWithIDs(ctx, job, reserved, nil, code, message)
}

func (m *Manager) failWithIDs(ctx context.Context, job *domain.Job, reserved int, externalIDs []string, code, message string) {
	now := time.Now()
	jobErr := &domain.JobError{Code: code, Message: message}
	patch := domain.Patch{
		Status:          pointers.Ptr(domain.StatusFailed),
		WorkersReserved: pointers.Int(0),
		CompletedAt:     &now,
		Error:           jobErr,
	}
	if externalIDs != nil {
		patch.ExternalIDs = externalIDs
	}
	updated, err := m.st.UpdateJob(ctx, job.JobID, patch)
	if err != nil {
		// Already terminal (e.g. cancelled meanwhile). The job record
		// never carried this reservation (WorkersReserved is only set
		// together with SUBMITTED), so neither the canceller nor leak
		// recovery released it: release it here.
		m.log.Error("queue manager: failed to mark job failed", "job_id", job.JobID, "error", err)
		if err := m.st.ReleaseWorkers(ctx, reserved); err != nil {
			m.log.Error("queue manager: failed to release workers after submission failure", "job_id", job.JobID, "error", err)
		}
		m.Wake()
		return
	}
	if err := m.st.ReleaseWorkers(ctx, reserved); err != nil {
		m.log.Error("queue manager: failed to release workers after submission failure", "job_id", job.JobID, "error", err)
	}
	m.log.Warn("job submission failed", "job_id", job.JobID, "code", code, "message", message)
	m.enqueueWebhook(updated)
	m.Wake()
}

func (m *Manager) enqueueWebhook(job *domain.Job) {
	if job.WebhookURL == "" || m.webhooks == nil {
		return
	}
	m.webhooks.Dispatch(job.JobID, job.WebhookURL, webhook.PayloadFor(job))
}
