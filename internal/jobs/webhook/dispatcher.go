// Package webhook delivers exactly one terminal notification per job,
// with SSRF filtering at submission time, a bounded retry
// schedule, optional HMAC signing, and a dead-letter queue for deliveries
// that exhaust every attempt. Delivery runs on a buffered job channel
// drained by a fixed pool of workers, with a cooperative Shutdown that
// drains in-flight sends before returning.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/pkg/httpx"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/platform/observability"
)

// Payload is the JSON body POSTed to webhookUrl.
type Payload struct {
	JobID     string           `json:"jobId"`
	IDRoteiro *int             `json:"idRoteiro,omitempty"`
	PathRaiz  *string          `json:"pathRaiz,omitempty"`
	Operation domain.Operation `json:"operation"`
	Status    domain.Status    `json:"status"`
	Timestamp string           `json:"timestamp"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     *domain.JobError `json:"error,omitempty"`
	Execution Execution        `json:"execution"`
}

type Execution struct {
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	DurationMS      int64   `json:"durationMs"`
	DurationSeconds float64 `json:"durationSeconds"`
}

// PayloadFor builds the webhook payload for a terminal job:
// start = submittedAt, end = completedAt.
func PayloadFor(job *domain.Job) Payload {
	var start, end time.Time
	if job.SubmittedAt != nil {
		start = *job.SubmittedAt
	} else {
		start = job.CreatedAt
	}
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	} else {
		end = time.Now()
	}
	dur := end.Sub(start)
	return Payload{
		JobID:     job.JobID.String(),
		IDRoteiro: job.IDRoteiro,
		PathRaiz:  job.PathRaiz,
		Operation: job.Operation,
		Status:    job.Status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Result:    job.Result,
		Error:     job.Error,
		Execution: Execution{
			StartTime:       start.UTC().Format(time.RFC3339),
			EndTime:         end.UTC().Format(time.RFC3339),
			DurationMS:      dur.Milliseconds(),
			DurationSeconds: dur.Seconds(),
		},
	}
}

type job struct {
	jobID   uuid.UUID
	url     string
	payload Payload
}

// DLQ persists webhook deliveries that exhausted every retry attempt.
// Count exists so an operator restarting the process can see how many
// past deliveries never got through.
type DLQ interface {
	Record(ctx context.Context, jobID uuid.UUID, url string, payload Payload, lastErr string) error
	Count(ctx context.Context) (int64, error)
}

type Dispatcher struct {
	log         *logger.Logger
	httpClient  *http.Client
	queue       chan job
	wg          sync.WaitGroup
	secret      string
	maxAttempts int
	retryDelays []time.Duration
	dlq         DLQ

	onResult func(jobID uuid.UUID, retryCount int, delivered bool)

	closeOnce sync.Once
	closed    chan struct{}
}

func NewDispatcher(log *logger.Logger, timeout time.Duration, maxAttempts int, retryDelays []time.Duration, secret string, dlq DLQ, workerCount, queueSize int) *Dispatcher {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		log:         log,
		httpClient:  &http.Client{Timeout: timeout},
		queue:       make(chan job, queueSize),
		secret:      secret,
		maxAttempts: maxAttempts,
		retryDelays: retryDelays,
		dlq:         dlq,
		closed:      make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return d
}

// OnResult registers a callback invoked after each delivery attempt
// series completes (success or DLQ), so the caller can persist
// retryCount onto the job record; retry state lives on the job so a
// restart can resume delivery.
func (d *Dispatcher) OnResult(fn func(jobID uuid.UUID, retryCount int, delivered bool)) {
	d.onResult = fn
}

// Dispatch enqueues a webhook delivery. Non-blocking unless the queue is
// full, in which case it blocks until a worker takes a queued delivery
// or the dispatcher shuts down — callers (the Worker Monitor)
// must not hold the store lock while calling this.
func (d *Dispatcher) Dispatch(jobID uuid.UUID, url string, payload Payload) {
	select {
	case d.queue <- job{jobID: jobID, url: url, payload: payload}:
	case <-d.closed:
	}
}

func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.closeOnce.Do(func() { close(d.closed) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("webhook dispatcher: shutdown timed out after %s", timeout)
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for {
		select {
		case j, ok := <-d.queue:
			if !ok {
				return
			}
			d.sendWithRetry(j)
		case <-d.closed:
			// Drain whatever is already queued before exiting so a
			// shutdown does not silently drop terminal notifications.
			for {
				select {
				case j, ok := <-d.queue:
					if !ok {
						return
					}
					d.sendWithRetry(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) sendWithRetry(j job) {
	body, err := json.Marshal(j.payload)
	if err != nil {
		if d.log != nil {
			d.log.Error("webhook: failed to marshal payload", "job_id", j.jobID, "error", err)
		}
		return
	}

	start := time.Now()
	var lastErr error
	attempts := d.maxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		err := d.attempt(j.url, body)
		if err == nil {
			if d.log != nil {
				d.log.Info("webhook delivered", "job_id", j.jobID, "attempt", attempt)
			}
			observability.Current().ObserveWebhookDelivery("delivered", time.Since(start))
			if d.onResult != nil {
				d.onResult(j.jobID, attempt-1, true)
			}
			return
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		delay := d.delayFor(attempt)
		if d.log != nil {
			d.log.Warn("webhook delivery failed, retrying", "job_id", j.jobID, "attempt", attempt, "error", err, "delay", delay)
		}
		time.Sleep(delay)
	}

	if d.log != nil {
		d.log.Error("webhook delivery exhausted retries", "job_id", j.jobID, "error", lastErr)
	}
	if d.dlq != nil {
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		if err := d.dlq.Record(context.Background(), j.jobID, j.url, j.payload, msg); err != nil && d.log != nil {
			d.log.Error("webhook: failed to record dlq entry", "job_id", j.jobID, "error", err)
		}
	}
	observability.Current().ObserveWebhookDelivery("dlq", time.Since(start))
	if d.onResult != nil {
		d.onResult(j.jobID, attempts, false)
	}
}

func (d *Dispatcher) delayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(d.retryDelays) {
		idx = len(d.retryDelays) - 1
	}
	if idx < 0 {
		return time.Second
	}
	return httpx.JitterSleep(d.retryDelays[idx])
}

func (d *Dispatcher) attempt(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(d.secret, body))
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode}
	}
	return nil
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string      { return fmt.Sprintf("webhook endpoint returned %d", e.code) }
func (e *httpStatusError) HTTPStatusCode() int { return e.code }

// sign computes a deterministic HMAC-SHA256 over the canonical JSON
// body. The format only needs to be deterministic so receivers can
// recompute it.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
