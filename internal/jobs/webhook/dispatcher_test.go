package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return log
}

func TestDispatcherDeliversOnFirstAttempt(t *testing.T) {
	t.Parallel()
	var hits int32
	var gotSig string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		mu.Lock()
		gotSig = r.Header.Get("X-Webhook-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dlq := NewMemoryDLQStore()
	var resultDelivered bool
	var resultRetries int
	done := make(chan struct{}, 1)
	d := NewDispatcher(testLogger(t), time.Second, 3, []time.Duration{10 * time.Millisecond}, "topsecret", dlq, 1, 4)
	d.OnResult(func(_ uuid.UUID, retryCount int, delivered bool) {
		resultDelivered = delivered
		resultRetries = retryCount
		done <- struct{}{}
	})
	defer d.Shutdown(time.Second)

	d.Dispatch(uuid.New(), srv.URL, Payload{JobID: "job-1", Status: domain.StatusCompleted})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery result")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("got %d POSTs, want 1", hits)
	}
	if !resultDelivered {
		t.Fatal("expected delivered=true")
	}
	if resultRetries != 0 {
		t.Fatalf("retryCount = %d, want 0 on first-attempt success", resultRetries)
	}
	mu.Lock()
	sig := gotSig
	mu.Unlock()
	if sig == "" {
		t.Fatal("expected an HMAC signature header to be set")
	}
}

// TestDispatcherRetriesThenRecordsDLQ: every
// attempt fails, so the dispatcher must exhaust its retry schedule,
// record a DLQ entry, and report delivered=false with the final retry
// count.
func TestDispatcherRetriesThenRecordsDLQ(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dlq := NewMemoryDLQStore()
	done := make(chan struct{}, 1)
	var resultDelivered bool
	var resultRetries int
	d := NewDispatcher(testLogger(t), time.Second, 3, []time.Duration{5 * time.Millisecond, 5 * time.Millisecond}, "", dlq, 1, 4)
	d.OnResult(func(_ uuid.UUID, retryCount int, delivered bool) {
		resultDelivered = delivered
		resultRetries = retryCount
		done <- struct{}{}
	})
	defer d.Shutdown(time.Second)

	jobID := uuid.New()
	d.Dispatch(jobID, srv.URL, Payload{JobID: jobID.String(), Status: domain.StatusFailed})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery result")
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("got %d POSTs, want 3 (maxAttempts)", hits)
	}
	if resultDelivered {
		t.Fatal("expected delivered=false after exhausting retries")
	}
	if resultRetries != 3 {
		t.Fatalf("retryCount = %d, want 3", resultRetries)
	}

	records, err := dlq.List(context.Background(), 1)
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("dlq records = %d, want 1", len(records))
	}
	if records[0].JobID != jobID {
		t.Fatalf("dlq record job id = %s, want %s", records[0].JobID, jobID)
	}
}

func TestDispatcherShutdownDrainsQueuedDeliveries(t *testing.T) {
	t.Parallel()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(testLogger(t), time.Second, 1, nil, "", NewMemoryDLQStore(), 1, 4)
	d.Dispatch(uuid.New(), srv.URL, Payload{JobID: "a"})
	d.Dispatch(uuid.New(), srv.URL, Payload{JobID: "b"})

	if err := d.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("got %d POSTs, want 2 drained before shutdown completed", hits)
	}
}

func TestPayloadForComputesDuration(t *testing.T) {
	t.Parallel()
	start := time.Now().Add(-5 * time.Second)
	end := time.Now()
	job := &domain.Job{
		JobID:       uuid.New(),
		Operation:   domain.OperationAddAudio,
		Status:      domain.StatusCompleted,
		SubmittedAt: &start,
		CompletedAt: &end,
		Result:      json.RawMessage(`{"videos":[]}`),
	}
	p := PayloadFor(job)
	if p.Execution.DurationMS < 4000 || p.Execution.DurationMS > 6000 {
		t.Fatalf("durationMs = %d, want ~5000", p.Execution.DurationMS)
	}
	if p.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", p.Status)
	}
}
