package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
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

type fakeWaker struct{ woken int }

func (w *fakeWaker) Wake() { w.woken++ }

func TestCreateJobRejectsInvalidOperation(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	svc := New(testLogger(t), st, nil, nil, "/jobs/%s")

	_, err := svc.CreateJob(context.Background(), CreateRequest{
		Operation:  "not-a-real-operation",
		Payload:    []byte(`{}`),
		WebhookURL: "https://8.8.8.8/hook",
		Path:       "/tmp/job",
	})
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("got %T (%v), want *ValidationError", err, err)
	}
	if ve.Code != domain.ErrCodeValidation {
		t.Fatalf("code = %s, want %s", ve.Code, domain.ErrCodeValidation)
	}
}

func TestCreateJobRejectsSSRFWebhook(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	svc := New(testLogger(t), st, nil, nil, "/jobs/%s")

	_, err := svc.CreateJob(context.Background(), CreateRequest{
		Operation:  domain.OperationAddAudio,
		Payload:    []byte(`{}`),
		WebhookURL: "http://169.254.169.254/latest/meta-data",
		Path:       "/tmp/job",
	})
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("got %T (%v), want *ValidationError", err, err)
	}
	if ve.Code != domain.ErrCodeSSRFRejected {
		t.Fatalf("code = %s, want %s", ve.Code, domain.ErrCodeSSRFRejected)
	}
}

func TestCreateJobPersistsQueuedAndWakesManager(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	waker := &fakeWaker{}
	svc := New(testLogger(t), st, waker, nil, "/jobs/%s")

	resp, err := svc.CreateJob(context.Background(), CreateRequest{
		Operation:  domain.OperationAddAudio,
		Payload:    []byte(`{}`),
		WebhookURL: "https://8.8.8.8/hook",
		Path:       "/tmp/job",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if resp.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want QUEUED", resp.Status)
	}
	if waker.woken != 1 {
		t.Fatalf("woken = %d, want 1", waker.woken)
	}
	stored, err := st.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if stored.Status != domain.StatusQueued {
		t.Fatalf("persisted status = %s, want QUEUED", stored.Status)
	}
}

func TestGetJobStatusComputesProgressWhileProcessing(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	svc := New(testLogger(t), st, nil, nil, "/jobs/%s")

	j := &domain.Job{
		JobID:     uuid.New(),
		Operation: domain.OperationImageToVideo,
		Status:    domain.StatusQueued,
		CreatedAt: time.Now(),
	}
	if err := st.SaveJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	submitted := domain.StatusSubmitted
	ext := []string{"ext-1", "ext-2"}
	if _, err := st.UpdateJob(context.Background(), j.JobID, domain.Patch{Status: &submitted, ExternalIDs: ext}); err != nil {
		t.Fatal(err)
	}
	processing := domain.StatusProcessing
	if _, err := st.UpdateJob(context.Background(), j.JobID, domain.Patch{Status: &processing}); err != nil {
		t.Fatal(err)
	}

	disp := &statusOnlyDispatcher{statuses: map[string]external.StatusResult{
		"ext-1": {ID: "ext-1", Status: external.SubStatusCompleted},
		"ext-2": {ID: "ext-2", Status: external.SubStatusInProgress},
	}}
	resp, err := svc.GetJobStatus(context.Background(), j.JobID, external.Router{GPU: disp})
	if err != nil {
		t.Fatalf("GetJobStatus: %v", err)
	}
	if resp.Progress == nil {
		t.Fatal("expected a progress snapshot while PROCESSING")
	}
	if resp.Progress.CompletedSubjobs != 1 || resp.Progress.TotalSubjobs != 2 {
		t.Fatalf("progress = %+v, want 1/2", resp.Progress)
	}
	if resp.Progress.Percentage != 50 {
		t.Fatalf("percentage = %v, want 50", resp.Progress.Percentage)
	}
}

func TestCancelJobRejectsAlreadyTerminal(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	svc := New(testLogger(t), st, nil, nil, "/jobs/%s")

	j := &domain.Job{JobID: uuid.New(), Operation: domain.OperationAddAudio, Status: domain.StatusQueued, CreatedAt: time.Now()}
	if err := st.SaveJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	submitted := domain.StatusSubmitted
	if _, err := st.UpdateJob(context.Background(), j.JobID, domain.Patch{Status: &submitted}); err != nil {
		t.Fatal(err)
	}
	completed := domain.StatusCompleted
	now := time.Now()
	if _, err := st.UpdateJob(context.Background(), j.JobID, domain.Patch{Status: &completed, CompletedAt: &now}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.CancelJob(context.Background(), j.JobID, external.Router{})
	if err != ErrAlreadyTerminal {
		t.Fatalf("got %v, want ErrAlreadyTerminal", err)
	}
}

func TestCancelJobReleasesReservedWorkers(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	waker := &fakeWaker{}
	svc := New(testLogger(t), st, waker, nil, "/jobs/%s")

	j := &domain.Job{JobID: uuid.New(), Operation: domain.OperationAddAudio, Status: domain.StatusQueued, CreatedAt: time.Now()}
	if err := st.SaveJob(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	if ok, err := st.ReserveWorkers(context.Background(), 1); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	submitted := domain.StatusSubmitted
	one := 1
	if _, err := st.UpdateJob(context.Background(), j.JobID, domain.Patch{Status: &submitted, WorkersReserved: &one}); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.CancelJob(context.Background(), j.JobID, external.Router{GPU: &statusOnlyDispatcher{}})
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if resp.JobID != j.JobID {
		t.Fatalf("jobId mismatch")
	}
	got, _ := st.GetJob(context.Background(), j.JobID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", got.Status)
	}
	stats, _ := st.GetQueueStats(context.Background())
	if stats.AvailableWorkers != 3 {
		t.Fatalf("availableWorkers = %d, want 3 after cancel releases reservation", stats.AvailableWorkers)
	}
	if waker.woken != 1 {
		t.Fatalf("woken = %d, want 1", waker.woken)
	}
}

// statusOnlyDispatcher is a minimal external.Dispatcher fake used by
// service tests that only exercise Status/Cancel.
type statusOnlyDispatcher struct {
	statuses map[string]external.StatusResult
}

func (d *statusOnlyDispatcher) Submit(context.Context, domain.Operation, json.RawMessage) (string, error) {
	return "", nil
}
func (d *statusOnlyDispatcher) Status(_ context.Context, id string) (external.StatusResult, error) {
	return d.statuses[id], nil
}
func (d *statusOnlyDispatcher) Cancel(context.Context, string) error { return nil }
func (d *statusOnlyDispatcher) Health(context.Context) error        { return nil }
