package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
)

// fakeDispatcher is a hand-written test double for external.Dispatcher.
type fakeDispatcher struct {
	nextID    int
	submitErr error
	submitted []json.RawMessage
}

func (f *fakeDispatcher) Submit(_ context.Context, _ domain.Operation, payload json.RawMessage) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextID++
	f.submitted = append(f.submitted, payload)
	return fmt.Sprintf("ext-%d", f.nextID), nil
}

func (f *fakeDispatcher) Status(context.Context, string) (external.StatusResult, error) {
	return external.StatusResult{}, nil
}
func (f *fakeDispatcher) Cancel(context.Context, string) error { return nil }
func (f *fakeDispatcher) Health(context.Context) error         { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger init: %v", err)
	}
	return log
}

func mustSaveQueued(t *testing.T, st store.JobStore, op domain.Operation, payload json.RawMessage) *domain.Job {
	t.Helper()
	j := &domain.Job{
		Operation: op,
		Status:    domain.StatusQueued,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	j.JobID = uuid.New()
	if err := st.SaveJob(context.Background(), j); err != nil {
		t.Fatalf("save job: %v", err)
	}
	return j
}

func TestManagerAdmitsSingleWorkerJob(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	disp := &fakeDispatcher{}
	mgr := NewManager(testLogger(t), st, external.Router{GPU: disp}, nil, time.Hour, 3, 50, time.Second)

	job := mustSaveQueued(t, st, domain.OperationAddAudio, []byte(`{}`))
	mgr.runTick(context.Background())

	got, err := st.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want SUBMITTED", got.Status)
	}
	if got.WorkersReserved != 1 {
		t.Fatalf("workersReserved = %d, want 1", got.WorkersReserved)
	}
	if len(got.ExternalIDs) != 1 {
		t.Fatalf("externalIds = %v, want 1 entry", got.ExternalIDs)
	}
	stats, _ := st.GetQueueStats(context.Background())
	if stats.AvailableWorkers != 2 {
		t.Fatalf("availableWorkers = %d, want 2", stats.AvailableWorkers)
	}
}

// TestManagerHeadOfLineBlocking: job A needs all
// 3 workers, job B needs 1 and is queued behind it. A single tick must
// admit only A; B must remain QUEUED until workers free up.
func TestManagerHeadOfLineBlocking(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	disp := &fakeDispatcher{}
	mgr := NewManager(testLogger(t), st, external.Router{GPU: disp}, nil, time.Hour, 3, 50, time.Second)

	images := make([]map[string]string, 200) // > threshold*maxWorkers to force 3 workers
	for i := range images {
		images[i] = map[string]string{"url": "x.png"}
	}
	payloadA, _ := json.Marshal(map[string]any{"images": images})
	jobA := mustSaveQueued(t, st, domain.OperationImageToVideo, payloadA)
	jobB := mustSaveQueued(t, st, domain.OperationAddAudio, []byte(`{}`))

	mgr.runTick(context.Background())

	a, _ := st.GetJob(context.Background(), jobA.JobID)
	b, _ := st.GetJob(context.Background(), jobB.JobID)
	if a.Status != domain.StatusSubmitted {
		t.Fatalf("job A status = %s, want SUBMITTED", a.Status)
	}
	if a.WorkersReserved != 3 {
		t.Fatalf("job A workersReserved = %d, want 3", a.WorkersReserved)
	}
	if b.Status != domain.StatusQueued {
		t.Fatalf("job B status = %s, want QUEUED (head-of-line blocked)", b.Status)
	}

	// Releasing A's workers should let B admit on the next tick.
	if err := st.ReleaseWorkers(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	mgr.runTick(context.Background())
	b2, _ := st.GetJob(context.Background(), jobB.JobID)
	if b2.Status != domain.StatusSubmitted {
		t.Fatalf("job B status after release = %s, want SUBMITTED", b2.Status)
	}
}

// panickyDispatcher blows up on Submit; the manager must contain the
// panic, fail only that job, and release its reservation.
type panickyDispatcher struct{}

func (panickyDispatcher) Submit(context.Context, domain.Operation, json.RawMessage) (string, error) {
	panic("dispatcher exploded")
}
func (panickyDispatcher) Status(context.Context, string) (external.StatusResult, error) {
	return external.StatusResult{}, nil
}
func (panickyDispatcher) Cancel(context.Context, string) error { return nil }
func (panickyDispatcher) Health(context.Context) error         { return nil }

func TestManagerPanicDuringSubmitFailsOnlyThatJob(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	mgr := NewManager(testLogger(t), st, external.Router{GPU: panickyDispatcher{}}, nil, time.Hour, 3, 50, time.Second)

	job := mustSaveQueued(t, st, domain.OperationAddAudio, []byte(`{}`))
	mgr.runTick(context.Background())

	got, err := st.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error == nil || got.Error.Code != domain.ErrCodeSubmission {
		t.Fatalf("error = %+v, want SUBMISSION_ERROR", got.Error)
	}
	stats, _ := st.GetQueueStats(context.Background())
	if stats.AvailableWorkers != 3 {
		t.Fatalf("availableWorkers = %d, want 3 (released after panic)", stats.AvailableWorkers)
	}
}

func TestManagerSubmissionFailureReleasesWorkersAndFails(t *testing.T) {
	t.Parallel()
	st := store.NewMemoryStore(3)
	disp := &fakeDispatcher{submitErr: fmt.Errorf("external worker unreachable")}
	mgr := NewManager(testLogger(t), st, external.Router{GPU: disp}, nil, time.Hour, 3, 50, time.Second)

	job := mustSaveQueued(t, st, domain.OperationAddAudio, []byte(`{}`))
	mgr.runTick(context.Background())

	got, err := st.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.Error == nil || got.Error.Code != domain.ErrCodeSubmission {
		t.Fatalf("error = %+v, want SUBMISSION_ERROR", got.Error)
	}
	stats, _ := st.GetQueueStats(context.Background())
	if stats.AvailableWorkers != 3 {
		t.Fatalf("availableWorkers = %d, want 3 (released)", stats.AvailableWorkers)
	}
}
