package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
)

func newQueuedJob() *domain.Job {
	return &domain.Job{
		JobID:     uuid.New(),
		Operation: domain.OperationAddAudio,
		Status:    domain.StatusQueued,
		CreatedAt: time.Now(),
	}
}

func TestMemoryStoreReserveReleaseWorkers(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)
	ctx := context.Background()

	ok, err := s.ReserveWorkers(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("reserve 3/3 should succeed: ok=%v err=%v", ok, err)
	}
	ok, err = s.ReserveWorkers(ctx, 1)
	if err != nil || ok {
		t.Fatalf("reserve beyond budget should fail: ok=%v err=%v", ok, err)
	}
	if err := s.ReleaseWorkers(ctx, 5); err != nil {
		t.Fatalf("release: %v", err)
	}
	stats, _ := s.GetQueueStats(ctx)
	if stats.AvailableWorkers != 3 {
		t.Fatalf("release should saturate at MAX_WORKERS: got %d, want 3", stats.AvailableWorkers)
	}
}

func TestMemoryStoreDequeueIsFIFO(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)
	ctx := context.Background()
	a, b := newQueuedJob(), newQueuedJob()
	if err := s.SaveJob(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveJob(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := s.DequeuePending(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.JobID != a.JobID {
		t.Fatalf("FIFO violated: got %s, want %s", got.JobID, a.JobID)
	}
	got2, err := s.DequeuePending(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got2.JobID != b.JobID {
		t.Fatalf("FIFO violated on second dequeue")
	}
	if _, err := s.DequeuePending(ctx); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestMemoryStoreUpdateJobRejectsInvalidTransition(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)
	ctx := context.Background()
	j := newQueuedJob()
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	completed := domain.StatusCompleted
	if _, err := s.UpdateJob(ctx, j.JobID, domain.Patch{Status: &completed}); err == nil {
		t.Fatalf("expected QUEUED -> COMPLETED to be rejected")
	}
	submitted := domain.StatusSubmitted
	if _, err := s.UpdateJob(ctx, j.JobID, domain.Patch{Status: &submitted}); err != nil {
		t.Fatalf("QUEUED -> SUBMITTED should succeed: %v", err)
	}
}

func TestMemoryStoreRecoverLeakedWorkersIdempotent(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)
	ctx := context.Background()

	// Simulate a crash mid-release: a COMPLETED job still holding 2 reserved workers
	// while only 1 is marked available (crash mid-release).
	j := newQueuedJob()
	submitted := domain.StatusSubmitted
	j.Status = domain.StatusQueued
	if err := s.SaveJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateJob(ctx, j.JobID, domain.Patch{Status: &submitted}); err != nil {
		t.Fatal(err)
	}
	completed := domain.StatusCompleted
	two := 2
	if _, err := s.UpdateJob(ctx, j.JobID, domain.Patch{Status: &completed, WorkersReserved: &two}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReserveWorkers(ctx, 2); err != nil {
		t.Fatal(err)
	}

	recovered, err := s.RecoverLeakedWorkers(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("got %d recovered, want 2", recovered)
	}
	stats, _ := s.GetQueueStats(ctx)
	if stats.AvailableWorkers != 3 {
		t.Fatalf("workersAvailable = %d, want 3", stats.AvailableWorkers)
	}

	recovered2, err := s.RecoverLeakedWorkers(ctx)
	if err != nil {
		t.Fatalf("recover (second call): %v", err)
	}
	if recovered2 != 0 {
		t.Fatalf("second recoverLeakedWorkers call should be a no-op, got %d", recovered2)
	}
}

func TestMemoryStoreCancelledJobLeavesPendingQueue(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)
	ctx := context.Background()
	a, b := newQueuedJob(), newQueuedJob()
	if err := s.SaveJob(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveJob(ctx, b); err != nil {
		t.Fatal(err)
	}

	cancelled := domain.StatusCancelled
	if _, err := s.UpdateJob(ctx, a.JobID, domain.Patch{Status: &cancelled}); err != nil {
		t.Fatalf("cancel queued job: %v", err)
	}

	got, err := s.DequeuePending(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.JobID != b.JobID {
		t.Fatalf("cancelled job still at queue head: got %s, want %s", got.JobID, b.JobID)
	}
	if _, err := s.DequeuePending(ctx); err != ErrNotFound {
		t.Fatalf("pending queue should be empty, got %v", err)
	}
}

func TestMemoryStoreGetJobNotFound(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore(3)
	if _, err := s.GetJob(context.Background(), uuid.New()); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
