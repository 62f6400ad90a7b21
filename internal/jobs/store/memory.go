package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
)

/*
MemoryStore is the single-process JobStore backend: a mutex-protected
map plus a pending-queue slice. It is intended for development and for
STORE_BACKEND=memory deployments; it does not survive a restart.

Every exported method takes the lock for its entire body and never
performs I/O while holding it, matching the store's concurrency
contract and the broader shared-resource policy:
HTTP calls to the external worker and webhook deliveries never happen
inside a JobStore method.
*/
type MemoryStore struct {
	mu sync.Mutex

	maxWorkers       int
	workersAvailable int

	jobs    map[uuid.UUID]*domain.Job
	pending []uuid.UUID
	order   []uuid.UUID // insertion order, for ListByStatus determinism in tests
}

func NewMemoryStore(maxWorkers int) *MemoryStore {
	return &MemoryStore{
		maxWorkers:       maxWorkers,
		workersAvailable: maxWorkers,
		jobs:             make(map[uuid.UUID]*domain.Job),
	}
}

func (s *MemoryStore) SaveJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.jobs[job.JobID]
	cp := *job
	s.jobs[job.JobID] = &cp
	if !existed {
		s.order = append(s.order, job.JobID)
		if job.Status == domain.StatusQueued {
			s.pending = append(s.pending, job.JobID)
		}
	}
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID uuid.UUID) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, jobID uuid.UUID, patch domain.Patch) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Status != nil {
		if !domain.CanTransition(j.Status, *patch.Status) {
			return nil, errInvalidTransition(j.Status, *patch.Status)
		}
		// A job leaving QUEUED other than via DequeuePending (i.e. a
		// client cancellation) must not linger in the pending list, or a
		// later tick would dequeue and submit a terminal job.
		if j.Status == domain.StatusQueued {
			s.removePending(jobID)
		}
		j.Status = *patch.Status
	}
	if patch.ExternalIDs != nil {
		j.ExternalIDs = patch.ExternalIDs
	}
	if patch.WorkersReserved != nil {
		j.WorkersReserved = *patch.WorkersReserved
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	if patch.Error != nil {
		j.Error = patch.Error
	}
	if patch.SubmittedAt != nil {
		j.SubmittedAt = patch.SubmittedAt
	}
	if patch.CompletedAt != nil {
		j.CompletedAt = patch.CompletedAt
	}
	if patch.Attempts != nil {
		j.Attempts = *patch.Attempts
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.WebhookSent != nil {
		j.WebhookSent = *patch.WebhookSent
	}
	if patch.NotFoundTicks != nil {
		j.NotFoundTicks = patch.NotFoundTicks
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) removePending(jobID uuid.UUID) {
	for i, id := range s.pending {
		if id == jobID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) PeekPending(_ context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, ErrNotFound
	}
	j, ok := s.jobs[s.pending[0]]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) DequeuePending(_ context.Context) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, ErrNotFound
	}
	id := s.pending[0]
	s.pending = s.pending[1:]
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

// RequeueHead puts jobID back at the front of the pending queue. Used
// when a reservation race loses after DequeuePending.
func (s *MemoryStore) RequeueHead(_ context.Context, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	s.pending = append([]uuid.UUID{jobID}, s.pending...)
	return nil
}

func (s *MemoryStore) ReserveWorkers(_ context.Context, n int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 {
		return true, nil
	}
	if s.workersAvailable < n {
		return false, nil
	}
	s.workersAvailable -= n
	return true, nil
}

func (s *MemoryStore) ReleaseWorkers(_ context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workersAvailable += n
	if s.workersAvailable > s.maxWorkers {
		s.workersAvailable = s.maxWorkers
	}
	return nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status domain.Status) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uuid.UUID
	for _, id := range s.order {
		if j, ok := s.jobs[id]; ok && j.Status == status {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetQueueStats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.QueueStats{AvailableWorkers: s.workersAvailable}
	for _, j := range s.jobs {
		switch j.Status {
		case domain.StatusQueued:
			stats.Queued++
		case domain.StatusSubmitted:
			stats.Submitted++
			stats.ActiveWorkers += j.WorkersReserved
		case domain.StatusProcessing:
			stats.Processing++
			stats.ActiveWorkers += j.WorkersReserved
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (s *MemoryStore) RecoverLeakedWorkers(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovered := 0
	for _, j := range s.jobs {
		if j.Status.Terminal() && j.WorkersReserved > 0 {
			recovered += j.WorkersReserved
			s.workersAvailable += j.WorkersReserved
			j.WorkersReserved = 0
		}
	}
	if s.workersAvailable > s.maxWorkers {
		s.workersAvailable = s.maxWorkers
	}
	return recovered, nil
}

func (s *MemoryStore) QueuePosition(_ context.Context, jobID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range s.pending {
		if id == jobID {
			return i + 1, nil
		}
	}
	return 0, nil
}

type transitionError struct {
	from, to domain.Status
}

func (e *transitionError) Error() string {
	return "store: invalid status transition " + string(e.from) + " -> " + string(e.to)
}

func errInvalidTransition(from, to domain.Status) error {
	return &transitionError{from: from, to: to}
}
