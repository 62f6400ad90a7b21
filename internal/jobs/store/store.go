// Package store implements the Job Store: the single contract through
// which every other component touches job state. Two implementations
// exist behind this interface — an in-memory variant for development
// and a Redis-backed durable variant for production.
package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/mediaforge-backend/internal/domain"
	pkgerrors "github.com/yungbote/mediaforge-backend/internal/pkg/errors"
)

// ErrNotFound wraps the package-wide not-found sentinel so callers can
// match on either the specific job-store error or the generic one.
var ErrNotFound = fmt.Errorf("job: %w", pkgerrors.ErrNotFound)

// JobStore is the narrow, atomic interface every background component
// depends on. Implementations must make every method linearizable with
// respect to every other method.
type JobStore interface {
	SaveJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error)
	UpdateJob(ctx context.Context, jobID uuid.UUID, patch domain.Patch) (*domain.Job, error)
	PeekPending(ctx context.Context) (*domain.Job, error)
	DequeuePending(ctx context.Context) (*domain.Job, error)
	RequeueHead(ctx context.Context, jobID uuid.UUID) error
	ReserveWorkers(ctx context.Context, n int) (bool, error)
	ReleaseWorkers(ctx context.Context, n int) error
	ListByStatus(ctx context.Context, status domain.Status) ([]uuid.UUID, error)
	GetQueueStats(ctx context.Context) (domain.QueueStats, error)
	RecoverLeakedWorkers(ctx context.Context) (int, error)
	QueuePosition(ctx context.Context, jobID uuid.UUID) (int, error)
}
