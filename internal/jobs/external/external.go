// Package external models the four operations the core consumes from
// whatever service actually executes a job: submit, status,
// cancel, health. The GPU worker and the local CPU worker sit behind
// the same Dispatcher interface — the core never models their wire
// format beyond these four calls.
package external

import (
	"context"
	"encoding/json"

	"github.com/yungbote/mediaforge-backend/internal/domain"
)

type SubStatus string

const (
	SubStatusInQueue    SubStatus = "IN_QUEUE"
	SubStatusInProgress SubStatus = "IN_PROGRESS"
	SubStatusCompleted  SubStatus = "COMPLETED"
	SubStatusFailed     SubStatus = "FAILED"
	SubStatusCancelled  SubStatus = "CANCELLED"
	SubStatusTimedOut   SubStatus = "TIMED_OUT"
)

// Terminal reports whether a sub-job status is absorbing from the
// external service's point of view.
func (s SubStatus) Terminal() bool {
	switch s {
	case SubStatusCompleted, SubStatusFailed, SubStatusCancelled, SubStatusTimedOut:
		return true
	default:
		return false
	}
}

type StatusResult struct {
	ID            string          `json:"id"`
	Status        SubStatus       `json:"status"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	DelayTimeMS   int64           `json:"delayTime,omitempty"`
	ExecutionTime int64           `json:"executionTime,omitempty"`
}

// Dispatcher is the adapter contract implemented separately for the
// GPU worker and the local CPU worker. Routing between them is decided
// by Router.For purely from domain.Operation.IsCPURouted.
type Dispatcher interface {
	Submit(ctx context.Context, op domain.Operation, payload json.RawMessage) (id string, err error)
	Status(ctx context.Context, id string) (StatusResult, error)
	Cancel(ctx context.Context, id string) error
	Health(ctx context.Context) error
}

// Router picks the GPU or CPU dispatcher for an operation.
type Router struct {
	GPU Dispatcher
	CPU Dispatcher
}

func (r Router) For(op domain.Operation) Dispatcher {
	if op.IsCPURouted() && r.CPU != nil {
		return r.CPU
	}
	return r.GPU
}
