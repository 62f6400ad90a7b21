package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/mediaforge-backend/internal/domain"
)

/*
RedisStore is the durable-kv JobStore backend (STORE_BACKEND=durable-kv),
using four keyspaces under the common prefix "jobs:":

  - queue:pending    — list of job ids in submission order (RPUSH on
                        enqueue, LPOP on dequeue, LPUSH to requeue at
                        the head).
  - queue:inprogress — set of job ids with status in {SUBMITTED, PROCESSING}.
  - job:{jobId}       — JSON-serialized Job, TTL applied on terminal
                        transition.
  - workers:available — integer counter, changed only inside a WATCH
                        transaction (DECRBY to reserve, SET of the
                        saturated sum to release) so ReserveWorkers
                        never goes negative under races.

The client is constructed with NewClient + Options{Addr} and pinged
once on startup so a bad address fails fast.
*/
type RedisStore struct {
	rdb        *goredis.Client
	maxWorkers int
	jobTTL     time.Duration
	prefix     string
}

func NewRedisStore(ctx context.Context, addr string, maxWorkers int, jobTTL time.Duration) (*RedisStore, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	s := &RedisStore{rdb: rdb, maxWorkers: maxWorkers, jobTTL: jobTTL, prefix: "jobs"}
	// workers:available initialized once; NX so restarts don't reset an
	// in-flight counter back to MAX_WORKERS.
	s.rdb.SetNX(ctx, s.key("workers:available"), maxWorkers, 0)
	return s, nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func (s *RedisStore) key(name string) string { return s.prefix + ":" + name }
func (s *RedisStore) jobKey(id uuid.UUID) string {
	return s.prefix + ":job:" + id.String()
}

func (s *RedisStore) SaveJob(ctx context.Context, job *domain.Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, getErr := s.GetJob(ctx, job.JobID)
	notPreviouslyIndexed := getErr == ErrNotFound
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.jobKey(job.JobID), b, 0)
	if notPreviouslyIndexed && job.Status == domain.StatusQueued {
		pipe.RPush(ctx, s.key("queue:pending"), job.JobID.String())
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	b, err := s.rdb.Get(ctx, s.jobKey(jobID)).Bytes()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var j domain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, jobID uuid.UUID, patch domain.Patch) (*domain.Job, error) {
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		if !domain.CanTransition(j.Status, *patch.Status) {
			return nil, errInvalidTransition(j.Status, *patch.Status)
		}
		// A job cancelled while QUEUED must also leave queue:pending, or
		// a later dequeue would try to submit a terminal job.
		if j.Status == domain.StatusQueued {
			s.rdb.LRem(ctx, s.key("queue:pending"), 0, jobID.String())
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
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	if err := s.rdb.Set(ctx, s.jobKey(jobID), b, 0).Err(); err != nil {
		return nil, err
	}
	if j.Status.Terminal() && s.jobTTL > 0 {
		s.rdb.Expire(ctx, s.jobKey(jobID), s.jobTTL)
		s.rdb.SRem(ctx, s.key("queue:inprogress"), jobID.String())
	} else if j.Status == domain.StatusSubmitted || j.Status == domain.StatusProcessing {
		s.rdb.SAdd(ctx, s.key("queue:inprogress"), jobID.String())
	}
	return j, nil
}

func (s *RedisStore) PeekPending(ctx context.Context) (*domain.Job, error) {
	idStr, err := s.rdb.LIndex(ctx, s.key("queue:pending"), 0).Result()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *RedisStore) DequeuePending(ctx context.Context) (*domain.Job, error) {
	idStr, err := s.rdb.LPop(ctx, s.key("queue:pending")).Result()
	if err == goredis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *RedisStore) RequeueHead(ctx context.Context, jobID uuid.UUID) error {
	return s.rdb.LPush(ctx, s.key("queue:pending"), jobID.String()).Err()
}

func (s *RedisStore) ReserveWorkers(ctx context.Context, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	key := s.key("workers:available")
	ok := false
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		avail, err := tx.Get(ctx, key).Int()
		if err != nil && err != goredis.Nil {
			return err
		}
		if avail < n {
			ok = false
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.DecrBy(ctx, key, int64(n))
			return nil
		})
		if err != nil {
			return err
		}
		ok = true
		return nil
	}, key)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *RedisStore) ReleaseWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	key := s.key("workers:available")
	return s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		avail, err := tx.Get(ctx, key).Int()
		if err != nil && err != goredis.Nil {
			return err
		}
		next := avail + n
		if next > s.maxWorkers {
			next = s.maxWorkers
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}, key)
}

// ListByStatus is a best-effort scan: the queue:inprogress set covers
// SUBMITTED/PROCESSING cheaply; QUEUED is read from queue:pending;
// terminal statuses require a key scan since no per-status index is
// kept for them (bounded by JOB_TTL, so the scan stays small in
// practice).
func (s *RedisStore) ListByStatus(ctx context.Context, status domain.Status) ([]uuid.UUID, error) {
	switch status {
	case domain.StatusQueued:
		return s.listIDs(ctx, s.rdb.LRange(ctx, s.key("queue:pending"), 0, -1).Val())
	case domain.StatusSubmitted, domain.StatusProcessing:
		ids, err := s.rdb.SMembers(ctx, s.key("queue:inprogress")).Result()
		if err != nil {
			return nil, err
		}
		var out []uuid.UUID
		for _, idStr := range ids {
			id, err := uuid.Parse(idStr)
			if err != nil {
				continue
			}
			j, err := s.GetJob(ctx, id)
			if err != nil || j.Status != status {
				continue
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return s.scanTerminal(ctx, status)
	}
}

func (s *RedisStore) scanTerminal(ctx context.Context, status domain.Status) ([]uuid.UUID, error) {
	var out []uuid.UUID
	iter := s.rdb.Scan(ctx, 0, s.prefix+":job:*", 200).Iterator()
	for iter.Next(ctx) {
		b, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var j domain.Job
		if err := json.Unmarshal(b, &j); err != nil {
			continue
		}
		if j.Status == status {
			out = append(out, j.JobID)
		}
	}
	return out, iter.Err()
}

func (s *RedisStore) listIDs(_ context.Context, raw []string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, idStr := range raw {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *RedisStore) GetQueueStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	avail, err := s.rdb.Get(ctx, s.key("workers:available")).Int()
	if err != nil && err != goredis.Nil {
		return stats, err
	}
	stats.AvailableWorkers = avail

	queued, err := s.ListByStatus(ctx, domain.StatusQueued)
	if err != nil {
		return stats, err
	}
	stats.Queued = len(queued)

	ids, err := s.rdb.SMembers(ctx, s.key("queue:inprogress")).Result()
	if err != nil {
		return stats, err
	}
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		j, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		switch j.Status {
		case domain.StatusSubmitted:
			stats.Submitted++
			stats.ActiveWorkers += j.WorkersReserved
		case domain.StatusProcessing:
			stats.Processing++
			stats.ActiveWorkers += j.WorkersReserved
		}
	}
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		ids, err := s.scanTerminal(ctx, status)
		if err != nil {
			continue
		}
		switch status {
		case domain.StatusCompleted:
			stats.Completed = len(ids)
		case domain.StatusFailed:
			stats.Failed = len(ids)
		case domain.StatusCancelled:
			stats.Cancelled = len(ids)
		}
	}
	return stats, nil
}

func (s *RedisStore) RecoverLeakedWorkers(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
		ids, err := s.scanTerminal(ctx, status)
		if err != nil {
			return recovered, err
		}
		for _, id := range ids {
			j, err := s.GetJob(ctx, id)
			if err != nil || j.WorkersReserved == 0 {
				continue
			}
			n := j.WorkersReserved
			zero := 0
			if _, err := s.UpdateJob(ctx, id, domain.Patch{WorkersReserved: &zero}); err != nil {
				continue
			}
			if err := s.ReleaseWorkers(ctx, n); err != nil {
				continue
			}
			recovered += n
		}
	}
	return recovered, nil
}

func (s *RedisStore) QueuePosition(ctx context.Context, jobID uuid.UUID) (int, error) {
	ids, err := s.rdb.LRange(ctx, s.key("queue:pending"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	for i, idStr := range ids {
		if idStr == jobID.String() {
			return i + 1, nil
		}
	}
	return 0, nil
}
