package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DLQRecord is the persisted row behind the webhooks:dlq keyspace,
// backed by Postgres via GORM.
type DLQRecord struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey"`
	JobID     uuid.UUID      `gorm:"type:uuid;index"`
	URL       string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb"`
	LastError string
	CreatedAt time.Time
}

func (DLQRecord) TableName() string { return "webhook_dlq" }

type GormDLQStore struct {
	db *gorm.DB
}

func NewGormDLQStore(db *gorm.DB) *GormDLQStore {
	return &GormDLQStore{db: db}
}

func (s *GormDLQStore) Migrate() error {
	return s.db.AutoMigrate(&DLQRecord{})
}

func (s *GormDLQStore) Record(ctx context.Context, jobID uuid.UUID, url string, payload Payload, lastErr string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	rec := DLQRecord{
		ID:        uuid.New(),
		JobID:     jobID,
		URL:       url,
		Payload:   datatypes.JSON(b),
		LastError: lastErr,
		CreatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

func (s *GormDLQStore) List(ctx context.Context, limit int) ([]DLQRecord, error) {
	var out []DLQRecord
	q := s.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *GormDLQStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&DLQRecord{}).Count(&n).Error
	return n, err
}

// MemoryDLQStore is the in-memory fallback used with STORE_BACKEND=memory.
type MemoryDLQStore struct {
	mu      sync.Mutex
	records []DLQRecord
}

func NewMemoryDLQStore() *MemoryDLQStore {
	return &MemoryDLQStore{}
}

func (s *MemoryDLQStore) Record(_ context.Context, jobID uuid.UUID, url string, payload Payload, lastErr string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, DLQRecord{
		ID:        uuid.New(),
		JobID:     jobID,
		URL:       url,
		Payload:   datatypes.JSON(b),
		LastError: lastErr,
		CreatedAt: time.Now(),
	})
	return nil
}

func (s *MemoryDLQStore) List(_ context.Context, limit int) ([]DLQRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.records) {
		out := make([]DLQRecord, len(s.records))
		copy(out, s.records)
		return out, nil
	}
	out := make([]DLQRecord, limit)
	copy(out, s.records[len(s.records)-limit:])
	return out, nil
}

func (s *MemoryDLQStore) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}
