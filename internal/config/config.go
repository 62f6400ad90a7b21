// Package config loads the process-wide configuration surface from
// the environment, plus the ambient fields every
// component needs (log mode, HTTP address, front-door credential,
// store backend DSNs, OTel toggles, external worker endpoints).
package config

import (
	"time"

	"github.com/yungbote/mediaforge-backend/internal/pkg/envutil"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
)

type Config struct {
	// Core
	MaxWorkers          int
	QueueTickInterval   time.Duration
	MonitorPollInterval time.Duration
	ExecutionTimeout    time.Duration
	WebhookTimeout      time.Duration
	WebhookMaxAttempts  int
	WebhookRetryDelays  []time.Duration
	WebhookSecret       string
	JobTTL              time.Duration
	SplitThreshold      int
	SplitMaxChunks      int
	RecoveryInterval    time.Duration
	StoreBackend        string // "memory" | "durable-kv"

	// Ambient
	LogMode       string
	HTTPAddr      string
	PublicBaseURL string
	APIKey        string
	MetricsAddr   string

	RedisAddr   string
	PostgresDSN string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelSamplerRatio float64

	GPUWorkerBaseURL      string
	CPUWorkerBaseURL      string
	ExternalSubmitTimeout time.Duration
	ExternalPollTimeout   time.Duration
}

func Load(log *logger.Logger) Config {
	maxWorkers := envutil.Int("MAX_WORKERS", 3, log)
	cfg := Config{
		MaxWorkers:          maxWorkers,
		QueueTickInterval:   envutil.DurationMS("QUEUE_TICK_MS", 5000, log),
		MonitorPollInterval: envutil.DurationMS("MONITOR_POLL_MS", 8000, log),
		ExecutionTimeout:    envutil.DurationMS("EXECUTION_TIMEOUT_MS", 2_400_000, log),
		WebhookTimeout:      envutil.DurationMS("WEBHOOK_TIMEOUT_MS", 10_000, log),
		WebhookMaxAttempts:  envutil.Int("WEBHOOK_MAX_ATTEMPTS", 4, log),
		WebhookRetryDelays:  envutil.DurationMSSlice("WEBHOOK_RETRY_DELAYS_MS", []int{1000, 5000, 15000}, log),
		WebhookSecret:       envutil.String("WEBHOOK_SECRET", "", log),
		JobTTL:              time.Duration(envutil.Int("JOB_TTL_SEC", 86_400, log)) * time.Second,
		SplitThreshold:      envutil.Int("SPLIT_THRESHOLD", 50, log),
		SplitMaxChunks:      envutil.Int("SPLIT_MAX_CHUNKS", maxWorkers, log),
		RecoveryInterval:    envutil.DurationMS("RECOVERY_INTERVAL_MS", 300_000, log),
		StoreBackend:        envutil.String("STORE_BACKEND", "memory", log),

		LogMode:       envutil.String("LOG_MODE", "development", log),
		HTTPAddr:      envutil.String("HTTP_ADDR", ":8080", log),
		PublicBaseURL: envutil.String("PUBLIC_BASE_URL", "http://localhost:8080", log),
		APIKey:        envutil.String("API_KEY", "", log),
		MetricsAddr:   envutil.String("METRICS_ADDR", ":9100", log),

		RedisAddr:   envutil.String("REDIS_ADDR", "localhost:6379", log),
		PostgresDSN: envutil.String("POSTGRES_DSN", "", log),

		OtelEnabled:      envutil.Bool("OTEL_ENABLED", false, log),
		OtelEndpoint:     envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", "", log),
		OtelSamplerRatio: float64(envutil.Int("OTEL_SAMPLER_RATIO_PERCENT", 100, log)) / 100.0,

		GPUWorkerBaseURL:      envutil.String("GPU_WORKER_BASE_URL", "http://localhost:9000", log),
		CPUWorkerBaseURL:      envutil.String("CPU_WORKER_BASE_URL", "http://localhost:9001", log),
		ExternalSubmitTimeout: envutil.DurationMS("EXTERNAL_SUBMIT_TIMEOUT_MS", 30_000, log),
		ExternalPollTimeout:   envutil.DurationMS("EXTERNAL_POLL_TIMEOUT_MS", 10_000, log),
	}
	if cfg.SplitMaxChunks <= 0 {
		cfg.SplitMaxChunks = maxWorkers
	}
	return cfg
}
