// Package app wires the five core components plus the ambient
// stack into one runnable process: a Job Store
// backend, the Queue Manager, the Worker Monitor, the Webhook
// Dispatcher, the Job Service facade, and the HTTP server, supervised
// together with golang.org/x/sync/errgroup so a fatal error in any one
// of them triggers a coordinated shutdown of the rest.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/yungbote/mediaforge-backend/internal/domain"

	"github.com/yungbote/mediaforge-backend/internal/config"
	httpapi "github.com/yungbote/mediaforge-backend/internal/http"
	"github.com/yungbote/mediaforge-backend/internal/http/handlers"
	"github.com/yungbote/mediaforge-backend/internal/http/middleware"
	"github.com/yungbote/mediaforge-backend/internal/jobs/external"
	"github.com/yungbote/mediaforge-backend/internal/jobs/monitor"
	"github.com/yungbote/mediaforge-backend/internal/jobs/queue"
	"github.com/yungbote/mediaforge-backend/internal/jobs/service"
	"github.com/yungbote/mediaforge-backend/internal/jobs/store"
	"github.com/yungbote/mediaforge-backend/internal/jobs/webhook"
	"github.com/yungbote/mediaforge-backend/internal/pkg/logger"
	"github.com/yungbote/mediaforge-backend/internal/platform/observability"
)

type App struct {
	Cfg config.Config
	Log *logger.Logger

	store      store.JobStore
	dispatcher external.Router
	webhooks   *webhook.Dispatcher
	queueMgr   *queue.Manager
	worker     *monitor.Monitor
	svc        *service.Service
	server     *httpapi.Server
	metrics    *observability.Metrics
	otelStop   func(context.Context) error

	startedAt time.Time
}

// New constructs every collaborator but starts nothing; call Start to
// launch the background loops and the HTTP server.
func New(ctx context.Context) (*App, error) {
	log, err := logger.New("development")
	if err != nil {
		return nil, fmt.Errorf("app: logger init: %w", err)
	}
	cfg := config.Load(log)
	if cfg.LogMode != "development" {
		log, err = logger.New(cfg.LogMode)
		if err != nil {
			return nil, fmt.Errorf("app: logger reinit: %w", err)
		}
	}

	otelStop := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "job-orchestrator",
		Environment: cfg.LogMode,
		Version:     "dev",
	})
	metrics := observability.Init(log)

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	dispatcher := external.Router{
		GPU: external.NewHTTPClient(cfg.GPUWorkerBaseURL, cfg.ExternalSubmitTimeout, log.With("client", "gpu_worker")),
		CPU: external.NewHTTPClient(cfg.CPUWorkerBaseURL, cfg.ExternalSubmitTimeout, log.With("client", "cpu_worker")),
	}

	dlq, err := buildDLQ(cfg)
	if err != nil {
		return nil, err
	}
	if n, err := dlq.Count(ctx); err != nil {
		log.Warn("failed to read webhook dlq count at startup", "error", err)
	} else if n > 0 {
		log.Warn("webhook dlq has undelivered entries from a previous run", "count", n)
	}

	webhooks := webhook.NewDispatcher(
		log.With("component", "webhook_dispatcher"),
		cfg.WebhookTimeout,
		cfg.WebhookMaxAttempts,
		cfg.WebhookRetryDelays,
		cfg.WebhookSecret,
		dlq,
		4, 256,
	)
	// Persist retry state onto the job record so a restart can resume
	// delivery without duplicating past successes.
	webhooks.OnResult(func(jobID uuid.UUID, retryCount int, delivered bool) {
		patch := domain.Patch{RetryCount: &retryCount}
		if delivered {
			patch.WebhookSent = &delivered
		}
		if _, err := st.UpdateJob(context.Background(), jobID, patch); err != nil {
			log.Warn("failed to persist webhook retry state", "job_id", jobID, "error", err)
		}
	})

	queueMgr := queue.NewManager(log, st, dispatcher, webhooks, cfg.QueueTickInterval, cfg.SplitMaxChunks, cfg.SplitThreshold, cfg.ExternalSubmitTimeout)
	workerMon := monitor.NewMonitor(log, st, dispatcher, webhooks, queueMgr, cfg.MonitorPollInterval, cfg.RecoveryInterval, cfg.ExecutionTimeout, cfg.ExternalPollTimeout)

	statusURLTemplate := cfg.PublicBaseURL + "/jobs/%s"
	svc := service.New(log, st, queueMgr, webhooks, statusURLTemplate)

	jobHandler := handlers.NewJobHandler(svc, dispatcher)
	adminHandler := handlers.NewAdminHandler(svc)
	startedAt := time.Now()
	healthHandler := handlers.NewHealthHandler(svc, startedAt)
	authMW := middleware.NewAuthMiddleware(log, cfg.APIKey)

	server := httpapi.NewServer(log, cfg.HTTPAddr, httpapi.RouterConfig{
		JobHandler:     jobHandler,
		AdminHandler:   adminHandler,
		HealthHandler:  healthHandler,
		AuthMiddleware: authMW,
		Metrics:        metrics,
		OtelEnabled:    cfg.OtelEnabled,
	})

	return &App{
		Cfg:        cfg,
		Log:        log,
		store:      st,
		dispatcher: dispatcher,
		webhooks:   webhooks,
		queueMgr:   queueMgr,
		worker:     workerMon,
		svc:        svc,
		server:     server,
		metrics:    metrics,
		otelStop:   otelStop,
		startedAt:  startedAt,
	}, nil
}

func buildStore(ctx context.Context, cfg config.Config) (store.JobStore, error) {
	switch cfg.StoreBackend {
	case "durable-kv":
		return store.NewRedisStore(ctx, cfg.RedisAddr, cfg.MaxWorkers, cfg.JobTTL)
	default:
		return store.NewMemoryStore(cfg.MaxWorkers), nil
	}
}

func buildDLQ(cfg config.Config) (webhook.DLQ, error) {
	if cfg.StoreBackend != "durable-kv" || cfg.PostgresDSN == "" {
		return webhook.NewMemoryDLQStore(), nil
	}
	db, err := gorm.Open(postgres.Open(cfg.PostgresDSN), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres dlq: %w", err)
	}
	gormStore := webhook.NewGormDLQStore(db)
	if err := gormStore.Migrate(); err != nil {
		return nil, fmt.Errorf("app: migrate dlq: %w", err)
	}
	return gormStore, nil
}

// Start launches the Queue Manager, Worker Monitor and HTTP server as
// independent goroutines under one errgroup, and resumes any webhook
// deliveries left pending by a previous process.
// It returns once ctx is cancelled or one of the loops returns a fatal
// error, after attempting a graceful shutdown of the HTTP server.
func (a *App) Start(ctx context.Context) error {
	if resumed, err := a.svc.ResumePendingWebhooks(ctx); err != nil {
		a.Log.Warn("failed to resume pending webhooks", "error", err)
	} else if resumed > 0 {
		a.Log.Info("resumed pending webhook deliveries", "count", resumed)
	}

	g, gctx := errgroup.WithContext(ctx)
	a.metrics.StartServer(gctx, a.Log, a.Cfg.MetricsAddr)
	g.Go(func() error { return a.queueMgr.Run(gctx) })
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error {
		a.Log.Info("http server listening", "addr", a.Cfg.HTTPAddr)
		return a.server.Run()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.queueMgr.Stop()
	a.worker.Stop()
	if shutdownErr := a.webhooks.Shutdown(10 * time.Second); shutdownErr != nil {
		a.Log.Warn("webhook dispatcher shutdown timed out", "error", shutdownErr)
	}
	if a.otelStop != nil {
		_ = a.otelStop(context.Background())
	}
	a.Log.Sync()
	return err
}
