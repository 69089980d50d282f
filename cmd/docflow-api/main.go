package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/docflow-api/api/swagger"
	"github.com/noah-isme/docflow-api/internal/dto"
	"github.com/noah-isme/docflow-api/internal/handler"
	internalmiddleware "github.com/noah-isme/docflow-api/internal/middleware"
	"github.com/noah-isme/docflow-api/internal/models"
	"github.com/noah-isme/docflow-api/internal/repository"
	"github.com/noah-isme/docflow-api/internal/service"
	"github.com/noah-isme/docflow-api/pkg/cache"
	"github.com/noah-isme/docflow-api/pkg/config"
	"github.com/noah-isme/docflow-api/pkg/database"
	"github.com/noah-isme/docflow-api/pkg/jobs"
	"github.com/noah-isme/docflow-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/docflow-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/docflow-api/pkg/middleware/requestid"
	"github.com/noah-isme/docflow-api/pkg/storage"
)

// @title DocFlow API
// @version 1.0.0
// @description File lifecycle and job orchestration service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := dto.RegisterValidations(v); err != nil {
			logr.Fatal("failed to register validations", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close() //nolint:errcheck

	var store storage.Gateway
	var localStore *storage.LocalStore
	switch cfg.Storage.Backend {
	case "s3":
		store, err = storage.NewS3Store(ctx, cfg.Storage)
		if err != nil {
			logr.Fatal("failed to init s3 storage", zap.Error(err))
		}
	default:
		baseURL := cfg.Storage.Endpoint
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
		}
		localStore, err = storage.NewLocalStore(cfg.Storage.LocalDir, baseURL, cfg.Storage.SignedURLSecret)
		if err != nil {
			logr.Fatal("failed to init local storage", zap.Error(err))
		}
		store = localStore
	}

	fileRepo := repository.NewFileRepository(db)
	jobRepo := repository.NewJobRepository(db)
	userRepo := repository.NewUserRepository(db)
	entitlementRepo := repository.NewEntitlementRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient)

	metricsSvc := service.NewMetricsService()
	auditSvc := service.NewAuditService(auditRepo, logr)
	sm := service.NewStateMachine(fileRepo, logr)
	validatorSvc := service.NewValidatorService(cfg.Uploads.MaxFileSizeBytes, cfg.Uploads.TempDir, nil, logr)
	fileSvc := service.NewFileService(fileRepo, store, sm, cfg.Uploads.GuestExpiry, logr)
	entitlementSvc := service.NewEntitlementService(entitlementRepo, logr)
	quotaSvc := service.NewQuotaService(cacheRepo, jobRepo, fileRepo, logr)
	authSvc := service.NewAuthService(userRepo, cfg.JWT.Secret, logr)
	jobSvc := service.NewJobService(jobRepo, fileSvc, sm, entitlementSvc, quotaSvc, auditSvc, logr)
	deliverySvc := service.NewDeliveryService(fileRepo, store, auditSvc, cfg.Shares.FrontendBaseURL,
		cfg.Shares.DefaultExpiry, cfg.Shares.DownloadURLTTL, logr)
	registry := service.NewToolRegistry()
	workerSvc := service.NewWorkerService(jobRepo, fileSvc, sm, store, registry, jobSvc,
		entitlementSvc, userRepo, nil, cfg.Workers.Lease, logr)

	highQueue := jobs.NewQueue(models.QueueHigh, workerSvc.Process,
		jobs.QueueConfig{Workers: cfg.Workers.HighConcurrency, Logger: logr})
	defaultQueue := jobs.NewQueue(models.QueueDefault, workerSvc.Process,
		jobs.QueueConfig{Workers: cfg.Workers.DefaultConcurrency, Logger: logr})
	highQueue.Start(ctx)
	defaultQueue.Start(ctx)
	defer highQueue.Stop()
	defer defaultQueue.Stop()
	jobSvc.RegisterQueue(highQueue)
	jobSvc.RegisterQueue(defaultQueue)
	metricsSvc.RegisterQueueDepth(models.QueueHigh, highQueue.Depth)
	metricsSvc.RegisterQueueDepth(models.QueueDefault, defaultQueue.Depth)

	startSweepers(ctx, cfg, fileSvc, jobSvc, workerSvc, entitlementSvc, logr)

	uploadHandler := handler.NewUploadHandler(validatorSvc, fileSvc, quotaSvc, auditSvc, metricsSvc, logr)
	fileHandler := handler.NewFileHandler(fileSvc, deliverySvc, sm, auditSvc, logr)
	jobHandler := handler.NewJobHandler(jobSvc, fileSvc, store, logr)
	shareHandler := handler.NewShareHandler(deliverySvc, logr)
	entitlementHandler := handler.NewEntitlementHandler(entitlementSvc, logr)
	adminHandler := handler.NewAdminHandler(jobSvc, auditSvc, metricsSvc, logr)
	healthHandler := handler.NewHealthHandler(db, redisClient, logr)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))
	r.MaxMultipartMemory = cfg.Uploads.MaxFileSizeBytes

	r.GET("/health", healthHandler.Live)
	r.GET("/ready", healthHandler.Ready)
	r.GET("/metrics", metricsHandler.Scrape)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if localStore != nil {
		storageHandler := handler.NewStorageHandler(store, localStore.Signer(), logr)
		r.GET("/storage/object", storageHandler.Object)
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(internalmiddleware.OptionalJWT(authSvc))
	api.Use(internalmiddleware.RateLimit(quotaSvc, metricsSvc, logr))

	// Guest-capable routes.
	api.POST("/upload", uploadHandler.Upload)
	api.POST("/files/upload", uploadHandler.Upload)
	api.GET("/files/:id", fileHandler.Get)
	api.GET("/files/:id/history", fileHandler.History)
	api.GET("/files/:id/versions", fileHandler.Versions)
	api.GET("/files/:id/download", fileHandler.Download)
	api.DELETE("/files/:id", fileHandler.Delete)
	api.POST("/files/:id/share", shareHandler.Create)
	api.DELETE("/files/:id/share/:shareId", shareHandler.Revoke)
	api.GET("/share/:shareId", shareHandler.Redeem)
	api.POST("/share/:shareId/redeem", shareHandler.Redeem)
	api.POST("/jobs", jobHandler.Create)
	api.GET("/jobs/:id", jobHandler.Get)
	api.POST("/jobs/batch", jobHandler.CreateBatch)
	api.GET("/jobs/batch/:id", jobHandler.GetBatch)
	api.POST("/jobs/batch/:id/cancel", jobHandler.CancelBatch)
	api.GET("/jobs/batch/:id/download", jobHandler.DownloadBatch)
	api.POST("/entitlements/check", entitlementHandler.Check)

	// Authenticated routes.
	authed := api.Group("")
	authed.Use(internalmiddleware.JWT(authSvc))
	authed.GET("/files", fileHandler.List)
	authed.GET("/files/usage", fileHandler.Usage)
	authed.POST("/files/rebind", fileHandler.Rebind)
	authed.GET("/entitlements", entitlementHandler.List)

	admin := authed.Group("/admin")
	admin.Use(internalmiddleware.AdminOnly())
	admin.Use(internalmiddleware.Audit(auditSvc, models.AuditAdminAccess))
	admin.GET("/queues/:name", adminHandler.QueueStats)
	admin.GET("/audit/:targetId", adminHandler.AuditHistory)
	admin.GET("/stats", adminHandler.Stats)

	internalHandler := handler.NewInternalHandler(fileSvc, jobSvc, workerSvc, entitlementSvc,
		cfg.Workers.UsageRetentionDays, logr)
	internalGroup := r.Group("/internal")
	internalGroup.Use(internalmiddleware.InternalOnly(cfg.Internal.ServiceToken))
	internalGroup.POST("/sweeps/expired", internalHandler.SweepExpired)
	internalGroup.POST("/sweeps/pending", internalHandler.SweepPending)
	internalGroup.POST("/sweeps/retries", internalHandler.SweepRetries)
	internalGroup.POST("/sweeps/leases", internalHandler.SweepLeases)
	internalGroup.POST("/sweeps/usage", internalHandler.PruneUsage)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("graceful shutdown incomplete", zap.Error(err))
	}
}

// startSweepers runs the background maintenance loops: guest-file expiry,
// stuck PENDING redispatch, FAILED retry requeue, stale lease recovery, and
// usage row retention.
func startSweepers(ctx context.Context, cfg *config.Config, files *service.FileService, jobsSvc *service.JobService, worker *service.WorkerService, entitlements *service.EntitlementService, logr *zap.Logger) {
	go runEvery(ctx, time.Minute, func() {
		if n, err := files.SweepExpired(ctx, 100); err != nil {
			logr.Warn("expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			logr.Info("expired files swept", zap.Int("count", n))
		}
	})

	go runEvery(ctx, cfg.Workers.SweepInterval, func() {
		if n, err := jobsSvc.SweepPending(ctx, cfg.Workers.SweepInterval); err != nil {
			logr.Warn("pending sweep failed", zap.Error(err))
		} else if n > 0 {
			logr.Info("pending jobs redispatched", zap.Int("count", n))
		}
	})

	go runEvery(ctx, cfg.Workers.SweepInterval, func() {
		if n, err := jobsSvc.SweepFailedRetries(ctx); err != nil {
			logr.Warn("retry sweep failed", zap.Error(err))
		} else if n > 0 {
			logr.Info("failed jobs requeued", zap.Int("count", n))
		}
	})

	go runEvery(ctx, time.Minute, func() {
		if n, err := worker.SweepStaleLeases(ctx); err != nil {
			logr.Warn("lease sweep failed", zap.Error(err))
		} else if n > 0 {
			logr.Info("stale leases recovered", zap.Int("count", n))
		}
	})

	go runEvery(ctx, 24*time.Hour, func() {
		if n, err := entitlements.PruneUsage(ctx, cfg.Workers.UsageRetentionDays); err != nil {
			logr.Warn("usage prune failed", zap.Error(err))
		} else if n > 0 {
			logr.Info("usage rows pruned", zap.Int64("count", n))
		}
	})
}

func runEvery(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
