package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"provenance/internal/audit"
	"provenance/internal/config"
	"provenance/internal/consensus"
	cronrunner "provenance/internal/cron"
	"provenance/internal/db"
	"provenance/internal/detect"
	"provenance/internal/handler"
	"provenance/internal/intel"
	"provenance/internal/logger"
	"provenance/internal/metrics"
	"provenance/internal/ratelimit"
	gormrepository "provenance/internal/repository/gorm"
	"provenance/internal/scheduler"
	"provenance/internal/service"
	"provenance/internal/webhook"
)

func main() {
	cfgPath := os.Getenv("PROV_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("PROV_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		log.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		log.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		log.Fatal("auto-migrate failed", zap.Error(err))
	}

	var cache *redis.Client
	if cfg.Cache.URL != "" {
		redisOpts, err := redis.ParseURL(cfg.Cache.URL)
		if err != nil {
			log.Fatal("invalid cache url", zap.Error(err))
		}
		cache = redis.NewClient(redisOpts)
		defer cache.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store := gormrepository.New(dbConn.Gorm)
	auditEmitter := audit.NewEmitter(cfg.Audit, store, log)
	go func() {
		if err := auditEmitter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("audit emitter stopped", zap.Error(err))
		}
	}()

	analysisStore := &service.AnalysisStore{
		Repo:   store,
		Config: cfg.Store,
		Logger: log,
	}

	dispatcher := webhook.NewDispatcher(cfg.Webhook, log, auditEmitter)
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("webhook dispatcher stopped", zap.Error(err))
		}
	}()

	detector := detect.New()
	engine := &consensus.Engine{
		Config:    cfg.Consensus,
		Providers: consensus.BuildProviders(cfg.Consensus),
		Logger:    log,
	}

	var authorizer ratelimit.Authorizer
	if cache != nil {
		authorizer = ratelimit.NewRedisAuthorizer(cfg.RateLimit, cfg.Spend.DailyCapPoints, cache)
		log.Info("rate limiter backed by shared cache")
	} else {
		authorizer = ratelimit.NewMemoryAuthorizer(cfg.RateLimit, cfg.Spend.DailyCapPoints)
		log.Info("rate limiter running in-process (single-instance mode)")
	}

	collector := intel.NewClient(cfg.Intel)

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		usage, err := scheduler.LoadUsage(cfg.Scheduler.UsageFile)
		if err != nil {
			log.Fatal("scheduler usage load failed", zap.Error(err))
		}
		sched = scheduler.New(cfg.Scheduler, cfg.Intel.MaxPages, usage, collector, analysisStore, dispatcher, auditEmitter, log)
		go func() {
			if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("scheduler stopped", zap.Error(err))
			}
		}()
		log.Info("scheduler started",
			zap.Strings("handles", cfg.Scheduler.Handles),
			zap.Int("tick_seconds", cfg.Scheduler.TickSeconds),
			zap.Int("monthly_cap", cfg.Scheduler.MonthlyRequestCap),
		)
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engineHTTP := gin.New()
	engineHTTP.Use(handler.RecoveryMiddleware(log))
	engineHTTP.Use(handler.CORSMiddleware())
	engineHTTP.Use(handler.RequestIDMiddleware())
	engineHTTP.Use(handler.AuthMiddleware(cfg.Auth))
	engineHTTP.Use(handler.AuditMiddleware(cfg.Audit, auditEmitter, log))

	rateLimitFor := func(bucket, operation string) gin.HandlerFunc {
		return handler.RateLimitMiddleware(authorizer, cfg.Spend, bucket, operation, m)
	}

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, Cache: cache}
	healthHandler.Register(engineHTTP)

	detectHandler := &handler.DetectHandler{
		Detector:     detector,
		Engine:       engine,
		Store:        analysisStore,
		Audit:        auditEmitter,
		Webhooks:     dispatcher,
		Metrics:      m,
		Limits:       cfg.Limits,
		Logger:       log,
		RateLimitFor: rateLimitFor,
	}
	detectHandler.Register(engineHTTP)

	batchHandler := &handler.BatchHandler{
		Detect:       detectHandler,
		Limits:       cfg.Limits,
		RateLimitFor: rateLimitFor,
	}
	batchHandler.Register(engineHTTP)

	analyzeHandler := &handler.AnalyzeHandler{
		Store:        analysisStore,
		RateLimitFor: rateLimitFor,
	}
	analyzeHandler.Register(engineHTTP)

	auditHandler := &handler.AuditHandler{
		Emitter:      auditEmitter,
		Logger:       log,
		RateLimitFor: rateLimitFor,
	}
	auditHandler.Register(engineHTTP)

	intelHandler := &handler.IntelHandler{
		Config:       cfg.Intel,
		Collector:    collector,
		Scheduler:    sched,
		Logger:       log,
		RateLimitFor: rateLimitFor,
	}
	intelHandler.Register(engineHTTP)

	adminHandler := &handler.AdminHandler{
		Authorizer: authorizer,
		Store:      analysisStore,
		Audit:      auditEmitter,
	}
	adminHandler.Register(engineHTTP)

	engineHTTP.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	cronRunner := cronrunner.New(log, ctx)
	if cfg.Store.RetentionDays > 0 {
		_, err := cronRunner.Add("@every 24h", func(ctx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Store.RetentionDays)
			pruned, err := analysisStore.Prune(ctx, cutoff)
			if err != nil {
				log.Warn("retention prune failed", zap.Error(err))
				return
			}
			if pruned > 0 {
				log.Info("retention prune", zap.Int64("pruned", pruned))
			}
		})
		if err != nil {
			log.Warn("cron register retention prune failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engineHTTP,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
