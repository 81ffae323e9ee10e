package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/dshryn/bandwidth-allocator/docs"
	"github.com/dshryn/bandwidth-allocator/internal/adapter/handler"
	"github.com/dshryn/bandwidth-allocator/internal/adapter/notify"
	adapter "github.com/dshryn/bandwidth-allocator/internal/adapter/repository"
	"github.com/dshryn/bandwidth-allocator/internal/adapter/system"
	"github.com/dshryn/bandwidth-allocator/internal/config"
	"github.com/dshryn/bandwidth-allocator/internal/core/port"
	"github.com/dshryn/bandwidth-allocator/internal/core/service"
)

// @title Smart Bandwidth Allocator API
// @version 1.0
// @description Adaptive per-device bandwidth tiers with hysteresis, anomaly detection and OS-level enforcement.
// @host localhost:8080
// @BasePath /
func main() {
	configPath := flag.String("config", os.Getenv("SBA_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      cfg.SlogLevel(),
		TimeFormat: time.TimeOnly,
	}))
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	// Bad thresholds only disable auto mode; every other problem is fatal.
	structural := cfg
	structural.Thresholds = config.Default().Thresholds
	if err := structural.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		logger.Warn("auto mode will be refused", "error", err)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("bandwidth allocator stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting smart bandwidth allocator", "iface", cfg.Interface, "interval", cfg.Interval)

	// --- Storage ---
	db, err := config.ConnectDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	store, err := adapter.NewSQLStore(ctx, db, adapter.Dialect(cfg.Database.Driver))
	if err != nil {
		_ = db.Close()
		return err
	}
	defer store.Close()

	// --- Host adapters ---
	backend, err := system.NewEnforcementBackend(system.BackendOptions{
		Kind:   cfg.Backend,
		DryRun: cfg.DryRun,
		Rates:  cfg.Bandwidth,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if cfg.ResetOnExit {
		// Registered before the engine so it runs after the engine has stopped.
		defer func() {
			resetCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if reset, err := system.ResetShaping(resetCtx, backend, cfg.Interface); err != nil {
				logger.Warn("could not remove shaping", "iface", cfg.Interface, "error", err)
			} else if reset {
				logger.Info("removed shaping", "iface", cfg.Interface)
			}
		}()
	}
	sampler, err := system.NewSampler(system.SamplerOptions{
		Kind:         cfg.Sampler,
		Interface:    cfg.Interface,
		SyntheticIPs: cfg.SyntheticIPs,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	networks, err := cfg.Networks()
	if err != nil {
		return err
	}

	// --- Event publishing ---
	hub := handler.NewHub(logger)
	defer hub.Close()
	publishers := []port.EventPublisher{hub}
	var anomalyLog port.AnomalyLog

	if cfg.Redis.Addr != "" {
		client, err := notify.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis anomaly log disabled", "error", err)
		} else {
			defer client.Close()
			redisLog := notify.NewRedisAnomalyLog(client, cfg.Redis.TTL, logger)
			publishers = append(publishers, redisLog)
			anomalyLog = redisLog
		}
	}
	if cfg.MQTT.Broker != "" {
		client, err := notify.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, logger)
		if err != nil {
			logger.Warn("mqtt publishing disabled", "error", err)
		} else {
			mqttPub := notify.NewMQTTPublisher(client, cfg.MQTT.Topic, logger)
			defer mqttPub.Close()
			publishers = append(publishers, mqttPub)
		}
	}

	// --- Engine ---
	engine := service.NewEngine(service.EngineDeps{
		Store:     store,
		Backend:   backend,
		Sampler:   sampler,
		Scanner:   system.NewARPScanner(nil, nil, logger),
		Publisher: notify.NewMulti(publishers...),
		Logger:    logger,
	}, service.EngineConfig{
		Interface:         cfg.Interface,
		Interval:          cfg.Interval,
		Thresholds:        cfg.Thresholds,
		HistorySize:       cfg.HistorySize,
		VoteSize:          cfg.VoteSize,
		MinAnomalyHistory: cfg.MinAnomalyHistory,
		AutoMode:          cfg.AutoMode,
		StopTimeout:       cfg.StopTimeout,
		LocalNetworks:     networks,
	})
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil && !errors.Is(err, service.ErrEngineNotRunning) {
			logger.Warn("engine stop", "error", err)
		}
	}()

	// --- Maintenance ---
	scheduler := service.NewMaintenanceScheduler(logger)
	jobs := []service.MaintenanceJob{
		service.ReconcileJob(engine, cfg.ReconcileCron),
		service.RetentionJob(store, cfg.RetentionCron, cfg.Retention, logger),
		service.DiscoveryJob(engine, cfg.DiscoveryCron),
	}
	for _, job := range jobs {
		if job.Spec == "" {
			logger.Info("maintenance job disabled", "job", job.Name)
			continue
		}
		if err := scheduler.AddJob(job); err != nil {
			return err
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	// Serves the Swagger UI at http://localhost:8080/swagger/index.html
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	r.GET("/metrics/prometheus", gin.WrapH(promhttp.Handler()))
	r.GET("/api/stream", hub.StreamHandler)

	h := handler.NewAllocationHandler(engine, store, system.HostInterfaceCounters{}, cfg.Interface, logger).
		WithAnomalyLog(anomalyLog).
		WithJobs(scheduler)
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.HTTPAddr, "swagger", "/swagger/index.html")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
