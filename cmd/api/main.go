package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"cotask/api/internal/app"
	"cotask/api/internal/config"
	"cotask/api/internal/events"
	"cotask/api/internal/metrics"
	"cotask/api/internal/presence"
	"cotask/api/internal/realtime"
	"cotask/api/internal/session"
	"cotask/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config failed: %v", err)
	}

	log := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	dataStore := store.NewPostgresStore(db)

	var registry session.Registry
	var redisRegistry *session.RedisRegistry
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("using Redis session registry")
		redisRegistry, err = session.NewRedisRegistry(cfg.RedisURL, cfg.SessionTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisRegistry.Close()
		registry = redisRegistry
	} else {
		log.Info("using in-memory session registry")
		registry = session.NewMemoryRegistry()
	}

	bus := events.NewBus()
	activityStore := presence.NewStore()
	clock := presence.SystemClock()
	sweeper := presence.NewSweeper(activityStore, clock, bus)
	go sweeper.Run(ctx)

	presenceService := presence.NewService(activityStore, registry, dataStore, sweeper, clock, bus)
	service := app.NewService(cfg, dataStore, presenceService, bus, log)
	if err := service.Bootstrap(ctx); err != nil {
		log.Warnf("bootstrap error (will retry on next restart): %v", err)
	}

	hub := realtime.NewHub(service, bus, log)
	go hub.Run(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, log)
	httpServer.MountRealtime(realtime.NewHandler(hub, service, log))
	if cfg.MetricsEnabled {
		httpServer.MountMetrics(metrics.Handler())
	}
	if redisRegistry != nil {
		httpServer.AddReadyCheck("redis", redisRegistry.Ping)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("cotask API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnf("shutdown error: %v", err)
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}
