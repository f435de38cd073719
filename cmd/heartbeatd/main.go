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

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgewatch/heartbeat/internal/app/migrate"
	httpx "github.com/edgewatch/heartbeat/internal/http"
	mqttbridge "github.com/edgewatch/heartbeat/internal/mqtt"
	"github.com/edgewatch/heartbeat/internal/repository"
	"github.com/edgewatch/heartbeat/internal/repository/memory"
	"github.com/edgewatch/heartbeat/internal/repository/postgres"
	"github.com/edgewatch/heartbeat/internal/service/ingest"
	"github.com/edgewatch/heartbeat/internal/service/monitor"
	"github.com/edgewatch/heartbeat/internal/service/tasks"
	"github.com/edgewatch/heartbeat/internal/ws"
	"github.com/edgewatch/heartbeat/pkg/config"
	"github.com/edgewatch/heartbeat/pkg/logger"
)

func main() {
	cfg := config.LoadCentralConfig()
	log := logger.New("heartbeat-central", cfg.Debug)

	if cfg.SecretToken == "" {
		log.Error("SECRET_TOKEN must be configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		heartbeatRepo repository.HeartbeatRepository
		serverRepo    repository.ServerRepository
		taskRepo      repository.TaskRepository
		dbHealth      func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		defer runner.Close()
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
		repo := postgres.New(pool, cfg.StorageTimeout)
		heartbeatRepo, serverRepo, taskRepo = repo, repo, repo
		dbHealth = pool.Ping
	} else {
		log.Warn("DATABASE_URL not set, using in-memory storage")
		store := memory.NewStore()
		heartbeatRepo, serverRepo, taskRepo = store, store, store
	}

	hub := ws.NewHub()
	ingestSvc := ingest.New(heartbeatRepo, hub, log)
	monitorSvc := monitor.New(heartbeatRepo, serverRepo, log, cfg.StatsWindowSamples, cfg.HeartbeatPageLimit, cfg.HeartbeatPageMax)
	taskSvc := tasks.New(taskRepo, log, cfg.TaskClaimLimit)

	var limiter httpx.RateLimiter
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable, falling back to in-memory", "error", err)
		} else {
			limiter = redisLimiter
		}
	}
	if limiter == nil {
		limiter = httpx.NewMemoryRateLimiter()
	}

	if brokerURL := strings.TrimSpace(cfg.MQTTBrokerURL); brokerURL != "" {
		bridge, err := mqttbridge.NewBridge(brokerURL, cfg.MQTTClientID, cfg.MQTTHeartbeatTopic, ingestSvc, log)
		if err != nil {
			log.Warn("mqtt bridge unavailable", "error", err)
		} else {
			go func() {
				if err := bridge.Run(ctx); err != nil {
					log.Error("mqtt bridge stopped", "error", err)
				}
			}()
		}
	}

	router := httpx.NewRouter(log, httpx.NewGuard(cfg.SecretToken), ingestSvc, monitorSvc, taskSvc, hub, limiter, dbHealth)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("heartbeat central server starting", "addr", cfg.Addr(), "debug", cfg.Debug)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("heartbeat central server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
