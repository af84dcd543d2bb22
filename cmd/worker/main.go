// Command worker starts a per-host worker that drains its host queue:
// viewing jobs, device health, APK installs, and session chores.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doai/devicefarm/internal/adapter/adb"
	"github.com/doai/devicefarm/internal/adapter/observability"
	asynqadp "github.com/doai/devicefarm/internal/adapter/queue/asynq"
	"github.com/doai/devicefarm/internal/adapter/repo/postgres"
	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/domain"
)

const heartbeatInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.QueueName() == "" {
		slog.Error("HOST_NUMBER or WORKER_QUEUE must be set")
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker",
		slog.String("env", cfg.AppEnv),
		slog.String("queue", cfg.QueueName()),
		slog.String("host", cfg.HostNumber))

	pool, err := postgres.NewPool(context.Background(), cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	hostRepo := postgres.NewHostRepo(pool)
	deviceRepo := postgres.NewDeviceRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)

	adbRunner := adb.NewRunner(cfg.ADBPath, cfg.ADBTimeout)

	uiClient := uiauto.NewClient(cfg.AppiumURL)
	sessions := uiauto.NewPool(uiClient, cfg.AppiumBasePort, cfg.AppiumMaxPort, cfg.AppiumMaxSessions, cfg.SessionIdleTimeout)
	runner := asynqadp.NewPoolRunner(sessions, cfg.EvidenceDir, cfg.TaskRetryDelay, cfg.TaskMaxRetries)

	handlers := asynqadp.NewHandlers(cfg, taskRepo, deviceRepo, runner, adbRunner, sessions, uiClient)

	worker, err := asynqadp.NewWorker(cfg, handlers)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := worker.Start(context.Background()); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer worker.Stop()

	scheduler, err := asynqadp.NewScheduler(cfg.RedisURL, cfg.QueueName())
	if err != nil {
		slog.Error("scheduler init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go func() {
		if err := scheduler.Run(); err != nil {
			slog.Error("scheduler error", slog.Any("error", err))
		}
	}()
	defer scheduler.Stop()

	// Heartbeat keeps the host row online while the worker is draining.
	hbCtx, hbCancel := context.WithCancel(context.Background())
	defer hbCancel()
	if cfg.HostNumber != "" {
		go heartbeatLoop(hbCtx, hostRepo, cfg.HostNumber)
	}

	slog.Info("worker started, waiting for shutdown signal")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))
}

func heartbeatLoop(ctx context.Context, hosts domain.HostRepository, number string) {
	tick := time.NewTicker(heartbeatInterval)
	defer tick.Stop()
	for {
		if err := hosts.Heartbeat(ctx, number, time.Now().UTC()); err != nil {
			slog.Warn("heartbeat failed", slog.String("host", number), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
