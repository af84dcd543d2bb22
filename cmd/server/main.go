// Command server starts the device farm API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/doai/devicefarm/internal/adapter/httpserver"
	"github.com/doai/devicefarm/internal/adapter/observability"
	asynqadp "github.com/doai/devicefarm/internal/adapter/queue/asynq"
	"github.com/doai/devicefarm/internal/adapter/repo/postgres"
	"github.com/doai/devicefarm/internal/adapter/uiauto"
	"github.com/doai/devicefarm/internal/app"
	"github.com/doai/devicefarm/internal/config"
	"github.com/doai/devicefarm/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	hostRepo := postgres.NewHostRepo(pool)
	deviceRepo := postgres.NewDeviceRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)

	dispatcher, err := asynqadp.NewDispatcher(cfg.RedisURL)
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			slog.Error("failed to close dispatcher", slog.Any("error", err))
		}
	}()

	hostSvc := usecase.NewHostService(hostRepo)
	deviceSvc := usecase.NewDeviceService(deviceRepo, hostRepo)
	taskSvc := usecase.NewTaskService(taskRepo, hostRepo, deviceRepo, dispatcher)
	botSvc := usecase.NewBotService(taskSvc)

	dbCheck, brokerCheck := app.BuildReadinessChecks(pool, dispatcher)
	appiumClient := uiauto.NewClient(cfg.AppiumURL)

	srv := httpserver.NewServer(cfg, hostSvc, deviceSvc, taskSvc, botSvc, appiumClient, dbCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
