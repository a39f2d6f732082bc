package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"movie-notifier/internal/app"
	"movie-notifier/internal/infra/cache"
	"movie-notifier/internal/infra/config"
	apphttp "movie-notifier/internal/infra/http"
	applog "movie-notifier/internal/infra/log"
	"movie-notifier/internal/infra/metrics"
	"movie-notifier/internal/usecase/schedule"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := applog.NewLogger("prod")
		fallback.Fatal().Err(err).Msg("scheduler: некорректная конфигурация")
	}
	logger := applog.NewLogger(cfg.AppEnv)

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := apphttp.NewServer(applog.Component(logger, "http"), registry)

	notifier, err := app.New(ctx, cfg, logger, server)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: не удалось собрать компоненты")
	}
	defer notifier.Close()

	opts := []schedule.Option{
		schedule.WithFailureRecorder(server),
		schedule.WithRunTimeout(cfg.RunTimeout),
	}
	if cfg.RedisAddr != "" {
		client, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			logger.Fatal().Err(err).Msg("scheduler: нет подключения к redis")
		}
		defer client.Close()
		opts = append(opts, schedule.WithLock(cache.NewRunLock(client, cfg.RedisKeyPrefix+"run-lock", cfg.RunTimeout)))
	}

	scheduler, err := schedule.NewService(cfg.Scheduler.Spec, cfg.Scheduler.TZ, notifier, applog.Component(logger, "schedule"), opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler: некорректное расписание")
	}

	go func() {
		if err := server.Start(cfg.Scheduler.HTTPAddr); err != nil {
			logger.Error().Err(err).Msg("scheduler: HTTP сервер остановился")
			stop()
		}
	}()

	scheduler.Start(ctx)
	<-ctx.Done()

	logger.Info().Msg("scheduler: остановка")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler: HTTP сервер остановлен с ошибкой")
	}
}
