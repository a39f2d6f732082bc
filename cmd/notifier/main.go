package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"movie-notifier/internal/app"
	"movie-notifier/internal/infra/config"
	applog "movie-notifier/internal/infra/log"
	"movie-notifier/internal/infra/metrics"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger := applog.NewLogger("prod")
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			logger.Error().Str("field", cfgErr.Field).Str("reason", cfgErr.Reason).Msg("notifier: некорректная конфигурация")
		} else {
			logger.Error().Err(err).Msg("notifier: не удалось загрузить конфиг")
		}
		return 1
	}
	logger := applog.NewLogger(cfg.AppEnv)

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	notifier, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("notifier: не удалось собрать компоненты")
		return 1
	}
	defer notifier.Close()

	summary, runErr := notifier.Run(ctx)

	pushCtx, pushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pushCancel()
	if err := metrics.Push(pushCtx, logger, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, registry); err != nil {
		logger.Warn().Err(err).Msg("notifier: метрики не отправлены")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Str("run_id", summary.RunID).Msg("notifier: прогон завершился ошибкой")
		return 1
	}
	logger.Info().
		Str("run_id", summary.RunID).
		Dur("duration", summary.Duration).
		Bool("empty", summary.Empty).
		Msg("notifier: прогон успешно завершён")
	return 0
}
