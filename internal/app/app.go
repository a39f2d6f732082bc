// Package app собирает компоненты уведомителя из конфигурации.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"movie-notifier/internal/adapters/ledgerstore"
	"movie-notifier/internal/adapters/telegram"
	"movie-notifier/internal/adapters/tmdb"
	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/config"
	applog "movie-notifier/internal/infra/log"
	"movie-notifier/internal/infra/metrics"
	"movie-notifier/internal/infra/queue"
	"movie-notifier/internal/usecase/ledger"
	"movie-notifier/internal/usecase/notify"
)

const httpTimeout = 30 * time.Second

// App — собранный уведомитель.
type App struct {
	service *notify.Service
	ledger  *ledger.Ledger
	log     zerolog.Logger
	closers []func()
}

// New создаёт хранилище истории, клиентов TMDB и Telegram, репортёры и оркестратор.
// extra добавляются к стандартным репортёрам (метрики и, если задан AMQP_URL, RabbitMQ).
func New(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger, extra ...domain.RunReporter) (*App, error) {
	a := &App{log: applog.Component(logger, "app")}

	store, closeStore, err := ledgerstore.Open(ctx, cfg, applog.Component(logger, "ledgerstore"))
	if err != nil {
		return nil, fmt.Errorf("хранилище истории: %w", err)
	}
	a.closers = append(a.closers, closeStore)

	a.ledger = ledger.New(cfg.Ledger.FilePath, cfg.Ledger.BlobName, store, applog.Component(logger, "ledger"))

	fetcher := tmdb.NewClient(tmdb.Config{
		APIKey:      cfg.TMDB.APIKey,
		BaseURL:     cfg.TMDB.BaseURL,
		MaxPages:    cfg.TMDB.MaxPages,
		Concurrency: cfg.TMDB.Concurrency,
		RPS:         cfg.TMDB.RPS,
		Regions:     cfg.TMDB.Regions,
		RetryDelays: cfg.TMDB.RetryDelays,
		Filter: tmdb.Filter{
			AllowedCountries: cfg.TMDB.AllowedCountries,
			ExcludedGenres:   cfg.TMDB.ExcludedGenres,
			MinRuntime:       cfg.TMDB.MinRuntime,
		},
	},
		tmdb.WithHTTPClient(&http.Client{Timeout: httpTimeout}),
		tmdb.WithLogger(applog.Component(logger, "tmdb")),
	)

	transport, err := telegram.NewBotTransport(cfg.Telegram.Token, cfg.Telegram.APIEndpoint, &http.Client{Timeout: httpTimeout})
	if err != nil {
		a.Close()
		return nil, err
	}
	dispatcher := telegram.NewDispatcher(transport, cfg.ChannelIDs(),
		telegram.WithRetryDelays(cfg.Telegram.RetryDelays),
		telegram.WithMaxRetries(cfg.Telegram.MaxRetries),
		telegram.WithRateLimit(cfg.Telegram.RPS),
		telegram.WithLogger(applog.Component(logger, "telegram")),
	)

	reporters := []domain.RunReporter{metrics.NewReporter(a.ledger.Len)}
	if cfg.Reports.AMQPURL != "" {
		rabbit, err := queue.NewRabbitReporter(cfg.Reports.AMQPURL, cfg.Reports.Exchange, cfg.Reports.Queue)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("очередь отчётов: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := rabbit.Close(); err != nil {
				a.log.Warn().Err(err).Msg("app: закрытие rabbitmq")
			}
		})
		reporters = append(reporters, rabbit)
	}
	reporters = append(reporters, extra...)

	a.service = notify.NewService(a.ledger, fetcher, dispatcher, notify.Config{
		Channels:        cfg.Channels,
		Lookback:        cfg.Notify.Lookback,
		FreshWindow:     cfg.Notify.FreshWindow,
		NotifyEmpty:     cfg.Notify.NotifyEmpty,
		EmptyText:       cfg.Notify.EmptyText,
		LegacyBlobNames: cfg.Ledger.LegacyBlobNames,
	}, applog.Component(logger, "notify"), reporters...)

	return a, nil
}

// Run выполняет один прогон и учитывает неудачу в метриках.
func (a *App) Run(ctx context.Context) (domain.RunSummary, error) {
	summary, err := a.service.Run(ctx, time.Now().UTC())
	if err != nil {
		metrics.ObserveRunFailure(summary.Duration)
		return summary, err
	}
	return summary, nil
}

// Close освобождает соединения в обратном порядке.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
