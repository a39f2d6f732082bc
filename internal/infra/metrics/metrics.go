package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rs/zerolog"

	"movie-notifier/internal/domain"
)

var (
	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60, 120, 300, 600, 900, 1800},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})

	RunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_runs_total",
		Help: "Количество прогонов по результату",
	}, []string{"result"})

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notifier_run_duration_seconds",
		Help:    "Длительность прогона",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200, 10800},
	})

	ItemsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_items_total",
		Help: "Релизы, обработанные прогонами",
	}, []string{"kind"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notifier_messages_sent_total",
		Help: "Сообщения, доставленные в каналы",
	})

	SendRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_send_retries_total",
		Help: "Повторы отправки по причине",
	}, []string{"reason"})

	LedgerSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_ledger_size",
		Help: "Размер истории отправленных релизов",
	})

	LastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notifier_last_success_timestamp_seconds",
		Help: "Время последнего успешного прогона",
	})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		NetworkRequestDuration,
		NetworkRequestTotal,
		RunsTotal,
		RunDuration,
		ItemsTotal,
		MessagesSent,
		SendRetries,
		LedgerSize,
		LastSuccess,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncSendRetry учитывает повтор отправки сообщения.
func IncSendRetry(reason string) {
	SendRetries.WithLabelValues(reason).Inc()
}

// ObserveRunFailure учитывает упавший прогон.
func ObserveRunFailure(duration time.Duration) {
	RunsTotal.WithLabelValues("error").Inc()
	RunDuration.Observe(duration.Seconds())
}

// Reporter переносит итоги прогона в метрики.
type Reporter struct {
	ledgerSize func() int
}

// NewReporter создаёт репортёр. ledgerSize может быть nil.
func NewReporter(ledgerSize func() int) *Reporter {
	return &Reporter{ledgerSize: ledgerSize}
}

// Report реализует domain.RunReporter.
func (r *Reporter) Report(_ context.Context, s domain.RunSummary) error {
	result := "success"
	if s.Empty {
		result = "empty"
	}
	RunsTotal.WithLabelValues(result).Inc()
	RunDuration.Observe(s.Duration.Seconds())
	ItemsTotal.WithLabelValues("fetched").Add(float64(s.Fetched))
	ItemsTotal.WithLabelValues("new").Add(float64(s.New))
	ItemsTotal.WithLabelValues("duplicate").Add(float64(s.Duplicates))
	ItemsTotal.WithLabelValues("recorded").Add(float64(s.LedgerAdded))
	MessagesSent.Add(float64(s.MessagesSent))
	if r.ledgerSize != nil {
		LedgerSize.Set(float64(r.ledgerSize()))
	}
	LastSuccess.Set(float64(s.StartedAt.Add(s.Duration).Unix()))
	return nil
}

// Push отправляет метрики в Pushgateway. Пустой url означает, что пуш выключен.
func Push(ctx context.Context, logger zerolog.Logger, url, job string, gatherer prometheus.Gatherer) error {
	if url == "" {
		return nil
	}
	start := time.Now()
	err := push.New(url, job).Gatherer(gatherer).PushContext(ctx)
	ObserveNetworkRequest("pushgateway", "push", job, start, err)
	if err != nil {
		return fmt.Errorf("пуш метрик: %w", err)
	}
	logger.Debug().Str("job", job).Msg("metrics: метрики отправлены в pushgateway")
	return nil
}
