package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/metrics"
)

// RunReport — сообщение с итогами прогона, публикуемое в очередь.
type RunReport struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`
	Fetched      int       `json:"fetched"`
	New          int       `json:"new_releases"`
	Duplicates   int       `json:"duplicates"`
	MessagesSent int       `json:"messages_sent"`
	LedgerAdded  int       `json:"history_appended"`
	Empty        bool      `json:"empty"`
	Summary      string    `json:"summary"`
}

// NewRunReport собирает сообщение из итогов прогона.
func NewRunReport(s domain.RunSummary) RunReport {
	return RunReport{
		RunID:        s.RunID,
		StartedAt:    s.StartedAt.UTC(),
		DurationMS:   s.Duration.Milliseconds(),
		Fetched:      s.Fetched,
		New:          s.New,
		Duplicates:   s.Duplicates,
		MessagesSent: s.MessagesSent,
		LedgerAdded:  s.LedgerAdded,
		Empty:        s.Empty,
		Summary:      s.RenderMarkdown(),
	}
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitReporter публикует итоги прогонов в RabbitMQ.
type RabbitReporter struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	queue    string
}

// NewRabbitReporter подключается к брокеру и объявляет очередь отчётов.
func NewRabbitReporter(amqpURL, exchange, queue string) (*RabbitReporter, error) {
	if strings.TrimSpace(amqpURL) == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if exchange != "" {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("declare exchange: %w", err)
		}
		if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("bind queue: %w", err)
		}
	}
	return &RabbitReporter{conn: conn, ch: ch, exchange: exchange, queue: queue}, nil
}

// Report реализует domain.RunReporter.
func (r *RabbitReporter) Report(ctx context.Context, s domain.RunSummary) error {
	payload, err := json.Marshal(NewRunReport(s))
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	start := time.Now()
	err = r.ch.PublishWithContext(ctx, r.exchange, r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    s.RunID,
		Timestamp:    start,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", r.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish report: %w", err)
	}
	return nil
}

// Close закрывает соединение с брокером.
func (r *RabbitReporter) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}
