package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"movie-notifier/internal/domain"
)

type recordingChannel struct {
	exchange string
	key      string
	msg      amqp.Publishing
	err      error
}

func (c *recordingChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.exchange = exchange
	c.key = key
	c.msg = msg
	return c.err
}

func TestReportPublishesJSON(t *testing.T) {
	ch := &recordingChannel{}
	r := &RabbitReporter{ch: ch, exchange: "", queue: "notifier_reports"}
	summary := domain.RunSummary{
		RunID:        "run-1",
		StartedAt:    time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Duration:     1500 * time.Millisecond,
		Fetched:      4,
		New:          2,
		Duplicates:   2,
		MessagesSent: 1,
		LedgerAdded:  2,
	}

	if err := r.Report(context.Background(), summary); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if ch.key != "notifier_reports" || ch.msg.MessageId != "run-1" {
		t.Fatalf("неожиданная публикация: key=%s id=%s", ch.key, ch.msg.MessageId)
	}
	var got RunReport
	if err := json.Unmarshal(ch.msg.Body, &got); err != nil {
		t.Fatalf("тело не JSON: %v", err)
	}
	if got.New != 2 || got.LedgerAdded != 2 || got.DurationMS != 1500 {
		t.Fatalf("неожиданный отчёт: %+v", got)
	}
	if got.Summary == "" {
		t.Fatalf("отчёт должен содержать текстовую сводку")
	}
}

func TestReportPropagatesPublishError(t *testing.T) {
	ch := &recordingChannel{err: errors.New("closed")}
	r := &RabbitReporter{ch: ch, queue: "q"}
	if err := r.Report(context.Background(), domain.RunSummary{}); err == nil {
		t.Fatalf("ожидали ошибку публикации")
	}
}

func TestNewRabbitReporterValidatesInput(t *testing.T) {
	if _, err := NewRabbitReporter("", "", "q"); err == nil {
		t.Fatalf("ожидали ошибку для пустого url")
	}
	if _, err := NewRabbitReporter("amqp://localhost", "", ""); err == nil {
		t.Fatalf("ожидали ошибку для пустой очереди")
	}
}
