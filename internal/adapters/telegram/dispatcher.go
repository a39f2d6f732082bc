package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/metrics"
)

const defaultRetryAfter = time.Second

// ErrUnknownChannel возвращается для канала, которого нет в списке разрешённых.
var ErrUnknownChannel = errors.New("telegram: неизвестный канал")

// APIError описывает окончательно неуспешный ответ Bot API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: ответ %d: %s", e.Status, e.Body)
}

// Response — результат одного вызова sendMessage.
type Response struct {
	Status     int
	RetryAfter time.Duration
	Body       string
}

// Transport отправляет одно сообщение. Ошибка означает сбой сети, а не статус ответа.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string) (Response, error)
}

// DefaultRetryDelays — паузы после ответов 5xx.
var DefaultRetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

// WithRetryDelays задаёт паузы после 5xx; последняя повторяется, если повторов больше.
func WithRetryDelays(delays []time.Duration) Option {
	return func(d *Dispatcher) {
		if len(delays) > 0 {
			d.delays = delays
		}
	}
}

// WithMaxRetries задаёт общий лимит повторов на одно сообщение.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithRateLimit включает общий темп отправки. rps <= 0 отключает его.
func WithRateLimit(rps float64) Option {
	return func(d *Dispatcher) {
		if rps > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger задаёт логгер.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher доставляет сообщения в разрешённые каналы по одному,
// повторяя отправку после 429 и 5xx.
type Dispatcher struct {
	transport  Transport
	allowed    map[int64]struct{}
	delays     []time.Duration
	maxRetries int
	limiter    *rate.Limiter
	log        zerolog.Logger
	wait       func(ctx context.Context, d time.Duration) error
}

var _ domain.ChannelDispatcher = (*Dispatcher)(nil)

// NewDispatcher создаёт диспетчер для списка каналов.
func NewDispatcher(transport Transport, channelIDs []int64, opts ...Option) *Dispatcher {
	allowed := make(map[int64]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		allowed[id] = struct{}{}
	}
	d := &Dispatcher{
		transport:  transport,
		allowed:    allowed,
		delays:     DefaultRetryDelays,
		maxRetries: 3,
		log:        zerolog.Nop(),
		wait:       sleep,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendBatch отправляет тексты по порядку и останавливается на первой ошибке.
// Пустые тексты пропускаются, длинные режутся по границам строк.
func (d *Dispatcher) SendBatch(ctx context.Context, channelID int64, texts []string) error {
	if _, ok := d.allowed[channelID]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownChannel, channelID)
	}
	for _, text := range texts {
		for _, part := range SplitMessage(text) {
			if err := d.send(ctx, channelID, part); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, channelID int64, text string) error {
	retries := 0
	for {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		resp, err := d.transport.SendMessage(ctx, channelID, text)
		if err != nil {
			return fmt.Errorf("telegram: отправка в %d: %w", channelID, err)
		}

		var wait time.Duration
		var reason string
		switch {
		case resp.Status >= 200 && resp.Status < 300:
			return nil
		case resp.Status == http.StatusTooManyRequests:
			wait = resp.RetryAfter
			if wait <= 0 {
				wait = defaultRetryAfter
			}
			reason = "rate_limited"
		case resp.Status >= 500:
			wait = d.delays[min(retries, len(d.delays)-1)]
			reason = "server_error"
		default:
			return &APIError{Status: resp.Status, Body: strings.TrimSpace(resp.Body)}
		}

		if retries >= d.maxRetries {
			return &APIError{Status: resp.Status, Body: strings.TrimSpace(resp.Body)}
		}
		retries++
		metrics.IncSendRetry(reason)
		d.log.Warn().
			Int64("chat_id", channelID).
			Int("status", resp.Status).
			Dur("wait", wait).
			Int("retry", retries).
			Msg("telegram: повторная отправка")
		if err := d.wait(ctx, wait); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
