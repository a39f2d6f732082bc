package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"movie-notifier/internal/infra/metrics"
)

// BotTransport отправляет сообщения через telegram-bot-api в режиме HTML без превью ссылок.
type BotTransport struct {
	api *tgbotapi.BotAPI
}

var _ Transport = (*BotTransport)(nil)

// NewBotTransport создаёт клиента Bot API и проверяет токен вызовом getMe.
// endpoint в формате tgbotapi.APIEndpoint; пустое значение означает api.telegram.org.
func NewBotTransport(token, endpoint string, client *http.Client) (*BotTransport, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, statusClient{base: client})
	if err != nil {
		return nil, fmt.Errorf("инициализация бота: %w", err)
	}
	return &BotTransport{api: api}, nil
}

// SendMessage реализует Transport. Статус ответа переносится в Response,
// ошибкой считается только сбой сети или разбора.
func (t *BotTransport) SendMessage(ctx context.Context, chatID int64, text string) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	start := time.Now()
	_, err := t.api.Send(msg)
	metrics.ObserveNetworkRequest("telegram_bot", "send_message", strconv.FormatInt(chatID, 10), start, err)
	if err == nil {
		return Response{Status: http.StatusOK}, nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return Response{
			Status:     apiErr.Code,
			RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			Body:       apiErr.Message,
		}, nil
	}
	return Response{}, err
}

// statusClient подменяет не-JSON тело ошибочного ответа (например, HTML от прокси при 502)
// на ответ Bot API с кодом статуса, чтобы tgbotapi вернул *tgbotapi.Error.
type statusClient struct {
	base *http.Client
}

func (c statusClient) Do(req *http.Request) (*http.Response, error) {
	resp, err := c.base.Do(req)
	if err != nil || resp.StatusCode < 400 {
		return resp, err
	}
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if readErr == nil && json.Valid(body) {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		return resp, nil
	}
	payload, _ := json.Marshal(map[string]any{
		"ok":          false,
		"error_code":  resp.StatusCode,
		"description": strings.TrimSpace(string(body)),
	})
	resp.Body = io.NopCloser(bytes.NewReader(payload))
	resp.ContentLength = int64(len(payload))
	return resp, nil
}
