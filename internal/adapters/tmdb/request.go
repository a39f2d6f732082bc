package tmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"movie-notifier/internal/infra/metrics"
)

const maxBodySize = 16 << 20

// getJSON выполняет GET с повторами после 5xx и декодирует ответ в out.
// Ошибки транспорта не повторяются.
func (c *Client) getJSON(ctx context.Context, operation, path string, query map[string]string, out any) error {
	values := url.Values{}
	values.Set("api_key", c.cfg.APIKey)
	for k, v := range query {
		values.Set(k, v)
	}
	endpoint := c.cfg.BaseURL + path + "?" + values.Encode()

	for attempt := 0; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		status, body, err := c.send(ctx, operation, endpoint)
		if err != nil {
			return err
		}
		switch {
		case status >= 500:
			if attempt >= len(c.cfg.RetryDelays) {
				return ErrRetryLimitExceeded
			}
			delay := c.cfg.RetryDelays[attempt]
			c.log.Warn().
				Int("status", status).
				Str("operation", operation).
				Dur("delay", delay).
				Int("attempt", attempt+1).
				Msg("tmdb: ошибка сервера, повторим позже")
			if err := sleep(ctx, delay); err != nil {
				return err
			}
			continue
		case status < 200 || status >= 300:
			return &StatusError{Status: status}
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("tmdb: разбор ответа %s: %w", operation, err)
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, operation, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("tmdb: создание запроса: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("tmdb", operation, "api", start, err)
		return 0, nil, fmt.Errorf("tmdb: %s: %w", operation, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	observed := err
	if observed == nil && resp.StatusCode >= 400 {
		observed = fmt.Errorf("status %d", resp.StatusCode)
	}
	metrics.ObserveNetworkRequest("tmdb", operation, "api", start, observed)
	if err != nil {
		return 0, nil, fmt.Errorf("tmdb: чтение ответа %s: %w", operation, err)
	}
	return resp.StatusCode, body, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
