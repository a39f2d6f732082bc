package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"movie-notifier/internal/domain"
)

// Бэкенды хранилища истории.
const (
	BackendGitHub   = "github"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ConfigError описывает отсутствующую или некорректную настройку.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// AppConfig описывает конфигурацию сервиса.
type AppConfig struct {
	AppEnv     string        `envconfig:"APP_ENV" default:"prod"`
	RunTimeout time.Duration `envconfig:"RUN_TIMEOUT" default:"3h"`

	TMDB struct {
		APIKey           string          `envconfig:"TMDB_API_KEY"`
		BaseURL          string          `envconfig:"TMDB_BASE_URL" default:"https://api.themoviedb.org/3"`
		MaxPages         int             `envconfig:"TMDB_MAX_PAGES" default:"10"`
		Concurrency      int             `envconfig:"TMDB_CONCURRENCY" default:"4"`
		RPS              float64         `envconfig:"TMDB_RPS" default:"20"`
		Regions          []string        `envconfig:"TMDB_REGIONS" default:"US,GB,CA,AU,DE,FR"`
		AllowedCountries []string        `envconfig:"TMDB_ALLOWED_COUNTRIES" default:"US,GB,CA,AU,FR,DE,IT,ES,JP,KR"`
		ExcludedGenres   []string        `envconfig:"TMDB_EXCLUDED_GENRES" default:"Documentary,TV Movie,Music,Reality"`
		MinRuntime       int             `envconfig:"TMDB_MIN_RUNTIME" default:"60"`
		RetryDelays      []time.Duration `envconfig:"TMDB_RETRY_DELAYS" default:"5m,15m,30m"`
	} `envconfig:""`

	Telegram struct {
		Token        string          `envconfig:"TELEGRAM_BOT_TOKEN"`
		ChatIDs      string          `envconfig:"TELEGRAM_CHAT_ID"`
		APIEndpoint  string          `envconfig:"TELEGRAM_API_ENDPOINT" default:"https://api.telegram.org/bot%s/%s"`
		MaxRetries   int             `envconfig:"TELEGRAM_MAX_RETRIES" default:"3"`
		RetryDelays  []time.Duration `envconfig:"TELEGRAM_RETRY_DELAYS" default:"5s,15s,30s"`
		RPS          float64         `envconfig:"TELEGRAM_RPS" default:"1"`
		ChannelsFile string          `envconfig:"CHANNELS_FILE"`
	} `envconfig:""`

	Ledger struct {
		Backend         string   `envconfig:"LEDGER_BACKEND" default:"github"`
		FilePath        string   `envconfig:"HISTORY_FILE" default:"state/sent_movie_ids.txt"`
		BlobName        string   `envconfig:"HISTORY_ARTIFACT" default:"sent-movie-ids"`
		LegacyBlobNames []string `envconfig:"HISTORY_LEGACY_ARTIFACTS" default:"sent_movie_ids"`
	} `envconfig:""`

	GitHub struct {
		Token      string `envconfig:"GITHUB_TOKEN"`
		Repository string `envconfig:"GITHUB_REPOSITORY"`
		APIURL     string `envconfig:"GITHUB_API_URL" default:"https://api.github.com"`
		UploadsURL string `envconfig:"GITHUB_UPLOADS_URL" default:"https://uploads.github.com"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr      string `envconfig:"REDIS_ADDR"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"movie-notifier:"`

	SQLitePath string `envconfig:"SQLITE_PATH" default:"state/ledger.db"`

	Notify struct {
		Lookback    time.Duration `envconfig:"LOOKBACK" default:"48h5m"`
		FreshWindow time.Duration `envconfig:"FRESH_WINDOW" default:"24h"`
		NotifyEmpty bool          `envconfig:"NOTIFY_EMPTY" default:"true"`
		EmptyText   string        `envconfig:"EMPTY_TEXT" default:"Новых цифровых релизов нет."`
	} `envconfig:""`

	Reports struct {
		AMQPURL  string `envconfig:"AMQP_URL"`
		Exchange string `envconfig:"REPORT_EXCHANGE"`
		Queue    string `envconfig:"REPORT_QUEUE" default:"notifier_reports"`
	} `envconfig:""`

	Metrics struct {
		PushgatewayURL string `envconfig:"PUSHGATEWAY_URL"`
		Job            string `envconfig:"METRICS_JOB" default:"movie-notifier"`
	} `envconfig:""`

	Scheduler struct {
		Spec     string `envconfig:"SCHEDULE" default:"0 */6 * * *"`
		HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
		TZ       string `envconfig:"TZ" default:"UTC"`
	} `envconfig:""`

	// Channels заполняется из TELEGRAM_CHAT_ID и файла каналов.
	Channels []domain.Channel `ignored:"true"`
}

// Load загружает конфиг: .env (если есть), окружение, файл каналов, затем проверяет его.
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("чтение .env: %w", err)
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("не удалось загрузить конфиг: %w", err)
	}
	if err := cfg.resolveChannels(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) resolveChannels() error {
	ids, err := ParseChatIDs(c.Telegram.ChatIDs)
	if err != nil {
		return err
	}
	channels := make([]domain.Channel, 0, len(ids))
	for _, id := range ids {
		channels = append(channels, domain.Channel{ID: id})
	}
	if c.Telegram.ChannelsFile != "" {
		fromFile, err := LoadChannelsFile(c.Telegram.ChannelsFile)
		if err != nil {
			return err
		}
		channels = MergeChannels(channels, fromFile)
	}
	c.Channels = channels
	return nil
}

// ParseChatIDs разбирает список идентификаторов чатов через запятую.
func ParseChatIDs(raw string) ([]int64, error) {
	var ids []int64
	seen := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, &ConfigError{Field: "TELEGRAM_CHAT_ID", Reason: fmt.Sprintf("некорректное значение %q", part)}
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ChannelIDs возвращает идентификаторы всех настроенных каналов.
func (c AppConfig) ChannelIDs() []int64 {
	ids := make([]int64, 0, len(c.Channels))
	for _, ch := range c.Channels {
		ids = append(ids, ch.ID)
	}
	return ids
}

// GitHubOwnerRepo разбирает GITHUB_REPOSITORY вида owner/name.
func (c AppConfig) GitHubOwnerRepo() (string, string, error) {
	owner, name, ok := strings.Cut(strings.TrimSpace(c.GitHub.Repository), "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", &ConfigError{Field: "GITHUB_REPOSITORY", Reason: fmt.Sprintf("ожидается owner/name, получено %q", c.GitHub.Repository)}
	}
	return owner, name, nil
}

// Validate проверяет обязательные настройки.
func (c AppConfig) Validate() error {
	if strings.TrimSpace(c.TMDB.APIKey) == "" {
		return &ConfigError{Field: "TMDB_API_KEY", Reason: "не задан"}
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return &ConfigError{Field: "TELEGRAM_BOT_TOKEN", Reason: "не задан"}
	}
	if len(c.Channels) == 0 {
		return &ConfigError{Field: "TELEGRAM_CHAT_ID", Reason: "не задан ни один канал"}
	}
	if c.TMDB.MaxPages < 1 {
		return &ConfigError{Field: "TMDB_MAX_PAGES", Reason: "должно быть не меньше 1"}
	}
	if c.TMDB.Concurrency < 1 {
		return &ConfigError{Field: "TMDB_CONCURRENCY", Reason: "должно быть не меньше 1"}
	}
	if c.Telegram.MaxRetries < 0 {
		return &ConfigError{Field: "TELEGRAM_MAX_RETRIES", Reason: "не может быть отрицательным"}
	}
	if len(c.Telegram.RetryDelays) == 0 {
		return &ConfigError{Field: "TELEGRAM_RETRY_DELAYS", Reason: "нужна хотя бы одна задержка"}
	}
	if c.Notify.Lookback <= 0 {
		return &ConfigError{Field: "LOOKBACK", Reason: "должно быть положительным"}
	}
	if strings.TrimSpace(c.Ledger.FilePath) == "" {
		return &ConfigError{Field: "HISTORY_FILE", Reason: "не задан"}
	}
	if strings.TrimSpace(c.Ledger.BlobName) == "" {
		return &ConfigError{Field: "HISTORY_ARTIFACT", Reason: "не задан"}
	}

	switch c.Ledger.Backend {
	case BackendGitHub:
		if _, _, err := c.GitHubOwnerRepo(); err != nil {
			return err
		}
		if strings.TrimSpace(c.GitHub.Token) == "" {
			return &ConfigError{Field: "GITHUB_TOKEN", Reason: "не задан"}
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return &ConfigError{Field: "REDIS_ADDR", Reason: "не задан для бэкенда redis"}
		}
	case BackendPostgres:
		if c.PGDSN == "" {
			return &ConfigError{Field: "PG_DSN", Reason: "не задан для бэкенда postgres"}
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return &ConfigError{Field: "SQLITE_PATH", Reason: "не задан для бэкенда sqlite"}
		}
	default:
		return &ConfigError{Field: "LEDGER_BACKEND", Reason: fmt.Sprintf("неизвестный бэкенд %q", c.Ledger.Backend)}
	}
	return nil
}
