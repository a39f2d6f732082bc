package tmdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"movie-notifier/internal/domain"
)

const (
	defaultBaseURL     = "https://api.themoviedb.org/3"
	defaultMaxPages    = 10
	defaultConcurrency = 4
	digitalReleaseType = 4
	discoverSorting    = "primary_release_date.asc"
	dateLayout         = "2006-01-02"
)

var (
	// ErrInvalidWindow возвращается, если начало окна позже конца.
	ErrInvalidWindow = errors.New("tmdb: некорректное окно релизов: начало позже конца")
	// ErrRetryLimitExceeded возвращается, когда все повторы после 5xx исчерпаны.
	ErrRetryLimitExceeded = errors.New("tmdb: предел повторных попыток исчерпан")
)

// StatusError описывает неуспешный ответ, который не повторяется.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tmdb: неожиданный статус ответа: %d", e.Status)
}

// DefaultRegions — порядок регионов при выборе даты цифрового релиза.
var DefaultRegions = []string{"US", "GB", "CA", "AU", "DE", "FR"}

// DefaultRetryDelays — паузы между повторами после ответов 5xx.
var DefaultRetryDelays = []time.Duration{5 * time.Minute, 15 * time.Minute, 30 * time.Minute}

// Config задаёт параметры клиента TMDB.
type Config struct {
	APIKey      string
	BaseURL     string
	MaxPages    int
	Concurrency int
	// RPS ограничивает частоту запросов; 0 отключает ограничение.
	RPS         float64
	Regions     []string
	RetryDelays []time.Duration
	Filter      Filter
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithLogger задаёт логгер.
func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.log = l }
}

// Client загружает цифровые релизы из TMDB.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

var _ domain.CatalogFetcher = (*Client)(nil)

// NewClient создаёт клиента, подставляя значения по умолчанию для незаданных полей.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if len(cfg.Regions) == 0 {
		cfg.Regions = DefaultRegions
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.Filter.isZero() {
		cfg.Filter = DefaultFilter()
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  zerolog.Nop(),
	}
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type discoverResponse struct {
	Page       int             `json:"page"`
	TotalPages int             `json:"total_pages"`
	Results    []discoverMovie `json:"results"`
}

type discoverMovie struct {
	ID               uint64  `json:"id"`
	Title            string  `json:"title"`
	ReleaseDate      string  `json:"release_date"`
	OriginalLanguage string  `json:"original_language"`
	Popularity       float64 `json:"popularity"`
}

type stub struct {
	movie   discoverMovie
	primary time.Time
}

// FetchCandidates возвращает релизы окна, прошедшие фильтр и отсутствующие в known.
// Порядок результата не определён.
func (c *Client) FetchCandidates(ctx context.Context, window domain.ReleaseWindow, known domain.KnownIDs) ([]domain.CandidateItem, error) {
	if !window.Valid() {
		return nil, ErrInvalidWindow
	}

	movies, err := c.discover(ctx, window)
	if err != nil {
		return nil, err
	}

	stubs := make([]stub, 0, len(movies))
	seen := make(map[uint64]struct{}, len(movies))
	for _, m := range movies {
		if known != nil && known.Contains(m.ID) {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if m.ReleaseDate == "" {
			continue
		}
		primary, err := time.Parse(dateLayout, m.ReleaseDate)
		if err != nil {
			return nil, fmt.Errorf("tmdb: разбор даты %q фильма %d: %w", m.ReleaseDate, m.ID, err)
		}
		seen[m.ID] = struct{}{}
		stubs = append(stubs, stub{movie: m, primary: primary})
	}

	results := make([]*domain.CandidateItem, len(stubs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, s := range stubs {
		g.Go(func() error {
			item, err := c.enrich(gctx, s, window.End)
			if err != nil {
				return err
			}
			results[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := make([]domain.CandidateItem, 0, len(results))
	for _, item := range results {
		if item != nil {
			items = append(items, *item)
		}
	}
	c.log.Info().
		Int("discovered", len(movies)).
		Int("enriched", len(stubs)).
		Int("accepted", len(items)).
		Msg("tmdb: кандидаты загружены")
	return items, nil
}

func (c *Client) discover(ctx context.Context, window domain.ReleaseWindow) ([]discoverMovie, error) {
	first, err := c.discoverPage(ctx, window, 1)
	if err != nil {
		return nil, err
	}
	movies := first.Results

	last := first.TotalPages
	if last > c.cfg.MaxPages {
		c.log.Warn().
			Int("total_pages", first.TotalPages).
			Int("max_pages", c.cfg.MaxPages).
			Msg("tmdb: выдача обрезана по лимиту страниц")
		last = c.cfg.MaxPages
	}
	for page := 2; page <= last; page++ {
		resp, err := c.discoverPage(ctx, window, page)
		if err != nil {
			return nil, err
		}
		movies = append(movies, resp.Results...)
	}
	return movies, nil
}

func (c *Client) discoverPage(ctx context.Context, window domain.ReleaseWindow, page int) (discoverResponse, error) {
	query := map[string]string{
		"sort_by":           discoverSorting,
		"with_release_type": strconv.Itoa(digitalReleaseType),
		"release_date.gte":  window.Start.UTC().Format(time.RFC3339),
		"release_date.lte":  window.End.UTC().Format(time.RFC3339),
		"include_adult":     "false",
		"page":              strconv.Itoa(page),
	}
	var resp discoverResponse
	if err := c.getJSON(ctx, "discover", "/discover/movie", query, &resp); err != nil {
		return discoverResponse{}, fmt.Errorf("discover, страница %d: %w", page, err)
	}
	return resp, nil
}

func (c *Client) enrich(ctx context.Context, s stub, now time.Time) (*domain.CandidateItem, error) {
	details, err := c.movieDetails(ctx, s.movie.ID)
	if err != nil {
		return nil, err
	}
	if !c.cfg.Filter.Accept(details) {
		c.log.Debug().Uint64("movie_id", s.movie.ID).Msg("tmdb: фильм отклонён фильтром")
		return nil, nil
	}
	dates, err := c.releaseDates(ctx, s.movie.ID)
	if err != nil {
		return nil, err
	}
	title := s.movie.Title
	if title == "" {
		title = details.Title
	}
	return &domain.CandidateItem{
		ID:               s.movie.ID,
		Title:            title,
		PrimaryDate:      s.primary,
		ReleaseDate:      resolveReleaseDate(dates, c.cfg.Regions, s.primary, now),
		OriginalLanguage: s.movie.OriginalLanguage,
		Popularity:       s.movie.Popularity,
		Homepage:         details.Homepage,
		AvailableOn:      details.providers(),
	}, nil
}
