package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"movie-notifier/internal/domain"
)

var (
	// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
	ErrInvalidTimezone = errors.New("invalid timezone")
	// ErrInvalidSpec возвращается, если не разбирается cron-выражение.
	ErrInvalidSpec = errors.New("invalid schedule")
)

// Runner выполняет один прогон.
type Runner interface {
	Run(ctx context.Context) (domain.RunSummary, error)
}

// Locker не даёт запустить прогон, пока идёт другой, в том числе на другом хосте.
type Locker interface {
	Once(ctx context.Context, fn func() error) (bool, error)
}

// FailureRecorder получает ошибки прогонов.
type FailureRecorder interface {
	RecordFailure(err error)
}

// Service запускает прогоны по cron-расписанию. Пока прогон идёт, следующий
// срабатывание пропускается.
type Service struct {
	runner   Runner
	lock     Locker
	failures FailureRecorder
	timeout  time.Duration
	log      zerolog.Logger

	c    *cron.Cron
	base context.Context
}

// Option настраивает Service.
type Option func(*Service)

// WithLock включает распределённую блокировку прогонов.
func WithLock(l Locker) Option {
	return func(s *Service) { s.lock = l }
}

// WithFailureRecorder передаёт ошибки прогонов, например в /status.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(s *Service) { s.failures = r }
}

// WithRunTimeout ограничивает длительность одного прогона.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService разбирает расписание и часовой пояс.
func NewService(spec, timezone string, runner Runner, logger zerolog.Logger, opts ...Option) (*Service, error) {
	tz, err := normalizeTimezone(timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", err, timezone)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimezone, timezone)
	}

	s := &Service{runner: runner, log: logger, base: context.Background()}
	for _, opt := range opts {
		opt(s)
	}

	cl := cronLogger{log: logger}
	s.c = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.c.AddFunc(strings.TrimSpace(spec), s.trigger); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return s, nil
}

// Start запускает планировщик. Отмена ctx прерывает идущий прогон.
func (s *Service) Start(ctx context.Context) {
	s.base = ctx
	s.c.Start()
	for _, e := range s.c.Entries() {
		s.log.Info().Time("next", e.Next).Msg("schedule: планировщик запущен")
	}
}

// Stop останавливает планировщик и ждёт завершения идущего прогона.
func (s *Service) Stop() {
	<-s.c.Stop().Done()
}

// RunNow выполняет прогон вне расписания.
func (s *Service) RunNow(ctx context.Context) error {
	return s.runOnce(ctx)
}

func (s *Service) trigger() {
	if err := s.runOnce(s.base); err != nil {
		s.log.Error().Err(err).Msg("schedule: прогон завершился ошибкой")
	}
}

func (s *Service) runOnce(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	run := func() error {
		summary, err := s.runner.Run(ctx)
		if err != nil {
			if s.failures != nil {
				s.failures.RecordFailure(err)
			}
			return err
		}
		s.log.Info().Str("run_id", summary.RunID).Dur("duration", summary.Duration).Msg("schedule: прогон завершён")
		return nil
	}

	if s.lock == nil {
		return run()
	}
	acquired, err := s.lock.Once(ctx, run)
	if !acquired && err == nil {
		s.log.Warn().Msg("schedule: прогон уже идёт на другом экземпляре, пропускаем")
	}
	return err
}

// cronLogger переводит логи cron в zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
