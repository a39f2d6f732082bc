package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"movie-notifier/internal/domain"
)

var (
	// ErrFetch возвращается, если каталог не удалось загрузить.
	ErrFetch = errors.New("notify: ошибка загрузки каталога")
	// ErrDispatch возвращается, если хотя бы один канал не получил свои сообщения.
	ErrDispatch = errors.New("notify: ошибка доставки")
	// ErrPersist возвращается, если обновлённую историю не удалось сохранить.
	ErrPersist = errors.New("notify: ошибка сохранения истории")
)

// Ledger — история отправок, которой управляет прогон.
type Ledger interface {
	domain.KnownIDs
	Restore(ctx context.Context) error
	ImportLegacy(ctx context.Context, name string) (int, error)
	HasLocalCache() bool
	Append(ids []domain.ItemID) int
	Persist(ctx context.Context) error
	Len() int
}

// Config задаёт параметры прогона.
type Config struct {
	Channels        []domain.Channel
	Lookback        time.Duration
	FreshWindow     time.Duration
	NotifyEmpty     bool
	EmptyText       string
	LegacyBlobNames []string
}

// Service выполняет один прогон: восстановление истории, загрузка каталога,
// отбор новых релизов, доставка и сохранение истории.
type Service struct {
	ledger     Ledger
	fetcher    domain.CatalogFetcher
	dispatcher domain.ChannelDispatcher
	formatter  *Formatter
	cfg        Config
	log        zerolog.Logger
	reporters  []domain.RunReporter
	newRunID   func() string
}

// NewService создаёт оркестратор прогона.
func NewService(ledger Ledger, fetcher domain.CatalogFetcher, dispatcher domain.ChannelDispatcher, cfg Config, logger zerolog.Logger, reporters ...domain.RunReporter) *Service {
	if cfg.EmptyText == "" {
		cfg.EmptyText = "Новых цифровых релизов нет."
	}
	return &Service{
		ledger:     ledger,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		formatter:  NewFormatter(cfg.FreshWindow),
		cfg:        cfg,
		log:        logger,
		reporters:  reporters,
		newRunID:   func() string { return uuid.NewString() },
	}
}

// Run выполняет прогон. Идентификаторы попадают в историю только после того,
// как все сообщения с ними доставлены; при ошибке загрузки или доставки история
// не сохраняется.
func (s *Service) Run(ctx context.Context, now time.Time) (domain.RunSummary, error) {
	summary := domain.RunSummary{RunID: s.newRunID(), StartedAt: now}
	log := s.log.With().Str("run_id", summary.RunID).Logger()
	started := time.Now()

	log.Info().Str("stage", "restoring").Msg("notify: восстановление истории")
	s.restore(ctx, log)

	log.Info().Str("stage", "fetching").Msg("notify: загрузка каталога")
	window := domain.WindowBefore(now, s.cfg.Lookback)
	items, err := s.fetcher.FetchCandidates(ctx, window, s.ledger)
	if err != nil {
		return s.finish(summary, started), fmt.Errorf("%w: %w", ErrFetch, err)
	}

	log.Info().Str("stage", "filtering").Int("received", len(items)).Msg("notify: отбор новых релизов")
	fresh, duplicates := s.partition(items)
	summary.Fetched = len(fresh) + duplicates
	summary.New = len(fresh)
	summary.Duplicates = duplicates

	if len(fresh) == 0 {
		summary.Empty = true
		sent, err := s.notifyEmpty(ctx, log)
		summary.MessagesSent = sent
		if err != nil {
			return s.finish(summary, started), err
		}
		log.Info().Str("stage", "done").Msg("notify: новых релизов нет")
		summary = s.finish(summary, started)
		s.report(ctx, log, summary)
		return summary, nil
	}

	log.Info().Str("stage", "dispatching").Int("new", len(fresh)).Msg("notify: отправка сообщений")
	delivered, sent, err := s.dispatch(ctx, fresh, now)
	summary.MessagesSent = sent
	if err != nil {
		return s.finish(summary, started), err
	}

	log.Info().Str("stage", "persisting").Msg("notify: сохранение истории")
	summary.LedgerAdded = s.ledger.Append(delivered)
	if summary.LedgerAdded > 0 {
		if err := s.ledger.Persist(ctx); err != nil {
			return s.finish(summary, started), fmt.Errorf("%w: %w", ErrPersist, err)
		}
	}

	summary = s.finish(summary, started)
	log.Info().
		Str("stage", "done").
		Int("fetched", summary.Fetched).
		Int("new", summary.New).
		Int("duplicates", summary.Duplicates).
		Int("messages", summary.MessagesSent).
		Int("ledger_added", summary.LedgerAdded).
		Msg("notify: прогон завершён")
	log.Debug().Msg(summary.RenderMarkdown())
	s.report(ctx, log, summary)
	return summary, nil
}

func (s *Service) finish(summary domain.RunSummary, started time.Time) domain.RunSummary {
	summary.Duration = time.Since(started)
	return summary
}

func (s *Service) restore(ctx context.Context, log zerolog.Logger) {
	if err := s.ledger.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("notify: не удалось восстановить историю, продолжаем с тем, что есть")
		return
	}
	if s.ledger.Len() > 0 || s.ledger.HasLocalCache() {
		log.Info().Int("size", s.ledger.Len()).Msg("notify: история восстановлена")
		return
	}

	imported := 0
	for _, name := range s.cfg.LegacyBlobNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		n, err := s.ledger.ImportLegacy(ctx, name)
		if err != nil {
			log.Warn().Err(err).Str("blob", name).Msg("notify: не удалось импортировать старую историю")
			continue
		}
		imported += n
	}
	if imported == 0 {
		return
	}
	log.Info().Int("imported", imported).Msg("notify: импортирована история из старого хранилища")
	if err := s.ledger.Persist(ctx); err != nil {
		log.Warn().Err(err).Msg("notify: не удалось сохранить импортированную историю")
	}
}

// partition отделяет новые релизы от уже отправленных; повторы внутри выдачи
// схлопываются и не учитываются ни в новых, ни в дубликатах.
func (s *Service) partition(items []domain.CandidateItem) ([]domain.CandidateItem, int) {
	seen := make(map[domain.ItemID]struct{}, len(items))
	fresh := make([]domain.CandidateItem, 0, len(items))
	duplicates := 0
	for _, item := range items {
		if _, ok := seen[item.ID]; ok {
			continue
		}
		seen[item.ID] = struct{}{}
		if s.ledger.Contains(item.ID) {
			duplicates++
			continue
		}
		fresh = append(fresh, item)
	}
	return fresh, duplicates
}

type channelBatch struct {
	channelID int64
	messages  []domain.Message
}

func (s *Service) dispatch(ctx context.Context, items []domain.CandidateItem, now time.Time) ([]domain.ItemID, int, error) {
	batches := make([]channelBatch, 0, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		messages := s.formatter.BuildMessages(ch, items, now)
		if len(messages) == 0 {
			s.log.Debug().Int64("channel", ch.ID).Msg("notify: для канала нет подходящих релизов")
			continue
		}
		batches = append(batches, channelBatch{channelID: ch.ID, messages: messages})
	}

	if err := s.sendBatches(ctx, batches); err != nil {
		return nil, 0, err
	}

	var delivered []domain.ItemID
	sent := 0
	for _, b := range batches {
		for _, m := range b.messages {
			delivered = append(delivered, m.ItemIDs...)
		}
		sent += len(b.messages)
	}
	return delivered, sent, nil
}

func (s *Service) notifyEmpty(ctx context.Context, log zerolog.Logger) (int, error) {
	if !s.cfg.NotifyEmpty {
		return 0, nil
	}
	log.Info().Str("stage", "dispatching").Msg("notify: отправка уведомления об отсутствии релизов")
	batches := make([]channelBatch, 0, len(s.cfg.Channels))
	for _, ch := range s.cfg.Channels {
		batches = append(batches, channelBatch{
			channelID: ch.ID,
			messages:  []domain.Message{{ChannelID: ch.ID, Text: escapeHTML(s.cfg.EmptyText)}},
		})
	}
	if err := s.sendBatches(ctx, batches); err != nil {
		return 0, err
	}
	return len(batches), nil
}

// sendBatches отправляет каналы параллельно, сообщения одного канала идут по порядку.
func (s *Service) sendBatches(ctx context.Context, batches []channelBatch) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		texts := make([]string, 0, len(b.messages))
		for _, m := range b.messages {
			texts = append(texts, m.Text)
		}
		channelID := b.channelID
		g.Go(func() error {
			if err := s.dispatcher.SendBatch(gctx, channelID, texts); err != nil {
				return fmt.Errorf("%w: канал %d: %w", ErrDispatch, channelID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) report(ctx context.Context, log zerolog.Logger, summary domain.RunSummary) {
	for _, r := range s.reporters {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, summary); err != nil {
			log.Warn().Err(err).Msg("notify: не удалось отправить итоги прогона")
		}
	}
}
