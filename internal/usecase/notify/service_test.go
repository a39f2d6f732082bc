package notify

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/usecase/ledger"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	uploadErr error
	uploads   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blobs: map[string][]byte{}}
}

func (m *memoryStore) DownloadBlob(_ context.Context, name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.blobs[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), content...), true, nil
}

func (m *memoryStore) UploadBlob(_ context.Context, name, _ string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.blobs[name] = append([]byte(nil), content...)
	m.uploads++
	return nil
}

type stubFetcher struct {
	items  []domain.CandidateItem
	err    error
	window domain.ReleaseWindow
}

func (f *stubFetcher) FetchCandidates(_ context.Context, window domain.ReleaseWindow, _ domain.KnownIDs) ([]domain.CandidateItem, error) {
	f.window = window
	return f.items, f.err
}

type recordingDispatcher struct {
	mu      sync.Mutex
	sent    map[int64][]string
	failFor map[int64]error
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{sent: map[int64][]string{}, failFor: map[int64]error{}}
}

func (d *recordingDispatcher) SendBatch(_ context.Context, channelID int64, texts []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failFor[channelID]; err != nil {
		return err
	}
	d.sent[channelID] = append(d.sent[channelID], texts...)
	return nil
}

type recordingReporter struct {
	summaries []domain.RunSummary
	err       error
}

func (r *recordingReporter) Report(_ context.Context, s domain.RunSummary) error {
	r.summaries = append(r.summaries, s)
	return r.err
}

func newTestLedger(t *testing.T, store *memoryStore) *ledger.Ledger {
	t.Helper()
	return ledger.New(filepath.Join(t.TempDir(), "sent_movie_ids.txt"), "sent-movie-ids", store, zerolog.Nop())
}

func item(id domain.ItemID, title string) domain.CandidateItem {
	return domain.CandidateItem{ID: id, Title: title, ReleaseDate: testNow.Add(-time.Hour), OriginalLanguage: "en"}
}

func baseConfig(channels ...int64) Config {
	cfg := Config{Lookback: 48*time.Hour + 5*time.Minute, FreshWindow: 24 * time.Hour, NotifyEmpty: true, EmptyText: "пусто"}
	for _, id := range channels {
		cfg.Channels = append(cfg.Channels, domain.Channel{ID: id})
	}
	return cfg
}

func TestRunEndToEnd(t *testing.T) {
	store := newMemoryStore()
	store.blobs["sent-movie-ids"] = []byte("1")
	l := newTestLedger(t, store)
	fetcher := &stubFetcher{items: []domain.CandidateItem{item(1, "Dup"), item(2, "New")}}
	dispatcher := newRecordingDispatcher()
	reporter := &recordingReporter{}

	svc := NewService(l, fetcher, dispatcher, baseConfig(100), zerolog.Nop(), reporter)
	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}

	if summary.New != 1 || summary.Duplicates != 1 || summary.MessagesSent != 1 || summary.LedgerAdded != 1 {
		t.Fatalf("неожиданные итоги: %+v", summary)
	}
	if summary.RunID == "" {
		t.Fatalf("ожидали идентификатор прогона")
	}
	if !l.Contains(1) || !l.Contains(2) || l.Len() != 2 {
		t.Fatalf("ожидали историю {1,2}, получили %v", l.IDs())
	}
	if got := string(store.blobs["sent-movie-ids"]); got != "1\n2" {
		t.Fatalf("ожидали \"1\\n2\" в хранилище, получили %q", got)
	}
	if len(dispatcher.sent[100]) != 1 {
		t.Fatalf("ожидали одно сообщение, получили %v", dispatcher.sent[100])
	}
	if len(reporter.summaries) != 1 || reporter.summaries[0].RunID != summary.RunID {
		t.Fatalf("репортёр должен получить итоги прогона: %+v", reporter.summaries)
	}
}

func TestRunUsesLookbackWindow(t *testing.T) {
	fetcher := &stubFetcher{}
	svc := NewService(newTestLedger(t, newMemoryStore()), fetcher, newRecordingDispatcher(), baseConfig(100), zerolog.Nop())
	if _, err := svc.Run(context.Background(), testNow); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := domain.ReleaseWindow{Start: testNow.Add(-48*time.Hour - 5*time.Minute), End: testNow}
	if !fetcher.window.Start.Equal(want.Start) || !fetcher.window.End.Equal(want.End) {
		t.Fatalf("ожидали окно %+v, получили %+v", want, fetcher.window)
	}
}

func TestRunFetchFailureSkipsDispatchAndPersist(t *testing.T) {
	store := newMemoryStore()
	dispatcher := newRecordingDispatcher()
	fetchErr := errors.New("tmdb недоступен")
	svc := NewService(newTestLedger(t, store), &stubFetcher{err: fetchErr}, dispatcher, baseConfig(100), zerolog.Nop())

	_, err := svc.Run(context.Background(), testNow)
	if !errors.Is(err, ErrFetch) || !errors.Is(err, fetchErr) {
		t.Fatalf("ожидали ErrFetch с причиной, получили %v", err)
	}
	if len(dispatcher.sent) != 0 || store.uploads != 0 {
		t.Fatalf("после ошибки загрузки не должно быть отправок и сохранений")
	}
}

func TestRunDispatchFailureKeepsLedger(t *testing.T) {
	store := newMemoryStore()
	l := newTestLedger(t, store)
	dispatcher := newRecordingDispatcher()
	sendErr := errors.New("telegram: 400")
	dispatcher.failFor[200] = sendErr
	reporter := &recordingReporter{}

	svc := NewService(l, &stubFetcher{items: []domain.CandidateItem{item(5, "A")}}, dispatcher, baseConfig(100, 200), zerolog.Nop(), reporter)
	_, err := svc.Run(context.Background(), testNow)
	if !errors.Is(err, ErrDispatch) || !errors.Is(err, sendErr) {
		t.Fatalf("ожидали ErrDispatch, получили %v", err)
	}
	if l.Len() != 0 || store.uploads != 0 {
		t.Fatalf("история не должна меняться после ошибки доставки: %v", l.IDs())
	}
	if len(reporter.summaries) != 0 {
		t.Fatalf("упавший прогон не репортится")
	}
}

func TestRunDispatchFailureKeepsSeededLedger(t *testing.T) {
	store := newMemoryStore()
	store.blobs["sent-movie-ids"] = []byte("1")
	l := newTestLedger(t, store)
	dispatcher := newRecordingDispatcher()
	dispatcher.failFor[100] = errors.New("telegram: 500")

	items := []domain.CandidateItem{item(1, "Old"), item(5, "A"), item(6, "B")}
	svc := NewService(l, &stubFetcher{items: items}, dispatcher, baseConfig(100), zerolog.Nop())
	if _, err := svc.Run(context.Background(), testNow); !errors.Is(err, ErrDispatch) {
		t.Fatalf("ожидали ErrDispatch, получили %v", err)
	}
	if fmt.Sprint(l.IDs()) != "[1]" {
		t.Fatalf("история должна остаться {1}, получили %v", l.IDs())
	}
	if store.uploads != 0 {
		t.Fatalf("после ошибки доставки ничего не выгружается, выгрузок: %d", store.uploads)
	}
	if string(store.blobs["sent-movie-ids"]) != "1" {
		t.Fatalf("сохранённая история не должна меняться: %q", store.blobs["sent-movie-ids"])
	}
}

func TestRunPersistFailurePropagates(t *testing.T) {
	store := newMemoryStore()
	store.uploadErr = errors.New("хранилище недоступно")
	svc := NewService(newTestLedger(t, store), &stubFetcher{items: []domain.CandidateItem{item(5, "A")}}, newRecordingDispatcher(), baseConfig(100), zerolog.Nop())

	if _, err := svc.Run(context.Background(), testNow); !errors.Is(err, ErrPersist) || !errors.Is(err, ledger.ErrUpload) {
		t.Fatalf("ожидали ErrPersist, получили %v", err)
	}
}

func TestRunEmptyNotifiesEveryChannel(t *testing.T) {
	store := newMemoryStore()
	store.blobs["sent-movie-ids"] = []byte("1")
	dispatcher := newRecordingDispatcher()
	svc := NewService(newTestLedger(t, store), &stubFetcher{items: []domain.CandidateItem{item(1, "Old")}}, dispatcher, baseConfig(100, 200), zerolog.Nop())

	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !summary.Empty || summary.MessagesSent != 2 || summary.Duplicates != 1 {
		t.Fatalf("неожиданные итоги: %+v", summary)
	}
	for _, id := range []int64{100, 200} {
		if got := dispatcher.sent[id]; len(got) != 1 || got[0] != "пусто" {
			t.Fatalf("канал %d должен получить уведомление об отсутствии релизов, получили %v", id, got)
		}
	}
	if store.uploads != 0 {
		t.Fatalf("пустой прогон не сохраняет историю")
	}
}

func TestRunEmptyNoticeIsEscaped(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	cfg := baseConfig(100)
	cfg.EmptyText = "<нет> & всё"
	svc := NewService(newTestLedger(t, newMemoryStore()), &stubFetcher{}, dispatcher, cfg, zerolog.Nop())

	if _, err := svc.Run(context.Background(), testNow); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if got := dispatcher.sent[100]; len(got) != 1 || got[0] != "&lt;нет&gt; &amp; всё" {
		t.Fatalf("текст уведомления должен экранироваться для HTML, получили %v", got)
	}
}

func TestRunEmptyWithoutNotice(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	cfg := baseConfig(100)
	cfg.NotifyEmpty = false
	svc := NewService(newTestLedger(t, newMemoryStore()), &stubFetcher{}, dispatcher, cfg, zerolog.Nop())

	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !summary.Empty || summary.MessagesSent != 0 || len(dispatcher.sent) != 0 {
		t.Fatalf("при выключенном уведомлении ничего не отправляется: %+v", summary)
	}
}

func TestRunEmptyNoticeFailure(t *testing.T) {
	dispatcher := newRecordingDispatcher()
	dispatcher.failFor[100] = errors.New("boom")
	svc := NewService(newTestLedger(t, newMemoryStore()), &stubFetcher{}, dispatcher, baseConfig(100), zerolog.Nop())

	if _, err := svc.Run(context.Background(), testNow); !errors.Is(err, ErrDispatch) {
		t.Fatalf("ожидали ErrDispatch, получили %v", err)
	}
}

func TestRunCollapsesDuplicatesInFetch(t *testing.T) {
	l := newTestLedger(t, newMemoryStore())
	svc := NewService(l, &stubFetcher{items: []domain.CandidateItem{item(3, "A"), item(3, "A")}}, newRecordingDispatcher(), baseConfig(100), zerolog.Nop())

	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Fetched != 1 || summary.New != 1 || summary.Duplicates != 0 || summary.LedgerAdded != 1 {
		t.Fatalf("повтор внутри выдачи должен схлопываться: %+v", summary)
	}
}

func TestRunFetchedCountsUniqueItems(t *testing.T) {
	store := newMemoryStore()
	store.blobs["sent-movie-ids"] = []byte("1")
	items := []domain.CandidateItem{item(1, "Old"), item(1, "Old"), item(2, "A"), item(2, "A"), item(3, "B")}
	svc := NewService(newTestLedger(t, store), &stubFetcher{items: items}, newRecordingDispatcher(), baseConfig(100), zerolog.Nop())

	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Fetched != 3 || summary.New != 2 || summary.Duplicates != 1 {
		t.Fatalf("загружено должно равняться новым плюс дубликатам: %+v", summary)
	}
	if summary.Fetched != summary.New+summary.Duplicates {
		t.Fatalf("счётчики итогов расходятся: %+v", summary)
	}
}

func TestRunRecordsOnlyRoutedItems(t *testing.T) {
	l := newTestLedger(t, newMemoryStore())
	cfg := baseConfig()
	cfg.Channels = []domain.Channel{{ID: 100, Languages: []string{"ru"}}}
	ru := item(7, "Мастер")
	ru.OriginalLanguage = "ru"
	en := item(8, "Master")

	svc := NewService(l, &stubFetcher{items: []domain.CandidateItem{ru, en}}, newRecordingDispatcher(), cfg, zerolog.Nop())
	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.LedgerAdded != 1 || !l.Contains(7) || l.Contains(8) {
		t.Fatalf("в историю попадают только доставленные релизы: %v", l.IDs())
	}
}

func TestRunRestoreFailureContinues(t *testing.T) {
	store := newMemoryStore()
	store.blobs["sent-movie-ids"] = []byte("oops")
	l := newTestLedger(t, store)
	svc := NewService(l, &stubFetcher{items: []domain.CandidateItem{item(4, "A")}}, newRecordingDispatcher(), baseConfig(100), zerolog.Nop())

	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("ошибка восстановления не должна валить прогон: %v", err)
	}
	if summary.LedgerAdded != 1 {
		t.Fatalf("ожидали одну запись в истории: %+v", summary)
	}
}

func TestRunImportsLegacyHistory(t *testing.T) {
	store := newMemoryStore()
	store.blobs["sent_movie_ids"] = []byte("1\n2")
	l := newTestLedger(t, store)
	cfg := baseConfig(100)
	cfg.LegacyBlobNames = []string{"sent_movie_ids"}

	svc := NewService(l, &stubFetcher{items: []domain.CandidateItem{item(2, "Seen")}}, newRecordingDispatcher(), cfg, zerolog.Nop())
	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.Duplicates != 1 || !summary.Empty {
		t.Fatalf("импортированная история должна отсекать дубли: %+v", summary)
	}
	if got := string(store.blobs["sent-movie-ids"]); got != "1\n2" {
		t.Fatalf("импорт должен сохраниться под новым именем, получили %q", got)
	}
}

func TestRunReporterErrorIsIgnored(t *testing.T) {
	reporter := &recordingReporter{err: errors.New("amqp недоступен")}
	svc := NewService(newTestLedger(t, newMemoryStore()), &stubFetcher{items: []domain.CandidateItem{item(1, "A")}}, newRecordingDispatcher(), baseConfig(100), zerolog.Nop(), reporter)

	if _, err := svc.Run(context.Background(), testNow); err != nil {
		t.Fatalf("ошибка репортёра не должна валить прогон: %v", err)
	}
	if len(reporter.summaries) != 1 {
		t.Fatalf("ожидали один вызов репортёра")
	}
}

func TestRunDeliversToChannelsInParallel(t *testing.T) {
	l := newTestLedger(t, newMemoryStore())
	dispatcher := newRecordingDispatcher()
	items := []domain.CandidateItem{item(1, "B"), item(2, "A")}
	svc := NewService(l, &stubFetcher{items: items}, dispatcher, baseConfig(100, 200, 300), zerolog.Nop())

	summary, err := svc.Run(context.Background(), testNow)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if summary.MessagesSent != 3 || summary.LedgerAdded != 2 {
		t.Fatalf("неожиданные итоги: %+v", summary)
	}
	channels := make([]int64, 0, len(dispatcher.sent))
	for id := range dispatcher.sent {
		channels = append(channels, id)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	if len(channels) != 3 || channels[0] != 100 || channels[2] != 300 {
		t.Fatalf("ожидали доставку в три канала, получили %v", channels)
	}
}
