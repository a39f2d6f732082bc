package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/btree"
	"github.com/rs/zerolog"

	"movie-notifier/internal/domain"
)

var (
	// ErrStore возвращается, если удалённое хранилище не смогло отдать историю.
	ErrStore = errors.New("ledger: ошибка хранилища истории")
	// ErrUpload возвращается, если локальный файл уже записан, а выгрузка в хранилище упала.
	ErrUpload = errors.New("ledger: не удалось выгрузить историю")
)

const btreeDegree = 32

// ParseError описывает строку файла истории, которая не является идентификатором.
type ParseError struct {
	Line  int
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ledger: некорректный идентификатор %q в строке %d: %v", e.Value, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Ledger хранит идентификаторы релизов, о которых уже уведомили.
//
// Набор отсортирован и не содержит дублей. Restore подтягивает его из хранилища
// (удалённая копия главнее локальной), Persist записывает весь набор целиком:
// сначала в локальный файл, затем в хранилище.
type Ledger struct {
	filePath string
	blobName string
	store    domain.LedgerStore
	log      zerolog.Logger
	ids      *btree.BTreeG[domain.ItemID]
}

var _ domain.KnownIDs = (*Ledger)(nil)

// New создаёт пустую историю.
func New(filePath, blobName string, store domain.LedgerStore, logger zerolog.Logger) *Ledger {
	return &Ledger{
		filePath: filePath,
		blobName: blobName,
		store:    store,
		log:      logger,
		ids:      newSet(),
	}
}

func newSet() *btree.BTreeG[domain.ItemID] {
	return btree.NewOrderedG[domain.ItemID](btreeDegree)
}

// Contains проверяет, есть ли идентификатор в истории.
func (l *Ledger) Contains(id domain.ItemID) bool {
	return l.ids.Has(id)
}

// Append добавляет идентификаторы и возвращает количество реально вставленных.
func (l *Ledger) Append(ids []domain.ItemID) int {
	inserted := 0
	for _, id := range ids {
		if _, found := l.ids.ReplaceOrInsert(id); !found {
			inserted++
		}
	}
	return inserted
}

// Len возвращает размер истории.
func (l *Ledger) Len() int {
	return l.ids.Len()
}

// IDs возвращает идентификаторы по возрастанию.
func (l *Ledger) IDs() []domain.ItemID {
	out := make([]domain.ItemID, 0, l.ids.Len())
	l.ids.Ascend(func(id domain.ItemID) bool {
		out = append(out, id)
		return true
	})
	return out
}

// HasLocalCache сообщает, существует ли локальный файл истории.
func (l *Ledger) HasLocalCache() bool {
	_, err := os.Stat(l.filePath)
	return err == nil
}

// Restore загружает историю. Если в хранилище есть блоб, он перезаписывает локальный
// файл; иначе читается локальный файл, если он есть. Некорректная строка прерывает
// восстановление целиком, текущий набор при этом не меняется.
func (l *Ledger) Restore(ctx context.Context) error {
	content, found, err := l.store.DownloadBlob(ctx, l.blobName)
	if err != nil {
		return fmt.Errorf("%w: загрузка %s: %v", ErrStore, l.blobName, err)
	}
	if found {
		if err := l.writeLocal(content); err != nil {
			return err
		}
		return l.apply(content)
	}

	local, err := os.ReadFile(l.filePath)
	if errors.Is(err, os.ErrNotExist) {
		l.log.Debug().Str("file", l.filePath).Msg("ledger: истории нет ни в хранилище, ни локально")
		return nil
	}
	if err != nil {
		return fmt.Errorf("чтение локальной истории: %w", err)
	}
	return l.apply(local)
}

// ImportLegacy подмешивает историю, сохранённую под старым именем блоба.
// Возвращает количество новых идентификаторов.
func (l *Ledger) ImportLegacy(ctx context.Context, name string) (int, error) {
	content, found, err := l.store.DownloadBlob(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("%w: загрузка %s: %v", ErrStore, name, err)
	}
	if !found {
		return 0, nil
	}
	ids, err := parse(content)
	if err != nil {
		return 0, err
	}
	return l.Append(ids), nil
}

// Persist записывает весь набор в локальный файл и выгружает его в хранилище.
func (l *Ledger) Persist(ctx context.Context) error {
	content := l.render()
	if err := l.writeLocal(content); err != nil {
		return err
	}
	fileName := filepath.Base(l.filePath)
	if fileName == "." || fileName == string(filepath.Separator) {
		return fmt.Errorf("ledger: путь %q не содержит имени файла", l.filePath)
	}
	if err := l.store.UploadBlob(ctx, l.blobName, fileName, content); err != nil {
		return fmt.Errorf("%w: %v", ErrUpload, err)
	}
	l.log.Info().Int("size", l.ids.Len()).Str("blob", l.blobName).Msg("ledger: история сохранена")
	return nil
}

func (l *Ledger) apply(content []byte) error {
	ids, err := parse(content)
	if err != nil {
		return err
	}
	set := newSet()
	for _, id := range ids {
		set.ReplaceOrInsert(id)
	}
	l.ids = set
	return nil
}

func (l *Ledger) render() []byte {
	var buf bytes.Buffer
	first := true
	l.ids.Ascend(func(id domain.ItemID) bool {
		if !first {
			buf.WriteByte('\n')
		}
		first = false
		buf.WriteString(strconv.FormatUint(id, 10))
		return true
	})
	return buf.Bytes()
}

func (l *Ledger) writeLocal(content []byte) error {
	if dir := filepath.Dir(l.filePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("создание каталога истории: %w", err)
		}
	}
	if err := os.WriteFile(l.filePath, content, 0o644); err != nil {
		return fmt.Errorf("запись локальной истории: %w", err)
	}
	return nil
}

func parse(content []byte) ([]domain.ItemID, error) {
	if len(content) == 0 {
		return nil, nil
	}
	lines := strings.Split(string(content), "\n")
	ids := make([]domain.ItemID, 0, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		id, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Value: trimmed, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
