package domain

import "context"

// LedgerStore — удалённое хранилище блобов, в котором живёт история отправок.
type LedgerStore interface {
	// DownloadBlob возвращает содержимое блоба. found=false означает, что блоба ещё нет,
	// и отличается от пустого содержимого.
	DownloadBlob(ctx context.Context, name string) (content []byte, found bool, err error)
	// UploadBlob заменяет блоб с таким именем.
	UploadBlob(ctx context.Context, name, fileName string, content []byte) error
}

// KnownIDs отвечает на вопрос, уведомляли ли уже о релизе.
type KnownIDs interface {
	Contains(id ItemID) bool
}

// CatalogFetcher загружает кандидатов из каталога за окно релизов.
type CatalogFetcher interface {
	FetchCandidates(ctx context.Context, window ReleaseWindow, known KnownIDs) ([]CandidateItem, error)
}

// ChannelDispatcher доставляет сообщения в канал по порядку.
type ChannelDispatcher interface {
	SendBatch(ctx context.Context, channelID int64, texts []string) error
}

// RunReporter получает итоги успешного прогона.
type RunReporter interface {
	Report(ctx context.Context, summary RunSummary) error
}
