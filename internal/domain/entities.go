package domain

import (
	"fmt"
	"strings"
	"time"
)

// ItemID — идентификатор элемента каталога (TMDB id фильма).
type ItemID = uint64

// CandidateItem описывает релиз, найденный в каталоге за текущий прогон.
type CandidateItem struct {
	ID               ItemID
	Title            string
	PrimaryDate      time.Time
	ReleaseDate      time.Time
	OriginalLanguage string
	Popularity       float64
	Homepage         string
	AvailableOn      []string
}

// ReleaseWindow задаёт интервал дат доступности, по которому опрашивается каталог.
type ReleaseWindow struct {
	Start time.Time
	End   time.Time
}

// Valid сообщает, что начало окна не позже конца.
func (w ReleaseWindow) Valid() bool {
	return !w.Start.After(w.End)
}

// WindowBefore строит окно, заканчивающееся в now и уходящее назад на lookback.
func WindowBefore(now time.Time, lookback time.Duration) ReleaseWindow {
	return ReleaseWindow{Start: now.Add(-lookback), End: now}
}

// Channel описывает получателя уведомлений и его языковой фильтр.
type Channel struct {
	ID        int64
	Languages []string
}

// Message — одно сообщение для канала вместе с идентификаторами релизов, которые оно несёт.
type Message struct {
	ChannelID int64
	Text      string
	ItemIDs   []ItemID
}

// RunSummary содержит итоги одного прогона.
type RunSummary struct {
	RunID        string
	StartedAt    time.Time
	Duration     time.Duration
	Fetched      int
	New          int
	Duplicates   int
	MessagesSent int
	LedgerAdded  int
	Empty        bool
}

// RenderMarkdown форматирует итоги прогона для логов и отчётов.
func (s RunSummary) RenderMarkdown() string {
	var b strings.Builder
	b.WriteString("*Итоги прогона:*\n")
	fmt.Fprintf(&b, "- загружено релизов: %d\n", s.Fetched)
	fmt.Fprintf(&b, "- новых релизов: %d\n", s.New)
	fmt.Fprintf(&b, "- дубликатов: %d\n", s.Duplicates)
	fmt.Fprintf(&b, "- отправлено сообщений: %d\n", s.MessagesSent)
	fmt.Fprintf(&b, "- добавлено в историю: %d", s.LedgerAdded)
	return b.String()
}
