package notify

import (
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/language"

	"movie-notifier/internal/adapters/telegram"
	"movie-notifier/internal/domain"
)

const (
	freshMarker = "🔥"
	plainMarker = "🎬"
	dateLayout  = "02.01.2006"
	header      = "🍿 <b>Новые цифровые релизы</b>"
)

// Formatter раскладывает релизы по каналам и собирает из них сообщения.
type Formatter struct {
	freshWindow time.Duration
	limit       int
}

// NewFormatter создаёт форматтер. freshWindow задаёт, какие релизы считаются свежими.
func NewFormatter(freshWindow time.Duration) *Formatter {
	return &Formatter{freshWindow: freshWindow, limit: telegram.MessageLimit}
}

// BuildMessages возвращает сообщения для канала. Каждое сообщение знает, какие
// релизы оно несёт; релизы, не прошедшие языковой фильтр канала, не попадают никуда.
func (f *Formatter) BuildMessages(channel domain.Channel, items []domain.CandidateItem, now time.Time) []domain.Message {
	matcher := newLanguageFilter(channel.Languages)
	selected := make([]domain.CandidateItem, 0, len(items))
	for _, item := range items {
		if matcher.accept(item.OriginalLanguage) {
			selected = append(selected, item)
		}
	}
	if len(selected) == 0 {
		return nil
	}
	f.order(selected, now)

	var (
		messages []domain.Message
		body     strings.Builder
		ids      []domain.ItemID
		size     int
	)
	flush := func() {
		if len(ids) == 0 {
			return
		}
		messages = append(messages, domain.Message{
			ChannelID: channel.ID,
			Text:      header + "\n\n" + body.String(),
			ItemIDs:   ids,
		})
		body.Reset()
		ids = nil
		size = 0
	}

	headerSize := runeLen(header) + 2
	for _, item := range selected {
		line := f.formatLine(item, now, f.limit-headerSize)
		lineSize := runeLen(line)
		if len(ids) > 0 && headerSize+size+1+lineSize > f.limit {
			flush()
		}
		if len(ids) > 0 {
			body.WriteByte('\n')
			size++
		}
		body.WriteString(line)
		size += lineSize
		ids = append(ids, item.ID)
	}
	flush()
	return messages
}

func (f *Formatter) order(items []domain.CandidateItem, now time.Time) {
	sort.SliceStable(items, func(i, j int) bool {
		fi, fj := f.isFresh(items[i], now), f.isFresh(items[j], now)
		if fi != fj {
			return fi
		}
		if items[i].Title != items[j].Title {
			return items[i].Title < items[j].Title
		}
		return items[i].ID < items[j].ID
	})
}

func (f *Formatter) isFresh(item domain.CandidateItem, now time.Time) bool {
	if item.ReleaseDate.IsZero() || item.ReleaseDate.After(now) {
		return false
	}
	return now.Sub(item.ReleaseDate) <= f.freshWindow
}

// formatLine собирает строку релиза не длиннее budget символов. Не влезающие
// площадки заменяются на «…», слишком длинное название обрезается.
func (f *Formatter) formatLine(item domain.CandidateItem, now time.Time, budget int) string {
	marker := plainMarker
	if f.isFresh(item, now) {
		marker = freshMarker
	}
	prefix := marker + " "
	tail := " — " + item.ReleaseDate.Format(dateLayout)
	room := budget - runeLen(prefix) - runeLen(tail) - runeLen("<b></b>")

	title := "<b>" + escapeLimited(strings.TrimSpace(item.Title), room) + "</b>"
	if homepage := strings.TrimSpace(item.Homepage); homepage != "" {
		linked := fmt.Sprintf("<a href=\"%s\">%s</a>", escapeHTML(homepage), title)
		if runeLen(prefix)+runeLen(linked)+runeLen(tail) <= budget {
			title = linked
		}
	}
	line := prefix + title + tail
	if len(item.AvailableOn) > 0 {
		line += providersSuffix(item.AvailableOn, budget-runeLen(line))
	}
	return line
}

func providersSuffix(names []string, room int) string {
	escaped := make([]string, 0, len(names))
	for _, name := range names {
		escaped = append(escaped, escapeHTML(name))
	}
	if full := " (" + strings.Join(escaped, ", ") + ")"; runeLen(full) <= room {
		return full
	}
	const more = "…"
	kept := 0
	for i := range escaped {
		candidate := " (" + strings.Join(escaped[:i+1], ", ") + ", " + more + ")"
		if runeLen(candidate) > room {
			break
		}
		kept = i + 1
	}
	if kept == 0 {
		if short := " (" + more + ")"; runeLen(short) <= room {
			return short
		}
		return ""
	}
	return " (" + strings.Join(escaped[:kept], ", ") + ", " + more + ")"
}

// escapeLimited экранирует s и обрезает результат до max символов, не разрывая сущности.
func escapeLimited(s string, max int) string {
	escaped := escapeHTML(s)
	if runeLen(escaped) <= max {
		return escaped
	}
	var b strings.Builder
	n := 0
	for _, r := range s {
		e := escapeHTML(string(r))
		l := runeLen(e)
		if n+l > max-1 {
			break
		}
		b.WriteString(e)
		n += l
	}
	if max > 0 {
		b.WriteString("…")
	}
	return b.String()
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

func escapeHTML(s string) string {
	return html.EscapeString(s)
}

// languageFilter сравнивает языки по базовому подтегу BCP-47: en совпадает с en-US.
// Фильтр, в котором не распознан ни один язык, не пропускает ничего.
type languageFilter struct {
	configured bool
	bases      map[language.Base]struct{}
}

func newLanguageFilter(languages []string) languageFilter {
	f := languageFilter{bases: make(map[language.Base]struct{})}
	for _, raw := range languages {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		f.configured = true
		if base, ok := parseBase(raw); ok {
			f.bases[base] = struct{}{}
		}
	}
	return f
}

func (f languageFilter) accept(lang string) bool {
	if !f.configured {
		return true
	}
	base, ok := parseBase(lang)
	if !ok {
		return false
	}
	_, found := f.bases[base]
	return found
}

func parseBase(raw string) (language.Base, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return language.Base{}, false
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return language.Base{}, false
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return language.Base{}, false
	}
	return base, true
}
