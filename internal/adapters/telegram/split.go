package telegram

import "strings"

// MessageLimit — максимальная длина сообщения Telegram в символах.
const MessageLimit = 4096

// SplitMessage обрезает пробелы по краям и режет текст на части не длиннее MessageLimit.
// Разрез идёт по переводам строк; строка длиннее лимита режется посимвольно.
func SplitMessage(text string) []string {
	return splitText(text, MessageLimit)
}

func splitText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if runeLen(trimmed) <= limit {
		return []string{trimmed}
	}

	var (
		parts   []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if chunk := strings.Trim(current.String(), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		current.Reset()
		size = 0
	}

	for _, line := range strings.Split(trimmed, "\n") {
		runes := []rune(line)
		for len(runes) > limit {
			flush()
			parts = append(parts, string(runes[:limit]))
			runes = runes[limit:]
		}
		extra := len(runes)
		if size > 0 {
			extra++
		}
		if size+extra > limit {
			flush()
			extra = len(runes)
		}
		if size > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(string(runes))
		size += extra
	}
	flush()
	return parts
}

func runeLen(s string) int {
	return len([]rune(s))
}
