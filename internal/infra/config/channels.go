package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"
	"golang.org/x/text/language"

	"movie-notifier/internal/domain"
)

type channelsFile struct {
	Channels []channelEntry `yaml:"channels"`
}

type channelEntry struct {
	ID        int64    `yaml:"id"`
	Languages []string `yaml:"languages"`
}

// LoadChannelsFile читает YAML со списком каналов:
//
//	channels:
//	  - id: -1001234567890
//	    languages: [ru, en]
func LoadChannelsFile(path string) ([]domain.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение файла каналов: %w", err)
	}
	return parseChannels(data)
}

func parseChannels(data []byte) ([]domain.Channel, error) {
	var file channelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Field: "CHANNELS_FILE", Reason: err.Error()}
	}
	channels := make([]domain.Channel, 0, len(file.Channels))
	for i, entry := range file.Channels {
		if entry.ID == 0 {
			return nil, &ConfigError{Field: "CHANNELS_FILE", Reason: fmt.Sprintf("канал #%d без id", i+1)}
		}
		langs := make([]string, 0, len(entry.Languages))
		for _, l := range entry.Languages {
			if l = strings.TrimSpace(l); l == "" {
				continue
			}
			tag, err := language.Parse(l)
			if err != nil {
				return nil, &ConfigError{Field: "CHANNELS_FILE", Reason: fmt.Sprintf("канал %d: неизвестный язык %q", entry.ID, l)}
			}
			if _, conf := tag.Base(); conf == language.No {
				return nil, &ConfigError{Field: "CHANNELS_FILE", Reason: fmt.Sprintf("канал %d: неизвестный язык %q", entry.ID, l)}
			}
			langs = append(langs, l)
		}
		channels = append(channels, domain.Channel{ID: entry.ID, Languages: langs})
	}
	return channels, nil
}

// MergeChannels объединяет каналы из окружения и файла. Настройки из файла
// перекрывают каналы с тем же id, порядок первого появления сохраняется.
func MergeChannels(base, override []domain.Channel) []domain.Channel {
	index := make(map[int64]int, len(base)+len(override))
	out := make([]domain.Channel, 0, len(base)+len(override))
	for _, list := range [][]domain.Channel{base, override} {
		for _, ch := range list {
			if i, ok := index[ch.ID]; ok {
				out[i] = ch
				continue
			}
			index[ch.ID] = len(out)
			out = append(out, ch)
		}
	}
	return out
}
