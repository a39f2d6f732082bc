package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/metrics"
)

// Redis хранит блобы в строковых ключах Redis без TTL.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ domain.LedgerStore = (*Redis)(nil)

// NewRedis создаёт хранилище поверх готового клиента.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

// DownloadBlob читает блоб. Отсутствие ключа не ошибка.
func (r *Redis) DownloadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	start := time.Now()
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.ObserveNetworkRequest("redis", "get_blob", name, start, nil)
		return nil, false, nil
	}
	metrics.ObserveNetworkRequest("redis", "get_blob", name, start, err)
	if err != nil {
		return nil, false, fmt.Errorf("redis: чтение %s: %w", name, err)
	}
	return data, true, nil
}

// UploadBlob атомарно заменяет блоб и имя файла.
func (r *Redis) UploadBlob(ctx context.Context, name, fileName string, content []byte) error {
	start := time.Now()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(name), content, 0)
		pipe.Set(ctx, r.key(name)+":file", fileName, 0)
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "set_blob", name, start, err)
	if err != nil {
		return fmt.Errorf("redis: запись %s: %w", name, err)
	}
	return nil
}
