package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewRedis создаёт клиента Redis и проверяет соединение.
func NewRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("подключение к redis %s: %w", addr, err)
	}
	return client, nil
}

// releaseScript снимает блокировку, только если она всё ещё принадлежит нам.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock не даёт двум прогонам идти одновременно на разных хостах.
type RunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRunLock создаёт блокировку с указанным ключом и временем жизни.
func NewRunLock(client *redis.Client, key string, ttl time.Duration) *RunLock {
	return &RunLock{client: client, key: key, ttl: ttl}
}

// Once выполняет fn, если блокировка свободна. Возвращает false, если прогон уже идёт.
// Если ttl истёк и ключ занял другой прогон, чужая блокировка не снимается.
func (l *RunLock) Once(ctx context.Context, fn func() error) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("захват блокировки %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{l.key}, token).Err()
	}()
	return true, fn()
}
