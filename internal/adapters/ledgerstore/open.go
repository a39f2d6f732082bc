package ledgerstore

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/cache"
	"movie-notifier/internal/infra/config"
	"movie-notifier/internal/infra/db"
)

// Open создаёт хранилище истории по LEDGER_BACKEND. Возвращённую функцию нужно вызвать при завершении.
func Open(ctx context.Context, cfg config.AppConfig, logger zerolog.Logger) (domain.LedgerStore, func(), error) {
	logger = logger.With().Str("backend", cfg.Ledger.Backend).Logger()
	switch cfg.Ledger.Backend {
	case config.BackendGitHub:
		owner, repo, err := cfg.GitHubOwnerRepo()
		if err != nil {
			return nil, nil, err
		}
		store := NewGitHubArtifacts(GitHubConfig{
			Owner:      owner,
			Repo:       repo,
			Token:      cfg.GitHub.Token,
			APIURL:     cfg.GitHub.APIURL,
			UploadsURL: cfg.GitHub.UploadsURL,
		}, nil, logger)
		return store, func() {}, nil

	case config.BackendRedis:
		client, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return NewRedis(client, cfg.RedisKeyPrefix), func() {
			if err := client.Close(); err != nil {
				logger.Warn().Err(err).Msg("ledgerstore: закрытие redis")
			}
		}, nil

	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("ledgerstore: нет подключения к БД: %w", err)
		}
		store, err := NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.BackendSQLite:
		conn, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewSQLite(ctx, conn)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return store, func() {
			if err := conn.Close(); err != nil {
				logger.Warn().Err(err).Msg("ledgerstore: закрытие sqlite")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("ledgerstore: неизвестный бэкенд %q", cfg.Ledger.Backend)
}
