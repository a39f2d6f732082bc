package ledgerstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"movie-notifier/internal/domain"
	"movie-notifier/internal/infra/metrics"
)

const postgresTimeout = 5 * time.Second

const postgresSchema = `CREATE TABLE IF NOT EXISTS ledger_blobs (
	name       TEXT PRIMARY KEY,
	file_name  TEXT NOT NULL,
	content    BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres хранит блобы в таблице ledger_blobs.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.LedgerStore = (*Postgres)(nil)

// NewPostgres создаёт хранилище и таблицу, если её нет.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresTimeout)
	defer cancel()
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("postgres: создание таблицы ledger_blobs: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// DownloadBlob читает блоб по имени.
func (p *Postgres) DownloadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresTimeout)
	defer cancel()

	start := time.Now()
	var content []byte
	err := p.pool.QueryRow(ctx, `SELECT content FROM ledger_blobs WHERE name = $1`, name).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "get_blob", name, start, nil)
		return nil, false, nil
	}
	metrics.ObserveNetworkRequest("postgres", "get_blob", name, start, err)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: чтение %s: %w", name, err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, true, nil
}

// UploadBlob заменяет блоб.
func (p *Postgres) UploadBlob(ctx context.Context, name, fileName string, content []byte) error {
	ctx, cancel := context.WithTimeout(ctx, postgresTimeout)
	defer cancel()

	if content == nil {
		content = []byte{}
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO ledger_blobs (name, file_name, content, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (name) DO UPDATE SET file_name = EXCLUDED.file_name, content = EXCLUDED.content, updated_at = now()`,
		name, fileName, content)
	metrics.ObserveNetworkRequest("postgres", "put_blob", name, start, err)
	if err != nil {
		return fmt.Errorf("postgres: запись %s: %w", name, err)
	}
	return nil
}
