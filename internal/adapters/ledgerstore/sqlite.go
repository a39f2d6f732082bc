package ledgerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"movie-notifier/internal/domain"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS ledger_blobs (
	name       TEXT PRIMARY KEY,
	file_name  TEXT NOT NULL,
	content    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLite хранит блобы в локальном файле базы, например на примонтированном томе.
type SQLite struct {
	db *sql.DB
}

var _ domain.LedgerStore = (*SQLite)(nil)

// NewSQLite создаёт хранилище и таблицу, если её нет.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("sqlite: создание таблицы ledger_blobs: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) DownloadBlob(ctx context.Context, name string) ([]byte, bool, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx, `SELECT content FROM ledger_blobs WHERE name = ?`, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite: чтение %s: %w", name, err)
	}
	if content == nil {
		content = []byte{}
	}
	return content, true, nil
}

func (s *SQLite) UploadBlob(ctx context.Context, name, fileName string, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO ledger_blobs (name, file_name, content, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(name) DO UPDATE SET file_name = excluded.file_name, content = excluded.content, updated_at = excluded.updated_at`,
		name, fileName, content, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite: запись %s: %w", name, err)
	}
	return nil
}
