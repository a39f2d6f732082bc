package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// OpenSQLite открывает файл SQLite, создавая каталог при необходимости.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога sqlite: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("открытие sqlite: %w", err)
	}
	// один писатель на файл
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	_, _ = conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	_, _ = conn.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("проверка sqlite: %w", err)
	}
	return conn, nil
}
