// This file implements an SQLite-backed turn log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/AnchorLoop/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite serializes writers; one connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordTurn(ctx context.Context, t models.TurnRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO turns (id, utterance, origin, reply, sentiment, fallback, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		t.ID, t.UtteranceText, string(t.Origin), t.ReplyText, t.Sentiment, t.Fallback, t.StartedAt.UTC(), t.CompletedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore RecordTurn failed", "error", err, "turn", t.ID)
		return fmt.Errorf("failed to insert turn %s: %w", t.ID, err)
	}
	slog.Debug("SQLiteStore RecordTurn succeeded", "turn", t.ID, "origin", t.Origin)
	return nil
}

func (s *SQLiteStore) RecentTurns(ctx context.Context, limit int) ([]models.TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, utterance, origin, reply, sentiment, fallback, started_at, completed_at
		FROM turns ORDER BY completed_at DESC, id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		slog.Error("SQLiteStore RecentTurns query failed", "error", err)
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	turns, err := scanTurns(rows)
	if err != nil {
		slog.Error("SQLiteStore RecentTurns scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore RecentTurns succeeded", "count", len(turns))
	return turns, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
